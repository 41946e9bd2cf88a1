package install

import "time"

// Clock provides the time recorded in manifests. Tests inject a fixed one.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system time in UTC
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
