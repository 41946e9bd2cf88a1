package install

import (
	"errors"
	"fmt"

	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
)

var (
	// ErrConflict is wrapped when a destination exists and is not owned by
	// the package being installed
	ErrConflict = errors.New("destination exists and is not owned by this package")
	// ErrSourceNotFound is wrapped when an install map source is missing
	// from the extracted archive
	ErrSourceNotFound = errors.New("source not found in archive")
	// ErrInsufficientSpace is wrapped when the prefix filesystem cannot hold
	// the files about to be placed
	ErrInsufficientSpace = errors.New("insufficient free space")
	// ErrNotInstalled is returned for a package without a manifest
	ErrNotInstalled = errors.New("package is not installed")
)

// FetchError is a download failure. Retryable records whether the last
// failure was of a transient class; Attempts is how many requests were made.
type FetchError struct {
	URL        string
	Attempts   int
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s", e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" (after %d attempts)", e.Attempts)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IntegrityError is a digest mismatch. The artifact is presumed tampered or
// the formula stale, and is never retried.
type IntegrityError struct {
	Expected formula.Digest
	Actual   formula.Digest
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// UnverifiedFormulaError is returned for a placeholder digest when the
// insecure opt-in is not set.
type UnverifiedFormulaError struct {
	Name   string
	Digest formula.Digest
}

func (e *UnverifiedFormulaError) Error() string {
	subject := "formula"
	if e.Name != "" {
		subject = "formula " + e.Name
	}
	return fmt.Sprintf("%s has placeholder digest %q; refusing to install an unverified artifact (insecure mode overrides)",
		subject, e.Digest.Hex)
}

// SignatureError is a detached signature that failed to verify
type SignatureError struct {
	Keyring string
	Err     error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature verification against %s failed: %v", e.Keyring, e.Err)
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

// UnsafeArchiveEntryError is an archive member that would land outside the
// extraction root. Extraction aborts on the first one.
type UnsafeArchiveEntryError struct {
	Path   string
	Reason string
}

func (e *UnsafeArchiveEntryError) Error() string {
	return fmt.Sprintf("unsafe archive entry %q: %s", e.Path, e.Reason)
}

// InstallError is a filesystem failure while planning or placing files
type InstallError struct {
	Op   string
	Path string
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// StageError wraps every Install failure with the stage it happened in.
// Use errors.As to reach the typed cause.
type StageError struct {
	Package    string
	Stage      Stage
	RolledBack bool
	Err        error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s: failed at %s: %v", e.Package, e.Stage, e.Err)
	if e.RolledBack {
		msg += " (rolled back)"
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage at which err's install failed
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return StagePending, false
}
