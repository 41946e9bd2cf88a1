package install

import (
	"fmt"
	"time"
)

// Stage is a state of one install operation
type Stage int

const (
	StagePending Stage = iota
	StageFetching
	StageVerifying
	StageExtracting
	StageInstalling
	StageCommitted
	StageFailed
	StageRolledBack
)

// String returns the lower-case stage name
func (s Stage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageFetching:
		return "fetching"
	case StageVerifying:
		return "verifying"
	case StageExtracting:
		return "extracting"
	case StageInstalling:
		return "installing"
	case StageCommitted:
		return "committed"
	case StageFailed:
		return "failed"
	case StageRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s
func (s Stage) Terminal() bool {
	return s == StageCommitted || s == StageFailed || s == StageRolledBack
}

// Status is the outcome of a successful Install
type Status int

const (
	// StatusInstalled means files were written and a manifest committed
	StatusInstalled Status = iota
	// StatusAlreadyInstalled means an identical manifest existed and nothing
	// was fetched or written
	StatusAlreadyInstalled
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusInstalled:
		return "installed"
	case StatusAlreadyInstalled:
		return "already installed"
	default:
		return "unknown"
	}
}

// VerificationMethod indicates how an artifact was verified
type VerificationMethod int

const (
	// VerificationNone means the formula had a placeholder digest and was
	// installed through the insecure opt-in
	VerificationNone VerificationMethod = iota
	// VerificationDigest means the artifact digest matched the formula
	VerificationDigest
	// VerificationGPG means the digest matched and a detached OpenPGP
	// signature verified as well
	VerificationGPG
)

// String returns the string representation of the verification method
func (v VerificationMethod) String() string {
	switch v {
	case VerificationNone:
		return "none"
	case VerificationDigest:
		return "digest"
	case VerificationGPG:
		return "gpg"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (v VerificationMethod) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (v *VerificationMethod) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none":
		*v = VerificationNone
	case "digest":
		*v = VerificationDigest
	case "gpg":
		*v = VerificationGPG
	default:
		return fmt.Errorf("unknown verification method %q", text)
	}
	return nil
}

// Result describes one Install call. It is returned on failure too, with
// Trail ending in StageFailed or StageRolledBack.
type Result struct {
	Package  string
	Version  string
	Status   Status
	Verified VerificationMethod
	Manifest *Manifest
	// Trail lists every stage the operation entered, in order
	Trail    []Stage
	Duration time.Duration
}

// FinalStage returns the last stage entered
func (r *Result) FinalStage() Stage {
	if len(r.Trail) == 0 {
		return StagePending
	}
	return r.Trail[len(r.Trail)-1]
}
