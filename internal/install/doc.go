// Package install downloads, verifies, unpacks and places packages
// described by formula records.
//
// An Install moves through a fixed sequence of stages:
//
//	pending -> fetching -> verifying -> extracting -> installing -> committed
//
// and ends in failed or rolled back on error. Every intermediate file lives
// in the cache directory until the installing stage, which is the only one
// that touches the prefix. That stage writes a journal before its first
// change, stages file copies inside the prefix and renames each into place.
// A failure undoes the renames in reverse; a crash leaves the journal for
// Recover.
//
// # Verification
//
// The artifact is hashed while it streams to disk and compared against the
// formula digest in full. A formula whose digest is a placeholder is refused
// unless Config.AllowUnverified is set, and such installs are recorded with
// VerificationNone. An optional detached OpenPGP signature is checked after
// the digest.
//
// # Concurrency
//
// Operations on one package are serialized by a lock file in the state
// directory. Different packages install in parallel, see InstallAll.
package install
