package formula

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Algorithm names the hash function a Digest was computed with
type Algorithm string

const (
	// SHA256 is the default algorithm, used when a digest carries no prefix
	SHA256 Algorithm = "sha256"
	// SHA512 is SHA-512
	SHA512 Algorithm = "sha512"
	// BLAKE3 is unkeyed 256-bit BLAKE3
	BLAKE3 Algorithm = "blake3"
)

// HexLen returns the length of a hex-encoded digest for the algorithm,
// or 0 for an unsupported algorithm.
func (a Algorithm) HexLen() int {
	switch a {
	case SHA256, BLAKE3:
		return 64
	case SHA512:
		return 128
	default:
		return 0
	}
}

// String returns the algorithm name
func (a Algorithm) String() string {
	return string(a)
}

// placeholders are digest values formula authors leave in place of a real
// checksum. They parse, but can never verify anything.
var placeholders = map[string]bool{
	"":            true,
	"todo":        true,
	"fixme":       true,
	"placeholder": true,
	"none":        true,
	"unverified":  true,
	"skip":        true,
}

// Digest is an expected or computed content hash
type Digest struct {
	Algorithm Algorithm
	Hex       string
}

// ParseDigest parses "algo:hex" or a bare hex value (sha256).
// Placeholder values such as "TODO" parse without error; check
// IsPlaceholder before trusting the result.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)

	algo := SHA256
	value := s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		algo = Algorithm(strings.ToLower(strings.TrimSpace(prefix)))
		value = strings.TrimSpace(rest)
	}

	if algo.HexLen() == 0 {
		return Digest{}, fmt.Errorf("unsupported digest algorithm: %q", algo)
	}

	d := Digest{Algorithm: algo, Hex: value}
	if d.IsPlaceholder() {
		return d, nil
	}

	d.Hex = strings.ToLower(value)
	if err := d.Validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// MustParseDigest is ParseDigest that panics on error. For tests and constants.
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsPlaceholder reports whether the digest is a stand-in rather than a real
// checksum: empty, a marker word, or all zeros.
func (d Digest) IsPlaceholder() bool {
	if placeholders[strings.ToLower(d.Hex)] {
		return true
	}
	return strings.Trim(d.Hex, "0") == "" && len(d.Hex) == d.Algorithm.HexLen()
}

// IsZero reports whether the digest is the zero value
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && d.Hex == ""
}

// Validate checks that the digest is well-formed hex of the right length
// for its algorithm. Placeholders fail validation.
func (d Digest) Validate() error {
	want := d.Algorithm.HexLen()
	if want == 0 {
		return fmt.Errorf("unsupported digest algorithm: %q", d.Algorithm)
	}
	if d.IsPlaceholder() {
		return fmt.Errorf("%s digest is a placeholder: %q", d.Algorithm, d.Hex)
	}
	if len(d.Hex) != want {
		return fmt.Errorf("%s digest must be %d hex characters, got %d", d.Algorithm, want, len(d.Hex))
	}
	if _, err := hex.DecodeString(d.Hex); err != nil {
		return fmt.Errorf("%s digest is not valid hex: %w", d.Algorithm, err)
	}
	if d.Hex != strings.ToLower(d.Hex) {
		return fmt.Errorf("%s digest must be lower-case hex", d.Algorithm)
	}
	return nil
}

// Equal reports exact equality of algorithm and full hex value
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && d.Hex == other.Hex
}

// String returns the "algo:hex" form
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + ":" + d.Hex
}

// MarshalText implements encoding.TextMarshaler
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
