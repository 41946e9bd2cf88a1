package formula

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// DefaultBinDir is where the default install rule places a package's binary
const DefaultBinDir = "bin"

// ErrInvalid is wrapped by every record validation failure
var ErrInvalid = errors.New("invalid formula")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

// Record is one installable package version with every template already
// resolved. Records are values; nothing in the pipeline mutates one.
type Record struct {
	Name      string     `yaml:"name" json:"name"`
	Version   string     `yaml:"version" json:"version"`
	URL       string     `yaml:"url" json:"url"`
	Digest    Digest     `yaml:"digest" json:"digest"`
	Install   []Mapping  `yaml:"install,omitempty" json:"install,omitempty"`
	Signature *Signature `yaml:"signature,omitempty" json:"signature,omitempty"`
}

// Mapping places one archive path at a destination under the prefix.
// Both paths are slash separated and relative.
type Mapping struct {
	Source      string `yaml:"source" json:"source"`
	Destination string `yaml:"destination" json:"destination"`
	// Executable forces mode 0755 on the installed files
	Executable bool `yaml:"executable,omitempty" json:"executable,omitempty"`
}

// Signature points at a detached OpenPGP signature over the artifact and the
// keyring that must have produced it.
type Signature struct {
	URL     string `yaml:"url" json:"url"`
	Keyring string `yaml:"keyring" json:"keyring"`
}

// DefaultMapping is the "single top-level binary named name" rule
func DefaultMapping(name string) Mapping {
	return Mapping{
		Source:      name,
		Destination: path.Join(DefaultBinDir, name),
		Executable:  true,
	}
}

// Mappings returns the effective install map: the declared one, or the
// default rule when none is declared.
func (r *Record) Mappings() []Mapping {
	if len(r.Install) == 0 {
		return []Mapping{DefaultMapping(r.Name)}
	}
	out := make([]Mapping, len(r.Install))
	for i, m := range r.Install {
		out[i] = Mapping{
			Source:      CleanRelative(m.Source),
			Destination: CleanRelative(m.Destination),
			Executable:  m.Executable,
		}
	}
	return out
}

// UsesDefaultMapping reports whether the record relies on the default rule
func (r *Record) UsesDefaultMapping() bool {
	return len(r.Install) == 0
}

// String returns "name@version"
func (r *Record) String() string {
	return r.Name + "@" + r.Version
}

// Validate checks the record invariants. A placeholder digest is accepted
// here; the installer refuses it separately so the failure is reported as
// an unverified formula rather than a malformed one.
func (r *Record) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if strings.TrimSpace(r.Version) == "" {
		return fmt.Errorf("%w: %s: version is required", ErrInvalid, r.Name)
	}
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: %s: url is required", ErrInvalid, r.Name)
	}
	if r.Digest.IsZero() {
		return fmt.Errorf("%w: %s: digest is required", ErrInvalid, r.Name)
	}
	if !r.Digest.IsPlaceholder() {
		if err := r.Digest.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, r.Name, err)
		}
	}

	seen := make(map[string]bool)
	for i, m := range r.Install {
		if err := ValidateRelative(m.Source); err != nil {
			return fmt.Errorf("%w: %s: install[%d] source: %v", ErrInvalid, r.Name, i, err)
		}
		if err := ValidateRelative(m.Destination); err != nil {
			return fmt.Errorf("%w: %s: install[%d] destination: %v", ErrInvalid, r.Name, i, err)
		}
		dest := CleanRelative(m.Destination)
		if seen[dest] {
			return fmt.Errorf("%w: %s: duplicate destination %q", ErrInvalid, r.Name, dest)
		}
		seen[dest] = true
	}

	if r.Signature != nil {
		if r.Signature.URL == "" || r.Signature.Keyring == "" {
			return fmt.Errorf("%w: %s: signature needs both url and keyring", ErrInvalid, r.Name)
		}
	}
	return nil
}

// ValidateName checks that name can identify a package. Names become
// manifest and lock file names, so separators and dot-dot are refused.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q contains invalid characters", ErrInvalid, name)
	}
	return nil
}

// ValidateRelative checks that p is a relative, slash-separated path that
// normalizes to a location strictly inside its root.
func ValidateRelative(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("path is empty")
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("path %q must use forward slashes", p)
	}
	if path.IsAbs(p) {
		return fmt.Errorf("path %q is absolute", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return fmt.Errorf("path %q refers to the root itself", p)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("path %q escapes its root", p)
	}
	return nil
}

// CleanRelative returns the normalized form of a relative path
func CleanRelative(p string) string {
	return path.Clean(strings.TrimPrefix(p, "./"))
}
