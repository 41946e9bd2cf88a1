package formula

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Template variable names understood by ResolveURL
const (
	VarName    = "name"
	VarVersion = "version"
	VarOS      = "os"
	VarArch    = "arch"
	VarMachine = "machine"
)

// Vars holds template substitutions keyed by variable name
type Vars map[string]string

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ResolveURL substitutes every {{var}} in template and checks that the
// result is an absolute http(s) URL. It has no side effects.
func ResolveURL(template string, vars Vars) (string, error) {
	var missing []string
	resolved := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := vars[key]
		if !ok {
			missing = append(missing, key)
			return match
		}
		return url.PathEscape(value)
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("url template references unknown variables: %s", strings.Join(missing, ", "))
	}
	if strings.Contains(resolved, "{{") || strings.Contains(resolved, "}}") {
		return "", fmt.Errorf("url template has a malformed placeholder: %q", template)
	}

	u, err := url.Parse(resolved)
	if err != nil {
		return "", fmt.Errorf("parse resolved url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url %q must use http or https", resolved)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", resolved)
	}
	return resolved, nil
}

// ResolveVersion is ResolveURL with only the version variable bound
func ResolveVersion(template, version string) (string, error) {
	return ResolveURL(template, Vars{VarVersion: version})
}

// Template is a formula whose URL still carries {{var}} placeholders. It is
// the shape of a record file on disk.
type Template struct {
	Name      string     `yaml:"name"`
	Version   string     `yaml:"version"`
	URL       string     `yaml:"url"`
	Digest    Digest     `yaml:"digest"`
	Install   []Mapping  `yaml:"install,omitempty"`
	Signature *Signature `yaml:"signature,omitempty"`
}

// Resolve evaluates the URL templates once and returns a validated Record.
// Name and version are always bound; vars supplies the rest (platform).
func (t *Template) Resolve(vars Vars) (*Record, error) {
	all := Vars{}
	for k, v := range vars {
		all[k] = v
	}
	all[VarName] = t.Name
	all[VarVersion] = t.Version

	resolvedURL, err := ResolveURL(t.URL, all)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, t.Name, err)
	}

	rec := &Record{
		Name:    t.Name,
		Version: t.Version,
		URL:     resolvedURL,
		Digest:  t.Digest,
		Install: append([]Mapping(nil), t.Install...),
	}

	if t.Signature != nil {
		sigURL, err := ResolveURL(t.Signature.URL, all)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: signature: %v", ErrInvalid, t.Name, err)
		}
		rec.Signature = &Signature{URL: sigURL, Keyring: t.Signature.Keyring}
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}
