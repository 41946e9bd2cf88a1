package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/keg/internal/platform"
	lua "github.com/yuin/gopher-lua"
)

// Parser reads keg.lua files with platform detection.
type Parser struct {
	detector platform.Detector
}

// NewParser creates a new config parser with the given platform detector.
// A nil detector leaves the platform table undefined.
func NewParser(detector platform.Detector) *Parser {
	return &Parser{detector: detector}
}

// ParseError represents a config parsing error with friendly message.
type ParseError struct {
	Message string // User-friendly message
	Detail  string // Technical details (raw Lua error)
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

// ParseString evaluates Lua config code on top of the defaults.
func (p *Parser) ParseString(ctx context.Context, luaCode string) (*Config, error) {
	L := newSandboxedVM()
	defer L.Close()
	L.SetContext(ctx)

	if p.detector != nil {
		info, err := p.detector.Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform detection failed: %w", err)
		}
		if err := platform.InjectPlatformTable(L, info); err != nil {
			return nil, fmt.Errorf("inject platform table: %w", err)
		}
	}

	if err := L.DoString(luaCode); err != nil {
		return nil, &ParseError{
			Message: "Lua syntax error",
			Detail:  err.Error(),
		}
	}

	cfg := Default()
	if err := extractConfig(L, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseFile reads and evaluates a config file.
func (p *Parser) ParseFile(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return p.ParseString(ctx, string(data))
}

// Load returns the effective configuration: defaults, then the file at path
// if it exists, then environment overrides. The result is validated.
func Load(ctx context.Context, path string, detector platform.Detector) (*Config, error) {
	cfg, err := NewParser(detector).ParseFile(ctx, path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, &ParseError{
			Message: "config validation failed",
			Detail:  err.Error(),
		}
	}
	return cfg, nil
}

// extractConfig copies the global keg table onto cfg. A missing table
// leaves the defaults in place.
func extractConfig(L *lua.LState, cfg *Config) error {
	val := L.GetGlobal(luaGlobalKeg)
	if val.Type() == lua.LTNil {
		return nil
	}
	table, ok := val.(*lua.LTable)
	if !ok {
		return &ParseError{
			Message: "invalid 'keg' table",
			Detail:  fmt.Sprintf("expected table, got %s", val.Type()),
		}
	}

	var err error
	if cfg.Prefix, err = stringField(table, luaFieldPrefix, cfg.Prefix); err != nil {
		return err
	}
	if cfg.StateDir, err = stringField(table, luaFieldState, cfg.StateDir); err != nil {
		return err
	}
	if cfg.CacheDir, err = stringField(table, luaFieldCache, cfg.CacheDir); err != nil {
		return err
	}
	if cfg.Jobs, err = intField(table, luaFieldJobs, cfg.Jobs); err != nil {
		return err
	}
	if cfg.Timeout, err = durationField(table, luaFieldTime, cfg.Timeout); err != nil {
		return err
	}
	if v := table.RawGetString(luaFieldUnsafe); v.Type() != lua.LTNil {
		b, ok := v.(lua.LBool)
		if !ok {
			return fieldError(luaFieldUnsafe, "boolean", v)
		}
		cfg.Insecure = bool(b)
	}

	fetchVal := table.RawGetString(luaFieldFetch)
	if fetchVal.Type() == lua.LTNil {
		return nil
	}
	fetch, ok := fetchVal.(*lua.LTable)
	if !ok {
		return fieldError(luaFieldFetch, "table", fetchVal)
	}
	if cfg.Fetch.Retries, err = intField(fetch, luaFieldRetry, cfg.Fetch.Retries); err != nil {
		return err
	}
	if cfg.Fetch.UserAgent, err = stringField(fetch, luaFieldAgent, cfg.Fetch.UserAgent); err != nil {
		return err
	}
	if cfg.Fetch.Timeout, err = durationField(fetch, luaFieldTime, cfg.Fetch.Timeout); err != nil {
		return err
	}
	return nil
}

func stringField(t *lua.LTable, name, def string) (string, error) {
	v := t.RawGetString(name)
	switch v.Type() {
	case lua.LTNil:
		return def, nil
	case lua.LTString:
		return expandHome(v.String()), nil
	default:
		return "", fieldError(name, "string", v)
	}
}

func intField(t *lua.LTable, name string, def int) (int, error) {
	v := t.RawGetString(name)
	switch v.Type() {
	case lua.LTNil:
		return def, nil
	case lua.LTNumber:
		return int(lua.LVAsNumber(v)), nil
	default:
		return 0, fieldError(name, "number", v)
	}
}

// durationField accepts a number of seconds or a Go duration string.
func durationField(t *lua.LTable, name string, def time.Duration) (time.Duration, error) {
	v := t.RawGetString(name)
	switch v.Type() {
	case lua.LTNil:
		return def, nil
	case lua.LTNumber:
		return time.Duration(float64(lua.LVAsNumber(v)) * float64(time.Second)), nil
	case lua.LTString:
		d, err := time.ParseDuration(v.String())
		if err != nil {
			return 0, &ParseError{
				Message: fmt.Sprintf("invalid '%s' duration", name),
				Detail:  err.Error(),
			}
		}
		return d, nil
	default:
		return 0, fieldError(name, "number or duration string", v)
	}
}

func fieldError(name, want string, got lua.LValue) error {
	return &ParseError{
		Message: fmt.Sprintf("invalid '%s' field", name),
		Detail:  fmt.Sprintf("expected %s, got %s", want, got.Type()),
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + strings.TrimPrefix(p, "~")
}

// FormatError formats a ParseError for user display. In verbose mode the
// raw Lua error is included.
func FormatError(err error, verbose bool) string {
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		return err.Error()
	}
	if verbose {
		return fmt.Sprintf("%s\n\nDetails:\n%s", parseErr.Message, parseErr.Detail)
	}
	detail := parseErr.Detail
	if idx := strings.Index(detail, "stack traceback"); idx > 0 {
		detail = strings.TrimSpace(detail[:idx])
	}
	return fmt.Sprintf("%s: %s", parseErr.Message, detail)
}
