package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults applied before the config file is read
const (
	DefaultJobs         = 4
	DefaultRetries      = 3
	DefaultTimeout      = 30 * time.Minute
	DefaultFetchTimeout = 5 * time.Minute
	DefaultUserAgent    = "keg/1.0"
)

// Config holds installer settings.
type Config struct {
	// Prefix is the root the packages are installed under
	Prefix string `json:"prefix"`
	// StateDir holds manifests, locks and commit journals
	StateDir string `json:"state_dir"`
	// CacheDir holds fetched artifacts and extraction trees while an
	// install runs
	CacheDir string `json:"cache_dir"`
	// Jobs bounds concurrent installs of distinct packages
	Jobs int `json:"jobs"`
	// Timeout bounds one whole install operation
	Timeout time.Duration `json:"timeout"`
	// Insecure allows installing formulas whose digest is a placeholder
	Insecure bool `json:"insecure,omitempty"`

	Fetch FetchConfig `json:"fetch"`
}

// FetchConfig holds download settings.
type FetchConfig struct {
	Retries   int           `json:"retries"`
	UserAgent string        `json:"user_agent"`
	Timeout   time.Duration `json:"timeout"`
}

// Default returns the built-in configuration rooted in the user's home
// directory.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = filepath.Join(home, ".cache")
	}

	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		stateDir = filepath.Join(home, ".local", "state")
	}

	return &Config{
		Prefix:   filepath.Join(home, ".local", "keg"),
		StateDir: filepath.Join(stateDir, "keg"),
		CacheDir: filepath.Join(cacheDir, "keg"),
		Jobs:     DefaultJobs,
		Timeout:  DefaultTimeout,
		Fetch: FetchConfig{
			Retries:   DefaultRetries,
			UserAgent: DefaultUserAgent,
			Timeout:   DefaultFetchTimeout,
		},
	}
}

// Dir returns the directory the config file lives in
func Dir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "keg")
	}
	return filepath.Join(dir, "keg")
}

// DefaultPath returns the path of the config file
func DefaultPath() string {
	return filepath.Join(Dir(), ConfigFileName)
}

// applyEnv overrides directories from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrefix); v != "" {
		c.Prefix = v
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvCacheDir); v != "" {
		c.CacheDir = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	dirs := map[string]string{
		luaFieldPrefix: c.Prefix,
		luaFieldState:  c.StateDir,
		luaFieldCache:  c.CacheDir,
	}
	for field, dir := range dirs {
		if dir == "" {
			return fmt.Errorf("%s is required", field)
		}
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%s must be an absolute path: %s", field, dir)
		}
	}

	prefix := filepath.Clean(c.Prefix)
	for _, field := range []string{luaFieldState, luaFieldCache} {
		if filepath.Clean(dirs[field]) == prefix {
			return fmt.Errorf("%s must differ from prefix", field)
		}
	}

	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1, got %d", c.Jobs)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.Fetch.Retries < 0 {
		return fmt.Errorf("fetch.retries must not be negative, got %d", c.Fetch.Retries)
	}
	if c.Fetch.Timeout < 0 {
		return fmt.Errorf("fetch.timeout must not be negative")
	}
	return nil
}
