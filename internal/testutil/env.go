// Package testutil provides utilities for testing keg in isolation.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Env is the set of isolated directories created by SetupTestEnv.
type Env struct {
	Root     string
	Config   string
	Prefix   string
	StateDir string
	CacheDir string
}

// SetupTestEnv creates isolated test directories for each test and points
// the KEG_* environment variables at them, so tests never touch the user's
// real prefix, state or configuration.
//
// The prefix directory is NOT created; installs create it on commit, and
// tests assert on whether it exists.
//
// The cleanup function is automatically handled by t.TempDir(),
// so callers don't need to manually clean up.
func SetupTestEnv(t *testing.T) *Env {
	t.Helper()

	tmpDir := t.TempDir()
	env := &Env{
		Root:     tmpDir,
		Config:   filepath.Join(tmpDir, "config"),
		Prefix:   filepath.Join(tmpDir, "opt", "pkg"),
		StateDir: filepath.Join(tmpDir, "state"),
		CacheDir: filepath.Join(tmpDir, "cache"),
	}

	t.Setenv("KEG_CONFIG_DIR", env.Config)
	t.Setenv("KEG_PREFIX", env.Prefix)
	t.Setenv("KEG_STATE_DIR", env.StateDir)
	t.Setenv("KEG_CACHE_DIR", env.CacheDir)

	for _, dir := range []string{env.Config, env.StateDir, env.CacheDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("failed to create test directory %s: %v", dir, err)
		}
	}
	return env
}
