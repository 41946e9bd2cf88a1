package testutil_test

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZebulonRouseFrantzich/keg/internal/testutil"
	"github.com/klauspost/compress/gzip"
)

func TestSetupTestEnv(t *testing.T) {
	env := testutil.SetupTestEnv(t)

	vars := map[string]string{
		"KEG_CONFIG_DIR": env.Config,
		"KEG_PREFIX":     env.Prefix,
		"KEG_STATE_DIR":  env.StateDir,
		"KEG_CACHE_DIR":  env.CacheDir,
	}
	for name, want := range vars {
		if got := os.Getenv(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	for _, dir := range []string{env.Config, env.StateDir, env.CacheDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("directory %s not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}

	if _, err := os.Stat(env.Prefix); !os.IsNotExist(err) {
		t.Error("prefix should not be created up front")
	}
}

func TestTarBytes(t *testing.T) {
	data := testutil.TarBytes(t, testutil.Gzip,
		testutil.Dir("pkg/"),
		testutil.File("pkg/tool", "#!/bin/sh\n", 0o755),
	)

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not gzip: %v", err)
	}
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		names = append(names, hdr.Name)
		if hdr.Name == "pkg/tool" && hdr.Mode != 0o755 {
			t.Errorf("mode = %o, want 755", hdr.Mode)
		}
	}
	if len(names) != 2 {
		t.Errorf("expected 2 entries, got %v", names)
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "nested/file.bin", []byte("abc"))

	if path != filepath.Join(dir, "nested", "file.bin") {
		t.Errorf("unexpected path %s", path)
	}
	if got := testutil.SHA256([]byte("abc")); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("SHA256 = %s", got)
	}
}
