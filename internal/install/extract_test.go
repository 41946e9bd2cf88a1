package install

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZebulonRouseFrantzich/keg/internal/testutil"
)

func artifactFrom(t *testing.T, data []byte) *StagedArtifact {
	t.Helper()
	return &StagedArtifact{Path: testutil.WriteFile(t, t.TempDir(), "artifact", data)}
}

func extract(t *testing.T, data []byte) (*ExtractedTree, string, error) {
	t.Helper()
	workDir := t.TempDir()
	tree, err := NewExtractor(workDir, nil).Extract(context.Background(), artifactFrom(t, data), "tool")
	return tree, workDir, err
}

func sampleEntries() []testutil.Entry {
	return []testutil.Entry{
		testutil.Dir("pkg/"),
		testutil.File("pkg/tool", "#!/bin/sh\necho tool\n", 0o755),
		testutil.File("pkg/README", "readme", 0o644),
		testutil.Symlink("pkg/tool-link", "tool"),
	}
}

func TestExtractFormats(t *testing.T) {
	tests := []struct {
		name   string
		data   func(t *testing.T) []byte
		format Format
	}{
		{
			name:   "tar",
			data:   func(t *testing.T) []byte { return testutil.TarBytes(t, testutil.NoCompression, sampleEntries()...) },
			format: FormatTar,
		},
		{
			name:   "tar_gzip",
			data:   func(t *testing.T) []byte { return testutil.TarBytes(t, testutil.Gzip, sampleEntries()...) },
			format: FormatTarGzip,
		},
		{
			name:   "tar_zstd",
			data:   func(t *testing.T) []byte { return testutil.TarBytes(t, testutil.Zstd, sampleEntries()...) },
			format: FormatTarZstd,
		},
		{
			name:   "tar_xz",
			data:   func(t *testing.T) []byte { return testutil.TarBytes(t, testutil.Xz, sampleEntries()...) },
			format: FormatTarXz,
		},
		{
			name:   "tar_lz4",
			data:   func(t *testing.T) []byte { return testutil.TarBytes(t, testutil.Lz4, sampleEntries()...) },
			format: FormatTarLz4,
		},
		{
			name:   "zip",
			data:   func(t *testing.T) []byte { return testutil.ZipBytes(t, sampleEntries()...) },
			format: FormatZip,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, _, err := extract(t, tt.data(t))
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			defer tree.Remove()

			if tree.Format != tt.format {
				t.Errorf("Format = %s, want %s", tree.Format, tt.format)
			}

			toolPath := filepath.Join(tree.Root, "pkg", "tool")
			info, err := os.Stat(toolPath)
			if err != nil {
				t.Fatalf("tool not extracted: %v", err)
			}
			if info.Mode().Perm() != 0o755 {
				t.Errorf("tool mode = %o, want 755", info.Mode().Perm())
			}

			readme, err := os.ReadFile(filepath.Join(tree.Root, "pkg", "README"))
			if err != nil || string(readme) != "readme" {
				t.Errorf("README = %q, %v", readme, err)
			}

			target, err := os.Readlink(filepath.Join(tree.Root, "pkg", "tool-link"))
			if err != nil {
				t.Fatalf("symlink not extracted: %v", err)
			}
			if target != "tool" {
				t.Errorf("symlink target = %q, want tool", target)
			}
		})
	}
}

func TestExtractRawFile(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{
			name: "elf_binary",
			data: func(t *testing.T) []byte { return []byte("\x7fELF\x02\x01\x01\x00fake binary") },
		},
		{
			name: "shell_script",
			data: func(t *testing.T) []byte { return []byte("#!/bin/sh\necho hi\n") },
		},
		{
			name: "mach_o",
			data: func(t *testing.T) []byte { return []byte{0xcf, 0xfa, 0xed, 0xfe, 0x07, 0x00} },
		},
		{
			name: "gzip_without_tar",
			data: func(t *testing.T) []byte { return testutil.Compress(t, testutil.Gzip, []byte("\x7fELF compressed")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, _, err := extract(t, tt.data(t))
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			defer tree.Remove()

			if tree.Format != FormatRaw {
				t.Errorf("Format = %s, want raw", tree.Format)
			}
			info, err := os.Stat(filepath.Join(tree.Root, "tool"))
			if err != nil {
				t.Fatalf("raw file not written under package name: %v", err)
			}
			if info.Mode().Perm() != 0o755 {
				t.Errorf("raw file mode = %o, want 755", info.Mode().Perm())
			}
		})
	}
}

func TestExtractUnknownFormat(t *testing.T) {
	_, workDir, err := extract(t, []byte("just some text, not an archive"))
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
	assertNoTrees(t, workDir)
}

func TestExtractCorruptedArchive(t *testing.T) {
	data := testutil.TarBytes(t, testutil.Gzip, sampleEntries()...)
	_, workDir, err := extract(t, data[:len(data)/2])
	if err == nil {
		t.Fatal("expected error for truncated archive")
	}
	assertNoTrees(t, workDir)
}

func assertNoTrees(t *testing.T, workDir string) {
	t.Helper()
	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("extraction dir left behind after failure: %d entries", len(entries))
	}
}

func TestExtract_UnsafeEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []testutil.Entry
	}{
		{
			name:    "parent_traversal",
			entries: []testutil.Entry{testutil.File("../evil", "x", 0o644)},
		},
		{
			name:    "hidden_traversal",
			entries: []testutil.Entry{testutil.File("pkg/../../evil", "x", 0o644)},
		},
		{
			name:    "absolute_path",
			entries: []testutil.Entry{testutil.File("/etc/evil", "x", 0o644)},
		},
		{
			name:    "symlink_escapes",
			entries: []testutil.Entry{testutil.Symlink("pkg/link", "../../etc/passwd")},
		},
		{
			name:    "absolute_symlink",
			entries: []testutil.Entry{testutil.Symlink("link", "/etc/passwd")},
		},
		{
			name: "write_through_symlinked_dir",
			entries: []testutil.Entry{
				testutil.Dir("real/"),
				testutil.Symlink("alias", "real"),
				testutil.File("alias/file", "x", 0o644),
			},
		},
		{
			name: "symlink_chain_escapes",
			entries: []testutil.Entry{
				testutil.Symlink("a", "."),
				testutil.Symlink("c", "a/../evil"),
			},
		},
		{
			name: "symlink_redirected_by_later_entry",
			entries: []testutil.Entry{
				testutil.Symlink("c", "a/../evil"),
				testutil.Symlink("a", "."),
			},
		},
		{
			name: "symlink_loop",
			entries: []testutil.Entry{
				testutil.Symlink("a", "b"),
				testutil.Symlink("b", "a"),
				testutil.Symlink("c", "a/x"),
			},
		},
		{
			name: "hardlink_escapes",
			entries: []testutil.Entry{
				testutil.Hardlink("pkg/passwd", "../../etc/passwd"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outside := filepath.Join(t.TempDir(), "evil")
			_, workDir, err := extract(t, testutil.TarBytes(t, testutil.Gzip, tt.entries...))

			var unsafe *UnsafeArchiveEntryError
			if !errors.As(err, &unsafe) {
				t.Fatalf("expected *UnsafeArchiveEntryError, got %v", err)
			}
			assertNoTrees(t, workDir)
			if _, err := os.Stat(outside); !os.IsNotExist(err) {
				t.Error("file written outside extraction root")
			}
		})
	}

	t.Run("zip_symlink_escapes", func(t *testing.T) {
		data := testutil.ZipBytes(t, testutil.Symlink("link", "../../outside"))
		_, _, err := extract(t, data)
		var unsafe *UnsafeArchiveEntryError
		if !errors.As(err, &unsafe) {
			t.Fatalf("expected *UnsafeArchiveEntryError, got %v", err)
		}
	})

	t.Run("zip_traversal", func(t *testing.T) {
		data := testutil.ZipBytes(t, testutil.File("../evil", "x", 0o644))
		_, _, err := extract(t, data)
		var unsafe *UnsafeArchiveEntryError
		if !errors.As(err, &unsafe) {
			t.Fatalf("expected *UnsafeArchiveEntryError, got %v", err)
		}
	})
}

func TestExtractEntrySemantics(t *testing.T) {
	t.Run("setuid_bits_stripped", func(t *testing.T) {
		tree, _, err := extract(t, testutil.TarBytes(t, testutil.Gzip,
			testutil.File("tool", "x", 0o4755),
			testutil.File("group", "x", 0o2750),
		))
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		defer tree.Remove()

		for name, want := range map[string]os.FileMode{"tool": 0o755, "group": 0o750} {
			info, err := os.Stat(filepath.Join(tree.Root, name))
			if err != nil {
				t.Fatalf("stat %s: %v", name, err)
			}
			if info.Mode()&(os.ModeSetuid|os.ModeSetgid) != 0 {
				t.Errorf("%s kept setuid/setgid bits: %v", name, info.Mode())
			}
			if info.Mode().Perm() != want {
				t.Errorf("%s mode = %o, want %o", name, info.Mode().Perm(), want)
			}
		}
	})

	t.Run("special_files_skipped", func(t *testing.T) {
		tree, _, err := extract(t, testutil.TarBytes(t, testutil.Gzip,
			testutil.Entry{Name: "pkg/fifo", Mode: 0o644, Type: tar.TypeFifo},
			testutil.File("pkg/tool", "x", 0o755),
		))
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		defer tree.Remove()

		if _, err := os.Lstat(filepath.Join(tree.Root, "pkg", "fifo")); !os.IsNotExist(err) {
			t.Error("FIFO should not be created")
		}
		if _, err := os.Stat(filepath.Join(tree.Root, "pkg", "tool")); err != nil {
			t.Errorf("regular entry after FIFO missing: %v", err)
		}
	})

	t.Run("hardlink_inside_root", func(t *testing.T) {
		tree, _, err := extract(t, testutil.TarBytes(t, testutil.Gzip,
			testutil.File("pkg/tool", "body", 0o755),
			testutil.Hardlink("pkg/alias", "pkg/tool"),
		))
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		defer tree.Remove()

		data, err := os.ReadFile(filepath.Join(tree.Root, "pkg", "alias"))
		if err != nil || string(data) != "body" {
			t.Errorf("hard link content = %q, %v", data, err)
		}
	})

	t.Run("later_entry_replaces_symlink", func(t *testing.T) {
		tree, _, err := extract(t, testutil.TarBytes(t, testutil.Gzip,
			testutil.File("pkg/tool", "original", 0o755),
			testutil.Symlink("pkg/link", "tool"),
			testutil.File("pkg/link", "replacement", 0o644),
		))
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		defer tree.Remove()

		info, err := os.Lstat(filepath.Join(tree.Root, "pkg", "link"))
		if err != nil {
			t.Fatalf("lstat link: %v", err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			t.Error("expected link to be replaced by a regular file")
		}
		original, _ := os.ReadFile(filepath.Join(tree.Root, "pkg", "tool"))
		if string(original) != "original" {
			t.Errorf("write went through symlink: tool = %q", original)
		}
	})
}

func TestExtractContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	workDir := t.TempDir()
	data := testutil.TarBytes(t, testutil.Gzip, sampleEntries()...)
	_, err := NewExtractor(workDir, nil).Extract(ctx, artifactFrom(t, data), "tool")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	assertNoTrees(t, workDir)
}

func TestExtractedTreeRemove(t *testing.T) {
	var nilTree *ExtractedTree
	if err := nilTree.Remove(); err != nil {
		t.Errorf("nil Remove: %v", err)
	}
}
