package testutil

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Compression selects the stream wrapped around a tar archive
type Compression string

const (
	NoCompression Compression = ""
	Gzip          Compression = "gzip"
	Zstd          Compression = "zstd"
	Xz            Compression = "xz"
	Lz4           Compression = "lz4"
)

// Entry is one archive member
type Entry struct {
	Name     string
	Body     string
	Mode     int64
	Type     byte // tar.TypeReg, tar.TypeDir, tar.TypeSymlink, tar.TypeLink, tar.TypeFifo...
	Linkname string
}

// File returns a regular file entry
func File(name, body string, mode int64) Entry {
	return Entry{Name: name, Body: body, Mode: mode, Type: tar.TypeReg}
}

// Dir returns a directory entry
func Dir(name string) Entry {
	return Entry{Name: name, Mode: 0o755, Type: tar.TypeDir}
}

// Symlink returns a symbolic link entry
func Symlink(name, target string) Entry {
	return Entry{Name: name, Mode: 0o777, Type: tar.TypeSymlink, Linkname: target}
}

// Hardlink returns a hard link entry pointing at another archive member
func Hardlink(name, target string) Entry {
	return Entry{Name: name, Mode: 0o644, Type: tar.TypeLink, Linkname: target}
}

// TarBytes builds a tar archive wrapped in the given compression.
func TarBytes(t *testing.T, comp Compression, entries ...Entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, closeStream := compressor(t, &buf, comp)

	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.Name,
			Mode:     e.Mode,
			Typeflag: e.Type,
			Linkname: e.Linkname,
			Format:   tar.FormatPAX,
		}
		if e.Type == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("failed to write header for %s: %v", e.Name, err)
		}
		if e.Type == tar.TypeReg {
			if _, err := tw.Write([]byte(e.Body)); err != nil {
				t.Fatalf("failed to write content for %s: %v", e.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %v", err)
	}
	if err := closeStream(); err != nil {
		t.Fatalf("failed to close %s stream: %v", comp, err)
	}
	return buf.Bytes()
}

// Compress wraps raw bytes in the given compression without a tar layer.
func Compress(t *testing.T, comp Compression, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, closeStream := compressor(t, &buf, comp)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("failed to compress: %v", err)
	}
	if err := closeStream(); err != nil {
		t.Fatalf("failed to close %s stream: %v", comp, err)
	}
	return buf.Bytes()
}

func compressor(t *testing.T, dst io.Writer, comp Compression) (io.Writer, func() error) {
	t.Helper()

	switch comp {
	case NoCompression:
		return dst, func() error { return nil }
	case Gzip:
		w := gzip.NewWriter(dst)
		return w, w.Close
	case Zstd:
		w, err := zstd.NewWriter(dst)
		if err != nil {
			t.Fatalf("failed to create zstd writer: %v", err)
		}
		return w, w.Close
	case Xz:
		w, err := xz.NewWriter(dst)
		if err != nil {
			t.Fatalf("failed to create xz writer: %v", err)
		}
		return w, w.Close
	case Lz4:
		w := lz4.NewWriter(dst)
		return w, w.Close
	default:
		t.Fatalf("unknown compression %q", comp)
		return nil, nil
	}
}

// ZipBytes builds a zip archive. Symlink entries store their target as
// the member body, as zip tools do.
func ZipBytes(t *testing.T, entries ...Entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.Name, Method: zip.Deflate}
		body := e.Body
		switch e.Type {
		case tar.TypeDir:
			hdr.Name = filepath.ToSlash(e.Name)
			if hdr.Name[len(hdr.Name)-1] != '/' {
				hdr.Name += "/"
			}
			hdr.SetMode(os.ModeDir | 0o755)
		case tar.TypeSymlink:
			hdr.SetMode(os.ModeSymlink | 0o777)
			body = e.Linkname
		default:
			hdr.SetMode(os.FileMode(e.Mode))
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("failed to create zip entry %s: %v", e.Name, err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("failed to write zip entry %s: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip writer: %v", err)
	}
	return buf.Bytes()
}

// WriteFile writes data to dir/name and returns the path.
func WriteFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir for %s: %v", name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// SHA256 returns the hex sha256 of data
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
