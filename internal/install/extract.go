package install

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
)

// Format is an archive format detected from content
type Format string

const (
	FormatTar      Format = "tar"
	FormatTarGzip  Format = "tar+gzip"
	FormatTarZstd  Format = "tar+zstd"
	FormatTarXz    Format = "tar+xz"
	FormatTarBzip2 Format = "tar+bzip2"
	FormatTarLz4   Format = "tar+lz4"
	FormatZip      Format = "zip"
	// FormatRaw is a single file: an executable, or a compressed stream
	// that holds no tar archive
	FormatRaw Format = "raw"
)

// sniffLen covers the tar magic at offset 257
const sniffLen = 512

// maxLinkTarget bounds the size of a zip symlink body
const maxLinkTarget = 4 << 10

// ErrUnknownFormat is returned for content that is neither a supported
// archive nor an executable
var ErrUnknownFormat = errors.New("unrecognized archive format")

// ExtractedTree is a private directory holding an unpacked artifact
type ExtractedTree struct {
	Root   string
	Format Format
}

// Remove deletes the extraction directory. Safe to call more than once.
func (t *ExtractedTree) Remove() error {
	if t == nil || t.Root == "" {
		return nil
	}
	if err := os.RemoveAll(t.Root); err != nil {
		return fmt.Errorf("remove extraction dir: %w", err)
	}
	return nil
}

// Extractor handles archive extraction
type Extractor struct {
	workDir string
	log     *zap.SugaredLogger
}

// NewExtractor creates an extractor that unpacks into fresh directories
// below workDir
func NewExtractor(workDir string, log *zap.SugaredLogger) *Extractor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Extractor{workDir: workDir, log: log}
}

// Extract unpacks artifact into a new temporary directory. The format is
// taken from magic bytes, never from the URL. A single executable or a
// compressed non-tar stream becomes one file called name. Any unsafe entry
// aborts the whole extraction with an UnsafeArchiveEntryError and the
// directory is removed.
func (e *Extractor) Extract(ctx context.Context, artifact *StagedArtifact, name string) (*ExtractedTree, error) {
	if err := os.MkdirAll(e.workDir, 0700); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	root, err := os.MkdirTemp(e.workDir, "extract-*")
	if err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}
	tree := &ExtractedTree{Root: root}

	tree.Format, err = e.extractFile(ctx, artifact.Path, root, name)
	if err == nil {
		// Later entries can redirect a link that was safe when written
		err = checkLinks(root)
	}
	if err != nil {
		tree.Remove()
		return nil, err
	}
	e.log.Debugw("extracted artifact", "format", tree.Format, "root", root)
	return tree, nil
}

func (e *Extractor) extractFile(ctx context.Context, archivePath, root, name string) (Format, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat archive: %w", err)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read archive header: %w", err)
	}
	head = head[:n]

	if isZip(head) {
		return FormatZip, e.extractZip(ctx, file, info.Size(), root)
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind archive: %w", err)
	}
	src := &ctxReader{ctx: ctx, r: file}

	format, stream, closeStream, err := decompressor(head, src)
	if err != nil {
		return "", err
	}
	defer closeStream()

	if stream == nil {
		// Not compressed
		switch {
		case isTar(head):
			return FormatTar, e.extractTar(ctx, src, root)
		case isExecutable(head):
			return FormatRaw, writeRaw(ctx, src, root, name)
		default:
			return "", ErrUnknownFormat
		}
	}

	buffered := bufio.NewReaderSize(stream, sniffLen)
	inner, err := buffered.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", fmt.Errorf("decompress %s: %w", format, err)
	}
	if isTar(inner) {
		return format, e.extractTar(ctx, buffered, root)
	}
	return FormatRaw, writeRaw(ctx, buffered, root, name)
}

// decompressor returns a decompressing reader for the magic in head, or a
// nil stream when head names no compression
func decompressor(head []byte, r io.Reader) (Format, io.Reader, func(), error) {
	noop := func() {}

	switch {
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return "", nil, noop, fmt.Errorf("create gzip reader: %w", err)
		}
		return FormatTarGzip, gz, func() { gz.Close() }, nil

	case bytes.HasPrefix(head, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return "", nil, noop, fmt.Errorf("create zstd reader: %w", err)
		}
		return FormatTarZstd, zr, zr.Close, nil

	case bytes.HasPrefix(head, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		xr, err := xz.NewReader(r)
		if err != nil {
			return "", nil, noop, fmt.Errorf("create xz reader: %w", err)
		}
		return FormatTarXz, xr, noop, nil

	case bytes.HasPrefix(head, []byte("BZh")):
		return FormatTarBzip2, bzip2.NewReader(r), noop, nil

	case bytes.HasPrefix(head, []byte{0x04, 0x22, 0x4d, 0x18}):
		return FormatTarLz4, lz4.NewReader(r), noop, nil

	default:
		return "", nil, noop, nil
	}
}

func isZip(head []byte) bool {
	return bytes.HasPrefix(head, []byte("PK\x03\x04")) || bytes.HasPrefix(head, []byte("PK\x05\x06"))
}

func isTar(head []byte) bool {
	return len(head) >= 262 && bytes.Equal(head[257:262], []byte("ustar"))
}

// machOMagics covers 32/64-bit Mach-O in both byte orders and universal
// binaries
var machOMagics = [][]byte{
	{0xfe, 0xed, 0xfa, 0xce},
	{0xfe, 0xed, 0xfa, 0xcf},
	{0xce, 0xfa, 0xed, 0xfe},
	{0xcf, 0xfa, 0xed, 0xfe},
	{0xca, 0xfe, 0xba, 0xbe},
}

func isExecutable(head []byte) bool {
	if bytes.HasPrefix(head, []byte("\x7fELF")) ||
		bytes.HasPrefix(head, []byte("MZ")) ||
		bytes.HasPrefix(head, []byte("#!")) {
		return true
	}
	for _, magic := range machOMagics {
		if bytes.HasPrefix(head, magic) {
			return true
		}
	}
	return false
}

// extractTar unpacks a tar stream below root
func (e *Extractor) extractTar(ctx context.Context, r io.Reader, root string) error {
	tarReader := tar.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target, err := safeJoin(root, header.Name)
		if err != nil {
			return err
		}
		if target == root {
			continue
		}
		mode := os.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := makeDir(root, target, header.Name, mode); err != nil {
				return err
			}

		case tar.TypeReg:
			if err := writeEntry(ctx, root, target, header.Name, tarReader, mode); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := makeSymlink(root, target, header.Name, header.Linkname); err != nil {
				return err
			}

		case tar.TypeLink:
			if err := makeHardlink(root, target, header.Name, header.Linkname); err != nil {
				return err
			}

		case tar.TypeXGlobalHeader:
			continue

		default:
			// Device nodes, FIFOs and anything unknown
			e.log.Debugw("skipping special archive entry", "path", header.Name, "type", string(header.Typeflag))
		}
	}
}

// extractZip unpacks a zip archive below root
func (e *Extractor) extractZip(ctx context.Context, r io.ReaderAt, size int64, root string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := safeJoin(root, f.Name)
		if err != nil {
			return err
		}
		if target == root {
			continue
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := makeDir(root, target, f.Name, mode.Perm()); err != nil {
				return err
			}

		case mode&os.ModeSymlink != 0:
			linkname, err := readZipMember(f, maxLinkTarget)
			if err != nil {
				return err
			}
			if err := makeSymlink(root, target, f.Name, linkname); err != nil {
				return err
			}

		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("open zip entry %s: %w", f.Name, err)
			}
			err = writeEntry(ctx, root, target, f.Name, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return err
			}

		default:
			e.log.Debugw("skipping special archive entry", "path", f.Name, "mode", mode.String())
		}
	}
	return nil
}

func readZipMember(f *zip.File, limit int64) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return "", fmt.Errorf("read zip entry %s: %w", f.Name, err)
	}
	if int64(len(data)) > limit {
		return "", &UnsafeArchiveEntryError{Path: f.Name, Reason: "symlink target too long"}
	}
	return string(data), nil
}

// writeRaw stores a single-file artifact as root/name, executable
func writeRaw(ctx context.Context, r io.Reader, root, name string) error {
	target, err := safeJoin(root, name)
	if err != nil || target == root {
		return &UnsafeArchiveEntryError{Path: name, Reason: "invalid file name"}
	}
	return writeEntry(ctx, root, target, name, r, 0755)
}

// safeJoin resolves an archive member name below root. Absolute names and
// names that normalize outside root are unsafe.
func safeJoin(root, name string) (string, error) {
	if name == "" {
		return "", &UnsafeArchiveEntryError{Path: name, Reason: "empty path"}
	}
	slashed := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", &UnsafeArchiveEntryError{Path: name, Reason: "absolute path"}
	}

	rel := filepath.Clean(filepath.FromSlash(slashed))
	if rel == "." {
		return root, nil
	}
	if !filepath.IsLocal(rel) {
		return "", &UnsafeArchiveEntryError{Path: name, Reason: "path escapes extraction root"}
	}
	return filepath.Join(root, rel), nil
}

// checkParents refuses to write below a symlink or a non-directory that an
// earlier entry placed inside root
func checkParents(root, target, name string) error {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil {
		return &UnsafeArchiveEntryError{Path: name, Reason: "path escapes extraction root"}
	}
	if rel == "." {
		return nil
	}

	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stat %s: %w", current, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return &UnsafeArchiveEntryError{Path: name, Reason: "parent directory is a symbolic link"}
		}
		if !info.IsDir() {
			return &UnsafeArchiveEntryError{Path: name, Reason: "parent path is not a directory"}
		}
	}
	return nil
}

// clearTarget removes a non-directory left at target by an earlier entry of
// the same name, so the new entry never writes through a link
func clearTarget(target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", target)
	}
	return os.Remove(target)
}

func makeDir(root, target, name string, mode os.FileMode) error {
	if err := checkParents(root, target, name); err != nil {
		return err
	}
	if info, err := os.Lstat(target); err == nil && !info.IsDir() {
		return &UnsafeArchiveEntryError{Path: name, Reason: "directory entry replaces a non-directory"}
	}
	// Owner must be able to write entries below it
	mode |= 0700
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", name, err)
	}
	if err := os.Chmod(target, mode); err != nil {
		return fmt.Errorf("chmod directory %s: %w", name, err)
	}
	return nil
}

func writeEntry(ctx context.Context, root, target, name string, r io.Reader, mode os.FileMode) error {
	if err := checkParents(root, target, name); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", name, err)
	}
	if err := clearTarget(target); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}

	outFile, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create file %s: %w", name, err)
	}
	if _, err := io.Copy(outFile, &ctxReader{ctx: ctx, r: r}); err != nil {
		outFile.Close()
		return fmt.Errorf("write file %s: %w", name, err)
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", name, err)
	}

	// Chmod after writing so the umask cannot drop executable bits
	if err := os.Chmod(target, mode); err != nil {
		return fmt.Errorf("chmod file %s: %w", name, err)
	}
	return nil
}

func makeSymlink(root, target, name, linkname string) error {
	if linkname == "" {
		return &UnsafeArchiveEntryError{Path: name, Reason: "empty symlink target"}
	}
	if filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return &UnsafeArchiveEntryError{Path: name, Reason: "symlink target is absolute"}
	}
	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))
	rel, err := filepath.Rel(root, resolved)
	if err != nil || !filepath.IsLocal(rel) {
		return &UnsafeArchiveEntryError{Path: name, Reason: "symlink target escapes extraction root"}
	}

	if err := checkParents(root, target, name); err != nil {
		return err
	}
	if _, ok := resolveLink(root, filepath.Dir(target), linkname, 0); !ok {
		return &UnsafeArchiveEntryError{Path: name, Reason: "symlink resolves outside extraction root"}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", name, err)
	}
	if err := clearTarget(target); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	if err := os.Symlink(linkname, target); err != nil {
		return fmt.Errorf("create symlink %s: %w", name, err)
	}
	return nil
}

// maxLinkHops bounds the symlink chain resolveLink follows
const maxLinkHops = 40

// resolveLink follows linkname from dir through the links already present
// under root, the way the OS would, and reports whether every step stays
// inside root. Loops and over-long chains are reported as escaping.
func resolveLink(root, dir, linkname string, hops int) (string, bool) {
	if hops > maxLinkHops || linkname == "" || strings.HasPrefix(linkname, "/") || filepath.IsAbs(linkname) {
		return "", false
	}
	cur := dir
	for _, part := range strings.Split(filepath.ToSlash(linkname), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
		default:
			next := filepath.Join(cur, part)
			if info, err := os.Lstat(next); err == nil && info.Mode()&os.ModeSymlink != 0 {
				dest, err := os.Readlink(next)
				if err != nil {
					return "", false
				}
				resolved, ok := resolveLink(root, cur, dest, hops+1)
				if !ok {
					return "", false
				}
				next = resolved
			}
			cur = next
		}
		if !withinRoot(root, cur) {
			return "", false
		}
	}
	return cur, true
}

func withinRoot(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && filepath.IsLocal(rel)
}

// checkLinks verifies that every symlink in the finished tree still resolves
// inside root
func checkLinks(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}
		dest, err := os.Readlink(p)
		if err != nil {
			return fmt.Errorf("read symlink %s: %w", p, err)
		}
		if _, ok := resolveLink(root, filepath.Dir(p), dest, 0); !ok {
			rel, _ := filepath.Rel(root, p)
			return &UnsafeArchiveEntryError{Path: filepath.ToSlash(rel), Reason: "symlink resolves outside extraction root"}
		}
		return nil
	})
}

func makeHardlink(root, target, name, linkname string) error {
	source, err := safeJoin(root, linkname)
	if err != nil || source == root {
		return &UnsafeArchiveEntryError{Path: name, Reason: "hard link target escapes extraction root"}
	}
	if err := checkParents(root, source, linkname); err != nil {
		return err
	}
	info, err := os.Lstat(source)
	if err != nil {
		return fmt.Errorf("hard link %s: target %s not extracted: %w", name, linkname, err)
	}
	if !info.Mode().IsRegular() {
		return &UnsafeArchiveEntryError{Path: name, Reason: "hard link target is not a regular file"}
	}

	if err := checkParents(root, target, name); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", name, err)
	}
	if err := clearTarget(target); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	if err := os.Link(source, target); err != nil {
		return fmt.Errorf("create hard link %s: %w", name, err)
	}
	return nil
}
