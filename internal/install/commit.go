package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
	"github.com/ZebulonRouseFrantzich/keg/internal/transaction"
	"go.uber.org/zap"
)

// stagingPrefix names per-commit staging directories inside the prefix
const stagingPrefix = ".keg-staging-"

// placement is one file to place under the prefix
type placement struct {
	source string // absolute path inside the extraction tree
	rel    string // slash separated, relative to the prefix
	dest   string // absolute destination
	mode   os.FileMode
	size   int64
}

// commit places the extracted tree under the prefix with all-or-nothing
// semantics and records the manifest. rolledBack reports whether any
// destination had been committed before a failure was undone.
func (i *Installer) commit(ctx context.Context, rec *formula.Record, tree *ExtractedTree, prior *Manifest,
	artifact *StagedArtifact, method VerificationMethod) (manifest *Manifest, rolledBack bool, err error) {

	placements, err := i.plan(rec, tree)
	if err != nil {
		return nil, false, err
	}
	if err := i.checkConflicts(placements, prior); err != nil {
		return nil, false, err
	}
	if err := i.checkSpace(ctx, placements); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	j := transaction.NewJournal(rec.Name, rec.Version, "")
	j.StagingDir = filepath.Join(i.prefix, stagingPrefix+j.ID)

	dests := make([]string, 0, len(placements)+1)
	produced := make(map[string]bool, len(placements))
	for k, p := range placements {
		dests = append(dests, p.dest)
		produced[p.rel] = true

		entry := transaction.Placement{Path: p.dest}
		if _, err := os.Lstat(p.dest); err == nil {
			entry.Backup = filepath.Join(j.StagingDir, "backup", strconv.Itoa(k))
		}
		j.Placements = append(j.Placements, entry)
	}
	j.CreatedDirs, err = missingDirs(append(dests, j.StagingDir))
	if err != nil {
		return nil, false, err
	}
	if prior != nil {
		if prior.Prefix != i.prefix {
			j.ObsoleteRoot = prior.Prefix
		}
		for _, f := range prior.Files {
			if !produced[f] || prior.Prefix != i.prefix {
				j.Obsolete = append(j.Obsolete, filepath.Join(prior.Prefix, filepath.FromSlash(f)))
			}
		}
	}

	j.State = transaction.StateCommitting
	if err := j.Save(i.journalDir); err != nil {
		return nil, false, &InstallError{Op: "write journal", Path: i.journalDir, Err: err}
	}

	abort := func(cause error) (*Manifest, bool, error) {
		rolled := j.CommittedCount() > 0
		if rbErr := rollback(j, false, i.log); rbErr != nil {
			// Journal and backups stay in place for Recover
			return nil, rolled, errors.Join(cause, fmt.Errorf("rollback incomplete: %w", rbErr))
		}
		j.Remove(i.journalDir)
		return nil, rolled, cause
	}

	if err := i.apply(ctx, j, placements); err != nil {
		return abort(err)
	}

	files := make([]string, len(placements))
	for k, p := range placements {
		files[k] = p.rel
	}
	manifest = &Manifest{
		SchemaVersion:  ManifestSchemaVersion,
		Name:           rec.Name,
		Version:        rec.Version,
		Digest:         rec.Digest,
		ArtifactDigest: artifact.Digest,
		SourceURL:      rec.URL,
		Prefix:         i.prefix,
		Verified:       method,
		InstallID:      j.ID,
		InstalledAt:    i.clock.Now(),
		Files:          files,
	}
	if err := i.manifests.Save(manifest); err != nil {
		return abort(&InstallError{Op: "save manifest", Path: rec.Name, Err: err})
	}

	j.State = transaction.StateCompleted
	if err := j.Save(i.journalDir); err != nil {
		i.log.Warnw("could not mark journal completed", "package", rec.Name, "error", err)
	}
	if err := finish(j, i.prefix, i.log); err != nil {
		i.log.Warnw("cleanup after commit incomplete", "package", rec.Name, "error", err)
	} else {
		j.Remove(i.journalDir)
	}
	return manifest, false, nil
}

// plan expands the install map into individual file placements. Directory
// sources expand to every regular file beneath them.
func (i *Installer) plan(rec *formula.Record, tree *ExtractedTree) ([]placement, error) {
	root, err := filepath.EvalSymlinks(tree.Root)
	if err != nil {
		return nil, &InstallError{Op: "plan", Path: tree.Root, Err: err}
	}

	var placements []placement
	seen := make(map[string]bool)
	add := func(source, rel string, info os.FileInfo, executable bool) error {
		if seen[rel] {
			return &InstallError{Op: "plan", Path: rel, Err: fmt.Errorf("%w: produced by more than one install source", ErrConflict)}
		}
		if err := formula.ValidateRelative(rel); err != nil {
			return &InstallError{Op: "plan", Path: rel, Err: err}
		}
		seen[rel] = true
		placements = append(placements, placement{
			source: source,
			rel:    rel,
			dest:   filepath.Join(i.prefix, filepath.FromSlash(rel)),
			mode:   fileMode(info, executable),
			size:   info.Size(),
		})
		return nil
	}

	for _, m := range rec.Mappings() {
		source, info, err := resolveInTree(root, filepath.Join(root, filepath.FromSlash(m.Source)))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &InstallError{Op: "plan", Path: m.Source, Err: ErrSourceNotFound}
		}
		if err != nil {
			return nil, &InstallError{Op: "plan", Path: m.Source, Err: err}
		}

		if !info.IsDir() {
			if !info.Mode().IsRegular() {
				return nil, &InstallError{Op: "plan", Path: m.Source, Err: fmt.Errorf("not a regular file")}
			}
			if err := add(source, m.Destination, info, m.Executable); err != nil {
				return nil, err
			}
			continue
		}

		err = filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			resolved, fi, err := resolveInTree(root, p)
			if err != nil {
				return err
			}
			if !fi.Mode().IsRegular() {
				// Symlinked directories and special files
				return nil
			}
			rel, err := filepath.Rel(source, p)
			if err != nil {
				return err
			}
			return add(resolved, path.Join(m.Destination, filepath.ToSlash(rel)), fi, m.Executable)
		})
		if err != nil {
			var ie *InstallError
			if errors.As(err, &ie) {
				return nil, err
			}
			return nil, &InstallError{Op: "plan", Path: m.Source, Err: err}
		}
	}

	if len(placements) == 0 {
		return nil, &InstallError{Op: "plan", Path: rec.Name, Err: fmt.Errorf("%w: install map produced no files", ErrSourceNotFound)}
	}
	return placements, nil
}

// resolveInTree follows symlinks from p and requires the result to stay
// inside root
func resolveInTree(root, p string) (string, os.FileInfo, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", nil, err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || !filepath.IsLocal(rel) {
		return "", nil, &UnsafeArchiveEntryError{Path: p, Reason: "resolves outside extraction root"}
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", nil, err
	}
	return resolved, info, nil
}

// fileMode is the mode a placed file gets
func fileMode(info os.FileInfo, executable bool) os.FileMode {
	if executable {
		return 0755
	}
	if perm := info.Mode().Perm(); perm != 0 {
		return perm
	}
	return 0644
}

// checkConflicts refuses destinations that exist and are not owned by the
// package's prior manifest, unless forced
func (i *Installer) checkConflicts(placements []placement, prior *Manifest) error {
	for _, p := range placements {
		info, err := os.Lstat(p.dest)
		if os.IsNotExist(err) {
			continue
		}
		if errors.Is(err, syscall.ENOTDIR) {
			return &InstallError{Op: "check", Path: p.dest, Err: fmt.Errorf("%w: parent path is not a directory", ErrConflict)}
		}
		if err != nil {
			return &InstallError{Op: "check", Path: p.dest, Err: err}
		}
		if info.IsDir() {
			return &InstallError{Op: "check", Path: p.dest, Err: fmt.Errorf("%w: destination is a directory", ErrConflict)}
		}
		if prior != nil && prior.Prefix == i.prefix && prior.Owns(p.rel) {
			continue
		}
		if i.force {
			i.log.Warnw("replacing unowned file", "path", p.dest)
			continue
		}
		return &InstallError{Op: "check", Path: p.dest, Err: ErrConflict}
	}
	return nil
}

// checkSpace compares the bytes about to be staged with the free space of
// the prefix filesystem. Replaced files are freed only after the commit, so
// they are not credited.
func (i *Installer) checkSpace(ctx context.Context, placements []placement) error {
	var need uint64
	for _, p := range placements {
		need += uint64(p.size)
	}

	free, err := i.freeSpace(ctx, i.prefix)
	if err != nil {
		i.log.Warnw("could not determine free space", "prefix", i.prefix, "error", err)
		return nil
	}
	if free < need {
		return &InstallError{
			Op:   "check",
			Path: i.prefix,
			Err:  fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, need, free),
		}
	}
	return nil
}

// missingDirs lists, shallowest first, every directory that must be
// created to hold paths
func missingDirs(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var dirs []string

	for _, p := range paths {
		var chain []string
		for dir := filepath.Dir(p); !seen[dir]; dir = filepath.Dir(dir) {
			info, err := os.Stat(dir)
			if err == nil {
				if !info.IsDir() {
					return nil, &InstallError{Op: "check", Path: dir, Err: fmt.Errorf("%w: not a directory", ErrConflict)}
				}
				break
			}
			if !os.IsNotExist(err) {
				return nil, &InstallError{Op: "check", Path: dir, Err: err}
			}
			seen[dir] = true
			chain = append(chain, dir)
			if filepath.Dir(dir) == dir {
				break
			}
		}
		for k := len(chain) - 1; k >= 0; k-- {
			dirs = append(dirs, chain[k])
		}
	}
	return dirs, nil
}

// apply creates directories, stages every file next to its destination
// and renames each into place, backing up what it replaces
func (i *Installer) apply(ctx context.Context, j *transaction.Journal, placements []placement) error {
	for _, dir := range j.CreatedDirs {
		if err := os.Mkdir(dir, 0755); err != nil && !os.IsExist(err) {
			return &InstallError{Op: "create directory", Path: dir, Err: err}
		}
	}

	filesDir := filepath.Join(j.StagingDir, "files")
	for _, dir := range []string{filesDir, filepath.Join(j.StagingDir, "backup")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return &InstallError{Op: "create staging directory", Path: dir, Err: err}
		}
	}

	staged := make([]string, len(placements))
	for k, p := range placements {
		staged[k] = filepath.Join(filesDir, strconv.Itoa(k))
		if err := copyFile(ctx, p.source, staged[k], p.mode); err != nil {
			return &InstallError{Op: "stage", Path: p.dest, Err: err}
		}
	}

	for k, p := range placements {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := &j.Placements[k]
		if entry.Backup != "" {
			if err := i.rename(p.dest, entry.Backup); err != nil {
				return &InstallError{Op: "back up", Path: p.dest, Err: err}
			}
		}
		if err := i.rename(staged[k], p.dest); err != nil {
			return &InstallError{Op: "commit", Path: p.dest, Err: err}
		}
		j.MarkCommitted(p.dest)
	}
	return nil
}

// copyFile copies src to a new file dst, syncs it and applies mode
func copyFile(ctx context.Context, src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}

// rollback undoes a journaled commit in reverse. When recovering after a
// crash the Committed flags may lag behind the filesystem, so any
// destination without a backup that exists is removed. Staging and created
// directories are removed only when every file was restored.
func rollback(j *transaction.Journal, recovering bool, log *zap.SugaredLogger) error {
	var errs []error
	for k := len(j.Placements) - 1; k >= 0; k-- {
		p := j.Placements[k]
		if p.Backup != "" {
			if _, err := os.Lstat(p.Backup); err == nil {
				if err := os.Rename(p.Backup, p.Path); err != nil {
					errs = append(errs, fmt.Errorf("restore %s: %w", p.Path, err))
				}
			}
			// No backup means the original was never moved
			continue
		}
		if !p.Committed && !recovering {
			continue
		}
		if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", p.Path, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := os.RemoveAll(j.StagingDir); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	for k := len(j.CreatedDirs) - 1; k >= 0; k-- {
		// Fails harmlessly when something else now lives there
		os.Remove(j.CreatedDirs[k])
	}

	j.State = transaction.StateRolledBack
	log.Debugw("rolled back commit", "package", j.Package, "version", j.FormulaVersion, "placements", len(j.Placements))
	return nil
}

// finish completes a committed journal: deletes files of the replaced
// version and the staging directory holding backups
func finish(j *transaction.Journal, prefix string, log *zap.SugaredLogger) error {
	var errs []error
	root := prefix
	if j.ObsoleteRoot != "" {
		root = j.ObsoleteRoot
	}
	for _, p := range j.Obsolete {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove obsolete %s: %w", p, err))
			continue
		}
		pruneEmptyDirs(filepath.Dir(p), root)
	}
	if err := os.RemoveAll(j.StagingDir); err != nil {
		errs = append(errs, fmt.Errorf("remove staging dir: %w", err))
	}
	log.Debugw("finished commit", "package", j.Package, "version", j.FormulaVersion, "obsolete", len(j.Obsolete))
	return errors.Join(errs...)
}

// Recover resolves journals left by interrupted commits. Completed commits
// are finished; anything else is rolled back. It returns the packages it
// touched.
func (i *Installer) Recover(ctx context.Context) ([]string, error) {
	journals, err := transaction.Pending(i.journalDir)
	if err != nil {
		return nil, err
	}

	var recovered []string
	var errs []error
	for _, j := range journals {
		ok, err := i.recoverOne(ctx, j)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", j.Package, err))
			continue
		}
		if ok {
			recovered = append(recovered, j.Package)
		}
	}
	return recovered, errors.Join(errs...)
}

func (i *Installer) recoverOne(ctx context.Context, j *transaction.Journal) (bool, error) {
	lock, err := transaction.AcquireLock(ctx, i.lockDir, j.Package)
	if err != nil {
		return false, err
	}
	defer lock.Release()

	// Resolved by its owner while we waited for the lock
	if _, err := os.Stat(filepath.Join(i.journalDir, j.Filename())); os.IsNotExist(err) {
		return false, nil
	}

	if j.State == transaction.StateCompleted {
		if err := finish(j, i.prefix, i.log); err != nil {
			return false, err
		}
		i.log.Infow("finished interrupted install", "package", j.Package, "version", j.FormulaVersion)
	} else {
		if err := rollback(j, true, i.log); err != nil {
			return false, err
		}
		i.log.Infow("rolled back interrupted install", "package", j.Package, "version", j.FormulaVersion)
	}
	return true, j.Remove(i.journalDir)
}
