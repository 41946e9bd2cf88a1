package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
	"github.com/ZebulonRouseFrantzich/keg/internal/transaction"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for the installer
type Config struct {
	// Prefix is the root packages are installed under. Required, absolute.
	Prefix string
	// StateDir holds manifests, locks and journals. Required.
	StateDir string
	// CacheDir holds downloads and extraction trees. Required.
	CacheDir string

	// Retries is how often a transient fetch failure is retried.
	// Negative means DefaultRetries.
	Retries      int
	UserAgent    string
	HTTPClient   *http.Client
	FetchTimeout time.Duration
	// Progress receives a download progress bar when set
	Progress io.Writer

	// Timeout bounds a whole Install; zero means no limit beyond ctx
	Timeout time.Duration
	// AllowUnverified installs formulas with placeholder digests
	AllowUnverified bool
	// Force replaces destinations not owned by the package
	Force bool

	Logger *zap.SugaredLogger
	// Clock stamps manifests; defaults to SystemClock
	Clock Clock
	// OnTransition is called on every stage change
	OnTransition func(pkg string, from, to Stage)
}

// Installer runs the fetch, verify, extract and commit pipeline
type Installer struct {
	prefix     string
	stateDir   string
	lockDir    string
	journalDir string

	manifests *ManifestStore
	fetcher   *Fetcher
	extractor *Extractor

	timeout         time.Duration
	allowUnverified bool
	force           bool
	log             *zap.SugaredLogger
	clock           Clock
	onTransition    func(pkg string, from, to Stage)

	// Replaced in tests to inject filesystem failures
	rename    func(oldpath, newpath string) error
	freeSpace func(ctx context.Context, path string) (uint64, error)
}

// New creates an installer
func New(cfg Config) (*Installer, error) {
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("prefix is required")
	}
	if !filepath.IsAbs(cfg.Prefix) {
		return nil, fmt.Errorf("prefix must be absolute: %s", cfg.Prefix)
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.FetchTimeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = newHTTPClient(timeout)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = DefaultRetries
	}

	fetchOpts := []FetcherOption{
		WithHTTPClient(client),
		WithRetries(retries),
		WithUserAgent(cfg.UserAgent),
		WithLogger(log),
	}
	if cfg.Progress != nil {
		fetchOpts = append(fetchOpts, WithProgress(cfg.Progress))
	}

	return &Installer{
		prefix:          filepath.Clean(cfg.Prefix),
		stateDir:        cfg.StateDir,
		lockDir:         filepath.Join(cfg.StateDir, "locks"),
		journalDir:      filepath.Join(cfg.StateDir, "journal"),
		manifests:       NewManifestStore(filepath.Join(cfg.StateDir, "manifests")),
		fetcher:         NewFetcher(filepath.Join(cfg.CacheDir, "downloads"), fetchOpts...),
		extractor:       NewExtractor(filepath.Join(cfg.CacheDir, "extract"), log),
		timeout:         cfg.Timeout,
		allowUnverified: cfg.AllowUnverified,
		force:           cfg.Force,
		log:             log,
		clock:           clock,
		onTransition:    cfg.OnTransition,
		rename:          os.Rename,
		freeSpace:       freeBytes,
	}, nil
}

// Prefix returns the install root
func (i *Installer) Prefix() string {
	return i.prefix
}

// operation tracks the stage trail of one Install
type operation struct {
	inst   *Installer
	result *Result
	start  time.Time
}

func (op *operation) enter(stage Stage) {
	from := op.result.FinalStage()
	op.result.Trail = append(op.result.Trail, stage)
	if len(op.result.Trail) == 1 {
		from = stage
	}
	op.inst.log.Debugw("install stage",
		"package", op.result.Package,
		"from", from.String(),
		"to", stage.String())
	if op.inst.onTransition != nil && len(op.result.Trail) > 1 {
		op.inst.onTransition(op.result.Package, from, stage)
	}
}

func (op *operation) fail(stage Stage, rolledBack bool, err error) (*Result, error) {
	if rolledBack {
		op.enter(StageRolledBack)
	} else {
		op.enter(StageFailed)
	}
	op.result.Duration = time.Since(op.start)
	return op.result, &StageError{
		Package:    op.result.Package,
		Stage:      stage,
		RolledBack: rolledBack,
		Err:        err,
	}
}

func (op *operation) done(status Status) (*Result, error) {
	op.enter(StageCommitted)
	op.result.Status = status
	op.result.Duration = time.Since(op.start)
	return op.result, nil
}

// Install fetches, verifies, extracts and commits rec under the prefix.
// Installing the version and digest already recorded is a no-op reporting
// StatusAlreadyInstalled. A different version replaces the prior one only
// once the new files are fully committed; on failure the prior version is
// left intact.
//
// Errors are *StageError. The Result is returned either way.
func (i *Installer) Install(ctx context.Context, rec *formula.Record) (*Result, error) {
	op := &operation{
		inst:   i,
		result: &Result{Package: rec.Name, Version: rec.Version},
		start:  time.Now(),
	}
	op.enter(StagePending)

	if err := rec.Validate(); err != nil {
		return op.fail(StagePending, false, err)
	}
	if rec.Digest.IsPlaceholder() {
		if !i.allowUnverified {
			op.enter(StageVerifying)
			return op.fail(StageVerifying, false, &UnverifiedFormulaError{Name: rec.Name, Digest: rec.Digest})
		}
		i.log.Warnw("installing formula without a verified digest", "package", rec.Name, "version", rec.Version)
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	lock, err := transaction.AcquireLock(ctx, i.lockDir, rec.Name)
	if err != nil {
		return op.fail(StagePending, false, fmt.Errorf("acquire package lock: %w", err))
	}
	defer lock.Release()

	prior, err := i.manifests.Load(rec.Name)
	if err != nil && !errors.Is(err, ErrNotInstalled) {
		return op.fail(StagePending, false, err)
	}
	if prior != nil && prior.Matches(rec, i.prefix) {
		i.log.Infow("already installed", "package", rec.Name, "version", rec.Version)
		op.result.Manifest = prior
		op.result.Verified = prior.Verified
		return op.done(StatusAlreadyInstalled)
	}

	op.enter(StageFetching)
	algo := rec.Digest.Algorithm
	if algo.HexLen() == 0 {
		algo = formula.SHA256
	}
	artifact, err := i.fetcher.Fetch(ctx, rec.URL, algo)
	if err != nil {
		return op.fail(StageFetching, false, err)
	}
	defer artifact.Remove()

	op.enter(StageVerifying)
	method, err := i.verify(ctx, rec, artifact)
	if err != nil {
		artifact.Remove()
		return op.fail(StageVerifying, false, err)
	}
	op.result.Verified = method

	op.enter(StageExtracting)
	tree, err := i.extractor.Extract(ctx, artifact, rec.Name)
	if err != nil {
		return op.fail(StageExtracting, false, err)
	}
	defer tree.Remove()

	op.enter(StageInstalling)
	manifest, rolledBack, err := i.commit(ctx, rec, tree, prior, artifact, method)
	if err != nil {
		return op.fail(StageInstalling, rolledBack, err)
	}
	op.result.Manifest = manifest

	i.log.Infow("installed",
		"package", rec.Name,
		"version", rec.Version,
		"files", len(manifest.Files),
		"verified", method.String())
	return op.done(StatusInstalled)
}

// verify checks the digest and, when the record names one, the detached
// signature
func (i *Installer) verify(ctx context.Context, rec *formula.Record, artifact *StagedArtifact) (VerificationMethod, error) {
	method := VerificationNone
	if !rec.Digest.IsPlaceholder() {
		if err := Verify(artifact, rec.Digest); err != nil {
			var unverified *UnverifiedFormulaError
			if errors.As(err, &unverified) {
				unverified.Name = rec.Name
			}
			return method, err
		}
		method = VerificationDigest
	}

	if rec.Signature == nil {
		return method, nil
	}
	sig, err := i.fetcher.Fetch(ctx, rec.Signature.URL, formula.SHA256)
	if err != nil {
		return method, fmt.Errorf("fetch signature: %w", err)
	}
	defer sig.Remove()

	if err := VerifySignature(artifact.Path, sig.Path, rec.Signature.Keyring); err != nil {
		return method, err
	}
	return VerificationGPG, nil
}

// Uninstall removes every file recorded for name, prunes directories left
// empty and deletes the manifest. The manifest is kept if any file could not
// be removed, so the call can be retried.
func (i *Installer) Uninstall(ctx context.Context, name string) (*Manifest, error) {
	if err := formula.ValidateName(name); err != nil {
		return nil, err
	}

	lock, err := transaction.AcquireLock(ctx, i.lockDir, name)
	if err != nil {
		return nil, fmt.Errorf("acquire package lock: %w", err)
	}
	defer lock.Release()

	m, err := i.manifests.Load(name)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, path := range m.Paths() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, &InstallError{Op: "remove", Path: path, Err: err})
			continue
		}
		pruneEmptyDirs(filepath.Dir(path), m.Prefix)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := i.manifests.Delete(name); err != nil {
		return nil, err
	}
	i.log.Infow("uninstalled", "package", name, "version", m.Version, "files", len(m.Files))
	return m, nil
}

// Installed returns the manifest for name, or ErrNotInstalled
func (i *Installer) Installed(name string) (*Manifest, error) {
	if err := formula.ValidateName(name); err != nil {
		return nil, err
	}
	return i.manifests.Load(name)
}

// List returns every installed package's manifest, sorted by name
func (i *Installer) List() ([]*Manifest, error) {
	return i.manifests.List()
}

// InstallAll installs records concurrently, at most jobs at a time. Every
// record is attempted; results line up with records and the returned error
// joins each failure.
func (i *Installer) InstallAll(ctx context.Context, records []*formula.Record, jobs int) ([]*Result, error) {
	if jobs < 1 {
		jobs = 1
	}

	results := make([]*Result, len(records))
	errs := make([]error, len(records))

	var g errgroup.Group
	g.SetLimit(jobs)
	for k, rec := range records {
		g.Go(func() error {
			results[k], errs[k] = i.Install(ctx, rec)
			return nil
		})
	}
	g.Wait()

	return results, errors.Join(errs...)
}

// pruneEmptyDirs removes dir and its parents while they are empty, stopping
// at stop
func pruneEmptyDirs(dir, stop string) {
	stop = filepath.Clean(stop)
	for dir = filepath.Clean(dir); dir != stop; dir = filepath.Dir(dir) {
		rel, err := filepath.Rel(stop, dir)
		if err != nil || !filepath.IsLocal(rel) {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
