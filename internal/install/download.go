package install

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
	"github.com/cenkalti/backoff/v5"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 5 * time.Minute
	// DefaultRetries is the default number of download retries
	DefaultRetries = 3
	// DefaultUserAgent is the User-Agent header sent with requests
	DefaultUserAgent = "keg/1.0"

	maxRedirects = 10
)

var errTooManyRedirects = errors.New("too many redirects")

// StagedArtifact is a downloaded file in the private staging directory and
// the digest computed while it streamed in
type StagedArtifact struct {
	Path   string
	Size   int64
	Digest formula.Digest
	URL    string
}

// Open opens the staged file for reading
func (a *StagedArtifact) Open() (*os.File, error) {
	return os.Open(a.Path)
}

// Remove deletes the staged file. Safe to call more than once.
func (a *StagedArtifact) Remove() error {
	if a == nil || a.Path == "" {
		return nil
	}
	err := os.Remove(a.Path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staged artifact: %w", err)
	}
	return nil
}

// Fetcher handles HTTP downloads with retry logic
type Fetcher struct {
	client     *http.Client
	stagingDir string
	userAgent  string
	retries    int
	progress   io.Writer
	log        *zap.SugaredLogger

	initialInterval time.Duration
	maxInterval     time.Duration
}

// FetcherOption configures a Fetcher
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithRetries sets how many times a transient failure is retried
func WithRetries(n int) FetcherOption {
	return func(f *Fetcher) {
		if n >= 0 {
			f.retries = n
		}
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithProgress renders a byte progress bar to w for each download
func WithProgress(w io.Writer) FetcherOption {
	return func(f *Fetcher) {
		f.progress = w
	}
}

// WithLogger sets the logger used for retry warnings
func WithLogger(l *zap.SugaredLogger) FetcherOption {
	return func(f *Fetcher) {
		if l != nil {
			f.log = l
		}
	}
}

// WithBackoff sets the first and the largest wait between attempts
func WithBackoff(initial, max time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.initialInterval = initial
		f.maxInterval = max
	}
}

// NewFetcher creates a fetcher that stages downloads in stagingDir
func NewFetcher(stagingDir string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:          newHTTPClient(DefaultTimeout),
		stagingDir:      stagingDir,
		userAgent:       DefaultUserAgent,
		retries:         DefaultRetries,
		log:             zap.NewNop().Sugar(),
		initialInterval: time.Second,
		maxInterval:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// newHTTPClient returns a client that honors the proxy environment,
// requires TLS 1.2 and follows a bounded number of redirects.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyFromEnvironment
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}
}

// Fetch downloads rawURL into the staging directory, hashing it with algo
// as it streams. Connection failures, 5xx, 408 and 429 are retried with
// exponential backoff; any other status fails on the first attempt. The
// staged file is removed on every failure path.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, algo formula.Algorithm) (*StagedArtifact, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if _, err := newHash(algo); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if err := os.MkdirAll(f.stagingDir, 0700); err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("create staging dir: %w", err)}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	b.MaxInterval = f.maxInterval

	attempts := 0
	artifact, err := backoff.Retry(ctx, func() (*StagedArtifact, error) {
		attempts++
		a, err := f.fetchOnce(ctx, rawURL, algo)
		if err == nil {
			return a, nil
		}
		var fe *FetchError
		if ctx.Err() != nil || (errors.As(err, &fe) && !fe.Retryable) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(f.retries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			f.log.Warnw("fetch failed, retrying",
				"url", rawURL,
				"attempt", attempts,
				"wait", wait,
				"error", err)
		}),
	)
	if err == nil {
		return artifact, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		fe = &FetchError{URL: rawURL, Err: err}
	}
	fe.Attempts = attempts
	if ctx.Err() != nil {
		fe.Retryable = false
	}
	return nil, fe
}

// fetchOnce performs a single download attempt
func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string, algo formula.Algorithm) (*StagedArtifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{
			URL:       rawURL,
			Retryable: !errors.Is(err, errTooManyRedirects),
			Err:       fmt.Errorf("execute request: %w", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused
		io.CopyN(io.Discard, resp.Body, 4<<10)
		return nil, &FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	tmpFile, err := os.CreateTemp(f.stagingDir, "fetch-*")
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpPath := tmpFile.Name()

	// Track whether we need to clean up the temp file
	cleanupNeeded := true
	defer func() {
		tmpFile.Close()
		if cleanupNeeded {
			os.Remove(tmpPath)
		}
	}()

	hasher, _ := newHash(algo)
	writers := []io.Writer{tmpFile, hasher}
	var bar *progressbar.ProgressBar
	if f.progress != nil {
		bar = progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(f.progress),
			progressbar.OptionSetDescription(path.Base(resp.Request.URL.Path)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(f.progress) }),
		)
		writers = append(writers, bar)
	}

	size, err := io.Copy(io.MultiWriter(writers...), &ctxReader{ctx: ctx, r: resp.Body})
	if err != nil {
		return nil, &FetchError{
			URL:       rawURL,
			Retryable: ctx.Err() == nil,
			Err:       fmt.Errorf("copy response body: %w", err),
		}
	}
	if resp.ContentLength >= 0 && size != resp.ContentLength {
		return nil, &FetchError{
			URL:       rawURL,
			Retryable: true,
			Err:       fmt.Errorf("short body: got %d of %d bytes", size, resp.ContentLength),
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if err := tmpFile.Close(); err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("close temp file: %w", err)}
	}

	cleanupNeeded = false
	return &StagedArtifact{
		Path:   tmpPath,
		Size:   size,
		Digest: formula.Digest{Algorithm: algo, Hex: hex.EncodeToString(hasher.Sum(nil))},
		URL:    rawURL,
	}, nil
}

// retryableStatus reports whether a response status is worth retrying
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// validateURL rejects anything but absolute http(s) URLs
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

// ctxReader fails reads once its context is done, so long copies notice
// cancellation between chunks.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
