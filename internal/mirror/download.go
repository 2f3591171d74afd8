package mirror

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pkgmirror/pkgmirror/internal/pkgindex"
)

const (
	primaryRetries = 3
	mirrorRetries  = 6 // primary and fallback alternate
	backoffStep    = time.Second
)

// FileStatus tracks a release file through the pipeline.
type FileStatus int

// Release file states.
const (
	StatusPending FileStatus = iota
	StatusDownloaded
	StatusVerified
	StatusFailed
)

func (s FileStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDownloaded:
		return "downloaded"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReleaseFile is an immutable task descriptor for one artifact.
// Pools never mutate shared state; status lives in the results.
type ReleaseFile struct {
	Package   string // normalized package name
	Filename  string
	SourceURL string
	BlobPath  string
	MTime     time.Time

	// Declared carries the upstream-declared size and digest.
	Declared *pkgindex.FileInfo
}

// DownloadResult is what a download worker hands to the verifier pool.
type DownloadResult struct {
	File     *ReleaseFile
	TempName string // staged file; empty on failure or reuse
	Actual   *pkgindex.FileInfo
	Reused   bool
	Status   FileStatus
	Err      error
}

// Downloader is the fixed-size download worker pool.
//
// Jobs are release files; results flow into the bounded verify queue,
// so a lagging verifier pool blocks download workers instead of
// buffering unboundedly.
type Downloader struct {
	client  *http.Client
	config  *Config
	backend Backend
	jobs    chan *ReleaseFile
	results chan<- *DownloadResult
	bar     *pb.ProgressBar
}

// NewDownloader constructs the pool.  results is the verify queue;
// the pool closes nothing but its own jobs channel.
func NewDownloader(config *Config, backend Backend, results chan<- *DownloadResult, bar *pb.ProgressBar) *Downloader {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second
	tr.DialContext = (&net.Dialer{Timeout: config.Timeout.Duration}).DialContext
	tr.ResponseHeaderTimeout = config.Timeout.Duration
	tr.TLSHandshakeTimeout = config.Timeout.Duration

	return &Downloader{
		client: &http.Client{
			Transport: tr,
			Timeout:   0, // per-job ceiling comes from context
		},
		config:  config,
		backend: backend,
		jobs:    make(chan *ReleaseFile, config.Workers),
		results: results,
		bar:     bar,
	}
}

// Run starts the worker goroutines and blocks until the jobs channel
// is closed and drained, or the context is canceled.
func (d *Downloader) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.config.Workers; i++ {
		g.Go(func() error {
			return d.worker(ctx)
		})
	}
	return g.Wait()
}

// Submit queues a release file for download.
func (d *Downloader) Submit(ctx context.Context, rf *ReleaseFile) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.jobs <- rf:
		return nil
	}
}

// CloseJobs signals that no more jobs will be submitted.
func (d *Downloader) CloseJobs() {
	close(d.jobs)
}

func (d *Downloader) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rf, ok := <-d.jobs:
			if !ok {
				return nil
			}
			result := d.download(ctx, rf)
			if d.bar != nil {
				d.bar.Increment()
			}
			select {
			case <-ctx.Done():
				if result.TempName != "" {
					os.Remove(result.TempName)
				}
				return ctx.Err()
			case d.results <- result:
			}
		}
	}
}

// sourceFor returns the URL for a given attempt, alternating between
// the authoritative source and the configured fallback mirror.  In
// fallback-only mode the primary is never tried.
func (d *Downloader) sourceFor(rf *ReleaseFile, attempt int) string {
	mirrorURL := d.mirrorURLFor(rf)
	if mirrorURL == "" {
		return rf.SourceURL
	}
	if d.config.MirrorNoFallback {
		return mirrorURL
	}
	// primary first, then fallback once, then primary again
	if attempt%2 == 1 {
		return mirrorURL
	}
	return rf.SourceURL
}

func (d *Downloader) mirrorURLFor(rf *ReleaseFile) string {
	if d.config.DownloadMirror.URL == nil {
		return ""
	}
	parsed, err := url.Parse(rf.SourceURL)
	if err != nil {
		return ""
	}
	// the mirror serves the same path layout as the primary host
	rebased := d.config.ResolveDownloadMirror(strings.TrimPrefix(parsed.Path, "/"))
	return rebased.String()
}

// download performs one job: a bounded streaming fetch into a backend
// staging file, with the digest computed while copying.  A terminal
// failure is reported in the result, never as a pool error, so sibling
// jobs are unaffected.
func (d *Downloader) download(ctx context.Context, rf *ReleaseFile) *DownloadResult {
	r := &DownloadResult{
		File:   rf,
		Status: StatusFailed,
	}

	jobCtx, cancel := context.WithTimeout(ctx, d.config.GlobalTimeout.Duration)
	defer cancel()

	maxAttempts := primaryRetries
	if d.config.DownloadMirror.URL != nil && !d.config.MirrorNoFallback {
		maxAttempts = mirrorRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-jobCtx.Done():
			r.Err = markNetwork(jobCtx.Err())
			return r
		default:
		}

		if attempt > 0 {
			slog.Warn("retrying download", "package", rf.Package, "file", rf.Filename,
				"attempt", attempt+1, "max_attempts", maxAttempts)
			select {
			case <-jobCtx.Done():
				r.Err = markNetwork(jobCtx.Err())
				return r
			case <-time.After(backoffStep):
			}
		}

		source := d.sourceFor(rf, attempt)
		fi, tempName, err := d.fetchOne(jobCtx, source, rf.Filename)
		if err != nil {
			lastErr = err
			continue
		}

		r.TempName = tempName
		r.Actual = fi
		r.Status = StatusDownloaded
		r.Err = nil
		slog.Debug("file downloaded", "package", rf.Package, "file", fi.Path(),
			"size", fi.Size(), "source", source)
		return r
	}

	r.Err = errors.Wrapf(lastErr, "download failed for %s after %d attempts",
		rf.Filename, maxAttempts)
	return r
}

// fetchOne streams one URL into a staging file.
func (d *Downloader) fetchOne(ctx context.Context, source, filename string) (*pkgindex.FileInfo, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", markNetwork(err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cache-Control", "max-age=0")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", markNetwork(err)
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, "", markNetwork(errors.Newf("status %d for %s", resp.StatusCode, source))
	}

	tempfile, err := d.backend.TempFile()
	if err != nil {
		return nil, "", markStorage(errors.Wrap(err, "fetchOne"))
	}

	fi, err := pkgindex.CopyWithFileInfo(tempfile, resp.Body, filename)
	if err == nil {
		err = tempfile.Sync()
	}
	if err2 := tempfile.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(tempfile.Name())
		return nil, "", markNetwork(errors.Wrap(err, "fetchOne: "+source))
	}

	return fi, tempfile.Name(), nil
}
