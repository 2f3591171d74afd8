package mirror

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pkgmirror/pkgmirror/internal/pkgindex"
)

// VerifyResult is the terminal pipeline state of one release file.
type VerifyResult struct {
	File     *ReleaseFile
	TempName string
	Actual   *pkgindex.FileInfo
	Reused   bool
	Status   FileStatus
	Err      error
}

// Verifier is the fixed-size verification pool.
//
// It consumes the bounded queue fed by the download pool and checks
// integrity in one of two modes: hash (recompute the content digest
// and compare to the upstream declaration) or stat (size comparison
// only, no content read).  A mismatch fails the file; re-fetch
// decisions belong to the coordinator.
type Verifier struct {
	config  *Config
	queue   <-chan *DownloadResult
	results chan<- *VerifyResult
}

// NewVerifier constructs the pool over the verify queue.
func NewVerifier(config *Config, queue <-chan *DownloadResult, results chan<- *VerifyResult) *Verifier {
	return &Verifier{
		config:  config,
		queue:   queue,
		results: results,
	}
}

// Run starts the worker goroutines and blocks until the queue is
// closed and drained, or the context is canceled.
func (v *Verifier) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < v.config.Verifiers; i++ {
		g.Go(func() error {
			return v.worker(ctx)
		})
	}
	return g.Wait()
}

func (v *Verifier) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dr, ok := <-v.queue:
			if !ok {
				return nil
			}
			result := v.verify(dr)
			select {
			case <-ctx.Done():
				if result.TempName != "" {
					os.Remove(result.TempName)
				}
				return ctx.Err()
			case v.results <- result:
			}
		}
	}
}

func (v *Verifier) verify(dr *DownloadResult) *VerifyResult {
	r := &VerifyResult{
		File:     dr.File,
		TempName: dr.TempName,
		Actual:   dr.Actual,
		Reused:   dr.Reused,
	}

	if dr.Err != nil || dr.Status == StatusFailed {
		r.Status = StatusFailed
		r.Err = dr.Err
		return r
	}

	if dr.Reused {
		// matched the committed record before download
		r.Status = StatusVerified
		return r
	}

	declared := dr.File.Declared

	switch v.config.CompareMethod {
	case CompareStat:
		// no content read; the weaker guarantee is the point
		if declared != nil && declared.Size() != dr.Actual.Size() {
			r.Status = StatusFailed
			r.Err = markIntegrity(errors.Newf("size mismatch for %s: declared %d, got %d",
				dr.File.Filename, declared.Size(), dr.Actual.Size()))
			return r
		}
	default: // CompareHash
		// the digest was computed while the body streamed to disk
		if declared != nil && !declared.Same(dr.Actual) {
			r.Status = StatusFailed
			r.Err = markIntegrity(errors.Newf(
				"content mismatch for %s: declared %s (%d bytes), got %s (%d bytes)",
				dr.File.Filename, declared.SHA256(), declared.Size(),
				dr.Actual.SHA256(), dr.Actual.Size()))
			return r
		}
	}

	r.Status = StatusVerified
	slog.Debug("file verified", "package", dr.File.Package, "file", dr.File.Filename,
		"method", v.config.CompareMethod)
	return r
}

// statBackend is implemented by backends that can serve size and
// modification time without reading content.
type statBackend interface {
	Stat(p string) (os.FileInfo, error)
}

// VerifyCommitted re-checks a committed record file against local
// content using the configured comparison method.  Used by the verify
// operation.
func VerifyCommitted(ctx context.Context, config *Config, backend Backend, rf *RecordFile) error {
	if config.CompareMethod == CompareStat {
		sb, ok := backend.(statBackend)
		if !ok {
			return errors.New("stat comparison is not supported by the " + backend.Type() + " backend")
		}
		st, err := sb.Stat(rf.BlobPath)
		if err != nil {
			return markIntegrity(errors.Wrap(err, "stat "+rf.BlobPath))
		}
		if uint64(st.Size()) != rf.Size {
			return markIntegrity(errors.Newf("size mismatch for %s: recorded %d, got %d",
				rf.Filename, rf.Size, st.Size()))
		}
		// second precision; filesystems differ below that
		if !rf.MTime.IsZero() && st.ModTime().Unix() != rf.MTime.Unix() {
			return markIntegrity(errors.Newf("mtime changed for %s: recorded %s, got %s",
				rf.Filename, rf.MTime, st.ModTime()))
		}
		return nil
	}

	rc, err := backend.Get(ctx, rf.BlobPath)
	if err != nil {
		return markIntegrity(errors.Wrap(err, "open "+rf.BlobPath))
	}
	defer func() {
		if err := rc.Close(); err != nil {
			slog.Warn("failed to close blob", "path", rf.BlobPath, "error", err)
		}
	}()

	fi, err := pkgindex.CopyWithFileInfo(io.Discard, rc, rf.Filename)
	if err != nil {
		return errors.Wrap(err, "hash "+rf.BlobPath)
	}
	if rf.SHA256 != "" && fi.SHA256() != rf.SHA256 {
		return markIntegrity(errors.Newf("digest mismatch for %s: recorded %s, got %s",
			rf.Filename, rf.SHA256, fi.SHA256()))
	}
	if fi.Size() != rf.Size {
		return markIntegrity(errors.Newf("size mismatch for %s: recorded %d, got %d",
			rf.Filename, rf.Size, fi.Size()))
	}
	return nil
}
