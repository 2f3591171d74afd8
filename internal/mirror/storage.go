package mirror

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Backend is the capability interface over the mirror content tree.
//
// Put and PutFile must be atomic from the perspective of concurrent
// readers: implementations stage content under a temporary name and
// promote it with a single atomic replace, so a reader never observes
// a truncated write.  The two variants are the local filesystem
// (temp file + rename) and an S3 object store (upload-then-finalize).
type Backend interface {
	// Put atomically writes the contents of r at path.
	Put(ctx context.Context, path string, r io.Reader) error

	// PutFile atomically promotes a staged temporary file (created
	// with TempFile) to path.  The temporary file is consumed.
	PutFile(ctx context.Context, path string, tempName string) error

	// Get opens the content at path for reading.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists reports whether path holds committed content.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes the content at path.  Deleting a missing path
	// is not an error.
	Delete(ctx context.Context, path string) error

	// List returns all committed paths under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// TempFile creates a staging file for a download in progress.
	TempFile() (*os.File, error)

	// Type returns the backend selector name.
	Type() string

	// Close releases backend resources.
	Close() error
}

// validatePath validates that a path is safe for use within the
// storage tree.  It rejects parent directory references and absolute
// paths.
func validatePath(p string) error {
	cleanPath := filepath.Clean(p)

	if strings.Contains(cleanPath, "..") {
		return errors.New("unsafe path (contains directory traversal): " + p)
	}
	if filepath.IsAbs(cleanPath) {
		return errors.New("unsafe path (absolute path not allowed): " + p)
	}
	return nil
}

// FSBackend stores the mirror tree on the local filesystem.
type FSBackend struct {
	dir     string
	tempDir string
}

// NewFSBackend constructs an FSBackend rooted at dir.
//
// dir must be an absolute path; it is created if missing.  Staged
// temporary files live in a .tmp directory inside the root so the
// final rename never crosses a filesystem boundary.
func NewFSBackend(dir string) (*FSBackend, error) {
	if !filepath.IsAbs(dir) {
		return nil, markStorage(errors.New("not absolute: " + dir))
	}
	dir = filepath.Clean(dir)

	tempDir := filepath.Join(dir, ".tmp")
	if err := os.MkdirAll(tempDir, 0750); err != nil {
		return nil, markStorage(errors.Wrap(err, "NewFSBackend"))
	}

	return &FSBackend{
		dir:     dir,
		tempDir: tempDir,
	}, nil
}

// Dir returns the root directory of the backend.
func (b *FSBackend) Dir() string {
	return b.dir
}

// Type implements Backend.
func (b *FSBackend) Type() string {
	return BackendFilesystem
}

// Close implements Backend.
func (b *FSBackend) Close() error {
	// best effort; leftover staging files are from interrupted runs
	return os.RemoveAll(b.tempDir)
}

// TempFile implements Backend.
func (b *FSBackend) TempFile() (*os.File, error) {
	return os.CreateTemp(b.tempDir, "_tmp")
}

func (b *FSBackend) fullPath(p string) (string, error) {
	if err := validatePath(p); err != nil {
		return "", markStorage(err)
	}
	return filepath.Join(b.dir, filepath.Clean(p)), nil
}

// Put implements Backend.  Content is written to a staging file,
// synced, and renamed into place; the parent directory is fsynced so
// the rename itself is durable.
func (b *FSBackend) Put(ctx context.Context, p string, r io.Reader) error {
	f, err := b.TempFile()
	if err != nil {
		return markStorage(errors.Wrap(err, "Put: "+p))
	}
	name := f.Name()

	_, err = io.Copy(f, r)
	if err2 := f.Sync(); err == nil {
		err = err2
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(name)
		return markStorage(errors.Wrap(err, "Put: "+p))
	}

	return b.PutFile(ctx, p, name)
}

// PutFile implements Backend.
func (b *FSBackend) PutFile(_ context.Context, p string, tempName string) error {
	fp, err := b.fullPath(p)
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fp), 0750); err != nil {
		os.Remove(tempName)
		return markStorage(errors.Wrap(err, "PutFile: "+p))
	}
	if err := os.Chmod(tempName, 0644); err != nil { // #nosec G302 - mirrored content is world readable
		os.Remove(tempName)
		return markStorage(errors.Wrap(err, "PutFile: "+p))
	}
	if err := os.Rename(tempName, fp); err != nil {
		os.Remove(tempName)
		return markStorage(errors.Wrap(err, "PutFile: "+p))
	}

	// rename exists only in dentry until the directory is synced
	if err := DirSync(filepath.Dir(fp)); err != nil {
		return markStorage(errors.Wrap(err, "PutFile: "+p))
	}
	return nil
}

// Get implements Backend.
func (b *FSBackend) Get(_ context.Context, p string) (io.ReadCloser, error) {
	fp, err := b.fullPath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fp) // #nosec G304 - path validated by fullPath
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, markStorage(errors.Wrap(err, "Get: "+p))
	}
	return f, nil
}

// Exists implements Backend.
func (b *FSBackend) Exists(_ context.Context, p string) (bool, error) {
	fp, err := b.fullPath(p)
	if err != nil {
		return false, err
	}
	st, err := os.Stat(fp)
	switch {
	case os.IsNotExist(err):
		return false, nil
	case err != nil:
		return false, markStorage(errors.Wrap(err, "Exists: "+p))
	}
	return st.Mode().IsRegular(), nil
}

// Stat returns size and modification time for a committed path.
// Used by the stat comparison method.
func (b *FSBackend) Stat(p string) (os.FileInfo, error) {
	fp, err := b.fullPath(p)
	if err != nil {
		return nil, err
	}
	return os.Stat(fp)
}

// Delete implements Backend.
func (b *FSBackend) Delete(_ context.Context, p string) error {
	fp, err := b.fullPath(p)
	if err != nil {
		return err
	}
	err = os.RemoveAll(fp)
	if err != nil {
		return markStorage(errors.Wrap(err, "Delete: "+p))
	}
	return nil
}

// List implements Backend.
func (b *FSBackend) List(_ context.Context, prefix string) ([]string, error) {
	root := b.dir
	if prefix != "" {
		fp, err := b.fullPath(prefix)
		if err != nil {
			return nil, err
		}
		root = fp
	}

	var paths []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(b.dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, ".tmp/") {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, markStorage(errors.Wrap(err, "List: "+prefix))
	}

	sort.Strings(paths)
	return paths, nil
}
