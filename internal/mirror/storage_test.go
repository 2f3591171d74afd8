package mirror

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *FSBackend {
	t.Helper()
	b, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestFSBackendPutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newTestBackend(t)

	err := b.Put(ctx, "web/simple/django/index.html", strings.NewReader("<html>"))
	require.NoError(t, err)

	rc, err := b.Get(ctx, "web/simple/django/index.html")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	require.Equal(t, "<html>", string(data))

	ok, err := b.Exists(ctx, "web/simple/django/index.html")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Exists(ctx, "web/simple/flask/index.html")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = b.Get(ctx, "web/simple/flask/index.html")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFSBackendPutFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newTestBackend(t)

	f, err := b.TempFile()
	require.NoError(t, err)
	_, err = f.WriteString("artifact body")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = b.PutFile(ctx, "web/packages/ab/cd/pkg-1.0.tar.gz", f.Name())
	require.NoError(t, err)

	// the staging file is consumed by the promotion
	_, err = os.Stat(f.Name())
	require.True(t, os.IsNotExist(err))

	rc, err := b.Get(ctx, "web/packages/ab/cd/pkg-1.0.tar.gz")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	require.Equal(t, "artifact body", string(data))
}

func TestFSBackendRejectsUnsafePaths(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newTestBackend(t)

	err := b.Put(ctx, "../outside", strings.NewReader("x"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrStorage)

	err = b.Put(ctx, "/etc/passwd", strings.NewReader("x"))
	require.Error(t, err)
}

func TestFSBackendList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newTestBackend(t)

	for _, p := range []string{
		"web/simple/b/index.html",
		"web/simple/a/index.html",
		".records/a.json",
	} {
		require.NoError(t, b.Put(ctx, p, strings.NewReader("x")))
	}
	// leftover staging files never show up in listings
	f, err := b.TempFile()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	paths, err := b.List(ctx, "web/simple")
	require.NoError(t, err)
	require.Equal(t, []string{"web/simple/a/index.html", "web/simple/b/index.html"}, paths)

	all, err := b.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{
		".records/a.json",
		"web/simple/a/index.html",
		"web/simple/b/index.html",
	}, all)

	paths, err = b.List(ctx, "no/such/prefix")
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestFSBackendDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Put(ctx, "web/simple/Old.Name/index.html", strings.NewReader("x")))
	require.NoError(t, b.Delete(ctx, "web/simple/Old.Name"))

	ok, err := b.Exists(ctx, "web/simple/Old.Name/index.html")
	require.NoError(t, err)
	require.False(t, ok)

	// deleting a missing path is not an error
	require.NoError(t, b.Delete(ctx, "web/simple/never-there"))
}

func TestFSBackendStat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Put(ctx, "web/packages/pkg.tar.gz", strings.NewReader("12345")))
	st, err := b.Stat("web/packages/pkg.tar.gz")
	require.NoError(t, err)
	require.EqualValues(t, 5, st.Size())
}

func TestNewFSBackendRequiresAbsolute(t *testing.T) {
	t.Parallel()
	_, err := NewFSBackend("relative/dir")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrStorage)
}

func TestFSBackendCloseRemovesStaging(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := NewFSBackend(dir)
	require.NoError(t, err)

	f, err := b.TempFile()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, b.Close())
	_, err = os.Stat(filepath.Join(dir, ".tmp"))
	require.True(t, os.IsNotExist(err))
}
