package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeUploadTime is the upload timestamp every fake release file
// declares in its metadata.
const fakeUploadTime = "2025-01-02T03:04:05Z"

// fakeUpstream is an in-memory index service covering the serial,
// changelog, listing, metadata, and file endpoints.
type fakeUpstream struct {
	mu        sync.Mutex
	serial    int64
	packages  map[string]*fakePackage
	vanished  map[string]bool
	failFiles map[string]bool
	fileHits  map[string]int
	srv       *httptest.Server
}

type fakePackage struct {
	serial int64
	files  []fakeFile
}

type fakeFile struct {
	name string
	body string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{
		packages:  make(map[string]*fakePackage),
		vanished:  make(map[string]bool),
		failFiles: make(map[string]bool),
		fileHits:  make(map[string]int),
	}
	u.srv = httptest.NewServer(u)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) setPackage(name string, serial int64, files ...fakeFile) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.packages[name] = &fakePackage{serial: serial, files: files}
	if serial > u.serial {
		u.serial = serial
	}
}

func (u *fakeUpstream) setSerial(serial int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.serial = serial
}

func (u *fakeUpstream) hits(filename string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fileHits[filename]
}

func (u *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case r.URL.Path == "/last-serial":
		fmt.Fprintf(w, `{"serial": %d}`, u.serial)

	case r.URL.Path == "/changelog":
		var since int64
		fmt.Sscanf(r.URL.Query().Get("since"), "%d", &since)
		var entries []map[string]any
		for name, p := range u.packages {
			if p.serial > since {
				entries = append(entries, map[string]any{"package": name, "serial": p.serial})
			}
		}
		json.NewEncoder(w).Encode(entries)

	case r.URL.Path == "/packages":
		listing := make(map[string]int64, len(u.packages))
		for name, p := range u.packages {
			listing[name] = p.serial
		}
		json.NewEncoder(w).Encode(listing)

	case strings.HasPrefix(r.URL.Path, "/pypi/"):
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/pypi/"), "/json")
		p, ok := u.packages[name]
		if !ok || u.vanished[name] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		files := make([]map[string]any, 0, len(p.files))
		for _, f := range p.files {
			files = append(files, map[string]any{
				"filename":             f.name,
				"url":                  u.srv.URL + "/files/" + f.name,
				"size":                 len(f.body),
				"upload_time_iso_8601": fakeUploadTime,
				"digests":              map[string]string{"sha256": sha256Hex(f.body)},
			})
		}
		w.Header().Set(serialHeader, fmt.Sprint(p.serial))
		json.NewEncoder(w).Encode(map[string]any{
			"info":        map[string]string{"name": name},
			"last_serial": p.serial,
			"releases":    map[string]any{"1.0": files},
		})

	case strings.HasPrefix(r.URL.Path, "/files/"):
		filename := strings.TrimPrefix(r.URL.Path, "/files/")
		u.fileHits[filename]++
		if u.failFiles[filename] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		for _, p := range u.packages {
			for _, f := range p.files {
				if f.name == filename {
					w.Write([]byte(f.body))
					return
				}
			}
		}
		w.WriteHeader(http.StatusNotFound)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func syncTestConfig(t *testing.T, u *fakeUpstream) *Config {
	t.Helper()
	c := NewConfig()
	c.Directory = t.TempDir()
	c.Workers = 2
	c.Verifiers = 2
	c.Timeout.Duration = 5 * time.Second
	c.GlobalTimeout.Duration = 30 * time.Second
	c.JSON = true
	c.DiffFile = filepath.Join(t.TempDir(), "changed")
	require.NoError(t, c.Master.UnmarshalText([]byte(u.srv.URL)))
	return c
}

func newTestCoordinator(t *testing.T, config *Config) *Coordinator {
	t.Helper()
	coord, err := NewCoordinator(context.Background(), config, true)
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })
	return coord
}

func loadState(t *testing.T, config *Config) MirrorState {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(config.Directory, statusPath))
	require.NoError(t, err)
	var state MirrorState
	require.NoError(t, json.Unmarshal(data, &state))
	return state
}

func TestSyncFullRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})
	u.setPackage("beta", 104, fakeFile{"beta-1.0.tar.gz", "beta content"})

	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	run, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, run.Outcome)
	require.Equal(t, StateDone, run.State)
	require.True(t, run.FullScan)
	require.Equal(t, 2, run.Packages)
	require.Empty(t, run.Errors)

	state := loadState(t, config)
	require.EqualValues(t, 105, state.CurrentSerial)
	require.Empty(t, state.Pending)

	// blobs land on their digest-sharded paths
	digest := sha256Hex("alpha content")
	blob := filepath.Join(config.Directory, "web", "packages",
		digest[0:2], digest[2:4], "alpha-1.0.tar.gz")
	data, err := os.ReadFile(blob)
	require.NoError(t, err)
	require.Equal(t, "alpha content", string(data))

	// the listing page links the blob
	page, err := os.ReadFile(filepath.Join(config.Directory, "web", "simple", "alpha", "index.html"))
	require.NoError(t, err)
	require.Contains(t, string(page), "alpha-1.0.tar.gz")
	require.Contains(t, string(page), "#sha256="+digest)

	// the raw metadata document is mirrored
	_, err = os.Stat(filepath.Join(config.Directory, "web", "json", "alpha", "index.json"))
	require.NoError(t, err)

	// the diff file names every changed path
	diff, err := os.ReadFile(config.DiffFile)
	require.NoError(t, err)
	require.Contains(t, string(diff), "web/simple/alpha/index.html")
	require.Contains(t, string(diff), "web/simple/beta/index.html")
}

func TestSyncIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})

	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	_, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)

	run, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, run.Outcome)
	require.Empty(t, run.ChangedPaths)

	// the diff file is truncated to empty by the no-op run
	diff, err := os.ReadFile(config.DiffFile)
	require.NoError(t, err)
	require.Empty(t, diff)
}

func TestSyncPartialFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})
	u.setPackage("beta", 104, fakeFile{"beta-1.0.tar.gz", "beta content"})
	u.failFiles["beta-1.0.tar.gz"] = true

	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	run, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)
	require.Equal(t, OutcomePartialFailure, run.Outcome)
	require.NotEmpty(t, run.Errors)

	// the serial is held while beta is excluded
	state := loadState(t, config)
	require.EqualValues(t, 0, state.CurrentSerial)
	require.EqualValues(t, 105, state.TargetSerial)
	require.Equal(t, []string{"beta"}, state.Pending)

	// alpha committed despite the sibling failure
	_, err = os.Stat(filepath.Join(config.Directory, "web", "simple", "alpha", "index.html"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(config.Directory, "web", "simple", "beta", "index.html"))
	require.True(t, os.IsNotExist(err))

	// once upstream recovers, the pending package commits and the
	// serial advances
	u.mu.Lock()
	u.failFiles["beta-1.0.tar.gz"] = false
	u.mu.Unlock()

	run, err = coord.Sync(ctx, nil, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, run.Outcome)

	state = loadState(t, config)
	require.EqualValues(t, 105, state.CurrentSerial)
	require.Empty(t, state.Pending)
	_, err = os.Stat(filepath.Join(config.Directory, "web", "simple", "beta", "index.html"))
	require.NoError(t, err)
}

func TestSyncStopOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})
	u.setPackage("beta", 104, fakeFile{"beta-1.0.tar.gz", "beta content"})
	u.failFiles["beta-1.0.tar.gz"] = true

	config := syncTestConfig(t, u)
	config.StopOnError = true
	coord := newTestCoordinator(t, config)

	run, err := coord.Sync(ctx, nil, false)
	require.Error(t, err)
	require.Equal(t, OutcomeAborted, run.Outcome)
	require.Equal(t, StateFailed, run.State)

	// nothing commits, not even the package that succeeded
	paths, err := coord.backend.List(ctx, "web")
	require.NoError(t, err)
	require.Empty(t, paths)
	_, err = os.Stat(filepath.Join(config.Directory, statusPath))
	require.True(t, os.IsNotExist(err))
}

func TestSyncExplicitPackages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})
	u.setPackage("beta", 104, fakeFile{"beta-1.0.tar.gz", "beta content"})

	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	_, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)

	// upstream moves on, but the targeted run only refreshes alpha
	u.setPackage("alpha", 106,
		fakeFile{"alpha-1.0.tar.gz", "alpha content"},
		fakeFile{"alpha-1.1.tar.gz", "alpha 1.1"})
	u.setPackage("beta", 107, fakeFile{"beta-2.0.tar.gz", "beta 2.0"})

	run, err := coord.Sync(ctx, []string{"Alpha"}, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, run.Outcome)
	require.Equal(t, 1, run.Packages)

	page, err := os.ReadFile(filepath.Join(config.Directory, "web", "simple", "alpha", "index.html"))
	require.NoError(t, err)
	require.Contains(t, string(page), "alpha-1.1.tar.gz")

	// targeted runs never move the serial
	state := loadState(t, config)
	require.EqualValues(t, 105, state.CurrentSerial)

	_, err = os.Stat(filepath.Join(config.Directory, "web", "simple", "beta", "index.html"))
	require.NoError(t, err)
	page, err = os.ReadFile(filepath.Join(config.Directory, "web", "simple", "beta", "index.html"))
	require.NoError(t, err)
	require.NotContains(t, string(page), "beta-2.0.tar.gz")
}

func TestSyncReusesCommittedFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})

	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	_, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)
	require.Equal(t, 1, u.hits("alpha-1.0.tar.gz"))

	// a metadata-only change keeps the same file; it must not be
	// fetched again
	u.setPackage("alpha", 110, fakeFile{"alpha-1.0.tar.gz", "alpha content"})

	run, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, run.Outcome)
	require.Equal(t, 1, u.hits("alpha-1.0.tar.gz"))

	state := loadState(t, config)
	require.EqualValues(t, 110, state.CurrentSerial)
}

func TestSyncSerialRegression(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})

	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	_, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)

	// upstream restores from backup and reports an older serial
	u.setSerial(100)

	run, err := coord.Sync(ctx, nil, false)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConsistency)
	require.Equal(t, OutcomeAborted, run.Outcome)
	state := loadState(t, config)
	require.EqualValues(t, 105, state.CurrentSerial)

	// with the override configured the upstream value is adopted
	config.AllowMismatch = true
	run, err = coord.Sync(ctx, nil, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, run.Outcome)
	state = loadState(t, config)
	require.EqualValues(t, 100, state.CurrentSerial)
}

func TestSyncVanishedPackage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})
	// ghost appears in the listing but its metadata is gone
	u.setPackage("ghost", 104)
	u.mu.Lock()
	u.vanished["ghost"] = true
	u.mu.Unlock()

	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	run, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, run.Outcome)

	state := loadState(t, config)
	require.EqualValues(t, 105, state.CurrentSerial)
	_, err = os.Stat(filepath.Join(config.Directory, recordsPrefix, "ghost.json"))
	require.True(t, os.IsNotExist(err))
}

func TestCleanupLegacy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	b := coord.backend
	require.NoError(t, b.Put(ctx, "web/simple/Old.Name/index.html", strings.NewReader("x")))
	require.NoError(t, b.Put(ctx, "web/simple/old-name/index.html", strings.NewReader("x")))
	require.NoError(t, b.Put(ctx, "web/simple/Orphan_Pkg/index.html", strings.NewReader("x")))
	require.NoError(t, b.Put(ctx, "web/simple/good-name/index.html", strings.NewReader("x")))

	removed, err := coord.CleanupLegacy(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"web/simple/Old.Name"}, removed)

	ok, err := b.Exists(ctx, "web/simple/Old.Name/index.html")
	require.NoError(t, err)
	require.False(t, ok)
	// normalized twin and already-normalized directories stay
	ok, err = b.Exists(ctx, "web/simple/old-name/index.html")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Exists(ctx, "web/simple/good-name/index.html")
	require.NoError(t, err)
	require.True(t, ok)
	// a legacy directory without a normalized twin is kept
	ok, err = b.Exists(ctx, "web/simple/Orphan_Pkg/index.html")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyOperation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})

	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	_, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)

	report, err := coord.Verify(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Packages)
	require.Equal(t, 1, report.Files)
	require.Zero(t, report.Corrupt)

	// corrupt the blob in place
	digest := sha256Hex("alpha content")
	blob := filepath.Join(config.Directory, "web", "packages",
		digest[0:2], digest[2:4], "alpha-1.0.tar.gz")
	require.NoError(t, os.WriteFile(blob, []byte("Alpha content"), 0644))

	report, err = coord.Verify(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Corrupt)
	require.Equal(t, 1, report.Deleted)
	_, err = os.Stat(blob)
	require.True(t, os.IsNotExist(err))
}

func TestSyncMetadataOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})

	config := syncTestConfig(t, u)
	config.ReleaseFiles = false
	coord := newTestCoordinator(t, config)

	run, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, run.Outcome)

	// no artifact is fetched, the listing links upstream
	require.Zero(t, u.hits("alpha-1.0.tar.gz"))
	page, err := os.ReadFile(filepath.Join(config.Directory, "web", "simple", "alpha", "index.html"))
	require.NoError(t, err)
	require.Contains(t, string(page), u.srv.URL+"/files/alpha-1.0.tar.gz")
}

func TestSyncRepeatedRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	// pipeline shutdown must be clean on every run, not just most:
	// each iteration pushes a fresh file through download and verify
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("alpha-1.%d.tar.gz", i)
		u.setPackage("alpha", int64(100+i), fakeFile{name, "alpha content " + name})

		run, err := coord.Sync(ctx, nil, false)
		require.NoError(t, err)
		require.Equal(t, OutcomeSuccess, run.Outcome)
		require.Equal(t, StateDone, run.State)
		require.Empty(t, run.Errors)
	}

	state := loadState(t, config)
	require.EqualValues(t, 119, state.CurrentSerial)
}

func TestVerifyStatAfterSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})

	config := syncTestConfig(t, u)
	config.CompareMethod = CompareStat
	coord := newTestCoordinator(t, config)

	_, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)

	// the committed blob carries the declared upload time, so stat
	// re-verification of an untouched mirror finds nothing wrong
	digest := sha256Hex("alpha content")
	blob := filepath.Join(config.Directory, "web", "packages",
		digest[0:2], digest[2:4], "alpha-1.0.tar.gz")
	st, err := os.Stat(blob)
	require.NoError(t, err)
	want, err := time.Parse(time.RFC3339, fakeUploadTime)
	require.NoError(t, err)
	require.Equal(t, want.Unix(), st.ModTime().Unix())

	report, err := coord.Verify(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Files)
	require.Zero(t, report.Corrupt)

	// a touched blob is still caught
	require.NoError(t, os.Truncate(blob, 1))
	report, err = coord.Verify(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Corrupt)
}

func TestSyncForceCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})

	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	_, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)

	// without force an up-to-date mirror short-circuits
	run, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)
	require.False(t, run.FullScan)
	require.Zero(t, run.Packages)

	// force reconciles the full listing despite matching serials
	run, err = coord.Sync(ctx, nil, true)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, run.Outcome)
	require.True(t, run.FullScan)
}

func TestDeleteOperation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})
	u.setPackage("beta", 104, fakeFile{"beta-1.0.tar.gz", "beta content"})

	config := syncTestConfig(t, u)
	coord := newTestCoordinator(t, config)

	_, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)

	removed, err := coord.Delete(ctx, []string{"Alpha"})
	require.NoError(t, err)

	digest := sha256Hex("alpha content")
	blobPath := "web/packages/" + digest[0:2] + "/" + digest[2:4] + "/alpha-1.0.tar.gz"
	require.Contains(t, removed, blobPath)
	require.Contains(t, removed, "web/simple/alpha/index.html")
	require.Contains(t, removed, "web/json/alpha/index.json")

	// blobs, listing, metadata, and record are all gone
	for _, p := range []string{
		blobPath,
		"web/simple/alpha/index.html",
		"web/simple/alpha/index.json",
		"web/json/alpha/index.json",
	} {
		ok, err := coord.backend.Exists(ctx, p)
		require.NoError(t, err)
		require.False(t, ok, p)
	}
	_, err = os.Stat(filepath.Join(config.Directory, recordsPrefix, "alpha.json"))
	require.True(t, os.IsNotExist(err))

	// the sibling package is untouched
	ok, err := coord.backend.Exists(ctx, "web/simple/beta/index.html")
	require.NoError(t, err)
	require.True(t, ok)

	// the diff file lists exactly the removed paths
	diff, err := os.ReadFile(config.DiffFile)
	require.NoError(t, err)
	require.Contains(t, string(diff), blobPath)
	require.NotContains(t, string(diff), "beta")

	// deleting a package without a record is a no-op
	removed, err = coord.Delete(ctx, []string{"never-mirrored"})
	require.NoError(t, err)
	require.Empty(t, removed)
}

func TestSyncHashIndexLayout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	u := newFakeUpstream(t)
	u.setPackage("alpha", 105, fakeFile{"alpha-1.0.tar.gz", "alpha content"})

	config := syncTestConfig(t, u)
	config.HashIndex = true
	coord := newTestCoordinator(t, config)

	_, err := coord.Sync(ctx, nil, false)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(config.Directory, "web", "simple", "a", "alpha", "index.html"))
	require.NoError(t, err)
}
