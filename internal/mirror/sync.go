package mirror

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pkgmirror/pkgmirror/internal/pkgindex"
)

const lockFilename = ".lock"

// RunState is the coarse phase of a sync run.
type RunState int

// Run phases in execution order.
const (
	StateIdle RunState = iota
	StateFetchingSerial
	StateResolvingChangeset
	StateDownloading
	StateVerifying
	StateCommitting
	StateIndexing
	StateFinalizing
	StateDone
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingSerial:
		return "fetching-serial"
	case StateResolvingChangeset:
		return "resolving-changeset"
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateCommitting:
		return "committing"
	case StateIndexing:
		return "indexing"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome classifies a finished run.
type Outcome string

// Run outcomes.
const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial-failure"
	OutcomeAborted        Outcome = "aborted"
)

// RunError records one package- or file-scoped failure of a run.
type RunError struct {
	Package string
	File    string
	Message string
}

// SyncRun is the report of one coordinator run.
type SyncRun struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	State    RunState
	Outcome  Outcome

	TargetSerial int64
	FullScan     bool
	Packages     int
	ChangedPaths []string
	Errors       []RunError
}

// packageWork accumulates per-package pipeline results.  The map of
// these is written by the producer and the collector under the
// coordinator mutex; the commit phase reads it single-threaded.
type packageWork struct {
	name     string
	serial   int64
	meta     *PackageMetadata
	vanished bool
	expected int
	results  []*VerifyResult
	reused   []RecordFile
	errs     []error

	rec *PackageRecord // set once committed
}

func (w *packageWork) failed() bool {
	if len(w.errs) > 0 {
		return true
	}
	// a result for every submitted file, or the pipeline lost some
	if len(w.results) != w.expected {
		return true
	}
	for _, r := range w.results {
		if r.Status != StatusVerified {
			return true
		}
	}
	return false
}

// Coordinator drives a sync run end to end: serial reconciliation,
// changeset resolution, the download and verify pools, the sequential
// commit and index phases, and state finalization.
//
// It is the only writer of MirrorState.  Content reaches the tree in
// commit order (artifacts, then the package record, then listing
// pages), so a reader following a listing link never misses the blob
// behind it.
type Coordinator struct {
	config  *Config
	backend Backend
	master  *Master
	tracker *Tracker
	index   *IndexGenerator
	diff    *DiffWriter
	quiet   bool

	mu      sync.Mutex
	work    map[string]*packageWork
	stopped atomic.Bool
}

// NewBackend constructs the storage backend named by the
// configuration.
func NewBackend(ctx context.Context, config *Config) (Backend, error) {
	switch config.StorageBackend {
	case BackendS3:
		return NewS3Backend(ctx, &config.S3)
	default:
		return NewFSBackend(config.Directory)
	}
}

// NewCoordinator builds a Coordinator and its collaborators from a
// validated configuration.
func NewCoordinator(ctx context.Context, config *Config, quiet bool) (*Coordinator, error) {
	backend, err := NewBackend(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		config:  config,
		backend: backend,
		master:  NewMaster(config),
		tracker: NewTracker(backend),
		index:   NewIndexGenerator(config, backend),
		diff:    NewDiffWriter(config.DiffFile, config.DiffAppendEpoch),
		quiet:   quiet,
	}, nil
}

// Close releases the coordinator's backend.
func (c *Coordinator) Close() error {
	return c.backend.Close()
}

// lock serializes runs against the same mirror directory.
func (c *Coordinator) lock() (*Flock, error) {
	if err := os.MkdirAll(c.config.Directory, 0750); err != nil {
		return nil, markStorage(errors.Wrap(err, "lock"))
	}
	f, err := os.OpenFile(filepath.Join(c.config.Directory, lockFilename),
		os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, markStorage(errors.Wrap(err, "lock"))
	}
	fl := &Flock{f}
	if err := fl.Lock(); err != nil {
		f.Close()
		return nil, markStorage(errors.Wrap(err, "lock"))
	}
	return fl, nil
}

// Sync performs one run.  explicit, when non-empty, restricts the run
// to the named packages and leaves the serial counters untouched.
// forceCheck skips the changelog and reconciles the complete upstream
// listing against local records even when the serials say the mirror
// is current.
//
// The returned SyncRun is always populated, also on error.
func (c *Coordinator) Sync(ctx context.Context, explicit []string, forceCheck bool) (*SyncRun, error) {
	run := &SyncRun{
		RunID:   time.Now().UTC().Format(timestampFormat),
		Started: time.Now().UTC(),
		State:   StateIdle,
	}
	c.work = make(map[string]*packageWork)
	c.stopped.Store(false)

	fl, err := c.lock()
	if err != nil {
		return c.fail(run, err)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			slog.Warn("failed to release run lock", "error", err)
		}
		fl.Close()
	}()

	run.State = StateFetchingSerial
	if err := c.tracker.Load(ctx); err != nil {
		return c.fail(run, err)
	}
	local := c.tracker.State().CurrentSerial

	upstream, err := c.master.LastSerial(ctx)
	if err != nil {
		return c.fail(run, err)
	}

	target, usedOverride, err := c.tracker.Reconcile(local, upstream, c.config.AllowMismatch)
	if err != nil {
		return c.fail(run, err)
	}
	run.TargetSerial = target
	slog.Info("serial reconciled", "local", local, "upstream", upstream, "target", target)

	if len(explicit) == 0 && !forceCheck && target == local &&
		len(c.tracker.State().Pending) == 0 && !usedOverride {
		slog.Info("mirror is up to date", "serial", local)
		return c.finish(run, nil, nil, OutcomeSuccess)
	}

	run.State = StateResolvingChangeset
	var changeset map[string]int64
	resolver := NewResolver(c.master, c.tracker)
	if len(explicit) > 0 {
		changeset = resolver.ResolveExplicit(explicit)
	} else {
		changeset, run.FullScan, err = resolver.Resolve(ctx, local, target, forceCheck)
		if err != nil {
			return c.fail(run, err)
		}
		state := c.tracker.State()
		MergePending(changeset, &state)
	}
	run.Packages = len(changeset)
	slog.Info("changeset resolved", "packages", len(changeset), "full_scan", run.FullScan)

	if len(changeset) == 0 {
		return c.advance(ctx, run, target, usedOverride, len(explicit) > 0, nil)
	}

	run.State = StateDownloading
	if err := c.runPipeline(ctx, changeset); err != nil {
		c.discardStaging()
		return c.fail(run, err)
	}
	run.State = StateVerifying

	if c.stopped.Load() {
		// stop-on-error or a fatal pipeline failure: nothing commits
		c.discardStaging()
		return c.fail(run, errors.New("run stopped before commit"))
	}

	run.State = StateCommitting
	var changed []string
	committed := make(map[string]struct{})
	for _, name := range sortedWorkNames(c.work) {
		select {
		case <-ctx.Done():
			c.discardStaging()
			return c.fail(run, ctx.Err())
		default:
		}
		w := c.work[name]
		if w.vanished {
			continue
		}
		if w.failed() {
			c.reportWork(run, w)
			c.discardWork(w)
			continue
		}
		paths, err := c.commit(ctx, w)
		if err != nil {
			// storage failures poison the whole run
			c.discardStaging()
			return c.fail(run, err)
		}
		changed = append(changed, paths...)
		committed[name] = struct{}{}
	}

	run.State = StateIndexing
	for name := range committed {
		w := c.work[name]
		var raw []byte
		if w.meta != nil {
			raw = w.meta.Raw()
		}
		paths, err := c.index.Generate(ctx, w.rec, raw)
		if err != nil {
			return c.fail(run, err)
		}
		changed = append(changed, paths...)
	}

	return c.advance(ctx, run, target, usedOverride, len(explicit) > 0, changed)
}

// advance finalizes a run: serial bookkeeping, pending persistence,
// the optional legacy cleanup, and the diff file.
func (c *Coordinator) advance(ctx context.Context, run *SyncRun, target int64, usedOverride, explicit bool, changed []string) (*SyncRun, error) {
	run.State = StateFinalizing

	state := c.tracker.State()
	pending := state.PendingSet()
	excluded := 0
	for name, w := range c.work {
		switch {
		case w.vanished:
			delete(pending, name)
		case w.failed():
			pending[name] = struct{}{}
			excluded++
		default:
			delete(pending, name)
		}
	}
	state.SetPending(pending)

	switch {
	case explicit:
		// targeted runs never move the consistency counter
	case excluded == 0 || usedOverride:
		state.CurrentSerial = target
	default:
		slog.Warn("holding serial, some packages are excluded",
			"serial", state.CurrentSerial, "target", target, "excluded", excluded)
	}
	state.TargetSerial = target
	state.LastSync = time.Now().UTC()
	c.tracker.SetState(state)
	if err := c.tracker.Save(ctx); err != nil {
		return c.fail(run, err)
	}

	if c.config.Cleanup {
		removed, err := c.CleanupLegacy(ctx)
		if err != nil {
			return c.fail(run, err)
		}
		changed = append(changed, removed...)
	}

	outcome := OutcomeSuccess
	if excluded > 0 {
		outcome = OutcomePartialFailure
	}
	return c.finish(run, changed, nil, outcome)
}

// finish seals a run report and writes the diff file.
func (c *Coordinator) finish(run *SyncRun, changed []string, err error, outcome Outcome) (*SyncRun, error) {
	if diffErr := c.diff.Record(changed, run.Started.Unix()); diffErr != nil {
		if err == nil {
			err = diffErr
			outcome = OutcomeAborted
		}
	}

	run.ChangedPaths = changed
	run.Outcome = outcome
	run.Finished = time.Now().UTC()
	if outcome == OutcomeAborted {
		run.State = StateFailed
	} else {
		run.State = StateDone
	}

	slog.Info("run finished", "run_id", run.RunID, "outcome", run.Outcome,
		"state", run.State.String(), "packages", run.Packages,
		"changed_paths", len(run.ChangedPaths), "errors", len(run.Errors),
		"duration", run.Finished.Sub(run.Started))
	return run, err
}

func (c *Coordinator) fail(run *SyncRun, err error) (*SyncRun, error) {
	c.collectErrors(run)
	run.Outcome = OutcomeAborted
	run.State = StateFailed
	run.Finished = time.Now().UTC()
	slog.Error("run failed", "run_id", run.RunID, "state", run.State.String(), "error", err)
	return run, err
}

// runPipeline wires the producer, the download pool, the verify pool,
// and the collector, then waits for all of them to drain.
func (c *Coordinator) runPipeline(ctx context.Context, changeset map[string]int64) error {
	verifyQueue := make(chan *DownloadResult, c.config.Verifiers*2)
	results := make(chan *VerifyResult, c.config.Workers)

	var bar *pb.ProgressBar
	if !c.quiet {
		bar = pb.New(0)
		bar.Start()
		defer bar.Finish()
	}

	dl := NewDownloader(c.config, c.backend, verifyQueue, bar)
	ver := NewVerifier(c.config, verifyQueue, results)

	collectDone := make(chan struct{})
	go c.collect(results, collectDone)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(verifyQueue)
		return dl.Run(gctx)
	})
	g.Go(func() error {
		return c.produce(gctx, dl, bar, changeset)
	})
	// The verifier runs on the parent context, not the group's: the
	// group context is canceled as soon as g.Wait returns, which would
	// tear down verifier workers that still hold queued results.  The
	// verifier's shutdown comes from the verify queue closing.
	verErr := make(chan error, 1)
	go func() {
		defer close(results)
		verErr <- ver.Run(ctx)
	}()

	err := g.Wait()
	if vErr := <-verErr; err == nil {
		err = vErr
	}
	<-collectDone
	return err
}

// produce walks the changeset in name order, fetches metadata, applies
// the reuse check against committed records, and submits the remaining
// files to the download pool.
func (c *Coordinator) produce(ctx context.Context, dl *Downloader, bar *pb.ProgressBar, changeset map[string]int64) error {
	defer dl.CloseJobs()

	names := make([]string, 0, len(changeset))
	for name := range changeset {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if c.stopped.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		serial := changeset[name]
		w := &packageWork{name: name, serial: serial}
		c.mu.Lock()
		c.work[name] = w
		c.mu.Unlock()

		meta, err := c.master.PackageMetadata(ctx, name, serial)
		switch {
		case errors.Is(err, ErrNotFound):
			slog.Warn("package vanished upstream, skipping", "package", name)
			c.mu.Lock()
			w.vanished = true
			c.mu.Unlock()
			continue
		case err != nil:
			if isFatal(err) {
				c.stopped.Store(true)
				return err
			}
			slog.Error("metadata fetch failed", "package", name, "error", err)
			c.mu.Lock()
			w.errs = append(w.errs, err)
			c.mu.Unlock()
			if c.config.StopOnError {
				c.stopped.Store(true)
				return nil
			}
			continue
		}
		c.mu.Lock()
		w.meta = meta
		c.mu.Unlock()

		if !c.config.ReleaseFiles {
			continue
		}

		committed, err := c.tracker.LoadRecord(ctx, name)
		if err != nil {
			return err
		}

		for _, fm := range releaseFilesOf(meta) {
			declared, err := pkgindex.MakeFileInfo(fm.Filename, fm.Size, fm.Digests.SHA256)
			if err != nil {
				slog.Warn("malformed digest in metadata, skipping checksum",
					"package", name, "file", fm.Filename, "error", err)
				declared = pkgindex.MakeFileInfoNoChecksum(fm.Filename, fm.Size)
			} else if !declared.HasChecksum() {
				slog.Debug("no upstream digest declared",
					"package", name, "file", fm.Filename)
			}
			blob := declared.BlobPath()

			if rf := reusable(ctx, c.backend, committed, fm, blob); rf != nil {
				c.mu.Lock()
				w.reused = append(w.reused, *rf)
				c.mu.Unlock()
				slog.Debug("reusing committed file", "package", name, "file", fm.Filename)
				continue
			}

			job := &ReleaseFile{
				Package:   name,
				Filename:  fm.Filename,
				SourceURL: fm.URL,
				BlobPath:  blob,
				MTime:     fm.UploadTime,
				Declared:  declared,
			}
			c.mu.Lock()
			w.expected++
			c.mu.Unlock()
			if bar != nil {
				bar.SetTotal(bar.Total() + 1)
			}
			if err := dl.Submit(ctx, job); err != nil {
				return err
			}
		}
	}
	return nil
}

// releaseFilesOf flattens the per-release file lists into one slice,
// deduplicated by filename.
func releaseFilesOf(meta *PackageMetadata) []ReleaseFileMeta {
	var files []ReleaseFileMeta
	seen := make(map[string]struct{})
	versions := make([]string, 0, len(meta.Releases))
	for v := range meta.Releases {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	for _, v := range versions {
		for _, fm := range meta.Releases[v] {
			if _, ok := seen[fm.Filename]; ok {
				continue
			}
			seen[fm.Filename] = struct{}{}
			files = append(files, fm)
		}
	}
	return files
}

// reusable returns the committed record entry for fm when the declared
// size and digest still match and the blob is present, else nil.
func reusable(ctx context.Context, backend Backend, committed *PackageRecord, fm ReleaseFileMeta, blob string) *RecordFile {
	if committed == nil {
		return nil
	}
	rf := committed.FileByName(fm.Filename)
	if rf == nil || rf.BlobPath != blob || rf.Size != fm.Size {
		return nil
	}
	if fm.Digests.SHA256 != "" && rf.SHA256 != fm.Digests.SHA256 {
		return nil
	}
	ok, err := backend.Exists(ctx, path.Join(webPrefix, blob))
	if err != nil || !ok {
		return nil
	}
	return rf
}

// collect drains verify results into the work map.  It runs until the
// results channel closes.
func (c *Coordinator) collect(results <-chan *VerifyResult, done chan<- struct{}) {
	defer close(done)
	for r := range results {
		c.mu.Lock()
		w := c.work[r.File.Package]
		w.results = append(w.results, r)
		c.mu.Unlock()

		if r.Status == StatusFailed {
			slog.Error("file failed", "package", r.File.Package,
				"file", r.File.Filename, "error", r.Err)
			if c.config.StopOnError || isFatal(r.Err) {
				c.stopped.Store(true)
			}
		}
	}
}

// commit promotes a package's staged files, writes its record, and
// remembers the record for the index phase.  The record is written
// only after every blob is in place.
func (c *Coordinator) commit(ctx context.Context, w *packageWork) ([]string, error) {
	var changed []string
	files := make([]RecordFile, 0, len(w.reused)+len(w.results))
	files = append(files, w.reused...)

	for _, r := range w.results {
		if r.Reused {
			continue
		}
		// give the blob the declared upload time so stat re-verification
		// has a stable reference instead of the download time
		if !r.File.MTime.IsZero() {
			if err := os.Chtimes(r.TempName, r.File.MTime, r.File.MTime); err != nil {
				return nil, markStorage(errors.Wrap(err, "commit: "+w.name))
			}
		}
		dst := path.Join(webPrefix, r.File.BlobPath)
		if err := c.backend.PutFile(ctx, dst, r.TempName); err != nil {
			return nil, markStorage(errors.Wrap(err, "commit: "+w.name))
		}
		changed = append(changed, dst)
		files = append(files, RecordFile{
			Filename: r.File.Filename,
			URL:      r.File.SourceURL,
			BlobPath: r.File.BlobPath,
			Size:     r.Actual.Size(),
			SHA256:   r.Actual.SHA256(),
			MTime:    r.File.MTime,
		})
	}

	if !c.config.ReleaseFiles && w.meta != nil {
		// metadata-only: record upstream locations, no blobs
		for _, fm := range releaseFilesOf(w.meta) {
			files = append(files, RecordFile{
				Filename: fm.Filename,
				URL:      fm.URL,
				Size:     fm.Size,
				SHA256:   fm.Digests.SHA256,
				MTime:    fm.UploadTime,
			})
		}
	}

	serial := w.serial
	if w.meta != nil && w.meta.LastSerial > serial {
		serial = w.meta.LastSerial
	}
	w.rec = &PackageRecord{
		NormalizedName: w.name,
		Serial:         serial,
		Files:          files,
	}
	if err := c.tracker.SaveRecord(ctx, w.rec); err != nil {
		return nil, err
	}
	slog.Info("package committed", "package", w.name, "serial", serial,
		"files", len(files), "new", len(changed))
	return changed, nil
}

// reportWork copies a failed package's errors into the run report.
func (c *Coordinator) reportWork(run *SyncRun, w *packageWork) {
	for _, err := range w.errs {
		run.Errors = append(run.Errors, RunError{
			Package: w.name,
			Message: err.Error(),
		})
	}
	for _, r := range w.results {
		if r.Status != StatusVerified && r.Err != nil {
			run.Errors = append(run.Errors, RunError{
				Package: w.name,
				File:    r.File.Filename,
				Message: r.Err.Error(),
			})
		}
	}
}

func (c *Coordinator) collectErrors(run *SyncRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range sortedWorkNames(c.work) {
		if w := c.work[name]; w.failed() {
			c.reportWork(run, w)
		}
	}
}

// discardWork removes a failed package's staged files.
func (c *Coordinator) discardWork(w *packageWork) {
	for _, r := range w.results {
		if r.TempName != "" {
			os.Remove(r.TempName)
		}
	}
}

// discardStaging removes all staged files of the run.
func (c *Coordinator) discardStaging() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.work {
		c.discardWork(w)
	}
}

func sortedWorkNames(work map[string]*packageWork) []string {
	names := make([]string, 0, len(work))
	for name := range work {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CleanupLegacy removes listing directories whose names violate the
// normalization rules, left behind by older layouts that mirrored raw
// upstream names.  A legacy directory is deleted only when its
// normalized twin already exists, so cleanup never leaves a package
// without any listing.  It returns the tree paths it removed.
func (c *Coordinator) CleanupLegacy(ctx context.Context) ([]string, error) {
	simplePrefix := path.Join(webPrefix, "simple")
	paths, err := c.backend.List(ctx, simplePrefix)
	if err != nil {
		return nil, errors.Wrap(err, "CleanupLegacy")
	}

	legacyDirs := make(map[string][]string)
	legacyNames := make(map[string]string)
	for _, p := range paths {
		rel := strings.TrimPrefix(p, simplePrefix+"/")
		segments := strings.Split(rel, "/")
		if len(segments) < 2 {
			continue
		}
		name := segments[0]
		dir := path.Join(simplePrefix, name)
		// a single-rune segment is a hash-index shard, not a package
		if len([]rune(name)) == 1 && len(segments) > 2 {
			name = segments[1]
			dir = path.Join(simplePrefix, segments[0], name)
		}
		if pkgindex.IsNormalized(name) {
			continue
		}
		legacyDirs[dir] = append(legacyDirs[dir], p)
		legacyNames[dir] = name
	}

	removed := make([]string, 0, len(legacyDirs))
	for dir, files := range legacyDirs {
		twin := path.Join(c.index.SimpleDir(pkgindex.Normalize(legacyNames[dir])), "index.html")
		ok, err := c.backend.Exists(ctx, twin)
		if err != nil {
			return nil, errors.Wrap(err, "CleanupLegacy: "+twin)
		}
		if !ok {
			slog.Warn("keeping legacy listing directory, normalized listing missing",
				"path", dir, "want", twin)
			continue
		}
		slog.Info("removing legacy listing directory", "path", dir, "files", len(files))
		// object stores have no directories, so remove file by file
		for _, p := range files {
			if err := c.backend.Delete(ctx, p); err != nil {
				return nil, errors.Wrap(err, "CleanupLegacy: "+p)
			}
		}
		if err := c.backend.Delete(ctx, dir); err != nil {
			return nil, errors.Wrap(err, "CleanupLegacy: "+dir)
		}
		removed = append(removed, dir)
	}
	sort.Strings(removed)
	return removed, nil
}

// Delete removes packages from the mirror: release blobs, listing
// pages, the mirrored metadata document, and the committed record.
// Removed tree paths are written to the diff file so offline-sync
// tooling can propagate the removal.  Names without a committed record
// are skipped.
func (c *Coordinator) Delete(ctx context.Context, names []string) ([]string, error) {
	fl, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			slog.Warn("failed to release run lock", "error", err)
		}
		fl.Close()
	}()

	if err := c.tracker.Load(ctx); err != nil {
		return nil, err
	}

	var removed []string
	trackerState := c.tracker.State()
	pending := trackerState.PendingSet()
	stateDirty := false
	for _, raw := range names {
		name := pkgindex.Normalize(raw)
		if _, ok := pending[name]; ok {
			delete(pending, name)
			stateDirty = true
		}

		rec, err := c.tracker.LoadRecord(ctx, name)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			slog.Warn("no committed record, skipping", "package", name)
			continue
		}

		var paths []string
		for _, rf := range rec.Files {
			if rf.BlobPath == "" {
				continue
			}
			paths = append(paths, path.Join(webPrefix, rf.BlobPath))
		}
		listing, err := c.backend.List(ctx, c.index.SimpleDir(name))
		if err != nil {
			return nil, err
		}
		paths = append(paths, listing...)
		metaPath := c.index.MetadataPath(name)
		if ok, err := c.backend.Exists(ctx, metaPath); err != nil {
			return nil, err
		} else if ok {
			paths = append(paths, metaPath)
		}

		for _, p := range paths {
			if err := c.backend.Delete(ctx, p); err != nil {
				return nil, err
			}
		}
		// directory entries, for backends that have them
		for _, dir := range []string{c.index.SimpleDir(name), path.Dir(metaPath)} {
			if err := c.backend.Delete(ctx, dir); err != nil {
				return nil, err
			}
		}
		if err := c.tracker.DeleteRecord(ctx, name); err != nil {
			return nil, err
		}

		removed = append(removed, paths...)
		slog.Info("package deleted", "package", name, "paths", len(paths))
	}

	if stateDirty {
		state := c.tracker.State()
		state.SetPending(pending)
		c.tracker.SetState(state)
		if err := c.tracker.Save(ctx); err != nil {
			return nil, err
		}
	}

	sort.Strings(removed)
	if err := c.diff.Record(removed, time.Now().Unix()); err != nil {
		return nil, err
	}
	return removed, nil
}

// VerifyReport summarizes a verify operation.
type VerifyReport struct {
	Packages int
	Files    int
	Corrupt  int
	Deleted  int
	Problems []RunError
}

// Verify re-checks every committed record file against the stored
// content using the configured comparison method.  With deleteBad the
// offending blob is removed so the next sync re-fetches it.
func (c *Coordinator) Verify(ctx context.Context, deleteBad bool) (*VerifyReport, error) {
	if err := c.tracker.Load(ctx); err != nil {
		return nil, err
	}

	serials, err := c.tracker.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(serials))
	for name := range serials {
		names = append(names, name)
	}
	sort.Strings(names)

	report := &VerifyReport{Packages: len(names)}
	for _, name := range names {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		rec, err := c.tracker.LoadRecord(ctx, name)
		if err != nil {
			return report, err
		}
		if rec == nil {
			continue
		}

		for i := range rec.Files {
			rf := rec.Files[i]
			if rf.BlobPath == "" {
				continue
			}
			report.Files++

			checked := rf
			checked.BlobPath = path.Join(webPrefix, rf.BlobPath)
			if err := VerifyCommitted(ctx, c.config, c.backend, &checked); err != nil {
				report.Corrupt++
				report.Problems = append(report.Problems, RunError{
					Package: name,
					File:    rf.Filename,
					Message: err.Error(),
				})
				slog.Error("verification failed", "package", name,
					"file", rf.Filename, "error", err)

				if deleteBad {
					if err := c.backend.Delete(ctx, checked.BlobPath); err != nil {
						return report, err
					}
					report.Deleted++
				}
			}
		}
	}

	slog.Info("verify finished", "packages", report.Packages,
		"files", report.Files, "corrupt", report.Corrupt, "deleted", report.Deleted)
	return report, nil
}
