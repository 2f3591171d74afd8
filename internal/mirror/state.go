package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pkgmirror/pkgmirror/internal/pkgindex"
)

const (
	statusPath    = "status.json"
	recordsPrefix = ".records"
)

// MirrorState is the persistent freshness record of the mirror.
//
// It is owned exclusively by the sync coordinator and written
// atomically through the storage backend at the end of a run.
// CurrentSerial is monotonically non-decreasing across successful runs
// unless the serial-mismatch override forces it to the upstream value.
type MirrorState struct {
	CurrentSerial int64     `json:"current_serial"`
	TargetSerial  int64     `json:"target_serial"`
	LastSync      time.Time `json:"last_sync"`
	Pending       []string  `json:"pending_packages,omitempty"`
}

// PendingSet returns the pending packages as a set.
func (s *MirrorState) PendingSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Pending))
	for _, name := range s.Pending {
		set[name] = struct{}{}
	}
	return set
}

// SetPending replaces the pending package list from a set.  A fresh
// slice is allocated so copies of the state holding the old list are
// not written through.
func (s *MirrorState) SetPending(set map[string]struct{}) {
	pending := make([]string, 0, len(set))
	for name := range set {
		pending = append(pending, name)
	}
	sort.Strings(pending)
	s.Pending = pending
}

// RecordFile is one committed release file of a package record.
type RecordFile struct {
	Filename string    `json:"filename"`
	URL      string    `json:"url"`
	BlobPath string    `json:"blob_path,omitempty"`
	Size     uint64    `json:"size"`
	SHA256   string    `json:"sha256,omitempty"`
	MTime    time.Time `json:"mtime,omitempty"`
}

// PackageRecord is the committed local view of one package.
//
// Records are created when a package is first seen in a changeset,
// replaced wholesale on every commit, and removed only by the legacy
// cleanup operation.
type PackageRecord struct {
	NormalizedName string       `json:"name"`
	Serial         int64        `json:"serial"`
	Files          []RecordFile `json:"files"`
}

// FileByName returns the record entry for filename, or nil.
func (r *PackageRecord) FileByName(filename string) *RecordFile {
	for i := range r.Files {
		if r.Files[i].Filename == filename {
			return &r.Files[i]
		}
	}
	return nil
}

// Tracker owns the serial counters and the per-package record
// catalog, both persisted as JSON documents through the storage
// backend (the same shape as an info catalog, one document per
// package to keep commits package-scoped).
type Tracker struct {
	backend Backend
	state   MirrorState
}

// NewTracker constructs a Tracker over the given backend.
func NewTracker(backend Backend) *Tracker {
	return &Tracker{backend: backend}
}

// Load reads the persisted MirrorState.  A missing status document
// yields the zero state, which forces a full reconciliation.
func (t *Tracker) Load(ctx context.Context) error {
	rc, err := t.backend.Get(ctx, statusPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("no status file found, full sync will occur")
		t.state = MirrorState{}
		return nil
	case err != nil:
		return errors.Wrap(err, "Tracker.Load")
	}
	defer func() {
		if err := rc.Close(); err != nil {
			slog.Warn("failed to close status file", "error", err)
		}
	}()

	var state MirrorState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return markStorage(errors.Wrap(err, "Tracker.Load: "+statusPath))
	}
	t.state = state
	return nil
}

// Save persists the MirrorState atomically.
func (t *Tracker) Save(ctx context.Context) error {
	data, err := json.Marshal(&t.state)
	if err != nil {
		return errors.Wrap(err, "Tracker.Save")
	}
	if err := t.backend.Put(ctx, statusPath, bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "Tracker.Save")
	}
	return nil
}

// State returns a copy of the current state.
func (t *Tracker) State() MirrorState {
	return t.state
}

// SetState replaces the state.  Only the sync coordinator calls this.
func (t *Tracker) SetState(state MirrorState) {
	t.state = state
}

// Reconcile applies the serial policy to a local/upstream pair.
//
// Equal serials mean no work.  A local serial below upstream takes the
// normal incremental path.  An upstream serial below local is a
// regression: fatal unless allowOverride is set, in which case the
// upstream value is adopted unconditionally and the degraded
// consistency is logged.
func (t *Tracker) Reconcile(local, upstream int64, allowOverride bool) (serial int64, usedOverride bool, err error) {
	switch {
	case local == upstream:
		return upstream, false, nil
	case local < upstream:
		return upstream, false, nil
	case allowOverride:
		slog.Warn("upstream serial is behind local serial, overriding",
			"local", local, "upstream", upstream)
		return upstream, true, nil
	default:
		return 0, false, markConsistency(errors.Newf(
			"upstream serial %d is behind local serial %d", upstream, local))
	}
}

func recordPath(normalized string) string {
	return path.Join(recordsPrefix, normalized+".json")
}

// LoadRecord reads the committed record for a normalized package name.
// A missing record returns (nil, nil).
func (t *Tracker) LoadRecord(ctx context.Context, normalized string) (*PackageRecord, error) {
	rc, err := t.backend.Get(ctx, recordPath(normalized))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, errors.Wrap(err, "Tracker.LoadRecord: "+normalized)
	}
	defer func() {
		if err := rc.Close(); err != nil {
			slog.Warn("failed to close record file", "package", normalized, "error", err)
		}
	}()

	var rec PackageRecord
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return nil, markStorage(errors.Wrap(err, "Tracker.LoadRecord: "+normalized))
	}
	return &rec, nil
}

// SaveRecord persists a package record atomically.
func (t *Tracker) SaveRecord(ctx context.Context, rec *PackageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "Tracker.SaveRecord: "+rec.NormalizedName)
	}
	return t.backend.Put(ctx, recordPath(rec.NormalizedName), bytes.NewReader(data))
}

// DeleteRecord removes a package record.  Used only by the cleanup
// and delete operations.
func (t *Tracker) DeleteRecord(ctx context.Context, normalized string) error {
	return t.backend.Delete(ctx, recordPath(normalized))
}

// ListRecords enumerates all committed package names with their
// serials.  Used by full reconciliation and the verify operation.
func (t *Tracker) ListRecords(ctx context.Context) (map[string]int64, error) {
	paths, err := t.backend.List(ctx, recordsPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "Tracker.ListRecords")
	}

	serials := make(map[string]int64, len(paths))
	for _, p := range paths {
		base := path.Base(p)
		if path.Ext(base) != ".json" {
			continue
		}
		name := base[:len(base)-len(".json")]
		if !pkgindex.IsNormalized(name) {
			continue
		}
		rec, err := t.LoadRecord(ctx, name)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			serials[name] = rec.Serial
		}
	}
	return serials, nil
}

