package mirror

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/pkgmirror/pkgmirror/internal/pkgindex"
)

// Resolver computes the minimal changeset for a run: the set of
// normalized package names (with their upstream serials) that need a
// refresh between two serials.
type Resolver struct {
	master  *Master
	tracker *Tracker
}

// NewResolver constructs a Resolver.
func NewResolver(master *Master, tracker *Tracker) *Resolver {
	return &Resolver{
		master:  master,
		tracker: tracker,
	}
}

// Resolve returns the changeset for the serial range (from, to].
//
// The normal path asks upstream for the changelog of the range and
// deduplicates the touched names.  When the changelog cannot serve the
// range (local serial zero, endpoint unavailable, range refused), or
// when force requests a full re-check, it falls back to enumerating
// the complete upstream listing and diffing against local record
// serials.  fullScan reports which path was taken.
func (r *Resolver) Resolve(ctx context.Context, from, to int64, force bool) (changeset map[string]int64, fullScan bool, err error) {
	if from > 0 && !force {
		changeset, err = r.master.ChangedPackages(ctx, from)
		switch {
		case err == nil:
			slog.Info("resolved changeset from changelog",
				"from", from, "to", to, "packages", len(changeset))
			return changeset, false, nil
		case errors.Is(err, errChangelogUnavailable):
			slog.Warn("changelog unavailable, falling back to full reconciliation",
				"from", from, "error", err)
		default:
			return nil, false, errors.Wrap(err, "Resolve")
		}
	}

	changeset, err = r.fullScan(ctx)
	if err != nil {
		return nil, true, errors.Wrap(err, "Resolve")
	}
	slog.Info("resolved changeset from full listing", "to", to, "packages", len(changeset))
	return changeset, true, nil
}

// fullScan diffs the complete upstream listing against local records.
func (r *Resolver) fullScan(ctx context.Context) (map[string]int64, error) {
	upstream, err := r.master.AllPackages(ctx)
	if err != nil {
		return nil, err
	}

	local, err := r.tracker.ListRecords(ctx)
	if err != nil {
		return nil, err
	}

	changeset := make(map[string]int64)
	for name, serial := range upstream {
		if localSerial, ok := local[name]; ok && localSerial >= serial {
			continue
		}
		changeset[name] = serial
	}
	return changeset, nil
}

// ResolveExplicit builds a changeset for an operator-supplied package
// list, bypassing the changelog.  Names are normalized and deduped.
// Entries carry serial zero: the packages' own serials are unknown, so
// the stale-page guard stays disabled for them.
func (r *Resolver) ResolveExplicit(names []string) map[string]int64 {
	changeset := make(map[string]int64, len(names))
	for _, name := range names {
		changeset[pkgindex.Normalize(name)] = 0
	}
	return changeset
}

// MergePending folds the previous run's pending packages into a
// changeset, so nothing stays stuck behind a quiet upstream.  Merged
// entries carry serial zero for the same reason as explicit ones.
func MergePending(changeset map[string]int64, state *MirrorState) {
	for _, name := range state.Pending {
		if _, ok := changeset[name]; !ok {
			changeset[name] = 0
		}
	}
}
