package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackerLoadMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := NewTracker(newTestBackend(t))

	require.NoError(t, tr.Load(ctx))
	require.Equal(t, MirrorState{}, tr.State())
}

func TestTrackerRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newTestBackend(t)
	tr := NewTracker(b)

	state := MirrorState{
		CurrentSerial: 100,
		TargetSerial:  105,
		LastSync:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Pending:       []string{"beta"},
	}
	tr.SetState(state)
	require.NoError(t, tr.Save(ctx))

	tr2 := NewTracker(b)
	require.NoError(t, tr2.Load(ctx))
	require.Equal(t, state, tr2.State())
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	tr := NewTracker(newTestBackend(t))

	serial, override, err := tr.Reconcile(100, 105, false)
	require.NoError(t, err)
	require.False(t, override)
	require.EqualValues(t, 105, serial)

	serial, override, err = tr.Reconcile(100, 100, false)
	require.NoError(t, err)
	require.False(t, override)
	require.EqualValues(t, 100, serial)

	// upstream behind local is a consistency failure
	_, _, err = tr.Reconcile(105, 100, false)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConsistency)

	// unless the override is configured
	serial, override, err = tr.Reconcile(105, 100, true)
	require.NoError(t, err)
	require.True(t, override)
	require.EqualValues(t, 100, serial)
}

func TestPackageRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := NewTracker(newTestBackend(t))

	rec, err := tr.LoadRecord(ctx, "django")
	require.NoError(t, err)
	require.Nil(t, rec)

	saved := &PackageRecord{
		NormalizedName: "django",
		Serial:         42,
		Files: []RecordFile{
			{
				Filename: "django-5.0.tar.gz",
				URL:      "https://files.example.org/django-5.0.tar.gz",
				BlobPath: "packages/ab/cd/django-5.0.tar.gz",
				Size:     1024,
				SHA256:   "abcd",
			},
		},
	}
	require.NoError(t, tr.SaveRecord(ctx, saved))

	rec, err = tr.LoadRecord(ctx, "django")
	require.NoError(t, err)
	require.Equal(t, saved, rec)
	require.NotNil(t, rec.FileByName("django-5.0.tar.gz"))
	require.Nil(t, rec.FileByName("django-4.0.tar.gz"))

	require.NoError(t, tr.SaveRecord(ctx, &PackageRecord{NormalizedName: "flask", Serial: 7}))

	serials, err := tr.ListRecords(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"django": 42, "flask": 7}, serials)

	require.NoError(t, tr.DeleteRecord(ctx, "flask"))
	serials, err = tr.ListRecords(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"django": 42}, serials)
}

func TestPendingSet(t *testing.T) {
	t.Parallel()

	state := MirrorState{Pending: []string{"beta", "alpha"}}
	set := state.PendingSet()
	require.Len(t, set, 2)

	set["gamma"] = struct{}{}
	delete(set, "beta")
	state.SetPending(set)
	require.Equal(t, []string{"alpha", "gamma"}, state.Pending)

	// replacing the list must not write through previously handed-out
	// slices
	before := state.Pending
	set["delta"] = struct{}{}
	state.SetPending(set)
	require.Equal(t, []string{"alpha", "delta", "gamma"}, state.Pending)
	require.Equal(t, []string{"alpha", "gamma"}, before)
}
