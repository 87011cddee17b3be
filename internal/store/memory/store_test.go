package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sourcewatch/internal/poller"
)

func point(sourceID, id string, at time.Time) poller.DataPoint {
	return poller.DataPoint{
		ID:          id,
		SourceID:    sourceID,
		Fields:      map[string]any{"price": 9.99},
		CollectedAt: at,
	}
}

// TestFindLatestHonorsSince verifies the since bound: a row older than the
// retention cutoff must not be served as "latest".
func TestFindLatestHonorsSince(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.CreateDataPoint(ctx, point("a", "old", now.Add(-5*time.Hour))))

	_, err := s.FindLatest(ctx, "a", now.Add(-4*time.Hour))
	require.ErrorIs(t, err, poller.ErrNotFound)

	require.NoError(t, s.CreateDataPoint(ctx, point("a", "fresh", now.Add(-time.Minute))))

	dp, err := s.FindLatest(ctx, "a", now.Add(-4*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "fresh", dp.ID)
}

// TestFindLatestReturnsNewest checks ordering is by collection time, not
// insertion order.
func TestFindLatestReturnsNewest(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.CreateDataPoint(ctx, point("a", "second", now)))
	require.NoError(t, s.CreateDataPoint(ctx, point("a", "first", now.Add(-time.Minute))))

	dp, err := s.FindLatest(ctx, "a", time.Time{})
	require.NoError(t, err)
	require.Equal(t, "second", dp.ID)
}

// TestFindRangeIsInclusiveAndAscending exercises both boundary rows.
func TestFindRangeIsInclusiveAndAscending(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	for i, id := range []string{"p0", "p1", "p2", "p3"} {
		require.NoError(t, s.CreateDataPoint(ctx, point("a", id, base.Add(time.Duration(i)*time.Minute))))
	}

	rows, err := s.FindRange(ctx, "a", base.Add(time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "p1", rows[0].ID)
	require.Equal(t, "p2", rows[1].ID)
}

// TestFindRangeIsScopedToSource ensures rows never leak between sources.
func TestFindRangeIsScopedToSource(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.CreateDataPoint(ctx, point("a", "a1", now)))
	require.NoError(t, s.CreateDataPoint(ctx, point("b", "b1", now)))

	rows, err := s.FindRange(ctx, "a", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a1", rows[0].ID)
}

// TestDeleteOlderThanCountsPointsAndStatuses verifies both tables shrink and
// the reported count covers both.
func TestDeleteOlderThanCountsPointsAndStatuses(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	cutoff := now.Add(-4 * time.Hour)

	require.NoError(t, s.CreateDataPoint(ctx, point("a", "old", now.Add(-5*time.Hour))))
	require.NoError(t, s.CreateDataPoint(ctx, point("a", "new", now)))
	require.NoError(t, s.AppendStatusRecord(ctx, poller.StatusRecord{
		SourceID: "a", State: poller.RunStateSuccess, CreatedAt: now.Add(-5 * time.Hour),
	}))
	require.NoError(t, s.AppendStatusRecord(ctx, poller.StatusRecord{
		SourceID: "a", State: poller.RunStateSuccess, CreatedAt: now,
	}))

	deleted, err := s.DeleteOlderThan(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)

	rows, err := s.FindRange(ctx, "a", time.Time{}, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, s.StatusRecords("a"), 1)
}

// TestRuntimeStateRoundTrip checks upsert semantics and the missing-row
// error.
func TestRuntimeStateRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	_, err := s.LoadRuntimeState(ctx, "a")
	require.ErrorIs(t, err, poller.ErrNotFound)

	paused := now.Add(24 * time.Hour)
	want := poller.RuntimeState{
		SourceID:            "a",
		NextRunAt:           paused,
		ConsecutiveFailures: 5,
		PausedUntil:         &paused,
		LastStatus:          poller.RunStateError,
	}
	require.NoError(t, s.SaveRuntimeState(ctx, want))

	got, err := s.LoadRuntimeState(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Upsert replaces, not appends.
	want.ConsecutiveFailures = 0
	want.PausedUntil = nil
	require.NoError(t, s.SaveRuntimeState(ctx, want))
	got, err = s.LoadRuntimeState(ctx, "a")
	require.NoError(t, err)
	require.Zero(t, got.ConsecutiveFailures)
	require.Nil(t, got.PausedUntil)
}
