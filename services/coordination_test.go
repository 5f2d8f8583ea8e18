package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshprice/models"
)

func newTestCoordination(t *testing.T) (*CoordinationService, *fakeClock) {
	t.Helper()
	rs, _ := newTestRedisStore(t)
	clock := newFakeClock()
	svc := NewCoordinationService(rs, 5*time.Second, 5*time.Minute, zap.NewNop())
	svc.now = clock.Now
	return svc, clock
}

func TestCoordination_WindowExclusivity(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestCoordination(t)

	assert.True(t, svc.ShouldFetch(ctx, "a"), "no record yet")
	require.NoError(t, svc.RecordFetch(ctx, "a", clock.Now()))

	clock.Advance(2 * time.Second)
	assert.False(t, svc.ShouldFetch(ctx, "b"))
	assert.True(t, svc.ShouldFetch(ctx, "a"), "the last fetcher continues")

	clock.Advance(3 * time.Second)
	assert.True(t, svc.ShouldFetch(ctx, "b"))

	last, err := svc.GetLastFetchTime(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(clock.Now().Add(-5*time.Second)))
}

func TestCoordination_RecordNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestCoordination(t)
	now := clock.Now()

	require.NoError(t, svc.RecordFetch(ctx, "a", now))
	require.NoError(t, svc.RecordFetch(ctx, "b", now.Add(-time.Second)))

	rec, err := svc.GetRecord(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.LastFetcherID)
	assert.EqualValues(t, 1, rec.Version)
}

func TestCoordination_FailsOpen(t *testing.T) {
	ctx := context.Background()

	broken := NewCoordinationService(brokenStore{}, 0, 0, zap.NewNop())
	assert.True(t, broken.ShouldFetch(ctx, "a"))
	assert.ErrorIs(t, broken.RecordFetch(ctx, "a", time.Now()), models.ErrCoordinationUnavailable)
	_, err := broken.GetLastFetchTime(ctx)
	assert.ErrorIs(t, err, models.ErrCoordinationUnavailable)

	none := NewCoordinationService(nil, 0, 0, zap.NewNop())
	assert.True(t, none.ShouldFetch(ctx, "a"))
	assert.NoError(t, none.RecordFetch(ctx, "a", time.Now()))
}

func TestCoordination_CleanupStaleRecords(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestCoordination(t)

	removed, err := svc.CleanupStaleRecords(ctx)
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, svc.RecordFetch(ctx, "a", clock.Now()))
	clock.Advance(4 * time.Minute)
	removed, err = svc.CleanupStaleRecords(ctx)
	require.NoError(t, err)
	assert.False(t, removed)

	clock.Advance(time.Minute)
	removed, err = svc.CleanupStaleRecords(ctx)
	require.NoError(t, err)
	assert.True(t, removed)

	rec, err := svc.GetRecord(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
