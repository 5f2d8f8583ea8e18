package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshprice/models"
)

func TestRedisStore_SavePriceLastWriteWins(t *testing.T) {
	ctx := context.Background()
	rs, mr := newTestRedisStore(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, rs.SavePrice(ctx, priceAt("SOL", "101", t0.Add(time.Second), "b")))
	require.NoError(t, rs.SavePrice(ctx, priceAt("SOL", "100", t0, "a")))

	got, ok, err := rs.LoadPrice(ctx, "SOL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", got.SourceNodeID)
	assert.Equal(t, "101", got.Price.String())
	assert.Equal(t, time.Hour, mr.TTL("test:price:SOL"))

	_, ok, err = rs.LoadPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_LoadAllPricesSkipsGarbage(t *testing.T) {
	ctx := context.Background()
	rs, mr := newTestRedisStore(t)
	ts := time.Now().UTC()

	require.NoError(t, rs.SavePrice(ctx, priceAt("SOL", "100", ts, "a")))
	require.NoError(t, rs.SavePrice(ctx, priceAt("ETH", "3000", ts, "a")))
	require.NoError(t, mr.Set("test:price:BAD", "{not json"))

	all, err := rs.LoadAllPrices(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRedisStore_SeenMessagesExpire(t *testing.T) {
	ctx := context.Background()
	rs, mr := newTestRedisStore(t)

	require.NoError(t, rs.MarkSeen(ctx, "m1", 5*time.Minute))
	remaining, seen, err := rs.SeenTTL(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 5*time.Minute, remaining)

	mr.FastForward(2 * time.Minute)
	remaining, seen, err = rs.SeenTTL(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 3*time.Minute, remaining)

	_, seen, err = rs.SeenTTL(ctx, "never-marked")
	require.NoError(t, err)
	assert.False(t, seen)

	loaded, err := rs.LoadSeen(ctx)
	require.NoError(t, err)
	require.Contains(t, loaded, "m1")
	assert.WithinDuration(t, time.Now().Add(3*time.Minute), loaded["m1"], 5*time.Second)

	mr.FastForward(3*time.Minute + time.Second)
	_, seen, err = rs.SeenTTL(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisStore_SwapFetchRecord(t *testing.T) {
	ctx := context.Background()
	rs, _ := newTestRedisStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := rs.LoadFetchRecord(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	set := func(id string) FetchRecordMutation {
		return func(cur *models.FetchRecord) (*models.FetchRecord, bool) {
			return &models.FetchRecord{LastFetcherID: id, LastFetchTime: ts}, true
		}
	}

	rec, err = rs.SwapFetchRecord(ctx, set("a"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Version)

	rec, err = rs.SwapFetchRecord(ctx, set("b"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.Version)
	assert.Equal(t, "b", rec.LastFetcherID)

	rec, err = rs.SwapFetchRecord(ctx, func(cur *models.FetchRecord) (*models.FetchRecord, bool) {
		return cur, false
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.Version, "no-op keeps the stored record")

	_, err = rs.SwapFetchRecord(ctx, func(cur *models.FetchRecord) (*models.FetchRecord, bool) {
		return nil, true
	})
	require.NoError(t, err)
	rec, err = rs.LoadFetchRecord(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisStore_OutageAndReconnect(t *testing.T) {
	ctx := context.Background()
	rs, mr := newTestRedisStore(t)

	reconnected := 0
	rs.OnReconnect(func() { reconnected++ })

	mr.Close()
	rs.checkRedisHealth()
	assert.Equal(t, CacheModeInMemory, rs.Mode())

	_, _, err := rs.SeenTTL(ctx, "m1")
	assert.ErrorIs(t, err, models.ErrCacheBackendUnavailable)
	assert.ErrorIs(t, rs.SavePrice(ctx, priceAt("SOL", "1", time.Now(), "a")), models.ErrCacheBackendUnavailable)

	stats := rs.Stats(ctx)
	assert.Equal(t, CacheModeInMemory, stats["mode"])
	assert.NotContains(t, stats, "price_keys")

	require.NoError(t, mr.Restart())
	rs.checkRedisHealth()
	assert.Equal(t, CacheModeRedis, rs.Mode())
	assert.Equal(t, 1, reconnected)
}
