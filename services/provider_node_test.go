package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshprice/models"
)

type providerFixture struct {
	node   *ProviderNode
	coord  *CoordinationService
	cache  *PriceCache
	peer   *recordingPeer
	source *scriptedSource
}

func newProviderFixture(t *testing.T, nodeID string, results ...error) *providerFixture {
	t.Helper()
	store, _ := newTestRedisStore(t)
	peer := &recordingPeer{id: "peer-b"}
	g, cache, _ := newTestGossip(t, &staticPeers{peers: []Peer{peer}})
	coord := NewCoordinationService(store, 5*time.Second, 5*time.Minute, zap.NewNop())

	node := NewProviderNode(ProviderOptions{
		NodeID:         nodeID,
		Symbols:        []string{"SOL"},
		Interval:       time.Hour,
		InitialTTL:     models.DefaultInitialTTL,
		InitialBackoff: time.Millisecond,
	}, coord, g, nil, zap.NewNop())

	src := &scriptedSource{results: results, prices: solPrices()}
	node.source = src
	node.breaker = node.newBreaker()
	return &providerFixture{node: node, coord: coord, cache: cache, peer: peer, source: src}
}

func TestProviderNode_CycleBroadcastsAndRecords(t *testing.T) {
	ctx := context.Background()
	f := newProviderFixture(t, "prov-a")

	require.NoError(t, f.node.RunCycle(ctx))

	updates := f.peer.updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, "prov-a", updates[0].SourceNodeID)
	assert.Equal(t, models.DefaultInitialTTL, updates[0].TTL)
	assert.True(t, f.node.gossip.tracker.HasSeen(ctx, updates[0].MessageID), "own id is registered")

	_, ok := f.cache.Get(ctx, "SOL")
	assert.True(t, ok)

	rec, err := f.coord.GetRecord(ctx)
	require.NoError(t, err)
	assert.Equal(t, "prov-a", rec.LastFetcherID)

	st := f.node.State()
	assert.EqualValues(t, 1, st.FetchCount)
	require.NotNil(t, st.LastFetch)
	assert.True(t, st.LastFetch.Equal(rec.LastFetchTime))
}

func TestProviderNode_SkipsWhenAnotherProviderJustFetched(t *testing.T) {
	ctx := context.Background()
	f := newProviderFixture(t, "prov-b")
	require.NoError(t, f.coord.RecordFetch(ctx, "prov-a", time.Now()))

	require.NoError(t, f.node.RunCycle(ctx))
	assert.Equal(t, 0, f.source.callCount())
	assert.Empty(t, f.peer.updates(t))
	assert.EqualValues(t, 0, f.node.State().FetchCount)
}

func TestProviderNode_RetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	transient := fmt.Errorf("%w: upstream 503", models.ErrTransientFetch)
	f := newProviderFixture(t, "prov-a", transient)

	err := f.node.RunCycle(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransientFetch)
	assert.Contains(t, err.Error(), "3 attempt(s)")
	assert.Equal(t, 3, f.source.callCount())
	assert.Empty(t, f.peer.updates(t))
	assert.Equal(t, 0, f.cache.Len())
}

func TestProviderNode_RecoversWithinRetries(t *testing.T) {
	ctx := context.Background()
	transient := fmt.Errorf("%w: timeout", models.ErrTransientFetch)
	f := newProviderFixture(t, "prov-a", transient, transient, nil)

	require.NoError(t, f.node.RunCycle(ctx))
	assert.Equal(t, 3, f.source.callCount())
	assert.Len(t, f.peer.updates(t), 1)
}

func TestProviderNode_AuthErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newProviderFixture(t, "prov-a", &models.AuthenticationError{Reason: "key revoked"})

	err := f.node.RunCycle(ctx)
	var authErr *models.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, f.source.callCount())
}

func TestProviderNode_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	f := newProviderFixture(t, "prov-a", fmt.Errorf("%w: 500", models.ErrTransientFetch))

	require.Error(t, f.node.RunCycle(ctx))
	assert.Equal(t, gobreaker.StateClosed, f.node.BreakerState())

	err := f.node.RunCycle(ctx)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, f.node.BreakerState())
	assert.Equal(t, 5, f.source.callCount())

	err = f.node.RunCycle(ctx)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, f.source.callCount(), "open breaker short-circuits the upstream")
}

func TestProviderNode_StartStop(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)
	g, _, _ := newTestGossip(t, &staticPeers{})
	node := NewProviderNode(ProviderOptions{NodeID: "prov-a", Symbols: []string{"SOL"}, Interval: time.Hour},
		NewCoordinationService(store, 0, 0, zap.NewNop()), g, nil, zap.NewNop())

	assert.ErrorIs(t, node.Stop(ctx), models.ErrProviderModeInactive)
	assert.ErrorIs(t, node.RunCycle(ctx), models.ErrProviderModeInactive)

	src := &scriptedSource{prices: solPrices()}
	require.NoError(t, node.Start(ctx, src))
	assert.True(t, node.IsRunning())
	assert.True(t, node.State().Enabled)
	assert.ErrorIs(t, node.Start(ctx, src), models.ErrProviderModeActive)

	require.Eventually(t, func() bool { return node.State().FetchCount == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, node.Stop(ctx))
	assert.False(t, node.IsRunning())
	assert.False(t, node.State().Enabled)
}
