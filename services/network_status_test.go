package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshprice/models"
)

func newTestStatus(t *testing.T, events *EventBus) (*NetworkStatusTracker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	tr := NewNetworkStatusTracker(NetworkStatusOptions{
		NodeID:          "self",
		ProtocolVersion: "1.2.0",
		ExtendedOffline: 600 * time.Second,
		ProviderTimeout: 90 * time.Second,
		StaleThreshold:  time.Hour,
	}, events, nil, zap.NewNop())
	tr.now = clock.Now
	return tr, clock
}

func TestNetworkStatus_ExtendedOfflineAfterLastProviderLeaves(t *testing.T) {
	tr, clock := newTestStatus(t, nil)

	status := tr.GetStatus()
	assert.Nil(t, status.OfflineDurationMinutes, "never had a provider")
	assert.False(t, status.ExtendedOffline)

	tr.UpdateProviderStatus("p1", true)
	tr.OnProviderDisconnected("p1")
	require.NotNil(t, tr.OfflineSince())

	clock.Advance(599 * time.Second)
	status = tr.GetStatus()
	require.NotNil(t, status.OfflineDurationMinutes)
	assert.EqualValues(t, 9, *status.OfflineDurationMinutes)
	assert.False(t, status.ExtendedOffline)

	clock.Advance(2 * time.Second)
	status = tr.GetStatus()
	assert.True(t, status.ExtendedOffline)
	assert.EqualValues(t, 10, *status.OfflineDurationMinutes)

	tr.OnProviderReconnected("p1")
	status = tr.GetStatus()
	assert.False(t, status.ExtendedOffline)
	assert.Nil(t, status.OfflineDurationMinutes)
	assert.Nil(t, tr.OfflineSince())
}

func TestNetworkStatus_HopCounts(t *testing.T) {
	tr, _ := newTestStatus(t, nil)

	tr.UpdateProviderStatus("self", true)
	tr.UpdateProviderStatus("p1", true)
	tr.ObserveProvider("p2", 3)
	tr.ObserveProvider("p3", 0)

	providers := tr.GetActiveProviders()
	require.Len(t, providers, 4)
	hops := map[string]int{}
	for _, p := range providers {
		hops[p.NodeID] = p.HopCount
	}
	assert.Equal(t, map[string]int{"p1": 1, "p2": 3, "p3": 1, "self": 0}, hops)
	assert.Equal(t, "p1", providers[0].NodeID, "sorted by node id")

	tr.UpdateProviderStatus("p2", true)
	assert.Equal(t, 3, findProvider(t, tr, "p2").HopCount, "refresh keeps the learned hop count")
}

func findProvider(t *testing.T, tr *NetworkStatusTracker, id string) models.ProviderInfo {
	t.Helper()
	for _, p := range tr.GetActiveProviders() {
		if p.NodeID == id {
			return p
		}
	}
	t.Fatalf("provider %s not active", id)
	return models.ProviderInfo{}
}

func TestNetworkStatus_ExpireProvidersSkipsSelf(t *testing.T) {
	tr, clock := newTestStatus(t, nil)

	tr.UpdateProviderStatus("self", true)
	tr.UpdateProviderStatus("p1", true)
	clock.Advance(60 * time.Second)
	tr.ObserveProvider("p2", 1)
	clock.Advance(31 * time.Second)

	assert.Equal(t, []string{"p1"}, tr.ExpireProviders())
	assert.True(t, tr.IsProvider("self"))
	assert.True(t, tr.IsProvider("p2"))
	assert.False(t, tr.IsProvider("p1"))
	assert.Nil(t, tr.OfflineSince())
}

func TestNetworkStatus_TopologyAndFreshness(t *testing.T) {
	events := NewEventBus(zap.NewNop(), nil)
	ch, unsubscribe := events.Subscribe(8)
	defer unsubscribe()
	tr, clock := newTestStatus(t, events)

	tr.UpdateTopology(3, 2)
	ev := <-ch
	require.NotNil(t, ev.Status)
	assert.Equal(t, 3, ev.Status.ConnectedPeers)
	assert.Equal(t, 4, ev.Status.EstimatedNetworkSize, "estimate includes peers plus self")

	tr.UpdateTopology(3, 2)
	assert.Empty(t, ch, "unchanged topology is not republished")

	status := tr.GetStatus()
	assert.Equal(t, models.NoData(), status.DataFreshness)

	tr.RecordDataUpdate(clock.Now().Add(-3 * time.Minute))
	tr.RecordDataUpdate(clock.Now().Add(-10 * time.Minute))
	status = tr.GetStatus()
	assert.Equal(t, models.MinutesAgo(3), status.DataFreshness)
	assert.Equal(t, "1.2.0", status.ProtocolVersion)
}
