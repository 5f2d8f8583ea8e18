package services

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshprice/models"
)

const (
	DefaultExtendedOffline = 600 * time.Second
	DefaultProviderTimeout = 90 * time.Second
)

// NetworkStatusTracker keeps this node's view of the mesh: which providers
// are alive, how many peers are connected and when data last arrived.
type NetworkStatusTracker struct {
	mu sync.RWMutex

	nodeID          string
	protocolVersion string
	providerMode    bool

	providers      map[string]models.ProviderInfo
	connectedPeers int
	estimatedSize  int
	lastUpdate     time.Time

	// set when the provider set goes from non-empty to empty
	allProvidersOfflineSince *time.Time

	extendedOffline time.Duration
	providerTimeout time.Duration
	staleThreshold  time.Duration

	now     func() time.Time
	events  *EventBus
	metrics *Metrics
	logger  *zap.Logger
}

type NetworkStatusOptions struct {
	NodeID          string
	ProtocolVersion string
	ExtendedOffline time.Duration
	ProviderTimeout time.Duration
	StaleThreshold  time.Duration
}

func NewNetworkStatusTracker(opts NetworkStatusOptions, events *EventBus, metrics *Metrics, logger *zap.Logger) *NetworkStatusTracker {
	if opts.ExtendedOffline <= 0 {
		opts.ExtendedOffline = DefaultExtendedOffline
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = time.Hour
	}
	return &NetworkStatusTracker{
		nodeID:          opts.NodeID,
		protocolVersion: opts.ProtocolVersion,
		providers:       make(map[string]models.ProviderInfo),
		estimatedSize:   1,
		extendedOffline: opts.ExtendedOffline,
		providerTimeout: opts.ProviderTimeout,
		staleThreshold:  opts.StaleThreshold,
		now:             time.Now,
		events:          events,
		metrics:         metrics,
		logger:          logger,
	}
}

// mutateProviders runs fn under the lock, then handles the offline
// transitions and publishes a status event when the provider set changed.
func (t *NetworkStatusTracker) mutateProviders(fn func(now time.Time) bool) {
	now := t.now()

	t.mu.Lock()
	before := len(t.providers)
	changed := fn(now)
	after := len(t.providers)

	switch {
	case before > 0 && after == 0:
		since := now
		t.allProvidersOfflineSince = &since
		t.logger.Warn("all providers offline, serving cached prices")
	case before == 0 && after > 0:
		if t.allProvidersOfflineSince != nil {
			t.logger.Info("provider back online",
				zap.Duration("offline_for", now.Sub(*t.allProvidersOfflineSince)))
		}
		t.allProvidersOfflineSince = nil
	}
	t.metrics.setActiveProviders(after)
	t.mu.Unlock()

	if changed {
		t.publish()
	}
}

func (t *NetworkStatusTracker) publish() {
	if t.events == nil {
		return
	}
	status := t.GetStatus()
	t.events.PublishNetworkStatus(&status)
}

// UpdateProviderStatus marks nodeID active or inactive.
func (t *NetworkStatusTracker) UpdateProviderStatus(nodeID string, active bool) {
	t.mutateProviders(func(now time.Time) bool {
		existing, ok := t.providers[nodeID]
		if !active {
			if !ok {
				return false
			}
			delete(t.providers, nodeID)
			return true
		}

		hops := 1
		if nodeID == t.nodeID {
			hops = 0
		}
		if ok {
			hops = existing.HopCount
		}
		t.providers[nodeID] = models.ProviderInfo{NodeID: nodeID, LastSeen: now, HopCount: hops}
		return !ok
	})
}

// ObserveProvider refreshes a provider learned from an accepted update.
func (t *NetworkStatusTracker) ObserveProvider(nodeID string, hops int) {
	if hops < 1 {
		hops = 1
	}
	t.mutateProviders(func(now time.Time) bool {
		existing, ok := t.providers[nodeID]
		t.providers[nodeID] = models.ProviderInfo{NodeID: nodeID, LastSeen: now, HopCount: hops}
		return !ok || existing.HopCount != hops
	})
}

func (t *NetworkStatusTracker) OnProviderDisconnected(nodeID string) {
	t.logger.Info("provider disconnected", zap.String("node_id", nodeID))
	t.UpdateProviderStatus(nodeID, false)
}

func (t *NetworkStatusTracker) OnProviderReconnected(nodeID string) {
	t.logger.Info("provider reconnected", zap.String("node_id", nodeID))
	t.UpdateProviderStatus(nodeID, true)
}

// ExpireProviders deactivates providers not seen for the provider timeout.
// This node never expires itself.
func (t *NetworkStatusTracker) ExpireProviders() []string {
	var expired []string
	t.mutateProviders(func(now time.Time) bool {
		for id, p := range t.providers {
			if id == t.nodeID {
				continue
			}
			if now.Sub(p.LastSeen) > t.providerTimeout {
				delete(t.providers, id)
				expired = append(expired, id)
			}
		}
		return len(expired) > 0
	})
	for _, id := range expired {
		t.logger.Info("provider expired", zap.String("node_id", id))
	}
	return expired
}

// GetActiveProviders returns the active providers sorted by node id.
func (t *NetworkStatusTracker) GetActiveProviders() []models.ProviderInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeProvidersLocked()
}

func (t *NetworkStatusTracker) activeProvidersLocked() []models.ProviderInfo {
	out := make([]models.ProviderInfo, 0, len(t.providers))
	for _, p := range t.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (t *NetworkStatusTracker) IsProvider(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.providers[nodeID]
	return ok
}

// UpdateTopology records the connected peer count and the network size
// estimate. The estimate never drops below connected peers plus this node.
func (t *NetworkStatusTracker) UpdateTopology(connectedPeers, estimatedSize int) {
	if estimatedSize < connectedPeers+1 {
		estimatedSize = connectedPeers + 1
	}

	t.mu.Lock()
	changed := t.connectedPeers != connectedPeers || t.estimatedSize != estimatedSize
	t.connectedPeers = connectedPeers
	t.estimatedSize = estimatedSize
	t.mu.Unlock()

	t.metrics.setConnectedPeers(connectedPeers)
	if changed {
		t.publish()
	}
}

func (t *NetworkStatusTracker) SetProviderMode(enabled bool) {
	t.mu.Lock()
	t.providerMode = enabled
	t.mu.Unlock()
}

// RecordDataUpdate notes that fresh data with timestamp ts was accepted.
func (t *NetworkStatusTracker) RecordDataUpdate(ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts.After(t.lastUpdate) {
		t.lastUpdate = ts
	}
}

func (t *NetworkStatusTracker) GetStatus() models.NetworkStatus {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	status := models.NetworkStatus{
		NodeID:               t.nodeID,
		ProviderMode:         t.providerMode,
		ProtocolVersion:      t.protocolVersion,
		ActiveProviders:      t.activeProvidersLocked(),
		ConnectedPeers:       t.connectedPeers,
		EstimatedNetworkSize: t.estimatedSize,
		LastUpdate:           t.lastUpdate,
		DataFreshness:        models.CalculateFreshness(now, t.lastUpdate, t.staleThreshold),
	}

	if t.allProvidersOfflineSince != nil {
		offline := now.Sub(*t.allProvidersOfflineSince)
		minutes := int64(offline / time.Minute)
		status.OfflineDurationMinutes = &minutes
		status.ExtendedOffline = offline >= t.extendedOffline
	}
	return status
}

// OfflineSince returns when the last provider went away, nil while any
// provider is active.
func (t *NetworkStatusTracker) OfflineSince() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.allProvidersOfflineSince == nil {
		return nil
	}
	since := *t.allProvidersOfflineSince
	return &since
}
