package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProviderInfo describes a provider node as seen from this node.
type ProviderInfo struct {
	NodeID   string    `json:"node_id"`
	LastSeen time.Time `json:"last_seen"`
	HopCount int       `json:"hop_count"` // 1 = direct peer
}

// ProviderConfig is this node's provider-mode state.
type ProviderConfig struct {
	Enabled    bool       `json:"enabled"`
	NodeID     string     `json:"node_id"`
	LastFetch  *time.Time `json:"last_fetch,omitempty"`
	FetchCount uint64     `json:"fetch_count"`
}

// FetchRecord is the single mesh-wide coordination record.
type FetchRecord struct {
	LastFetcherID string    `json:"last_fetcher_id"`
	LastFetchTime time.Time `json:"last_fetch_time"`
	Version       int64     `json:"version"`
}

// NetworkStatus is computed on demand, never stored.
type NetworkStatus struct {
	NodeID                 string         `json:"node_id"`
	ProviderMode           bool           `json:"provider_mode"`
	ProtocolVersion        string         `json:"protocol_version"`
	ActiveProviders        []ProviderInfo `json:"active_providers"`
	ConnectedPeers         int            `json:"connected_peers"`
	EstimatedNetworkSize   int            `json:"estimated_network_size"`
	LastUpdate             time.Time      `json:"last_update"`
	DataFreshness          DataFreshness  `json:"data_freshness"`
	ExtendedOffline        bool           `json:"extended_offline"`
	OfflineDurationMinutes *int64         `json:"offline_duration_minutes,omitempty"`
}

// PeerInfo is a connected peer as listed by the status API.
type PeerInfo struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	Country     string    `json:"country"`
	City        string    `json:"city"`
	Version     string    `json:"version"`
	IsProvider  bool      `json:"is_provider"`
	ConnectedAt time.Time `json:"connected_at"`
}

type FreshnessKind string

const (
	FreshnessJustNow    FreshnessKind = "just_now"
	FreshnessMinutesAgo FreshnessKind = "minutes_ago"
	FreshnessHoursAgo   FreshnessKind = "hours_ago"
	FreshnessStale      FreshnessKind = "stale"
	FreshnessNoData     FreshnessKind = "no_data"
)

// DataFreshness is a qualitative age bucket for cached data.
type DataFreshness struct {
	Kind  FreshnessKind `json:"kind"`
	Value int64         `json:"value,omitempty"` // minutes or hours, depending on Kind
}

func JustNow() DataFreshness           { return DataFreshness{Kind: FreshnessJustNow} }
func MinutesAgo(n int64) DataFreshness { return DataFreshness{Kind: FreshnessMinutesAgo, Value: n} }
func HoursAgo(n int64) DataFreshness   { return DataFreshness{Kind: FreshnessHoursAgo, Value: n} }
func Stale() DataFreshness             { return DataFreshness{Kind: FreshnessStale} }
func NoData() DataFreshness            { return DataFreshness{Kind: FreshnessNoData} }

// CalculateFreshness buckets the age of ts. The stale threshold wins over the
// other buckets.
func CalculateFreshness(now, ts time.Time, staleThreshold time.Duration) DataFreshness {
	if ts.IsZero() {
		return NoData()
	}
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	switch {
	case staleThreshold > 0 && age >= staleThreshold:
		return Stale()
	case age < time.Minute:
		return JustNow()
	case age < time.Hour:
		return MinutesAgo(int64(age / time.Minute))
	default:
		return HoursAgo(int64(age / time.Hour))
	}
}

func (f DataFreshness) String() string {
	switch f.Kind {
	case FreshnessJustNow:
		return "just now"
	case FreshnessMinutesAgo:
		return fmt.Sprintf("%d minutes ago", f.Value)
	case FreshnessHoursAgo:
		return fmt.Sprintf("%d hours ago", f.Value)
	case FreshnessStale:
		return "stale"
	default:
		return "no data"
	}
}

// MarshalJSON adds a human readable label next to kind/value.
func (f DataFreshness) MarshalJSON() ([]byte, error) {
	type plain DataFreshness
	return json.Marshal(struct {
		plain
		Label string `json:"label"`
	}{plain(f), f.String()})
}
