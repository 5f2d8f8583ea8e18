package models

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	DefaultInitialTTL uint8 = 10

	MessageTypePriceUpdate   = "price_update"
	MessageTypeNetworkStatus = "network_status"
)

// PriceUpdate is the gossiped message. Everything except TTL is immutable
// across hops; TTL drops by one per relay.
type PriceUpdate struct {
	MessageID    string               `json:"message_id"`
	SourceNodeID string               `json:"source_node_id"`
	Timestamp    time.Time            `json:"timestamp"`
	TTL          uint8                `json:"ttl"`
	Prices       map[string]PriceData `json:"prices"`
}

// Envelope wraps every frame sent between peers.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StatusSnapshot is exchanged once when a peer link comes up. It is never relayed.
type StatusSnapshot struct {
	NodeID               string         `json:"node_id"`
	ProtocolVersion      string         `json:"protocol_version"`
	IsProvider           bool           `json:"is_provider"`
	ActiveProviders      []ProviderInfo `json:"active_providers"`
	ConnectedPeers       int            `json:"connected_peers"`
	EstimatedNetworkSize int            `json:"estimated_network_size"`
	SentAt               time.Time      `json:"sent_at"`
}

// Relayed returns the copy to forward to peers: same metadata, TTL minus one.
// The price map is shared, callers must treat it as read-only.
func (u *PriceUpdate) Relayed(ttl uint8) *PriceUpdate {
	next := *u
	next.TTL = ttl
	return &next
}

// Cached converts one asset entry of the update into its cache record.
func (u *PriceUpdate) Cached(asset string) (CachedPriceData, bool) {
	p, ok := u.Prices[asset]
	if !ok {
		return CachedPriceData{}, false
	}
	if p.Symbol == "" {
		p.Symbol = asset
	}
	return CachedPriceData{
		PriceData:    p,
		Timestamp:    u.Timestamp,
		SourceNodeID: u.SourceNodeID,
	}, true
}

// Validate rejects updates that must never reach the cache. now and maxSkew
// bound how far in the future a timestamp may be.
func (u *PriceUpdate) Validate(now time.Time, maxSkew time.Duration) error {
	if u.MessageID == "" {
		return fmt.Errorf("%w: missing message id", ErrMalformedUpdate)
	}
	if u.SourceNodeID == "" {
		return fmt.Errorf("%w: missing source node id", ErrMalformedUpdate)
	}
	if u.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedUpdate)
	}
	if u.Timestamp.After(now.Add(maxSkew)) {
		return fmt.Errorf("%w: timestamp %s is in the future", ErrMalformedUpdate, u.Timestamp.Format(time.RFC3339))
	}
	if len(u.Prices) == 0 {
		return fmt.Errorf("%w: no prices", ErrMalformedUpdate)
	}
	for asset, p := range u.Prices {
		if asset == "" {
			return fmt.Errorf("%w: empty asset symbol", ErrMalformedUpdate)
		}
		if p.Symbol == "" {
			p.Symbol = asset
		}
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}

// NewEnvelope marshals payload under the given message type.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// DecodeEnvelope parses a raw frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing envelope type", ErrMalformedUpdate)
	}
	return env, nil
}
