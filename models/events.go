package models

import "time"

type EventType string

const (
	EventPriceChange   EventType = "price_change"
	EventNetworkStatus EventType = "network_status"
)

// Event is pushed to local subscribers. Exactly one of Prices/Status is set.
type Event struct {
	Type   EventType      `json:"type"`
	At     time.Time      `json:"at"`
	Prices *PriceChange   `json:"prices,omitempty"`
	Status *NetworkStatus `json:"status,omitempty"`
}

// PriceChange carries only the assets whose cached value actually changed.
type PriceChange struct {
	MessageID    string                     `json:"message_id"`
	SourceNodeID string                     `json:"source_node_id"`
	Changed      map[string]CachedPriceData `json:"changed"`
}
