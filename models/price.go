package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceData is a single asset quote as fetched from the upstream API.
type PriceData struct {
	Symbol     string           `json:"symbol,omitempty"`
	Price      decimal.Decimal  `json:"price"`
	Blockchain string           `json:"blockchain"`
	Change24h  *decimal.Decimal `json:"change_24h,omitempty"`
}

// CachedPriceData is the unit stored in the price cache tiers.
type CachedPriceData struct {
	PriceData
	Timestamp    time.Time `json:"timestamp"`
	SourceNodeID string    `json:"source_node_id"`
}

// NewerThan reports whether c should replace existing under last-write-wins.
// Equal timestamps keep the existing entry.
func (c CachedPriceData) NewerThan(existing CachedPriceData) bool {
	return c.Timestamp.After(existing.Timestamp)
}

// PriceSnapshot is what the application reads: the cached value plus how old it is.
type PriceSnapshot struct {
	CachedPriceData
	Freshness DataFreshness `json:"freshness"`
}

func (p PriceData) validate() error {
	if p.Price.IsNegative() || p.Price.IsZero() {
		return fmt.Errorf("%w: non-positive price %s for %s", ErrMalformedUpdate, p.Price.String(), p.Symbol)
	}
	return nil
}
