package services

import (
	"context"
	"time"

	"meshprice/models"
)

// SeenStore persists message ids across restarts. Implementations expire
// entries on their own after the ttl passed to MarkSeen.
type SeenStore interface {
	// SeenTTL reports whether messageID is stored and how long it has left.
	// A zero remaining duration means the entry has no known expiry.
	SeenTTL(ctx context.Context, messageID string) (time.Duration, bool, error)
	MarkSeen(ctx context.Context, messageID string, ttl time.Duration) error
	// LoadSeen returns every unexpired id with its expiry time.
	LoadSeen(ctx context.Context) (map[string]time.Time, error)
}

// PriceTier is one persistence tier behind the in-memory price cache.
// SavePrice must never replace a stored entry with an older one.
type PriceTier interface {
	Name() string
	LoadPrice(ctx context.Context, asset string) (models.CachedPriceData, bool, error)
	LoadAllPrices(ctx context.Context) ([]models.CachedPriceData, error)
	SavePrice(ctx context.Context, data models.CachedPriceData) error
}

// FetchRecordMutation computes the next coordination record from the current
// one (nil when absent). write=false leaves the record untouched; a nil next
// with write=true deletes it.
type FetchRecordMutation func(cur *models.FetchRecord) (next *models.FetchRecord, write bool)

// CoordinationStore holds the single shared fetch record. SwapFetchRecord
// applies mutate atomically with respect to other nodes and returns the
// record as it stands afterwards.
type CoordinationStore interface {
	LoadFetchRecord(ctx context.Context) (*models.FetchRecord, error)
	SwapFetchRecord(ctx context.Context, mutate FetchRecordMutation) (*models.FetchRecord, error)
}
