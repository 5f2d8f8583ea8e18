package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshprice/models"
)

const tierTimeout = 3 * time.Second

// PriceCache holds the latest known price per asset under last-write-wins.
// The in-memory map is authoritative for reads; tiers (warm first, then cold)
// back it up and repopulate it after a restart. Tier failures are logged and
// never fail a cache call.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[string]models.CachedPriceData

	tiers          []PriceTier
	staleThreshold time.Duration
	now            func() time.Time
	logger         *zap.Logger
	metrics        *Metrics
}

func NewPriceCache(staleThreshold time.Duration, logger *zap.Logger, metrics *Metrics, tiers ...PriceTier) *PriceCache {
	return &PriceCache{
		entries:        make(map[string]models.CachedPriceData),
		tiers:          tiers,
		staleThreshold: staleThreshold,
		now:            time.Now,
		logger:         logger,
		metrics:        metrics,
	}
}

// storeLocal applies last-write-wins to the in-memory map.
func (c *PriceCache) storeLocal(data models.CachedPriceData) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[data.Symbol]; ok && !data.NewerThan(existing) {
		return false
	}
	c.entries[data.Symbol] = data
	c.metrics.setCachedAssets(len(c.entries))
	return true
}

// Store replaces the entry for data.Symbol when data is strictly newer than
// what is cached, or nothing is cached. It reports whether it replaced.
func (c *PriceCache) Store(ctx context.Context, data models.CachedPriceData) bool {
	if !c.storeLocal(data) {
		return false
	}
	c.writeTiers(ctx, data, len(c.tiers))
	return true
}

// writeTiers saves data to the first n tiers.
func (c *PriceCache) writeTiers(ctx context.Context, data models.CachedPriceData, n int) {
	for _, tier := range c.tiers[:n] {
		tctx, cancel := context.WithTimeout(ctx, tierTimeout)
		err := tier.SavePrice(tctx, data)
		cancel()
		if err != nil {
			c.logger.Warn("price tier write failed",
				zap.String("tier", tier.Name()), zap.String("asset", data.Symbol), zap.Error(err))
		}
	}
}

// Get returns the cached price for asset. On a memory miss the tiers are
// consulted in order and a hit is copied into memory and the tiers above it.
func (c *PriceCache) Get(ctx context.Context, asset string) (models.CachedPriceData, bool) {
	c.mu.RLock()
	data, ok := c.entries[asset]
	c.mu.RUnlock()
	if ok {
		return data, true
	}

	for i, tier := range c.tiers {
		tctx, cancel := context.WithTimeout(ctx, tierTimeout)
		data, found, err := tier.LoadPrice(tctx, asset)
		cancel()
		if err != nil {
			c.logger.Warn("price tier read failed",
				zap.String("tier", tier.Name()), zap.String("asset", asset), zap.Error(err))
			continue
		}
		if !found {
			continue
		}
		if data.Symbol == "" {
			data.Symbol = asset
		}
		c.storeLocal(data)
		c.writeTiers(ctx, data, i)
		return data, true
	}
	return models.CachedPriceData{}, false
}

// GetAll returns a snapshot of the in-memory cache.
func (c *PriceCache) GetAll(ctx context.Context) map[string]models.CachedPriceData {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]models.CachedPriceData, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Assets lists cached asset symbols in sorted order.
func (c *PriceCache) Assets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadFromStorage merges every tier into memory, coldest first. It fails only
// when every tier failed.
func (c *PriceCache) LoadFromStorage(ctx context.Context) (int, error) {
	if len(c.tiers) == 0 {
		return 0, nil
	}

	loaded, failed := 0, 0
	var lastErr error
	for i := len(c.tiers) - 1; i >= 0; i-- {
		tier := c.tiers[i]
		entries, err := tier.LoadAllPrices(ctx)
		if err != nil {
			c.logger.Warn("price tier load failed", zap.String("tier", tier.Name()), zap.Error(err))
			failed++
			lastErr = err
			continue
		}
		for _, data := range entries {
			if c.storeLocal(data) {
				loaded++
			}
		}
	}

	if failed == len(c.tiers) {
		return 0, fmt.Errorf("load price cache: %w", lastErr)
	}
	return loaded, nil
}

// PersistToStorage writes every in-memory entry to every tier.
func (c *PriceCache) PersistToStorage(ctx context.Context) error {
	all := c.GetAll(ctx)
	failures := 0
	for _, data := range all {
		for _, tier := range c.tiers {
			tctx, cancel := context.WithTimeout(ctx, tierTimeout)
			err := tier.SavePrice(tctx, data)
			cancel()
			if err != nil {
				failures++
				c.logger.Debug("price tier persist failed",
					zap.String("tier", tier.Name()), zap.String("asset", data.Symbol), zap.Error(err))
			}
		}
	}
	if failures > 0 {
		return fmt.Errorf("%w: %d tier writes failed", models.ErrCacheBackendUnavailable, failures)
	}
	return nil
}

// Newest returns the most recent timestamp in the cache, zero when empty.
func (c *PriceCache) Newest() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var newest time.Time
	for _, v := range c.entries {
		if v.Timestamp.After(newest) {
			newest = v.Timestamp
		}
	}
	return newest
}

func (c *PriceCache) CalculateFreshness(ts time.Time) models.DataFreshness {
	return models.CalculateFreshness(c.now(), ts, c.staleThreshold)
}

func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
