package services

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshprice/config"
	"meshprice/models"
)

// CacheMode indicates which backend is active
type CacheMode string

const (
	CacheModeRedis    CacheMode = "redis"
	CacheModeInMemory CacheMode = "in-memory"
)

const (
	redisOpTimeout   = 2 * time.Second
	redisTxRetries   = 5
	redisScanBatch   = 256
	priceKeySegment  = "price:"
	seenKeySegment   = "seen:"
	fetchRecordKey   = "coord:fetch_record"
	healthCheckEvery = 30 * time.Second
)

var (
	_ PriceTier         = (*RedisStore)(nil)
	_ SeenStore         = (*RedisStore)(nil)
	_ CoordinationStore = (*RedisStore)(nil)
)

// RedisStore is the shared Redis backend. It serves as the warm price tier,
// the seen-message store and the coordination record. While Redis is
// unreachable the store reports CacheModeInMemory and every call fails with
// ErrCacheBackendUnavailable so callers fall back to their local state.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	warmTTL time.Duration
	logger  *zap.Logger

	mode        CacheMode
	modeMutex   sync.RWMutex
	onReconnect []func()

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewRedisStore(cfg *config.Config, logger *zap.Logger) *RedisStore {
	rs := &RedisStore{
		prefix:   cfg.Redis.KeyPrefix,
		warmTTL:  cfg.WarmTTLDuration(),
		logger:   logger,
		mode:     CacheModeInMemory, // Start in memory mode
		stopChan: make(chan struct{}),
	}

	// Try to connect to Redis if enabled
	if cfg.Redis.Enabled {
		rs.connectRedis(cfg.Redis)
	} else {
		logger.Info("redis disabled in config, mesh state stays in memory")
	}

	return rs
}

// NewRedisStoreFromClient wraps an already connected client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, warmTTL time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:   client,
		prefix:   prefix,
		warmTTL:  warmTTL,
		logger:   logger,
		mode:     CacheModeRedis,
		stopChan: make(chan struct{}),
	}
}

func (rs *RedisStore) connectRedis(rc config.RedisConfig) {
	if rc.Address == "" {
		rs.logger.Info("redis address not configured, mesh state stays in memory")
		return
	}

	options := &redis.Options{
		Addr:         rc.Address,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		PoolTimeout:  10 * time.Second,
	}

	if rc.UseTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		rs.logger.Info("TLS enabled for redis connection")
	}

	rs.client = redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rs.client.Ping(ctx).Err(); err != nil {
		rs.logger.Warn("redis connection failed, running in-memory",
			zap.String("address", rc.Address), zap.Error(err))
		return
	}

	rs.logger.Info("redis connected", zap.String("address", rc.Address))
	rs.setMode(CacheModeRedis)
}

func (rs *RedisStore) setMode(mode CacheMode) {
	rs.modeMutex.Lock()
	defer rs.modeMutex.Unlock()
	rs.mode = mode
}

func (rs *RedisStore) Mode() CacheMode {
	rs.modeMutex.RLock()
	defer rs.modeMutex.RUnlock()
	return rs.mode
}

func (rs *RedisStore) Available() bool {
	return rs.Mode() == CacheModeRedis
}

// OnReconnect registers a callback run after Redis comes back from an outage.
func (rs *RedisStore) OnReconnect(fn func()) {
	rs.modeMutex.Lock()
	defer rs.modeMutex.Unlock()
	rs.onReconnect = append(rs.onReconnect, fn)
}

// StartHealthCheck monitors Redis and flips the mode on failure or recovery.
func (rs *RedisStore) StartHealthCheck() {
	if rs.client == nil {
		return
	}
	go rs.runHealthCheckLoop()
}

func (rs *RedisStore) Stop() {
	rs.stopOnce.Do(func() {
		close(rs.stopChan)
		if rs.client != nil {
			rs.client.Close()
		}
	})
}

func (rs *RedisStore) runHealthCheckLoop() {
	ticker := time.NewTicker(healthCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rs.checkRedisHealth()
		case <-rs.stopChan:
			return
		}
	}
}

// checkRedisHealth pings Redis and switches mode accordingly
func (rs *RedisStore) checkRedisHealth() {
	if rs.client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	err := rs.client.Ping(ctx).Err()
	mode := rs.Mode()

	if mode == CacheModeRedis && err != nil {
		rs.logger.Warn("redis health check failed, switching to in-memory mode", zap.Error(err))
		rs.setMode(CacheModeInMemory)
	} else if mode == CacheModeInMemory && err == nil {
		rs.logger.Info("redis reconnected, switching back to redis mode")
		rs.setMode(CacheModeRedis)

		rs.modeMutex.RLock()
		hooks := append([]func(){}, rs.onReconnect...)
		rs.modeMutex.RUnlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

func (rs *RedisStore) key(parts ...string) string {
	k := rs.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (rs *RedisStore) ready() error {
	if rs.client == nil || !rs.Available() {
		return fmt.Errorf("%w: redis in %s mode", models.ErrCacheBackendUnavailable, rs.Mode())
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", models.ErrCacheBackendUnavailable, op, err)
}

// scanKeys walks every key matching pattern with SCAN.
func (rs *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := rs.client.Scan(ctx, cursor, pattern, redisScanBatch).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// ============================================
// Warm price tier
// ============================================

func (rs *RedisStore) Name() string { return "redis" }

func (rs *RedisStore) LoadPrice(ctx context.Context, asset string) (models.CachedPriceData, bool, error) {
	if err := rs.ready(); err != nil {
		return models.CachedPriceData{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := rs.client.Get(ctx, rs.key(priceKeySegment, asset)).Bytes()
	if err == redis.Nil {
		return models.CachedPriceData{}, false, nil
	}
	if err != nil {
		return models.CachedPriceData{}, false, unavailable("get price", err)
	}

	var data models.CachedPriceData
	if err := json.Unmarshal(raw, &data); err != nil {
		return models.CachedPriceData{}, false, fmt.Errorf("decode cached price %s: %w", asset, err)
	}
	return data, true, nil
}

func (rs *RedisStore) LoadAllPrices(ctx context.Context) ([]models.CachedPriceData, error) {
	if err := rs.ready(); err != nil {
		return nil, err
	}

	keys, err := rs.scanKeys(ctx, rs.key(priceKeySegment, "*"))
	if err != nil {
		return nil, unavailable("scan prices", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := rs.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("mget prices", err)
	}

	out := make([]models.CachedPriceData, 0, len(values))
	for i, val := range values {
		payload, ok := val.(string)
		if !ok || payload == "" {
			continue
		}
		var data models.CachedPriceData
		if err := json.Unmarshal([]byte(payload), &data); err != nil {
			rs.logger.Warn("skipping undecodable cached price", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, data)
	}
	return out, nil
}

// SavePrice writes data unless Redis already holds an entry that is at least
// as new.
func (rs *RedisStore) SavePrice(ctx context.Context, data models.CachedPriceData) error {
	if err := rs.ready(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode cached price %s: %w", data.Symbol, err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := rs.key(priceKeySegment, data.Symbol)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			var existing models.CachedPriceData
			if json.Unmarshal(raw, &existing) == nil && !data.NewerThan(existing) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, rs.warmTTL)
			return nil
		})
		return err
	}

	if err := rs.watch(ctx, txf, key); err != nil {
		return unavailable("save price", err)
	}
	return nil
}

func (rs *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	var err error
	for i := 0; i < redisTxRetries; i++ {
		err = rs.client.Watch(ctx, txf, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return err
}

// ============================================
// Seen-message store
// ============================================

func (rs *RedisStore) SeenTTL(ctx context.Context, messageID string) (time.Duration, bool, error) {
	if err := rs.ready(); err != nil {
		return 0, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	// PTTL answers -2 for a missing key and -1 for one without expiry
	ttl, err := rs.client.PTTL(ctx, rs.key(seenKeySegment, messageID)).Result()
	if err != nil {
		return 0, false, unavailable("pttl seen", err)
	}
	switch {
	case ttl == -2:
		return 0, false, nil
	case ttl < 0:
		return 0, true, nil
	}
	return ttl, true, nil
}

func (rs *RedisStore) MarkSeen(ctx context.Context, messageID string, ttl time.Duration) error {
	if err := rs.ready(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := rs.client.Set(ctx, rs.key(seenKeySegment, messageID), "1", ttl).Err(); err != nil {
		return unavailable("set seen", err)
	}
	return nil
}

func (rs *RedisStore) LoadSeen(ctx context.Context) (map[string]time.Time, error) {
	if err := rs.ready(); err != nil {
		return nil, err
	}

	keys, err := rs.scanKeys(ctx, rs.key(seenKeySegment, "*"))
	if err != nil {
		return nil, unavailable("scan seen", err)
	}

	pipe := rs.client.Pipeline()
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, k := range keys {
		ttls[i] = pipe.PTTL(ctx, k)
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, unavailable("pttl seen", err)
		}
	}

	now := time.Now()
	prefix := rs.key(seenKeySegment)
	out := make(map[string]time.Time, len(keys))
	for i, k := range keys {
		ttl := ttls[i].Val()
		if ttl <= 0 {
			continue
		}
		out[k[len(prefix):]] = now.Add(ttl)
	}
	return out, nil
}

// ============================================
// Coordination record
// ============================================

func (rs *RedisStore) LoadFetchRecord(ctx context.Context) (*models.FetchRecord, error) {
	if err := rs.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := rs.client.Get(ctx, rs.key(fetchRecordKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get fetch record", err)
	}
	return decodeFetchRecord(raw)
}

func (rs *RedisStore) SwapFetchRecord(ctx context.Context, mutate FetchRecordMutation) (*models.FetchRecord, error) {
	if err := rs.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := rs.key(fetchRecordKey)
	var result *models.FetchRecord

	txf := func(tx *redis.Tx) error {
		var cur *models.FetchRecord
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			if cur, err = decodeFetchRecord(raw); err != nil {
				return err
			}
		}

		next, write := mutate(cur)
		if !write {
			result = cur
			return nil
		}

		if next == nil {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			result = nil
			return err
		}

		rec := *next
		rec.Version = 1
		if cur != nil {
			rec.Version = cur.Version + 1
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		result = &rec
		return err
	}

	if err := rs.watch(ctx, txf, key); err != nil {
		return nil, unavailable("swap fetch record", err)
	}
	return result, nil
}

func decodeFetchRecord(raw []byte) (*models.FetchRecord, error) {
	var rec models.FetchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode fetch record: %w", err)
	}
	return &rec, nil
}

// ============================================
// Status
// ============================================

// Stats reports the store state for the cache status endpoint.
func (rs *RedisStore) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"mode":       rs.Mode(),
		"key_prefix": rs.prefix,
	}
	if rs.ready() != nil {
		return stats
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if prices, err := rs.scanKeys(ctx, rs.key(priceKeySegment, "*")); err == nil {
		stats["price_keys"] = len(prices)
	}
	if seen, err := rs.scanKeys(ctx, rs.key(seenKeySegment, "*")); err == nil {
		stats["seen_keys"] = len(seen)
	}
	return stats
}
