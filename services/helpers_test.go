package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshprice/config"
	"meshprice/models"
)

var errBackendDown = errors.New("backend down")

// fakeClock is a settable clock for expiry scenarios.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingPeer stores every frame sent to it.
type recordingPeer struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames [][]byte
}

func (p *recordingPeer) ID() string { return p.id }

func (p *recordingPeer) Send(ctx context.Context, data []byte) error {
	if p.fail {
		return errors.New("connection reset")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, append([]byte(nil), data...))
	return nil
}

func (p *recordingPeer) envelopes(t *testing.T) []models.Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Envelope, 0, len(p.frames))
	for _, f := range p.frames {
		env, err := models.DecodeEnvelope(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (p *recordingPeer) updates(t *testing.T) []models.PriceUpdate {
	t.Helper()
	var out []models.PriceUpdate
	for _, env := range p.envelopes(t) {
		if env.Type != models.MessageTypePriceUpdate {
			continue
		}
		var u models.PriceUpdate
		require.NoError(t, json.Unmarshal(env.Payload, &u))
		out = append(out, u)
	}
	return out
}

// staticPeers is a mutable PeerSet.
type staticPeers struct {
	mu    sync.Mutex
	peers []Peer
}

func (s *staticPeers) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Peer(nil), s.peers...)
}

func (s *staticPeers) add(p Peer) {
	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.mu.Unlock()
}

// memoryTier is an in-process PriceTier with last-write-wins.
type memoryTier struct {
	name string
	fail bool

	mu      sync.Mutex
	entries map[string]models.CachedPriceData
	writes  int
}

func newMemoryTier(name string) *memoryTier {
	return &memoryTier{name: name, entries: make(map[string]models.CachedPriceData)}
}

func (m *memoryTier) Name() string { return m.name }

func (m *memoryTier) LoadPrice(ctx context.Context, asset string) (models.CachedPriceData, bool, error) {
	if m.fail {
		return models.CachedPriceData{}, false, errBackendDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.entries[asset]
	return d, ok, nil
}

func (m *memoryTier) LoadAllPrices(ctx context.Context) ([]models.CachedPriceData, error) {
	if m.fail {
		return nil, errBackendDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CachedPriceData, 0, len(m.entries))
	for _, d := range m.entries {
		out = append(out, d)
	}
	return out, nil
}

func (m *memoryTier) SavePrice(ctx context.Context, data models.CachedPriceData) error {
	if m.fail {
		return errBackendDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if existing, ok := m.entries[data.Symbol]; ok && !data.NewerThan(existing) {
		return nil
	}
	m.entries[data.Symbol] = data
	return nil
}

// brokenStore fails every call.
type brokenStore struct{}

func (brokenStore) SeenTTL(ctx context.Context, id string) (time.Duration, bool, error) {
	return 0, false, errBackendDown
}
func (brokenStore) MarkSeen(ctx context.Context, id string, ttl time.Duration) error {
	return errBackendDown
}
func (brokenStore) LoadSeen(ctx context.Context) (map[string]time.Time, error) {
	return nil, errBackendDown
}
func (brokenStore) LoadFetchRecord(ctx context.Context) (*models.FetchRecord, error) {
	return nil, errBackendDown
}
func (brokenStore) SwapFetchRecord(ctx context.Context, mutate FetchRecordMutation) (*models.FetchRecord, error) {
	return nil, errBackendDown
}

// scriptedSource returns queued results, then repeats the last one.
type scriptedSource struct {
	mu       sync.Mutex
	results  []error
	prices   map[string]models.PriceData
	calls    int
	keyError error
	// block, when set, holds every fetch until it is closed.
	block chan struct{}
}

func (s *scriptedSource) GetPrices(ctx context.Context, symbols []string) (map[string]models.PriceData, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) > 0 {
		if idx >= len(s.results) {
			idx = len(s.results) - 1
		}
		if err := s.results[idx]; err != nil {
			return nil, err
		}
	}
	return s.prices, nil
}

func (s *scriptedSource) ValidateAPIKey(ctx context.Context) error { return s.keyError }

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func solPrices() map[string]models.PriceData {
	return map[string]models.PriceData{
		"SOL": {Symbol: "SOL", Price: decimal.RequireFromString("100.00"), Blockchain: "solana"},
	}
}

func priceAt(asset, price string, ts time.Time, source string) models.CachedPriceData {
	return models.CachedPriceData{
		PriceData: models.PriceData{
			Symbol:     asset,
			Price:      decimal.RequireFromString(price),
			Blockchain: "solana",
		},
		Timestamp:    ts,
		SourceNodeID: source,
	}
}

func newUpdate(id, source string, ts time.Time, ttl uint8, prices map[string]models.PriceData) *models.PriceUpdate {
	return &models.PriceUpdate{
		MessageID:    id,
		SourceNodeID: source,
		Timestamp:    ts,
		TTL:          ttl,
		Prices:       prices,
	}
}

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client, "test:", time.Hour, zap.NewNop()), mr
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Provider.InitialBackoff = 1
	cfg.Provider.FetchInterval = 3600
	cfg.Redis.Enabled = false
	cfg.MongoDB.Enabled = false
	return cfg
}

func newTestTracker(t *testing.T, store SeenStore) *MessageTracker {
	t.Helper()
	tr, err := NewMessageTracker(DefaultDedupCapacity, DefaultDedupTTL, store, zap.NewNop())
	require.NoError(t, err)
	return tr
}

func newTestGossip(t *testing.T, peers PeerSet) (*GossipProtocol, *PriceCache, *EventBus) {
	t.Helper()
	logger := zap.NewNop()
	events := NewEventBus(logger, nil)
	cache := NewPriceCache(time.Hour, logger, nil)
	g := NewGossipProtocol(newTestTracker(t, nil), cache, events, peers, GossipOptions{}, nil, logger)
	return g, cache, events
}

func assertAs(err error, target any) bool { return errors.As(err, target) }

func isTransient(err error) bool { return errors.Is(err, models.ErrTransientFetch) }
