package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
)

const (
	DefaultDedupCapacity = 10000
	DefaultDedupTTL      = 300 * time.Second
)

// MessageTracker remembers which message ids this node has already handled.
// Entries live in a bounded LRU and expire independently after ttl. An
// optional SeenStore makes the set survive restarts; store errors never fail
// a call.
type MessageTracker struct {
	mu    sync.Mutex
	seen  *simplelru.LRU[string, time.Time] // id -> expiry
	ttl   time.Duration
	store SeenStore

	now    func() time.Time
	logger *zap.Logger
}

func NewMessageTracker(capacity int, ttl time.Duration, store SeenStore, logger *zap.Logger) (*MessageTracker, error) {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	lru, err := simplelru.NewLRU[string, time.Time](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("create dedup lru: %w", err)
	}
	return &MessageTracker{
		seen:   lru,
		ttl:    ttl,
		store:  store,
		now:    time.Now,
		logger: logger,
	}, nil
}

// seenLocally must be called with mu held. Expired entries are evicted on the way.
func (t *MessageTracker) seenLocally(id string, now time.Time) bool {
	expiry, ok := t.seen.Get(id)
	if !ok {
		return false
	}
	if !now.Before(expiry) {
		t.seen.Remove(id)
		return false
	}
	return true
}

// HasSeen reports whether id was marked and has not expired yet.
func (t *MessageTracker) HasSeen(ctx context.Context, id string) bool {
	now := t.now()

	t.mu.Lock()
	if t.seenLocally(id, now) {
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()

	expiry, seen := t.storeExpiry(ctx, id, now)
	if seen {
		t.mu.Lock()
		t.seen.Add(id, expiry)
		t.mu.Unlock()
	}
	return seen
}

// storeExpiry asks the store about id. A hit keeps the store's remaining
// lifetime, capped at the tracker's ttl.
func (t *MessageTracker) storeExpiry(ctx context.Context, id string, now time.Time) (time.Time, bool) {
	if t.store == nil {
		return time.Time{}, false
	}
	remaining, seen, err := t.store.SeenTTL(ctx, id)
	if err != nil {
		t.logger.Warn("seen store read failed, treating message as unseen",
			zap.String("message_id", id), zap.Error(err))
		return time.Time{}, false
	}
	if !seen {
		return time.Time{}, false
	}
	if remaining <= 0 || remaining > t.ttl {
		remaining = t.ttl
	}
	return now.Add(remaining), true
}

// MarkSeen records id for the tracker's ttl.
func (t *MessageTracker) MarkSeen(ctx context.Context, id string) {
	t.mu.Lock()
	t.seen.Add(id, t.now().Add(t.ttl))
	t.mu.Unlock()

	t.persist(ctx, id)
}

// TryMark atomically checks and marks id. It returns true only for the first
// caller to present an unexpired id.
func (t *MessageTracker) TryMark(ctx context.Context, id string) bool {
	now := t.now()

	t.mu.Lock()
	if t.seenLocally(id, now) {
		t.mu.Unlock()
		return false
	}
	t.seen.Add(id, now.Add(t.ttl))
	t.mu.Unlock()

	if expiry, seen := t.storeExpiry(ctx, id, now); seen {
		t.mu.Lock()
		t.seen.Add(id, expiry)
		t.mu.Unlock()
		return false
	}

	t.persist(ctx, id)
	return true
}

func (t *MessageTracker) persist(ctx context.Context, id string) {
	if t.store == nil {
		return
	}
	if err := t.store.MarkSeen(ctx, id, t.ttl); err != nil {
		t.logger.Warn("seen store write failed", zap.String("message_id", id), zap.Error(err))
	}
}

// LoadFromCache restores unexpired ids from the store after a restart.
func (t *MessageTracker) LoadFromCache(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	entries, err := t.store.LoadSeen(ctx)
	if err != nil {
		return 0, fmt.Errorf("load seen messages: %w", err)
	}

	now := t.now()
	loaded := 0

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, expiry := range entries {
		if !now.Before(expiry) {
			continue
		}
		if _, ok := t.seen.Peek(id); ok {
			continue
		}
		t.seen.Add(id, expiry)
		loaded++
	}
	return loaded, nil
}

// CleanupExpired drops every expired entry and returns how many were removed.
func (t *MessageTracker) CleanupExpired() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, id := range t.seen.Keys() {
		expiry, ok := t.seen.Peek(id)
		if ok && !now.Before(expiry) {
			t.seen.Remove(id)
			removed++
		}
	}
	return removed
}

func (t *MessageTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen.Len()
}
