package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"meshprice/models"
)

const (
	DefaultCoordinationWindow = 5 * time.Second
	DefaultStaleRecordAfter   = 5 * time.Minute
)

// CoordinationService keeps co-located providers from hitting the upstream
// API in the same window. There is one mesh-wide record naming the last
// fetcher. When the store is unreachable every provider is allowed to fetch.
type CoordinationService struct {
	store      CoordinationStore
	window     time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewCoordinationService(store CoordinationStore, window, staleAfter time.Duration, logger *zap.Logger) *CoordinationService {
	if window <= 0 {
		window = DefaultCoordinationWindow
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleRecordAfter
	}
	return &CoordinationService{
		store:      store,
		window:     window,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

func (s *CoordinationService) allowed(rec *models.FetchRecord, nodeID string, now time.Time) bool {
	if rec == nil {
		return true
	}
	if rec.LastFetcherID == nodeID {
		return true
	}
	return now.Sub(rec.LastFetchTime) >= s.window
}

// ShouldFetch reports whether nodeID may fetch now: it was the last fetcher,
// the window since the last fetch has passed, or nobody has fetched yet.
func (s *CoordinationService) ShouldFetch(ctx context.Context, nodeID string) bool {
	if s.store == nil {
		return true
	}
	rec, err := s.store.LoadFetchRecord(ctx)
	if err != nil {
		s.logger.Warn("coordination store unavailable, allowing fetch",
			zap.String("node_id", nodeID), zap.Error(err))
		return true
	}
	return s.allowed(rec, nodeID, s.now())
}

// RecordFetch stores a completed fetch. It overwrites the record except when
// the stored fetch is newer than ts: a slow fetch finishing late must not hand
// the window back to a fetcher that already lost it.
func (s *CoordinationService) RecordFetch(ctx context.Context, nodeID string, ts time.Time) error {
	if s.store == nil {
		return nil
	}
	_, err := s.store.SwapFetchRecord(ctx, func(cur *models.FetchRecord) (*models.FetchRecord, bool) {
		if cur != nil && cur.LastFetchTime.After(ts) {
			return cur, false
		}
		return &models.FetchRecord{LastFetcherID: nodeID, LastFetchTime: ts}, true
	})
	if err != nil {
		return fmt.Errorf("%w: record fetch: %v", models.ErrCoordinationUnavailable, err)
	}
	return nil
}

// GetLastFetchTime returns the last recorded fetch, zero when none.
func (s *CoordinationService) GetLastFetchTime(ctx context.Context) (time.Time, error) {
	if s.store == nil {
		return time.Time{}, nil
	}
	rec, err := s.store.LoadFetchRecord(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", models.ErrCoordinationUnavailable, err)
	}
	if rec == nil {
		return time.Time{}, nil
	}
	return rec.LastFetchTime, nil
}

// GetRecord returns the current record, nil when none.
func (s *CoordinationService) GetRecord(ctx context.Context) (*models.FetchRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	rec, err := s.store.LoadFetchRecord(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCoordinationUnavailable, err)
	}
	return rec, nil
}

// CleanupStaleRecords deletes the record once nobody has fetched for
// staleAfter. It reports whether a record was removed.
func (s *CoordinationService) CleanupStaleRecords(ctx context.Context) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	now := s.now()
	removed := false
	_, err := s.store.SwapFetchRecord(ctx, func(cur *models.FetchRecord) (*models.FetchRecord, bool) {
		removed = false
		if cur == nil || now.Sub(cur.LastFetchTime) < s.staleAfter {
			return cur, false
		}
		removed = true
		return nil, true
	})
	if err != nil {
		return false, fmt.Errorf("%w: cleanup: %v", models.ErrCoordinationUnavailable, err)
	}
	return removed, nil
}
