package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"meshprice/models"
)

// PriceSource is the upstream price API.
type PriceSource interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]models.PriceData, error)
	ValidateAPIKey(ctx context.Context) error
}

// Fetch cycle results, used as metric labels.
const (
	FetchSkipped   = "skipped"
	FetchSucceeded = "succeeded"
	FetchFailed    = "failed"
)

type ProviderOptions struct {
	NodeID           string
	Symbols          []string
	Interval         time.Duration
	FetchTimeout     time.Duration
	InitialTTL       uint8
	MaxAttempts      int
	InitialBackoff   time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	BreakerCooldown  time.Duration
}

func (o *ProviderOptions) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.SuccessThreshold == 0 {
		o.SuccessThreshold = 2
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
}

// ProviderNode periodically fetches prices from the upstream API and
// originates them into the mesh. At most one fetch loop runs at a time.
type ProviderNode struct {
	opts         ProviderOptions
	coordination *CoordinationService
	gossip       *GossipProtocol
	metrics      *Metrics
	logger       *zap.Logger
	now          func() time.Time

	mu      sync.Mutex
	source  PriceSource
	breaker *gobreaker.CircuitBreaker[map[string]models.PriceData]
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	stateMu sync.RWMutex
	state   models.ProviderConfig
}

func NewProviderNode(opts ProviderOptions, coordination *CoordinationService, gossip *GossipProtocol, metrics *Metrics, logger *zap.Logger) *ProviderNode {
	opts.applyDefaults()
	return &ProviderNode{
		opts:         opts,
		coordination: coordination,
		gossip:       gossip,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
		state:        models.ProviderConfig{NodeID: opts.NodeID},
	}
}

func (p *ProviderNode) newBreaker() *gobreaker.CircuitBreaker[map[string]models.PriceData] {
	threshold := p.opts.FailureThreshold
	return gobreaker.NewCircuitBreaker[map[string]models.PriceData](gobreaker.Settings{
		Name:        "upstream-prices",
		MaxRequests: p.opts.SuccessThreshold,
		Timeout:     p.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.metrics.setBreakerState(float64(to))
			p.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

// Start begins the fetch loop against source. The first cycle runs
// immediately.
func (p *ProviderNode) Start(ctx context.Context, source PriceSource) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return models.ErrProviderModeActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.source = source
	p.breaker = p.newBreaker()
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.setEnabled(true)
	p.metrics.setBreakerState(float64(gobreaker.StateClosed))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()

		p.tick(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()

	p.logger.Info("provider mode started",
		zap.String("node_id", p.opts.NodeID), zap.Duration("interval", p.opts.Interval))
	return nil
}

// Stop cancels the loop and waits for an in-flight fetch to finish, bounded
// by ctx.
func (p *ProviderNode) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return models.ErrProviderModeInactive
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	p.setEnabled(false)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.logger.Info("provider mode stopped", zap.String("node_id", p.opts.NodeID))
	return nil
}

func (p *ProviderNode) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// State returns a copy of the provider-mode state.
func (p *ProviderNode) State() models.ProviderConfig {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	st := p.state
	if st.LastFetch != nil {
		t := *st.LastFetch
		st.LastFetch = &t
	}
	return st
}

func (p *ProviderNode) setEnabled(enabled bool) {
	p.stateMu.Lock()
	p.state.Enabled = enabled
	p.stateMu.Unlock()
}

// BreakerState reports the circuit breaker state, closed when not running.
func (p *ProviderNode) BreakerState() gobreaker.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.breaker == nil {
		return gobreaker.StateClosed
	}
	return p.breaker.State()
}

// tick runs one cycle on a context detached from the loop so Stop does not
// abort a fetch that already started.
func (p *ProviderNode) tick(runCtx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), p.opts.FetchTimeout)
	defer cancel()

	if err := p.RunCycle(ctx); err != nil {
		p.logger.Error("provider fetch cycle failed, keeping cached prices",
			zap.String("node_id", p.opts.NodeID), zap.Error(err))
	}
}

// RunCycle performs one coordinated fetch and broadcast. A cycle skipped by
// coordination returns nil.
func (p *ProviderNode) RunCycle(ctx context.Context) error {
	p.mu.Lock()
	source, breaker := p.source, p.breaker
	p.mu.Unlock()
	if source == nil || breaker == nil {
		return models.ErrProviderModeInactive
	}

	if !p.coordination.ShouldFetch(ctx, p.opts.NodeID) {
		p.metrics.providerFetch(FetchSkipped)
		p.logger.Debug("another provider fetched recently, skipping cycle",
			zap.String("node_id", p.opts.NodeID))
		return nil
	}

	prices, err := p.fetchWithRetry(ctx, source, breaker)
	if err != nil {
		p.metrics.providerFetch(FetchFailed)
		return err
	}

	ts := p.now().UTC()
	if err := p.coordination.RecordFetch(ctx, p.opts.NodeID, ts); err != nil {
		p.logger.Warn("could not record fetch", zap.String("node_id", p.opts.NodeID), zap.Error(err))
	}

	update := &models.PriceUpdate{
		MessageID:    uuid.NewString(),
		SourceNodeID: p.opts.NodeID,
		Timestamp:    ts,
		TTL:          p.opts.InitialTTL,
		Prices:       prices,
	}
	if err := update.Validate(ts, time.Minute); err != nil {
		p.metrics.providerFetch(FetchFailed)
		return fmt.Errorf("upstream data rejected: %w", err)
	}

	sent, err := p.gossip.Originate(ctx, update)
	if err != nil {
		p.metrics.providerFetch(FetchFailed)
		return fmt.Errorf("originate update: %w", err)
	}

	p.stateMu.Lock()
	p.state.LastFetch = &ts
	p.state.FetchCount++
	p.stateMu.Unlock()

	p.metrics.providerFetch(FetchSucceeded)
	p.logger.Info("broadcast fresh prices",
		zap.String("message_id", update.MessageID),
		zap.Int("assets", len(prices)),
		zap.Int("peers", sent))
	return nil
}

// fetchWithRetry retries transient failures with exponential backoff. Every
// attempt goes through the breaker; an open breaker or a rejected key ends
// the retries at once.
func (p *ProviderNode) fetchWithRetry(ctx context.Context, source PriceSource, breaker *gobreaker.CircuitBreaker[map[string]models.PriceData]) (map[string]models.PriceData, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.MaxAttempts-1)), ctx)

	attempt := 0
	op := func() (map[string]models.PriceData, error) {
		attempt++
		prices, err := breaker.Execute(func() (map[string]models.PriceData, error) {
			return source.GetPrices(ctx, p.opts.Symbols)
		})
		if err == nil && len(prices) == 0 {
			err = fmt.Errorf("%w: upstream returned no prices", models.ErrTransientFetch)
		}
		if err == nil {
			return prices, nil
		}

		var authErr *models.AuthenticationError
		if errors.As(err, &authErr) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(err)
		}
		p.logger.Debug("upstream fetch attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))
		return nil, err
	}

	prices, err := backoff.RetryWithData(op, policy)
	if err != nil {
		return nil, fmt.Errorf("fetch prices after %d attempt(s): %w", attempt, err)
	}
	return prices, nil
}
