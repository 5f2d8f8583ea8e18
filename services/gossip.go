package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshprice/models"
)

const (
	DefaultSendTimeout  = 5 * time.Second
	DefaultMaxClockSkew = 30 * time.Second
)

// Peer is one live link to another node.
type Peer interface {
	ID() string
	Send(ctx context.Context, data []byte) error
}

// PeerSet lists the currently connected peers.
type PeerSet interface {
	Peers() []Peer
}

// ProcessResult describes what happened to one inbound update.
type ProcessResult struct {
	Accepted  bool
	Duplicate bool
	Changed   map[string]models.CachedPriceData
	Relayed   bool
	RelayTTL  uint8
	SentTo    int
	Err       error
}

// GossipProtocol floods price updates through the mesh. A message id is
// processed and relayed at most once per node; TTL bounds how far it travels.
type GossipProtocol struct {
	tracker *MessageTracker
	cache   *PriceCache
	events  *EventBus
	peers   PeerSet

	maxSkew     time.Duration
	sendTimeout time.Duration
	now         func() time.Time

	metrics *Metrics
	logger  *zap.Logger
}

type GossipOptions struct {
	MaxClockSkew time.Duration
	SendTimeout  time.Duration
}

func NewGossipProtocol(tracker *MessageTracker, cache *PriceCache, events *EventBus, peers PeerSet, opts GossipOptions, metrics *Metrics, logger *zap.Logger) *GossipProtocol {
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultMaxClockSkew
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	return &GossipProtocol{
		tracker:     tracker,
		cache:       cache,
		events:      events,
		peers:       peers,
		maxSkew:     opts.MaxClockSkew,
		sendTimeout: opts.SendTimeout,
		now:         time.Now,
		metrics:     metrics,
		logger:      logger,
	}
}

// ShouldProcess atomically claims the update's id. False means this node has
// already handled it.
func (g *GossipProtocol) ShouldProcess(ctx context.Context, u *models.PriceUpdate) bool {
	return g.tracker.TryMark(ctx, u.MessageID)
}

// ShouldRelay returns the TTL for the relayed copy, or false once the hop
// budget is spent.
func (g *GossipProtocol) ShouldRelay(ttl uint8) (uint8, bool) {
	if ttl == 0 {
		return 0, false
	}
	return ttl - 1, true
}

// ProcessUpdate runs one inbound update through validation, dedup, the
// cache, local dispatch and relay. fromPeer is excluded from the relay.
func (g *GossipProtocol) ProcessUpdate(ctx context.Context, u *models.PriceUpdate, fromPeer string) ProcessResult {
	if err := u.Validate(g.now(), g.maxSkew); err != nil {
		g.metrics.gossipOutcome(OutcomeMalformed)
		g.logger.Warn("rejecting malformed price update",
			zap.String("source_node_id", u.SourceNodeID),
			zap.String("message_id", u.MessageID),
			zap.String("peer_id", fromPeer),
			zap.Error(err))
		return ProcessResult{Err: err}
	}

	if !g.ShouldProcess(ctx, u) {
		g.metrics.gossipOutcome(OutcomeDuplicate)
		g.logger.Debug("duplicate price update",
			zap.String("message_id", u.MessageID), zap.String("peer_id", fromPeer))
		return ProcessResult{Duplicate: true}
	}
	g.metrics.gossipOutcome(OutcomeAccepted)

	result := ProcessResult{Accepted: true, Changed: g.applyToCache(ctx, u)}
	g.dispatch(u, result.Changed)

	ttl, ok := g.ShouldRelay(u.TTL)
	if !ok {
		g.logger.Debug("ttl exhausted, not relaying", zap.String("message_id", u.MessageID))
		return result
	}

	sent, err := g.broadcastUpdate(ctx, u.Relayed(ttl), fromPeer)
	if err != nil {
		g.logger.Error("failed to encode relay", zap.String("message_id", u.MessageID), zap.Error(err))
		return result
	}
	g.metrics.relayed()
	result.Relayed = true
	result.RelayTTL = ttl
	result.SentTo = sent
	return result
}

// Originate publishes an update created by this node. The id is registered
// before anything is sent so an echo arriving over another path is dropped.
func (g *GossipProtocol) Originate(ctx context.Context, u *models.PriceUpdate) (int, error) {
	g.tracker.MarkSeen(ctx, u.MessageID)

	changed := g.applyToCache(ctx, u)
	g.dispatch(u, changed)

	sent, err := g.broadcastUpdate(ctx, u, "")
	if err != nil {
		return 0, err
	}
	return sent, nil
}

func (g *GossipProtocol) applyToCache(ctx context.Context, u *models.PriceUpdate) map[string]models.CachedPriceData {
	changed := make(map[string]models.CachedPriceData)
	for asset := range u.Prices {
		data, ok := u.Cached(asset)
		if !ok {
			continue
		}
		if g.cache.Store(ctx, data) {
			changed[asset] = data
		}
	}
	return changed
}

func (g *GossipProtocol) dispatch(u *models.PriceUpdate, changed map[string]models.CachedPriceData) {
	if len(changed) == 0 || g.events == nil {
		return
	}
	g.events.PublishPriceChange(&models.PriceChange{
		MessageID:    u.MessageID,
		SourceNodeID: u.SourceNodeID,
		Changed:      changed,
	})
}

func (g *GossipProtocol) broadcastUpdate(ctx context.Context, u *models.PriceUpdate, except string) (int, error) {
	env, err := models.NewEnvelope(models.MessageTypePriceUpdate, u)
	if err != nil {
		return 0, err
	}
	return g.Broadcast(ctx, env, except)
}

// Broadcast sends env to every connected peer except the one named by
// except. Sends run concurrently, each bounded by the send timeout. A failed
// peer is logged and skipped; the number of successful sends is returned.
func (g *GossipProtocol) Broadcast(ctx context.Context, env models.Envelope, except string) (int, error) {
	frame, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}
	if g.peers == nil {
		return 0, nil
	}

	var (
		wg   sync.WaitGroup
		sent atomic.Int32
	)
	for _, p := range g.peers.Peers() {
		if p.ID() == except {
			continue
		}
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, g.sendTimeout)
			defer cancel()
			if err := p.Send(sctx, frame); err != nil {
				g.metrics.sendFailed()
				g.logger.Warn("peer send failed",
					zap.String("peer_id", p.ID()), zap.String("type", env.Type),
					zap.Error(fmt.Errorf("%w: %v", models.ErrPeerSendFailure, err)))
				return
			}
			sent.Add(1)
		}(p)
	}
	wg.Wait()
	return int(sent.Load()), nil
}

// SendTo delivers env to a single peer, bounded by the send timeout.
func (g *GossipProtocol) SendTo(ctx context.Context, p Peer, env models.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, g.sendTimeout)
	defer cancel()
	if err := p.Send(sctx, frame); err != nil {
		g.metrics.sendFailed()
		return fmt.Errorf("%w: %s: %v", models.ErrPeerSendFailure, p.ID(), err)
	}
	return nil
}
