package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshprice/config"
	"meshprice/models"
	"meshprice/utils"
)

// PeerHandler receives transport callbacks. The transport runs one reader
// goroutine per peer, each feeding HandleMessage.
type PeerHandler interface {
	OnPeerConnected(ctx context.Context, peer Peer, info models.PeerInfo)
	OnPeerDisconnected(ctx context.Context, peerID string)
	HandleMessage(ctx context.Context, fromPeer string, data []byte) error
}

var _ PeerHandler = (*MeshPriceService)(nil)

// SourceFactory builds an upstream client for an API key.
type SourceFactory func(apiKey string) PriceSource

// Deps collects the collaborators of a MeshPriceService. Stores and the geo
// resolver may be nil.
type Deps struct {
	Config            *config.Config
	NodeID            string
	Logger            *zap.Logger
	Metrics           *Metrics
	Peers             PeerSet
	SeenStore         SeenStore
	PriceTiers        []PriceTier
	CoordinationStore CoordinationStore
	SourceFactory     SourceFactory
	Geo               *utils.GeoResolver
	Notifier          AlertNotifier
	AlertStore        AlertHistoryStore
}

// MeshPriceService wires the mesh components together and is the only entry
// point used by the transport and the HTTP API.
type MeshPriceService struct {
	cfg        *config.Config
	nodeID     string
	initialTTL uint8
	policy     utils.ProtocolPolicy

	tracker      *MessageTracker
	cache        *PriceCache
	coordination *CoordinationService
	gossip       *GossipProtocol
	provider     *ProviderNode
	status       *NetworkStatusTracker
	events       *EventBus
	registry     *PeerRegistry
	alerts       *AlertService
	metrics      *Metrics
	logger       *zap.Logger

	sourceFactory SourceFactory
	scheduler     *cron.Cron

	// provider loops outlive the request that enabled them
	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

func NewMeshPriceService(d Deps) (*MeshPriceService, error) {
	cfg := d.Config
	if d.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	logger := d.Logger.With(zap.String("node_id", d.NodeID))

	tracker, err := NewMessageTracker(cfg.Gossip.DedupCapacity, cfg.DedupTTLDuration(), d.SeenStore, logger)
	if err != nil {
		return nil, err
	}

	events := NewEventBus(logger, d.Metrics)
	cache := NewPriceCache(cfg.StaleThresholdDuration(), logger, d.Metrics, d.PriceTiers...)
	coordination := NewCoordinationService(d.CoordinationStore, cfg.CoordinationWindowDuration(), cfg.StaleRecordDuration(), logger)
	gossip := NewGossipProtocol(tracker, cache, events, d.Peers, GossipOptions{
		MaxClockSkew: cfg.MaxClockSkewDuration(),
		SendTimeout:  cfg.SendTimeoutDuration(),
	}, d.Metrics, logger)

	initialTTL := uint8(cfg.Gossip.InitialTTL)
	provider := NewProviderNode(ProviderOptions{
		NodeID:           d.NodeID,
		Symbols:          cfg.Provider.Symbols,
		Interval:         cfg.FetchIntervalDuration(),
		FetchTimeout:     cfg.FetchTimeoutDuration(),
		InitialTTL:       initialTTL,
		MaxAttempts:      cfg.Provider.MaxAttempts,
		InitialBackoff:   cfg.InitialBackoffDuration(),
		FailureThreshold: uint32(cfg.Provider.FailureThreshold),
		SuccessThreshold: uint32(cfg.Provider.SuccessThreshold),
		BreakerCooldown:  cfg.BreakerCooldownDuration(),
	}, coordination, gossip, d.Metrics, logger)

	status := NewNetworkStatusTracker(NetworkStatusOptions{
		NodeID:          d.NodeID,
		ProtocolVersion: cfg.Node.ProtocolVersion,
		ExtendedOffline: cfg.ExtendedOfflineDuration(),
		ProviderTimeout: cfg.ProviderTimeoutDuration(),
		StaleThreshold:  cfg.StaleThresholdDuration(),
	}, events, d.Metrics, logger)

	runCtx, runCancel := context.WithCancel(context.Background())

	return &MeshPriceService{
		cfg:        cfg,
		nodeID:     d.NodeID,
		initialTTL: initialTTL,
		policy: utils.ProtocolPolicy{
			Current:      cfg.Node.ProtocolVersion,
			MinSupported: cfg.Node.MinPeerVersion,
		},
		tracker:       tracker,
		cache:         cache,
		coordination:  coordination,
		gossip:        gossip,
		provider:      provider,
		status:        status,
		events:        events,
		registry:      NewPeerRegistry(d.Geo),
		alerts:        NewAlertService(status, d.Notifier, d.AlertStore, logger),
		metrics:       d.Metrics,
		logger:        logger,
		sourceFactory: d.SourceFactory,
		scheduler:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		runCtx:        runCtx,
		runCancel:     runCancel,
	}, nil
}

func (s *MeshPriceService) NodeID() string { return s.nodeID }

// Start restores persisted state, schedules maintenance and enables provider
// mode when an API key is configured.
func (s *MeshPriceService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.tracker.LoadFromCache(gctx)
		if err != nil {
			s.logger.Warn("could not restore seen messages", zap.Error(err))
			return nil
		}
		s.logger.Info("restored seen messages", zap.Int("count", n))
		return nil
	})
	g.Go(func() error {
		n, err := s.cache.LoadFromStorage(gctx)
		if err != nil {
			s.logger.Warn("could not restore price cache", zap.Error(err))
			return nil
		}
		s.logger.Info("restored cached prices", zap.Int("count", n))
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	s.status.RecordDataUpdate(s.cache.Newest())

	if err := s.scheduleMaintenance(); err != nil {
		return err
	}
	s.scheduler.Start()

	if key := s.cfg.Provider.APIKey; key != "" {
		if err := s.EnableProviderMode(ctx, key); err != nil {
			s.logger.Error("could not enable provider mode at startup", zap.Error(err))
		}
	}

	s.logger.Info("mesh price service started", zap.String("protocol_version", s.cfg.Node.ProtocolVersion))
	return nil
}

func (s *MeshPriceService) scheduleMaintenance() error {
	jobs := []struct {
		spec string
		fn   func()
	}{
		{"@every 1m", func() {
			if n := s.tracker.CleanupExpired(); n > 0 {
				s.logger.Debug("expired seen messages", zap.Int("count", n))
			}
		}},
		{"@every 1m", func() {
			ctx, cancel := context.WithTimeout(s.runCtx, 5*time.Second)
			defer cancel()
			if removed, err := s.coordination.CleanupStaleRecords(ctx); err != nil {
				s.logger.Debug("coordination cleanup skipped", zap.Error(err))
			} else if removed {
				s.logger.Info("removed stale coordination record")
			}
		}},
		{"@every 30s", func() {
			s.status.ExpireProviders()
			s.alerts.Evaluate(s.runCtx)
		}},
		{fmt.Sprintf("@every %ds", s.cfg.Cache.PersistInterval), func() {
			ctx, cancel := context.WithTimeout(s.runCtx, 30*time.Second)
			defer cancel()
			if err := s.cache.PersistToStorage(ctx); err != nil {
				s.logger.Debug("price cache persist incomplete", zap.Error(err))
			}
		}},
	}

	for _, job := range jobs {
		if _, err := s.scheduler.AddFunc(job.spec, job.fn); err != nil {
			return fmt.Errorf("schedule %q: %w", job.spec, err)
		}
	}
	return nil
}

// Stop halts provider mode and maintenance and flushes the cache.
func (s *MeshPriceService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	if s.provider.IsRunning() {
		if err := s.provider.Stop(ctx); err != nil {
			s.logger.Warn("provider did not stop cleanly", zap.Error(err))
		}
	}

	select {
	case <-s.scheduler.Stop().Done():
	case <-ctx.Done():
	}

	if err := s.cache.PersistToStorage(ctx); err != nil {
		s.logger.Warn("final cache persist incomplete", zap.Error(err))
	}
	s.runCancel()
	s.logger.Info("mesh price service stopped")
	return nil
}

// ============================================
// Provider mode
// ============================================

// EnableProviderMode validates apiKey and starts fetching. A rejected key
// returns *models.AuthenticationError and changes nothing.
func (s *MeshPriceService) EnableProviderMode(ctx context.Context, apiKey string) error {
	if s.provider.IsRunning() {
		return models.ErrProviderModeActive
	}
	if s.sourceFactory == nil {
		return errors.New("no upstream price source configured")
	}

	source := s.sourceFactory(apiKey)
	if err := source.ValidateAPIKey(ctx); err != nil {
		var authErr *models.AuthenticationError
		if errors.As(err, &authErr) {
			s.logger.Warn("upstream rejected api key", zap.String("reason", authErr.Reason))
			return authErr
		}
		return fmt.Errorf("validate api key: %w", err)
	}

	if err := s.provider.Start(s.runCtx, source); err != nil {
		return err
	}
	s.status.SetProviderMode(true)
	s.status.UpdateProviderStatus(s.nodeID, true)
	s.announceStatus(ctx)
	return nil
}

// DisableProviderMode stops fetching. The loop is cancelled at once; if ctx
// ends before an in-flight fetch finishes, the node is still demoted and the
// fetch drains in the background.
func (s *MeshPriceService) DisableProviderMode(ctx context.Context) error {
	err := s.provider.Stop(ctx)
	if errors.Is(err, models.ErrProviderModeInactive) {
		return err
	}
	if err != nil {
		s.logger.Warn("provider fetch still in flight, draining in background", zap.Error(err))
	}

	s.status.SetProviderMode(false)
	s.status.UpdateProviderStatus(s.nodeID, false)
	s.announceStatus(context.WithoutCancel(ctx))
	return nil
}

func (s *MeshPriceService) ProviderState() models.ProviderConfig {
	return s.provider.State()
}

func (s *MeshPriceService) BreakerState() string {
	return s.provider.BreakerState().String()
}

func (s *MeshPriceService) CoordinationRecord(ctx context.Context) (*models.FetchRecord, error) {
	return s.coordination.GetRecord(ctx)
}

// ============================================
// Inbound traffic
// ============================================

// HandlePriceUpdate processes an update received from fromPeer.
func (s *MeshPriceService) HandlePriceUpdate(ctx context.Context, u *models.PriceUpdate, fromPeer string) ProcessResult {
	if u.SourceNodeID == s.nodeID && s.provider.IsRunning() {
		s.metrics.gossipOutcome(OutcomeOwnEcho)
		s.logger.Debug("dropping own update", zap.String("message_id", u.MessageID), zap.String("peer_id", fromPeer))
		return ProcessResult{Duplicate: true}
	}

	res := s.gossip.ProcessUpdate(ctx, u, fromPeer)
	if !res.Accepted {
		return res
	}

	s.status.RecordDataUpdate(u.Timestamp)
	if u.SourceNodeID != s.nodeID {
		s.status.ObserveProvider(u.SourceNodeID, s.hopCount(u.TTL))
	}
	return res
}

func (s *MeshPriceService) hopCount(ttl uint8) int {
	hops := int(s.initialTTL) - int(ttl) + 1
	if hops < 1 {
		hops = 1
	}
	return hops
}

// HandleMessage decodes one frame from fromPeer and dispatches it.
func (s *MeshPriceService) HandleMessage(ctx context.Context, fromPeer string, data []byte) error {
	env, err := models.DecodeEnvelope(data)
	if err != nil {
		s.metrics.gossipOutcome(OutcomeMalformed)
		s.logger.Warn("undecodable frame", zap.String("peer_id", fromPeer), zap.Error(err))
		return err
	}

	switch env.Type {
	case models.MessageTypePriceUpdate:
		var u models.PriceUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			s.metrics.gossipOutcome(OutcomeMalformed)
			s.logger.Warn("undecodable price update", zap.String("peer_id", fromPeer), zap.Error(err))
			return fmt.Errorf("%w: %v", models.ErrMalformedUpdate, err)
		}
		return s.HandlePriceUpdate(ctx, &u, fromPeer).Err

	case models.MessageTypeNetworkStatus:
		var snap models.StatusSnapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			s.logger.Warn("undecodable status snapshot", zap.String("peer_id", fromPeer), zap.Error(err))
			return fmt.Errorf("%w: %v", models.ErrMalformedUpdate, err)
		}
		s.handleStatusSnapshot(fromPeer, &snap)
		return nil

	default:
		s.logger.Warn("unknown message type", zap.String("peer_id", fromPeer), zap.String("type", env.Type))
		return fmt.Errorf("%w: unknown message type %q", models.ErrMalformedUpdate, env.Type)
	}
}

func (s *MeshPriceService) handleStatusSnapshot(fromPeer string, snap *models.StatusSnapshot) {
	if verStatus, ok := utils.CheckProtocolVersion(snap.ProtocolVersion, s.policy); !ok {
		s.logger.Warn("ignoring status from incompatible peer",
			zap.String("peer_id", fromPeer),
			zap.String("peer_version", snap.ProtocolVersion),
			zap.String("version_status", string(verStatus)))
		return
	}

	if snap.NodeID == "" {
		snap.NodeID = fromPeer
	}
	s.registry.RecordSnapshot(fromPeer, snap)

	switch {
	case snap.IsProvider:
		s.status.UpdateProviderStatus(snap.NodeID, true)
	case s.status.IsProvider(snap.NodeID):
		s.status.UpdateProviderStatus(snap.NodeID, false)
	}

	// providers the peer can see are one hop further from us
	cutoff := time.Now().Add(-s.cfg.ProviderTimeoutDuration())
	for _, p := range snap.ActiveProviders {
		if p.NodeID == s.nodeID || p.NodeID == snap.NodeID || p.LastSeen.Before(cutoff) {
			continue
		}
		s.status.ObserveProvider(p.NodeID, p.HopCount+1)
	}

	s.status.UpdateTopology(s.registry.Count(), s.registry.EstimateNetworkSize())
}

// OnPeerConnected registers the peer and sends it one status snapshot.
func (s *MeshPriceService) OnPeerConnected(ctx context.Context, peer Peer, info models.PeerInfo) {
	if info.ID == "" {
		info.ID = peer.ID()
	}
	s.registry.Add(info)
	s.status.UpdateTopology(s.registry.Count(), s.registry.EstimateNetworkSize())
	s.logger.Info("peer connected", zap.String("peer_id", info.ID), zap.String("address", info.Address))

	env, err := models.NewEnvelope(models.MessageTypeNetworkStatus, s.snapshot())
	if err != nil {
		s.logger.Error("failed to encode status snapshot", zap.Error(err))
		return
	}
	if err := s.gossip.SendTo(ctx, peer, env); err != nil {
		s.logger.Warn("failed to send status snapshot", zap.String("peer_id", info.ID), zap.Error(err))
	}
}

// OnPeerDisconnected forgets the peer and, if it was a provider, tells the
// status tracker.
func (s *MeshPriceService) OnPeerDisconnected(ctx context.Context, peerID string) {
	if _, ok := s.registry.Remove(peerID); !ok {
		return
	}
	s.status.UpdateTopology(s.registry.Count(), s.registry.EstimateNetworkSize())
	if s.status.IsProvider(peerID) {
		s.status.OnProviderDisconnected(peerID)
	}
	s.logger.Info("peer disconnected", zap.String("peer_id", peerID))
}

func (s *MeshPriceService) snapshot() models.StatusSnapshot {
	st := s.status.GetStatus()
	return models.StatusSnapshot{
		NodeID:               s.nodeID,
		ProtocolVersion:      s.cfg.Node.ProtocolVersion,
		IsProvider:           s.provider.IsRunning(),
		ActiveProviders:      st.ActiveProviders,
		ConnectedPeers:       st.ConnectedPeers,
		EstimatedNetworkSize: st.EstimatedNetworkSize,
		SentAt:               time.Now().UTC(),
	}
}

// announceStatus pushes a fresh snapshot to direct peers. Snapshots are not
// relayed further.
func (s *MeshPriceService) announceStatus(ctx context.Context) {
	env, err := models.NewEnvelope(models.MessageTypeNetworkStatus, s.snapshot())
	if err != nil {
		s.logger.Error("failed to encode status snapshot", zap.Error(err))
		return
	}
	if _, err := s.gossip.Broadcast(ctx, env, ""); err != nil {
		s.logger.Warn("failed to announce status", zap.Error(err))
	}
}

// ============================================
// Application reads
// ============================================

func (s *MeshPriceService) GetPriceData(ctx context.Context, asset string) (models.PriceSnapshot, error) {
	s.noteMissingProviders()
	data, ok := s.cache.Get(ctx, asset)
	if !ok {
		return models.PriceSnapshot{}, fmt.Errorf("%w: %s", models.ErrPriceNotFound, asset)
	}
	return models.PriceSnapshot{CachedPriceData: data, Freshness: s.cache.CalculateFreshness(data.Timestamp)}, nil
}

func (s *MeshPriceService) GetAllPriceData(ctx context.Context) map[string]models.PriceSnapshot {
	s.noteMissingProviders()
	all := s.cache.GetAll(ctx)
	out := make(map[string]models.PriceSnapshot, len(all))
	for asset, data := range all {
		out[asset] = models.PriceSnapshot{CachedPriceData: data, Freshness: s.cache.CalculateFreshness(data.Timestamp)}
	}
	return out
}

func (s *MeshPriceService) noteMissingProviders() {
	if len(s.status.GetActiveProviders()) == 0 {
		s.logger.Debug("no active providers, serving cached prices")
	}
}

func (s *MeshPriceService) GetNetworkStatus() models.NetworkStatus {
	return s.status.GetStatus()
}

func (s *MeshPriceService) Peers() []models.PeerInfo {
	return s.registry.List()
}

func (s *MeshPriceService) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = s.cfg.Gossip.SubscriberBuffer
	}
	return s.events.Subscribe(buffer)
}

func (s *MeshPriceService) AlertHistory() []AlertRecord {
	return s.alerts.History()
}

// PersistCache flushes the in-memory cache to every tier.
func (s *MeshPriceService) PersistCache(ctx context.Context) error {
	return s.cache.PersistToStorage(ctx)
}

// StatusLine is a one-line summary for chat commands.
func (s *MeshPriceService) StatusLine() string {
	st := s.status.GetStatus()
	return fmt.Sprintf("providers: %d | peers: %d | network: ~%d nodes | data: %s",
		len(st.ActiveProviders), st.ConnectedPeers, st.EstimatedNetworkSize, st.DataFreshness)
}
