package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshprice/models"
	"meshprice/services"
	"meshprice/utils"
)

// MessageTypeHello opens every connection in both directions.
const MessageTypeHello = "hello"

var (
	ErrSelfConnection    = errors.New("refusing connection to self")
	ErrDuplicatePeer     = errors.New("peer already connected")
	ErrIncompatiblePeer  = errors.New("incompatible protocol version")
	ErrHandshakeRejected = errors.New("handshake rejected")
)

var _ services.PeerSet = (*Hub)(nil)

type hello struct {
	NodeID          string `json:"node_id"`
	ProtocolVersion string `json:"protocol_version"`
}

type HubOptions struct {
	NodeID          string
	ProtocolVersion string
	MinPeerVersion  string

	InboundRate  rate.Limit
	InboundBurst int

	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	SendBuffer       int
	AllowedOrigins   []string
}

func (o *HubOptions) applyDefaults() {
	if o.InboundRate <= 0 {
		o.InboundRate = 50
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 100
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 512 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
}

// Hub owns every websocket link of this node. It accepts inbound peers on
// ServeWS, dials outbound ones with Connect, and reports the live set to the
// gossip layer through Peers.
type Hub struct {
	opts     HubOptions
	policy   utils.ProtocolPolicy
	upgrader websocket.Upgrader
	dialer   websocket.Dialer
	logger   *zap.Logger

	mu      sync.RWMutex
	peers   map[string]*peerConn
	handler services.PeerHandler
	closed  bool
}

func NewHub(opts HubOptions, logger *zap.Logger) *Hub {
	opts.applyDefaults()
	h := &Hub{
		opts: opts,
		policy: utils.ProtocolPolicy{
			Current:      opts.ProtocolVersion,
			MinSupported: opts.MinPeerVersion,
		},
		dialer: websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: logger,
		peers:  make(map[string]*peerConn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetHandler installs the receiver of peer events. Frames arriving before a
// handler is set are dropped.
func (h *Hub) SetHandler(handler services.PeerHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

func (h *Hub) currentHandler() services.PeerHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Peers returns the connected peers sorted by id.
func (h *Hub) Peers() []services.Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]services.Peer, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.peers[id])
	}
	return out
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// ConnectedTo reports whether an outbound link to address is up.
func (h *Hub) ConnectedTo(address string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		if p.outbound && p.address == address {
			return true
		}
	}
	return false
}

// ServeWS upgrades an inbound request and runs the handshake.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("mesh upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	remote, err := h.handshake(conn, false)
	if err != nil {
		h.logger.Warn("inbound handshake failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		h.reject(conn, err)
		return
	}
	if err := h.register(conn, remote, r.RemoteAddr, false); err != nil {
		h.logger.Info("inbound peer refused", zap.String("peer_id", remote.NodeID), zap.Error(err))
		h.reject(conn, err)
	}
}

// Connect dials a seed or peer. target is a ws:// URL or a bare host:port.
func (h *Hub) Connect(ctx context.Context, target string) error {
	u, err := meshURL(target)
	if err != nil {
		return err
	}

	conn, _, err := h.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}

	remote, err := h.handshake(conn, true)
	if err != nil {
		h.reject(conn, err)
		return fmt.Errorf("handshake with %s: %w", u, err)
	}
	if err := h.register(conn, remote, target, true); err != nil {
		h.reject(conn, err)
		return err
	}
	return nil
}

func meshURL(target string) (string, error) {
	if !strings.Contains(target, "://") {
		target = "ws://" + target + "/mesh"
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", target, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid peer address %q: unsupported scheme", target)
	}
	return u.String(), nil
}

// handshake exchanges hello frames. The dialing side speaks first.
func (h *Hub) handshake(conn *websocket.Conn, dialing bool) (hello, error) {
	deadline := time.Now().Add(h.opts.HandshakeTimeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	defer func() {
		conn.SetReadDeadline(time.Time{})
		conn.SetWriteDeadline(time.Time{})
	}()

	if dialing {
		if err := h.writeHello(conn); err != nil {
			return hello{}, err
		}
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return hello{}, fmt.Errorf("read hello: %w", err)
	}
	env, err := models.DecodeEnvelope(data)
	if err != nil {
		return hello{}, err
	}
	if env.Type != MessageTypeHello {
		return hello{}, fmt.Errorf("%w: expected hello, got %q", ErrHandshakeRejected, env.Type)
	}
	var remote hello
	if err := json.Unmarshal(env.Payload, &remote); err != nil || remote.NodeID == "" {
		return hello{}, fmt.Errorf("%w: hello without node id", ErrHandshakeRejected)
	}

	if remote.NodeID == h.opts.NodeID {
		return hello{}, ErrSelfConnection
	}
	if status, ok := utils.CheckProtocolVersion(remote.ProtocolVersion, h.policy); !ok {
		return hello{}, fmt.Errorf("%w: %s (%s)", ErrIncompatiblePeer, remote.ProtocolVersion, status)
	}

	if !dialing {
		if err := h.writeHello(conn); err != nil {
			return hello{}, err
		}
	}
	return remote, nil
}

func (h *Hub) writeHello(conn *websocket.Conn) error {
	env, err := models.NewEnvelope(MessageTypeHello, hello{
		NodeID:          h.opts.NodeID,
		ProtocolVersion: h.opts.ProtocolVersion,
	})
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}
	return nil
}

func (h *Hub) reject(conn *websocket.Conn, reason error) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, truncate(reason.Error(), 120))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (h *Hub) register(conn *websocket.Conn, remote hello, address string, outbound bool) error {
	p := &peerConn{
		id:       remote.NodeID,
		address:  address,
		version:  remote.ProtocolVersion,
		outbound: outbound,
		conn:     conn,
		hub:      h,
		send:     make(chan []byte, h.opts.SendBuffer),
		limiter:  rate.NewLimiter(h.opts.InboundRate, h.opts.InboundBurst),
		logger:   h.logger.With(zap.String("peer_id", remote.NodeID)),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("hub closed")
	}
	if _, exists := h.peers[p.id]; exists {
		h.mu.Unlock()
		return ErrDuplicatePeer
	}
	h.peers[p.id] = p
	handler := h.handler
	h.mu.Unlock()

	h.logger.Info("peer linked",
		zap.String("peer_id", p.id), zap.String("address", address),
		zap.Bool("outbound", outbound), zap.String("version", p.version))

	// the handler sees the peer before any of its frames
	if handler != nil {
		handler.OnPeerConnected(context.Background(), p, models.PeerInfo{
			ID:          p.id,
			Address:     address,
			Version:     p.version,
			ConnectedAt: time.Now().UTC(),
		})
	}
	p.start()
	return nil
}

func (h *Hub) unregister(p *peerConn) {
	h.mu.Lock()
	current, ok := h.peers[p.id]
	if ok && current == p {
		delete(h.peers, p.id)
	}
	handler := h.handler
	h.mu.Unlock()

	if !ok || current != p {
		return
	}
	h.logger.Info("peer unlinked", zap.String("peer_id", p.id))
	if handler != nil {
		handler.OnPeerDisconnected(context.Background(), p.id)
	}
}

// Close drops every link and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peerConn, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}
