package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshprice/models"
	"meshprice/services"
)

type recordingHandler struct {
	mu           sync.Mutex
	connected    []models.PeerInfo
	disconnected []string
	frames       []string
}

func (r *recordingHandler) OnPeerConnected(ctx context.Context, peer services.Peer, info models.PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, info)
}

func (r *recordingHandler) OnPeerDisconnected(ctx context.Context, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, peerID)
}

func (r *recordingHandler) HandleMessage(ctx context.Context, fromPeer string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, fromPeer+":"+string(data))
	return nil
}

func (r *recordingHandler) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordingHandler) disconnectedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnected...)
}

func newTestHub(t *testing.T, nodeID, version string, mutate ...func(*HubOptions)) (*Hub, *recordingHandler) {
	t.Helper()
	opts := HubOptions{
		NodeID:           nodeID,
		ProtocolVersion:  version,
		MinPeerVersion:   "1.0.0",
		HandshakeTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h := NewHub(opts, zap.NewNop())
	handler := &recordingHandler{}
	h.SetHandler(handler)
	t.Cleanup(h.Close)
	return h, handler
}

func serve(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return srv
}

func TestHub_LinkExchangeAndDisconnect(t *testing.T) {
	ctx := context.Background()
	a, handlerA := newTestHub(t, "node-a", "1.2.0")
	b, handlerB := newTestHub(t, "node-b", "1.1.0")
	srv := serve(t, a)

	require.NoError(t, b.Connect(ctx, srv.URL))
	require.Eventually(t, func() bool { return a.Count() == 1 && b.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, b.ConnectedTo(srv.URL))

	handlerA.mu.Lock()
	require.Len(t, handlerA.connected, 1)
	assert.Equal(t, "node-b", handlerA.connected[0].ID)
	assert.Equal(t, "1.1.0", handlerA.connected[0].Version)
	handlerA.mu.Unlock()

	peers := b.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "node-a", peers[0].ID())
	require.NoError(t, peers[0].Send(ctx, []byte(`{"type":"price_update"}`)))

	require.Eventually(t, func() bool { return handlerA.frameCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `node-b:{"type":"price_update"}`, handlerA.frames[0])

	b.Close()
	require.Eventually(t, func() bool { return len(handlerA.disconnectedIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"node-b"}, handlerA.disconnectedIDs())
	assert.Equal(t, 0, a.Count())
	require.Eventually(t, func() bool { return len(handlerB.disconnectedIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, peers[0].Send(ctx, []byte("late")))
}

func TestHub_RejectsSelfAndIncompatiblePeers(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestHub(t, "node-a", "1.2.0")
	srv := serve(t, a)

	twin, _ := newTestHub(t, "node-a", "1.2.0")
	assert.Error(t, twin.Connect(ctx, srv.URL))

	future, _ := newTestHub(t, "node-f", "2.0.0")
	assert.Error(t, future.Connect(ctx, srv.URL))

	ancient, _ := newTestHub(t, "node-o", "0.9.0")
	assert.Error(t, ancient.Connect(ctx, srv.URL))

	assert.Equal(t, 0, a.Count())
}

func TestHub_RejectsDuplicateLink(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestHub(t, "node-a", "1.2.0")
	b, _ := newTestHub(t, "node-b", "1.2.0")
	srv := serve(t, a)

	require.NoError(t, b.Connect(ctx, srv.URL))
	require.Eventually(t, func() bool { return a.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, b.Connect(ctx, srv.URL), ErrDuplicatePeer)
	assert.Equal(t, 1, b.Count())
}

func TestHub_InboundRateLimit(t *testing.T) {
	ctx := context.Background()
	a, handlerA := newTestHub(t, "node-a", "1.2.0", func(o *HubOptions) {
		o.InboundRate = rate.Limit(0.001)
		o.InboundBurst = 2
	})
	b, _ := newTestHub(t, "node-b", "1.2.0")
	srv := serve(t, a)

	require.NoError(t, b.Connect(ctx, srv.URL))
	peer := b.Peers()[0]
	for i := 0; i < 5; i++ {
		require.NoError(t, peer.Send(ctx, []byte(`{}`)))
	}

	require.Eventually(t, func() bool { return handlerA.frameCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return handlerA.frameCount() > 2 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestSeedDialer_Bootstrap(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestHub(t, "node-a", "1.2.0")
	b, _ := newTestHub(t, "node-b", "1.2.0")
	srv := serve(t, a)

	d := NewSeedDialer(b, []string{srv.URL, "127.0.0.1:1"}, time.Hour, zap.NewNop())
	assert.Equal(t, 1, d.Bootstrap(ctx))
	assert.True(t, d.recentlyFailed("127.0.0.1:1"))

	// connected and cooling-down seeds are both skipped
	assert.Equal(t, 0, d.Bootstrap(ctx))

	d.now = func() time.Time { return time.Now().Add(failedSeedCooldown + time.Second) }
	assert.False(t, d.recentlyFailed("127.0.0.1:1"))
}

func TestMeshURL(t *testing.T) {
	tests := map[string]string{
		"10.0.0.1:8080":             "ws://10.0.0.1:8080/mesh",
		"ws://seed.example:80/mesh": "ws://seed.example:80/mesh",
		"https://seed.example/mesh": "wss://seed.example/mesh",
	}
	for in, want := range tests {
		got, err := meshURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := meshURL("ftp://seed.example")
	assert.Error(t, err)
}
