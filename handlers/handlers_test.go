package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshprice/config"
	"meshprice/models"
	"meshprice/services"
)

type stubSource struct{}

func (stubSource) GetPrices(ctx context.Context, symbols []string) (map[string]models.PriceData, error) {
	return map[string]models.PriceData{
		"SOL": {Symbol: "SOL", Price: decimal.RequireFromString("150"), Blockchain: "solana"},
	}, nil
}

func (stubSource) ValidateAPIKey(ctx context.Context) error { return nil }

type rejectingSource struct{ stubSource }

func (rejectingSource) ValidateAPIKey(ctx context.Context) error {
	return &models.AuthenticationError{Reason: "This API Key is invalid."}
}

type testServer struct {
	e    *echo.Echo
	mesh *services.MeshPriceService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Redis.Enabled = false
	cfg.MongoDB.Enabled = false
	cfg.Provider.FetchInterval = 3600
	cfg.Provider.InitialBackoff = 1

	mesh, err := services.NewMeshPriceService(services.Deps{
		Config: cfg,
		NodeID: "node-self",
		Logger: zap.NewNop(),
		SourceFactory: func(key string) services.PriceSource {
			if key == "bad-key" {
				return rejectingSource{}
			}
			return stubSource{}
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mesh.DisableProviderMode(context.Background()) })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := services.NewRedisStoreFromClient(client, "test:", time.Hour, zap.NewNop())

	e := echo.New()
	RegisterRoutes(e, Routes{
		Handler: NewHandler(cfg, mesh),
		Cache:   NewCacheHandlers(store, mesh),
		Alerts:  NewAlertHandlers(mesh, nil),
		Events:  NewEventHandlers(mesh, func(*http.Request) bool { return true }, zap.NewNop()),
		Metrics: services.NewMetrics().Handler(),
	})
	return &testServer{e: e, mesh: mesh}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) receive(t *testing.T, source string, ttl uint8) {
	t.Helper()
	env, err := models.NewEnvelope(models.MessageTypePriceUpdate, &models.PriceUpdate{
		MessageID:    "msg-" + source,
		SourceNodeID: source,
		Timestamp:    time.Now().UTC(),
		TTL:          ttl,
		Prices: map[string]models.PriceData{
			"SOL": {Symbol: "SOL", Price: decimal.RequireFromString("151.25"), Blockchain: "solana"},
		},
	})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, s.mesh.HandleMessage(context.Background(), "peer-a", raw))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestPrices(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/prices/sol", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/prices", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Data-Stale"))

	s.receive(t, "prov-remote", 9)

	rec = s.do(http.MethodGet, "/api/prices/sol", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.PriceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "151.25", snap.Price.String())
	assert.Equal(t, "prov-remote", snap.SourceNodeID)
	assert.Equal(t, models.FreshnessJustNow, snap.Freshness.Kind)

	rec = s.do(http.MethodGet, "/api/prices", "")
	assert.Empty(t, rec.Header().Get("X-Data-Stale"))
	var all PricesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Contains(t, all.Prices, "SOL")
	assert.Equal(t, 1, all.ActiveProviders)
}

func TestProviderMode(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/provider", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/provider", `{"api_key":"bad-key"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "This API Key is invalid.")

	rec = s.do(http.MethodGet, "/api/provider", "")
	var state ProviderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.False(t, state.Enabled)
	assert.Equal(t, "closed", state.BreakerState)

	rec = s.do(http.MethodPost, "/api/provider", `{"api_key":"good-key"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.Enabled)
	assert.Equal(t, "node-self", state.NodeID)

	rec = s.do(http.MethodPost, "/api/provider", `{"api_key":"good-key"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodDelete, "/api/provider", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodDelete, "/api/provider", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestNetworkEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/network/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.NetworkStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "node-self", status.NodeID)
	assert.Equal(t, 1, status.EstimatedNetworkSize)

	rec = s.do(http.MethodGet, "/api/network/peers", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":0,"peers":[]}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/network/coordination", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"record":null}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"node_id":"node-self"`)
}

func TestCacheAndAlerts(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/cache/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"redis"`)

	rec = s.do(http.MethodPost, "/cache/persist", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/alerts", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/alerts?source=archive", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meshprice_")
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first models.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.EventNetworkStatus, first.Type)
	require.NotNil(t, first.Status)
	assert.Equal(t, "node-self", first.Status.NodeID)

	s.receive(t, "prov-remote", 9)

	for {
		var ev models.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type != models.EventPriceChange {
			continue
		}
		require.NotNil(t, ev.Prices)
		assert.Equal(t, "prov-remote", ev.Prices.SourceNodeID)
		assert.Contains(t, ev.Prices.Changed, "SOL")
		return
	}
}
