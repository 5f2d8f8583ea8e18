package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// GetHealth returns OK
func (h *Handler) GetHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// GetStatus returns a summary of this node
func (h *Handler) GetStatus(c echo.Context) error {
	st := h.Mesh.GetNetworkStatus()

	status := map[string]interface{}{
		"status":           "running",
		"node_id":          h.Mesh.NodeID(),
		"protocol_version": st.ProtocolVersion,
		"provider_mode":    st.ProviderMode,
		"connected_peers":  st.ConnectedPeers,
		"active_providers": len(st.ActiveProviders),
		"data_freshness":   st.DataFreshness,
		"uptime":           time.Since(h.StartedAt).Round(time.Second).String(),
		"timestamp":        time.Now().UTC(),
	}
	return c.JSON(http.StatusOK, status)
}
