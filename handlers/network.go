package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// GetNetworkStatus godoc
// @Summary Get this node's view of the mesh
// @Tags network
// @Produce json
// @Success 200 {object} models.NetworkStatus
// @Router /api/network/status [get]
func (h *Handler) GetNetworkStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Mesh.GetNetworkStatus())
}

// GetPeers godoc
// @Summary List directly connected peers
// @Tags network
// @Produce json
// @Success 200 {array} models.PeerInfo
// @Router /api/network/peers [get]
func (h *Handler) GetPeers(c echo.Context) error {
	peers := h.Mesh.Peers()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(peers),
		"peers": peers,
	})
}

// GetCoordination returns the shared fetch record, null when no provider has
// fetched recently.
func (h *Handler) GetCoordination(c echo.Context) error {
	rec, err := h.Mesh.CoordinationRecord(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"record": rec})
}
