package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"meshprice/models"
)

// PricesResponse is the full cache plus the network context it was served in.
type PricesResponse struct {
	Prices          map[string]models.PriceSnapshot `json:"prices"`
	ActiveProviders int                             `json:"active_providers"`
	ExtendedOffline bool                            `json:"extended_offline"`
	DataFreshness   models.DataFreshness            `json:"data_freshness"`
}

// GetPrices godoc
// @Summary Get every cached price
// @Description Returns the latest known price per asset. Prices are served from cache even when no provider is reachable.
// @Tags prices
// @Produce json
// @Success 200 {object} PricesResponse
// @Router /api/prices [get]
func (h *Handler) GetPrices(c echo.Context) error {
	ctx := c.Request().Context()
	st := h.Mesh.GetNetworkStatus()

	response := PricesResponse{
		Prices:          h.Mesh.GetAllPriceData(ctx),
		ActiveProviders: len(st.ActiveProviders),
		ExtendedOffline: st.ExtendedOffline,
		DataFreshness:   st.DataFreshness,
	}

	// Set stale header if no provider is feeding the mesh
	if len(st.ActiveProviders) == 0 {
		c.Response().Header().Set("X-Data-Stale", "true")
	}
	return c.JSON(http.StatusOK, response)
}

// GetPrice godoc
// @Summary Get the cached price of one asset
// @Tags prices
// @Produce json
// @Param asset path string true "Asset symbol, e.g. SOL"
// @Success 200 {object} models.PriceSnapshot
// @Failure 404 {object} ErrorResponse
// @Router /api/prices/{asset} [get]
func (h *Handler) GetPrice(c echo.Context) error {
	asset := strings.ToUpper(strings.TrimSpace(c.Param("asset")))
	if asset == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "asset is required"})
	}

	snap, err := h.Mesh.GetPriceData(c.Request().Context(), asset)
	if errors.Is(err, models.ErrPriceNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "no cached price for " + asset})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}

	if snap.Freshness.Kind == models.FreshnessStale {
		c.Response().Header().Set("X-Data-Stale", "true")
	}
	return c.JSON(http.StatusOK, snap)
}
