package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"meshprice/models"
)

type enableProviderRequest struct {
	APIKey string `json:"api_key"`
}

// ProviderResponse is the provider-mode state of this node.
type ProviderResponse struct {
	models.ProviderConfig
	BreakerState string `json:"breaker_state"`
}

func (h *Handler) providerResponse() ProviderResponse {
	return ProviderResponse{
		ProviderConfig: h.Mesh.ProviderState(),
		BreakerState:   h.Mesh.BreakerState(),
	}
}

// GetProvider godoc
// @Summary Get provider-mode state
// @Tags provider
// @Produce json
// @Success 200 {object} ProviderResponse
// @Router /api/provider [get]
func (h *Handler) GetProvider(c echo.Context) error {
	return c.JSON(http.StatusOK, h.providerResponse())
}

// EnableProvider godoc
// @Summary Enable provider mode with an upstream API key
// @Tags provider
// @Accept json
// @Produce json
// @Success 200 {object} ProviderResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/provider [post]
func (h *Handler) EnableProvider(c echo.Context) error {
	var req enableProviderRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "api_key is required"})
	}

	err := h.Mesh.EnableProviderMode(c.Request().Context(), req.APIKey)
	var authErr *models.AuthenticationError
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, h.providerResponse())
	case errors.As(err, &authErr):
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: authErr.Error()})
	case errors.Is(err, models.ErrProviderModeActive):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
	}
}

// DisableProvider godoc
// @Summary Disable provider mode
// @Tags provider
// @Produce json
// @Success 200 {object} ProviderResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/provider [delete]
func (h *Handler) DisableProvider(c echo.Context) error {
	err := h.Mesh.DisableProviderMode(c.Request().Context())
	if errors.Is(err, models.ErrProviderModeInactive) {
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, h.providerResponse())
}
