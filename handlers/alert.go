package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"meshprice/services"
)

// AlertArchive is the long-term alert history, usually MongoDB.
type AlertArchive interface {
	RecentAlerts(ctx context.Context, limit int64) ([]services.AlertRecord, error)
}

// AlertHandlers manages alert-related endpoints
type AlertHandlers struct {
	mesh    *services.MeshPriceService
	archive AlertArchive
}

func NewAlertHandlers(mesh *services.MeshPriceService, archive AlertArchive) *AlertHandlers {
	return &AlertHandlers{
		mesh:    mesh,
		archive: archive,
	}
}

// GetAlertHistory godoc
// @Summary Get raised alerts
// @Description Returns alerts raised by this node. With source=archive the persisted history is read instead.
// @Tags alerts
// @Produce json
// @Param source query string false "memory (default) or archive"
// @Param limit query int false "Maximum number of alerts (default: 50, max: 500)"
// @Success 200 {array} services.AlertRecord
// @Router /api/alerts [get]
func (ah *AlertHandlers) GetAlertHistory(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	if c.QueryParam("source") == "archive" {
		if ah.archive == nil {
			return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "alert archive not configured"})
		}
		alerts, err := ah.archive.RecentAlerts(c.Request().Context(), int64(limit))
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, alerts)
	}

	alerts := ah.mesh.AlertHistory()
	if len(alerts) > limit {
		alerts = alerts[len(alerts)-limit:]
	}
	return c.JSON(http.StatusOK, alerts)
}
