package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Routes bundles everything the HTTP server exposes.
type Routes struct {
	Handler *Handler
	Cache   *CacheHandlers
	Alerts  *AlertHandlers
	Events  *EventHandlers
	Metrics http.Handler
	Mesh    http.HandlerFunc
}

func RegisterRoutes(e *echo.Echo, r Routes) {
	h := r.Handler

	e.GET("/health", h.GetHealth)
	if r.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(r.Metrics))
	}
	if r.Mesh != nil {
		e.GET("/mesh", echo.WrapHandler(r.Mesh))
	}
	if r.Cache != nil {
		e.GET("/cache/status", r.Cache.GetCacheStatus)
		e.POST("/cache/persist", r.Cache.PersistCache)
	}

	api := e.Group("/api")
	api.GET("/status", h.GetStatus)

	prices := api.Group("/prices")
	prices.GET("", h.GetPrices)
	prices.GET("/:asset", h.GetPrice)

	network := api.Group("/network")
	network.GET("/status", h.GetNetworkStatus)
	network.GET("/peers", h.GetPeers)
	network.GET("/coordination", h.GetCoordination)

	provider := api.Group("/provider")
	provider.GET("", h.GetProvider)
	provider.POST("", h.EnableProvider)
	provider.DELETE("", h.DisableProvider)

	if r.Alerts != nil {
		api.GET("/alerts", r.Alerts.GetAlertHistory)
	}
	if r.Events != nil {
		e.GET("/ws/events", r.Events.StreamEvents)
	}
}
