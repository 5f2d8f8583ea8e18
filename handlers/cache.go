package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"meshprice/services"
)

type CacheHandlers struct {
	store *services.RedisStore
	mesh  *services.MeshPriceService
}

func NewCacheHandlers(store *services.RedisStore, mesh *services.MeshPriceService) *CacheHandlers {
	return &CacheHandlers{
		store: store,
		mesh:  mesh,
	}
}

// GetCacheStatus returns cache health and statistics
func (h *CacheHandlers) GetCacheStatus(c echo.Context) error {
	stats := h.store.Stats(c.Request().Context())
	mode := h.store.Mode()

	response := map[string]interface{}{
		"mode":    string(mode),
		"healthy": mode == services.CacheModeRedis,
		"stats":   stats,
	}

	return c.JSON(http.StatusOK, response)
}

// PersistCache flushes the in-memory price cache to every storage tier
// (admin endpoint)
func (h *CacheHandlers) PersistCache(c echo.Context) error {
	if err := h.mesh.PersistCache(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"message": "Cache persisted successfully",
	})
}
