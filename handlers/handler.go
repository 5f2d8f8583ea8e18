package handlers

import (
	"time"

	"meshprice/config"
	"meshprice/services"
)

// Handler serves the read side of the mesh: prices, network status and peers.
type Handler struct {
	Cfg       *config.Config
	Mesh      *services.MeshPriceService
	StartedAt time.Time
}

func NewHandler(cfg *config.Config, mesh *services.MeshPriceService) *Handler {
	return &Handler{
		Cfg:       cfg,
		Mesh:      mesh,
		StartedAt: time.Now(),
	}
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}
