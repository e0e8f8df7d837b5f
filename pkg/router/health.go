package router

import (
	"kawan-hiking/backend/internal/api"
)

// setupHealthRoutes registers health check endpoints
func (r *Router) setupHealthRoutes() {
	h := api.NewHealthHandler(r.Container.Health, r.Container.Hub, r.Config.Server.Version)

	// Register every health path for compatibility
	h.RegisterHealthRoutes(r.Engine)
	h.RegisterHealthRoutes(r.Engine.Group("/api"))
	h.RegisterHealthRoutes(r.Engine.Group("/api/v1"))
}
