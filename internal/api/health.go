package api

import (
	"net/http"
	"runtime"
	"time"

	"kawan-hiking/backend/pkg/health"

	"github.com/gin-gonic/gin"
)

// ConnectionCounter reports live realtime connections
type ConnectionCounter interface {
	ActiveConnections() int64
}

// HealthHandler reports component health and realtime load
type HealthHandler struct {
	checker *health.Checker
	conns   ConnectionCounter
	version string
	started time.Time
}

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status     string                      `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Version    string                      `json:"version"`
	Uptime     string                      `json:"uptime"`
	Components map[string]health.Component `json:"components"`
	Websocket  WebsocketHealth             `json:"websocket"`
	Memory     MemoryStats                 `json:"memory"`
}

type WebsocketHealth struct {
	ActiveConnections int64 `json:"active_connections"`
}

type MemoryStats struct {
	AllocMB  uint64 `json:"alloc_mb"`
	SysMB    uint64 `json:"sys_mb"`
	GCCycles uint32 `json:"gc_cycles"`
}

func NewHealthHandler(checker *health.Checker, conns ConnectionCounter, version string) *HealthHandler {
	return &HealthHandler{checker: checker, conns: conns, version: version, started: time.Now()}
}

// Health returns 200 while every critical component is up, 503 otherwise
func (h *HealthHandler) Health(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Components: h.checker.GetStatus(),
		Memory: MemoryStats{
			AllocMB:  mem.Alloc / 1024 / 1024,
			SysMB:    mem.Sys / 1024 / 1024,
			GCCycles: mem.NumGC,
		},
	}
	if h.conns != nil {
		resp.Websocket.ActiveConnections = h.conns.ActiveConnections()
	}

	code := http.StatusOK
	if !h.checker.IsSystemHealthy() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// RegisterHealthRoutes registers health check related routes
func (h *HealthHandler) RegisterHealthRoutes(router gin.IRoutes) {
	router.GET("/health", h.Health)
}
