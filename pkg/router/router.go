package router

import (
	"net/http"
	"strings"

	"kawan-hiking/backend/internal/api"
	"kawan-hiking/backend/pkg/config"
	"kawan-hiking/backend/pkg/di"
	"kawan-hiking/backend/pkg/errors"
	"kawan-hiking/backend/pkg/jwt"
	"kawan-hiking/backend/pkg/logger"
	"kawan-hiking/backend/pkg/middleware"
	"kawan-hiking/backend/pkg/validator"

	"github.com/gin-gonic/gin"
)

// Router is the main router for the application
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
	Config    *config.Config
	validator *validator.OpenAPIValidator
}

// New creates a new router with the given container
func New(container *di.Container) *Router {
	cfg := container.Config

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.Security.TrustedProxies); err != nil {
		container.Logger.Warn("Invalid trusted proxies, trusting none", "error", err.Error())
		_ = engine.SetTrustedProxies(nil)
	}

	// Request ids come first so the logger middleware reuses them
	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(logger.Middleware(container.Logger))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	engine.Use(corsMiddleware(cfg.Security.AllowedOrigins))
	engine.Use(bodyLimit(cfg.Security.MaxBodySize))
	engine.Use(container.RateLimiter.Middleware())

	engine.NoRoute(errors.NotFoundHandler())

	return &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
		Config:    cfg,
	}
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() {
	r.setupHealthRoutes()
	r.setupOpenAPI(r.Config.Observability.SchemaPath)

	if r.Container.Metrics != nil {
		r.Engine.GET("/metrics", gin.WrapH(r.Container.Metrics.Handler()))
	}

	jwtAuth := middleware.JWTAuthMiddleware(r.Container.JWTService, r.Logger)
	chatHandler := api.NewChatHandler(r.Container.ChatService)

	// validation runs after auth so anonymous callers get 401, not 400
	chain := []gin.HandlerFunc{jwtAuth}
	if r.validator != nil {
		chain = append(chain, r.validator.Middleware())
	}

	// legacy unversioned paths stay mounted next to v1
	for _, prefix := range []string{"/api/chat", "/api/v1/chat"} {
		chatHandler.RegisterRoutes(r.Engine.Group(prefix, chain...))
	}

	admin := r.Engine.Group("/api/admin", jwtAuth, middleware.RequireRole(jwt.RoleAdmin))
	if r.validator != nil {
		admin.Use(r.validator.Middleware())
	}
	chatHandler.RegisterAdminRoutes(admin)

	// authenticates before upgrading
	r.Engine.GET("/ws/chat", r.Container.WSHandler.ServeWs)
}

// corsMiddleware allows the configured origins, including the websocket upgrade headers
func corsMiddleware(allowed []string) gin.HandlerFunc {
	anyOrigin := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			anyOrigin = true
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			if _, ok := set[origin]; ok || anyOrigin {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
				c.Writer.Header().Add("Vary", "Origin")
			}
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Accept-Encoding, Authorization, Origin, Upgrade, Connection, Cache-Control, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Upgrade, Connection, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// bodyLimit caps request bodies at n bytes
func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}
