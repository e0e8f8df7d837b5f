package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kawan-hiking/backend/internal/repository"
	"kawan-hiking/backend/internal/service"
	"kawan-hiking/backend/internal/ws"
	"kawan-hiking/backend/pkg/config"
	"kawan-hiking/backend/pkg/health"
	"kawan-hiking/backend/pkg/jwt"
	"kawan-hiking/backend/pkg/logger"
	"kawan-hiking/backend/pkg/middleware"
	"kawan-hiking/backend/pkg/ratelimit"
	"kawan-hiking/backend/pkg/resilience"
	"kawan-hiking/backend/pkg/secrets"
	"kawan-hiking/backend/shared/observability"
	"kawan-hiking/backend/shared/redis"

	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Container holds all the dependencies for the application
type Container struct {
	Config      *config.Config
	DB          *gorm.DB
	Logger      *logger.Logger
	Secrets     secrets.Manager
	JWTService  *jwt.Service
	Repository  *repository.GormMessageRepository
	Tracker     *ratelimit.Tracker
	Metrics     *observability.Metrics
	ChatMetrics *observability.ChatMetrics
	Hub         *ws.Hub
	ChatService *service.ChatService
	WSHandler   *ws.Handler
	Redis       *redis.RedisClient
	Health      *health.Checker
	RateLimiter *middleware.RateLimiter
	Retention   *service.RetentionJob
}

// New creates a new dependency injection container. db must already be
// open; the chat schema is migrated here.
func New(cfg *config.Config, db *gorm.DB, log *logger.Logger) (*Container, error) {
	if cfg == nil {
		cfg = config.Get()
	}
	if log == nil {
		log = logger.GetGlobal()
	}

	if err := repository.Migrate(db); err != nil {
		return nil, err
	}

	c := &Container{
		Config: cfg,
		DB:     db,
		Logger: log,
	}

	vaultManager, err := secrets.NewVaultManager(secrets.ConfigFromApp(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets manager: %w", err)
	}
	c.Secrets = vaultManager

	secretCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	jwtSecret := c.Secrets.GetSecretWithDefault(secretCtx, "jwt_secret", cfg.JWT.Secret)
	redisPassword := c.Secrets.GetSecretWithDefault(secretCtx, "redis_password", cfg.Redis.Password)
	cancel()
	if cfg.IsProduction() && jwtSecret == config.DefaultJWTSecret {
		return nil, errors.New("JWT_SECRET must be set in production")
	}
	c.JWTService = jwt.NewService(jwtSecret, cfg.JWT.Issuer, cfg.JWT.Expiry)

	if cfg.Observability.Metrics {
		c.Metrics, err = observability.SetupMetrics(cfg.Observability.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("failed to set up metrics: %w", err)
		}
	}
	// instruments come from the global provider, a no-op without metrics
	c.ChatMetrics, err = observability.NewChatMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create chat metrics: %w", err)
	}

	c.Repository = repository.NewGormMessageRepository(db, cfg.Chat.StoreTimeout)
	c.Tracker = ratelimit.NewTracker(ratelimit.Options{
		Window:   cfg.Chat.RateWindow,
		Max:      cfg.Chat.RateMax,
		Capacity: cfg.Chat.RateCapacity,
	})

	c.Hub = ws.NewHub(log, c.ChatMetrics)
	c.ChatService = service.NewChatService(c.Repository, c.Tracker, c.Hub, service.ChatServiceOptions{
		Retention: cfg.Chat.Retention,
		Metrics:   c.ChatMetrics,
		Logger:    log,
	})
	c.WSHandler = ws.NewHandler(c.Hub, c.ChatService, c.JWTService, ws.HandlerOptions{
		AllowedOrigins: cfg.Security.AllowedOrigins,
		SendBuffer:     cfg.Chat.SendBuffer,
	})

	c.Health = health.NewChecker(log, 30*time.Second)
	c.Health.RegisterDatabaseCheck(c.ChatService.Ping)

	var locker service.Locker
	if cfg.Redis.Enabled {
		c.Redis = redis.NewRedisClient(cfg.Redis.Addr, redisPassword, cfg.Redis.DB)
		c.Health.RegisterRedisCheck(c.Redis.Ping)
		locker = c.Redis
	}

	breaker := resilience.NewCircuitBreaker(resilience.DefaultConfig("chat-retention"), log)
	c.Retention = service.NewRetentionJob(c.ChatService, breaker, locker,
		cfg.Chat.RetentionInterval, cfg.Chat.RetentionLockTTL, log)

	limiterOpts := middleware.DefaultRateLimiterOptions()
	limiterOpts.Limit = rate.Limit(cfg.Security.RateLimit)
	limiterOpts.Burst = cfg.Security.RateLimitBurst
	c.RateLimiter = middleware.NewRateLimiter(log, limiterOpts)

	return c, nil
}

// Close releases external connections. The database is closed last.
func (c *Container) Close(ctx context.Context) error {
	var errs []error

	if c.Metrics != nil {
		if err := c.Metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}

	return errors.Join(errs...)
}
