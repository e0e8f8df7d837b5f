package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port    string
		Env     string
		Timeout time.Duration
		BaseURL string
		Version string
	}

	// Database configuration
	Database struct {
		Driver   string
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
		Path     string
		MaxConns int
		Timeout  time.Duration
	}

	// JWT configuration
	JWT struct {
		Secret string
		Issuer string
		Expiry time.Duration
	}

	// Security configuration
	Security struct {
		RateLimit      float64
		RateLimitBurst int
		AllowedOrigins []string
		TrustedProxies []string
		MaxBodySize    int64
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// Chat settings
	Chat struct {
		RateWindow        time.Duration
		RateMax           int
		RateCapacity      int
		Retention         time.Duration
		RetentionInterval time.Duration
		RetentionLockTTL  time.Duration
		HistoryLimit      int
		StoreTimeout      time.Duration
		SendBuffer        int
	}

	// Redis settings
	Redis struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
	}

	// Vault settings
	Vault struct {
		Enabled     bool
		Address     string
		Token       string
		Namespace   string
		SecretsPath string
	}

	// GRPC health endpoint
	GRPC struct {
		Enabled bool
		Port    string
	}

	// Observability settings
	Observability struct {
		Metrics     bool
		Tracing     bool
		ServiceName string
		SchemaPath  string
	}
}

// DefaultJWTSecret is the development-only signing key used when JWT_SECRET is unset
const DefaultJWTSecret = "default-jwt-secret-do-not-use-in-production"

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables
// Uses singleton pattern to ensure only one instance exists
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		godotenv.Load()

		instance = Load()
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Load reads a fresh Config from the environment without touching the singleton.
func Load() *Config {
	cfg := &Config{}

	// Server config
	cfg.Server.Port = getEnvString("PORT", "3000")
	cfg.Server.Env = getEnvString("APP_ENV", "development")
	cfg.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", 30*time.Second)
	cfg.Server.BaseURL = getEnvString("BASE_URL", "http://localhost:"+cfg.Server.Port)
	cfg.Server.Version = getEnvString("APP_VERSION", "dev")

	// Database config
	cfg.Database.Driver = getEnvString("DB_DRIVER", "postgres")
	cfg.Database.Host = getEnvString("DB_HOST", "localhost")
	cfg.Database.Port = getEnvString("DB_PORT", defaultDBPort(cfg.Database.Driver))
	cfg.Database.User = getEnvString("DB_USER", "postgres")
	cfg.Database.Password = getEnvString("DB_PASSWORD", getEnvString("DB_PASS", "postgres"))
	cfg.Database.Name = getEnvString("DB_NAME", "kawan_hiking")
	cfg.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
	cfg.Database.Path = getEnvString("DB_PATH", "kawan-hiking.db")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.Timeout = getEnvDuration("DB_TIMEOUT", 5*time.Second)

	// JWT config
	cfg.JWT.Secret = getEnvString("JWT_SECRET", DefaultJWTSecret)
	cfg.JWT.Issuer = getEnvString("JWT_ISSUER", "kawan-hiking")
	cfg.JWT.Expiry = getEnvDuration("JWT_EXPIRY", 12*time.Hour)

	// Security config
	cfg.Security.RateLimit = getEnvFloat("RATE_LIMIT", 5)
	cfg.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 20)
	cfg.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})
	cfg.Security.TrustedProxies = getEnvStringSlice("TRUSTED_PROXIES", []string{"127.0.0.1"})
	cfg.Security.MaxBodySize = getEnvInt64("MAX_BODY_SIZE", 1<<20) // 1MB

	// Logging config
	cfg.Logging.Level = getEnvString("LOG_LEVEL", "info")
	cfg.Logging.Format = getEnvString("LOG_FORMAT", "json")

	// Chat settings
	cfg.Chat.RateWindow = getEnvDuration("CHAT_RATE_WINDOW", time.Minute)
	cfg.Chat.RateMax = getEnvInt("CHAT_RATE_MAX", 100)
	cfg.Chat.RateCapacity = getEnvInt("CHAT_RATE_CAPACITY", 10000)
	cfg.Chat.Retention = getEnvDuration("CHAT_RETENTION", 30*24*time.Hour)
	cfg.Chat.RetentionInterval = getEnvDuration("CHAT_RETENTION_INTERVAL", time.Hour)
	cfg.Chat.RetentionLockTTL = getEnvDuration("CHAT_RETENTION_LOCK_TTL", 5*time.Minute)
	cfg.Chat.HistoryLimit = getEnvInt("CHAT_HISTORY_LIMIT", 100)
	cfg.Chat.StoreTimeout = getEnvDuration("CHAT_STORE_TIMEOUT", 5*time.Second)
	cfg.Chat.SendBuffer = getEnvInt("CHAT_SEND_BUFFER", 256)

	// Redis settings
	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", false)
	cfg.Redis.Addr = getEnvString("REDIS_URL", "localhost:6379")
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	// Vault settings
	cfg.Vault.Enabled = getEnvBool("VAULT_ENABLED", false)
	cfg.Vault.Address = getEnvString("VAULT_ADDR", "")
	cfg.Vault.Token = getEnvString("VAULT_TOKEN", "")
	cfg.Vault.Namespace = getEnvString("VAULT_NAMESPACE", "")
	cfg.Vault.SecretsPath = getEnvString("VAULT_SECRETS_PATH", "kawan-hiking")

	// GRPC health endpoint
	cfg.GRPC.Enabled = getEnvBool("GRPC_ENABLED", false)
	cfg.GRPC.Port = getEnvString("GRPC_PORT", "9090")

	// Observability
	cfg.Observability.Metrics = getEnvBool("METRICS_ENABLED", true)
	cfg.Observability.Tracing = getEnvBool("TRACING_ENABLED", false)
	cfg.Observability.ServiceName = getEnvString("SERVICE_NAME", "kawan-hiking-chat")
	cfg.Observability.SchemaPath = getEnvString("OPENAPI_SCHEMA_PATH", "")

	return cfg
}

// IsProduction reports whether the server runs with APP_ENV=production.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func defaultDBPort(driver string) string {
	if driver == "mysql" {
		return "3306"
	}
	return "5432"
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
