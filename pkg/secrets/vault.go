package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kawan-hiking/backend/pkg/config"
	"kawan-hiking/backend/pkg/logger"

	"github.com/hashicorp/golang-lru/v2/expirable"
	vault "github.com/hashicorp/vault/api"
)

// VaultConfig holds configuration for Vault client
type VaultConfig struct {
	Enabled     bool
	Address     string
	Token       string
	Namespace   string
	Mount       string
	SecretsPath string
	Timeout     time.Duration
	MaxRetries  int
	CacheTTL    time.Duration
}

// ConfigFromApp takes the vault settings out of the application config
func ConfigFromApp(cfg *config.Config) VaultConfig {
	return VaultConfig{
		Enabled:     cfg.Vault.Enabled,
		Address:     cfg.Vault.Address,
		Token:       cfg.Vault.Token,
		Namespace:   cfg.Vault.Namespace,
		SecretsPath: cfg.Vault.SecretsPath,
	}
}

// VaultManager reads secrets from a Vault KV v2 engine and falls back to
// environment variables. Values are cached for CacheTTL.
type VaultManager struct {
	client *vault.Client
	config VaultConfig
	cache  *expirable.LRU[string, string]
	log    *logger.Logger
}

var _ Manager = (*VaultManager)(nil)

// NewVaultManager creates a new Vault manager instance. With Enabled unset
// it only reads the environment.
func NewVaultManager(cfg VaultConfig, log *logger.Logger) (*VaultManager, error) {
	if log == nil {
		log = logger.GetGlobal()
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.SecretsPath == "" {
		cfg.SecretsPath = "kawan-hiking"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	m := &VaultManager{
		config: cfg,
		cache:  expirable.NewLRU[string, string](128, nil, cfg.CacheTTL),
		log:    log,
	}
	if !cfg.Enabled {
		return m, nil
	}

	if cfg.Address == "" {
		return nil, ErrNoVaultAddress
	}
	if cfg.Token == "" {
		return nil, ErrNoVaultToken
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address
	vaultConfig.Timeout = cfg.Timeout
	vaultConfig.MaxRetries = cfg.MaxRetries

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	m.client = client

	return m, nil
}

// GetSecret retrieves a secret from Vault, with fallback to environment variable
func (m *VaultManager) GetSecret(ctx context.Context, key string) (string, error) {
	if value, ok := m.cache.Get(key); ok {
		return value, nil
	}

	var (
		value string
		err   error
	)
	if m.client != nil {
		value, err = m.getFromVault(ctx, key)
		if errors.Is(err, ErrSecretNotFound) {
			m.log.Warn("Secret not found in Vault, falling back to environment", "key", key)
			value, err = fromEnvironment(key)
		}
	} else {
		value, err = fromEnvironment(key)
	}
	if err != nil {
		return "", err
	}

	m.cache.Add(key, value)
	return value, nil
}

// GetSecretWithDefault retrieves a secret with a default value if not found
func (m *VaultManager) GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	value, err := m.GetSecret(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrSecretNotFound) {
			m.log.Warn("Failed to get secret, using default value",
				"key", key,
				"error", err.Error(),
			)
		}
		return defaultValue
	}
	return value
}

func (m *VaultManager) getFromVault(ctx context.Context, key string) (string, error) {
	secret, err := m.client.KVv2(m.config.Mount).Get(ctx, m.config.SecretsPath)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", ErrSecretNotFound
		}
		m.log.Error("Failed to read secret from Vault",
			"path", m.config.SecretsPath,
			"error", err.Error(),
		)
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	value, ok := secret.Data[key].(string)
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}
