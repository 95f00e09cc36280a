package config

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// VaultConfig holds Vault connection configuration
type VaultConfig struct {
	Enabled    bool   // Enable Vault integration
	Address    string // Vault server address
	Token      string // Vault authentication token
	MountPath  string // Secrets mount path (default: "secret")
	SecretPath string // Base path for signalflux secrets (e.g. "signalflux/production")
	Namespace  string // Vault namespace (Vault Enterprise)
}

// VaultClient wraps the HashiCorp Vault client for secrets management
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates a new Vault client from configuration
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if cfg.Token == "" {
		cfg.Token = os.Getenv("VAULT_TOKEN")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
	}
	client.SetToken(cfg.Token)

	log.Info().
		Str("address", cfg.Address).
		Str("mount_path", cfg.MountPath).
		Str("secret_path", cfg.SecretPath).
		Msg("Vault client initialized")

	return &VaultClient{client: client, config: cfg}, nil
}

// GetSecret retrieves a secret from Vault; path is relative to SecretPath
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", vc.config.MountPath, vc.config.SecretPath, path)

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	// KV v2 nests values under "data"
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

// LoadSecretsFromVault overlays secrets from Vault onto the configuration.
// Missing paths are logged and skipped; environment variables remain the fallback.
func LoadSecretsFromVault(ctx context.Context, cfg *Config, vaultCfg VaultConfig) error {
	if !vaultCfg.Enabled {
		log.Info().Msg("Vault integration disabled - using environment variables for secrets")
		return nil
	}

	vc, err := NewVaultClient(vaultCfg)
	if err != nil {
		return fmt.Errorf("failed to create Vault client: %w", err)
	}

	if secrets, err := vc.GetSecret(ctx, "database"); err != nil {
		log.Warn().Err(err).Msg("Failed to load database secrets from Vault")
	} else {
		if password, ok := secrets["password"].(string); ok && password != "" {
			cfg.Database.Password = password
		}
		if user, ok := secrets["user"].(string); ok && user != "" {
			cfg.Database.User = user
		}
	}

	if secrets, err := vc.GetSecret(ctx, "redis"); err != nil {
		log.Warn().Err(err).Msg("Failed to load Redis secrets from Vault")
	} else if password, ok := secrets["password"].(string); ok && password != "" {
		cfg.Redis.Password = password
	}

	for name := range cfg.Brokers {
		secrets, err := vc.GetSecret(ctx, fmt.Sprintf("brokers/%s", name))
		if err != nil {
			log.Warn().Str("broker", name).Err(err).Msg("Failed to load broker secrets from Vault")
			continue
		}
		broker := cfg.Brokers[name]
		if apiKey, ok := secrets["api_key"].(string); ok && apiKey != "" {
			broker.APIKey = apiKey
		}
		if secretKey, ok := secrets["secret_key"].(string); ok && secretKey != "" {
			broker.SecretKey = secretKey
		}
		cfg.Brokers[name] = broker
		log.Info().Str("broker", name).Msg("Loaded broker API keys from Vault")
	}

	for name := range cfg.Providers {
		secrets, err := vc.GetSecret(ctx, fmt.Sprintf("providers/%s", name))
		if err != nil {
			continue
		}
		provider := cfg.Providers[name]
		if apiKey, ok := secrets["api_key"].(string); ok && apiKey != "" {
			provider.APIKey = apiKey
		}
		if secretKey, ok := secrets["secret_key"].(string); ok && secretKey != "" {
			provider.SecretKey = secretKey
		}
		cfg.Providers[name] = provider
	}

	log.Info().Msg("Secrets loaded from Vault")
	return nil
}

// GetVaultConfigFromEnv creates VaultConfig from environment variables
func GetVaultConfigFromEnv() VaultConfig {
	if os.Getenv("VAULT_ENABLED") != "true" {
		return VaultConfig{Enabled: false}
	}

	return VaultConfig{
		Enabled:    true,
		Address:    getEnvOrDefault("VAULT_ADDR", "http://localhost:8200"),
		Token:      os.Getenv("VAULT_TOKEN"),
		MountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "secret"),
		SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "signalflux/production"),
		Namespace:  os.Getenv("VAULT_NAMESPACE"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
