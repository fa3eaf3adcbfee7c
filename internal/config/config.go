package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/copyflow/custody/internal/kms"
)

// Config holds infrastructure-level configuration loaded from the
// environment. Secrets stay as raw bytes and are never logged.
type Config struct {
	// Database
	PostgresDSN string

	// Master key provider: local, aws-kms or vault
	MasterKeyProvider string
	MasterSecret      []byte
	AWSKMSKeyID       string
	AWSKMSRegion      string
	VaultAddress      string
	VaultToken        string
	VaultTransitKey   string

	// Session token signing
	SessionSigningSecret []byte

	// Server
	Port int

	// IP rate limiting in front of the whole surface
	RateLimitEnabled bool
	RateLimitRPS     int
	RateLimitBurst   int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		PostgresDSN:          getEnv("POSTGRES_DSN", ""),
		MasterKeyProvider:    getEnv("MASTER_KEY_PROVIDER", kms.ProviderLocal),
		MasterSecret:         []byte(getEnv("MASTER_SECRET", "")),
		AWSKMSKeyID:          getEnv("AWS_KMS_KEY_ID", ""),
		AWSKMSRegion:         getEnv("AWS_REGION", "us-east-1"),
		VaultAddress:         getEnv("VAULT_ADDR", ""),
		VaultToken:           getEnv("VAULT_TOKEN", ""),
		VaultTransitKey:      getEnv("VAULT_TRANSIT_KEY", "custody-master"),
		SessionSigningSecret: []byte(getEnv("SESSION_SIGNING_SECRET", "")),
		Port:                 getEnvInt("PORT", 8080),
		RateLimitEnabled:     getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPS:         getEnvInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 40),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}

	if len(c.SessionSigningSecret) < 32 {
		return fmt.Errorf("SESSION_SIGNING_SECRET must be at least 32 bytes")
	}

	switch c.MasterKeyProvider {
	case kms.ProviderLocal:
		if len(c.MasterSecret) < 32 {
			return fmt.Errorf("MASTER_SECRET must be at least 32 bytes when MASTER_KEY_PROVIDER is 'local'")
		}
	case kms.ProviderAWSKMS:
		if c.AWSKMSKeyID == "" {
			return fmt.Errorf("AWS_KMS_KEY_ID is required when MASTER_KEY_PROVIDER is 'aws-kms'")
		}
	case kms.ProviderVault:
		if c.VaultAddress == "" || c.VaultToken == "" {
			return fmt.Errorf("VAULT_ADDR and VAULT_TOKEN are required when MASTER_KEY_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("MASTER_KEY_PROVIDER must be 'local', 'aws-kms' or 'vault', got: %s", c.MasterKeyProvider)
	}

	return nil
}

// KMSConfig maps the loaded environment onto the master key provider config.
func (c *Config) KMSConfig() *kms.Config {
	return &kms.Config{
		Provider:        c.MasterKeyProvider,
		MasterSecret:    c.MasterSecret,
		AWSKMSKeyID:     c.AWSKMSKeyID,
		AWSKMSRegion:    c.AWSKMSRegion,
		VaultAddress:    c.VaultAddress,
		VaultToken:      c.VaultToken,
		VaultTransitKey: c.VaultTransitKey,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}
