// Package config provides configuration management for crmrules services.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable crmrules reads.
const EnvPrefix = "CRM"

// Config is the complete service configuration.
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Metrics  MetricsConfig
	Redis    RedisConfig
	Editor   EditorConfig
	Log      LogConfig
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	URL string
}

// ServerConfig holds configuration for the gRPC ConfigService.
type ServerConfig struct {
	Host            string
	Port            int
	MaxConnections  int
	RequestTimeout  time.Duration
	MaxMessageBytes int
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// RedisConfig configures the shared field cache. An empty Addr disables it.
// The password is environment-only (CRM_REDIS_PASSWORD).
type RedisConfig struct {
	Addr     string
	DB       int
	TTL      time.Duration
	Password string
}

// EditorConfig tunes server-side re-validation.
type EditorConfig struct {
	LoadConcurrency int
	ResolveTimeout  time.Duration
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string
	Format string
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "sqlite://crmrules.db"},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            50061,
			MaxConnections:  1000,
			RequestTimeout:  30 * time.Second,
			MaxMessageBytes: 4 << 20,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: "0.0.0.0:9090"},
		Redis:   RedisConfig{TTL: 10 * time.Minute},
		Editor:  EditorConfig{LoadConcurrency: 8, ResolveTimeout: 5 * time.Second},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports CRM_HMAC_SECRET (single) and CRM_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	add := func(name, val string) error {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, exists := secrets[secretID]; exists {
			return fmt.Errorf("duplicate secret_id '%s' found in environment variables (check %s_HMAC_SECRET and %s_HMAC_SECRET_* for conflicts)", secretID, EnvPrefix, EnvPrefix)
		}
		secrets[secretID] = decoded
		return nil
	}

	single := EnvPrefix + "_HMAC_SECRET"
	if val := os.Getenv(single); val != "" {
		if err := add(single, val); err != nil {
			return nil, err
		}
	}

	// Numbered secrets enable rotation: old and new keys valid during migration
	for i := 1; ; i++ {
		key := fmt.Sprintf("%s_HMAC_SECRET_%d", EnvPrefix, i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		if err := add(key, val); err != nil {
			return nil, err
		}
	}

	return secrets, nil
}

// ParseHMACSecret decodes base64-encoded HMAC secret from environment variable.
func ParseHMACSecret(envValue string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envValue))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}
	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = ParseHMACSecret(parts[1])
	if err != nil {
		return "", nil, err
	}
	return secretID, secret, nil
}
