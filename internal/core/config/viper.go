package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"db-url":       "database.url",
	"host":         "server.host",
	"port":         "server.port",
	"metrics-addr": "metrics.addr",
	"redis-addr":   "redis.addr",
	"log-level":    "log.level",
	"log-format":   "log.format",
}

// LoadConfig loads configuration using viper.
// CLI flags > environment > config file > defaults precedence.
// flags may be nil; only flags named in flagKeys are bound.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Checked before AutomaticEnv so only the file is consulted
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			MaxConnections:  v.GetInt("server.max_connections"),
			RequestTimeout:  v.GetDuration("server.request_timeout"),
			MaxMessageBytes: v.GetInt("server.max_message_bytes"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Addr:    v.GetString("metrics.addr"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			DB:       v.GetInt("redis.db"),
			TTL:      v.GetDuration("redis.ttl"),
			Password: v.GetString("redis.password"),
		},
		Editor: EditorConfig{
			LoadConcurrency: v.GetInt("editor.load_concurrency"),
			ResolveTimeout:  v.GetDuration("editor.resolve_timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout.String())
	v.SetDefault("server.max_message_bytes", d.Server.MaxMessageBytes)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL.String())
	// Registered so AutomaticEnv resolves CRM_REDIS_PASSWORD
	v.SetDefault("redis.password", "")
	v.SetDefault("editor.load_concurrency", d.Editor.LoadConcurrency)
	v.SetDefault("editor.resolve_timeout", d.Editor.ResolveTimeout.String())
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// validateConfig checks ranges and required values.
func validateConfig(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Server.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive, got %d", cfg.Server.MaxMessageBytes)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	if cfg.Redis.Addr != "" && cfg.Redis.TTL <= 0 {
		return fmt.Errorf("redis.ttl must be positive, got %v", cfg.Redis.TTL)
	}
	if cfg.Editor.LoadConcurrency <= 0 {
		return fmt.Errorf("editor.load_concurrency must be positive, got %d", cfg.Editor.LoadConcurrency)
	}
	if cfg.Editor.ResolveTimeout <= 0 {
		return fmt.Errorf("editor.resolve_timeout must be positive, got %v", cfg.Editor.ResolveTimeout)
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", cfg.Log.Format)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.IsSet("hmac_secret") || v.IsSet("server.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use %s_HMAC_SECRET environment variable)", EnvPrefix)
	}
	// redis.password carries an empty default, so IsSet is always true
	if v.GetString("redis.password") != "" {
		return fmt.Errorf("redis password not allowed in config files (use %s_REDIS_PASSWORD environment variable)", EnvPrefix)
	}
	return nil
}
