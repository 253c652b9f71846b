package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crmrules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_RejectsSecretsInFile(t *testing.T) {
	t.Run("hmac secret", func(t *testing.T) {
		path := writeConfig(t, "server:\n  port: 8080\n  hmac_secret: should_be_rejected\n")
		_, err := LoadConfig(path, nil)
		if err == nil || err.Error() != "HMAC secrets not allowed in config files (use CRM_HMAC_SECRET environment variable)" {
			t.Fatalf("LoadConfig() error = %v", err)
		}
	})

	t.Run("redis password", func(t *testing.T) {
		path := writeConfig(t, "redis:\n  addr: localhost:6379\n  password: hunter2\n")
		if _, err := LoadConfig(path, nil); err == nil {
			t.Fatal("expected error for redis password in config file")
		}
	})

	t.Run("secret in environment is accepted", func(t *testing.T) {
		t.Setenv("CRM_HMAC_SECRET", testSecretID+":"+testSecret)
		t.Setenv("CRM_REDIS_PASSWORD", "hunter2")
		if _, err := LoadConfig(writeConfig(t, "server:\n  port: 8080\n"), nil); err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
	})
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n  host: 10.0.0.1\nlog:\n  level: debug\n")

	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 || cfg.Log.Level != "debug" {
		t.Fatalf("file values not applied: %+v", cfg)
	}

	t.Setenv("CRM_SERVER_PORT", "8080")
	cfg, err = LoadConfig(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("environment should override config file: got %d", cfg.Server.Port)
	}

	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.Int("port", 50061, "")
	flags.String("log-level", "info", "")
	if err := flags.Parse([]string{"--port", "7070"}); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(path, flags)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("flag should override environment: got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("unchanged flag should not override file: got %s", cfg.Log.Level)
	}
	if cfg.Server.Host != "10.0.0.1" {
		t.Errorf("host = %s, want file value", cfg.Server.Host)
	}
}
