package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scankeeper.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestConfigFilePrecedence covers the operator-facing config file guarantees.
func TestConfigFilePrecedence(t *testing.T) {
	t.Run("environment secret accepted alongside defaults", func(t *testing.T) {
		os.Setenv("SK_HMAC_SECRET", secretA)
		defer os.Unsetenv("SK_HMAC_SECRET")

		if _, err := LoadConfig(""); err != nil {
			t.Fatalf("LoadConfig error with env secret: %v", err)
		}
		secrets, err := HMACSecrets()
		if err != nil || len(secrets) != 1 {
			t.Fatalf("HMACSecrets() = %v, %v", secrets, err)
		}
	})

	t.Run("config file with hmac_secret rejected", func(t *testing.T) {
		path := writeConfigFile(t, `server:
  host: "localhost"
  port: 8080
  hmac_secret: "should_be_rejected"
`)
		_, err := LoadConfig(path)
		if err == nil {
			t.Fatal("expected error for secret in config file")
		}
		if err.Error() != "HMAC secrets not allowed in config files (use SK_HMAC_SECRET environment variable)" {
			t.Fatalf("wrong error message: %v", err)
		}
	})

	t.Run("config file values applied", func(t *testing.T) {
		path := writeConfigFile(t, `scan:
  workers: 8
  rules_dir: /etc/scankeeper/rules
  call_timeout: 45s
server:
  port: 9090
`)
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig error: %v", err)
		}
		if cfg.Scan.Workers != 8 || cfg.Scan.RulesDir != "/etc/scankeeper/rules" || cfg.Server.Port != 9090 {
			t.Errorf("cfg = %+v", cfg)
		}
		if cfg.Scan.CallTimeout.String() != "45s" {
			t.Errorf("call_timeout = %v, want 45s", cfg.Scan.CallTimeout)
		}
	})

	t.Run("environment overrides config file", func(t *testing.T) {
		os.Setenv("SK_SERVER_PORT", "8080")
		defer os.Unsetenv("SK_SERVER_PORT")

		path := writeConfigFile(t, `server:
  port: 9090
`)
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig error: %v", err)
		}
		if cfg.Server.Port != 8080 {
			t.Fatalf("environment should override config file: expected 8080, got %d", cfg.Server.Port)
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Fatal("expected error for missing config file")
		}
	})
}
