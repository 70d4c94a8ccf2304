package config

import (
	"os"
	"testing"
	"time"
)

const (
	secretA = "0123456789abcdef0123456789abcdef:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
	secretB = "fedcba9876543210fedcba9876543210:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
)

func TestHMACSecrets(t *testing.T) {
	// Clean environment
	os.Unsetenv("SK_HMAC_SECRET")
	os.Unsetenv("SK_HMAC_SECRET_1")
	os.Unsetenv("SK_HMAC_SECRET_2")

	t.Run("single secret", func(t *testing.T) {
		os.Setenv("SK_HMAC_SECRET", secretA)
		defer os.Unsetenv("SK_HMAC_SECRET")

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 1 {
			t.Errorf("expected 1 secret, got %d", len(secrets))
		}
		if _, ok := secrets["0123456789abcdef0123456789abcdef"]; !ok {
			t.Errorf("secret_id not found in map")
		}
	})

	t.Run("multiple numbered secrets", func(t *testing.T) {
		os.Setenv("SK_HMAC_SECRET_1", secretA)
		os.Setenv("SK_HMAC_SECRET_2", secretB)
		defer os.Unsetenv("SK_HMAC_SECRET_1")
		defer os.Unsetenv("SK_HMAC_SECRET_2")

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 2 {
			t.Errorf("expected 2 secrets, got %d", len(secrets))
		}
	})

	t.Run("numbering stops at first gap", func(t *testing.T) {
		os.Setenv("SK_HMAC_SECRET_2", secretB)
		defer os.Unsetenv("SK_HMAC_SECRET_2")

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 0 {
			t.Errorf("expected 0 secrets, got %d", len(secrets))
		}
	})

	invalid := []struct {
		name string
		env  map[string]string
	}{
		{"invalid format", map[string]string{"SK_HMAC_SECRET": "invalid_format"}},
		{"invalid secret_id length", map[string]string{"SK_HMAC_SECRET": "short:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"}},
		{"non-hex secret_id", map[string]string{"SK_HMAC_SECRET": "0123456789abcdefGHIJKLMNOPQRSTUV:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"}},
		{"duplicate secret_id in numbered secrets", map[string]string{"SK_HMAC_SECRET_1": secretA, "SK_HMAC_SECRET_2": secretA}},
		{"duplicate secret_id between single and numbered", map[string]string{"SK_HMAC_SECRET": secretA, "SK_HMAC_SECRET_1": secretA}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}
			if _, err := HMACSecrets(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	// Clean environment
	os.Unsetenv("SK_SERVER_HOST")
	os.Unsetenv("SK_SERVER_PORT")
	os.Unsetenv("SK_SCAN_WORKERS")

	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		checks := []struct {
			name      string
			got, want any
		}{
			{"scan.workers", cfg.Scan.Workers, 16},
			{"scan.ruleset_concurrency", cfg.Scan.RuleSetConcurrency, 4},
			{"scan.max_attempts", cfg.Scan.MaxAttempts, 5},
			{"scan.base_delay", cfg.Scan.BaseDelay, 500 * time.Millisecond},
			{"scan.max_delay", cfg.Scan.MaxDelay, 10 * time.Second},
			{"scan.call_timeout", cfg.Scan.CallTimeout, 30 * time.Second},
			{"scan.rules_dir", cfg.Scan.RulesDir, "./rules"},
			{"scan.fixtures", cfg.Scan.Fixtures, ""},
			{"server.host", cfg.Server.Host, "0.0.0.0"},
			{"server.port", cfg.Server.Port, 50061},
			{"server.max_connections", cfg.Server.MaxConnections, 1000},
			{"server.request_timeout", cfg.Server.RequestTimeout, 5 * time.Minute},
			{"server.max_rule_sets", cfg.Server.MaxRuleSets, 100},
		}
		for _, c := range checks {
			if c.got != c.want {
				t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
			}
		}
	})

	t.Run("environment override", func(t *testing.T) {
		os.Setenv("SK_SERVER_PORT", "9999")
		os.Setenv("SK_SERVER_HOST", "127.0.0.1")
		os.Setenv("SK_SCAN_WORKERS", "2")
		os.Setenv("SK_SCAN_BASE_DELAY", "250ms")
		defer os.Unsetenv("SK_SERVER_PORT")
		defer os.Unsetenv("SK_SERVER_HOST")
		defer os.Unsetenv("SK_SCAN_WORKERS")
		defer os.Unsetenv("SK_SCAN_BASE_DELAY")

		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.Port != 9999 {
			t.Errorf("expected port 9999, got %d", cfg.Server.Port)
		}
		if cfg.Server.Host != "127.0.0.1" {
			t.Errorf("expected host 127.0.0.1, got %s", cfg.Server.Host)
		}
		if cfg.Scan.Workers != 2 {
			t.Errorf("expected workers 2, got %d", cfg.Scan.Workers)
		}
		if cfg.Scan.BaseDelay != 250*time.Millisecond {
			t.Errorf("expected base_delay 250ms, got %v", cfg.Scan.BaseDelay)
		}
	})

	invalid := []struct {
		name string
		key  string
		val  string
	}{
		{"invalid port range", "SK_SERVER_PORT", "70000"},
		{"negative max_connections", "SK_SERVER_MAX_CONNECTIONS", "-1"},
		{"zero workers", "SK_SCAN_WORKERS", "0"},
		{"max_delay below base_delay", "SK_SCAN_MAX_DELAY", "1ms"},
		{"negative call timeout", "SK_SCAN_CALL_TIMEOUT", "-1s"},
		{"non-http base url", "SK_SCAN_HTTP_BASE_URL", "ftp://example.com"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv(tt.key, tt.val)
			defer os.Unsetenv(tt.key)

			if _, err := LoadConfig(""); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}

	t.Run("fixtures and http base url are exclusive", func(t *testing.T) {
		os.Setenv("SK_SCAN_FIXTURES", "fixtures.yaml")
		os.Setenv("SK_SCAN_HTTP_BASE_URL", "http://localhost:8080")
		defer os.Unsetenv("SK_SCAN_FIXTURES")
		defer os.Unsetenv("SK_SCAN_HTTP_BASE_URL")

		if _, err := LoadConfig(""); err == nil {
			t.Error("expected error when both invoker bindings are set")
		}
	})
}

func TestScanConfig_EngineOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scan.Workers = 3
	opts := cfg.Scan.EngineOptions()
	if opts.Workers != 3 || opts.MaxAttempts != 5 || opts.CallTimeout != 30*time.Second {
		t.Errorf("EngineOptions() = %+v", opts)
	}
}

func TestParseHMACSecret(t *testing.T) {
	t.Run("valid base64", func(t *testing.T) {
		secret, err := ParseHMACSecret("dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		if err != nil {
			t.Fatalf("ParseHMACSecret failed: %v", err)
		}
		if len(secret) < 32 {
			t.Errorf("secret too short: %d bytes", len(secret))
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := ParseHMACSecret("not-valid-base64!!!")
		if err == nil {
			t.Error("expected error for invalid base64")
		}
	})

	t.Run("secret too short", func(t *testing.T) {
		_, err := ParseHMACSecret("c2hvcnQ=") // "short" in base64
		if err == nil {
			t.Error("expected error for secret < 32 bytes")
		}
	})
}

func TestParseHMACSecretWithID(t *testing.T) {
	t.Run("valid format", func(t *testing.T) {
		secretID, secret, err := ParseHMACSecretWithID(secretA)
		if err != nil {
			t.Fatalf("ParseHMACSecretWithID failed: %v", err)
		}
		if secretID != "0123456789abcdef0123456789abcdef" {
			t.Errorf("unexpected secret_id: %s", secretID)
		}
		if len(secret) == 0 {
			t.Error("secret should not be empty")
		}
	})

	t.Run("missing colon", func(t *testing.T) {
		_, _, err := ParseHMACSecretWithID("0123456789abcdef0123456789abcdef")
		if err == nil {
			t.Error("expected error for missing colon")
		}
	})

	t.Run("invalid secret_id length", func(t *testing.T) {
		_, _, err := ParseHMACSecretWithID("tooshort:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		if err == nil {
			t.Error("expected error for short secret_id")
		}
	})

	t.Run("non-hex chars in secret_id", func(t *testing.T) {
		_, _, err := ParseHMACSecretWithID("0123456789abcdefGHIJKLMNOPQRSTUV:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		if err == nil {
			t.Error("expected error for non-hex secret_id")
		}
	})
}
