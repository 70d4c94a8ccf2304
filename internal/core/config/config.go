// Package config provides configuration management for scankeeper.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/solatis/scankeeper/internal/engine"
)

// Config is the full scankeeper configuration.
type Config struct {
	Scan   ScanConfig
	Server ServerConfig
}

// ScanConfig tunes the rule engine and selects the invoker binding.
type ScanConfig struct {
	Workers            int
	RuleSetConcurrency int
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	CallTimeout        time.Duration
	RulesDir           string
	Fixtures           string
	HTTPBaseURL        string
}

// ServerConfig holds configuration for the gRPC scan API.
type ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
	RequestTimeout time.Duration
	MaxRuleSets    int
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Scan: ScanConfig{
			Workers:            16,
			RuleSetConcurrency: engine.DefaultRuleSetConcurrency,
			MaxAttempts:        5,
			BaseDelay:          engine.DefaultBaseDelay,
			MaxDelay:           engine.DefaultMaxDelay,
			CallTimeout:        engine.DefaultCallTimeout,
			RulesDir:           "./rules",
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           50061,
			MaxConnections: 1000,
			RequestTimeout: 5 * time.Minute,
			MaxRuleSets:    100,
		},
	}
}

// EngineOptions converts the scan settings to engine options.
func (c ScanConfig) EngineOptions() engine.Options {
	return engine.Options{
		Workers:            c.Workers,
		RuleSetConcurrency: c.RuleSetConcurrency,
		MaxAttempts:        c.MaxAttempts,
		BaseDelay:          c.BaseDelay,
		MaxDelay:           c.MaxDelay,
		CallTimeout:        c.CallTimeout,
	}
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports SK_HMAC_SECRET (single) and SK_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	// Format: <secret_id>:<base64_secret>
	if val := os.Getenv("SK_HMAC_SECRET"); val != "" {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("SK_HMAC_SECRET: %w", err)
		}
		secrets[secretID] = decoded
	}

	// Numbered secrets keep old and new keys valid during rotation
	for i := 1; ; i++ {
		key := fmt.Sprintf("SK_HMAC_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return nil, fmt.Errorf("duplicate secret_id '%s' found in environment variables (check SK_HMAC_SECRET and SK_HMAC_SECRET_* for conflicts)", secretID)
		}
		secrets[secretID] = decoded
	}

	return secrets, nil
}

// ParseHMACSecret decodes a base64-encoded HMAC secret.
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
	id, encoded, ok := strings.Cut(strings.TrimSpace(envValue), ":")
	if !ok {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	if len(id) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = ParseHMACSecret(encoded)
	if err != nil {
		return "", nil, err
	}
	return id, secret, nil
}
