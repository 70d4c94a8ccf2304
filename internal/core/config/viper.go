package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence; flags are
// applied by the caller on the returned Config.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault("scan.workers", d.Scan.Workers)
	v.SetDefault("scan.ruleset_concurrency", d.Scan.RuleSetConcurrency)
	v.SetDefault("scan.max_attempts", d.Scan.MaxAttempts)
	v.SetDefault("scan.base_delay", d.Scan.BaseDelay.String())
	v.SetDefault("scan.max_delay", d.Scan.MaxDelay.String())
	v.SetDefault("scan.call_timeout", d.Scan.CallTimeout.String())
	v.SetDefault("scan.rules_dir", d.Scan.RulesDir)
	v.SetDefault("scan.fixtures", "")
	v.SetDefault("scan.http_base_url", "")
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout.String())
	v.SetDefault("server.max_rule_sets", d.Server.MaxRuleSets)

	// Bind environment variables with SK_ prefix
	v.SetEnvPrefix("SK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are environment-only
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Scan: ScanConfig{
			Workers:            v.GetInt("scan.workers"),
			RuleSetConcurrency: v.GetInt("scan.ruleset_concurrency"),
			MaxAttempts:        v.GetInt("scan.max_attempts"),
			BaseDelay:          v.GetDuration("scan.base_delay"),
			MaxDelay:           v.GetDuration("scan.max_delay"),
			CallTimeout:        v.GetDuration("scan.call_timeout"),
			RulesDir:           v.GetString("scan.rules_dir"),
			Fixtures:           v.GetString("scan.fixtures"),
			HTTPBaseURL:        v.GetString("scan.http_base_url"),
		},
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			MaxConnections: v.GetInt("server.max_connections"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
			MaxRuleSets:    v.GetInt("server.max_rule_sets"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks ranges of every setting. The CLI calls it again after
// applying flag overrides.
func (c *Config) Validate() error {
	if err := validateScan(&c.Scan); err != nil {
		return err
	}
	return validateServer(&c.Server)
}

func validateScan(s *ScanConfig) error {
	if s.Workers <= 0 {
		return fmt.Errorf("scan.workers must be positive, got %d", s.Workers)
	}
	if s.RuleSetConcurrency <= 0 {
		return fmt.Errorf("scan.ruleset_concurrency must be positive, got %d", s.RuleSetConcurrency)
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("scan.max_attempts must be positive, got %d", s.MaxAttempts)
	}
	if s.BaseDelay <= 0 {
		return fmt.Errorf("scan.base_delay must be positive, got %v", s.BaseDelay)
	}
	if s.MaxDelay < s.BaseDelay {
		return fmt.Errorf("scan.max_delay (%v) must not be below scan.base_delay (%v)", s.MaxDelay, s.BaseDelay)
	}
	if s.CallTimeout < 0 {
		return fmt.Errorf("scan.call_timeout must not be negative, got %v", s.CallTimeout)
	}
	if s.Fixtures != "" && s.HTTPBaseURL != "" {
		return fmt.Errorf("scan.fixtures and scan.http_base_url are mutually exclusive")
	}
	if s.HTTPBaseURL != "" {
		u, err := url.Parse(s.HTTPBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("scan.http_base_url must be an http(s) URL, got %q", s.HTTPBaseURL)
		}
	}
	return nil
}

// validateServer checks port range and positive limits.
func validateServer(s *ServerConfig) error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", s.MaxConnections)
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", s.RequestTimeout)
	}
	if s.MaxRuleSets <= 0 {
		return fmt.Errorf("max_rule_sets must be positive, got %d", s.MaxRuleSets)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets. InConfig only
// looks at the file, so SK_HMAC_SECRET in the environment is not flagged.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("hmac_secret") || v.InConfig("server.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use SK_HMAC_SECRET environment variable)")
	}
	return nil
}
