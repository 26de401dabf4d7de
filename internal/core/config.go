package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/hubmon/internal/integrations"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

type Config struct {
	API          APIConfig                   `yaml:"api"`
	Auth         AuthConfig                  `yaml:"auth"`
	Health       HealthConfig                `yaml:"health"`
	Executions   ExecutionsConfig            `yaml:"executions"`
	Integrations []api.IntegrationDescriptor `yaml:"integrations"`
	Monitoring   MonitoringConfig            `yaml:"monitoring"`
	History      HistoryConfig               `yaml:"history"`
}

type APIConfig struct {
	BaseURL        string `yaml:"base_url" envconfig:"BASE_URL"`
	Prefix         string `yaml:"prefix" envconfig:"PREFIX"`
	TimeoutSeconds int    `yaml:"timeout_seconds" envconfig:"TIMEOUT_SECONDS"`
}

type AuthConfig struct {
	Token  string `yaml:"token" envconfig:"TOKEN"`
	Tenant string `yaml:"tenant" envconfig:"TENANT"`
}

type HealthConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds" envconfig:"INTERVAL_SECONDS"`
	Mode            string `yaml:"mode" envconfig:"MODE"`
}

type ExecutionsConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds" envconfig:"INTERVAL_SECONDS"`
	AutoRefresh     bool   `yaml:"auto_refresh" envconfig:"AUTO_REFRESH"`
	Status          string `yaml:"status" envconfig:"STATUS"`
	Window          int    `yaml:"window" envconfig:"WINDOW"`
}

type MonitoringConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

type HistoryConfig struct {
	Retention int `yaml:"retention"`
}

// DefaultConfig is the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		API:          APIConfig{BaseURL: "http://localhost:8000", Prefix: integrations.DefaultPrefix, TimeoutSeconds: 10},
		Health:       HealthConfig{IntervalSeconds: int(DefaultHealthInterval / time.Second), Mode: string(HealthPerIntegration)},
		Executions:   ExecutionsConfig{IntervalSeconds: int(DefaultFeedInterval / time.Second), AutoRefresh: true, Status: string(api.FilterAll), Window: api.DefaultWindowSize},
		Integrations: integrations.DefaultDescriptors(),
		Monitoring:   MonitoringConfig{Addr: ":9091"},
		History:      HistoryConfig{Retention: DefaultRetention},
	}
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "hubmon")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/hubmon/config.yaml or ~/.config/hubmon/config.yaml, and a
// missing file there means defaults. Environment variables override the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(configDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Tokens are kept out of YAML when possible.
	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, fmt.Errorf("read secrets: %w", err)
	}
	for _, k := range []string{"HUBMON_TOKEN", "HUBMON_TENANT"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if v := secrets["HUBMON_TOKEN"]; v != "" {
		cfg.Auth.Token = v
	}
	if v := secrets["HUBMON_TENANT"]; v != "" {
		cfg.Auth.Tenant = v
	}

	for prefix, spec := range map[string]any{
		"HUBMON_API":        &cfg.API,
		"HUBMON_AUTH":       &cfg.Auth,
		"HUBMON_HEALTH":     &cfg.Health,
		"HUBMON_EXECUTIONS": &cfg.Executions,
		"HUBMON_MONITORING": &cfg.Monitoring,
	} {
		if err := envconfig.Process(prefix, spec); err != nil {
			return cfg, fmt.Errorf("env %s: %w", prefix, err)
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be positive, got %d", c.API.TimeoutSeconds)
	}
	if c.Health.IntervalSeconds <= 0 {
		return fmt.Errorf("health.interval_seconds must be positive, got %d", c.Health.IntervalSeconds)
	}
	if c.Executions.IntervalSeconds <= 0 {
		return fmt.Errorf("executions.interval_seconds must be positive, got %d", c.Executions.IntervalSeconds)
	}
	if err := HealthMode(c.Health.Mode).Validate(); err != nil {
		return fmt.Errorf("health.mode: %w", err)
	}
	seen := map[string]bool{}
	for _, d := range c.Integrations {
		if d.ID == "" {
			return errors.New("integrations: empty id")
		}
		if seen[d.ID] {
			return fmt.Errorf("integrations: duplicate id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalSeconds) * time.Second
}

func (c Config) FeedInterval() time.Duration {
	return time.Duration(c.Executions.IntervalSeconds) * time.Second
}

func (c Config) ClientConfig() integrations.ClientConfig {
	return integrations.ClientConfig{
		BaseURL: c.API.BaseURL,
		Prefix:  c.API.Prefix,
		Timeout: time.Duration(c.API.TimeoutSeconds) * time.Second,
	}
}

func (c Config) ExecutionFilter() api.ExecutionFilter {
	return api.ExecutionFilter{
		Status:     api.ParseStatusFilter(c.Executions.Status),
		WindowSize: c.Executions.Window,
	}.Normalize()
}
