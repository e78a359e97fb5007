// Package config loads and validates node configuration: a YAML file with
// environment overrides for secrets and deploy-time settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where flockd looks when no --config flag is given.
const DefaultConfigPath = "flock.yaml"

// Config is the full node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Migration MigrationConfig `yaml:"migration"`
	Bridges   []BridgeConfig  `yaml:"bridges"`
	Session   SessionConfig   `yaml:"session"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// NodeConfig identifies this node and its network surface.
type NodeConfig struct {
	ID         string `yaml:"id"`
	ListenAddr string `yaml:"listen_addr"`
	// Endpoint is the public base URL other nodes use to reach this one.
	Endpoint string `yaml:"endpoint"`
	// ParentURL is the optional parent registry for discovery fallback.
	ParentURL string `yaml:"parent_url"`
	// HomesDir is the base directory for agent homes.
	HomesDir string `yaml:"homes_dir"`
	// EventLogDir holds the JSONL A2A event logs.
	EventLogDir string `yaml:"event_log_dir"`
	// CredentialsPath is the auth store file.
	CredentialsPath string `yaml:"credentials_path"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// SchedulerConfig tunes the work-loop coordinator.
type SchedulerConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// MigrationConfig tunes the migration engine.
type MigrationConfig struct {
	MaxPortableBytes int64         `yaml:"max_portable_bytes"`
	TransferTimeout  time.Duration `yaml:"transfer_timeout"`
}

// BridgeConfig configures one external platform connection.
type BridgeConfig struct {
	Platform string `yaml:"platform"`
	// Token is the bot token (discord). Overridden by TokenEnv when set.
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
	// WebhookURL is the default outbound webhook (slack).
	WebhookURL string `yaml:"webhook_url"`
}

// SessionConfig selects the LLM session provider.
type SessionConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// APIKeyEnv names the environment fallback for the provider key.
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads, applies defaults and env overrides, and validates the
// config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.ListenAddr == "" {
		c.Node.ListenAddr = ":8700"
	}
	if c.Node.HomesDir == "" {
		c.Node.HomesDir = "homes"
	}
	if c.Node.EventLogDir == "" {
		c.Node.EventLogDir = "events"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "flock.db"
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = 60 * time.Second
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		c.Scheduler.MaxConcurrency = 4
	}
	if c.Migration.MaxPortableBytes <= 0 {
		c.Migration.MaxPortableBytes = 512 << 20
	}
	if c.Migration.TransferTimeout <= 0 {
		c.Migration.TransferTimeout = 300 * time.Second
	}
	if c.Session.Timeout <= 0 {
		c.Session.Timeout = 120 * time.Second
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
}

// applyEnvOverrides resolves secrets from the environment. Values from
// the environment win over the file so deployments never write tokens to
// disk.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FLOCK_NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("FLOCK_LISTEN_ADDR"); v != "" {
		c.Node.ListenAddr = v
	}
	if v := os.Getenv("FLOCK_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	for i := range c.Bridges {
		bridge := &c.Bridges[i]
		if bridge.TokenEnv != "" {
			if v := os.Getenv(bridge.TokenEnv); v != "" {
				bridge.Token = v
			}
		}
	}
}

// Validate checks the loaded configuration for fatal mistakes.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if c.Node.Endpoint == "" {
		errs = append(errs, errors.New("node.endpoint is required"))
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, memory", c.Store.Driver))
	}
	for i := range c.Bridges {
		switch c.Bridges[i].Platform {
		case "discord", "slack":
		default:
			errs = append(errs, fmt.Errorf("bridges[%d].platform %q is not one of discord, slack", i, c.Bridges[i].Platform))
		}
	}
	if c.Session.Provider != "" {
		switch c.Session.Provider {
		case "anthropic", "openai", "mock":
		default:
			errs = append(errs, fmt.Errorf("session.provider %q is not one of anthropic, openai, mock", c.Session.Provider))
		}
	}
	return errors.Join(errs...)
}
