package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the chatd config file (~/.affinity-chat/config.toml).
// Zero values are replaced with defaults on load, so a partial file is fine.
type Config struct {
	ServerURL string `toml:"server_url"`

	ReconnectBaseDelayMS int `toml:"reconnect_base_delay_ms"`
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`

	AckTimeoutMS       int `toml:"ack_timeout_ms"`
	MarkReadDebounceMS int `toml:"mark_read_debounce_ms"`

	ConfirmedCap       int   `toml:"confirmed_cap"`
	RetentionDays      int   `toml:"retention_days"`
	StorageBudgetBytes int64 `toml:"storage_budget_bytes"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = "wss://chat.affinity.local/ws"
	}
	if c.ReconnectBaseDelayMS <= 0 {
		c.ReconnectBaseDelayMS = 1000
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.AckTimeoutMS <= 0 {
		c.AckTimeoutMS = 30000
	}
	if c.MarkReadDebounceMS <= 0 {
		c.MarkReadDebounceMS = 500
	}
	if c.ConfirmedCap <= 0 {
		c.ConfirmedCap = 100
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.StorageBudgetBytes <= 0 {
		c.StorageBudgetBytes = 4 << 20
	}
}

// ReconnectBaseDelay returns the first reconnect backoff delay.
func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMS) * time.Millisecond
}

// AckTimeout returns the per-message delivery acknowledgment window.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// MarkReadDebounce returns the delay before a freshly opened conversation is
// marked as read.
func (c *Config) MarkReadDebounce() time.Duration {
	return time.Duration(c.MarkReadDebounceMS) * time.Millisecond
}

// Retention returns how long an untouched conversation is kept before cleanup.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Load reads config from the given path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return &cfg, nil
		}
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
