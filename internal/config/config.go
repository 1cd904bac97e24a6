package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml. Environment variables
// override file values so the daemon can be pointed at a different server
// without editing the file.
type Config struct {
	DefaultSession string `toml:"default_session"`
	ServerURL      string `toml:"server_url"`

	Reconnect ReconnectConfig `toml:"reconnect"`
	Simulate  SimulateConfig  `toml:"simulate"`
}

// ReconnectConfig tunes the automatic reconnection loop.
type ReconnectConfig struct {
	InitialDelayMS int `toml:"initial_delay_ms"`
	MaxDelayMS     int `toml:"max_delay_ms"`
	MaxAttempts    int `toml:"max_attempts"`
}

// SimulateConfig enables fake delivery and read receipts for servers that
// never acknowledge.
type SimulateConfig struct {
	Enabled        bool `toml:"enabled"`
	DeliverAfterMS int  `toml:"deliver_after_ms"`
	ReadAfterMS    int  `toml:"read_after_ms"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		ServerURL:      "ws://localhost:3001/ws",
		Reconnect: ReconnectConfig{
			InitialDelayMS: 1000,
			MaxDelayMS:     5000,
			MaxAttempts:    5,
		},
		Simulate: SimulateConfig{
			Enabled:        false,
			DeliverAfterMS: 2000,
			ReadAfterMS:    5000,
		},
	}
}

// Load reads config from the given path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

// Validate rejects values that would break the reconnection loop.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must not be empty")
	}
	if c.Reconnect.InitialDelayMS <= 0 {
		return fmt.Errorf("reconnect.initial_delay_ms must be positive, got %d", c.Reconnect.InitialDelayMS)
	}
	if c.Reconnect.MaxDelayMS < c.Reconnect.InitialDelayMS {
		return fmt.Errorf("reconnect.max_delay_ms (%d) must be >= initial_delay_ms (%d)",
			c.Reconnect.MaxDelayMS, c.Reconnect.InitialDelayMS)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive, got %d", c.Reconnect.MaxAttempts)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServerURL = getEnvStr("CHATSYNC_SERVER_URL", cfg.ServerURL)
	cfg.DefaultSession = getEnvStr("CHATSYNC_SESSION", cfg.DefaultSession)
	cfg.Reconnect.InitialDelayMS = getEnvInt("CHATSYNC_RECONNECT_INITIAL_DELAY_MS", cfg.Reconnect.InitialDelayMS)
	cfg.Reconnect.MaxDelayMS = getEnvInt("CHATSYNC_RECONNECT_MAX_DELAY_MS", cfg.Reconnect.MaxDelayMS)
	cfg.Reconnect.MaxAttempts = getEnvInt("CHATSYNC_RECONNECT_MAX_ATTEMPTS", cfg.Reconnect.MaxAttempts)
	cfg.Simulate.Enabled = getEnvBool("CHATSYNC_SIMULATE", cfg.Simulate.Enabled)
}

func getEnvStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
