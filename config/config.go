package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"bazaar/core/types"
)

// Config captures the runtime settings for marketd.
type Config struct {
	Listen         string          `toml:"Listen" yaml:"listen"`
	DataDir        string          `toml:"DataDir" yaml:"data_dir"`
	StateEngine    string          `toml:"StateEngine" yaml:"state_engine"`
	Environment    string          `toml:"Environment" yaml:"environment"`
	CapabilityFile string          `toml:"CapabilityFile" yaml:"capability_file"`
	Market         MarketConfig    `toml:"market" yaml:"market"`
	Auth           AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit      RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Events         EventsConfig    `toml:"events" yaml:"events"`
	Logging        LoggingConfig   `toml:"logging" yaml:"logging"`
	Telemetry      TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

// MarketConfig selects the instance the daemon serves.
type MarketConfig struct {
	Currency          string `toml:"Currency" yaml:"currency"`
	Creator           string `toml:"Creator" yaml:"creator"`
	AllowSelfPurchase bool   `toml:"AllowSelfPurchase" yaml:"allow_self_purchase"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `toml:"JWTSecret" yaml:"jwt_secret"`
	Issuer    string `toml:"Issuer" yaml:"issuer"`
	Audience  string `toml:"Audience" yaml:"audience"`
}

// RateLimitConfig bounds per-caller request rates.
type RateLimitConfig struct {
	PerMinute int `toml:"PerMinute" yaml:"per_minute"`
	Burst     int `toml:"Burst" yaml:"burst"`
}

// EventsConfig configures the notification log and live feed.
type EventsConfig struct {
	LogPath      string `toml:"LogPath" yaml:"log_path"`
	FeedCapacity int    `toml:"FeedCapacity" yaml:"feed_capacity"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		Listen:         "127.0.0.1:8480",
		DataDir:        "./market-data",
		StateEngine:    "leveldb",
		Environment:    "local",
		CapabilityFile: "",
		Market: MarketConfig{
			Currency: "USD",
		},
		Auth: AuthConfig{
			Issuer:   "marketctl",
			Audience: "marketd",
		},
		RateLimit: RateLimitConfig{PerMinute: 600, Burst: 60},
		Events:    EventsConfig{FeedCapacity: 1024},
		Logging:   LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5},
	}
}

// Load loads the configuration from the given path. Files ending in .yaml or
// .yml are decoded as YAML, anything else as TOML. A default TOML file is
// written when path does not exist. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err = createDefault(path)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		cfg, err = decodeFile(path)
		if err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

func decodeFile(path string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
		}
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	defaults := Default()
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = defaults.Listen
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaults.DataDir
	}
	c.StateEngine = strings.ToLower(strings.TrimSpace(c.StateEngine))
	if c.StateEngine == "" {
		c.StateEngine = defaults.StateEngine
	}
	if strings.TrimSpace(c.CapabilityFile) == "" {
		c.CapabilityFile = filepath.Join(c.DataDir, "capabilities.json")
	}
	if strings.TrimSpace(c.Events.LogPath) == "" {
		c.Events.LogPath = filepath.Join(c.DataDir, "events.db")
	}
	if c.Events.FeedCapacity == 0 {
		c.Events.FeedCapacity = defaults.Events.FeedCapacity
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	c.Market.Currency = types.NormalizeCurrency(c.Market.Currency)
}

// Sanitized returns a copy of the Config with secrets masked for logging.
func (c Config) Sanitized() Config {
	clone := c
	if clone.Auth.JWTSecret != "" {
		clone.Auth.JWTSecret = "***"
	}
	if clone.Telemetry.Headers != "" {
		clone.Telemetry.Headers = "***"
	}
	return clone
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
