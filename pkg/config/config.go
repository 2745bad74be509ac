package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sameehj/hwbridge/pkg/auth"
	"gopkg.in/yaml.v3"
)

// Config defines runtime settings for the gateway.
type Config struct {
	LogLevel  string         `yaml:"logLevel"`
	LogFormat string         `yaml:"logFormat"`
	Hardware  HardwareConfig `yaml:"hardware"`
	App       AppConfig      `yaml:"app"`
	Bridge    BridgeConfig   `yaml:"bridge"`
	Tokens    TokensConfig   `yaml:"tokens"`
	Admin     AdminConfig    `yaml:"admin"`
}

type HardwareConfig struct {
	Address      string   `yaml:"address"`
	MaxSessions  int      `yaml:"maxSessions"`
	AllowedAddrs []string `yaml:"allowedAddrs"`
}

type AppConfig struct {
	Address      string      `yaml:"address"`
	WSAddress    string      `yaml:"wsAddress"`
	WSPath       string      `yaml:"wsPath"`
	AllowedAddrs []string    `yaml:"allowedAddrs"`
	Users        []auth.User `yaml:"users"`
}

type BridgeConfig struct {
	MaxSlots  int `yaml:"maxSlots"`
	QueueSize int `yaml:"queueSize"`
}

type TokensConfig struct {
	Backend  string        `yaml:"backend"`
	RedisURL string        `yaml:"redisURL"`
	Static   []auth.Device `yaml:"static"`
}

type AdminConfig struct {
	HTTPAddress string `yaml:"httpAddress"`
	GRPCAddress string `yaml:"grpcAddress"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Hardware:  HardwareConfig{Address: ":8442"},
		App:       AppConfig{Address: ":8443"},
		Bridge:    BridgeConfig{MaxSlots: 128, QueueSize: 64},
		Tokens:    TokensConfig{Backend: BackendMemory},
		Admin:     AdminConfig{HTTPAddress: ":8080"},
	}
}

// LoadConfig loads configuration from a YAML file and environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("HWBRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HWBRIDGE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("HWBRIDGE_HARDWARE_ADDR"); v != "" {
		cfg.Hardware.Address = v
	}
	if v := os.Getenv("HWBRIDGE_APP_ADDR"); v != "" {
		cfg.App.Address = v
	}
	if v := os.Getenv("HWBRIDGE_REDIS_URL"); v != "" {
		cfg.Tokens.Backend = BackendRedis
		cfg.Tokens.RedisURL = v
	}
	if v := os.Getenv("HWBRIDGE_MAX_SLOTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse HWBRIDGE_MAX_SLOTS: %w", err)
		}
		cfg.Bridge.MaxSlots = n
	}
	return nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Hardware.Address == "" {
		return fmt.Errorf("hardware.address is required")
	}
	if c.Bridge.MaxSlots < 0 {
		return fmt.Errorf("bridge.maxSlots must not be negative: %d", c.Bridge.MaxSlots)
	}
	if c.Bridge.QueueSize < 0 {
		return fmt.Errorf("bridge.queueSize must not be negative: %d", c.Bridge.QueueSize)
	}
	switch c.Tokens.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Tokens.RedisURL == "" {
			return fmt.Errorf("tokens.redisURL is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown tokens.backend %q", c.Tokens.Backend)
	}
	return nil
}

// DefaultConfigPath returns the default location for the gateway config file.
func DefaultConfigPath() string {
	if path := os.Getenv("HWBRIDGE_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hwbridge", "config.yaml")
}
