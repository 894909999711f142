// Package config handles configuration loading, validation, and persistence
// for rconsole.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultTOMLFile   = "config.toml"
	DefaultRCONPort   = 27015
	DefaultAPIListen  = "127.0.0.1:8080"
)

// Environment variables that override the server section after loading.
const (
	EnvHost     = "RCONSOLE_HOST"
	EnvPort     = "RCONSOLE_PORT"
	EnvPassword = "RCONSOLE_PASSWORD"
)

// Config is the root configuration structure for rconsole.
type Config struct {
	mu   sync.RWMutex
	path string

	Server    ServerConfig    `json:"server" toml:"server"`
	Session   SessionConfig   `json:"session" toml:"session"`
	Reconnect ReconnectConfig `json:"reconnect" toml:"reconnect"`
	API       APIConfig       `json:"api" toml:"api"`
	MQTT      MQTTConfig      `json:"mqtt" toml:"mqtt"`
	History   HistoryConfig   `json:"history" toml:"history"`
	Health    HealthConfig    `json:"health" toml:"health"`
	Logging   LoggingConfig   `json:"logging" toml:"logging"`
}

// ServerConfig identifies the RCON server.
type ServerConfig struct {
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Password string `json:"password" toml:"password"`
}

// SessionConfig holds per-connection timeouts and limits.
type SessionConfig struct {
	DialTimeoutSec    int `json:"dial_timeout_sec" toml:"dial_timeout_sec"`
	AuthTimeoutSec    int `json:"auth_timeout_sec" toml:"auth_timeout_sec"`
	CommandTimeoutSec int `json:"command_timeout_sec" toml:"command_timeout_sec"`
	MaxPending        int `json:"max_pending" toml:"max_pending"`
	MaxPacketSize     int `json:"max_packet_size" toml:"max_packet_size"`
}

func (s SessionConfig) DialTimeout() time.Duration {
	return time.Duration(s.DialTimeoutSec) * time.Second
}

func (s SessionConfig) AuthTimeout() time.Duration {
	return time.Duration(s.AuthTimeoutSec) * time.Second
}

func (s SessionConfig) CommandTimeout() time.Duration {
	return time.Duration(s.CommandTimeoutSec) * time.Second
}

// ReconnectConfig controls the connector's retry loop.
type ReconnectConfig struct {
	Enabled           bool `json:"enabled" toml:"enabled"`
	InitialDelayMs    int  `json:"initial_delay_ms" toml:"initial_delay_ms"`
	MaxDelayMs        int  `json:"max_delay_ms" toml:"max_delay_ms"`
	BreakerFailures   int  `json:"breaker_failures" toml:"breaker_failures"`
	BreakerTimeoutSec int  `json:"breaker_timeout_sec" toml:"breaker_timeout_sec"`
}

// APIConfig holds REST API and web console settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled" toml:"enabled"`
	Listen         string   `json:"listen" toml:"listen"`
	Token          string   `json:"token" toml:"token"`
	AllowedOrigins []string `json:"allowed_origins" toml:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps" toml:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled"`
	BrokerURL   string `json:"broker_url" toml:"broker_url"`
	Port        int    `json:"port" toml:"port"`
	UseTLS      bool   `json:"use_tls" toml:"use_tls"`
	CAFile      string `json:"ca_file" toml:"ca_file"`
	ClientID    string `json:"client_id" toml:"client_id"`
	TopicPrefix string `json:"topic_prefix" toml:"topic_prefix"`
}

// HistoryConfig holds the command history store settings.
type HistoryConfig struct {
	Enabled   bool   `json:"enabled" toml:"enabled"`
	Path      string `json:"path" toml:"path"`
	Retention int    `json:"retention" toml:"retention"`
}

// HealthConfig controls the periodic session checks. An interval of 0
// disables that check.
type HealthConfig struct {
	KeepaliveIntervalSec int    `json:"keepalive_interval_sec" toml:"keepalive_interval_sec"`
	KeepaliveCommand     string `json:"keepalive_command" toml:"keepalive_command"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec" toml:"heartbeat_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" toml:"level"`
	Directory  string `json:"directory" toml:"directory"`
	MaxBackups int    `json:"max_backups" toml:"max_backups"`
	Console    bool   `json:"console" toml:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: DefaultRCONPort,
		},
		Session: SessionConfig{
			DialTimeoutSec:    5,
			AuthTimeoutSec:    5,
			CommandTimeoutSec: 10,
			MaxPending:        64,
			MaxPacketSize:     4096,
		},
		Reconnect: ReconnectConfig{
			Enabled:           true,
			InitialDelayMs:    500,
			MaxDelayMs:        30000,
			BreakerFailures:   5,
			BreakerTimeoutSec: 60,
		},
		API: APIConfig{
			Enabled:      true,
			Listen:       DefaultAPIListen,
			RateLimitRPS: 20,
		},
		MQTT: MQTTConfig{
			Port:        1883,
			ClientID:    "rconsole",
			TopicPrefix: "rconsole",
		},
		History: HistoryConfig{
			Enabled:   true,
			Path:      filepath.Join(DefaultConfigDir, "history.db"),
			Retention: 1000,
		},
		Health: HealthConfig{
			KeepaliveIntervalSec: 60,
			HeartbeatIntervalSec: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from configDir. A config.toml takes precedence
// over config.json; when neither exists a default config.json is written.
// Environment overrides are applied last and never persisted.
func Load(configDir string) (*Config, error) {
	tomlPath := filepath.Join(configDir, DefaultTOMLFile)
	if _, err := os.Stat(tomlPath); err == nil {
		cfg := DefaultConfig()
		if _, err := toml.DecodeFile(tomlPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", tomlPath, err)
		}
		cfg.path = tomlPath
		log.Info().Str("path", tomlPath).Msg("configuration loaded")
		cfg.applyEnv()
		return cfg, nil
	}

	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so the file picks up fields added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := os.LookupEnv(EnvHost); ok && v != "" {
		c.Server.Host = v
		log.Debug().Str("env", EnvHost).Msg("server host overridden from environment")
	}
	if v, ok := os.LookupEnv(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Str("env", EnvPort).Str("value", v).Msg("ignoring invalid port override")
		} else {
			c.Server.Port = port
		}
	}
	if v, ok := os.LookupEnv(EnvPassword); ok {
		c.Server.Password = v
		log.Debug().Str("env", EnvPassword).Msg("server password overridden from environment")
	}
}

// Save writes the current configuration to disk in the format of its
// file extension.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	if filepath.Ext(c.path) == ".toml" {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server section.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// SetServer replaces the server section.
func (c *Config) SetServer(s ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = s
}

// GetSession returns a copy of the session section.
func (c *Config) GetSession() SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// GetReconnect returns a copy of the reconnect section.
func (c *Config) GetReconnect() ReconnectConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reconnect
}

// GetAPI returns a copy of the API section.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT section.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetHistory returns a copy of the history section.
func (c *Config) GetHistory() HistoryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.History
}

// GetHealth returns a copy of the health section.
func (c *Config) GetHealth() HealthConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Health
}

// GetLogging returns a copy of the logging section.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
