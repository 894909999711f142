package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateSession(&cfg.Session, result)
	validateReconnect(&cfg.Reconnect, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)

	if cfg.History.Enabled {
		if strings.TrimSpace(cfg.History.Path) == "" {
			result.AddError("history.path", "history database path is required when enabled")
		}
		if cfg.History.Retention < 1 {
			result.AddError("history.retention", "retention must keep at least 1 row")
		}
	}

	if cfg.Health.KeepaliveIntervalSec < 0 {
		result.AddError("health.keepalive_interval_sec", "must not be negative")
	} else if cfg.Health.KeepaliveIntervalSec > 0 && cfg.Health.KeepaliveIntervalSec < cfg.Session.CommandTimeoutSec {
		result.AddWarning("health.keepalive_interval_sec", "shorter than the command timeout, probes may overlap")
	}
	if strings.ContainsRune(cfg.Health.KeepaliveCommand, 0) {
		result.AddError("health.keepalive_command", "command must not contain NUL bytes")
	}

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(s.Host) == "" {
		result.AddError("server.host", "server host is required")
	}
	validatePort(s.Port, "server.port", result)
	if s.Password == "" {
		result.AddWarning("server.password", "no RCON password set, authentication will be rejected")
	}
	if strings.ContainsRune(s.Password, 0) {
		result.AddError("server.password", "password must not contain NUL bytes")
	}
}

func validateSession(s *SessionConfig, result *ValidationResult) {
	if s.DialTimeoutSec < 1 {
		result.AddError("session.dial_timeout_sec", "must be at least 1 second")
	}
	if s.AuthTimeoutSec < 1 {
		result.AddError("session.auth_timeout_sec", "must be at least 1 second")
	}
	if s.CommandTimeoutSec < 1 {
		result.AddError("session.command_timeout_sec", "must be at least 1 second")
	}
	if s.MaxPending < 1 {
		result.AddError("session.max_pending", "must allow at least 1 pending request")
	}
	if s.MaxPacketSize < 1 {
		result.AddError("session.max_packet_size", "must be positive")
	} else if s.MaxPacketSize < 4096 {
		result.AddWarning("session.max_packet_size",
			fmt.Sprintf("%d bytes is below the 4096 servers commonly send", s.MaxPacketSize))
	}
}

func validateReconnect(r *ReconnectConfig, result *ValidationResult) {
	if !r.Enabled {
		return
	}
	if r.InitialDelayMs < 1 {
		result.AddError("reconnect.initial_delay_ms", "must be positive")
	}
	if r.MaxDelayMs < r.InitialDelayMs {
		result.AddError("reconnect.max_delay_ms", "must not be below initial_delay_ms")
	}
	if r.BreakerFailures < 1 {
		result.AddWarning("reconnect.breaker_failures", "circuit breaker disabled")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	host, port, err := net.SplitHostPort(a.Listen)
	if err != nil {
		result.AddError("api.listen", fmt.Sprintf("invalid listen address %q: %v", a.Listen, err))
		return
	}
	if a.Token == "" && !isLoopback(host) {
		result.AddWarning("api.token",
			fmt.Sprintf("API listens on %s:%s without a token, anyone on the network can run commands", host, port))
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
