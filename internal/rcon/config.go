package rcon

import (
	"time"

	"github.com/energizer-project/rconsole/internal/protocol"
)

// Config holds session limits and timeouts.
type Config struct {
	// DialTimeout bounds the TCP connect in Dial.
	DialTimeout time.Duration
	// AuthTimeout bounds Authenticate and the auth phase of Dial.
	AuthTimeout time.Duration
	// CommandTimeout is the deadline given to every pending request.
	CommandTimeout time.Duration
	// MaxPending caps concurrent in-flight Execute calls.
	MaxPending int
	// MaxBodySize is the largest response body accepted per packet.
	MaxBodySize int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    5 * time.Second,
		AuthTimeout:    5 * time.Second,
		CommandTimeout: 10 * time.Second,
		MaxPending:     64,
		MaxBodySize:    protocol.DefaultMaxBodySize,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.MaxPending <= 0 {
		c.MaxPending = def.MaxPending
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = def.MaxBodySize
	}
	return c
}
