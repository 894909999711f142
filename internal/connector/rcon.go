// Package connector keeps a long-lived RCON session alive for the process.
// It redials with exponential backoff behind a circuit breaker and hands
// commands to whichever session is currently ready.
package connector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/energizer-project/rconsole/internal/config"
	"github.com/energizer-project/rconsole/internal/events"
	"github.com/energizer-project/rconsole/internal/rcon"
	"github.com/energizer-project/rconsole/internal/util"
)

// ErrNotConnected is returned by Execute while no session is ready.
var ErrNotConnected = errors.New("connector: no ready session")

const stableSessionAfter = 30 * time.Second

// dialFunc opens and authenticates a session.
type dialFunc func(ctx context.Context, host string, port uint16, password string, cfg rcon.Config, opts ...rcon.Option) (*rcon.Session, error)

// Status is a point-in-time view of the connector.
type Status struct {
	Remote         string    `json:"remote"`
	State          string    `json:"state"`
	Connected      bool      `json:"connected"`
	Pending        int       `json:"pending"`
	Attempt        int       `json:"attempt"`
	LastError      string    `json:"last_error,omitempty"`
	Breaker        string    `json:"breaker"`
	GaveUp         bool      `json:"gave_up"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
}

// RCONConnector owns the process's RCON session.
type RCONConnector struct {
	mu sync.RWMutex

	cfg      *config.Config
	eventBus *events.EventBus
	logger   zerolog.Logger
	breaker  *gobreaker.CircuitBreaker
	dial     dialFunc
	rng      *rand.Rand

	// stableAfter is how long a session must last to reset the backoff.
	stableAfter time.Duration

	session        *rcon.Session
	attempt        int
	lastErr        error
	gaveUp         bool
	connectedSince time.Time

	kick chan struct{}
}

// NewRCONConnector creates a connector for the server in cfg.
func NewRCONConnector(cfg *config.Config, eventBus *events.EventBus) *RCONConnector {
	rc := cfg.GetReconnect()
	c := &RCONConnector{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   util.ComponentLogger("connector"),
		dial:     rcon.Dial,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		kick:     make(chan struct{}, 1),

		stableAfter: stableSessionAfter,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rcon",
		MaxRequests: 1,
		Timeout:     time.Duration(rc.BreakerTimeoutSec) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return rc.BreakerFailures > 0 && counts.ConsecutiveFailures >= uint32(rc.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return c
}

// SessionConfig converts the session section into rcon.Config.
func SessionConfig(s config.SessionConfig) rcon.Config {
	return rcon.Config{
		DialTimeout:    s.DialTimeout(),
		AuthTimeout:    s.AuthTimeout(),
		CommandTimeout: s.CommandTimeout(),
		MaxPending:     s.MaxPending,
		MaxBodySize:    s.MaxPacketSize,
	}
}

// Run dials the server and keeps a session alive until ctx is done.
// A rejected password stops the retry loop until Reconnect is called.
func (c *RCONConnector) Run(ctx context.Context) error {
	for {
		sess, err := c.connect(ctx)
		if ctx.Err() != nil {
			if sess != nil {
				sess.Close()
			}
			return nil
		}

		if err == nil {
			err = c.serve(ctx, sess)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				continue
			}
		}

		c.mu.Lock()
		c.lastErr = err
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		rc := c.cfg.GetReconnect()
		if errors.Is(err, rcon.ErrAuthenticationRejected) || !rc.Enabled {
			c.giveUp(ctx, attempt, err)
			if !c.waitKick(ctx, nil) {
				return nil
			}
			continue
		}

		delay := NextBackoffDelay(BackoffConfig{
			InitialDelay: time.Duration(rc.InitialDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(rc.MaxDelayMs) * time.Millisecond,
			Multiplier:   2,
			Jitter:       true,
		}, attempt, c.rng)

		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("RCON server unavailable, retrying")
		c.publish(ctx, events.EventReconnectScheduled, events.ReconnectPayload{
			Attempt: attempt,
			Delay:   delay,
			Reason:  err.Error(),
		})

		timer := time.NewTimer(delay)
		ok := c.waitKick(ctx, timer.C)
		timer.Stop()
		if !ok {
			return nil
		}
	}
}

// connect dials and authenticates through the breaker.
func (c *RCONConnector) connect(ctx context.Context) (*rcon.Session, error) {
	srv := c.cfg.GetServer()
	if srv.Port < 1 || srv.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", srv.Port)
	}

	c.logger.Info().Str("host", srv.Host).Int("port", srv.Port).Msg("connecting to RCON server")

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.dial(ctx, srv.Host, uint16(srv.Port), srv.Password,
			SessionConfig(c.cfg.GetSession()), rcon.WithEventBus(c.eventBus))
	})
	if err != nil {
		return nil, err
	}
	return res.(*rcon.Session), nil
}

// serve installs sess and blocks until it ends, ctx is done or a
// reconnect is requested. It returns why the session ended, or nil when
// the connector ended it.
func (c *RCONConnector) serve(ctx context.Context, sess *rcon.Session) error {
	// A Reconnect made while dialing is satisfied by this session.
	select {
	case <-c.kick:
	default:
	}

	c.mu.Lock()
	c.session = sess
	c.lastErr = nil
	c.gaveUp = false
	c.connectedSince = time.Now()
	c.mu.Unlock()

	c.logger.Info().Str("remote", sess.Remote()).Msg("RCON session ready")

	var ended error
	select {
	case <-sess.Done():
		ended = sess.Err()
		if ended == nil {
			ended = rcon.ErrConnectionLost
		}
		c.logger.Warn().Err(ended).Msg("RCON session ended")
	case <-ctx.Done():
	case <-c.kick:
		c.logger.Info().Msg("reconnect requested")
	}

	c.mu.Lock()
	// Only a session that stayed up resets the backoff, so a server that
	// drops every connection right after auth is not redialed in a loop.
	if ended == nil || time.Since(c.connectedSince) >= c.stableAfter {
		c.attempt = 0
	}
	c.session = nil
	c.connectedSince = time.Time{}
	c.mu.Unlock()
	sess.Close()
	return ended
}

func (c *RCONConnector) giveUp(ctx context.Context, attempt int, err error) {
	c.mu.Lock()
	c.gaveUp = true
	c.mu.Unlock()

	c.logger.Error().Err(err).Int("attempt", attempt).Msg("giving up on RCON server until reconnect is requested")
	c.publish(ctx, events.EventReconnectGaveUp, events.ReconnectPayload{
		Attempt: attempt,
		Reason:  err.Error(),
	})
}

// waitKick waits for a reconnect request, the timer, or ctx. It reports
// false once ctx is done.
func (c *RCONConnector) waitKick(ctx context.Context, timer <-chan time.Time) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.kick:
		c.mu.Lock()
		c.attempt = 0
		c.gaveUp = false
		c.mu.Unlock()
		return true
	case <-timer:
		return true
	}
}

// Execute runs command on the current session.
func (c *RCONConnector) Execute(ctx context.Context, command string) (string, error) {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()

	if sess == nil || sess.State() != rcon.StateReady {
		return "", ErrNotConnected
	}
	return sess.Execute(ctx, command)
}

// Reconnect drops the current session, if any, and dials again without
// waiting out the backoff. It also resumes a loop that gave up.
func (c *RCONConnector) Reconnect() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Status returns the current connector status.
func (c *RCONConnector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	srv := c.cfg.GetServer()
	st := Status{
		Remote:         fmt.Sprintf("%s:%d", srv.Host, srv.Port),
		State:          rcon.StateDisconnected.String(),
		Attempt:        c.attempt,
		Breaker:        c.breaker.State().String(),
		GaveUp:         c.gaveUp,
		ConnectedSince: c.connectedSince,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if c.session != nil {
		st.State = c.session.State().String()
		st.Connected = c.session.State() == rcon.StateReady
		st.Pending = c.session.Pending()
		st.Remote = c.session.Remote()
	}
	return st
}

func (c *RCONConnector) publish(ctx context.Context, typ events.EventType, payload interface{}) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Publish(ctx, typ, "connector", payload)
}
