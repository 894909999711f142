// Package health runs periodic checks against the live RCON session: a
// keepalive probe that catches half-open connections and a heartbeat
// snapshot for telemetry.
package health

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rconsole/internal/config"
	"github.com/energizer-project/rconsole/internal/connector"
	"github.com/energizer-project/rconsole/internal/events"
	"github.com/energizer-project/rconsole/internal/rcon"
	"github.com/energizer-project/rconsole/internal/util"
)

// Console is the part of the connector the checks use.
type Console interface {
	Execute(ctx context.Context, command string) (string, error)
	Reconnect()
	Status() connector.Status
}

// Manager runs periodic health checks.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	console  Console
	logger   zerolog.Logger
}

// NewManager creates a new health check manager.
func NewManager(cfg *config.Config, eventBus *events.EventBus, console Console) *Manager {
	return &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		console:  console,
		logger:   util.ComponentLogger("health"),
	}
}

// Start launches the checks and blocks until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	h := m.cfg.GetHealth()

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"keepalive", h.KeepaliveIntervalSec, m.checkKeepalive},
		{"heartbeat", h.HeartbeatIntervalSec, m.publishHeartbeat},
	}

	started := 0
	for _, check := range checks {
		check := check
		if check.interval <= 0 {
			continue
		}
		started++

		go func() {
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.logger.Trace().Str("check", check.name).Msg("running health check")
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	m.logger.Info().Msg("health check manager stopped")
}

// checkKeepalive sends the keepalive command on a ready session. A probe
// that times out or finds the socket gone forces a reconnect; a half-open
// TCP connection otherwise only surfaces on the next user command.
func (m *Manager) checkKeepalive(ctx context.Context) {
	if !m.console.Status().Connected {
		return
	}

	command := m.cfg.GetHealth().KeepaliveCommand
	start := time.Now()
	_, err := m.console.Execute(ctx, command)
	took := time.Since(start)

	switch {
	case err == nil:
		m.logger.Trace().Dur("took", took).Msg("keepalive ok")
		return
	case ctx.Err() != nil:
		return
	case errors.Is(err, connector.ErrNotConnected), errors.Is(err, rcon.ErrTooManyPending):
		// Busy or already reconnecting.
		m.logger.Debug().Err(err).Msg("keepalive skipped")
		return
	}

	m.logger.Warn().Err(err).Dur("took", took).Msg("keepalive failed, reconnecting")
	if m.eventBus != nil {
		m.eventBus.Publish(ctx, events.EventKeepaliveFailed, "health", events.KeepalivePayload{
			Command: command,
			Error:   err.Error(),
			Took:    took,
		})
	}
	m.console.Reconnect()
}

func (m *Manager) publishHeartbeat(ctx context.Context) {
	st := m.console.Status()
	ps := util.GetProcessStats()

	m.logger.Debug().
		Str("state", st.State).
		Int("pending", st.Pending).
		Uint64("rss_mb", ps.RSSMB).
		Int("goroutines", ps.Goroutines).
		Msg("heartbeat")

	if m.eventBus == nil {
		return
	}
	m.eventBus.Publish(ctx, events.EventHeartbeat, "health", events.HeartbeatPayload{
		Remote:     st.Remote,
		State:      st.State,
		Connected:  st.Connected,
		Pending:    st.Pending,
		RSSMB:      ps.RSSMB,
		CPUPercent: ps.CPUPercent,
		Goroutines: ps.Goroutines,
		Uptime:     ps.Uptime,
	})
}
