// Package rcon implements a client session for Source-style RCON servers:
// authenticate once over a persistent connection, then run text commands
// and collect their possibly fragmented replies.
package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconsole/internal/events"
	"github.com/energizer-project/rconsole/internal/network"
	"github.com/energizer-project/rconsole/internal/protocol"
)

// closeWait bounds how long Close waits for the event loop to drain.
const closeWait = 2 * time.Second

// Option customizes a Session.
type Option func(*Session)

// WithEventBus publishes session lifecycle and command events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Session) { s.bus = bus }
}

// WithTransport makes Dial use t instead of a new TCP transport.
func WithTransport(t network.Transport) Option {
	return func(s *Session) { s.transport = t }
}

// Session drives one RCON connection through
// Disconnected → Connecting → AwaitingAuth → Ready → Closed, with Failed
// as the absorbing error state. It exclusively owns its Transport.
//
// Execute is safe for concurrent use. A single goroutine consumes the
// transport's events; every mutation of the pending table and id counter
// happens under mu.
type Session struct {
	mu        sync.Mutex
	cfg       Config
	transport network.Transport
	bus       *events.EventBus
	logger    zerolog.Logger
	remote    string

	state    State
	cause    error
	started  bool
	closed   bool
	doneCh   chan struct{}
	loopDone chan struct{}

	password     string
	hasPassword  bool
	authID       int32
	authDone     chan struct{}
	authResolved bool
	authErr      error

	ids     idAllocator
	pending *pendingTable
}

// New creates a disconnected, unauthenticated session over transport.
func New(transport network.Transport, cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:       cfg.withDefaults(),
		transport: transport,
		logger:    log.With().Str("component", "rcon").Logger(),
		doneCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
		authDone:  make(chan struct{}),
		pending:   newPendingTable(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to host:port and authenticates with password. The
// session is closed again if either step fails.
func Dial(ctx context.Context, host string, port uint16, password string, cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.withDefaults()
	s := New(nil, cfg, opts...)
	if s.transport == nil {
		s.transport = network.NewTCPTransport(network.Config{
			DialTimeout:  cfg.DialTimeout,
			WriteTimeout: cfg.CommandTimeout,
		})
	}

	if err := s.setPassword(password); err != nil {
		return nil, err
	}
	if err := s.Connect(ctx, host, port); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.Authenticate(ctx, password); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Connect starts the transport. The session moves to AwaitingAuth once
// the socket is up; if a password is already known the AUTH request is
// sent right away.
func (s *Session) Connect(ctx context.Context, host string, port uint16) error {
	s.mu.Lock()
	if s.state != StateDisconnected || s.closed {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, st)
	}
	s.remote = net.JoinHostPort(host, strconv.Itoa(int(port)))
	s.logger = log.With().Str("component", "rcon").Str("remote", s.remote).Logger()
	s.started = true
	s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()

	go s.loop(s.transport.Events())

	if err := s.transport.Connect(ctx, host, port); err != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionLost, err)
		s.mu.Lock()
		s.failLocked(StateFailed, err)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Authenticate supplies the password when it was not given up front and
// waits for the server's verdict. It returns nil once the session is
// Ready and ErrAuthenticationRejected when the server refused the
// password.
func (s *Session) Authenticate(ctx context.Context, password string) error {
	if err := s.setPassword(password); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case s.state == StateReady:
		s.mu.Unlock()
		return nil
	case s.state.Terminal():
		err := s.cause
		s.mu.Unlock()
		return err
	}
	done := s.authDone
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.authErr
	case <-timer.C:
		return fmt.Errorf("authentication: %w", ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setPassword records password unless one is already known, and sends
// AUTH if the socket is already waiting for it.
func (s *Session) setPassword(password string) error {
	if strings.IndexByte(password, 0) >= 0 {
		return fmt.Errorf("invalid password: %w", protocol.ErrMalformedField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasPassword {
		return nil
	}
	s.password, s.hasPassword = password, true
	if s.state == StateAwaitingAuth {
		return s.sendAuthLocked()
	}
	return nil
}

// Execute runs command and returns the concatenated response body.
//
// The command is followed by an empty RESPONSE_VALUE probe carrying the
// same id. The server answers the probe only after it has written the
// whole response, so the empty reply marks the end of a fragmented body.
func (s *Session) Execute(ctx context.Context, command string) (string, error) {
	if strings.IndexByte(command, 0) >= 0 {
		return "", fmt.Errorf("invalid command: %w", protocol.ErrMalformedField)
	}

	req, data, err := s.register(command)
	if err != nil {
		s.publishCommand(0, command, result{err: err}, 0)
		return "", err
	}

	if err := s.transport.Send(data); err != nil {
		s.mu.Lock()
		if s.pending.remove(req) {
			req.resolve("", fmt.Errorf("%w: %w", ErrConnectionLost, err))
		}
		s.mu.Unlock()
	}

	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-req.done:
	case <-timer.C:
		res = s.abandon(req, ErrTimeout)
		if errors.Is(res.err, ErrTimeout) {
			s.log().Warn().Int32("id", req.id).Str("command", command).Dur("timeout", s.cfg.CommandTimeout).Msg("command timed out")
		}
	case <-ctx.Done():
		cause := ctx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = fmt.Errorf("%w: %w", ErrTimeout, cause)
		}
		res = s.abandon(req, cause)
	}

	s.publishCommand(req.id, command, res, time.Since(req.started))
	return res.body, res.err
}

// register allocates an id and records the pending entry. The returned
// bytes hold the command packet followed by the end-marker probe.
func (s *Session) register(command string) (*request, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateReady:
	case s.state.Terminal():
		return nil, nil, s.cause
	default:
		return nil, nil, ErrNotAuthenticated
	}
	if s.pending.len() >= s.cfg.MaxPending {
		return nil, nil, ErrTooManyPending
	}

	id := s.ids.next(s.pending.has)
	data, err := protocol.NewExecCommandPacket(id, command).MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	probe, err := protocol.NewEndMarkerPacket(id).MarshalBinary()
	if err != nil {
		return nil, nil, err
	}

	req := newRequest(id, command)
	s.pending.add(req)
	s.logger.Debug().Int32("id", id).Str("command", command).Msg("executing command")
	return req, append(data, probe...), nil
}

// abandon removes req on behalf of its caller. If the session resolved it
// first, that result wins.
func (s *Session) abandon(req *request, err error) result {
	s.mu.Lock()
	removed := s.pending.remove(req)
	s.mu.Unlock()
	if removed {
		return result{err: err}
	}
	return <-req.done
}

// Close tears the session down. Pending requests fail with
// ErrConnectionClosed and later calls return it too.
func (s *Session) Close() error {
	s.mu.Lock()
	s.failLocked(StateClosed, ErrConnectionClosed)
	alreadyClosed := s.closed
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if alreadyClosed || s.transport == nil {
		return nil
	}
	err := s.transport.Close()
	if started {
		select {
		case <-s.loopDone:
		case <-time.After(closeWait):
			s.log().Warn().Msg("event loop did not stop after close")
		}
	}
	return err
}

// loop consumes transport events until the channel is closed.
func (s *Session) loop(evs <-chan network.Event) {
	defer close(s.loopDone)

	dec := protocol.NewDecoder(s.cfg.MaxBodySize + protocol.MinPayloadSize)
	for ev := range evs {
		switch ev.Kind {
		case network.EventConnected:
			s.onConnected()
		case network.EventData:
			dec.Feed(ev.Data)
			s.drain(dec)
		case network.EventError:
			s.onLost(StateFailed, fmt.Errorf("%w: %w", ErrConnectionLost, ev.Err))
		case network.EventClosed:
			s.onLost(StateClosed, ErrConnectionLost)
		}
	}
	s.onLost(StateClosed, ErrConnectionLost)
}

func (s *Session) onConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return
	}
	s.setStateLocked(StateAwaitingAuth, nil)
	if s.hasPassword {
		s.sendAuthLocked()
	}
}

func (s *Session) sendAuthLocked() error {
	id := s.ids.next(s.pending.has)
	data, err := protocol.NewAuthPacket(id, s.password).MarshalBinary()
	if err != nil {
		return err
	}
	s.authID = id
	if err := s.transport.Send(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to send auth request")
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	s.logger.Debug().Int32("id", id).Msg("sent auth request")
	return nil
}

func (s *Session) onLost(to State, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failLocked(to, cause) {
		s.logger.Warn().Err(cause).Msg("connection lost")
		s.publish(events.EventConnectionLost, events.SessionStatePayload{
			Remote: s.remote,
			To:     to.String(),
			Cause:  cause.Error(),
		})
	}
}

// drain hands every complete packet in dec to handlePacket. Codec errors
// drop the offending bytes; the connection carries on. A malformed frame
// whose id matches a pending request fails that request, since its body
// would otherwise be missing from the reply.
func (s *Session) drain(dec *protocol.Decoder) {
	for {
		before := dec.Buffered()
		pkt, err := dec.Next()
		if errors.Is(err, protocol.ErrTruncated) {
			return
		}
		if err != nil {
			resynced := errors.Is(err, protocol.ErrDesync)
			discarded := before - dec.Buffered()

			var requestID int32
			var fe *protocol.FrameError
			if errors.As(err, &fe) && s.failFrame(fe.ID, err) {
				requestID = fe.ID
			}

			// Source servers follow the end-marker reply with a frame
			// that does not parse; with no request behind it, it is noise.
			ev := s.log().Debug()
			if resynced || requestID != 0 {
				ev = s.log().Warn()
			}
			ev.Err(err).Int("discarded", discarded).Int32("request_id", requestID).Msg("dropped undecodable data")
			s.publish(events.EventPacketDropped, events.PacketDroppedPayload{
				Remote:    s.remote,
				Reason:    err.Error(),
				Discard:   discarded,
				Resynced:  resynced,
				RequestID: requestID,
			})
			continue
		}
		s.handlePacket(pkt)
	}
}

// failFrame fails the pending request registered under id with cause. It
// reports false when no such request exists.
func (s *Session) failFrame(id int32, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return false
	}
	req, ok := s.pending.get(id)
	if !ok {
		return false
	}
	s.pending.remove(req)
	req.resolve("", fmt.Errorf("response fragment: %w", cause))
	return true
}

func (s *Session) handlePacket(p protocol.Packet) {
	s.mu.Lock()

	s.logger.Trace().
		Int32("id", p.ID).
		Str("type", p.Type.ServerName()).
		Int("body_len", len(p.Body)).
		Msg("packet received")

	rejected := false
	switch s.state {
	case StateAwaitingAuth:
		rejected = s.handleAuthLocked(p)
	case StateReady:
		s.handleResponseLocked(p)
	}
	s.mu.Unlock()

	// The server will not accept another password on this connection.
	if rejected {
		s.transport.Close()
	}
}

// handleAuthLocked reports whether p rejected the password.
func (s *Session) handleAuthLocked(p protocol.Packet) bool {
	// Servers precede the auth verdict with an empty RESPONSE_VALUE.
	if p.Type != protocol.ServerDataAuthResponse {
		return false
	}

	if p.ID == protocol.AuthFailedID {
		s.logger.Warn().Msg("authentication rejected")
		s.failLocked(StateFailed, ErrAuthenticationRejected)
		s.publish(events.EventAuthRejected, events.SessionStatePayload{
			Remote: s.remote,
			To:     StateFailed.String(),
			Cause:  ErrAuthenticationRejected.Error(),
		})
		return true
	}
	if s.authID == 0 || p.ID != s.authID {
		s.logger.Debug().Int32("id", p.ID).Msg("ignoring auth response for unknown id")
		return false
	}

	s.authID = 0
	s.setStateLocked(StateReady, nil)
	s.resolveAuthLocked(nil)
	s.logger.Info().Msg("authenticated")
	s.publish(events.EventAuthenticated, events.SessionStatePayload{
		Remote: s.remote,
		From:   StateAwaitingAuth.String(),
		To:     StateReady.String(),
	})
	return false
}

func (s *Session) handleResponseLocked(p protocol.Packet) {
	if p.Type != protocol.ServerDataResponseValue {
		return
	}
	req, ok := s.pending.get(p.ID)
	if !ok {
		s.logger.Trace().Int32("id", p.ID).Msg("no pending request for response")
		return
	}

	if p.Body != "" {
		req.buf.WriteString(p.Body)
		req.frags++
		return
	}

	s.pending.remove(req)
	body := req.buf.String()
	s.logger.Debug().
		Int32("id", req.id).
		Int("fragments", req.frags).
		Int("bytes", len(body)).
		Msg("command completed")
	req.resolve(body, nil)
}

// failLocked moves the session into a terminal state and fails everything
// waiting on it. It reports false if the session was already terminal.
func (s *Session) failLocked(to State, cause error) bool {
	if s.state.Terminal() {
		return false
	}
	s.cause = cause
	s.setStateLocked(to, cause)
	s.resolveAuthLocked(cause)
	if n := s.pending.failAll(cause); n > 0 {
		s.logger.Warn().Int("pending", n).Err(cause).Msg("failed pending requests")
	}
	close(s.doneCh)
	return true
}

func (s *Session) resolveAuthLocked(err error) {
	if s.authResolved {
		return
	}
	s.authResolved = true
	s.authErr = err
	close(s.authDone)
}

func (s *Session) setStateLocked(to State, cause error) {
	from := s.state
	s.state = to

	ev := s.logger.Debug()
	if to.Terminal() {
		ev = s.logger.Info()
	}
	ev.Str("from", from.String()).Str("to", to.String()).AnErr("cause", cause).Msg("session state changed")

	payload := events.SessionStatePayload{Remote: s.remote, From: from.String(), To: to.String()}
	if cause != nil {
		payload.Cause = cause.Error()
	}
	s.publish(events.EventSessionState, payload)
}

func (s *Session) publish(typ events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(context.Background(), typ, "rcon", payload)
}

func (s *Session) publishCommand(id int32, command string, res result, took time.Duration) {
	if s.bus == nil {
		return
	}
	p := events.CommandPayload{
		Remote:    s.Remote(),
		RequestID: id,
		Command:   command,
		Response:  res.body,
		Outcome:   Outcome(res.err),
		Duration:  took,
		Timestamp: time.Now(),
	}
	if res.err != nil {
		p.Error = res.err.Error()
	}
	s.publish(events.EventCommandCompleted, p)
}

func (s *Session) log() *zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logger
	return &l
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause of a terminal state, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Done is closed when the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Remote returns the host:port given to Connect.
func (s *Session) Remote() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Pending returns the number of in-flight requests.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.len()
}

// Outcome classifies an Execute error for logs, metrics and history.
func Outcome(err error) string {
	switch {
	case err == nil:
		return events.OutcomeOK
	case errors.Is(err, ErrTimeout):
		return events.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return events.OutcomeCancelled
	case errors.Is(err, ErrAuthenticationRejected),
		errors.Is(err, ErrNotAuthenticated),
		errors.Is(err, ErrTooManyPending):
		return events.OutcomeRejected
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrConnectionClosed):
		return events.OutcomeLost
	default:
		return events.OutcomeError
	}
}
