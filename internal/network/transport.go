// Package network owns the TCP socket to an RCON server. It moves bytes
// and reports connection lifecycle events; it never builds or interprets
// packets.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected     = errors.New("network: not connected")
	ErrAlreadyConnected = errors.New("network: transport already used")
	ErrClosedDuringDial = errors.New("network: transport closed while dialing")
)

// EventKind tags a transport Event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventData
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification. Data is set for EventData and Err
// for EventError. EventError and EventClosed are terminal: the events
// channel is closed right after either.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Transport is the byte pipe a session runs on.
type Transport interface {
	Connect(ctx context.Context, host string, port uint16) error
	Send(data []byte) error
	Events() <-chan Event
	Close() error
}

// Config tunes a TCPTransport.
type Config struct {
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadBufferSize int
	EventBuffer    int
}

// DefaultConfig returns transport defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadBufferSize: 4096,
		EventBuffer:    64,
	}
}

type transportState int

const (
	stateIdle transportState = iota
	stateConnecting
	stateOpen
	stateClosed
)

// TCPTransport wraps exactly one TCP connection. It is single use: once
// closed it cannot be reconnected.
type TCPTransport struct {
	mu     sync.Mutex
	cfg    Config
	conn   net.Conn
	state  transportState
	events chan Event
	logger zerolog.Logger

	cancelDial context.CancelFunc
	writeErr   error

	connectedAt  time.Time
	lastActivity atomic.Int64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
}

// NewTCPTransport creates an unconnected transport.
func NewTCPTransport(cfg Config) *TCPTransport {
	def := DefaultConfig()
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	return &TCPTransport{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		logger: log.With().Str("component", "transport").Logger(),
	}
}

// Events returns the ordered event stream. It is closed after the
// terminal EventError or EventClosed.
func (t *TCPTransport) Events() <-chan Event {
	return t.events
}

// Connect dials host:port. On success EventConnected is emitted and the
// read loop starts. On failure the error is returned, also emitted as
// EventError, and the transport is finished.
func (t *TCPTransport) Connect(ctx context.Context, host string, port uint16) error {
	t.mu.Lock()
	if t.state != stateIdle {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	var (
		dialCtx context.Context
		cancel  context.CancelFunc
	)
	if t.cfg.DialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
	} else {
		dialCtx, cancel = context.WithCancel(ctx)
	}
	t.cancelDial = cancel
	t.state = stateConnecting
	t.mu.Unlock()
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	t.logger = log.With().Str("component", "transport").Str("remote", addr).Logger()
	t.logger.Debug().Msg("dialing")

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)

	t.mu.Lock()
	if err == nil && t.state != stateConnecting {
		conn.Close()
		err = ErrClosedDuringDial
	}
	if err != nil {
		t.state = stateClosed
		t.mu.Unlock()
		err = fmt.Errorf("failed to connect to %s: %w", addr, err)
		t.events <- Event{Kind: EventError, Err: err}
		close(t.events)
		return err
	}
	t.conn = conn
	t.state = stateOpen
	t.connectedAt = time.Now()
	t.touch()
	t.mu.Unlock()

	t.logger.Info().Msg("connected")
	t.events <- Event{Kind: EventConnected}
	go t.readLoop()
	return nil
}

// readLoop forwards every read as one EventData, unsplit and unmerged.
func (t *TCPTransport) readLoop() {
	defer close(t.events)

	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.bytesIn.Add(uint64(n))
			t.touch()
			t.logger.Trace().Int("bytes", n).Msg("received")
			t.events <- Event{Kind: EventData, Data: data}
		}
		if err == nil {
			continue
		}

		t.mu.Lock()
		closedLocally := t.state == stateClosed
		writeErr := t.writeErr
		t.state = stateClosed
		t.mu.Unlock()
		t.conn.Close()

		switch {
		case writeErr != nil:
			t.logger.Error().Err(writeErr).Msg("connection failed on write")
			t.events <- Event{Kind: EventError, Err: writeErr}
		case closedLocally || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
			t.logger.Info().Msg("connection closed")
			t.events <- Event{Kind: EventClosed}
		default:
			t.logger.Error().Err(err).Msg("connection failed on read")
			t.events <- Event{Kind: EventError, Err: fmt.Errorf("read failed: %w", err)}
		}
		return
	}
}

// Send writes data to the socket. It fails with ErrNotConnected unless
// the transport is open.
func (t *TCPTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateOpen {
		return ErrNotConnected
	}

	if t.cfg.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	n, err := t.conn.Write(data)
	t.bytesOut.Add(uint64(n))
	if err != nil {
		// The socket is unusable; the read loop reports the failure.
		t.writeErr = fmt.Errorf("write failed: %w", err)
		t.state = stateClosed
		t.conn.Close()
		return t.writeErr
	}

	t.touch()
	t.logger.Trace().Int("bytes", n).Msg("sent")
	return nil
}

// Close releases the socket. EventClosed follows on the event stream.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateIdle:
		t.state = stateClosed
		t.events <- Event{Kind: EventClosed}
		close(t.events)
		return nil
	case stateConnecting:
		t.state = stateClosed
		t.cancelDial()
		return nil
	case stateOpen:
		t.state = stateClosed
		return t.conn.Close()
	default:
		return nil
	}
}

// IsOpen reports whether Send would currently be accepted.
func (t *TCPTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateOpen
}

// Stats is a snapshot of transport counters.
type Stats struct {
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	BytesIn      uint64    `json:"bytes_in"`
	BytesOut     uint64    `json:"bytes_out"`
}

// Stats returns current counters.
func (t *TCPTransport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		ConnectedAt:  t.connectedAt,
		LastActivity: time.Unix(0, t.lastActivity.Load()),
		BytesIn:      t.bytesIn.Load(),
		BytesOut:     t.bytesOut.Load(),
	}
	if t.conn != nil {
		s.RemoteAddr = t.conn.RemoteAddr().String()
	}
	return s
}

func (t *TCPTransport) touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}
