package rcon

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/rconsole/internal/events"
	"github.com/energizer-project/rconsole/internal/protocol"
)

type execResult struct {
	body string
	err  error
}

func goExecute(s *Session, ctx context.Context, command string) <-chan execResult {
	ch := make(chan execResult, 1)
	go func() {
		body, err := s.Execute(ctx, command)
		ch <- execResult{body, err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan execResult) execResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Execute")
	}
	return execResult{}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %s, want %s", s.State(), want)
}

// connectSession returns a session whose AUTH request has been sent.
func connectSession(t *testing.T, cfg Config, opts ...Option) (*Session, *fakeTransport, protocol.Packet) {
	t.Helper()
	ft := newFakeTransport()
	s := New(ft, cfg, opts...)
	t.Cleanup(func() { s.Close() })

	if err := s.setPassword("secret"); err != nil {
		t.Fatalf("password: %v", err)
	}
	if err := s.Connect(context.Background(), "127.0.0.1", 27015); err != nil {
		t.Fatalf("connect: %v", err)
	}
	auth := ft.nextSent(t)
	return s, ft, auth
}

func readySession(t *testing.T, cfg Config, opts ...Option) (*Session, *fakeTransport) {
	t.Helper()
	s, ft, auth := connectSession(t, cfg, opts...)
	ft.deliver(t,
		protocol.Packet{ID: auth.ID, Type: protocol.ServerDataResponseValue},
		protocol.Packet{ID: auth.ID, Type: protocol.ServerDataAuthResponse},
	)
	if err := s.Authenticate(context.Background(), "secret"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return s, ft
}

// expectCommand reads the command packet and its end-marker probe.
func expectCommand(t *testing.T, ft *fakeTransport, command string) int32 {
	t.Helper()
	cmd := ft.nextSent(t)
	if cmd.Type != protocol.ServerDataExecCommand || cmd.Body != command {
		t.Fatalf("command packet %v", cmd)
	}
	probe := ft.nextSent(t)
	if probe.Type != protocol.ServerDataResponseValue || probe.Body != "" || probe.ID != cmd.ID {
		t.Fatalf("probe packet %v for command id %d", probe, cmd.ID)
	}
	return cmd.ID
}

func TestAuthenticationFlow(t *testing.T) {
	s, ft, auth := connectSession(t, DefaultConfig())

	if auth.Type != protocol.ServerDataAuth || auth.Body != "secret" || auth.ID != 1 {
		t.Fatalf("auth packet %v", auth)
	}
	waitState(t, s, StateAwaitingAuth)

	// Execute before the verdict must not reach the wire.
	if _, err := s.Execute(context.Background(), "status"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("early execute: got %v", err)
	}

	ft.deliver(t, protocol.Packet{ID: auth.ID, Type: protocol.ServerDataResponseValue})
	ft.deliver(t, protocol.Packet{ID: auth.ID, Type: protocol.ServerDataAuthResponse})

	if err := s.Authenticate(context.Background(), "secret"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("state %s", s.State())
	}
	ft.expectNoSend(t)
}

func TestAuthenticateSuppliesPasswordLate(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, DefaultConfig())
	t.Cleanup(func() { s.Close() })

	if err := s.Connect(context.Background(), "localhost", 27015); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, s, StateAwaitingAuth)
	ft.expectNoSend(t)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Authenticate(context.Background(), "late") }()

	auth := ft.nextSent(t)
	if auth.Body != "late" {
		t.Fatalf("auth body %q", auth.Body)
	}
	ft.deliver(t, protocol.Packet{ID: auth.ID, Type: protocol.ServerDataAuthResponse})
	if err := <-errCh; err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestAuthenticationRejected(t *testing.T) {
	s, ft, _ := connectSession(t, DefaultConfig())
	sendsBefore := ft.sends()

	ft.deliver(t,
		protocol.Packet{ID: 1, Type: protocol.ServerDataResponseValue},
		protocol.Packet{ID: protocol.AuthFailedID, Type: protocol.ServerDataAuthResponse},
	)

	if err := s.Authenticate(context.Background(), "secret"); !errors.Is(err, ErrAuthenticationRejected) {
		t.Fatalf("authenticate: got %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state %s", s.State())
	}
	if _, err := s.Execute(context.Background(), "status"); !errors.Is(err, ErrAuthenticationRejected) {
		t.Fatalf("execute: got %v", err)
	}
	if errors.Is(s.Err(), ErrConnectionLost) {
		t.Fatal("auth rejection reported as connection loss")
	}
	if n := ft.sends(); n != sendsBefore {
		t.Fatalf("%d packets sent after rejection", n-sendsBefore)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}

	// The socket is released without the caller calling Close.
	ft.waitFinished(t)
	if !errors.Is(s.Err(), ErrAuthenticationRejected) {
		t.Fatalf("cause replaced after transport closed: %v", s.Err())
	}
}

func TestFragmentedResponse(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())

	res := goExecute(s, context.Background(), "status")
	id := expectCommand(t, ft, "status")

	ft.deliver(t, protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue, Body: "hello "})
	ft.deliver(t, protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue})

	r := waitResult(t, res)
	if r.err != nil || r.body != "hello " {
		t.Fatalf("got %q, %v", r.body, r.err)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending %d", s.Pending())
	}
}

func TestResponseSplitAcrossReads(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())

	res := goExecute(s, context.Background(), "users")
	id := expectCommand(t, ft, "users")

	var stream []byte
	for _, p := range []protocol.Packet{
		{ID: id, Type: protocol.ServerDataResponseValue, Body: "alice\n"},
		{ID: id, Type: protocol.ServerDataResponseValue, Body: "bob\n"},
		{ID: id, Type: protocol.ServerDataResponseValue},
	} {
		b, _ := p.MarshalBinary()
		stream = append(stream, b...)
	}
	for i := 0; i < len(stream); i += 3 {
		ft.deliverRaw(stream[i:min(i+3, len(stream))])
	}

	r := waitResult(t, res)
	if r.err != nil || r.body != "alice\nbob\n" {
		t.Fatalf("got %q, %v", r.body, r.err)
	}
}

func TestConcurrentExecutesResolveOutOfOrder(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())

	commands := []string{"one", "two", "three"}
	results := make(map[string]<-chan execResult)
	ids := make(map[string]int32)
	for _, c := range commands {
		results[c] = goExecute(s, context.Background(), c)
		ids[c] = expectCommand(t, ft, c)
	}

	seen := []int32{ids["one"], ids["two"], ids["three"]}
	if !sort.SliceIsSorted(seen, func(i, j int) bool { return seen[i] < seen[j] }) ||
		seen[0] == seen[1] || seen[1] == seen[2] {
		t.Fatalf("ids not distinct and increasing: %v", seen)
	}

	for _, c := range []string{"three", "one", "two"} {
		ft.deliver(t,
			protocol.Packet{ID: ids[c], Type: protocol.ServerDataResponseValue, Body: "reply-" + c},
			protocol.Packet{ID: ids[c], Type: protocol.ServerDataResponseValue},
		)
	}

	for _, c := range commands {
		r := waitResult(t, results[c])
		if r.err != nil || r.body != "reply-"+c {
			t.Fatalf("%s: got %q, %v", c, r.body, r.err)
		}
	}
}

func TestEmptyResponse(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())

	res := goExecute(s, context.Background(), "sv_cheats 0")
	id := expectCommand(t, ft, "sv_cheats 0")

	// Reply to the command and to the probe: both empty.
	ft.deliver(t,
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue},
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue},
	)
	r := waitResult(t, res)
	if r.err != nil || r.body != "" {
		t.Fatalf("got %q, %v", r.body, r.err)
	}
	if s.State() != StateReady {
		t.Fatalf("state %s", s.State())
	}
}

func TestConnectionLostFailsPending(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())

	a := goExecute(s, context.Background(), "a")
	expectCommand(t, ft, "a")
	b := goExecute(s, context.Background(), "b")
	expectCommand(t, ft, "b")

	ft.fail(errors.New("connection reset by peer"))

	for _, ch := range []<-chan execResult{a, b} {
		if r := waitResult(t, ch); !errors.Is(r.err, ErrConnectionLost) {
			t.Fatalf("got %v, want ErrConnectionLost", r.err)
		}
	}
	if s.Pending() != 0 {
		t.Fatalf("pending %d", s.Pending())
	}
	waitState(t, s, StateFailed)
	if _, err := s.Execute(context.Background(), "c"); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("execute after loss: got %v", err)
	}
}

func TestRemoteCloseFailsPending(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())

	a := goExecute(s, context.Background(), "a")
	expectCommand(t, ft, "a")
	b := goExecute(s, context.Background(), "b")
	expectCommand(t, ft, "b")

	ft.hangup()

	for _, ch := range []<-chan execResult{a, b} {
		r := waitResult(t, ch)
		if !errors.Is(r.err, ErrConnectionLost) {
			t.Fatalf("got %v, want ErrConnectionLost", r.err)
		}
		if errors.Is(r.err, ErrConnectionClosed) {
			t.Fatalf("remote close reported as local close: %v", r.err)
		}
	}
	if s.Pending() != 0 {
		t.Fatalf("pending %d", s.Pending())
	}
	waitState(t, s, StateClosed)
}

func TestCloseFailsPending(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())

	res := goExecute(s, context.Background(), "a")
	expectCommand(t, ft, "a")

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if r := waitResult(t, res); !errors.Is(r.err, ErrConnectionClosed) {
		t.Fatalf("got %v", r.err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state %s", s.State())
	}
	if _, err := s.Execute(context.Background(), "b"); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("execute after close: got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestTimeoutRemovesEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	s, ft := readySession(t, cfg)

	res := goExecute(s, context.Background(), "slow")
	id := expectCommand(t, ft, "slow")

	if r := waitResult(t, res); !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("got %v", r.err)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending %d", s.Pending())
	}

	// Late fragments for the expired id are ignored.
	ft.deliver(t,
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue, Body: "late"},
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue},
	)

	res = goExecute(s, context.Background(), "fast")
	next := expectCommand(t, ft, "fast")
	if next == id {
		t.Fatalf("id %d reused immediately", id)
	}
	ft.deliver(t,
		protocol.Packet{ID: next, Type: protocol.ServerDataResponseValue, Body: "ok"},
		protocol.Packet{ID: next, Type: protocol.ServerDataResponseValue},
	)
	if r := waitResult(t, res); r.err != nil || r.body != "ok" {
		t.Fatalf("got %q, %v", r.body, r.err)
	}
}

func TestContextCancelRemovesEntry(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	res := goExecute(s, ctx, "wait")
	expectCommand(t, ft, "wait")
	cancel()

	if r := waitResult(t, res); !errors.Is(r.err, context.Canceled) {
		t.Fatalf("got %v", r.err)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending %d", s.Pending())
	}
}

func TestContextDeadlineIsTimeout(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := goExecute(s, ctx, "wait")
	expectCommand(t, ft, "wait")

	r := waitResult(t, res)
	if !errors.Is(r.err, ErrTimeout) || !errors.Is(r.err, context.DeadlineExceeded) {
		t.Fatalf("got %v", r.err)
	}
}

func TestTooManyPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPending = 1
	s, ft := readySession(t, cfg)

	first := goExecute(s, context.Background(), "first")
	id := expectCommand(t, ft, "first")

	if _, err := s.Execute(context.Background(), "second"); !errors.Is(err, ErrTooManyPending) {
		t.Fatalf("got %v", err)
	}
	ft.expectNoSend(t)

	ft.deliver(t, protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue})
	if r := waitResult(t, first); r.err != nil {
		t.Fatalf("first: %v", r.err)
	}
}

func TestMalformedDataDoesNotKillSession(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())

	res := goExecute(s, context.Background(), "status")
	id := expectCommand(t, ft, "status")

	// A complete frame without its terminator, then one with an absurd size.
	ft.deliverRaw([]byte{11, 0, 0, 0, 9, 0, 0, 0, 0, 0, 0, 0, 'x', 'y', 'z'})
	ft.deliverRaw([]byte{0xFF, 0xFF, 0xFF, 0x7F, 1, 2, 3})

	ft.deliver(t,
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue, Body: "fine"},
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue},
	)
	if r := waitResult(t, res); r.err != nil || r.body != "fine" {
		t.Fatalf("got %q, %v", r.body, r.err)
	}
	if s.State() != StateReady {
		t.Fatalf("state %s", s.State())
	}
}

func TestMalformedFragmentFailsRequest(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())

	res := goExecute(s, context.Background(), "cvarlist")
	id := expectCommand(t, ft, "cvarlist")

	// A frame for the pending id whose body is not followed by the empty
	// terminator.
	bad := protocol.NewPacketBuilder().
		WriteInt32(id).
		WriteUint32(uint32(protocol.ServerDataResponseValue)).
		WriteNullString("mid").
		BuildWithSize()

	ft.deliver(t, protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue, Body: "hello "})
	ft.deliverRaw(bad)
	ft.deliver(t,
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue, Body: "world"},
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue},
	)

	r := waitResult(t, res)
	if !errors.Is(r.err, protocol.ErrMalformedPacket) {
		t.Fatalf("got %q, %v; want malformed packet error", r.body, r.err)
	}
	if r.body != "" {
		t.Fatalf("partial body returned: %q", r.body)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending %d", s.Pending())
	}
	if s.State() != StateReady {
		t.Fatalf("state %s", s.State())
	}

	// The same kind of frame after a request has completed is ignored.
	next := goExecute(s, context.Background(), "status")
	id = expectCommand(t, ft, "status")
	ft.deliver(t,
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue, Body: "ok"},
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue},
	)
	if r := waitResult(t, next); r.err != nil || r.body != "ok" {
		t.Fatalf("got %q, %v", r.body, r.err)
	}
	ft.deliverRaw(protocol.NewPacketBuilder().
		WriteInt32(id).
		WriteUint32(uint32(protocol.ServerDataResponseValue)).
		WriteNullString("").
		WriteUint32(1).
		BuildWithSize())

	last := goExecute(s, context.Background(), "users")
	id = expectCommand(t, ft, "users")
	ft.deliver(t, protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue})
	if r := waitResult(t, last); r.err != nil {
		t.Fatalf("after quirk frame: %v", r.err)
	}
}

func TestRejectsNULInCommand(t *testing.T) {
	s, ft := readySession(t, DefaultConfig())
	if _, err := s.Execute(context.Background(), "a\x00b"); !errors.Is(err, protocol.ErrMalformedField) {
		t.Fatalf("got %v", err)
	}
	ft.expectNoSend(t)
}

func TestConnectFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("connection refused")
	s := New(ft, DefaultConfig())
	t.Cleanup(func() { s.Close() })

	if err := s.Connect(context.Background(), "127.0.0.1", 1); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("got %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state %s", s.State())
	}
	if err := s.Connect(context.Background(), "127.0.0.1", 1); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second connect: %v", err)
	}
}

func TestCommandEventsPublished(t *testing.T) {
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	var (
		mu  sync.Mutex
		got []events.CommandPayload
	)
	done := make(chan struct{}, 1)
	bus.Subscribe(events.EventCommandCompleted, "test", func(_ context.Context, e events.Event) error {
		mu.Lock()
		got = append(got, e.Payload.(events.CommandPayload))
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	s, ft := readySession(t, DefaultConfig(), WithEventBus(bus))
	res := goExecute(s, context.Background(), "status")
	id := expectCommand(t, ft, "status")
	ft.deliver(t,
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue, Body: "map: de_dust2"},
		protocol.Packet{ID: id, Type: protocol.ServerDataResponseValue},
	)
	waitResult(t, res)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no command event")
	}
	mu.Lock()
	defer mu.Unlock()
	p := got[0]
	if p.RequestID != id || p.Response != "map: de_dust2" || p.Outcome != events.OutcomeOK || p.Remote != "127.0.0.1:27015" {
		t.Fatalf("payload %+v", p)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, events.OutcomeOK},
		{ErrTimeout, events.OutcomeTimeout},
		{context.Canceled, events.OutcomeCancelled},
		{ErrTooManyPending, events.OutcomeRejected},
		{ErrAuthenticationRejected, events.OutcomeRejected},
		{ErrConnectionClosed, events.OutcomeLost},
		{errors.New("other"), events.OutcomeError},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
