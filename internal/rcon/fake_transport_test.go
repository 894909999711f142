package rcon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/rconsole/internal/network"
	"github.com/energizer-project/rconsole/internal/protocol"
)

// fakeTransport is an in-memory network.Transport. Packets the session
// sends are decoded onto the sent channel; tests inject server traffic
// with deliver and end the connection with fail or hangup.
type fakeTransport struct {
	mu         sync.Mutex
	events     chan network.Event
	sent       chan protocol.Packet
	dec        *protocol.Decoder
	connectErr error
	done       bool
	sendCount  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan network.Event, 256),
		sent:   make(chan protocol.Packet, 256),
		dec:    protocol.NewDecoder(0),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, host string, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		f.finishLocked(network.Event{Kind: network.EventError, Err: f.connectErr})
		return f.connectErr
	}
	f.events <- network.Event{Kind: network.EventConnected}
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return network.ErrNotConnected
	}
	f.sendCount++
	f.dec.Feed(data)
	for {
		p, err := f.dec.Next()
		if errors.Is(err, protocol.ErrTruncated) {
			return nil
		}
		if err != nil {
			return err
		}
		f.sent <- p
	}
}

func (f *fakeTransport) Events() <-chan network.Event {
	return f.events
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishLocked(network.Event{Kind: network.EventClosed})
	return nil
}

func (f *fakeTransport) finishLocked(ev network.Event) {
	if f.done {
		return
	}
	f.done = true
	f.events <- ev
	close(f.events)
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishLocked(network.Event{Kind: network.EventError, Err: err})
}

// hangup ends the connection as a remote close would.
func (f *fakeTransport) hangup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishLocked(network.Event{Kind: network.EventClosed})
}

// waitFinished fails t unless the transport reaches its terminal event.
func (f *fakeTransport) waitFinished(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		done := f.done
		f.mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("transport still open")
}

func (f *fakeTransport) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCount
}

// deliverRaw feeds bytes to the session as a single read.
func (f *fakeTransport) deliverRaw(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.events <- network.Event{Kind: network.EventData, Data: data}
}

func (f *fakeTransport) deliver(t *testing.T, pkts ...protocol.Packet) {
	t.Helper()
	var data []byte
	for _, p := range pkts {
		b, err := p.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal %v: %v", p, err)
		}
		data = append(data, b...)
	}
	f.deliverRaw(data)
}

func (f *fakeTransport) nextSent(t *testing.T) protocol.Packet {
	t.Helper()
	select {
	case p := <-f.sent:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sent packet")
	}
	return protocol.Packet{}
}

func (f *fakeTransport) expectNoSend(t *testing.T) {
	t.Helper()
	select {
	case p := <-f.sent:
		t.Fatalf("unexpected packet sent: %v", p)
	case <-time.After(50 * time.Millisecond):
	}
}
