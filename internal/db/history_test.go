package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/energizer-project/rconsole/internal/events"
)

func newTestStore(t *testing.T, retention int) *HistoryStore {
	t.Helper()
	hs, err := NewHistoryStore(filepath.Join(t.TempDir(), "history.db"), retention)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { hs.Close() })
	return hs
}

func TestRecordAndRecent(t *testing.T) {
	hs := newTestStore(t, 100)
	ctx := context.Background()

	for i, cmd := range []string{"status", "users", "maps *"} {
		if _, err := hs.Record(ctx, HistoryEntry{RequestID: int32(i + 2), Command: cmd, Response: "ok " + cmd, Outcome: events.OutcomeOK}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := hs.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].Command != "maps *" || got[1].Command != "users" {
		t.Fatalf("recent: %+v", got)
	}
	if got[0].Response != "ok maps *" || got[0].RequestID != 4 {
		t.Fatalf("entry: %+v", got[0])
	}
	if got[0].CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
}

func TestRetentionPrunes(t *testing.T) {
	hs := newTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := hs.Record(ctx, HistoryEntry{Command: "c", RequestID: int32(i + 1)}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	n, err := hs.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("count %d, %v", n, err)
	}
	got, _ := hs.Recent(ctx, 10)
	if got[0].RequestID != 10 || got[2].RequestID != 8 {
		t.Fatalf("kept wrong rows: %+v", got)
	}
}

func TestSubscribeRecordsCommands(t *testing.T) {
	hs := newTestStore(t, 10)
	bus := events.NewEventBus()
	hs.Subscribe(bus)

	bus.Publish(context.Background(), events.EventCommandCompleted, "test", events.CommandPayload{
		RequestID: 7,
		Command:   "status",
		Response:  "hostname: x",
		Outcome:   events.OutcomeOK,
		Duration:  15 * time.Millisecond,
		Timestamp: time.Now(),
	})
	bus.Publish(context.Background(), events.EventCommandCompleted, "test", events.CommandPayload{
		Command: "never sent",
		Outcome: events.OutcomeRejected,
	})
	bus.Stop()

	got, err := hs.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].RequestID != 7 || got[0].DurationMs != 15 {
		t.Fatalf("got %+v", got)
	}
}

func TestPathAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	hs, err := NewHistoryStore(path, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if hs.Path() != path {
		t.Fatalf("path %q, want %q", hs.Path(), path)
	}
	if err := hs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := hs.Count(context.Background()); err == nil {
		t.Fatal("count succeeded on a closed store")
	}
}
