package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/energizer-project/rconsole/internal/config"
	"github.com/energizer-project/rconsole/internal/connector"
	"github.com/energizer-project/rconsole/internal/db"
	"github.com/energizer-project/rconsole/internal/metrics"
	"github.com/energizer-project/rconsole/internal/protocol"
	"github.com/energizer-project/rconsole/internal/rcon"
)

type fakeConsole struct {
	mu         sync.Mutex
	replies    map[string]string
	errs       map[string]error
	commands   []string
	reconnects int
}

func (f *fakeConsole) Execute(ctx context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if err, ok := f.errs[command]; ok {
		return "", err
	}
	return f.replies[command], nil
}

func (f *fakeConsole) Reconnect() {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

func (f *fakeConsole) Status() connector.Status {
	return connector.Status{Remote: "127.0.0.1:27015", State: "ready", Connected: true, Breaker: "closed"}
}

type fakeHistory struct {
	entries []db.HistoryEntry
	lastN   int
}

func (f *fakeHistory) Recent(ctx context.Context, n int) ([]db.HistoryEntry, error) {
	f.lastN = n
	if n > len(f.entries) {
		n = len(f.entries)
	}
	return f.entries[:n], nil
}

func newTestServer(t *testing.T, token string) (*Server, *fakeConsole, *fakeHistory) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.Token = token
	cfg.API.RateLimitRPS = 0

	garbled := fmt.Errorf("response fragment: %w", &protocol.FrameError{
		ID:  7,
		Err: fmt.Errorf("%w: body: %w", protocol.ErrMalformedPacket, protocol.ErrMalformedField),
	})
	console := &fakeConsole{
		replies: map[string]string{"status": "map: de_dust2"},
		errs: map[string]error{
			"slow":    fmt.Errorf("execute: %w", rcon.ErrTimeout),
			"down":    connector.ErrNotConnected,
			"flood":   rcon.ErrTooManyPending,
			"nul":     fmt.Errorf("invalid command: %w", protocol.ErrMalformedField),
			"garbled": garbled,
		},
	}
	history := &fakeHistory{entries: []db.HistoryEntry{
		{ID: 2, Command: "status", Outcome: "ok"},
		{ID: 1, Command: "users", Outcome: "ok"},
	}}
	return NewServer(cfg, console, history, metrics.New()), console, history
}

func do(t *testing.T, s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPing(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	rec := do(t, s, http.MethodGet, "/api/public/ping", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if decode(t, rec)["service"] != "rconsole" {
		t.Fatalf("body %s", rec.Body.String())
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("security headers missing")
	}
}

func TestTokenRequired(t *testing.T) {
	s, console, _ := newTestServer(t, "secret")

	if rec := do(t, s, http.MethodPost, "/api/execute", `{"command":"status"}`, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/execute", `{"command":"status"}`, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	if len(console.commands) != 0 {
		t.Fatal("command ran without auth")
	}
	if rec := do(t, s, http.MethodGet, "/api/status?token=secret", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token: %d", rec.Code)
	}
}

func TestExecute(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	rec := do(t, s, http.MethodPost, "/api/execute", `{"command":"status"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["response"]; got != "map: de_dust2" {
		t.Fatalf("response %v", got)
	}
}

func TestExecuteErrors(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	tests := []struct {
		body    string
		code    int
		outcome string
	}{
		{`{"command":"slow"}`, http.StatusGatewayTimeout, "timeout"},
		{`{"command":"down"}`, http.StatusServiceUnavailable, "error"},
		{`{"command":"flood"}`, http.StatusTooManyRequests, "rejected"},
		{`{"command":"nul"}`, http.StatusBadRequest, "error"},
		{`{"command":"garbled"}`, http.StatusBadGateway, "error"},
		{`{"command":"  "}`, http.StatusBadRequest, ""},
		{`not json`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		rec := do(t, s, http.MethodPost, "/api/execute", tt.body, "")
		if rec.Code != tt.code {
			t.Errorf("%s: status %d, want %d", tt.body, rec.Code, tt.code)
			continue
		}
		if tt.outcome != "" {
			if got := decode(t, rec)["outcome"]; got != tt.outcome {
				t.Errorf("%s: outcome %v, want %s", tt.body, got, tt.outcome)
			}
		}
	}
}

func TestHistory(t *testing.T) {
	s, _, history := newTestServer(t, "")

	rec := do(t, s, http.MethodGet, "/api/history?limit=1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if history.lastN != 1 || decode(t, rec)["total"].(float64) != 1 {
		t.Fatalf("limit not applied: %s", rec.Body.String())
	}

	do(t, s, http.MethodGet, "/api/history", "", "")
	if history.lastN != defaultHistoryLimit {
		t.Fatalf("default limit %d", history.lastN)
	}
	do(t, s, http.MethodGet, "/api/history?limit=100000", "", "")
	if history.lastN != maxHistoryLimit {
		t.Fatalf("limit not capped: %d", history.lastN)
	}

	if rec := do(t, s, http.MethodGet, "/api/history?limit=abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewServer(cfg, &fakeConsole{}, nil, nil)
	if rec := do(t, s, http.MethodGet, "/api/history", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without registry: %d", rec.Code)
	}
}

func TestReconnectAndStatus(t *testing.T) {
	s, console, _ := newTestServer(t, "")

	if rec := do(t, s, http.MethodPost, "/api/reconnect", "", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("reconnect %d", rec.Code)
	}
	if console.reconnects != 1 {
		t.Fatalf("reconnects %d", console.reconnects)
	}

	rec := do(t, s, http.MethodGet, "/api/status", "", "")
	session := decode(t, rec)["session"].(map[string]interface{})
	if session["state"] != "ready" || session["connected"] != true {
		t.Fatalf("session %v", session)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	do(t, s, http.MethodGet, "/api/public/ping", "", "")

	rec := do(t, s, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rconsole_http_requests_total") {
		t.Fatal("http metrics not exported")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()
	if !rl.allow("a", now) || !rl.allow("a", now) {
		t.Fatal("burst not allowed")
	}
	if rl.allow("a", now) {
		t.Fatal("third request in burst allowed")
	}
	if !rl.allow("b", now) {
		t.Fatal("clients share a bucket")
	}
	if !rl.allow("a", now.Add(time.Second)) {
		t.Fatal("bucket did not refill")
	}
}

func TestConsoleWebsocket(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/console?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	exchange := func(cmd string) string {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return string(data)
	}

	if got := exchange("status"); got != "map: de_dust2" {
		t.Fatalf("got %q", got)
	}
	if got := exchange("down"); !strings.HasPrefix(got, "error: ") {
		t.Fatalf("got %q", got)
	}
}

func TestConsoleWebsocketRequiresToken(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/console"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response %v", resp)
	}
}
