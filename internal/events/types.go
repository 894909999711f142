// Package events defines the event types published on the rconsole EventBus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle events
	EventSessionState     EventType = "session_state"
	EventAuthenticated    EventType = "session_authenticated"
	EventAuthRejected     EventType = "session_auth_rejected"
	EventConnectionLost   EventType = "session_connection_lost"
	EventPacketDropped    EventType = "session_packet_dropped"
	EventCommandCompleted EventType = "command_completed"

	// Connector events
	EventReconnectScheduled EventType = "reconnect_scheduled"
	EventReconnectGaveUp    EventType = "reconnect_gave_up"

	// Health events
	EventKeepaliveFailed EventType = "keepalive_failed"
	EventHeartbeat       EventType = "heartbeat"

	// System events
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionStatePayload is emitted on every session state transition.
type SessionStatePayload struct {
	Remote string `json:"remote"`
	From   string `json:"from"`
	To     string `json:"to"`
	Cause  string `json:"cause,omitempty"`
}

// CommandPayload describes one finished Execute call, successful or not.
type CommandPayload struct {
	Remote    string        `json:"remote"`
	RequestID int32         `json:"request_id"`
	Command   string        `json:"command"`
	Response  string        `json:"response,omitempty"`
	Error     string        `json:"error,omitempty"`
	Outcome   string        `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Outcome labels used in CommandPayload.Outcome.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
	OutcomeLost      = "lost"
	OutcomeError     = "error"
)

// PacketDroppedPayload reports a frame the decoder could not use.
type PacketDroppedPayload struct {
	Remote   string `json:"remote"`
	Reason   string `json:"reason"`
	Discard  int    `json:"discarded_bytes"`
	Resynced bool   `json:"resynced"`

	// RequestID is set when the frame's id matched a pending command,
	// which then failed.
	RequestID int32 `json:"request_id,omitempty"`
}

// ReconnectPayload is emitted by the connector before each retry.
type ReconnectPayload struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Reason  string        `json:"reason"`
}

// KeepalivePayload reports a failed keepalive probe.
type KeepalivePayload struct {
	Command string        `json:"command"`
	Error   string        `json:"error"`
	Took    time.Duration `json:"took"`
}

// HeartbeatPayload is a periodic snapshot of the process and session.
type HeartbeatPayload struct {
	Remote     string  `json:"remote"`
	State      string  `json:"state"`
	Connected  bool    `json:"connected"`
	Pending    int     `json:"pending"`
	RSSMB      uint64  `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}
