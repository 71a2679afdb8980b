// Package websocket streams process lifecycle events to WebSocket clients.
package websocket

import "procvisor/internal/procutil"

// WSMessage is the envelope for every message in both directions.
type WSMessage struct {
	Type    string         `json:"type"`
	PID     int            `json:"pid,omitempty"`
	Process *procutil.Info `json:"process,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

// BroadcastMessage wraps an encoded message with the pid it concerns.
// PID 0 addresses every client.
type BroadcastMessage struct {
	PID  int
	Data []byte
}

// Message types.
const (
	// client -> server
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"

	// server -> client
	TypePong           = "pong"
	TypeError          = "error"
	TypeProcessState   = "process_state" // reply to subscribe
	TypeProcessStarted = "process_started"
	TypeProcessExited  = "process_exited"
)
