package session

import "context"

// Outbound event types sent over a realtime handle.
const (
	EventSessionCreated    = "session_created"
	EventHeartbeatResponse = "heartbeat_response"
	EventTimeout           = "timeout"
	EventError             = "error"
)

// TimeoutMessage is sent to the client before a forced teardown.
const TimeoutMessage = "You have run out of platform usage time. Please try again later."

// Event is an outbound realtime message.
type Event struct {
	Type             string   `json:"type"`
	UserID           int64    `json:"userId,omitempty"`
	Status           string   `json:"status,omitempty"`
	SecondsRemaining *float64 `json:"secondsRemaining,omitempty"`
	Message          string   `json:"message,omitempty"`
}

// Handle is the registry's weak reference to a realtime connection. The
// registry forwards events through it and closes it on teardown but does
// not own the transport.
type Handle interface {
	Send(ctx context.Context, ev Event) error
	Close(reason string) error
}
