package domain

import (
	"time"
)

// State is the lifecycle tag of a user's session.
type State int

const (
	// StateAbsent means no session exists for the user.
	StateAbsent State = iota
	// StateStarting means a remote agent is being provisioned.
	StateStarting
	// StateActive means the agent is live and the budget is being tracked.
	StateActive
	// StateStopping means teardown is in progress.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Session is a point-in-time copy of one user's live agent engagement.
type Session struct {
	UserID           int64          `json:"user_id"`
	State            State          `json:"-"`
	AgentID          string         `json:"agent_id,omitempty"`
	ChannelName      string         `json:"channel_name,omitempty"`
	History          []ChatMessage  `json:"history,omitempty"`
	Settings         map[string]any `json:"settings,omitempty"`
	LastLiveAt       time.Time      `json:"last_live_at"`
	SecondsRemaining float64        `json:"seconds_remaining"`
	InitialSeconds   float64        `json:"initial_seconds"`
	StartedAt        time.Time      `json:"started_at"`
	Bound            bool           `json:"bound"`
}

// StateName returns the lifecycle state as a string for JSON responses.
func (s *Session) StateName() string {
	return s.State.String()
}
