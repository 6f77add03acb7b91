package session

import "errors"

var (
	ErrAlreadyActive    = errors.New("a session already exists for this user")
	ErrNotFound         = errors.New("session not found")
	ErrSessionNotFound  = errors.New("no active session to bind to")
	ErrStartInProgress  = errors.New("session start in progress")
	ErrNoBudget         = errors.New("user has no remaining seconds")
	ErrNoMetadata       = errors.New("user metadata is required")
	ErrHandleBound      = errors.New("realtime connection already bound")
	ErrProvisionTimeout = errors.New("agent provisioning timed out")
	ErrShuttingDown     = errors.New("session registry is shutting down")
)
