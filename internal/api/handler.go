// Package api provides HTTP handlers for the conversation agent service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nitin4real/llm/internal/domain"
	"github.com/nitin4real/llm/internal/identity"
	"github.com/nitin4real/llm/internal/llm"
	"github.com/nitin4real/llm/internal/provision"
	"github.com/nitin4real/llm/internal/session"
	"github.com/nitin4real/llm/internal/store"
)

// Sessions is the subset of the session registry the HTTP layer drives.
type Sessions interface {
	Start(ctx context.Context, userID int64, params session.StartParams) (*session.Credentials, error)
	Stop(ctx context.Context, userID int64) (*session.StopResult, error)
	UpdateSettings(ctx context.Context, userID int64, settings map[string]any) error
	Snapshot(userID int64) (domain.Session, error)
}

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	sessions Sessions
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions Sessions) *Handler {
	return &Handler{repo: repo, sessions: sessions}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Message writes a JSON response carrying only a message, the shape the auth
// routes use for both success and failure.
func Message(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"message": message})
}

// StatusFor maps a domain error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrAlreadyActive),
		errors.Is(err, session.ErrStartInProgress),
		errors.Is(err, session.ErrHandleBound):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrNoMetadata),
		errors.Is(err, store.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoBudget):
		return http.StatusPaymentRequired
	case errors.Is(err, identity.ErrUnauthorized),
		errors.Is(err, store.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrProvisionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, provision.ErrProvisionFailed),
		errors.Is(err, provision.ErrTerminateFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, llm.ErrNoMessages):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err using its mapped status.
func fail(w http.ResponseWriter, err error) {
	Error(w, StatusFor(err), err.Error())
}

// decodeOptional decodes a JSON body into v, treating an empty body as valid.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
