package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nitin4real/llm/internal/domain"
	"github.com/nitin4real/llm/internal/store"
)

// TokenSigner mints session tokens for authenticated users.
type TokenSigner interface {
	Sign(uid int64) (string, error)
}

// AuthHandler handles registration and login.
type AuthHandler struct {
	repo           store.Repository
	tokens         TokenSigner
	masterPassword string
}

// NewAuthHandler creates a new auth handler. An empty master password
// disables registration.
func NewAuthHandler(repo store.Repository, tokens TokenSigner, masterPassword string) *AuthHandler {
	return &AuthHandler{repo: repo, tokens: tokens, masterPassword: masterPassword}
}

// RegisterRoutes registers the public auth routes.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Put("/metadata", h.PutMetadata)
	})
}

func (h *AuthHandler) masterOK(given string) bool {
	if h.masterPassword == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(h.masterPassword)) == 1
}

type registerRequest struct {
	UID            int64  `json:"uid"`
	Password       string `json:"password"`
	AgentName      string `json:"agentName"`
	MasterPassword string `json:"masterPassword"`
}

// Register creates a user. It requires the master password.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Message(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.masterOK(body.MasterPassword) {
		Message(w, http.StatusUnauthorized, "Invalid master password")
		return
	}
	if body.UID <= 0 || body.Password == "" {
		Message(w, http.StatusBadRequest, "uid and password are required")
		return
	}

	user := &domain.User{UID: body.UID, AgentName: body.AgentName}
	if err := h.repo.CreateUser(r.Context(), user, body.Password); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			Message(w, http.StatusBadRequest, "User already exists")
			return
		}
		slog.Error("Failed to register user", "error", err, "user_id", body.UID)
		Message(w, http.StatusInternalServerError, "Error registering user")
		return
	}

	slog.Info("User registered", "user_id", user.UID)
	JSON(w, http.StatusCreated, map[string]any{
		"message": "User registered successfully",
		"user":    user,
	})
}

type loginRequest struct {
	ID       int64  `json:"id"`
	Password string `json:"password"`
}

// Login verifies credentials and returns a signed token with the user's
// branding.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Message(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	user, err := h.repo.Authenticate(ctx, body.ID, body.Password)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCredentials) || errors.Is(err, store.ErrUserNotFound) {
			Message(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		slog.Error("Failed to authenticate user", "error", err, "user_id", body.ID)
		Message(w, http.StatusInternalServerError, "Error logging in")
		return
	}

	token, err := h.tokens.Sign(user.UID)
	if err != nil {
		slog.Error("Failed to sign token", "error", err, "user_id", user.UID)
		Message(w, http.StatusInternalServerError, "Error logging in")
		return
	}

	var brand domain.BrandDetails
	md, err := h.repo.GetUserMetadata(ctx, user.UID)
	if err != nil {
		slog.Warn("Failed to load brand details", "error", err, "user_id", user.UID)
	} else if md != nil {
		brand = md.Brand()
	}

	JSON(w, http.StatusOK, map[string]any{
		"message":      "Login successful",
		"token":        token,
		"user":         user,
		"brandDetails": brand,
	})
}

type metadataRequest struct {
	MasterPassword string              `json:"masterPassword"`
	Metadata       domain.UserMetadata `json:"metadata"`
	TTSAPIKey      string              `json:"ttsApiKey"`
}

// PutMetadata creates or replaces a user's agent configuration and budget.
// It requires the master password.
func (h *AuthHandler) PutMetadata(w http.ResponseWriter, r *http.Request) {
	var body metadataRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Message(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.masterOK(body.MasterPassword) {
		Message(w, http.StatusUnauthorized, "Invalid master password")
		return
	}

	md := body.Metadata
	md.TTSAPIKey = body.TTSAPIKey
	if md.UID <= 0 {
		Message(w, http.StatusBadRequest, "uid is required")
		return
	}

	ctx := r.Context()
	user, err := h.repo.GetUser(ctx, md.UID)
	if err != nil {
		Message(w, http.StatusInternalServerError, "Error saving metadata")
		return
	}
	if user == nil {
		Message(w, http.StatusNotFound, "User not found")
		return
	}

	if err := h.repo.UpsertUserMetadata(ctx, &md); err != nil {
		slog.Error("Failed to save metadata", "error", err, "user_id", md.UID)
		Message(w, http.StatusInternalServerError, "Error saving metadata")
		return
	}
	Message(w, http.StatusOK, "Metadata saved")
}
