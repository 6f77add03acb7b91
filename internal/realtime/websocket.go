package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nitin4real/llm/internal/identity"
	"github.com/nitin4real/llm/internal/session"
)

const writeTimeout = 5 * time.Second

// Verifier resolves a bearer credential to a user id.
type Verifier interface {
	Verify(token string) (int64, error)
}

// WebSocketHandler upgrades authenticated clients and binds them to their
// live session.
type WebSocketHandler struct {
	auth          Verifier
	binder        *Binder
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(auth Verifier, binder *Binder, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		auth:          auth,
		binder:        binder,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// conn adapts a websocket connection to session.Handle.
type conn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func (c *conn) Send(ctx context.Context, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

// Close starts the close handshake without waiting for it, so it is safe to
// call from the connection's own read loop.
func (c *conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		go func() {
			if err := c.ws.Close(websocket.StatusNormalClosure, reason); err != nil {
				slog.Debug("Failed to close websocket", "error", err)
			}
		}()
	})
	return nil
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	c := &conn{ws: ws}
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		token = identity.BearerToken(r)
	}
	userID, err := h.auth.Verify(token)
	if err != nil {
		slog.Warn("WebSocket authentication failed", "error", err)
		_ = c.Send(ctx, session.Event{Type: session.EventError, Message: "Authentication failed"})
		_ = ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	binding, err := h.binder.Attach(userID, c)
	if err != nil {
		slog.Warn("WebSocket attach rejected", "user_id", userID, "error", err)
		_ = c.Send(ctx, session.Event{Type: session.EventError, Message: err.Error()})
		_ = ws.Close(websocket.StatusPolicyViolation, "no active session")
		return
	}
	defer func() { _ = c.Close("connection ended") }()
	defer binding.Disconnected(context.WithoutCancel(ctx))

	if err := c.Send(ctx, session.Event{Type: session.EventSessionCreated, UserID: userID}); err != nil {
		slog.Debug("Failed to send session_created", "user_id", userID, "error", err)
		return
	}

	h.readLoop(ctx, ws, binding)
	slog.Info("Realtime connection ended", "user_id", userID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, binding *Binding) {
	userID := binding.UserID()
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var ev InboundEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			slog.Debug("Ignoring malformed realtime message", "user_id", userID, "error", err)
			continue
		}
		if err := binding.Handle(ctx, ev); errors.Is(err, ErrClosed) {
			return
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
