// Package session owns the lifecycle of each user's live agent session.
//
// A session moves Absent -> Starting -> Active -> Stopping -> Absent. The
// Registry is the only component that changes a session's state; every other
// component goes through its methods.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/nitin4real/llm/internal/budget"
	"github.com/nitin4real/llm/internal/domain"
	"github.com/nitin4real/llm/internal/notify"
	"github.com/nitin4real/llm/internal/provision"
	"golang.org/x/sync/errgroup"
)

const (
	defaultProvisionTimeout = 30 * time.Second
	defaultTerminateTimeout = 10 * time.Second
	defaultHistoryLimit     = 50
)

// End reasons carried on notify.SessionEnded events.
const (
	ReasonStop       = "stop"
	ReasonTimeout    = "timeout"
	ReasonLiveness   = "liveness"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
)

// Provisioner starts and stops remote agents.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (*provision.Agent, error)
	Terminate(ctx context.Context, agentID string) error
}

// TokenIssuer mints realtime credentials.
type TokenIssuer interface {
	AppID() string
	ChannelName(agentUID string, uid int64) string
	RTC(channel string, uid int64) (string, error)
	RTM(userID string) (string, error)
}

// KeySigner mints the per-user key the remote agent uses to call back into
// the chat completion endpoint.
type KeySigner interface {
	Sign(uid int64) (string, error)
}

// Config tunes the registry.
type Config struct {
	ProvisionTimeout time.Duration
	TerminateTimeout time.Duration
	HistoryLimit     int
	Clock            func() time.Time
}

// StartParams carries what Start needs from the user's stored profile.
type StartParams struct {
	Metadata *domain.UserMetadata
	Settings map[string]any
}

// Credentials are returned to the client so it can join the channel.
type Credentials struct {
	RTCToken    string `json:"rtcToken"`
	ChannelName string `json:"channelName"`
	AppID       string `json:"appId"`
	UID         int64  `json:"uid"`
	RTMToken    string `json:"rtmToken"`
	AgentID     string `json:"-"`
}

// StopResult describes a completed teardown.
type StopResult struct {
	AgentID          string  `json:"agentId"`
	SecondsRemaining float64 `json:"secondsRemaining"`
	Terminated       bool    `json:"terminated"`
}

// ActivityUpdate is an incremental change applied to an active session.
type ActivityUpdate struct {
	Append []domain.ChatMessage
}

type entry struct {
	userID           int64
	state            domain.State
	agentID          string
	channel          string
	history          *domain.History
	settings         map[string]any
	handle           Handle
	handleBound      bool
	lastLiveAt       time.Time
	secondsRemaining float64
	initialSeconds   float64
	startedAt        time.Time
}

// teardownTarget is captured under the lock when an entry moves to Stopping.
type teardownTarget struct {
	entry            *entry
	userID           int64
	agentID          string
	channel          string
	handle           Handle
	secondsRemaining float64
	initialSeconds   float64
}

// Registry is the authoritative table of sessions keyed by user id.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*entry
	byAgent  map[string]int64
	closed   bool

	ledger *budget.Ledger
	prov   Provisioner
	tokens TokenIssuer
	keys   KeySigner
	bus    *notify.Bus
	cfg    Config
}

// NewRegistry creates a registry and installs itself as the ledger's expiry
// handler.
func NewRegistry(ledger *budget.Ledger, prov Provisioner, tokens TokenIssuer, keys KeySigner, bus *notify.Bus, cfg Config) *Registry {
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = defaultProvisionTimeout
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = defaultTerminateTimeout
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if bus == nil {
		bus = notify.NewBus()
	}

	r := &Registry{
		sessions: make(map[int64]*entry),
		byAgent:  make(map[string]int64),
		ledger:   ledger,
		prov:     prov,
		tokens:   tokens,
		keys:     keys,
		bus:      bus,
		cfg:      cfg,
	}
	ledger.SetExpiryHandler(r.handleExpiry)
	return r
}

// Start provisions a remote agent for userID and begins budget tracking.
//
// The Starting entry is inserted before any remote call, so a concurrent
// Start for the same user fails with ErrAlreadyActive. Any failure removes
// the entry again.
func (r *Registry) Start(ctx context.Context, userID int64, params StartParams) (*Credentials, error) {
	if params.Metadata == nil {
		return nil, ErrNoMetadata
	}
	if !params.Metadata.HasBudget() {
		return nil, ErrNoBudget
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, ok := r.sessions[userID]; ok {
		r.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	e := &entry{
		userID:    userID,
		state:     domain.StateStarting,
		startedAt: r.cfg.Clock(),
	}
	r.sessions[userID] = e
	r.mu.Unlock()

	creds, err := r.start(ctx, e, params)
	if err != nil {
		r.mu.Lock()
		if r.sessions[userID] == e {
			delete(r.sessions, userID)
		}
		r.mu.Unlock()
		slog.Warn("Session start failed", "user_id", userID, "error", err)
		return nil, err
	}
	return creds, nil
}

func (r *Registry) start(ctx context.Context, e *entry, params StartParams) (*Credentials, error) {
	md := params.Metadata
	userID := e.userID
	agentUID := userID*10 + 1

	channel := r.tokens.ChannelName(strconv.FormatInt(agentUID, 10), userID)
	userRTC, err := r.tokens.RTC(channel, userID)
	if err != nil {
		return nil, fmt.Errorf("issue user rtc token: %w", err)
	}
	userRTM, err := r.tokens.RTM(strconv.FormatInt(userID, 10))
	if err != nil {
		return nil, fmt.Errorf("issue user rtm token: %w", err)
	}
	agentRTC, err := r.tokens.RTC(channel, agentUID)
	if err != nil {
		return nil, fmt.Errorf("issue agent rtc token: %w", err)
	}
	llmKey, err := r.keys.Sign(userID)
	if err != nil {
		return nil, fmt.Errorf("sign agent llm key: %w", err)
	}

	// A caller that goes away mid-provision must not orphan a remote agent
	// the provider may already have created.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ProvisionTimeout)
	agent, err := r.prov.Provision(pctx, provision.Request{
		UserID:        userID,
		ChannelName:   channel,
		AgentUID:      strconv.FormatInt(agentUID, 10),
		Token:         agentRTC,
		LanguageCode:  md.Language(),
		Prompt:        md.Prompt,
		Intro:         md.Intro,
		VoiceID:       md.VoiceID,
		TTSAPIKey:     md.TTSAPIKey,
		TTSStability:  md.TTSStability,
		TTSSimilarity: md.TTSSimilarity,
		TTSSpeed:      md.TTSSpeed,
		LLMAPIKey:     llmKey,
	})
	timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			return nil, fmt.Errorf("%w: %w", ErrProvisionTimeout, err)
		}
		return nil, err
	}

	if err := r.ledger.Begin(agent.ID, md.RemainingSeconds, userID); err != nil {
		r.terminateQuietly(ctx, userID, agent.ID)
		return nil, err
	}

	now := r.cfg.Clock()
	r.mu.Lock()
	if r.closed || r.sessions[userID] != e {
		r.mu.Unlock()
		_, _ = r.ledger.End(agent.ID)
		r.terminateQuietly(ctx, userID, agent.ID)
		return nil, ErrShuttingDown
	}
	e.state = domain.StateActive
	e.agentID = agent.ID
	e.channel = channel
	e.history = domain.NewHistory(r.cfg.HistoryLimit,
		domain.ChatMessage{Role: domain.RoleSystem, Content: md.Prompt},
		domain.ChatMessage{Role: domain.RoleAssistant, Content: md.Intro},
	)
	e.settings = maps.Clone(params.Settings)
	if e.settings == nil {
		e.settings = make(map[string]any)
	}
	e.lastLiveAt = now
	e.secondsRemaining = md.RemainingSeconds
	e.initialSeconds = md.RemainingSeconds
	r.byAgent[agent.ID] = userID
	r.mu.Unlock()

	slog.Info("Session started",
		"user_id", userID,
		"agent_id", agent.ID,
		"channel", channel,
		"seconds_remaining", md.RemainingSeconds)

	r.bus.Publish(ctx, notify.Event{
		Kind:           notify.SessionStarted,
		UserID:         userID,
		AgentID:        agent.ID,
		ChannelName:    channel,
		InitialSeconds: md.RemainingSeconds,
	})

	return &Credentials{
		RTCToken:    userRTC,
		ChannelName: channel,
		AppID:       r.tokens.AppID(),
		UID:         userID,
		RTMToken:    userRTM,
		AgentID:     agent.ID,
	}, nil
}

// Stop tears down the user's active session.
func (r *Registry) Stop(ctx context.Context, userID int64) (*StopResult, error) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if !ok || e.state == domain.StateStopping {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.state == domain.StateStarting {
		r.mu.Unlock()
		return nil, ErrStartInProgress
	}
	target := r.beginStoppingLocked(e)
	r.mu.Unlock()

	return r.teardown(ctx, target, ReasonStop), nil
}

// StopByHandle tears down the session bound to h. It is a no-op when no
// active session owns h.
func (r *Registry) StopByHandle(ctx context.Context, h Handle) {
	r.mu.Lock()
	var owner *entry
	for _, e := range r.sessions {
		if e.handle == h {
			owner = e
			break
		}
	}
	if owner == nil || owner.state != domain.StateActive {
		r.mu.Unlock()
		return
	}
	target := r.beginStoppingLocked(owner)
	r.mu.Unlock()

	slog.Info("Realtime connection lost, stopping session", "user_id", target.userID, "agent_id", target.agentID)
	r.teardown(ctx, target, ReasonDisconnect)
}

// handleExpiry is the ledger's expiry handler. The ledger record is already
// gone; a session that is no longer active is left alone, and a teardown
// already in flight picks the expiry up from Ledger.End.
func (r *Registry) handleExpiry(rec budget.Record, reason budget.Reason) {
	r.mu.Lock()
	userID, ok := r.byAgent[rec.AgentID]
	e := r.sessions[userID]
	if !ok || e == nil || e.agentID != rec.AgentID {
		r.mu.Unlock()
		r.ledger.Forget(rec.AgentID)
		return
	}
	if e.state != domain.StateActive {
		r.mu.Unlock()
		return
	}
	target := r.beginStoppingLocked(e)
	r.mu.Unlock()

	endReason := ReasonTimeout
	if reason == budget.ReasonSilent {
		endReason = ReasonLiveness
	}
	r.teardown(context.Background(), target, endReason)
}

// ExpireAgent forces teardown of the session owning agentID, removing its
// budget record. It is a no-op when no active session owns the agent.
func (r *Registry) ExpireAgent(ctx context.Context, agentID string) {
	r.mu.Lock()
	userID, ok := r.byAgent[agentID]
	e := r.sessions[userID]
	if !ok || e == nil || e.state != domain.StateActive {
		r.mu.Unlock()
		return
	}
	target := r.beginStoppingLocked(e)
	r.mu.Unlock()

	r.teardown(ctx, target, ReasonTimeout)
}

func (r *Registry) beginStoppingLocked(e *entry) teardownTarget {
	e.state = domain.StateStopping
	return teardownTarget{
		entry:            e,
		userID:           e.userID,
		agentID:          e.agentID,
		channel:          e.channel,
		handle:           e.handle,
		secondsRemaining: e.secondsRemaining,
		initialSeconds:   e.initialSeconds,
	}
}

// teardown runs the shared stop path for a session already in Stopping.
// Remote termination failures are logged and never block local removal.
//
// When the ledger expired the record before this teardown reached it, the
// expiry wins: the budget settles on the expiry snapshot and the session
// ends as a timeout whatever the caller asked for.
func (r *Registry) teardown(ctx context.Context, t teardownTarget, reason string) *StopResult {
	final := t.secondsRemaining
	rec, err := r.ledger.End(t.agentID)
	var expired *budget.ExpiredError
	switch {
	case err == nil:
		final = rec.SecondsRemaining
	case errors.As(err, &expired):
		final = expired.Record.SecondsRemaining
		expiredReason := ReasonTimeout
		if expired.Reason == budget.ReasonSilent {
			expiredReason = ReasonLiveness
		}
		if reason != expiredReason {
			slog.Info("Budget expired before teardown",
				"user_id", t.userID,
				"agent_id", t.agentID,
				"requested_reason", reason,
				"reason", expiredReason)
			reason = expiredReason
		}
	default:
		slog.Debug("No budget record at teardown", "user_id", t.userID, "agent_id", t.agentID, "error", err)
	}
	if final < 0 {
		final = 0
	}

	forced := reason == ReasonTimeout || reason == ReasonLiveness
	if forced && t.handle != nil {
		if err := t.handle.Send(ctx, Event{Type: EventTimeout, Message: TimeoutMessage}); err != nil {
			slog.Debug("Failed to deliver timeout", "user_id", t.userID, "error", err)
		}
	}

	result := &StopResult{AgentID: t.agentID, SecondsRemaining: final}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.TerminateTimeout)
	if err := r.prov.Terminate(tctx, t.agentID); err != nil {
		slog.Error("Failed to terminate remote agent",
			"user_id", t.userID,
			"agent_id", t.agentID,
			"error", err)
	} else {
		result.Terminated = true
	}
	cancel()

	if t.handle != nil {
		if err := t.handle.Close(reason); err != nil {
			slog.Debug("Failed to close realtime handle", "user_id", t.userID, "error", err)
		}
	}

	r.mu.Lock()
	if r.sessions[t.userID] == t.entry {
		delete(r.sessions, t.userID)
	}
	if r.byAgent[t.agentID] == t.userID {
		delete(r.byAgent, t.agentID)
	}
	r.mu.Unlock()

	slog.Info("Session ended",
		"user_id", t.userID,
		"agent_id", t.agentID,
		"reason", reason,
		"seconds_remaining", final)

	// Observers persist the final budget; a canceled caller must not lose it.
	pctx := context.WithoutCancel(ctx)
	if forced {
		r.bus.Publish(pctx, notify.Event{
			Kind:         notify.SessionTimeout,
			UserID:       t.userID,
			AgentID:      t.agentID,
			ChannelName:  t.channel,
			Reason:       reason,
			FinalSeconds: final,
		})
	}
	r.bus.Publish(pctx, notify.Event{
		Kind:           notify.SessionEnded,
		UserID:         t.userID,
		AgentID:        t.agentID,
		ChannelName:    t.channel,
		Reason:         reason,
		InitialSeconds: t.initialSeconds,
		FinalSeconds:   final,
	})
	return result
}

func (r *Registry) terminateQuietly(ctx context.Context, userID int64, agentID string) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.TerminateTimeout)
	defer cancel()
	if err := r.prov.Terminate(tctx, agentID); err != nil {
		slog.Error("Failed to terminate remote agent after aborted start",
			"user_id", userID,
			"agent_id", agentID,
			"error", err)
	}
}

// Heartbeat charges elapsed time to the user's agent and returns the
// remaining budget. On exhaustion the session has already been torn down
// when ErrExpired is returned.
func (r *Registry) Heartbeat(_ context.Context, userID int64, seq uint64) (float64, error) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if !ok || e.state != domain.StateActive {
		r.mu.Unlock()
		return 0, ErrNotFound
	}
	agentID := e.agentID
	r.mu.Unlock()

	remaining, err := r.ledger.Tick(agentID, userID, seq)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	if r.sessions[userID] == e && e.state == domain.StateActive {
		e.secondsRemaining = remaining
		e.lastLiveAt = r.cfg.Clock()
	}
	r.mu.Unlock()
	return remaining, nil
}

// BindHandle attaches a realtime connection to the user's active session.
// A session accepts at most one handle over its lifetime.
func (r *Registry) BindHandle(userID int64, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[userID]
	if !ok || e.state != domain.StateActive {
		return ErrSessionNotFound
	}
	if e.handleBound {
		return ErrHandleBound
	}
	e.handle = h
	e.handleBound = true
	return nil
}

// UpdateActivity applies upd to an active session and recomputes the
// remaining budget from the time since the last heartbeat. An exhausted
// budget forces teardown.
func (r *Registry) UpdateActivity(ctx context.Context, userID int64, upd ActivityUpdate) error {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if !ok || e.state != domain.StateActive {
		r.mu.Unlock()
		return ErrNotFound
	}
	e.history.Append(upd.Append...)
	agentID := e.agentID
	r.mu.Unlock()

	rec, err := r.ledger.Peek(agentID)
	if err != nil {
		// The record left between the lookup and here; its teardown owns the session.
		slog.Debug("Skipping budget check for activity", "user_id", userID, "agent_id", agentID, "error", err)
		return nil
	}
	remaining := rec.SecondsRemaining - r.cfg.Clock().Sub(rec.LastHeartbeatAt).Seconds()
	if remaining > 0 {
		return nil
	}

	r.mu.Lock()
	if r.sessions[userID] != e || e.state != domain.StateActive {
		r.mu.Unlock()
		return nil
	}
	target := r.beginStoppingLocked(e)
	r.mu.Unlock()

	r.teardown(ctx, target, ReasonTimeout)
	return nil
}

// UpdateSettings merges settings into the active session.
func (r *Registry) UpdateSettings(ctx context.Context, userID int64, settings map[string]any) error {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if !ok || e.state != domain.StateActive {
		r.mu.Unlock()
		return ErrNotFound
	}
	maps.Copy(e.settings, settings)
	merged := maps.Clone(e.settings)
	agentID := e.agentID
	channel := e.channel
	r.mu.Unlock()

	r.bus.Publish(ctx, notify.Event{
		Kind:        notify.SettingsChanged,
		UserID:      userID,
		AgentID:     agentID,
		ChannelName: channel,
		Settings:    merged,
	})
	return nil
}

// Snapshot returns a copy of the user's session.
func (r *Registry) Snapshot(userID int64) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[userID]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// Active returns copies of every active session.
func (r *Registry) Active() []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.state == domain.StateActive {
			out = append(out, e.snapshot())
		}
	}
	return out
}

func (e *entry) snapshot() domain.Session {
	s := domain.Session{
		UserID:           e.userID,
		State:            e.state,
		AgentID:          e.agentID,
		ChannelName:      e.channel,
		Settings:         maps.Clone(e.settings),
		LastLiveAt:       e.lastLiveAt,
		SecondsRemaining: e.secondsRemaining,
		InitialSeconds:   e.initialSeconds,
		StartedAt:        e.startedAt,
		Bound:            e.handle != nil,
	}
	if e.history != nil {
		s.History = e.history.Messages()
	}
	return s
}

// Shutdown refuses new sessions and tears down every active one
// concurrently. Sessions still starting clean themselves up when their
// provisioning call returns.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var targets []teardownTarget
	for _, e := range r.sessions {
		if e.state == domain.StateActive {
			targets = append(targets, r.beginStoppingLocked(e))
		}
	}
	r.mu.Unlock()

	slog.Info("Terminating active sessions", "count", len(targets))

	var g errgroup.Group
	for _, t := range targets {
		t := t
		g.Go(func() error {
			res := r.teardown(ctx, t, ReasonShutdown)
			if !res.Terminated {
				return fmt.Errorf("terminate agent %s for user %d: %w", t.agentID, t.userID, provision.ErrTerminateFailed)
			}
			return nil
		})
	}
	return g.Wait()
}
