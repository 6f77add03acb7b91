// Package budget tracks the remaining usage time of each provisioned agent.
//
// Records are keyed by remote agent id because the agent is the timed
// resource. A record is created after provisioning succeeds and removed
// exactly once, either by End or by expiry.
package budget

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultLivenessTimeout is how long a record may go without a heartbeat
	// before a sweep removes it.
	DefaultLivenessTimeout = 15 * time.Second
	// DefaultSweepInterval is how often StartSweeper scans the ledger.
	DefaultSweepInterval = 5 * time.Second
)

var (
	ErrDuplicateRecord = errors.New("heartbeat record already exists")
	ErrNotFound        = errors.New("heartbeat record not found")
	ErrOwnerMismatch   = errors.New("heartbeat owner mismatch")
	ErrExpired         = errors.New("time budget exhausted")
)

// Reason describes why a record left the ledger without an explicit End.
type Reason string

const (
	ReasonExhausted Reason = "exhausted"
	ReasonSilent    Reason = "silent"
)

// Record is a snapshot of one agent's accounting entry.
type Record struct {
	AgentID          string
	OwnerUserID      int64
	SecondsRemaining float64
	LastHeartbeatAt  time.Time
	LastSeq          uint64
}

// ExpiredError is returned by End when the record already left the ledger
// through exhaustion or sweep. It carries the snapshot taken at expiry and
// is returned once per expired record.
type ExpiredError struct {
	Record Record
	Reason Reason
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("end %s: %s (%s)", e.Record.AgentID, ErrExpired, e.Reason)
}

func (e *ExpiredError) Unwrap() error { return ErrExpired }

type expiredRecord struct {
	rec    Record
	reason Reason
}

// ExpiryHandler is invoked once for every record removed by exhaustion or
// sweep. It runs outside the ledger lock and may call back into the ledger.
type ExpiryHandler func(rec Record, reason Reason)

// Ledger is the in-memory table of heartbeat records.
type Ledger struct {
	mu       sync.Mutex
	records  map[string]*Record
	expired  map[string]expiredRecord
	now      func() time.Time
	liveness time.Duration
	onExpire ExpiryHandler
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLivenessTimeout overrides DefaultLivenessTimeout.
func WithLivenessTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.liveness = d
		}
	}
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		records:  make(map[string]*Record),
		expired:  make(map[string]expiredRecord),
		now:      time.Now,
		liveness: DefaultLivenessTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetExpiryHandler installs the teardown trigger. It must be set before the
// first Begin.
func (l *Ledger) SetExpiryHandler(h ExpiryHandler) {
	l.mu.Lock()
	l.onExpire = h
	l.mu.Unlock()
}

// Begin creates the record for agentID.
func (l *Ledger) Begin(agentID string, initialSeconds float64, ownerUserID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[agentID]; ok {
		return fmt.Errorf("begin %s: %w", agentID, ErrDuplicateRecord)
	}
	l.records[agentID] = &Record{
		AgentID:          agentID,
		OwnerUserID:      ownerUserID,
		SecondsRemaining: initialSeconds,
		LastHeartbeatAt:  l.now(),
	}
	return nil
}

// Tick charges the wall-clock time elapsed since the previous heartbeat and
// returns the new remaining budget.
//
// A non-zero seq at or below the last accepted seq is a replay: the current
// remaining value is returned without charging. When the budget reaches zero
// the record is removed, the expiry handler runs and ErrExpired is returned.
func (l *Ledger) Tick(agentID string, ownerUserID int64, seq uint64) (float64, error) {
	l.mu.Lock()
	rec, ok := l.records[agentID]
	if !ok {
		l.mu.Unlock()
		return 0, fmt.Errorf("tick %s: %w", agentID, ErrNotFound)
	}
	if rec.OwnerUserID != ownerUserID {
		l.mu.Unlock()
		return 0, fmt.Errorf("tick %s: %w", agentID, ErrOwnerMismatch)
	}
	if seq != 0 && seq <= rec.LastSeq {
		remaining := rec.SecondsRemaining
		l.mu.Unlock()
		return remaining, nil
	}

	now := l.now()
	elapsed := now.Sub(rec.LastHeartbeatAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	} else {
		rec.LastHeartbeatAt = now
	}
	rec.SecondsRemaining -= elapsed
	if seq != 0 {
		rec.LastSeq = seq
	}

	if rec.SecondsRemaining > 0 {
		remaining := rec.SecondsRemaining
		l.mu.Unlock()
		return remaining, nil
	}

	delete(l.records, agentID)
	snapshot := *rec
	l.expired[agentID] = expiredRecord{rec: snapshot, reason: ReasonExhausted}
	handler := l.onExpire
	l.mu.Unlock()

	slog.Info("Time budget exhausted", "agent_id", agentID, "user_id", ownerUserID)
	if handler != nil {
		handler(snapshot, ReasonExhausted)
	}
	return 0, fmt.Errorf("tick %s: %w", agentID, ErrExpired)
}

// End removes the record and returns its final snapshot, charging any time
// elapsed since the last heartbeat.
//
// If the record was expired and no End has observed that yet, the expiry
// snapshot is returned with an *ExpiredError so a caller that raced the
// expiry still settles on the exhausted budget.
func (l *Ledger) End(agentID string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[agentID]
	if !ok {
		if x, ok := l.expired[agentID]; ok {
			delete(l.expired, agentID)
			return x.rec, &ExpiredError{Record: x.rec, Reason: x.reason}
		}
		return Record{}, fmt.Errorf("end %s: %w", agentID, ErrNotFound)
	}
	delete(l.records, agentID)

	if elapsed := l.now().Sub(rec.LastHeartbeatAt).Seconds(); elapsed > 0 {
		rec.SecondsRemaining -= elapsed
	}
	return *rec, nil
}

// Forget drops the expiry marker left for agentID, if any.
func (l *Ledger) Forget(agentID string) {
	l.mu.Lock()
	delete(l.expired, agentID)
	l.mu.Unlock()
}

// Peek returns a snapshot without modifying the record.
func (l *Ledger) Peek(agentID string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[agentID]
	if !ok {
		return Record{}, fmt.Errorf("peek %s: %w", agentID, ErrNotFound)
	}
	return *rec, nil
}

// Len returns the number of live records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Sweep removes every record whose last heartbeat is older than the liveness
// timeout and runs the expiry handler for each one.
func (l *Ledger) Sweep() []Record {
	l.mu.Lock()
	now := l.now()
	var expired []Record
	for id, rec := range l.records {
		if now.Sub(rec.LastHeartbeatAt) > l.liveness {
			expired = append(expired, *rec)
			delete(l.records, id)
			l.expired[id] = expiredRecord{rec: *rec, reason: ReasonSilent}
		}
	}
	handler := l.onExpire
	l.mu.Unlock()

	for _, rec := range expired {
		slog.Info("Heartbeat liveness timeout",
			"agent_id", rec.AgentID,
			"user_id", rec.OwnerUserID,
			"silent_for", now.Sub(rec.LastHeartbeatAt))
		if handler != nil {
			handler(rec, ReasonSilent)
		}
	}
	return expired
}
