package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nitin4real/llm/internal/budget"
	"github.com/nitin4real/llm/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu           sync.Mutex
	active       map[int64]bool
	bound        map[int64]session.Handle
	heartbeatErr error
	remaining    float64
	seqs         []uint64
	activity     []session.ActivityUpdate
	stopped      []session.Handle
}

func newFakeRegistry(users ...int64) *fakeRegistry {
	f := &fakeRegistry{
		active:    make(map[int64]bool),
		bound:     make(map[int64]session.Handle),
		remaining: 20,
	}
	for _, u := range users {
		f.active[u] = true
	}
	return f
}

func (f *fakeRegistry) BindHandle(userID int64, h session.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[userID] {
		return session.ErrSessionNotFound
	}
	if f.bound[userID] != nil {
		return session.ErrHandleBound
	}
	f.bound[userID] = h
	return nil
}

func (f *fakeRegistry) StopByHandle(_ context.Context, h session.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for uid, bound := range f.bound {
		if bound == h {
			delete(f.active, uid)
			f.stopped = append(f.stopped, h)
		}
	}
}

func (f *fakeRegistry) Heartbeat(_ context.Context, _ int64, seq uint64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqs = append(f.seqs, seq)
	if f.heartbeatErr != nil {
		return 0, f.heartbeatErr
	}
	return f.remaining, nil
}

func (f *fakeRegistry) UpdateActivity(_ context.Context, userID int64, upd session.ActivityUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[userID] {
		return session.ErrNotFound
	}
	f.activity = append(f.activity, upd)
	return nil
}

func (f *fakeRegistry) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

type recordingHandle struct {
	mu     sync.Mutex
	events []session.Event
	closed bool
}

func (h *recordingHandle) Send(_ context.Context, ev session.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHandle) Close(string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func TestAttachRequiresSession(t *testing.T) {
	b := NewBinder(newFakeRegistry())

	_, err := b.Attach(1, &recordingHandle{})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestHeartbeatRespondsWithRemaining(t *testing.T) {
	reg := newFakeRegistry(42)
	h := &recordingHandle{}
	bd, err := NewBinder(reg).Attach(42, h)
	require.NoError(t, err)

	require.NoError(t, bd.Handle(context.Background(), InboundEvent{Type: EventHeartbeat, Seq: 3}))

	require.Len(t, h.events, 1)
	ev := h.events[0]
	assert.Equal(t, session.EventHeartbeatResponse, ev.Type)
	assert.Equal(t, "OK", ev.Status)
	require.NotNil(t, ev.SecondsRemaining)
	assert.InDelta(t, 20, *ev.SecondsRemaining, 0.001)
	assert.Equal(t, []uint64{3}, reg.seqs)
}

func TestHeartbeatErrorIsReported(t *testing.T) {
	reg := newFakeRegistry(42)
	reg.heartbeatErr = budget.ErrOwnerMismatch
	h := &recordingHandle{}
	bd, err := NewBinder(reg).Attach(42, h)
	require.NoError(t, err)

	require.NoError(t, bd.Handle(context.Background(), InboundEvent{Type: EventHeartbeat}))

	require.Len(t, h.events, 1)
	assert.Equal(t, session.EventError, h.events[0].Type)
}

func TestHeartbeatExpiryClosesBinding(t *testing.T) {
	reg := newFakeRegistry(42)
	reg.heartbeatErr = budget.ErrExpired
	h := &recordingHandle{}
	bd, err := NewBinder(reg).Attach(42, h)
	require.NoError(t, err)

	require.NoError(t, bd.Handle(context.Background(), InboundEvent{Type: EventHeartbeat}))
	assert.Empty(t, h.events)

	err = bd.Handle(context.Background(), InboundEvent{Type: EventHeartbeat})
	assert.True(t, errors.Is(err, ErrClosed))

	bd.Disconnected(context.Background())
	assert.Zero(t, reg.stopCount())
}

func TestAnswerSubmittedAppendsSystemMessage(t *testing.T) {
	reg := newFakeRegistry(42)
	bd, err := NewBinder(reg).Attach(42, &recordingHandle{})
	require.NoError(t, err)

	require.NoError(t, bd.Handle(context.Background(), InboundEvent{
		Type:     EventAnswerSubmitted,
		Answer:   "Paris",
		Question: "Capital of France?",
	}))

	require.Len(t, reg.activity, 1)
	msg := reg.activity[0].Append[0]
	assert.Equal(t, "system", string(msg.Role))
	assert.Equal(t, "User has submitted answer: Paris for question: Capital of France?", msg.Content)
}

func TestDisconnectStopsOnce(t *testing.T) {
	reg := newFakeRegistry(1, 2)
	h1, h2 := &recordingHandle{}, &recordingHandle{}
	b := NewBinder(reg)
	bd1, err := b.Attach(1, h1)
	require.NoError(t, err)
	_, err = b.Attach(2, h2)
	require.NoError(t, err)

	err = bd1.Handle(context.Background(), InboundEvent{Type: EventDisconnect})
	assert.ErrorIs(t, err, ErrClosed)
	bd1.Disconnected(context.Background())

	assert.Equal(t, 1, reg.stopCount())
	assert.True(t, reg.active[2])
	assert.False(t, reg.active[1])
}
