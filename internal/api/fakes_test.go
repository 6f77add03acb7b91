package api

import (
	"context"
	"sync"
	"time"

	"github.com/nitin4real/llm/internal/domain"
	"github.com/nitin4real/llm/internal/identity"
	"github.com/nitin4real/llm/internal/session"
	"github.com/nitin4real/llm/internal/store"
)

type fakeRepo struct {
	mu       sync.Mutex
	users    map[int64]*domain.User
	metadata map[int64]*domain.UserMetadata
	pass     map[int64]string
	pingErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[int64]*domain.User),
		metadata: make(map[int64]*domain.UserMetadata),
		pass:     make(map[int64]string),
	}
}

func (f *fakeRepo) CreateUser(_ context.Context, user *domain.User, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.UID]; ok {
		return store.ErrUserExists
	}
	copy := *user
	f.users[user.UID] = &copy
	f.pass[user.UID] = password
	return nil
}

func (f *fakeRepo) Authenticate(_ context.Context, uid int64, password string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[uid]
	if user == nil || f.pass[uid] != password {
		return nil, store.ErrInvalidCredentials
	}
	copy := *user
	return &copy, nil
}

func (f *fakeRepo) GetUser(_ context.Context, uid int64) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[uid]
	if user == nil {
		return nil, nil
	}
	copy := *user
	return &copy, nil
}

func (f *fakeRepo) AddPlatformUsage(context.Context, int64, float64) error { return nil }

func (f *fakeRepo) GetUserMetadata(_ context.Context, uid int64) (*domain.UserMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md := f.metadata[uid]
	if md == nil {
		return nil, nil
	}
	copy := *md
	return &copy, nil
}

func (f *fakeRepo) UpsertUserMetadata(_ context.Context, m *domain.UserMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *m
	f.metadata[m.UID] = &copy
	return nil
}

func (f *fakeRepo) UpdateRemainingSeconds(context.Context, int64, float64) error { return nil }
func (f *fakeRepo) Ping(context.Context) error                                    { return f.pingErr }
func (f *fakeRepo) Close() error                                                  { return nil }

type fakeSessions struct {
	mu        sync.Mutex
	startErr  error
	stopErr   error
	snap      *domain.Session
	started   []session.StartParams
	settings  map[string]any
	stopCalls int
}

func (f *fakeSessions) Start(_ context.Context, userID int64, params session.StartParams) (*session.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, params)
	return &session.Credentials{
		RTCToken:    "rtc",
		ChannelName: "agent_421_42_x",
		AppID:       "app",
		UID:         userID,
		RTMToken:    "rtm",
		AgentID:     "A1",
	}, nil
}

func (f *fakeSessions) Stop(context.Context, int64) (*session.StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return &session.StopResult{AgentID: "A1", SecondsRemaining: 25, Terminated: true}, nil
}

func (f *fakeSessions) UpdateSettings(_ context.Context, _ int64, settings map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap == nil {
		return session.ErrNotFound
	}
	f.settings = settings
	return nil
}

func (f *fakeSessions) Snapshot(int64) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap == nil {
		return domain.Session{}, session.ErrNotFound
	}
	return *f.snap, nil
}

func newTestAuth() *identity.Authenticator {
	auth, err := identity.NewAuthenticator("test-secret", time.Hour)
	if err != nil {
		panic(err)
	}
	return auth
}
