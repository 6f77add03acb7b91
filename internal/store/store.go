// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/nitin4real/llm/internal/domain"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
)

// Repository defines the interface for persisting users and their agent
// metadata.
type Repository interface {
	// CreateUser inserts a new user with a bcrypt hash of password.
	CreateUser(ctx context.Context, user *domain.User, password string) error

	// Authenticate checks the password and stamps last_login_at.
	Authenticate(ctx context.Context, uid int64, password string) (*domain.User, error)

	// GetUser returns nil, nil when the user does not exist.
	GetUser(ctx context.Context, uid int64) (*domain.User, error)

	// AddPlatformUsage adds consumed seconds to the user's usage total.
	AddPlatformUsage(ctx context.Context, uid int64, seconds float64) error

	// GetUserMetadata returns nil, nil when no metadata exists.
	GetUserMetadata(ctx context.Context, uid int64) (*domain.UserMetadata, error)

	// UpsertUserMetadata creates or replaces a user's metadata.
	UpsertUserMetadata(ctx context.Context, m *domain.UserMetadata) error

	// UpdateRemainingSeconds writes back the budget, floored at zero.
	UpdateRemainingSeconds(ctx context.Context, uid int64, seconds float64) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
