package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/nitin4real/llm/internal/domain"
	"github.com/nitin4real/llm/internal/shared"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		uid INTEGER PRIMARY KEY,
		password_hash TEXT NOT NULL,
		agent_name TEXT NOT NULL DEFAULT '',
		platform_usage_seconds REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_login_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_metadata (
		uid INTEGER PRIMARY KEY,
		language_code TEXT NOT NULL DEFAULT '',
		voice_id TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		intro TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT '',
		tts_api_key TEXT NOT NULL DEFAULT '',
		tts_stability REAL NOT NULL DEFAULT 0,
		tts_similarity REAL NOT NULL DEFAULT 0,
		tts_speed REAL NOT NULL DEFAULT 0,
		remaining_seconds REAL NOT NULL DEFAULT 0,
		brand_name TEXT NOT NULL DEFAULT '',
		brand_logo TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateUser inserts a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.LastLoginAt.IsZero() {
		user.LastLoginAt = now
	}

	query := `
	INSERT INTO users (uid, password_hash, agent_name, platform_usage_seconds, created_at, last_login_at)
	VALUES (?, ?, ?, 0, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		user.UID, string(hash), user.AgentName,
		user.CreatedAt.Unix(), user.LastLoginAt.Unix(),
	)
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return fmt.Errorf("create user %d: %w", user.UID, ErrUserExists)
		}
		return fmt.Errorf("create user: %w", err)
	}
	user.PasswordHash = string(hash)
	return nil
}

// Authenticate verifies the password for uid.
func (s *SQLiteStore) Authenticate(ctx context.Context, uid int64, password string) (*domain.User, error) {
	user, err := s.GetUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("authenticate %d: %w", uid, ErrUserNotFound)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("authenticate %d: %w", uid, ErrInvalidCredentials)
	}

	user.LastLoginAt = time.Now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ? WHERE uid = ?`,
		user.LastLoginAt.Unix(), uid,
	); err != nil {
		slog.Warn("Failed to stamp last login", "user_id", uid, "error", err)
	}
	return user, nil
}

// GetUser retrieves a user by uid.
func (s *SQLiteStore) GetUser(ctx context.Context, uid int64) (*domain.User, error) {
	query := `
		SELECT uid, password_hash, agent_name, platform_usage_seconds, created_at, last_login_at
		FROM users WHERE uid = ?`

	var user domain.User
	var createdAt, lastLogin int64
	err := s.db.QueryRowContext(ctx, query, uid).Scan(
		&user.UID, &user.PasswordHash, &user.AgentName,
		&user.PlatformUsageSeconds, &createdAt, &lastLogin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = time.Unix(createdAt, 0)
	user.LastLoginAt = time.Unix(lastLogin, 0)
	return &user, nil
}

// AddPlatformUsage adds consumed seconds to the user's total.
func (s *SQLiteStore) AddPlatformUsage(ctx context.Context, uid int64, seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	return withBusyRetry(ctx, "add platform usage", uid, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE users SET platform_usage_seconds = platform_usage_seconds + ? WHERE uid = ?`,
			seconds, uid)
		if err != nil {
			return fmt.Errorf("update platform usage: %w", err)
		}
		return requireRow(result, uid)
	})
}

// GetUserMetadata retrieves the agent metadata for uid.
func (s *SQLiteStore) GetUserMetadata(ctx context.Context, uid int64) (*domain.UserMetadata, error) {
	query := `
		SELECT uid, language_code, voice_id, prompt, intro, agent_name,
		       tts_api_key, tts_stability, tts_similarity, tts_speed,
		       remaining_seconds, brand_name, brand_logo
		FROM user_metadata WHERE uid = ?`

	var m domain.UserMetadata
	err := s.db.QueryRowContext(ctx, query, uid).Scan(
		&m.UID, &m.LanguageCode, &m.VoiceID, &m.Prompt, &m.Intro, &m.AgentName,
		&m.TTSAPIKey, &m.TTSStability, &m.TTSSimilarity, &m.TTSSpeed,
		&m.RemainingSeconds, &m.BrandName, &m.BrandLogo,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user metadata row: %w", err)
	}
	return &m, nil
}

// UpsertUserMetadata creates or replaces metadata for m.UID.
func (s *SQLiteStore) UpsertUserMetadata(ctx context.Context, m *domain.UserMetadata) error {
	query := `
	INSERT INTO user_metadata (
		uid, language_code, voice_id, prompt, intro, agent_name,
		tts_api_key, tts_stability, tts_similarity, tts_speed,
		remaining_seconds, brand_name, brand_logo, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(uid) DO UPDATE SET
		language_code = excluded.language_code,
		voice_id = excluded.voice_id,
		prompt = excluded.prompt,
		intro = excluded.intro,
		agent_name = excluded.agent_name,
		tts_api_key = excluded.tts_api_key,
		tts_stability = excluded.tts_stability,
		tts_similarity = excluded.tts_similarity,
		tts_speed = excluded.tts_speed,
		remaining_seconds = excluded.remaining_seconds,
		brand_name = excluded.brand_name,
		brand_logo = excluded.brand_logo,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		m.UID, m.LanguageCode, m.VoiceID, m.Prompt, m.Intro, m.AgentName,
		m.TTSAPIKey, m.TTSStability, m.TTSSimilarity, m.TTSSpeed,
		math.Max(m.RemainingSeconds, 0), m.BrandName, m.BrandLogo, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user metadata: %w", err)
	}
	return nil
}

// UpdateRemainingSeconds writes back the budget, floored at zero.
func (s *SQLiteStore) UpdateRemainingSeconds(ctx context.Context, uid int64, seconds float64) error {
	seconds = math.Max(seconds, 0)
	return withBusyRetry(ctx, "update remaining seconds", uid, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE user_metadata SET remaining_seconds = ?, updated_at = ? WHERE uid = ?`,
			seconds, time.Now().Unix(), uid)
		if err != nil {
			return fmt.Errorf("update remaining seconds: %w", err)
		}
		return requireRow(result, uid)
	})
}

func requireRow(result sql.Result, uid int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("Update affected 0 rows", "user_id", uid)
		return ErrUserNotFound
	}
	return nil
}
