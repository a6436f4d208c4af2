package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/salesrelay/salesrelay/pkg/logging"
)

// DefaultHistoryLimit bounds how much history feeds a completion prompt.
const DefaultHistoryLimit = 10

// DefaultLanguage is assigned to new users and used as the classification fallback.
const DefaultLanguage = "en"

// Message roles persisted in chat_history. The system role is synthesized
// at prompt-assembly time and never stored.
const (
	RoleUser = "user"
	RoleAI   = "ai"
)

// ErrUserNotFound is returned when no user row matches the channel identity.
var ErrUserNotFound = errors.New("store: user not found")

// PgxPool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Message is one persisted chat_history row.
type Message struct {
	Role    string
	Content string
}

// UserProfile carries the per-user fields consumed at prompt-assembly time.
type UserProfile struct {
	DisplayName string
	Language    string
}

// Store persists users and chat history in Postgres/TimescaleDB. Each
// operation borrows a pooled connection for exactly one unit of work;
// operations are not transactionally linked to each other.
type Store struct {
	pool   PgxPool
	logger *logging.Logger
}

func NewStore(pool PgxPool, logger *logging.Logger) *Store {
	if pool == nil {
		panic("store: pool cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// EnsureSchema creates the two tables and the chat_history hypertable if
// absent. Safe to call on every process start. On plain Postgres without
// the timescaledb extension the hypertable step degrades to a warning.
func (s *Store) EnsureSchema(ctx context.Context) error {
	usersDDL := `
		CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			whatsapp_id TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT 'en'
		)
	`
	if _, err := s.pool.Exec(ctx, usersDDL); err != nil {
		return fmt.Errorf("store: create users table: %w", err)
	}

	historyDDL := `
		CREATE TABLE IF NOT EXISTS chat_history (
			id BIGSERIAL,
			user_id TEXT NOT NULL,
			message_role TEXT NOT NULL,
			message_content TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (id, timestamp)
		)
	`
	if _, err := s.pool.Exec(ctx, historyDDL); err != nil {
		return fmt.Errorf("store: create chat_history table: %w", err)
	}

	hypertable := `SELECT create_hypertable('chat_history', 'timestamp', if_not_exists => TRUE)`
	if _, err := s.pool.Exec(ctx, hypertable); err != nil {
		var pgErr *pgconn.PgError
		// 42883 undefined_function: timescaledb extension not installed.
		if errors.As(err, &pgErr) && pgErr.Code == "42883" {
			s.logger.Warn("timescaledb extension unavailable, chat_history stays a plain table", "error", err)
			return nil
		}
		return fmt.Errorf("store: create chat_history hypertable: %w", err)
	}
	return nil
}

// SaveMessage appends one message for the given channel identity. The
// timestamp is assigned server-side.
func (s *Store) SaveMessage(ctx context.Context, userKey, role, content string) error {
	query := `
		INSERT INTO chat_history (user_id, message_role, message_content)
		VALUES ($1, $2, $3)
	`
	if _, err := s.pool.Exec(ctx, query, userKey, role, content); err != nil {
		return fmt.Errorf("store: save message: %w", err)
	}
	return nil
}

// RecentHistory returns up to limit most recent messages for userKey in
// chronological order. Non-positive limits fall back to DefaultHistoryLimit.
func (s *Store) RecentHistory(ctx context.Context, userKey string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	query := `
		SELECT message_role, message_content FROM chat_history
		WHERE user_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, userKey, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch history: %w", err)
	}
	defer rows.Close()

	var history []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate history: %w", err)
	}

	// The query reads newest-first; callers need oldest-first.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// UserExists reports whether a user row with the channel identity exists.
func (s *Store) UserExists(ctx context.Context, userKey string) (bool, error) {
	query := `SELECT 1 FROM users WHERE whatsapp_id = $1`
	var one int
	if err := s.pool.QueryRow(ctx, query, userKey).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: check user exists: %w", err)
	}
	return true, nil
}

// CreateUser inserts a user with the default language. A concurrent insert
// for the same identity is treated as an idempotent success.
func (s *Store) CreateUser(ctx context.Context, userKey, displayName string) error {
	query := `
		INSERT INTO users (whatsapp_id, name)
		VALUES ($1, $2)
		ON CONFLICT (whatsapp_id) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, userKey, displayName); err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// UpdateUserLanguage sets the stored language tag. No-op when no row matches.
func (s *Store) UpdateUserLanguage(ctx context.Context, userKey, language string) error {
	query := `UPDATE users SET language = $1 WHERE whatsapp_id = $2`
	if _, err := s.pool.Exec(ctx, query, language, userKey); err != nil {
		return fmt.Errorf("store: update user language: %w", err)
	}
	return nil
}

// FetchUserProfile returns the display name and language for userKey.
func (s *Store) FetchUserProfile(ctx context.Context, userKey string) (UserProfile, error) {
	query := `SELECT name, language FROM users WHERE whatsapp_id = $1`
	var profile UserProfile
	if err := s.pool.QueryRow(ctx, query, userKey).Scan(&profile.DisplayName, &profile.Language); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UserProfile{}, ErrUserNotFound
		}
		return UserProfile{}, fmt.Errorf("store: fetch user profile: %w", err)
	}
	return profile, nil
}
