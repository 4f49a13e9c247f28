// Package store provides PostgreSQL-backed persistence for users, sessions,
// and chat messages. It is the authoritative source the in-memory session
// cache is reconciled against: the cache may lag this store by up to one
// reconciliation interval, never the other way around.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// SessionTTL is how long a minted session token stays valid.
const SessionTTL = 7 * 24 * time.Hour

// ErrNotFound is returned when a lookup matches no row, including session
// tokens that exist but have expired.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert loses to a uniqueness constraint.
var ErrDuplicate = errors.New("store: duplicate")

// uniqueViolation is the Postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

// User is the server-resolved identity attached to every accepted message.
type User struct {
	ID       int64
	Username string
}

// Account is a user row including credentials, used only by the auth flow.
type Account struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Message is a persisted chat message joined with its author's username.
type Message struct {
	ID        int64     `json:"message_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps the database handle with the queries the relay and auth
// surfaces need. The underlying pool is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL using the given DSN and verifies the
// connection before returning.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// New wraps an existing database handle. Used by tests.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Session gateway — consumed by the relay and the reconciler.
// ---------------------------------------------------------------------------

// ResolveSession maps a session token to its user. Expired tokens resolve to
// ErrNotFound even if the row still exists; the reconciler deletes such rows
// on its next cycle.
func (s *Store) ResolveSession(ctx context.Context, token string) (*User, error) {
	const query = `
		SELECT u.id, u.username
		FROM users u
		JOIN sessions s ON u.id = s.user_id
		WHERE s.token = $1 AND s.expires_at > NOW()`

	var u User
	err := s.db.QueryRowContext(ctx, query, token).Scan(&u.ID, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: resolve session: %w", err)
	}
	return &u, nil
}

// SaveMessage persists an accepted chat message.
func (s *Store) SaveMessage(ctx context.Context, userID int64, content string) error {
	const query = `INSERT INTO messages (user_id, content) VALUES ($1, $2)`
	if _, err := s.db.ExecContext(ctx, query, userID, content); err != nil {
		return fmt.Errorf("store: save message: %w", err)
	}
	return nil
}

// ListValidTokens returns every non-expired session token. The reconciler
// swaps this set into the cache wholesale.
func (s *Store) ListValidTokens(ctx context.Context) ([]string, error) {
	const query = `SELECT token FROM sessions WHERE expires_at > NOW()`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list valid tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("store: scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list valid tokens: %w", err)
	}
	return tokens, nil
}

// DeleteExpiredSessions removes sessions past their expiry and returns how
// many rows were deleted.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	const query = `DELETE FROM sessions WHERE expires_at < NOW()`

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete expired sessions: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Auth surface — consumed by the register/login/logout handlers.
// ---------------------------------------------------------------------------

// CreateUser inserts a new user row and returns its ID. The password must
// already be hashed. A username that already exists returns ErrDuplicate;
// the unique index is the arbiter, so two concurrent registrations of the
// same name resolve to exactly one winner.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (int64, error) {
	const query = `INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, username, passwordHash).Scan(&id); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("store: create user: %w", err)
	}
	return id, nil
}

// FindUserByUsername returns the full account row for a username, or
// ErrNotFound.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*Account, error) {
	const query = `SELECT id, username, password_hash, created_at FROM users WHERE username = $1`

	var a Account
	err := s.db.QueryRowContext(ctx, query, username).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	return &a, nil
}

// CreateSession mints a fresh token for the user, valid for SessionTTL, and
// stores it. The caller is responsible for inserting the token into the
// session cache.
func (s *Store) CreateSession(ctx context.Context, userID int64) (string, error) {
	token := uuid.New().String()
	expiresAt := time.Now().Add(SessionTTL)

	const query = `INSERT INTO sessions (token, user_id, expires_at) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, token, userID, expiresAt); err != nil {
		return "", fmt.Errorf("store: create session: %w", err)
	}
	return token, nil
}

// DeleteSession removes a session row on explicit logout.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	const query = `DELETE FROM sessions WHERE token = $1`
	if _, err := s.db.ExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// History — consumed by the chat history endpoint.
// ---------------------------------------------------------------------------

// MessageHistory returns up to limit persisted messages from the start of
// the log, oldest first, each joined with its author's username. With more
// rows than limit the newest ones are the ones cut off.
func (s *Store) MessageHistory(ctx context.Context, limit int) ([]Message, error) {
	const query = `
		SELECT m.id, m.user_id, u.username, m.content, m.created_at
		FROM messages m
		JOIN users u ON m.user_id = u.id
		ORDER BY m.created_at ASC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: message history: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Username, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: message history: %w", err)
	}
	return messages, nil
}
