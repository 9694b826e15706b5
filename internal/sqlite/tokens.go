// Package sqlite implements auth.Verifier against a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/forumlab/pushgate/internal/auth"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	username   TEXT    NOT NULL UNIQUE,
	token      TEXT    NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_token ON users (token);
`

// TokenStore implements auth.Verifier using a users table keyed by API
// token.
type TokenStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path, verifies the
// connection, and ensures the users schema exists. The caller should call
// Close when the store is no longer needed.
func Open(path string) (*TokenStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &TokenStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *TokenStore) Close() error {
	return s.db.Close()
}

// Verify resolves token to the identity that owns it. Returns
// auth.ErrInvalidToken for unknown tokens.
func (s *TokenStore) Verify(ctx context.Context, token string) (*auth.Identity, error) {
	if token == "" {
		return nil, auth.ErrInvalidToken
	}

	var id auth.Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username FROM users WHERE token = ?`, token,
	).Scan(&id.UserID, &id.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("query token: %w", err)
	}
	return &id, nil
}

// CreateUser provisions a user with a freshly generated API token and
// returns the token. Usernames are unique.
func (s *TokenStore) CreateUser(ctx context.Context, username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", fmt.Errorf("username is required")
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, token, created_at) VALUES (?, ?, ?)`,
		username, token, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert user: %w", err)
	}
	return token, nil
}
