package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/database"
	"github.com/dukerupert/logix/internal/model"
)

// DefaultSessionTTL is used when a SessionStore is created with a zero TTL.
const DefaultSessionTTL = 30 * 24 * time.Hour

type SessionStore struct {
	db  database.DBTX
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(db database.DBTX, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{db: db, ttl: ttl, now: time.Now}
}

// TTL returns the lifetime of newly issued sessions.
func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}

func scanSession(scanner interface{ Scan(...any) error }) (*model.Session, error) {
	var s model.Session
	err := scanner.Scan(&s.ID, &s.Token, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const sessionCols = `id, token, user_id, expires_at, created_at`

func generateToken() (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(tokenBytes), nil
}

// Create issues a fresh crypto-random token for the user. The user's
// previous session, if any, is overwritten in the same statement.
func (s *SessionStore) Create(ctx context.Context, userID int64) (*model.Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   token = excluded.token,
		   expires_at = excluded.expires_at,
		   created_at = excluded.created_at`,
		token, userID, expiresAt, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE user_id = ?`, userID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	return sess, nil
}

// GetByToken returns the live session for token. Unknown, empty and
// expired tokens all yield apperr.ErrNotFound.
func (s *SessionStore) GetByToken(ctx context.Context, token string) (*model.Session, error) {
	if token == "" {
		return nil, apperr.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE token = ? AND expires_at > ?`,
		token, s.now().UTC(),
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session by token: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) DeleteByUserID(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete session by user: %w", err)
	}
	return nil
}

func (s *SessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
