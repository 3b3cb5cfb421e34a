package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/model"
	"github.com/dukerupert/logix/internal/store"
)

// TokenManager issues and verifies opaque session tokens. Each user holds
// at most one live token.
type TokenManager struct {
	sessions *store.SessionStore
	users    *store.UserStore
}

func NewTokenManager(sessions *store.SessionStore, users *store.UserStore) *TokenManager {
	return &TokenManager{sessions: sessions, users: users}
}

// TTL is the lifetime of issued tokens.
func (m *TokenManager) TTL() time.Duration {
	return m.sessions.TTL()
}

// Issue creates a new token for the user, invalidating any previous one.
func (m *TokenManager) Issue(ctx context.Context, userID int64) (*model.Session, error) {
	sess, err := m.sessions.Create(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return sess, nil
}

// Verify resolves a token to its user. Empty, unknown and expired tokens
// all return apperr.ErrUnauthenticated.
func (m *TokenManager) Verify(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, apperr.ErrUnauthenticated
	}
	sess, err := m.sessions.GetByToken(ctx, token)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	u, err := m.users.GetByID(ctx, sess.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("load token user: %w", err)
	}
	return u, nil
}

// Revoke drops the user's session. Revoking twice is harmless.
func (m *TokenManager) Revoke(ctx context.Context, userID int64) error {
	if err := m.sessions.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// DeleteExpired purges sessions past their expiry.
func (m *TokenManager) DeleteExpired(ctx context.Context) (int64, error) {
	return m.sessions.DeleteExpired(ctx)
}
