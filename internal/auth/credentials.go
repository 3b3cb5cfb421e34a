// Package auth holds account credentials, session tokens and the
// request-scoped authenticated user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/model"
	"github.com/dukerupert/logix/internal/store"
)

const (
	minUsernameLen = 3
	minPasswordLen = 6
)

// Credentials creates accounts and checks passwords.
type Credentials struct {
	users *store.UserStore
	cost  int

	dummyOnce sync.Once
	dummyHash []byte
}

type CredentialsOption func(*Credentials)

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) CredentialsOption {
	return func(c *Credentials) { c.cost = cost }
}

func NewCredentials(users *store.UserStore, opts ...CredentialsOption) *Credentials {
	c := &Credentials{users: users, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate checks signup input and returns a *apperr.ValidationError
// listing every offending field.
func Validate(username, email, password string) error {
	fields := map[string]string{}

	switch {
	case username == "":
		fields["username"] = "Username is required"
	case len(username) < minUsernameLen:
		fields["username"] = "Username must be at least 3 characters"
	}

	switch {
	case email == "":
		fields["email"] = "Email is required"
	case !strings.Contains(email, "@"):
		fields["email"] = "Invalid email format"
	}

	switch {
	case password == "":
		fields["password"] = "Password is required"
	case len(password) < minPasswordLen:
		fields["password"] = "Password must be at least 6 characters"
	}

	if len(fields) > 0 {
		return &apperr.ValidationError{Fields: fields}
	}
	return nil
}

// CreateUser validates input, hashes the password and stores the account.
// Collisions on username or email return a *store.DuplicateError.
func (c *Credentials) CreateUser(ctx context.Context, username, email, password string) (*model.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if err := Validate(username, email, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u, err := c.users.Create(ctx, username, email, string(hash))
	if err != nil {
		return nil, err
	}
	return u, nil
}

// VerifyCredentials returns the user when password matches. Unknown users
// return apperr.ErrNotFound and wrong passwords apperr.ErrBadPassword; both
// take roughly the same time.
func (c *Credentials) VerifyCredentials(ctx context.Context, username, password string) (*model.User, error) {
	u, err := c.users.GetByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, apperr.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(c.dummy(), []byte(password))
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, apperr.ErrBadPassword
		}
		return nil, fmt.Errorf("compare password: %w", err)
	}
	return u, nil
}

func (c *Credentials) dummy() []byte {
	c.dummyOnce.Do(func() {
		c.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("logix-dummy-password"), c.cost)
	})
	return c.dummyHash
}
