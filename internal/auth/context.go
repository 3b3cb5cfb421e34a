package auth

import (
	"context"

	"github.com/dukerupert/logix/internal/model"
)

type contextKey struct{}

// WithUser stores the authenticated user in ctx.
func WithUser(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// UserFromContext returns the user stored by WithUser.
func UserFromContext(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(contextKey{}).(*model.User)
	return u, ok && u != nil
}

// UserID returns the authenticated user's id, or 0.
func UserID(ctx context.Context) int64 {
	u, ok := UserFromContext(ctx)
	if !ok {
		return 0
	}
	return u.ID
}
