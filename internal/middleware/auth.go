package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/auth"
	"github.com/dukerupert/logix/internal/model"
)

// TokenVerifier resolves a session token to its user.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*model.User, error)
}

// EntitlementChecker reports whether a user holds an approved payment.
type EntitlementChecker interface {
	HasApproved(ctx context.Context, userID int64) (bool, error)
}

// RequireAuth validates the session token and stores the user in the
// request context. The cookie token is tried before the bearer token.
// Failures get a 401 JSON error.
func RequireAuth(tokens TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, token := range auth.TokensFromRequest(r) {
				u, err := tokens.Verify(r.Context(), token)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), u)))
					return
				}
				if !errors.Is(err, apperr.ErrUnauthenticated) {
					logger.Error("verify session token", "error", err)
					break
				}
			}
			writeError(w, apperr.ErrUnauthenticated)
		})
	}
}

// RequireEntitlement rejects authenticated users without an approved
// payment with 402. It must run after RequireAuth.
func RequireEntitlement(checker EntitlementChecker, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r.Context())
			if userID == 0 {
				writeError(w, apperr.ErrUnauthenticated)
				return
			}
			ok, err := checker.HasApproved(r.Context(), userID)
			if err != nil {
				logger.Error("check entitlement", "user_id", userID, "error", err)
				writeError(w, err)
				return
			}
			if !ok {
				writeError(w, apperr.ErrPaymentRequired)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.Status(err))
	json.NewEncoder(w).Encode(map[string]string{"error": apperr.Message(err)})
}
