package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/auth"
	"github.com/dukerupert/logix/internal/store"
)

type AuthHandler struct {
	creds        *auth.Credentials
	tokens       *auth.TokenManager
	cookieSecure bool
	logger       *slog.Logger
}

func NewAuthHandler(creds *auth.Credentials, tokens *auth.TokenManager, cookieSecure bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		creds:        creds,
		tokens:       tokens,
		cookieSecure: cookieSecure,
		logger:       logger.With("component", "auth"),
	}
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFieldErrors(w, http.StatusBadRequest, map[string]string{"general": "Invalid JSON body"})
		return
	}

	u, err := h.creds.CreateUser(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		var ve *apperr.ValidationError
		var dup *store.DuplicateError
		switch {
		case errors.As(err, &ve):
			writeFieldErrors(w, http.StatusBadRequest, ve.Fields)
		case errors.As(err, &dup):
			writeFieldErrors(w, http.StatusConflict, map[string]string{dup.Field: duplicateMessage(dup.Field)})
		default:
			h.logger.Error("create user", "username", req.Username, "error", err)
			writeFieldErrors(w, http.StatusInternalServerError, map[string]string{"general": "Error creating user"})
		}
		return
	}

	sess, err := h.tokens.Issue(r.Context(), u.ID)
	if err != nil {
		h.logger.Error("issue token", "user_id", u.ID, "error", err)
		writeFieldErrors(w, http.StatusInternalServerError, map[string]string{"general": "Error generating token"})
		return
	}

	h.logger.Info("user signed up", "user_id", u.ID, "username", u.Username)
	http.SetCookie(w, auth.SessionCookie(sess.Token, h.tokens.TTL(), h.cookieSecure))
	writeJSON(w, http.StatusCreated, map[string]string{
		"message":  "Signup successful",
		"token":    sess.Token,
		"username": u.Username,
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFieldErrors(w, http.StatusBadRequest, map[string]string{"general": "Invalid JSON body"})
		return
	}

	fields := map[string]string{}
	if req.Username == "" {
		fields["username"] = "Username is required"
	}
	if req.Password == "" {
		fields["password"] = "Password is required"
	}
	if len(fields) > 0 {
		writeFieldErrors(w, http.StatusBadRequest, fields)
		return
	}

	u, err := h.creds.VerifyCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrBadPassword) {
			h.logger.Warn("login failed", "username", req.Username)
			writeFieldErrors(w, http.StatusUnauthorized, map[string]string{"general": "Invalid username or password"})
			return
		}
		h.logger.Error("verify credentials", "username", req.Username, "error", err)
		writeFieldErrors(w, http.StatusInternalServerError, map[string]string{"general": "Internal server error"})
		return
	}

	sess, err := h.tokens.Issue(r.Context(), u.ID)
	if err != nil {
		h.logger.Error("issue token", "user_id", u.ID, "error", err)
		writeFieldErrors(w, http.StatusInternalServerError, map[string]string{"general": "Error generating token"})
		return
	}

	h.logger.Info("user logged in", "user_id", u.ID)
	http.SetCookie(w, auth.SessionCookie(sess.Token, h.tokens.TTL(), h.cookieSecure))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Login successful",
		"token":   sess.Token,
		"user":    userResponse{Username: u.Username, Email: u.Email},
	})
}

// Logout revokes the caller's session. It runs behind RequireAuth.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Revoke(r.Context(), auth.UserID(r.Context())); err != nil {
		writeError(w, h.logger, err)
		return
	}
	http.SetCookie(w, auth.ClearSessionCookie(h.cookieSecure))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func (h *AuthHandler) Protected(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Welcome, %s! Create your Logo with LogixAI.", u.Username),
	})
}

// Premium is the sample entitlement-gated endpoint.
func (h *AuthHandler) Premium(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Thanks for your purchase, %s! Premium logo generation is unlocked.", u.Username),
	})
}

func duplicateMessage(field string) string {
	if field == "email" {
		return "Email already exists"
	}
	return "Username already exists"
}
