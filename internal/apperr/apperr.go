// Package apperr defines the error kinds shared by the stores, services and
// HTTP handlers, and maps them to HTTP status codes.
package apperr

import (
	"errors"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrPaymentRequired = errors.New("payment required")
	ErrDuplicate       = errors.New("already exists")
	ErrInvalid         = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrBadPassword     = errors.New("invalid username or password")
	ErrSignature       = errors.New("invalid signature")
	ErrUpstream        = errors.New("upstream provider failure")
	ErrTooLarge        = errors.New("payload too large")
)

// ValidationError carries per-field messages for rejected input.
// It unwraps to ErrInvalid.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid input: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Status returns the HTTP status code for err. Unknown errors are 500.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrBadPassword):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPaymentRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrSignature):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing message for err. Internal failures get
// a generic message so driver or provider detail never leaks.
func Message(err error) string {
	if Status(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrInvalid.Error()
	}
	for _, kind := range []error{
		ErrUnauthenticated, ErrPaymentRequired, ErrDuplicate, ErrBadPassword,
		ErrSignature, ErrInvalid, ErrNotFound, ErrUpstream, ErrTooLarge,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return err.Error()
}
