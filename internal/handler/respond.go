package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dukerupert/logix/internal/apperr"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and a {"error": ...} body. Internal
// failures are logged and replaced by a generic message.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": apperr.Message(err)})
}

// writeFieldErrors renders the {"errors": {field: message}} shape used by
// the account endpoints.
func writeFieldErrors(w http.ResponseWriter, status int, fields map[string]string) {
	writeJSON(w, status, map[string]map[string]string{"errors": fields})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
