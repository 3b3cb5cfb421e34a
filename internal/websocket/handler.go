package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/logix/internal/auth"
)

// HandleEvents upgrades an authenticated request to a WebSocket that
// receives the caller's payment notifications. originPatterns lists the
// allowed cross-origin hosts; same-origin requests are always accepted.
func HandleEvents(hub *Hub, originPatterns ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserID(r.Context())
		if userID == 0 {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			hub.logger.Warn("accept", "user_id", userID, "error", err)
			return
		}
		defer conn.CloseNow()

		NewClient(hub, conn, userID).Run(r.Context())
	}
}
