package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/logix/internal/model"
)

const TypePaymentStatus = "payment_status"

// Message is a notification pushed to one user's connections.
type Message struct {
	Type              string `json:"type"`
	ExternalReference string `json:"external_reference,omitempty"`
	Status            string `json:"status,omitempty"`
	HasValidPayment   bool   `json:"has_valid_payment"`
}

// NewPaymentMessage describes a status change of p.
func NewPaymentMessage(p *model.Payment, entitled bool) Message {
	return Message{
		Type:              TypePaymentStatus,
		ExternalReference: p.ExternalReference,
		Status:            p.Status,
		HasValidPayment:   entitled,
	}
}

// Hub tracks active WebSocket clients per user.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
		logger:  logger.With("component", "websocket"),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.userID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

// Notify sends msg to every connection of userID and nobody else.
func (h *Hub) Notify(userID int64, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal notification", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[userID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("client buffer full, dropping message", "user_id", userID, "type", msg.Type)
		}
	}
}

// PaymentStatusChanged pushes a payment_status message to the payment's owner.
func (h *Hub) PaymentStatusChanged(_ context.Context, p *model.Payment, entitled bool) {
	h.Notify(p.UserID, NewPaymentMessage(p, entitled))
}

// ClientCount returns the number of connections held by userID.
func (h *Hub) ClientCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
