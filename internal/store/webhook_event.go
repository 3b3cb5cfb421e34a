package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/database"
	"github.com/dukerupert/logix/internal/model"
)

type WebhookEventStore struct {
	db database.DBTX
}

func NewWebhookEventStore(db database.DBTX) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

func scanWebhookEvent(scanner interface{ Scan(...any) error }) (*model.WebhookEvent, error) {
	var e model.WebhookEvent
	err := scanner.Scan(&e.ID, &e.Provider, &e.EventID, &e.EventType, &e.ExternalReference, &e.Status, &e.Outcome, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const webhookEventCols = `id, provider, event_id, event_type, external_reference, status, outcome, created_at`

// Record stores a delivery keyed by (provider, event_id). It returns
// (0, false, nil) when the event was already recorded.
func (s *WebhookEventStore) Record(ctx context.Context, e model.WebhookEvent) (int64, bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (provider, event_id, event_type, external_reference, status, outcome)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, event_id) DO NOTHING`,
		e.Provider, e.EventID, e.EventType, e.ExternalReference, e.Status, e.Outcome,
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("last insert id: %w", err)
	}
	return id, true, nil
}

func (s *WebhookEventStore) SetOutcome(ctx context.Context, id int64, outcome string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhook_events SET outcome = ? WHERE id = ?`, outcome, id)
	if err != nil {
		return fmt.Errorf("set webhook event outcome: %w", err)
	}
	return nil
}

func (s *WebhookEventStore) Get(ctx context.Context, provider, eventID string) (*model.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webhookEventCols+` FROM webhook_events WHERE provider = ? AND event_id = ?`,
		provider, eventID,
	)
	e, err := scanWebhookEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return e, nil
}

func (s *WebhookEventStore) CountByReference(ctx context.Context, ref string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE external_reference = ?`, ref).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count webhook events: %w", err)
	}
	return n, nil
}
