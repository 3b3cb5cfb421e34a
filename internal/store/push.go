package store

import (
	"context"
	"fmt"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/database"
	"github.com/dukerupert/logix/internal/model"
)

type PushStore struct {
	db database.DBTX
}

func NewPushStore(db database.DBTX) *PushStore {
	return &PushStore{db: db}
}

const pushCols = `id, user_id, endpoint, p256dh_key, auth_key, device_name, created_at`

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := scanner.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.DeviceName, &sub.CreatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Subscribe stores a browser subscription for userID. Re-subscribing the
// same endpoint refreshes its keys and moves it to userID.
func (s *PushStore) Subscribe(ctx context.Context, userID int64, endpoint, p256dh, auth, deviceName string) (*model.PushSubscription, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh_key, auth_key, device_name)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   user_id = excluded.user_id,
		   p256dh_key = excluded.p256dh_key,
		   auth_key = excluded.auth_key,
		   device_name = excluded.device_name`,
		userID, endpoint, p256dh, auth, deviceName,
	)
	if err != nil {
		return nil, fmt.Errorf("create push subscription: %w", err)
	}

	// LastInsertId is not reliable on the upsert path; re-query by endpoint.
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+pushCols+` FROM push_subscriptions WHERE endpoint = ?`, endpoint,
	))
	if err != nil {
		return nil, fmt.Errorf("read push subscription: %w", err)
	}
	return sub, nil
}

func (s *PushStore) ListByUser(ctx context.Context, userID int64) ([]model.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pushCols+` FROM push_subscriptions WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.PushSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// Delete removes one of userID's subscriptions.
func (s *PushStore) Delete(ctx context.Context, id, userID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *PushStore) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint); err != nil {
		return fmt.Errorf("delete push subscription by endpoint: %w", err)
	}
	return nil
}
