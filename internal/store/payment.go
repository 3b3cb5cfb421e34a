package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/database"
	"github.com/dukerupert/logix/internal/model"
)

// Transition is the result of a guarded status change.
type Transition string

const (
	TransitionApplied   Transition = "applied"
	TransitionUnchanged Transition = "unchanged"
	TransitionRefused   Transition = "downgrade_refused"
)

type PaymentStore struct {
	db  database.DBTX
	now func() time.Time
}

func NewPaymentStore(db database.DBTX) *PaymentStore {
	return &PaymentStore{db: db, now: time.Now}
}

func scanPayment(scanner interface{ Scan(...any) error }) (*model.Payment, error) {
	var p model.Payment
	var sessionID sql.NullString
	err := scanner.Scan(
		&p.ID, &p.UserID, &p.AmountCents, &p.Currency, &p.Status,
		&p.ExternalReference, &p.Provider, &sessionID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		p.ProviderSessionID = &sessionID.String
	}
	return &p, nil
}

const paymentCols = `id, user_id, amount_cents, currency, status, external_reference, provider, provider_session_id, created_at, updated_at`

// Create records a pending payment with a fresh external reference. It must
// run before the provider is contacted so the reference can be sent along.
func (s *PaymentStore) Create(ctx context.Context, userID, amountCents int64, currency string) (*model.Payment, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", apperr.ErrInvalid)
	}
	ref := uuid.NewString()
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (user_id, amount_cents, currency, status, external_reference, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, amountCents, strings.ToLower(currency), model.PaymentPending, ref, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("read payment: %w", err)
	}
	return p, nil
}

func (s *PaymentStore) GetByReference(ctx context.Context, ref string) (*model.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE external_reference = ?`, ref)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment by reference: %w", err)
	}
	return p, nil
}

func (s *PaymentStore) ListByUser(ctx context.Context, userID int64) ([]model.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// HasApproved reports whether the user owns at least one approved payment.
func (s *PaymentStore) HasApproved(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE user_id = ? AND status = ?)`,
		userID, model.PaymentApproved,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check approved payment: %w", err)
	}
	return ok, nil
}

// TransitionStatus sets the status unconditionally (last write wins).
// Setting the current status again is a no-op.
func (s *PaymentStore) TransitionStatus(ctx context.Context, ref, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, updated_at = ? WHERE external_reference = ? AND status != ?`,
		status, s.now().UTC(), ref, status,
	)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetByReference(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile applies status when model.CanTransition allows the move from
// the stored status. The check and the write are one statement, so
// concurrent deliveries cannot interleave.
func (s *PaymentStore) Reconcile(ctx context.Context, ref, status string) (Transition, error) {
	query := `UPDATE payments SET status = ?, updated_at = ? WHERE external_reference = ? AND status != ?`
	args := []any{status, s.now().UTC(), ref, status}

	// Only terminal statuses can block a move.
	var blocked []any
	for _, from := range model.TerminalStatuses {
		if from != status && !model.CanTransition(from, status) {
			blocked = append(blocked, from)
		}
	}
	if len(blocked) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(blocked)), ", ")
		query += ` AND status NOT IN (` + placeholders + `)`
		args = append(args, blocked...)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("reconcile payment status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return TransitionApplied, nil
	}

	p, err := s.GetByReference(ctx, ref)
	if err != nil {
		return "", err
	}
	if p.Status == status {
		return TransitionUnchanged, nil
	}
	return TransitionRefused, nil
}

// SetProviderSession records the provider-side checkout id for a payment.
func (s *PaymentStore) SetProviderSession(ctx context.Context, ref, provider, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE payments SET provider = ?, provider_session_id = ?, updated_at = ? WHERE external_reference = ?`,
		provider, sessionID, s.now().UTC(), ref,
	)
	if err != nil {
		return fmt.Errorf("set provider session: %w", err)
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
