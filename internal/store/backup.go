package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/database"
	"github.com/dukerupert/logix/internal/model"
)

type BackupStore struct {
	db  database.DBTX
	now func() time.Time
}

func NewBackupStore(db database.DBTX) *BackupStore {
	return &BackupStore{db: db, now: time.Now}
}

const backupCols = `id, s3_key, size_bytes, status, error_message, completed_at, created_at`

func scanBackup(scanner interface{ Scan(...any) error }) (*model.Backup, error) {
	var b model.Backup
	var errMsg sql.NullString
	var completedAt sql.NullTime
	if err := scanner.Scan(&b.ID, &b.S3Key, &b.SizeBytes, &b.Status, &errMsg, &completedAt, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.ErrorMessage = errMsg.String
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return &b, nil
}

func (s *BackupStore) Create(ctx context.Context, s3Key string) (*model.Backup, error) {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (s3_key, status, created_at) VALUES (?, ?, ?)`,
		s3Key, model.BackupStatusPending, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create backup: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return &model.Backup{ID: id, S3Key: s3Key, Status: model.BackupStatusPending, CreatedAt: now}, nil
}

func (s *BackupStore) GetByID(ctx context.Context, id int64) (*model.Backup, error) {
	b, err := scanBackup(s.db.QueryRowContext(ctx, `SELECT `+backupCols+` FROM backups WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backup %d: %w", id, err)
	}
	return b, nil
}

// List returns the newest backups first.
func (s *BackupStore) List(ctx context.Context, limit int) ([]model.Backup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+backupCols+` FROM backups ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var backups []model.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

func (s *BackupStore) UpdateStatus(ctx context.Context, id int64, status model.BackupStatus, errorMsg string) error {
	var errPtr *string
	if errorMsg != "" {
		errPtr = &errorMsg
	}
	_, err := s.db.ExecContext(ctx, `UPDATE backups SET status = ?, error_message = ? WHERE id = ?`, status, errPtr, id)
	if err != nil {
		return fmt.Errorf("update backup status: %w", err)
	}
	return nil
}

func (s *BackupStore) UpdateCompleted(ctx context.Context, id, sizeBytes int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE backups SET status = ?, size_bytes = ?, error_message = NULL, completed_at = ? WHERE id = ?`,
		model.BackupStatusCompleted, sizeBytes, s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update backup completed: %w", err)
	}
	return nil
}

// DeleteOlderThan deletes backup rows created before the given time and
// returns their object keys so the objects can be removed too.
func (s *BackupStore) DeleteOlderThan(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s3_key FROM backups WHERE created_at < ?`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("select old backups: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan s3 key: %w", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE created_at < ?`, before.UTC()); err != nil {
		return nil, fmt.Errorf("delete old backups: %w", err)
	}
	return keys, nil
}

func (s *BackupStore) LatestCompleted(ctx context.Context) (*model.Backup, error) {
	b, err := scanBackup(s.db.QueryRowContext(ctx,
		`SELECT `+backupCols+` FROM backups WHERE status = ? ORDER BY completed_at DESC, id DESC LIMIT 1`,
		model.BackupStatusCompleted,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed backup: %w", err)
	}
	return b, nil
}
