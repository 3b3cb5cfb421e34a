// Package backup takes encrypted snapshots of the ledger database and keeps
// them in S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/logix/internal/model"
	"github.com/dukerupert/logix/internal/store"
)

var ErrDisabled = errors.New("backup not configured")

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) complete() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type Config struct {
	S3            S3Config
	Passphrase    string
	Prefix        string
	Interval      time.Duration
	RetentionDays int
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
}

// Manager runs scheduled and on-demand backups. A run is skipped while
// another one is in progress.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	status Status
	runMu  sync.Mutex

	db      *sql.DB
	backups *store.BackupStore
	client  s3Client
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, db *sql.DB, logger *slog.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = "logix"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	m := &Manager{
		cfg:     cfg,
		db:      db,
		backups: store.NewBackupStore(db),
		status:  Status{State: StateDisabled},
		logger:  logger.With("component", "backup"),
	}
	if cfg.S3.complete() && cfg.Passphrase != "" {
		m.client = newS3Client(cfg.S3)
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether storage and a passphrase are configured.
func (m *Manager) Enabled() bool {
	return m.Status().State != StateDisabled
}

// Start begins the scheduled backup loop. It is a no-op when disabled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.status.State == StateDisabled {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	interval := m.cfg.Interval
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.RunNow(ctx); err != nil {
					m.logger.Error("scheduled backup failed", "error", err)
				}
				if err := m.Cleanup(ctx); err != nil {
					m.logger.Error("backup cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if s.LastBackup == nil {
		s.LastBackup = m.status.LastBackup
	}
	m.status = s
	m.mu.Unlock()
}

// RunNow snapshots the database, encrypts it and uploads it.
func (m *Manager) RunNow(ctx context.Context) (*model.Backup, error) {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	prefix := m.cfg.Prefix
	passphrase := m.cfg.Passphrase
	m.mu.RUnlock()
	if client == nil {
		return nil, ErrDisabled
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.setStatus(Status{State: StateRunning, InProgress: true})

	key := fmt.Sprintf("%s/backup-%s.db.enc", prefix, time.Now().UTC().Format("2006-01-02T150405.000Z"))
	record, err := m.backups.Create(ctx, key)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return nil, fmt.Errorf("create backup record: %w", err)
	}
	fail := func(step string, err error) (*model.Backup, error) {
		m.backups.UpdateStatus(ctx, record.ID, model.BackupStatusFailed, err.Error())
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	plaintext, err := m.snapshot(ctx)
	if err != nil {
		return fail("snapshot", err)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return fail("salt", err)
	}
	sealed, err := Encrypt(plaintext, passphrase, salt)
	if err != nil {
		return fail("encrypt", err)
	}

	m.backups.UpdateStatus(ctx, record.ID, model.BackupStatusUploading, "")
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return fail("upload to s3", err)
	}

	size := int64(len(sealed))
	if err := m.backups.UpdateCompleted(ctx, record.ID, size); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m.setStatus(Status{State: StateIdle, LastBackup: &now})
	m.logger.Info("backup uploaded", "key", key, "size_bytes", size)

	return m.backups.GetByID(ctx, record.ID)
}

// snapshot returns a consistent copy of the database file.
func (m *Manager) snapshot(ctx context.Context) ([]byte, error) {
	dir, err := os.MkdirTemp("", "logix-backup-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "ledger.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return nil, fmt.Errorf("vacuum into: %w", err)
	}
	return os.ReadFile(path)
}

// Restore downloads backup id, decrypts it, checks its integrity and writes
// it to dstPath. The live database is never touched; the operator swaps the
// file in while the service is stopped.
func (m *Manager) Restore(ctx context.Context, id int64, dstPath string) error {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	passphrase := m.cfg.Passphrase
	m.mu.RUnlock()
	if client == nil {
		return ErrDisabled
	}

	record, err := m.backups.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get backup: %w", err)
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(record.S3Key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	sealed, err := io.ReadAll(result.Body)
	result.Body.Close()
	if err != nil {
		return fmt.Errorf("read backup object: %w", err)
	}

	plaintext, err := Decrypt(sealed, passphrase)
	if err != nil {
		return fmt.Errorf("decrypt backup: %w", err)
	}

	tmp := dstPath + ".restore"
	if err := os.WriteFile(tmp, plaintext, 0600); err != nil {
		return fmt.Errorf("write restored file: %w", err)
	}
	if err := checkIntegrity(ctx, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move restored file: %w", err)
	}

	m.logger.Info("backup restored", "id", id, "path", dstPath)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}
	return nil
}

// Cleanup deletes backups older than the retention period.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	retention := m.cfg.RetentionDays
	m.mu.RUnlock()
	if client == nil {
		return nil
	}

	before := time.Now().UTC().AddDate(0, 0, -retention)
	keys, err := m.backups.DeleteOlderThan(ctx, before)
	if err != nil {
		return fmt.Errorf("delete old backups: %w", err)
	}

	for _, key := range keys {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete backup object", "key", key, "error", err)
		}
	}
	if len(keys) > 0 {
		m.logger.Info("expired backups removed", "count", len(keys))
	}
	return nil
}

// List returns the most recent backups, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]model.Backup, error) {
	return m.backups.List(ctx, limit)
}
