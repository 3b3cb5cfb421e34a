// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      string
	DBPath    string
	BaseURL   string
	LogLevel  string
	LogFormat string

	SessionTTL   time.Duration
	CookieSecure bool

	PriceCents      int64
	Currency        string
	ProductTitle    string
	DefaultProvider string

	StripeSecretKey     string
	StripeWebhookSecret string

	MercadoPagoAccessToken   string
	MercadoPagoWebhookSecret string

	PostmarkToken string
	FromEmail     string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	BackupS3Endpoint    string
	BackupS3Bucket      string
	BackupS3Region      string
	BackupS3AccessKey   string
	BackupS3SecretKey   string
	BackupPassphrase    string
	BackupInterval      time.Duration
	BackupRetentionDays int
}

// Load reads .env files (missing files are fine; existing environment
// variables win) and parses the environment.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv parses settings through getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		Port:                     env("LOGIX_PORT", "8080"),
		DBPath:                   env("LOGIX_DB_PATH", "logix.db"),
		LogLevel:                 env("LOGIX_LOG_LEVEL", "info"),
		LogFormat:                env("LOGIX_LOG_FORMAT", "text"),
		Currency:                 strings.ToLower(env("LOGIX_CURRENCY", "usd")),
		ProductTitle:             env("LOGIX_PRODUCT_TITLE", "LogixAI logo generation"),
		DefaultProvider:          env("LOGIX_DEFAULT_PROVIDER", "stripe"),
		StripeSecretKey:          getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:      getenv("STRIPE_WEBHOOK_SECRET"),
		MercadoPagoAccessToken:   getenv("MERCADOPAGO_ACCESS_TOKEN"),
		MercadoPagoWebhookSecret: getenv("MERCADOPAGO_WEBHOOK_SECRET"),
		PostmarkToken:            getenv("LOGIX_POSTMARK_TOKEN"),
		FromEmail:                getenv("LOGIX_FROM_EMAIL"),
		VAPIDPublicKey:           getenv("LOGIX_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:          getenv("LOGIX_VAPID_PRIVATE_KEY"),
		VAPIDSubscriber:          getenv("LOGIX_VAPID_SUBSCRIBER"),
		BackupS3Endpoint:         getenv("LOGIX_BACKUP_S3_ENDPOINT"),
		BackupS3Bucket:           getenv("LOGIX_BACKUP_S3_BUCKET"),
		BackupS3Region:           env("LOGIX_BACKUP_S3_REGION", "us-east-1"),
		BackupS3AccessKey:        getenv("LOGIX_BACKUP_S3_ACCESS_KEY"),
		BackupS3SecretKey:        getenv("LOGIX_BACKUP_S3_SECRET_KEY"),
		BackupPassphrase:         getenv("LOGIX_BACKUP_PASSPHRASE"),
	}
	cfg.BaseURL = strings.TrimRight(env("LOGIX_BASE_URL", "http://localhost:"+cfg.Port), "/")

	var err error
	if cfg.SessionTTL, err = time.ParseDuration(env("LOGIX_SESSION_TTL", "720h")); err != nil {
		return Config{}, fmt.Errorf("LOGIX_SESSION_TTL: %w", err)
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("LOGIX_SESSION_TTL must be positive")
	}
	if cfg.CookieSecure, err = strconv.ParseBool(env("LOGIX_COOKIE_SECURE", "true")); err != nil {
		return Config{}, fmt.Errorf("LOGIX_COOKIE_SECURE: %w", err)
	}
	if cfg.PriceCents, err = strconv.ParseInt(env("LOGIX_PRICE_CENTS", "999"), 10, 64); err != nil {
		return Config{}, fmt.Errorf("LOGIX_PRICE_CENTS: %w", err)
	}
	if cfg.PriceCents <= 0 {
		return Config{}, fmt.Errorf("LOGIX_PRICE_CENTS must be positive")
	}
	if cfg.BackupInterval, err = time.ParseDuration(env("LOGIX_BACKUP_INTERVAL", "24h")); err != nil {
		return Config{}, fmt.Errorf("LOGIX_BACKUP_INTERVAL: %w", err)
	}
	if cfg.BackupInterval <= 0 {
		return Config{}, fmt.Errorf("LOGIX_BACKUP_INTERVAL must be positive")
	}
	if cfg.BackupRetentionDays, err = strconv.Atoi(env("LOGIX_BACKUP_RETENTION_DAYS", "30")); err != nil {
		return Config{}, fmt.Errorf("LOGIX_BACKUP_RETENTION_DAYS: %w", err)
	}
	if cfg.BackupRetentionDays <= 0 {
		return Config{}, fmt.Errorf("LOGIX_BACKUP_RETENTION_DAYS must be positive")
	}
	switch cfg.DefaultProvider {
	case "stripe", "mercadopago":
	default:
		return Config{}, fmt.Errorf("LOGIX_DEFAULT_PROVIDER: unknown provider %q", cfg.DefaultProvider)
	}

	return cfg, nil
}
