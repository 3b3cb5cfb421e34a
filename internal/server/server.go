package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/logix/internal/auth"
	"github.com/dukerupert/logix/internal/backup"
	"github.com/dukerupert/logix/internal/config"
	"github.com/dukerupert/logix/internal/email"
	"github.com/dukerupert/logix/internal/handler"
	"github.com/dukerupert/logix/internal/middleware"
	"github.com/dukerupert/logix/internal/payment"
	"github.com/dukerupert/logix/internal/payment/mercadopago"
	"github.com/dukerupert/logix/internal/payment/stripe"
	"github.com/dukerupert/logix/internal/push"
	"github.com/dukerupert/logix/internal/store"
	"github.com/dukerupert/logix/internal/websocket"
)

const (
	authRateLimit  = 10
	authRateWindow = time.Minute

	// Failed or not, login attempts per account are capped across addresses.
	loginUserLimit  = 5
	loginUserWindow = 15 * time.Minute
)

type Server struct {
	db          *sql.DB
	tokens      *auth.TokenManager
	payments    *store.PaymentStore
	hub         *websocket.Hub
	authH       *handler.AuthHandler
	paymentH    *handler.PaymentHandler
	webhookH    *handler.WebhookHandler
	pushH       *handler.PushHandler
	pushNotify  *push.Notifier
	backupMgr   *backup.Manager
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

type Config struct {
	App config.Config
	// Providers overrides the adapters built from App.
	Providers   payment.Providers
	EmailClient *email.Client
	// BcryptCost overrides the default password hashing cost.
	BcryptCost int
}

// NewProviders builds an adapter for every provider with credentials in cfg.
func NewProviders(cfg config.Config) payment.Providers {
	var ps []payment.Provider
	if cfg.StripeSecretKey != "" || cfg.StripeWebhookSecret != "" {
		ps = append(ps, stripe.NewClient(stripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		}))
	}
	if cfg.MercadoPagoAccessToken != "" || cfg.MercadoPagoWebhookSecret != "" {
		ps = append(ps, mercadopago.NewClient(mercadopago.Config{
			AccessToken:     cfg.MercadoPagoAccessToken,
			WebhookSecret:   cfg.MercadoPagoWebhookSecret,
			NotificationURL: cfg.BaseURL + "/payment/webhook/" + mercadopago.Name,
		}))
	}
	return payment.NewProviders(ps...)
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	users := store.NewUserStore(db)
	sessions := store.NewSessionStore(db, cfg.App.SessionTTL)
	payments := store.NewPaymentStore(db)

	var credOpts []auth.CredentialsOption
	if cfg.BcryptCost != 0 {
		credOpts = append(credOpts, auth.WithBcryptCost(cfg.BcryptCost))
	}
	creds := auth.NewCredentials(users, credOpts...)
	tokens := auth.NewTokenManager(sessions, users)

	providers := cfg.Providers
	if providers == nil {
		providers = NewProviders(cfg.App)
	}

	hub := websocket.NewHub(logger)
	recOpts := []payment.Option{payment.WithNotifier(hub)}

	// Web push is optional; without VAPID keys only websocket clients hear
	// about payment changes.
	var pushH *handler.PushHandler
	var pushNotify *push.Notifier
	pushCfg := push.Config{
		VAPIDPublicKey:  cfg.App.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.App.VAPIDPrivateKey,
		Subscriber:      cfg.App.VAPIDSubscriber,
	}
	if pushCfg.Configured() {
		pushSt := store.NewPushStore(db)
		pushSvc := push.NewService(pushCfg)
		pushNotify = push.NewNotifier(pushSvc, pushSt, cfg.App.BaseURL, logger)
		pushH = handler.NewPushHandler(pushSt, pushSvc, logger)
		recOpts = append(recOpts, payment.WithNotifier(pushNotify))
	}
	if cfg.EmailClient != nil && cfg.EmailClient.Configured() {
		recOpts = append(recOpts, payment.WithReceipts(cfg.EmailClient))
	}
	reconciler := payment.NewReconciler(db, providers, logger, recOpts...)

	checkout := handler.CheckoutConfig{
		AmountCents:     cfg.App.PriceCents,
		Currency:        cfg.App.Currency,
		Title:           cfg.App.ProductTitle,
		DefaultProvider: cfg.App.DefaultProvider,
		SuccessURL:      cfg.App.BaseURL + "/payment/success",
		CancelURL:       cfg.App.BaseURL + "/payment/cancel",
	}

	return &Server{
		db:          db,
		tokens:      tokens,
		payments:    payments,
		hub:         hub,
		authH:       handler.NewAuthHandler(creds, tokens, cfg.App.CookieSecure, logger),
		paymentH:    handler.NewPaymentHandler(payments, providers, reconciler, checkout, logger),
		webhookH:    handler.NewWebhookHandler(reconciler, logger),
		pushH:       pushH,
		pushNotify:  pushNotify,
		backupMgr:   backup.NewManager(BackupConfig(cfg.App), db, logger),
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

// Tokens returns the token manager for cleanup tasks.
func (s *Server) Tokens() *auth.TokenManager {
	return s.tokens
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Hub returns the payment event hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}

// BackupManager returns the ledger backup manager.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupMgr
}

// WaitNotifications blocks until in-flight push deliveries finish.
func (s *Server) WaitNotifications() {
	if s.pushNotify != nil {
		s.pushNotify.Wait()
	}
}

// BackupConfig maps the app settings onto the backup manager's.
func BackupConfig(cfg config.Config) backup.Config {
	return backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.BackupS3Endpoint,
			Bucket:    cfg.BackupS3Bucket,
			Region:    cfg.BackupS3Region,
			AccessKey: cfg.BackupS3AccessKey,
			SecretKey: cfg.BackupS3SecretKey,
		},
		Passphrase:    cfg.BackupPassphrase,
		Interval:      cfg.BackupInterval,
		RetentionDays: cfg.BackupRetentionDays,
	}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Account routes (public, rate-limited)
	byIP := middleware.Rule{Name: "ip", Key: middleware.ByIP, Limit: authRateLimit, Window: authRateWindow}
	byUser := middleware.Rule{Name: "login-user", Key: middleware.ByUsername, Limit: loginUserLimit, Window: loginUserWindow}
	mux.Handle("POST /signup", middleware.RateLimit(s.rateLimiter, s.logger, byIP)(http.HandlerFunc(s.authH.Signup)))
	mux.Handle("POST /login", middleware.RateLimit(s.rateLimiter, s.logger, byIP, byUser)(http.HandlerFunc(s.authH.Login)))

	// Provider webhooks (public, signature-checked)
	mux.HandleFunc("POST /payment/webhook", s.webhookH.Handle)
	mux.HandleFunc("POST /payment/webhook/{provider}", s.webhookH.HandleProvider)

	// Protected routes
	authMw := middleware.RequireAuth(s.tokens, s.logger)
	entitledMw := middleware.RequireEntitlement(s.payments, s.logger)
	mux.Handle("POST /logout", authMw(http.HandlerFunc(s.authH.Logout)))
	mux.Handle("GET /protected", authMw(http.HandlerFunc(s.authH.Protected)))
	mux.Handle("GET /premium", authMw(entitledMw(http.HandlerFunc(s.authH.Premium))))
	mux.Handle("POST /payment/create-checkout-session", authMw(http.HandlerFunc(s.paymentH.CreateCheckout)))
	mux.Handle("GET /payment/verify-status", authMw(http.HandlerFunc(s.paymentH.VerifyStatus)))
	mux.Handle("GET /payment/status/{reference}", authMw(http.HandlerFunc(s.paymentH.Status)))
	mux.Handle("GET /payment/events", authMw(websocket.HandleEvents(s.hub)))

	if s.pushH != nil {
		mux.HandleFunc("GET /push/vapid-key", s.pushH.VAPIDKey)
		mux.Handle("POST /push/subscribe", authMw(http.HandlerFunc(s.pushH.Subscribe)))
		mux.Handle("GET /push/subscriptions", authMw(http.HandlerFunc(s.pushH.ListSubscriptions)))
		mux.Handle("DELETE /push/subscriptions/{id}", authMw(http.HandlerFunc(s.pushH.Unsubscribe)))
	}

	return middleware.RequestLogger(s.logger)(mux)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
