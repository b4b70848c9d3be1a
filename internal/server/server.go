// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mbd888/dealroom/internal/auth"
	"github.com/mbd888/dealroom/internal/chat"
	"github.com/mbd888/dealroom/internal/config"
	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/escrow"
	"github.com/mbd888/dealroom/internal/events"
	"github.com/mbd888/dealroom/internal/gateway"
	"github.com/mbd888/dealroom/internal/health"
	"github.com/mbd888/dealroom/internal/idempotency"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/logging"
	"github.com/mbd888/dealroom/internal/metrics"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/notify"
	"github.com/mbd888/dealroom/internal/payout"
	"github.com/mbd888/dealroom/internal/ratelimit"
	"github.com/mbd888/dealroom/internal/reconciliation"
	"github.com/mbd888/dealroom/internal/security"
	"github.com/mbd888/dealroom/internal/settings"
	"github.com/mbd888/dealroom/internal/verification"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil if REDIS_URL unset
	mongo       *mongo.Client // nil if MONGO_URL unset
	kafka       *events.KafkaEmitter
	runner      dbtx.Runner
	settings    settings.Updater
	directory   chat.Directory
	gateway     gateway.Client
	notifier    notify.Notifier
	verifier    *auth.Verifier
	realtimeHub *events.Hub
	emitter     events.Emitter

	ledger         *ledger.Service
	escrow         *escrow.Service
	payouts        *payout.Service
	verifications  *verification.Service
	reconciliation *reconciliation.Service
	sweepTimer     *reconciliation.Timer

	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithGateway replaces the payment gateway client (for testing).
func WithGateway(c gateway.Client) Option {
	return func(s *Server) {
		s.gateway = c
	}
}

// WithNotifier replaces the notification dispatcher (for testing).
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithDirectory replaces the conversation directory (for testing).
func WithDirectory(d chat.Directory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.health = health.NewRegistry(s.version)

	if err := s.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.openFanOut(ctx); err != nil {
		return nil, err
	}
	if err := s.buildServices(ctx); err != nil {
		return nil, err
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openStorage connects Postgres, Redis and Mongo when configured. Each one
// falls back to an in-memory implementation when its URL is unset.
func (s *Server) openStorage(ctx context.Context) error {
	cfg := s.cfg

	defaults, err := settings.Parse(cfg.PlatformFeePercent, cfg.MinPayout)
	if err != nil {
		return fmt.Errorf("invalid platform settings: %w", err)
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.runner = dbtx.NewPostgresRunner(db)
		s.settings = settings.NewPostgresProvider(db, defaults)
		s.health.Register("postgres", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.runner = dbtx.NewMemoryRunner()
		s.settings = settings.NewMemoryProvider(defaults)
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	if cfg.RedisURL != "" {
		rdb, err := idempotency.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rdb
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		s.logger.Info("double-submit guard backed by redis")
	}

	if s.directory == nil {
		if cfg.MongoURL != "" {
			client, err := chat.ConnectMongo(ctx, cfg.MongoURL)
			if err != nil {
				return fmt.Errorf("failed to connect to mongo: %w", err)
			}
			s.mongo = client
			s.directory = chat.NewMongoDirectory(client.Database(cfg.MongoDatabase))
			s.health.Register("mongo", health.Ping("mongo", func(ctx context.Context) error {
				return client.Ping(ctx, nil)
			}))
			s.logger.Info("conversation directory backed by mongo", "database", cfg.MongoDatabase)
		} else {
			s.directory = chat.NewMemoryDirectory()
			s.logger.Warn("MONGO_URL not set, conversation directory is in-memory")
		}
	}
	return nil
}

// openFanOut builds the event emitters, the notifier and the gateway client.
func (s *Server) openFanOut(ctx context.Context) error {
	cfg := s.cfg

	s.realtimeHub = events.NewHub(s.logger, roomAuthorizer(s.directory))
	emitters := events.Multi{s.realtimeHub}
	if len(cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafkaEmitter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("failed to create kafka emitter: %w", err)
		}
		s.kafka = k
		emitters = append(emitters, k)
		s.logger.Info("publishing events to kafka", "topic", cfg.KafkaTopic)
	}
	s.emitter = emitters

	if s.notifier == nil {
		if cfg.NotifyURL != "" {
			if cfg.IsProduction() {
				if err := security.ValidateOutboundURL(ctx, cfg.NotifyURL, nil); err != nil {
					return fmt.Errorf("NOTIFY_URL rejected: %w", err)
				}
			}
			s.notifier = notify.NewHTTPNotifier(cfg.NotifyURL, cfg.NotifySecret, s.logger)
		} else {
			s.notifier = notify.Nop{}
		}
	}

	if s.gateway == nil {
		if cfg.GatewayEnabled() {
			if cfg.IsProduction() {
				if err := security.ValidateOutboundURL(ctx, cfg.GatewayBaseURL, nil); err != nil {
					return fmt.Errorf("GATEWAY_BASE_URL rejected: %w", err)
				}
			}
			s.gateway = gateway.NewHTTPClient(gateway.Config{
				BaseURL:       cfg.GatewayBaseURL,
				KeyID:         cfg.GatewayKeyID,
				KeySecret:     cfg.GatewayKeySecret,
				WebhookSecret: cfg.GatewayWebhookSecret,
			})
			s.logger.Info("payment gateway enabled", "base_url", cfg.GatewayBaseURL)
		} else {
			s.gateway = gateway.NewSandbox("rzp_test_sandbox", "sandbox_secret", "sandbox_webhook_secret")
			s.logger.Warn("gateway credentials not set, using sandbox gateway")
		}
	}

	s.verifier = auth.NewVerifier(cfg.JWTSecret)
	return nil
}

// buildServices wires the domain services. Reconciliation is built first
// because escrow and verification open gateway orders through it, and it
// applies captured payments back to them.
func (s *Server) buildServices(ctx context.Context) error {
	cfg := s.cfg

	fee, err := money.Parse(cfg.VerificationFee)
	if err != nil {
		return fmt.Errorf("invalid VERIFICATION_FEE: %w", err)
	}

	var (
		ledgerStore ledger.Store         = ledger.NewMemoryStore()
		escrowStore escrow.Store         = escrow.NewMemoryStore()
		payoutStore payout.Store         = payout.NewMemoryStore()
		verifyStore verification.Store   = verification.NewMemoryStore()
		reconStore  reconciliation.Store = reconciliation.NewMemoryStore()
	)
	if s.db != nil {
		ledgerStore = ledger.NewPostgresStore(s.db)
		escrowStore = escrow.NewPostgresStore(s.db)
		payoutStore = payout.NewPostgresStore(s.db)
		verifyStore = verification.NewPostgresStore(s.db)
		reconStore = reconciliation.NewPostgresStore(s.db)
	}

	var guard idempotency.Guard = idempotency.NewMemoryGuard()
	if s.redis != nil {
		guard = idempotency.NewRedisGuard(s.redis)
	}

	s.ledger = ledger.NewService(ledgerStore, s.runner, s.logger)

	s.reconciliation = reconciliation.NewService(reconStore, s.runner, s.gateway, s.ledger, cfg.Currency, s.logger).
		WithEmitter(s.emitter)
	keyID := s.reconciliation.KeyID()

	s.escrow = escrow.NewService(escrowStore, s.runner, s.ledger, s.directory, s.logger).
		WithGuard(guard).
		WithOrderInitiator(s.reconciliation, keyID).
		WithEmitter(s.emitter).
		WithNotifier(s.notifier)

	s.verifications = verification.NewService(verifyStore, s.runner, fee, s.logger).
		WithOrderInitiator(s.reconciliation, keyID)

	s.payouts = payout.NewService(payoutStore, s.runner, s.ledger, s.logger).
		WithEmitter(s.emitter).
		WithNotifier(s.notifier)

	s.reconciliation.
		WithDeals(s.escrow).
		WithVerifications(s.verifications).
		WithPayouts(s.payouts)

	s.sweepTimer = reconciliation.NewTimer(s.reconciliation, cfg.SweepInterval, s.logger)
	s.health.Register("sweeper", health.Running("sweeper", s.sweepTimer.Running))

	if _, err := s.settings.Snapshot(ctx); err != nil {
		return fmt.Errorf("failed to load platform settings: %w", err)
	}
	return nil
}

// roomAuthorizer lets a user subscribe to a conversation room only when the
// directory lists them as a participant.
func roomAuthorizer(dir chat.Directory) events.Authorizer {
	return func(ctx context.Context, userID, key string) bool {
		const prefix = "conversation:"
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			return false
		}
		ok, err := chat.IsMember(ctx, dir, key[len(prefix):], userID)
		return err == nil && ok
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", s.version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sweepTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.health.SetReady(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweepTimer.Stop()
	s.logger.Info("sweep timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.logger.Error("mongo disconnect error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
