// Package server wires the risk core, its stores and transports, and serves
// the HTTP API.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mulehunter/mulehunter/internal/accountrisk"
	"github.com/mulehunter/mulehunter/internal/admin"
	"github.com/mulehunter/mulehunter/internal/alerts"
	"github.com/mulehunter/mulehunter/internal/anomaly"
	"github.com/mulehunter/mulehunter/internal/auth"
	"github.com/mulehunter/mulehunter/internal/config"
	"github.com/mulehunter/mulehunter/internal/fingerprint"
	"github.com/mulehunter/mulehunter/internal/health"
	"github.com/mulehunter/mulehunter/internal/idempotency"
	"github.com/mulehunter/mulehunter/internal/idgen"
	"github.com/mulehunter/mulehunter/internal/logging"
	"github.com/mulehunter/mulehunter/internal/metrics"
	"github.com/mulehunter/mulehunter/internal/orchestrator"
	"github.com/mulehunter/mulehunter/internal/ratelimit"
	"github.com/mulehunter/mulehunter/internal/realtime"
	"github.com/mulehunter/mulehunter/internal/reconciliation"
	"github.com/mulehunter/mulehunter/internal/scorer"
	"github.com/mulehunter/mulehunter/internal/security"
	"github.com/mulehunter/mulehunter/internal/traces"
	"github.com/mulehunter/mulehunter/internal/transfers"
	"github.com/mulehunter/mulehunter/internal/validation"
	"github.com/mulehunter/mulehunter/internal/webhooks"
	"github.com/mulehunter/mulehunter/migrations"
)

// Version is reported by the health endpoint. Set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil if using in-memory idempotency

	ledger         *accountrisk.Ledger
	tracker        *fingerprint.Tracker
	sweeper        *fingerprint.Sweeper
	scorer         scorer.Scorer
	transferStore  transfers.Store
	idempotency    idempotency.Store
	memIdempotency *idempotency.MemoryStore // set when idempotency is in-memory
	anomaly        *anomaly.Service
	webhookStore   webhooks.Store
	dispatcher     *webhooks.Dispatcher
	kafkaSink      *alerts.KafkaSink
	alertQueue     *alerts.Queue
	realtimeHub    *realtime.Hub
	orchestrator   *orchestrator.Orchestrator
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	authn          *auth.Authenticator
	health         *health.Registry

	router         *gin.Engine
	httpSrv        *http.Server
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithScorer sets the fraud scorer (for testing)
func WithScorer(sc scorer.Scorer) Option {
	return func(s *Server) {
		s.scorer = sc
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
		authn:  auth.NewAuthenticator(cfg.InternalAPIKey),
	}

	// Apply options first (may set scorer/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupIdempotency(ctx); err != nil {
		return nil, err
	}

	// Fraud scorer
	if s.scorer == nil {
		if cfg.ScorerURL != "" {
			client := scorer.NewHTTPClient(cfg.ScorerURL, logging.Component(s.logger, "scorer"))
			s.scorer = client
			s.health.Optional("scorer", client.Ping)
			s.logger.Info("fraud scorer enabled", "url", cfg.ScorerURL, "timeout", cfg.ScorerTimeout)
		} else {
			s.scorer = scorer.Disabled{}
			s.logger.Warn("SCORER_URL not set, every transfer will be UNSCORED")
		}
	}

	// Fingerprint velocity tracker
	s.tracker = fingerprint.NewTracker(cfg.FingerprintWindow, logging.Component(s.logger, "fingerprint")).
		WithMaxWindows(cfg.FingerprintMaxWindows)
	s.sweeper = fingerprint.NewSweeper(s.tracker, cfg.FingerprintSweepInterval, s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime")).
		WithAllowedOrigins(parseOrigins(cfg.AllowedOrigins))

	// Alert delivery: log, dashboards, webhooks, and Kafka when configured
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore, logging.Component(s.logger, "webhooks"))
	sinks := alerts.Fanout{
		alerts.LogSink{Logger: logging.Component(s.logger, "alerts")},
		s.realtimeHub,
		s.dispatcher,
	}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafkaSink = alerts.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
		sinks = append(sinks, s.kafkaSink)
		s.logger.Info("kafka alert sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaAlertTopic)
	}
	s.alertQueue = alerts.NewQueue(sinks, cfg.AlertQueueSize, logging.Component(s.logger, "alerts")).
		WithWorkers(cfg.AlertWorkers)

	s.orchestrator = orchestrator.New(s.scorer, s.ledger, s.tracker, s.transferStore, logging.Component(s.logger, "orchestrator")).
		WithIdempotency(s.idempotency).
		WithAlerts(s.alertQueue).
		WithEvents(s.realtimeHub).
		WithScorerTimeout(cfg.ScorerTimeout)

	s.reconciler = reconciliation.NewRunner(s.transferStore, s.ledger, logging.Component(s.logger, "reconciliation"))
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	if cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = cfg.RateLimitRPM
		s.rateLimiter = ratelimit.New(rl)
	}

	if s.authn.Enabled() {
		s.logger.Info("internal API key authentication enabled")
	} else {
		s.logger.Warn("INTERNAL_API_KEY not set, admin and ingestion routes are open")
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage opens Postgres when DATABASE_URL is set and falls back to
// in-memory stores otherwise.
func (s *Server) setupStorage(ctx context.Context) error {
	ledgerLogger := logging.Component(s.logger, "ledger")
	anomalyLogger := logging.Component(s.logger, "anomaly")

	if s.cfg.DatabaseURL == "" {
		s.ledger = accountrisk.New(accountrisk.NewMemoryStore(), ledgerLogger)
		s.transferStore = transfers.NewMemoryStore()
		s.anomaly = anomaly.NewService(anomaly.NewMemoryStore(), anomalyLogger)
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if s.cfg.AutoMigrate {
		applied, err := migrations.Up(ctx, db)
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("apply migrations: %w", err)
		}
		s.logger.Info("migrations applied", "count", len(applied))
	}
	s.db = db
	s.health.Critical("postgres", db.PingContext)
	if err := metrics.RegisterDB(db); err != nil {
		s.logger.Warn("db pool metrics unavailable", "error", err)
	}
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	ledgerStore := accountrisk.NewPostgresStore(db)
	transferStore := transfers.NewPostgresStore(db)
	anomalyStore := anomaly.NewPostgresStore(db)
	webhookStore := webhooks.NewPostgresStore(db)

	s.ledger = accountrisk.New(ledgerStore, ledgerLogger)
	s.transferStore = transferStore
	s.anomaly = anomaly.NewService(anomalyStore, anomalyLogger)
	s.webhookStore = webhookStore
	return nil
}

func (s *Server) setupIdempotency(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		s.memIdempotency = idempotency.NewMemoryStore(s.cfg.IdempotencyTTL)
		s.idempotency = s.memIdempotency
		s.logger.Info("using in-memory idempotency store")
		return nil
	}

	client, err := idempotency.NewRedisClient(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to configure redis: %w", err)
	}
	store := idempotency.NewRedisStore(client, s.cfg.IdempotencyTTL)
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	s.idempotency = store
	s.health.Critical("redis", store.Ping)
	s.logger.Info("using redis idempotency store", "ttl", s.cfg.IdempotencyTTL)
	return nil
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

func parseOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORS{
		Origins: parseOrigins(s.cfg.AllowedOrigins),
		Headers: []string{orchestrator.IdempotencyHeader, s.cfg.FingerprintHeader},
	}.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Secret(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// Probes and scrapes are too frequent to log.
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	v1 := s.router.Group("/v1")

	// Transfer API: called by the payment service for every transfer
	public := v1.Group("")
	if s.rateLimiter != nil {
		public.Use(s.rateLimiter.Middleware())
	}
	public.Use(
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		validation.HeaderMiddleware(validation.MaxHeaderValueLength, s.cfg.FingerprintHeader, orchestrator.IdempotencyHeader),
		fingerprint.Middleware(s.cfg.FingerprintHeader),
	)
	orchestrator.NewHandler(s.orchestrator, s.logger).RegisterRoutes(public)
	transfers.NewHandler(s.transferStore, s.logger).RegisterRoutes(public)
	accountrisk.NewHandler(s.ledger, s.logger).RegisterRoutes(public)
	fingerprint.NewHandler(s.tracker).RegisterRoutes(public)
	anomalyHandler := anomaly.NewHandler(s.anomaly, s.logger)
	anomalyHandler.RegisterRoutes(public)

	// Internal routes: batch ingestion and administration
	internal := v1.Group("", auth.RequireInternalKey(s.authn))
	anomalyHandler.RegisterProtectedRoutes(internal)
	reconciliation.NewHandler(s.reconciler, s.logger).RegisterAdminRoutes(internal)
	webhooks.NewHandler(s.webhookStore, s.logger).RegisterAdminRoutes(internal)
	s.adminHandler().RegisterRoutes(internal)
}

func (s *Server) adminHandler() *admin.Handler {
	h := admin.NewHandler().
		WithFingerprints(s.tracker).
		WithAlertQueue(s.alertQueue).
		WithHub(s.realtimeHub).
		WithBackground("fingerprintSweeper", s.sweeper).
		WithBackground("reconcileTimer", s.reconcileTimer)
	if s.memIdempotency != nil {
		h = h.WithIdempotency(s.memIdempotency)
	}
	return h
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	rep := s.health.Check(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	switch {
	case !rep.Healthy:
		status, httpStatus = "unhealthy", http.StatusServiceUnavailable
	case rep.Degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    rep.Checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		ServiceName: "mulehunter",
		Version:     Version,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.tracesShutdown = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

// startBackground launches the hub, alert workers, sweepers and timers.
// All of them stop when ctx is cancelled.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	s.alertQueue.Start(ctx)
	go s.sweeper.Start(ctx)
	if s.cfg.ReconcileInterval > 0 {
		go s.reconcileTimer.Start(ctx)
	}
	if s.rateLimiter != nil {
		go s.rateLimiter.Run(ctx)
	}
	if s.memIdempotency != nil {
		go s.sweepIdempotency(ctx, s.cfg.FingerprintSweepInterval)
	}
}

func (s *Server) sweepIdempotency(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.memIdempotency.Sweep(); n > 0 {
				s.logger.Debug("idempotency keys expired", "count", n)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// In-flight transfers have finished; drain the alerts they raised
	// before the hub and sinks go away.
	if err := s.alertQueue.Close(ctx); err != nil {
		s.logger.Error("alert queue drain incomplete", "error", err, "pending", s.alertQueue.Len())
	} else {
		s.logger.Info("alert queue drained")
	}

	// Cancel the context for all background goroutines (hub, timers, sweepers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweeper.Stop()
	s.reconcileTimer.Stop()

	if s.kafkaSink != nil {
		if err := s.kafkaSink.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
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
