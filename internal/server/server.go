// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/meridianpay/settlecore/internal/config"
	"github.com/meridianpay/settlecore/internal/correlation"
	"github.com/meridianpay/settlecore/internal/escrow"
	"github.com/meridianpay/settlecore/internal/events"
	"github.com/meridianpay/settlecore/internal/logging"
	"github.com/meridianpay/settlecore/internal/metrics"
	"github.com/meridianpay/settlecore/internal/realtime"
	"github.com/meridianpay/settlecore/internal/splitpay"
	"github.com/meridianpay/settlecore/internal/traces"
	"github.com/meridianpay/settlecore/internal/treasury"
	"github.com/meridianpay/settlecore/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	wallet          wallet.Service
	escrowService   *escrow.Service
	escrowSweeper   *escrow.Sweeper
	treasuryService *treasury.Service
	splitService    *splitpay.Service
	tracker         *correlation.Tracker
	idempotency     *correlation.Idempotency
	realtimeHub     *realtime.Hub
	kafkaBus        *events.KafkaBus
	redisClient     *redis.Client
	db              *sql.DB // nil when using in-memory stores
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	shutdownTraces  func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

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

// WithWallet sets a custom wallet client (for testing)
func WithWallet(w wallet.Service) Option {
	return func(s *Server) {
		s.wallet = w
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set wallet/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	if s.wallet == nil {
		s.wallet = wallet.NewClient(cfg.WalletURL, cfg.WalletTimeout)
	}

	// Realtime hub streams domain events over WebSocket
	s.realtimeHub = realtime.NewHub(s.logger)

	// Event bus: structured log always, hub always, Kafka when configured
	bus := events.MultiBus{&events.LogBus{Logger: s.logger}, s.realtimeHub}
	if cfg.KafkaBrokers != "" {
		s.kafkaBus = events.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic, s.logger)
		bus = append(bus, s.kafkaBus)
		s.logger.Info("kafka event publishing enabled", "topic", cfg.KafkaTopic)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		escrowStore   escrow.Store
		treasuryStore treasury.Store
		splitStore    splitpay.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		treasuryStore = treasury.NewPostgresStore(db)
		splitStore = splitpay.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		treasuryStore = treasury.NewMemoryStore()
		splitStore = splitpay.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.escrowService = escrow.NewService(escrowStore, s.wallet, bus, s.logger)
	s.escrowSweeper = escrow.NewSweeper(s.escrowService, cfg.SweepInterval, s.logger)
	s.treasuryService = treasury.NewService(treasuryStore, s.wallet, bus, s.logger)
	s.splitService = splitpay.NewService(splitStore, s.wallet, bus, s.logger)

	// Correlation tracking + idempotency cache (Redis when configured,
	// in-memory otherwise)
	s.tracker = correlation.NewTracker(s.logger)
	var idemStore correlation.IdempotencyStore
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		s.redisClient = redis.NewClient(redisOpts)
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		idemStore = correlation.NewRedisIdempotencyStore(s.redisClient)
		s.logger.Info("using Redis idempotency cache")
	} else {
		idemStore = correlation.NewMemoryIdempotencyStore()
		s.logger.Info("using in-memory idempotency cache")
	}
	s.idempotency = correlation.NewIdempotency(idemStore, s.logger)

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
		if requestID == "" {
			requestID = generateRequestID()
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

	// WebSocket for real-time event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group with correlation + idempotency
	v1 := s.router.Group("/v1")
	v1.Use(correlation.Middleware(s.tracker, s.idempotency, s.cfg.IdempotencyTTL))

	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)
	treasury.NewHandler(s.treasuryService).RegisterRoutes(v1)
	splitpay.NewHandler(s.splitService).RegisterRoutes(v1)

	// Correlation diagnostics
	v1.GET("/correlations/:id", s.correlationHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	// Wallet connectivity: a balance probe against a sentinel identity
	if _, err := s.wallet.GetBalance(ctx, "healthcheck", ""); err != nil && errors.Is(err, wallet.ErrWalletUnavailable) {
		checks["wallet"] = "unhealthy"
	} else {
		checks["wallet"] = "healthy"
	}

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	if s.redisClient != nil {
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy"
		} else {
			checks["redis"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Settlement Core",
		"description": "Escrow, treasury, and split payment settlement service",
		"version":     "0.1.0",
	})
}

// correlationHandler returns a correlation context, its ancestry, and steps
func (s *Server) correlationHandler(c *gin.Context) {
	id := c.Param("id")
	cc := s.tracker.Get(id)
	if cc == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "correlation context unknown or evicted",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"context": cc,
		"chain":   s.tracker.Chain(id),
		"steps":   s.tracker.Steps(id),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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
			"wallet_url", s.cfg.WalletURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start escrow timeout sweeper
	go s.escrowSweeper.Start(runCtx)

	// Periodic correlation + idempotency cleanup
	go s.runCleanupLoop(runCtx)

	// Export DB pool stats when Postgres is active
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

func (s *Server) runCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := s.tracker.Cleanup(24 * time.Hour)
			purged, err := s.idempotency.Cleanup(ctx)
			if err != nil {
				s.logger.Warn("idempotency cleanup failed", "error", err)
			}
			s.logger.Debug("correlation cleanup",
				"contexts_dropped", dropped, "idempotency_purged", purged)
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper, cleanup)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.escrowSweeper.Stop()
	s.logger.Info("escrow sweeper stopped")

	if s.kafkaBus != nil {
		if err := s.kafkaBus.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
