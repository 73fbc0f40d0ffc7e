// Package server exposes the payment decision engine over HTTP.
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
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/payguard/internal/anomaly"
	"github.com/mbd888/payguard/internal/chain"
	"github.com/mbd888/payguard/internal/config"
	"github.com/mbd888/payguard/internal/features"
	"github.com/mbd888/payguard/internal/health"
	"github.com/mbd888/payguard/internal/history"
	"github.com/mbd888/payguard/internal/intent"
	"github.com/mbd888/payguard/internal/ledger"
	"github.com/mbd888/payguard/internal/logging"
	"github.com/mbd888/payguard/internal/metrics"
	"github.com/mbd888/payguard/internal/policy"
	"github.com/mbd888/payguard/internal/ratelimit"
	"github.com/mbd888/payguard/internal/realtime"
	"github.com/mbd888/payguard/internal/retrain"
	"github.com/mbd888/payguard/internal/samples"
)

// Version is reported by /health.
const Version = "0.1.0"

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	engine    *policy.Engine
	parser    *intent.Parser // nil when AI is disabled
	llmClient intent.LLMClient
	freeze    policy.FreezeOracle // nil when no freeze contract is configured
	eth       *chain.EthReader
	ledger    *ledger.WalletLedger
	history   *history.WalletHistory
	features  *features.Engine // nil unless ML features are enabled
	detector  *anomaly.Detector

	sampleStore    samples.Store
	collector      *samples.Collector
	retrainer      *retrain.Runner
	retrainTimer   *retrain.Timer
	profileWatcher *retrain.Watcher
	hub            *realtime.Hub
	limiter        *ratelimit.Limiter
	health         *health.Registry

	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil unless REDIS_URL is set
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithFreezeOracle sets the freeze oracle instead of dialing FREEZE_CONTRACT
// (for testing).
func WithFreezeOracle(o policy.FreezeOracle) Option {
	return func(s *Server) {
		s.freeze = o
	}
}

// WithLLMClient sets the model backend instead of resolving a provider from
// the environment (for testing).
func WithLLMClient(c intent.LLMClient) Option {
	return func(s *Server) {
		s.llmClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		health: health.NewRegistry(),
	}

	// Apply options first (may set oracle/logger)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	// Context for initialization
	ctx := context.Background()

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}

	s.hub = realtime.NewHub(s.logger)
	s.collector = samples.NewCollector(s.sampleStore, s.logger)

	if err := s.initFreezeOracle(ctx); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to configure freeze oracle: %w", err)
	}
	if err := s.initParser(); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to configure AI provider: %w", err)
	}
	if err := s.initAnomaly(); err != nil {
		s.closeStores()
		return nil, err
	}
	if err := s.initEngine(); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(headersMiddleware())
	s.router.Use(corsMiddleware(s.cfg.CORSOrigins))
	s.router.Use(requestSizeMiddleware(MaxRequestSize))

	// Rate limiting
	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.limiter.Middleware())

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
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// headersMiddleware adds security headers to all responses
func headersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// corsMiddleware answers CORS for the JSON API. No origins means "*".
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	wildcard := len(origins) == 0 || origins["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (wildcard || origins[origin]) {
			if wildcard {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestSizeMiddleware limits request body size
func requestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
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

	// WebSocket decision feed
	s.router.GET("/ws/decisions", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	{
		v1.POST("/decisions", s.decideHandler)
		v1.POST("/intents/parse", s.parseIntentHandler)
		v1.POST("/freeze/check", s.freezeCheckHandler)
		v1.GET("/policy", s.policyHandler)

		v1.GET("/anomaly/profile", s.getProfileHandler)
		v1.PUT("/anomaly/profile", s.putProfileHandler)
		v1.POST("/anomaly/retrain", s.retrainHandler)
		v1.GET("/samples/stats", s.sampleStatsHandler)
		v1.GET("/stats", s.statsHandler)
	}
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
		WriteTimeout:      s.cfg.AITimeout + 30*time.Second, // decisions may wait on the LLM
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "wallet", s.ledger.Wallet())
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
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, collector, retrain loop and janitors.
func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.collector.Start(ctx)
	go s.limiter.StartJanitor(ctx, time.Minute)

	if s.retrainTimer != nil {
		go s.retrainTimer.Start(ctx)
	}
	if s.profileWatcher != nil {
		go func() {
			if err := s.profileWatcher.Watch(ctx); err != nil {
				s.logger.Warn("anomaly profile watcher stopped", "error", err)
			}
		}()
	}
	if s.features != nil {
		s.features.StartJanitor(ctx)
		go s.warmFeatures(ctx)
	}
	if s.parser != nil {
		s.parser.StartJanitor(ctx)
	}
}

// warmFeatures precomputes recipient stats for the wallet's known payees.
func (s *Server) warmFeatures(ctx context.Context) {
	recipients, err := s.history.Recipients(ctx)
	if err != nil {
		s.logger.Warn("feature warm-up skipped", "error", err)
		return
	}
	n, err := s.features.Precompute(ctx, recipients, s.history.Fetcher())
	if err != nil {
		s.logger.Warn("feature warm-up incomplete", "loaded", n, "error", err)
		return
	}
	s.logger.Info("feature warm-up complete", "recipients", n)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.retrainTimer != nil {
		s.retrainTimer.Stop()
		s.logger.Info("retrain timer stopped")
	}

	// Flushes buffered samples before the database closes.
	s.collector.Stop()
	s.logger.Info("sample collector stopped", "flushed", s.collector.Flushed(), "dropped", s.collector.Dropped())

	s.closeStores()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStores() {
	if s.eth != nil {
		s.eth.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the decision engine.
func (s *Server) Engine() *policy.Engine {
	return s.engine
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
