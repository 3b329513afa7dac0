// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/parashield-protocol/parashield/internal/claims"
	"github.com/parashield-protocol/parashield/internal/classifier"
	"github.com/parashield-protocol/parashield/internal/config"
	"github.com/parashield-protocol/parashield/internal/dispatch"
	"github.com/parashield-protocol/parashield/internal/health"
	"github.com/parashield-protocol/parashield/internal/logging"
	"github.com/parashield-protocol/parashield/internal/metrics"
	"github.com/parashield-protocol/parashield/internal/peril"
	"github.com/parashield-protocol/parashield/internal/pool"
	"github.com/parashield-protocol/parashield/internal/premium"
	"github.com/parashield-protocol/parashield/internal/ratelimit"
	"github.com/parashield-protocol/parashield/internal/realtime"
	"github.com/parashield-protocol/parashield/internal/riskscore"
	"github.com/parashield-protocol/parashield/internal/security"
	"github.com/parashield-protocol/parashield/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the detection/claims pipeline.
type Server struct {
	cfg          *config.Config
	classifier   *classifier.Classifier
	feed         *classifier.Feed
	dispatcher   *dispatch.Dispatcher
	claims       *claims.Service
	expiryTimer  *claims.Timer
	pools        *pool.Service
	premium      *premium.Service
	riskEngine   *riskscore.Engine
	realtimeHub  *realtime.Hub
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	var (
		claimStore   claims.Store
		poolStore    pool.Store
		premiumStore premium.Store
		riskStore    riskscore.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgClaims := claims.NewPostgresStore(db)
		if err := pgClaims.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate policy store", "error", err)
		}
		claimStore = pgClaims

		pgPools := pool.NewPostgresStore(db)
		if err := pgPools.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate pool store", "error", err)
		}
		poolStore = pgPools

		pgPremium := premium.NewPostgresStore(db)
		if err := pgPremium.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate pricing store", "error", err)
		}
		premiumStore = pgPremium

		pgRisk := riskscore.NewPostgresStore(db)
		if err := pgRisk.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate risk assessment store", "error", err)
		}
		riskStore = pgRisk
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		claimStore = claims.NewMemoryStore()
		poolStore = pool.NewMemoryStore()
		premiumStore = premium.NewMemoryStore()
		riskStore = riskscore.NewMemoryStore()
	}

	// Capital pools
	s.pools = pool.NewService(poolStore, s.logger)

	// Dynamic risk scoring from recent signal history
	s.riskEngine = riskscore.NewEngine(riskStore)

	// Premium pricing
	s.premium = premium.NewService(premiumStore, s.logger).WithRiskScorer(s.riskEngine)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Policy ledger
	s.claims = claims.NewService(claimStore, s.pools.Allocator(), s.premium, s.logger).
		WithBroadcaster(s.realtimeHub)
	s.claims.AuthorizeProcessor(dispatch.PipelineProcessor)
	s.claims.AuthorizeProcessor(claims.ManualProcessor)
	if cfg.ProtocolFeeBps > 0 {
		if err := s.claims.SetProtocolFee(cfg.ProtocolFeeBps, cfg.FeeCollector); err != nil {
			return nil, fmt.Errorf("invalid protocol fee config: %w", err)
		}
	}
	s.expiryTimer = claims.NewTimer(s.claims, s.logger)

	// Claim dispatcher
	s.dispatcher = dispatch.New(s.claims, s.logger).
		WithObserver(s.riskEngine).
		WithBroadcaster(s.realtimeHub)
	s.dispatcher.AuthorizeListener(cfg.ListenerOrigin)
	if err := s.dispatcher.SetCooldownPeriod(cfg.CooldownPeriod); err != nil {
		return nil, fmt.Errorf("invalid cooldown config: %w", err)
	}

	// Event classifier + chain log feed
	cls, err := classifier.New(classifier.DefaultConfig(), s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}
	s.classifier = cls

	if len(cfg.Chains) > 0 {
		feedCfg := classifier.FeedConfig{
			PollInterval: cfg.PollInterval,
			Origin:       cfg.ListenerOrigin,
		}
		for _, c := range cfg.Chains {
			feedCfg.Chains = append(feedCfg.Chains, classifier.ChainConfig{
				ChainID: c.ChainID,
				RPCURL:  c.RPCURL,
			})
		}
		feed, err := classifier.NewFeed(feedCfg, s.classifier, &broadcastingSink{s.dispatcher, s.realtimeHub}, s.logger)
		if err != nil {
			s.logger.Warn("failed to create chain feed, remote signal ingest only", "error", err)
		} else {
			s.feed = feed
			s.logger.Info("chain feed configured", "chains", len(cfg.Chains), "pollInterval", cfg.PollInterval)
		}
	} else {
		s.logger.Info("no chains configured, remote signal ingest only")
	}

	// Health checks
	s.healthReg = health.NewRegistry()
	s.healthReg.Register("claims", func(ctx context.Context) health.Status {
		return health.Status{Name: "claims", Healthy: s.expiryTimer.Running(), Detail: "policy expiry timer"}
	})
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
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

// broadcastingSink forwards feed signals to the dispatcher and mirrors
// every classified signal to realtime subscribers, dispatched or not.
type broadcastingSink struct {
	dispatcher *dispatch.Dispatcher
	hub        *realtime.Hub
}

func (b *broadcastingSink) Dispatch(ctx context.Context, sig *peril.RiskSignal, origin string) (bool, error) {
	b.hub.SignalDetected(sig)
	return b.dispatcher.Dispatch(ctx, sig, origin)
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		limiterCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

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

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

// adminAuthMiddleware gates operator routes behind X-Admin-Secret.
// In development with no secret configured, admin routes are open.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin API is not configured",
				})
				return
			}
			c.Next()
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
	}
}

// listenerAuthMiddleware gates the remote signal ingest route behind
// X-Listener-Key. The dispatcher applies the logical origin allowlist
// on top of this transport check.
func (s *Server) listenerAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.ListenerSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "ingest_disabled",
					"message": "Signal ingest is not configured",
				})
				return
			}
			c.Next()
			return
		}
		provided := c.GetHeader("X-Listener-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.ListenerSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid listener credentials",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time pipeline streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	claimsHandler := claims.NewHandler(s.claims)
	poolHandler := pool.NewHandler(s.pools)
	premiumHandler := premium.NewHandler(s.premium)
	dispatchHandler := dispatch.NewHandler(s.dispatcher, s.logger)
	classifierHandler := classifier.NewHandler(s.classifier, s.logger)

	// PUBLIC ROUTES — policy holders and capital providers
	claimsHandler.RegisterRoutes(v1)
	poolHandler.RegisterRoutes(v1)
	premiumHandler.RegisterRoutes(v1.Group("/premium"))

	// PIPELINE ROUTES — remote listeners pushing classified signals
	ingest := v1.Group("")
	ingest.Use(s.listenerAuthMiddleware())
	dispatchHandler.RegisterRoutes(ingest)

	// ADMIN ROUTES — operator surface (X-Admin-Secret)
	admin := v1.Group("")
	admin.Use(s.adminAuthMiddleware())
	classifierHandler.RegisterAdminRoutes(admin)
	dispatchHandler.RegisterAdminRoutes(admin)
	claimsHandler.RegisterAdminRoutes(admin)
	poolHandler.RegisterAdminRoutes(admin)
	premiumHandler.RegisterAdminRoutes(admin)
	admin.POST("/admin/policies/expire", s.expireSweepHandler)
	admin.GET("/admin/risk-scores/:address", s.riskScoreHandler)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
		"name":        "Parashield",
		"description": "Cross-chain parametric insurance",
		"version":     "0.1.0",
		"perils":      []string{"exploit", "depeg", "bridge_failure", "volatility"},
	})
}

// expireSweepHandler handles POST /v1/admin/policies/expire — an on-demand
// sweep alongside the background expiry timer.
func (s *Server) expireSweepHandler(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	expired, err := s.claims.ExpirePolicies(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("expiry sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Expiry sweep failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"expired": expired})
}

// riskScoreHandler handles GET /v1/admin/risk-scores/:address
func (s *Server) riskScoreHandler(c *gin.Context) {
	ctx := c.Request.Context()
	subject := c.Param("address")

	multiplier, err := s.riskEngine.Multiplier(ctx, subject)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute risk multiplier",
		})
		return
	}

	history, err := s.riskEngine.History(ctx, subject, 20)
	if err != nil {
		logging.L(ctx).Warn("failed to load assessment history", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"subject":       subject,
		"multiplierPct": multiplier,
		"assessments":   history,
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start chain log feed
	if s.feed != nil {
		if err := s.feed.Start(runCtx); err != nil {
			s.logger.Error("failed to start chain feed", "error", err)
		}
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start policy expiry timer
	go s.expiryTimer.Start(runCtx)

	// Sample DB pool stats for Prometheus
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers, feed)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop chain feed
	if s.feed != nil {
		s.feed.Stop()
		s.logger.Info("chain feed stopped")
	}

	// Stop policy expiry timer
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.logger.Info("expiry timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
