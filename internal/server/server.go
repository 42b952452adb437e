// Package server assembles the HTTP server: storage wiring, middleware, and
// all routes.
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

	"github.com/praxisapp/praxis/internal/audit"
	"github.com/praxisapp/praxis/internal/billing"
	"github.com/praxisapp/praxis/internal/config"
	"github.com/praxisapp/praxis/internal/events"
	"github.com/praxisapp/praxis/internal/health"
	"github.com/praxisapp/praxis/internal/ledger"
	"github.com/praxisapp/praxis/internal/logging"
	"github.com/praxisapp/praxis/internal/metrics"
	"github.com/praxisapp/praxis/internal/notify"
	"github.com/praxisapp/praxis/internal/ratelimit"
	"github.com/praxisapp/praxis/internal/realtime"
	"github.com/praxisapp/praxis/internal/reconciliation"
	"github.com/praxisapp/praxis/internal/security"
	"github.com/praxisapp/praxis/internal/tenant"
	"github.com/praxisapp/praxis/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	eventStore   events.Store
	tenantStore  tenant.Store
	ledgerStore  ledger.Store
	auditSink    audit.Sink
	processor    *billing.Processor
	subsFetcher  billing.SubscriptionFetcher
	realtimeHub  *realtime.Hub
	reconTimer   *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	healthChecks *health.Registry
	db           *sql.DB // nil when using in-memory stores
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

// WithSubscriptionFetcher overrides the provider client (for testing)
func WithSubscriptionFetcher(f billing.SubscriptionFetcher) Option {
	return func(s *Server) {
		s.subsFetcher = f
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	// Apply options first (may set logger or fetcher)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.eventStore = events.NewPostgresStore(db)
		s.tenantStore = tenant.NewPostgresStore(db)
		s.ledgerStore = ledger.NewPostgresStore(db)
		s.auditSink = audit.NewPostgresSink(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthChecks.Register("database", health.PingChecker("database", db, 2*time.Second))
	} else {
		s.eventStore = events.NewMemoryStore()
		s.tenantStore = tenant.NewMemoryStore()
		s.ledgerStore = ledger.NewMemoryStore()
		s.auditSink = audit.NewMemorySink()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime hub for the back-office event feed
	s.realtimeHub = realtime.NewHub(s.logger)

	// Mail notifications (optional)
	var mailer notify.Mailer
	if cfg.MailAPIURL != "" {
		mailer = notify.NewHTTPMailer(cfg.MailAPIURL, cfg.MailAPIKey, cfg.MailFrom, cfg.MailSignSecret, s.logger)
		s.logger.Info("email notifications enabled", "from", cfg.MailFrom)
	}
	notifier := notify.NewNotifier(mailer, s.logger)

	// Provider API client (optional; without it checkout falls back to
	// treating the purchase as immediately active)
	if s.subsFetcher == nil && cfg.StripeAPIKey != "" {
		s.subsFetcher = billing.NewStripeFetcher(cfg.StripeAPIKey)
		s.logger.Info("provider subscription lookups enabled")
	}

	// Webhook processor
	verifier := billing.NewVerifier(cfg.StripeWebhookSecret, cfg.SignatureTolerance)
	procOpts := []billing.ProcessorOption{
		billing.WithNotifier(notifier),
		billing.WithFeed(s.realtimeHub),
	}
	if s.subsFetcher != nil {
		procOpts = append(procOpts, billing.WithSubscriptionFetcher(s.subsFetcher))
	}
	s.processor = billing.NewProcessor(verifier, s.eventStore, s.tenantStore,
		s.ledgerStore, s.auditSink, s.logger, procOpts...)

	// Ledger reconciliation against the provider (optional)
	if cfg.StripeAPIKey != "" {
		svc := reconciliation.NewService(s.ledgerStore,
			reconciliation.NewStripeTotals(cfg.StripeAPIKey), 24*time.Hour, s.logger)
		s.reconTimer = reconciliation.NewTimer(svc, time.Hour, s.logger)
		s.logger.Info("ledger reconciliation enabled")
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

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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

	// WebSocket for the back-office live feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// Webhook intake (raw body; the signature covers the exact bytes)
	billing.NewHandler(s.processor).RegisterRoutes(s.router)

	// V1 read API for the back office
	v1 := s.router.Group("/v1")
	v1.GET("/tenants/:tenantId/subscription", validation.TenantParamMiddleware(), s.getTenantSubscription)
	v1.GET("/tenants/:tenantId/ledger", validation.TenantParamMiddleware(), s.getTenantLedger)
	v1.GET("/billing/events/:eventId", s.getBillingEvent)
	v1.GET("/billing/audit", s.getRecentAudit)
	v1.GET("/realtime/stats", s.getRealtimeStats)
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
	healthy, statuses := s.healthChecks.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
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
		"name":        "Praxis Billing",
		"description": "Payment event reconciliation for Praxis workspaces",
		"version":     "0.1.0",
		"provider":    "stripe",
	})
}

func (s *Server) getTenantSubscription(c *gin.Context) {
	ctx := c.Request.Context()

	t, err := s.tenantStore.Get(ctx, c.Param("tenantId"))
	if errors.Is(err, tenant.ErrTenantNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "tenant_not_found",
			"message": "No tenant with this ID",
		})
		return
	}
	if err != nil {
		logging.L(ctx).Error("failed to load tenant", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load tenant",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenantId":           t.ID,
		"name":               t.Name,
		"subscriptionStatus": t.SubscriptionStatus,
		"currentPeriodEnd":   t.CurrentPeriodEnd,
		"updatedAt":          t.UpdatedAt,
	})
}

func (s *Server) getTenantLedger(c *gin.Context) {
	ctx := c.Request.Context()

	limit := 50
	if v := c.Query("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 1 || limit > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 500",
			})
			return
		}
	}

	entries, err := s.ledgerStore.ListByTenant(ctx, c.Param("tenantId"), limit)
	if err != nil {
		logging.L(ctx).Error("failed to list ledger entries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list ledger entries",
		})
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"tenantId": c.Param("tenantId"),
		"entries":  entries,
		"count":    len(entries),
	})
}

func (s *Server) getBillingEvent(c *gin.Context) {
	ctx := c.Request.Context()

	ev, err := s.eventStore.Get(ctx, c.Param("eventId"))
	if errors.Is(err, events.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "event_not_found",
			"message": "No event with this provider event ID",
		})
		return
	}
	if err != nil {
		logging.L(ctx).Error("failed to load event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load event",
		})
		return
	}

	c.JSON(http.StatusOK, ev)
}

func (s *Server) getRecentAudit(c *gin.Context) {
	ctx := c.Request.Context()

	records, err := s.auditSink.Recent(ctx, 50)
	if err != nil {
		logging.L(ctx).Error("failed to list audit records", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list audit records",
		})
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) getRealtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start reconciliation timer
	if s.reconTimer != nil {
		s.reconTimer.Start()
	}

	// Collect DB pool stats
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

	// Cancel background goroutines (hub, stats collector)
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

	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
