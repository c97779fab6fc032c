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

	"github.com/asthaai/sentinel/internal/audit"
	"github.com/asthaai/sentinel/internal/config"
	"github.com/asthaai/sentinel/internal/iam"
	"github.com/asthaai/sentinel/internal/identity"
	"github.com/asthaai/sentinel/internal/idgen"
	"github.com/asthaai/sentinel/internal/logging"
	"github.com/asthaai/sentinel/internal/metrics"
	"github.com/asthaai/sentinel/internal/monitor"
	"github.com/asthaai/sentinel/internal/ratelimit"
	"github.com/asthaai/sentinel/internal/realtime"
	"github.com/asthaai/sentinel/internal/risk"
	"github.com/asthaai/sentinel/internal/security"
	"github.com/asthaai/sentinel/internal/supervisor"
	"github.com/asthaai/sentinel/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        risk.Store
	authority    identity.Authority
	verifier     iam.Verifier
	sup          *supervisor.Supervisor
	mon          *monitor.CommunicationMonitor
	trail        *audit.Trail
	fileSink     *audit.FileSink
	hub          *realtime.Hub
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

// WithAuthority sets a custom identity authority (for testing)
func WithAuthority(a identity.Authority) Option {
	return func(s *Server) {
		s.authority = a
	}
}

// WithVerifier sets a custom policy verifier (for testing)
func WithVerifier(v iam.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithStore sets a custom assessment store (for testing)
func WithStore(st risk.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set authority/store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
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
			pg := risk.NewPostgresStore(db)
			if err := pg.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("failed to migrate assessment schema: %w", err)
			}
			s.store = pg
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = risk.NewMemoryStore()
			s.logger.Info("using in-memory storage")
		}
	}

	// Identity authority (HTTP client if configured, otherwise in-memory)
	if s.authority == nil {
		if cfg.IdentityAuthorityURL != "" {
			if err := security.ValidateEndpointURL(cfg.IdentityAuthorityURL); err != nil && cfg.IsProduction() {
				return nil, fmt.Errorf("unsafe identity authority URL: %w", err)
			}
			s.authority = identity.NewClient(cfg.IdentityAuthorityURL, cfg.IdentityAPIKey)
			s.logger.Info("using HTTP identity authority", "url", cfg.IdentityAuthorityURL)
		} else {
			s.authority = identity.NewMemoryAuthority()
			s.logger.Info("using in-memory identity authority")
		}
	}

	if s.verifier == nil {
		s.verifier = iam.NewStaticVerifier()
	}

	// Audit trail (file sink if configured, then Postgres, then slog)
	var sink audit.Sink
	switch {
	case cfg.AuditLogDir != "":
		fs, err := audit.NewFileSink(cfg.AuditLogDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log dir: %w", err)
		}
		s.fileSink = fs
		sink = fs
		s.logger.Info("audit trail writing to files", "dir", cfg.AuditLogDir)
	case s.db != nil:
		pg := audit.NewPostgresSink(s.db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
		}
		sink = pg
		s.logger.Info("audit trail writing to database")
	default:
		sink = audit.NewSlogSink(s.logger)
	}
	s.trail = audit.NewTrail(sink, s.logger, func() string { return idgen.Tag("EVT") })

	// Communication monitor
	s.mon = monitor.NewCommunicationMonitor(monitor.Config{
		Window:                 cfg.CommWindow,
		FrequencyThreshold:     cfg.CommFrequencyThreshold,
		PayloadByteLimit:       cfg.CommPayloadByteLimit,
		RevocationThreshold:    cfg.RevocationThreshold,
		ActivityThreshold:      cfg.ActivityThreshold,
		HighFrequencyThreshold: cfg.HighFrequencyThreshold,
		LargeAmountThreshold:   cfg.LargeAmountThreshold,
	},
		monitor.WithLogger(s.logger),
		monitor.WithAuditTrail(s.trail),
	)

	// Decision gate
	var gate supervisor.Gate
	switch cfg.GateMode {
	case "allow":
		gate = supervisor.StaticGate(true)
	case "block":
		gate = supervisor.StaticGate(false)
	default:
		gate = supervisor.NewAlternatingGate(cfg.GateStateFile)
	}

	// Realtime hub
	s.hub = realtime.NewHub(s.logger)

	// Supervisor ties the engine together
	s.sup = supervisor.New(s.authority, s.verifier, s.store, s.mon,
		supervisor.WithLogger(s.logger),
		supervisor.WithGate(gate),
		supervisor.WithAuditTrail(s.trail),
		supervisor.WithNotifier(s.hub),
		supervisor.WithRevocationRetry(cfg.RevokeMaxAttempts, cfg.RevokeBaseDelay),
	)

	if err := s.sup.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to establish engine identity: %w", err)
	}

	// Setup Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()

	s.setupMiddleware()
	s.setupRoutes()

	// Collect connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	s.healthy.Store(true)

	return s, nil
}

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
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health and probes
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)

	// Prometheus metrics
	s.router.GET("/metrics", metrics.Handler())

	// Realtime event feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/risk/analyze", s.analyzeTransaction)
		v1.POST("/risk/patterns", s.analyzePatterns)
		v1.POST("/risk/flags", s.flagSuspicious)
		v1.GET("/risk/assessments/:id", validation.AgentParamMiddleware(), s.listAssessments)

		v1.POST("/monitor/communications", s.monitorCommunication)
		v1.POST("/agents", s.registerAgent)
		v1.POST("/monitor/agents/:id/activity", validation.AgentParamMiddleware(), s.monitorActivity)
		v1.GET("/monitor/agents/:id", validation.AgentParamMiddleware(), s.agentSnapshot)
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse is the detailed health check payload
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "healthy" // in-memory
	}

	if s.trail.Degraded() {
		checks["audit"] = "degraded"
	} else {
		checks["audit"] = "healthy"
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"agent", s.sup.AgentID(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start audit trail writer
	go s.trail.Start(runCtx)

	// Start realtime hub
	go s.hub.Run(runCtx)

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

	// Cancel the context for all background goroutines (hub, audit writer)
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

	// Flush and stop the audit trail
	s.trail.Stop()
	s.logger.Info("audit trail stopped")

	if s.fileSink != nil {
		if err := s.fileSink.Close(); err != nil {
			s.logger.Error("audit sink close error", "error", err)
		}
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

// Supervisor returns the decision engine for testing
func (s *Server) Supervisor() *supervisor.Supervisor {
	return s.sup
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
