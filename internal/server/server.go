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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tradeloop/tradeloop/internal/config"
	"github.com/tradeloop/tradeloop/internal/escrow"
	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/listing"
	"github.com/tradeloop/tradeloop/internal/logging"
	"github.com/tradeloop/tradeloop/internal/metrics"
	"github.com/tradeloop/tradeloop/internal/notify"
	"github.com/tradeloop/tradeloop/internal/offer"
	"github.com/tradeloop/tradeloop/internal/payment"
	"github.com/tradeloop/tradeloop/internal/ratelimit"
	"github.com/tradeloop/tradeloop/internal/realtime"
	"github.com/tradeloop/tradeloop/internal/security"
	"github.com/tradeloop/tradeloop/internal/traces"
	"github.com/tradeloop/tradeloop/internal/validation"
	"github.com/tradeloop/tradeloop/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	walletStore     wallet.Store
	walletService   *wallet.Service
	listingService  *listing.Service
	offerService    *offer.Service
	offerTimer      *offer.Timer
	escrowService   *escrow.Service
	escrowTimer     *escrow.Timer
	paymentService  *payment.Service
	paymentProvider payment.Provider
	notifyStore     notify.Store
	dispatcher      *notify.Dispatcher
	realtimeHub     *realtime.Hub

	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	tracesStop   func(context.Context) error

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

// WithPaymentProvider sets a custom payment provider (for testing)
func WithPaymentProvider(p payment.Provider) Option {
	return func(s *Server) {
		s.paymentProvider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var offerStore offer.Store
	var escrowStore escrow.Store
	var listingStore listing.Store
	var paymentStore payment.Store
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
		s.walletStore = wallet.NewPostgresStore(db)
		listingStore = listing.NewPostgresStore(db)
		offerStore = offer.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		paymentStore = payment.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.walletStore = wallet.NewMemoryStore()
		listingStore = listing.NewMemoryStore()
		offerStore = offer.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		paymentStore = payment.NewMemoryStore(s.walletStore)
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime hub and outbound notifications
	s.realtimeHub = realtime.NewHub(s.logger)
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	notifier := notify.NewNotifier(s.dispatcher, s.realtimeHub, s.logger)

	// Services. The offer store is shared between the offer service and
	// the adapter the escrow service reads accepted offers through.
	s.walletService = wallet.NewService(s.walletStore)
	s.listingService = listing.NewService(listingStore)

	s.escrowService = escrow.NewService(
		escrowStore,
		s.walletStore,
		offer.NewEscrowAdapter(offerStore),
		escrow.Config{
			FeeBPS:        cfg.EscrowFeeBPS,
			Window:        cfg.EscrowWindow,
			DisputeWindow: time.Duration(cfg.DisputeWindowDays) * 24 * time.Hour,
		},
		s.logger,
	).
		WithListings(&listingAccessAdapter{s.listingService}).
		WithNotifier(notifier)
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, cfg.SweepInterval, s.logger)

	s.offerService = offer.NewService(
		offerStore,
		s.listingService,
		offer.Config{
			TTL:           cfg.OfferTTL,
			MaxCounters:   cfg.MaxCounterOffers,
			MaxCashAmount: cfg.MaxOfferAmount,
		},
		s.logger,
	).
		WithEscrow(s.escrowService).
		WithNotifier(notifier)
	s.offerTimer = offer.NewTimer(s.offerService, offerStore, cfg.SweepInterval, s.logger)

	// Payment provider. Option may have injected a stub for tests.
	if s.paymentProvider == nil {
		if cfg.StripeSecretKey == "" {
			s.logger.Warn("STRIPE_SECRET_KEY not set, provider calls will fail")
		}
		s.paymentProvider = payment.NewGuardedProvider(
			payment.NewStripeProvider(cfg.StripeSecretKey, cfg.ProviderCurrency))
	}
	s.paymentService = payment.NewService(
		paymentStore,
		s.walletStore,
		s.paymentProvider,
		payment.Config{
			WithdrawFeeBPS: cfg.WithdrawFeeBPS,
			WebhookSecret:  cfg.PaymentWebhookSecret,
		},
		s.logger,
	)

	// Tracing (no-op when no OTLP endpoint is configured)
	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesStop = stop
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

	// CORS (allow all origins for development - restrict in production)
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

// requireOperator gates operator endpoints behind the X-Admin-Secret
// header. Outside production an empty configured secret lets local
// operators through.
func (s *Server) requireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Operator endpoints are not configured",
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
				"message": "Invalid operator credentials",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// Provider-facing payment webhook. Authenticated by HMAC signature,
	// not by user identity, so it lives outside the v1 group.
	paymentHandler := payment.NewHandler(s.paymentService, s.logger)
	paymentHandler.RegisterWebhookRoutes(s.router)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())
	v1.Use(identity.Middleware())

	// PUBLIC ROUTES (no auth required)
	listingHandler := listing.NewHandler(s.listingService, s.logger)
	listingHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require an authenticated user)
	protected := v1.Group("")
	protected.Use(identity.RequireUser())
	{
		listingHandler.RegisterProtectedRoutes(protected)

		walletHandler := wallet.NewHandler(s.walletService, s.logger)
		walletHandler.RegisterRoutes(protected)

		offerHandler := offer.NewHandler(s.offerService, s.logger)
		offerHandler.RegisterRoutes(protected)

		escrowHandler := escrow.NewHandler(s.escrowService, s.logger)
		escrowHandler.RegisterRoutes(protected)

		paymentHandler.RegisterRoutes(protected)

		notifyHandler := notify.NewHandler(s.notifyStore, s.logger)
		notifyHandler.RegisterRoutes(protected)
	}

	// OPERATOR ROUTES (dispute resolution acts as the platform)
	admin := v1.Group("/admin")
	admin.Use(s.requireOperator())
	{
		escrowHandler := escrow.NewHandler(s.escrowService, s.logger)
		escrowHandler.RegisterAdminRoutes(admin)
		admin.GET("/realtime/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.realtimeHub.Stats())
		})
	}
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

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
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
		"name":        "Tradeloop",
		"description": "Escrow-backed P2P barter marketplace",
		"version":     "0.1.0",
		"currency":    s.cfg.ProviderCurrency,
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start escrow auto-release and offer expiry timers
	go s.escrowTimer.Start(runCtx)
	go s.offerTimer.Start(runCtx)

	// Start DB stats collector
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, timers)
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

	// Stop sweep timers
	s.escrowTimer.Stop()
	s.offerTimer.Stop()
	s.logger.Info("sweep timers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// listingAccessAdapter adapts listing.Service to escrow.ListingAccess.
type listingAccessAdapter struct {
	listings *listing.Service
}

func (a *listingAccessAdapter) Price(ctx context.Context, listingID string) (int64, error) {
	l, err := a.listings.Get(ctx, listingID)
	if err != nil {
		return 0, err
	}
	return l.Price, nil
}

func (a *listingAccessAdapter) MarkTraded(ctx context.Context, listingID string) error {
	return a.listings.MarkTraded(ctx, listingID)
}
