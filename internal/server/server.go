// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/parv3213/flight-escrow/internal/auth"
	"github.com/parv3213/flight-escrow/internal/config"
	"github.com/parv3213/flight-escrow/internal/dbtx"
	"github.com/parv3213/flight-escrow/internal/events"
	"github.com/parv3213/flight-escrow/internal/factory"
	"github.com/parv3213/flight-escrow/internal/flight"
	"github.com/parv3213/flight-escrow/internal/health"
	"github.com/parv3213/flight-escrow/internal/idgen"
	"github.com/parv3213/flight-escrow/internal/ledger"
	"github.com/parv3213/flight-escrow/internal/logging"
	"github.com/parv3213/flight-escrow/internal/metrics"
	"github.com/parv3213/flight-escrow/internal/ratelimit"
	"github.com/parv3213/flight-escrow/internal/realtime"
	"github.com/parv3213/flight-escrow/internal/reconciliation"
	"github.com/parv3213/flight-escrow/internal/retry"
	"github.com/parv3213/flight-escrow/internal/security"
	"github.com/parv3213/flight-escrow/internal/traces"
	"github.com/parv3213/flight-escrow/internal/txlog"
	"github.com/parv3213/flight-escrow/internal/validation"
	"github.com/parv3213/flight-escrow/internal/watcher"
	"github.com/parv3213/flight-escrow/internal/webhooks"
	"github.com/parv3213/flight-escrow/migrations"
)

// Version is reported by the health endpoint. Set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	clock       txlog.Clock
	txlog       *txlog.Log
	ledger      *ledger.Ledger
	flights     *flight.Service
	factory     *factory.Service
	settler     *flight.Settler
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	watcher     *watcher.Watcher // nil if ETH_RPC_URL unset
	webhooks    *webhooks.Handler
	dispatcher  *webhooks.Dispatcher
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	redis       *redis.Client // nil if REDIS_URL unset
	db          *sql.DB       // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownTrace func(context.Context) error

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

// WithClock replaces the block clock (for tests and local sandboxes).
func WithClock(c txlog.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		clock:  txlog.SystemClock{},
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		receiptStore txlog.Store
		ledgerStore  ledger.Store
		flightStore  flight.Store
		factoryStore factory.Store
		webhookStore webhooks.Store
	)

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Postgres may still be starting alongside us.
		err = retry.Do(ctx, 5, 500*time.Millisecond, func() error {
			return db.PingContext(ctx)
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}

		s.db = db
		receiptStore = txlog.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		flightStore = flight.NewPostgresStore(db)
		factoryStore = factory.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		receiptStore = txlog.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		flightStore = flight.NewMemoryStore()
		factoryStore = factory.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Event fan-out: log line, WebSocket subscribers, webhooks, optional Redis bus
	s.realtimeHub = realtime.NewHub(s.logger)
	s.dispatcher = webhooks.NewDispatcher(webhookStore, s.logger)
	s.webhooks = webhooks.NewHandler(webhookStore, s.dispatcher, s.logger)
	emitters := events.Multi{events.NewLogEmitter(s.logger), s.realtimeHub, s.dispatcher}
	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			s.closeDB()
			return nil, err
		}
		s.redis = client
		emitters = append(emitters, events.NewRedisPublisher(client, "", s.logger))
		s.logger.Info("redis event bus enabled")
	}

	s.txlog = txlog.New(receiptStore, s.clock, s.logger).WithEmitter(emitters)
	if s.db != nil {
		s.txlog.WithAtomic(dbtx.NewUnit(s.db))
	}
	if err := s.txlog.Recover(ctx); err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to recover transaction log: %w", err)
	}

	s.ledger = ledger.New(ledgerStore)
	funds := &ledgerAdapter{s.ledger}

	s.flights = flight.NewService(flightStore, funds, s.txlog, s.logger)
	s.factory = factory.NewService(factory.Config{
		Address:       cfg.Factory(),
		Authority:     cfg.Authority(),
		BondBps:       cfg.BondBps,
		DisputeFeeBps: cfg.DisputeFeeBps,
	}, factoryStore, s.flights, funds, s.txlog, s.logger)
	s.ledger.WithGuard(reservedAccounts{registry: cfg.Factory(), flights: s.flights})

	s.settler = flight.NewSettler(s.flights, flightStore, cfg.Keeper(), s.logger).
		WithInterval(cfg.SettlerInterval)
	s.reconciler = reconciliation.NewRunner(s.ledger, s.flights, cfg.Factory())
	s.reconTimer = reconciliation.NewTimer(s.reconciler, s.logger).
		WithInterval(cfg.ReconcileInterval)

	if cfg.EthRPCURL != "" {
		w, err := watcher.Dial(ctx, watcher.Config{
			RPCURL:         cfg.EthRPCURL,
			DepositAddress: cfg.Deposit(),
			PollInterval:   cfg.DepositPollInterval,
			Confirmations:  uint64(cfg.DepositConfirmations),
		}, watcher.LedgerCreditor{Seq: s.txlog, Ledger: s.ledger}, s.logger)
		if err != nil {
			s.closeDB()
			return nil, err
		}
		s.watcher = w
	}

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Redis(s.redis))
	}
	s.health.Register("reconciliation", health.Flag("reconciliation", s.reconciliationHealthy))

	s.logger.Info("escrow registry configured",
		"factory", cfg.Factory().Hex(),
		"authority", cfg.Authority().Hex(),
		"bond_bps", cfg.BondBps,
		"dispute_fee_bps", cfg.DisputeFeeBps,
	)

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

func (s *Server) reconciliationHealthy() (bool, string) {
	report := s.reconciler.Last()
	if report == nil {
		return true, "not run yet"
	}
	if !report.Healthy {
		return false, fmt.Sprintf("%d insolvent escrows, %d ledger mismatches, registry holds %s",
			len(report.Insolvent), len(report.Ledger.Mismatches), report.RegistryBalance)
	}
	return true, ""
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1", validation.AddressParamMiddleware())
	v1.GET("/info", s.infoHandler)

	registryHandler := factory.NewHandler(s.factory, s.logger)
	flightHandler := flight.NewHandler(s.flights, s.logger)

	// Read-only and caller-free routes
	registryHandler.RegisterRoutes(v1)
	flightHandler.RegisterRoutes(v1)
	ledgerHandler := ledger.NewHandler(s.ledger, s.txlog, s.logger)
	ledgerHandler.RegisterRoutes(v1)
	txlog.NewHandler(s.txlog).RegisterRoutes(v1)

	// Operator-only: minting funds and ledger audits
	admin := v1.Group("", auth.RequireAdmin(s.cfg.AdminSecret))
	ledgerHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler, s.logger).RegisterRoutes(admin)

	// Transactions submitted on behalf of X-Caller-Address
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/6, 1),
		CleanupInterval:   time.Minute,
	})
	protected := v1.Group("", validation.CallerMiddleware(), s.rateLimiter.Middleware(ratelimit.ByCaller))
	registryHandler.RegisterProtectedRoutes(protected)
	flightHandler.RegisterProtectedRoutes(protected)
	s.webhooks.RegisterProtectedRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
		"name":          "flight-escrow",
		"description":   "Per-flight travel delay insurance escrow",
		"version":       Version,
		"factory":       s.factory.Address(),
		"authority":     s.factory.EscrowAuthority(),
		"bondBps":       s.cfg.BondBps,
		"disputeFeeBps": s.cfg.DisputeFeeBps,
		"currency":      "ETH",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTrace, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "factory", s.cfg.Factory().Hex())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.settler.Start(runCtx)
	go s.reconTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.health.Register("settler", health.Loop("settler", s.settler))

	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Error("deposit watcher failed to start", "error", err)
		}
		s.health.Register("deposit_watcher", health.Loop("deposit_watcher", s.watcher))
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	s.settler.Stop()
	s.reconTimer.Stop()
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	// In-flight webhook deliveries still record their outcome.
	s.dispatcher.Wait()

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// ledgerAdapter adapts *ledger.Ledger to flight.LedgerService.
type ledgerAdapter struct {
	l *ledger.Ledger
}

func (a *ledgerAdapter) Transfer(ctx context.Context, reference string, legs ...flight.Transfer) error {
	converted := make([]ledger.Transfer, len(legs))
	for i, leg := range legs {
		converted[i] = ledger.Transfer{From: leg.From, To: leg.To, Amount: leg.Amount}
	}
	return a.l.Transfer(ctx, reference, converted...)
}

func (a *ledgerAdapter) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return a.l.BalanceOf(ctx, addr)
}

// reservedAccounts marks the registry and every escrow as closed to external
// deposits.
type reservedAccounts struct {
	registry common.Address
	flights  *flight.Service
}

func (r reservedAccounts) Reserved(ctx context.Context, addr common.Address) (bool, error) {
	if addr == r.registry {
		return true, nil
	}
	_, err := r.flights.Get(ctx, addr)
	if errors.Is(err, flight.ErrFlightNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
