// Package server wires the billing stack and serves it over HTTP.
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/recurra/internal/catalog"
	"github.com/mbd888/recurra/internal/config"
	"github.com/mbd888/recurra/internal/dispatch"
	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/facets"
	"github.com/mbd888/recurra/internal/health"
	"github.com/mbd888/recurra/internal/logging"
	"github.com/mbd888/recurra/internal/metrics"
	"github.com/mbd888/recurra/internal/ownership"
	"github.com/mbd888/recurra/internal/platform"
	"github.com/mbd888/recurra/internal/ratelimit"
	"github.com/mbd888/recurra/internal/realtime"
	"github.com/mbd888/recurra/internal/relay"
	"github.com/mbd888/recurra/internal/renewal"
	"github.com/mbd888/recurra/internal/settlement"
	"github.com/mbd888/recurra/internal/state"
	"github.com/mbd888/recurra/internal/subscription"
	"github.com/mbd888/recurra/internal/token"
	"github.com/mbd888/recurra/internal/webhooks"
)

// Version is reported by /health.
const Version = "0.1.0"

// Server wraps the HTTP server and the billing stack behind it
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	clock  state.Clock
	host   *state.Host
	bank   *token.Bank  // in-memory tokens; nil on chain
	chain  *token.Chain // nil in memory mode
	events *events.Log
	hub    *realtime.Hub
	hooks  *webhooks.Notifier // nil without WEBHOOK_URLS

	diamond  *dispatch.Diamond
	platform *platform.Service
	catalog  *catalog.Service
	settler  *settlement.Service
	subs     *subscription.Service
	relay    *relay.Service
	timer    *renewal.Timer

	limiter *ratelimit.Limiter
	health  *health.Registry
	replay  *replayCache

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock sets the ledger clock (for testing).
func WithClock(c state.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithBank uses an existing in-memory token bank (for testing).
func WithBank(b *token.Bank) Option {
	return func(s *Server) { s.bank = b }
}

// WithRateLimit overrides the default per-client rate limit.
func WithRateLimit(cfg ratelimit.Config) Option {
	return func(s *Server) { s.limiter = ratelimit.New(cfg) }
}

// New builds the billing stack described by cfg and installs every facet.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, logging.FormatFor(cfg.Env)),
		health: health.NewRegistry(),
		replay: newReplayCache(cfg.CallMaxSkew),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	}
	ctx := context.Background()

	var (
		store  state.Store
		owners ownership.Registry
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		store = state.NewPostgresStore(db)
		owners = ownership.NewPostgresRegistry(db)
		s.health.Register("store", health.Ping(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = state.NewMemoryStore()
		owners = ownership.NewMemoryRegistry()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	var tokens token.Registry
	if cfg.RPCURL != "" {
		chain, err := token.NewChain(token.ChainConfig{RPCURL: cfg.RPCURL, PrivateKey: cfg.PlatformKey, ChainID: cfg.ChainID})
		if err != nil {
			return nil, fmt.Errorf("failed to connect token chain: %w", err)
		}
		s.chain = chain
		tokens = chain
		s.logger.Info("spending ERC-20 tokens on chain", "chainId", cfg.ChainID, "spender", chain.Spender().Hex())
	} else {
		if s.bank == nil {
			s.bank = token.NewBank()
		}
		tokens = s.bank
		s.logger.Info("using in-memory token bank")
	}

	s.hub = realtime.NewHub(s.logger)
	s.events = events.NewLog(events.DefaultCapacity, s.hub)
	if cfg.WebhookURLs != "" {
		endpoints, err := webhooks.ParseEndpoints(cfg.WebhookURLs, cfg.WebhookSecret)
		if err != nil {
			return nil, err
		}
		s.hooks = webhooks.NewNotifier(endpoints, s.logger)
		s.events.AddSink(s.hooks)
		s.logger.Info("webhooks enabled", "endpoints", len(endpoints), "signed", cfg.WebhookSecret != "")
	}
	s.host = state.NewHost(store, s.clock)

	s.diamond = dispatch.New(s.host, cfg.Owner(), s.logger).WithEvents(s.events)
	if err := s.diamond.LoadOwnership(ctx); err != nil {
		return nil, fmt.Errorf("failed to load platform ownership: %w", err)
	}
	s.platform = platform.NewService(s.host, s.diamond, s.logger).WithEvents(s.events)
	s.catalog = catalog.NewService(s.host, owners, s.logger).WithEvents(s.events)
	s.settler = settlement.NewService(s.host, tokens, s.catalog, s.logger).WithEvents(s.events)
	s.subs = subscription.NewService(s.host, s.settler, s.logger).WithEvents(s.events)
	s.relay = relay.NewService(s.host, s.subs, s.logger)

	err := facets.Install(ctx, facets.Deps{
		Diamond:       s.diamond,
		Platform:      s.platform,
		Catalog:       s.catalog,
		Settlement:    s.settler,
		Subscriptions: s.subs,
		Relay:         s.relay,
	}, s.diamond.Owner(), platform.InitParams{
		Treasury:      cfg.Treasury(),
		Relayer:       cfg.Relayer(),
		TaxRateBPS:    cfg.TaxRateBPS,
		PeriodSeconds: int64(cfg.BillingPeriod / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to install facets: %w", err)
	}
	s.health.Register("facets", func(context.Context) error {
		if len(s.diamond.Facets()) == 0 {
			return errors.New("no facets routed")
		}
		return nil
	})

	if cfg.RenewalInterval > 0 {
		s.timer = renewal.NewTimer(s.subs, s.host, cfg.Relayer(), cfg.RenewalInterval, s.logger)
		s.logger.Info("renewal timer enabled", "interval", cfg.RenewalInterval, "relayer", cfg.Relayer().Hex())
	}

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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.POST("/call", s.callHandler)
	v1.GET("/platform", s.platformHandler)
	v1.GET("/facets", s.facetsHandler)
	v1.GET("/events", s.eventsHandler)
	v1.GET("/owners/:address/tenants", s.ownerTenantsHandler)

	tenants := v1.Group("/tenants/:id")
	tenants.GET("", s.tenantHandler)
	tenants.GET("/tiers", s.tiersHandler)
	tenants.GET("/subscriptions/:user", s.subscriptionHandler)
	tenants.GET("/subscriptions/:user/quote", s.quoteHandler)
	tenants.GET("/relay/message", s.relayMessageHandler)

	if s.bank != nil && s.cfg.IsDevelopment() {
		dev := v1.Group("/dev")
		dev.POST("/mint", s.devMintHandler)
		dev.POST("/approve", s.devApproveHandler)
	}
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Stream    realtime.Stats  `json:"stream"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Stream:    s.hub.Stats(),
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

// Run starts the HTTP server and background loops, and blocks until ctx is
// cancelled or a shutdown signal arrives.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "owner", s.diamond.Owner().Hex())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	if s.hooks != nil {
		go s.hooks.Run(runCtx)
	}
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	if s.timer != nil {
		go s.timer.Start(runCtx)
	}
	if s.chain != nil {
		go s.retryPayouts(runCtx, time.Minute)
	}
	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// retryPayouts resends owed on-chain payouts until ctx is done.
func (s *Server) retryPayouts(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if owed := s.chain.FlushPayouts(ctx); owed > 0 {
				s.logger.Warn("on-chain payouts still owed", "count", owed)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.timer != nil {
		s.timer.Stop()
		s.logger.Info("renewal timer stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.chain != nil {
		s.chain.Close()
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

// Hub returns the event stream hub.
func (s *Server) Hub() *realtime.Hub {
	return s.hub
}
