package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7gateway/internal/config"
	"github.com/ehr/hl7gateway/internal/domain/inbound"
	"github.com/ehr/hl7gateway/internal/platform/auth"
	"github.com/ehr/hl7gateway/internal/platform/db"
	"github.com/ehr/hl7gateway/internal/platform/hl7v2"
	"github.com/ehr/hl7gateway/internal/platform/middleware"
	"github.com/ehr/hl7gateway/internal/platform/telemetry"
	"github.com/ehr/hl7gateway/internal/platform/webhook"
	"github.com/ehr/hl7gateway/internal/platform/websocket"
)

// webhookWorkers is the number of concurrent outbound deliveries.
const webhookWorkers = 4

// app is the assembled gateway: the MLLP listener and the HTTP control plane
// share one processor, one store and one metrics provider.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	echo      *echo.Echo
	mllp      *hl7v2.MLLPServer
	processor *hl7v2.Processor
	inbound   *inbound.Service
	hub       *websocket.Hub
	webhooks  *webhook.Dispatcher
	telemetry *telemetry.Provider
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// newApp wires every component. pool may be nil, in which case accepted
// records are kept in memory.
func newApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	provider := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "hl7-gateway",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})

	var repo inbound.Repository
	if pool != nil {
		repo = inbound.NewRepoPG(pool)
	} else {
		repo = inbound.NewMemoryRepo()
		logger.Warn().Msg("DATABASE_URL not set, accepted messages are kept in memory only")
	}
	inboundSvc := inbound.NewService(repo, logger)
	inboundSvc.SetMetrics(provider)

	hub := websocket.NewHub(logger)

	webhookOpts := []webhook.Option{webhook.WithMaxAttempts(cfg.WebhookMaxAttempts)}
	if cfg.WebhookTimeout > 0 {
		webhookOpts = append(webhookOpts, webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}))
	}
	webhooks := webhook.NewDispatcher(webhook.NewMemoryStore(), logger, webhookOpts...)
	for _, u := range cfg.WebhookURLs {
		ep, err := webhooks.RegisterEndpoint(context.Background(), u, cfg.WebhookSecret, cfg.WebhookEvents)
		if err != nil {
			return nil, fmt.Errorf("register webhook %s: %w", u, err)
		}
		logger.Info().Str("webhook_id", ep.ID).Str("url", u).Strs("events", ep.Events).Msg("webhook registered")
	}

	notifier := hl7v2.Notifiers{hub, webhooks}
	processor := hl7v2.NewProcessor(hl7v2.NewAcker(cfg.AckApplication, cfg.AckFacility), inboundSvc, notifier, logger)
	processor.HandoffTimeout = cfg.HandoffTimeout
	processor.SetMetrics(provider)

	mllp := hl7v2.NewMLLPServer(hl7v2.ServerConfig{
		Addr:         cfg.MLLPAddr,
		ReadTimeout:  cfg.MLLPReadTimeout,
		WriteTimeout: cfg.MLLPWriteTimeout,
		MaxFrameSize: cfg.MLLPMaxFrameBytes,
	}, processor, logger)
	mllp.SetMetrics(provider)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		mllp:      mllp,
		processor: processor,
		inbound:   inboundSvc,
		hub:       hub,
		webhooks:  webhooks,
		telemetry: provider,
	}
	a.echo = a.newEcho()
	return a, nil
}

func (a *app) newEcho() *echo.Echo {
	cfg := a.cfg
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(a.telemetry.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimitBytes(int64(cfg.MLLPMaxFrameBytes)))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtConfig(cfg)))
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":           "ok",
			"version":          version,
			"mllp_connections": a.mllp.ConnCount(),
			"ws_clients":       a.hub.ClientCount(),
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", a.telemetry.PrometheusHandler())

	// HL7v2 submission over HTTP shares the MLLP pipeline.
	hl7Group := apiV1.Group("", auth.RequireRole(auth.RoleOperator))
	hl7v2.NewHandler(a.processor).RegisterRoutes(hl7Group)

	// Accepted message history
	inbound.NewHandler(a.inbound).RegisterRoutes(apiV1)

	// Live feed
	wsGroup := apiV1.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleOperator))
	websocket.NewWebSocketHandler(a.hub).RegisterRoutes(wsGroup)

	// Outbound webhook management
	adminGroup := apiV1.Group("", auth.RequireRole(auth.RoleAdmin))
	webhook.NewHandler(a.webhooks).RegisterRoutes(adminGroup)

	return e
}

// start brings up the MLLP listener and, in the background, the HTTP server.
// HTTP failures are reported on the returned channel.
func (a *app) start() (<-chan error, error) {
	if err := a.mllp.Start(); err != nil {
		return nil, err
	}
	a.webhooks.Start(webhookWorkers)

	errc := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Bool("tls", a.cfg.TLSEnabled).Msg("starting server")
		var err error
		if a.cfg.TLSEnabled {
			err = a.echo.StartTLS(addr, a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
		} else {
			err = a.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	return errc, nil
}

// shutdown drains the MLLP listener first so in-flight frames are still
// acknowledged, then stops the HTTP server and flushes queued webhooks.
func (a *app) shutdown(ctx context.Context) error {
	a.logger.Info().Msg("shutting down server")
	mllpErr := a.mllp.Shutdown(ctx)
	if mllpErr != nil {
		a.logger.Error().Err(mllpErr).Msg("MLLP shutdown incomplete")
	}
	httpErr := a.echo.Shutdown(ctx)
	hookErr := a.webhooks.Close(ctx)
	if hookErr != nil {
		a.logger.Warn().Err(hookErr).Msg("webhook deliveries abandoned")
	}
	return errors.Join(mllpErr, httpErr, hookErr)
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	var pool *pgxpool.Pool
	if cfg.HasDatabase() {
		var err error
		pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to database")
			return err
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}

	a, err := newApp(cfg, pool, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to assemble gateway")
		return err
	}
	if pool != nil {
		go db.ReportPoolStats(ctx, pool, a.telemetry, 15*time.Second, logger)
	}

	errc, err := a.start()
	if err != nil {
		logger.Error().Err(err).Msg("failed to start MLLP listener")
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		logger.Error().Err(err).Msg("server error")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.shutdown(shutdownCtx)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
