package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/careguard/internal/config"
	"github.com/ehr/careguard/internal/domain/account"
	"github.com/ehr/careguard/internal/domain/appointment"
	"github.com/ehr/careguard/internal/domain/clinicalsession"
	"github.com/ehr/careguard/internal/domain/patient"
	"github.com/ehr/careguard/internal/domain/scheduling"
	"github.com/ehr/careguard/internal/platform/access"
	"github.com/ehr/careguard/internal/platform/audit"
	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/db"
	"github.com/ehr/careguard/internal/platform/middleware"
	"github.com/ehr/careguard/internal/platform/session"
	"github.com/ehr/careguard/internal/platform/telemetry"
)

const version = "0.1.0"

// app holds the wired services. pool is nil when running on in-memory
// stores, which is only allowed in development.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	pool    *pgxpool.Pool
	redis   *redis.Client

	sink     audit.Sink
	sessions *session.Manager
	accounts *account.Service
	patients *patient.Service
	clinical *clinicalsession.Service
	resolver *scheduling.Resolver
	orch     *access.Orchestrator
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "careguard").Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}

	cal := scheduling.NewStaticCalendar()
	if cfg.CalendarFile != "" {
		var err error
		if cal, err = scheduling.LoadCalendar(cfg.CalendarFile); err != nil {
			return nil, err
		}
	}

	var (
		sessionStore session.Store
		slotStore    scheduling.Store
		patientRepo  patient.Repository
		accountRepo  account.Repository
		clinicalRepo clinicalsession.Repository
	)
	logSink := audit.NewLogSink(logger)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		sessionStore = session.NewPGStore(pool)
		slotStore = scheduling.NewPGStore(pool)
		patientRepo = patient.NewRepoPG(pool)
		accountRepo = account.NewRepoPG(pool)
		clinicalRepo = clinicalsession.NewRepoPG(pool)
		a.sink = audit.Multi{audit.NewPGSink(pool), logSink}
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory stores")
		sessionStore = session.NewMemoryStore()
		slotStore = scheduling.NewMemoryStore()
		patientRepo = patient.NewMemoryRepo()
		accountRepo = account.NewMemoryRepo()
		clinicalRepo = clinicalsession.NewMemoryRepo()
		a.sink = logSink
	}

	if cfg.RedisURL != "" {
		client, err := middleware.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redis = client
	}

	a.sessions = session.NewManager(sessionStore, cfg.SessionPolicy(), a.sink, logger, session.WithMetrics(a.metrics))
	a.resolver = scheduling.NewResolver(slotStore, cal, cfg.ResolverOptions(), a.metrics)
	a.patients = patient.NewService(patientRepo, slotStore)
	a.accounts = account.NewService(accountRepo, patientRepo)
	a.clinical = clinicalsession.NewService(clinicalRepo)
	a.orch = access.NewOrchestrator(a.sessions, auth.NewDefaultPermissionEngine(), a.resolver, a.sink, a.metrics, logger)
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// windowCounter shares rate limit counts through Redis when configured.
func (a *app) windowCounter() middleware.WindowCounter {
	if a.redis != nil {
		return middleware.NewRedisWindow(a.redis, "")
	}
	return middleware.NewSlidingWindow()
}

func (a *app) router() (*echo.Echo, error) {
	cfg, logger := a.cfg, a.logger

	verifier, err := auth.NewVerifier(cfg.JWT())
	if err != nil {
		return nil, err
	}
	var issuer *auth.Issuer
	if cfg.JWTSigningKey != "" {
		if issuer, err = auth.NewIssuer(cfg.JWT(), cfg.TokenTTL); err != nil {
			return nil, err
		}
	} else {
		logger.Info().Msg("no JWT_SIGNING_KEY, login disabled; tokens come from AUTH_JWKS_URL")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader, middleware.TenantHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, middleware.AuditedHeader, middleware.SessionStateHeader, "Retry-After"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.NewSanitizer(logger, a.sink).Middleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, logger))
	}
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	public := e.Group("/api/v1")
	counter := a.windowCounter()
	api := e.Group("/api/v1",
		middleware.Throttle(middleware.ThrottleConfig{
			Name:    "ip",
			Limit:   cfg.RateLimitCeiling,
			Window:  cfg.RateLimitWindow,
			Counter: counter,
			KeyFunc: middleware.IPKey,
			Metrics: a.metrics,
			Logger:  logger,
		}),
		auth.BearerAuth(verifier, a.authFailure),
		middleware.Throttle(middleware.ThrottleConfig{
			Name:    "api",
			Limit:   cfg.RateLimitCeiling,
			Window:  cfg.RateLimitWindow,
			Counter: counter,
			Metrics: a.metrics,
			Logger:  logger,
		}),
		middleware.TenantMatch(a.sink, logger),
	)

	guard := middleware.NewLoginGuard(cfg.LoginInterval, cfg.LoginBurst, a.metrics)
	account.NewHandler(a.accounts, a.sessions, issuer, a.orch, a.sink, logger).RegisterRoutes(public, api, guard.Middleware())
	patient.NewHandler(a.patients, a.orch).RegisterRoutes(api)
	appointment.NewHandler(a.resolver, a.patients, a.accounts, a.orch).RegisterRoutes(api)
	clinicalsession.NewHandler(a.clinical, a.patients, a.orch).RegisterRoutes(api)
	return e, nil
}

// authFailure audits a request whose bearer credential was rejected.
func (a *app) authFailure(c echo.Context, reason string) {
	err := a.sink.Record(context.WithoutCancel(c.Request().Context()), audit.Event{
		Kind:     audit.KindAuthFailure,
		Outcome:  audit.OutcomeDenied,
		Reason:   reason,
		RemoteIP: c.RealIP(),
		Payload:  map[string]any{"method": c.Request().Method, "path": c.Request().URL.Path},
	})
	if err != nil {
		a.metrics.AuditFailure()
		a.logger.Error().Err(err).Msg("audit auth failure")
	}
}

// bootstrapAdmin creates the first admin account if it does not exist.
func (a *app) bootstrapAdmin(ctx context.Context, tenant, email, password string) error {
	_, err := a.accounts.CreateAccount(ctx, account.NewAccount{
		TenantID: tenant,
		Email:    email,
		Password: password,
		Name:     "Administrator",
		Role:     string(auth.RoleAdmin),
	})
	if errors.Is(err, account.ErrEmailTaken) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	a.logger.Info().Str("tenant_id", tenant).Str("email", email).Msg("created admin account")
	return nil
}

func (a *app) serve(e *echo.Echo, stop <-chan os.Signal) error {
	addr := ":" + a.cfg.Port
	errc := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Str("env", a.cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-stop:
	}

	a.logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(ctx)
}
