// Package app wires the qrlogin server runtime: config, logging, stores, HTTP routes and the watch gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"qrlogin/cmd/identity"
	authapi "qrlogin/cmd/internal/auth/api"
	"qrlogin/cmd/internal/auth/session"
	"qrlogin/cmd/internal/db"
	"qrlogin/cmd/internal/metrics"
	"qrlogin/cmd/internal/realtime"
	"qrlogin/cmd/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the qrlogin server runtime.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	users    identity.Store
	sessions *session.Service
	auth     *authapi.Handler
	watch    *realtime.WatchGateway
	metrics  *metrics.Metrics

	traceShutdown telemetry.Shutdown
	traceWrap     telemetry.Middleware
}

// New constructs a fully wired App from config and logger.
// With no DatabaseURL it runs on in-memory stores.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	shutdown, wrap, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:           cfg,
		log:           log,
		metrics:       metrics.New(),
		traceShutdown: shutdown,
		traceWrap:     wrap,
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	var (
		sessStore session.Store
		audit     authapi.AuditSink = authapi.NoopAuditSink{}
	)
	if cfg.DatabaseURL == "" {
		sessStore, err = a.openMemory()
	} else {
		sessStore, audit, err = a.openPostgres(ctx)
	}
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.sessions, err = session.NewService(sessCfg, sessStore, IdentityResolver(a.users), session.WithLogger(log))
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	apiCfg, err := authapi.LoadConfigFromEnv(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.auth, err = authapi.NewHandler(log, a.sessions, apiCfg,
		authapi.WithMetrics(a.metrics),
		authapi.WithAuditSink(audit),
	)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.watch, err = realtime.NewWatchGateway(log, a.sessions, realtime.LoadWatchConfigFromEnv(),
		realtime.WithWatchMetrics(a.metrics),
	)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	return a, nil
}

func (a *App) openMemory() (session.Store, error) {
	a.log.Info("db.disabled.inmemory_store")

	users := identity.NewInMemoryStore()
	if a.cfg.DevUserToken != "" {
		name := a.cfg.DevUserName
		if name == "" {
			name = "Dev User"
		}
		u, err := users.AddUserWithToken(name, a.cfg.DevUserToken, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("app: seed dev user: %w", err)
		}
		a.log.Info("identity.dev_user.seeded", "user_id", u.ID, "display_name", u.DisplayName)
	}
	a.users = users

	return session.NewInMemoryStore(func(id string) (string, bool) {
		u, err := users.GetUser(context.Background(), id)
		if err != nil {
			return "", false
		}
		return u.DisplayName, true
	}), nil
}

func (a *App) openPostgres(ctx context.Context) (session.Store, authapi.AuditSink, error) {
	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("app: open database: %w", err)
	}
	a.dbPool = pool
	a.dbEnabled = true

	if a.cfg.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, nil, fmt.Errorf("app: migrate: %w", err)
		}
	}
	a.log.Info("db.enabled.postgres_store", "auto_migrate", a.cfg.AutoMigrate)

	users, err := identity.NewPostgresStore(pool)
	if err != nil {
		return nil, nil, err
	}
	a.users = users

	sessions, err := session.NewPostgresStore(pool)
	if err != nil {
		return nil, nil, err
	}

	audit, err := authapi.NewPostgresAuditSink(pool, "")
	if err != nil {
		return nil, nil, err
	}
	return sessions, audit, nil
}

// IdentityResolver adapts an identity store to the session credential boundary.
// Unknown tokens become session.ErrInvalidCredential; anything else is an infra error.
func IdentityResolver(users identity.Store) session.CredentialResolver {
	return session.ResolverFunc(func(ctx context.Context, tok string) (session.Claimant, error) {
		u, err := users.ResolveMobileToken(ctx, tok)
		if err != nil {
			if identity.IsNotFound(err) || identity.IsInvalidInput(err) {
				return session.Claimant{}, session.ErrInvalidCredential
			}
			return session.Claimant{}, err
		}
		return session.Claimant{ID: u.ID, DisplayName: u.DisplayName}, nil
	})
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.metrics, a.watch, a.auth)
	return a.wrap(mux)
}

// wrap applies the middleware chain. Request logging sits outside recover so
// a recovered panic is still logged and timed as a 500.
func (a *App) wrap(h http.Handler) http.Handler {
	h = WithSecurityHeaders(h)
	h = WithCORS(h, a.cfg, a.log)
	h = WithRecover(h, a.log)
	h = WithRequestLogging(h, a.log, a.metrics)
	return a.traceWrap(h)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "session_ttl", a.sessions.TTL().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	a.close(shutdownCtx)
	a.log.Info("server.stopped")
	return runErr
}

// close releases the pool and flushes traces.
func (a *App) close(ctx context.Context) {
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
	if a.traceShutdown != nil {
		if err := a.traceShutdown(ctx); err != nil {
			a.log.Error("telemetry.shutdown.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
