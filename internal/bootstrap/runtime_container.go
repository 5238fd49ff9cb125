package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	authmemory "github.com/strogmv/sessionguard/internal/adapter/auth/memory"
	authpostgres "github.com/strogmv/sessionguard/internal/adapter/auth/postgres"
	authsqlite "github.com/strogmv/sessionguard/internal/adapter/auth/sqlite"
	cachememory "github.com/strogmv/sessionguard/internal/adapter/cache/memory"
	cacheredis "github.com/strogmv/sessionguard/internal/adapter/cache/redis"
	eventsnats "github.com/strogmv/sessionguard/internal/adapter/events/nats"
	"github.com/strogmv/sessionguard/internal/adapter/identity/oauth"
	"github.com/strogmv/sessionguard/internal/adapter/notifications"
	repomemory "github.com/strogmv/sessionguard/internal/adapter/repository/memory"
	repopostgres "github.com/strogmv/sessionguard/internal/adapter/repository/postgres"
	"github.com/strogmv/sessionguard/internal/config"
	"github.com/strogmv/sessionguard/internal/pkg/auth"
	"github.com/strogmv/sessionguard/internal/pkg/circuitbreaker"
	"github.com/strogmv/sessionguard/internal/pkg/metrics"
	"github.com/strogmv/sessionguard/internal/port"
	"github.com/strogmv/sessionguard/internal/service"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// userStore is what the platform user directory adapters provide.
type userStore interface {
	port.UserDirectory
	port.CredentialVerifier
	port.TwoFactorRepository
}

// RuntimeContainer owns every long-lived dependency of the process.
type RuntimeContainer struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder

	Ledger    port.RefreshTokenStore
	Users     userStore
	Signer    *auth.Signer
	Rotation  *service.RotationEngine
	Guard     *service.BruteForceGuard
	TwoFactor *service.TwoFactorEngine
	Providers *service.ProviderRegistry
	Sweeper   *service.Sweeper
	Notifier  port.NotificationDispatcher
	Events    *eventsnats.Client
	SvcAuth   port.Auth

	migrators []migrator
	checks    []pinger
	closers   []func()
}

func NewRuntimeContainer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*RuntimeContainer, error) {
	c := &RuntimeContainer{
		Config:   cfg,
		Logger:   log,
		Registry: prometheus.NewRegistry(),
	}
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = metrics.New(c.Registry)

	if err := c.initStorage(ctx); err != nil {
		c.Close()
		return nil, err
	}
	counters, denylist := c.initCache()
	c.initNotifier()

	signer, err := auth.NewSigner(cfg)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("token signer: %w", err)
	}
	c.Signer = signer

	c.Rotation = service.NewRotationEngine(c.Ledger, c.Users, denylist, signer, log,
		service.WithMaxSessions(cfg.MaxSessionsPerUser),
		service.WithUsedRetention(cfg.UsedTokenRetention),
		service.WithRotationNotifier(c.Notifier),
		service.WithRotationMetrics(c.Metrics),
	)

	breaker := circuitbreaker.NewBreaker(cfg.CounterBreakerThreshold, cfg.CounterBreakerTimeout, 1,
		circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
			c.Metrics.BreakerState(int(to))
			log.Warn("counter store breaker state changed",
				slog.String("from", from.String()), slog.String("to", to.String()))
		}),
	)
	c.Guard = service.NewBruteForceGuard(counters, log,
		service.WithGuardBreaker(breaker),
		service.WithGuardLimits(cfg.LoginMaxAttempts, cfg.LoginLockoutWindow),
		service.WithGuardNotifier(c.Notifier),
		service.WithGuardMetrics(c.Metrics),
	)

	c.TwoFactor = service.NewTwoFactorEngine(cfg.TOTPIssuer,
		service.WithTOTPWindow(cfg.TOTPSkew),
		service.WithBackupCodes(cfg.BackupCodeCount, cfg.BackupCodeCost),
	)

	var providers []port.IdentityProvider
	if cfg.GoogleEnabled() {
		providers = append(providers, oauth.Google(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL))
	}
	if cfg.GitHubEnabled() {
		providers = append(providers, oauth.GitHub(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubRedirectURL))
	}
	if c.Providers, err = service.NewProviderRegistry(providers...); err != nil {
		c.Close()
		return nil, err
	}

	c.Sweeper = service.NewSweeper(c.Rotation, cfg.CleanupInterval, log)
	c.SvcAuth = service.NewAuthImpl(service.AuthDeps{
		Guard:         c.Guard,
		Rotation:      c.Rotation,
		TwoFactor:     c.TwoFactor,
		Providers:     c.Providers,
		Users:         c.Users,
		Verifier:      c.Users,
		TwoFactorRepo: c.Users,
		Notifier:      c.Notifier,
		Metrics:       c.Metrics,
	}, log)

	log.Info("runtime ready",
		slog.String("ledger", cfg.LedgerDriver),
		slog.Bool("redis", cfg.RedisAddr != ""),
		slog.Bool("nats", c.Events != nil),
		slog.Any("identity_providers", c.Providers.Names()),
	)
	return c, nil
}

func (c *RuntimeContainer) initStorage(ctx context.Context) error {
	cfg := c.Config
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		pool = p
		c.closers = append(c.closers, p.Close)
	}

	switch cfg.LedgerDriver {
	case "postgres":
		store := authpostgres.NewStore(pool)
		c.Ledger = store
		c.migrators = append(c.migrators, store)
		c.checks = append(c.checks, store)
	case "sqlite":
		db, err := authsqlite.Open(cfg.SQLiteDSN)
		if err != nil {
			return fmt.Errorf("open sqlite ledger: %w", err)
		}
		c.closers = append(c.closers, func() { _ = db.Close() })
		store := authsqlite.NewStore(db)
		c.Ledger = store
		c.migrators = append(c.migrators, store)
		c.checks = append(c.checks, store)
	default:
		c.Ledger = authmemory.NewMemoryStore()
	}

	if pool != nil {
		users := repopostgres.NewUserRepository(pool)
		c.Users = users
		c.migrators = append(c.migrators, users)
	} else {
		c.Logger.Warn("DATABASE_URL not set, using an empty in-memory user directory")
		c.Users = repomemory.NewUserRepository()
	}
	return nil
}

func (c *RuntimeContainer) initCache() (port.CounterStore, port.Denylist) {
	cfg := c.Config
	if cfg.RedisAddr == "" {
		store := cachememory.NewStore(cfg.JWTAccessTTL)
		return store, store
	}
	client := cacheredis.NewClient(cacheredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	c.closers = append(c.closers, func() { _ = client.Close() })
	c.checks = append(c.checks, pingFunc(func(ctx context.Context) error { return cacheredis.Ping(ctx, client) }))
	return cacheredis.NewCounterStore(client), cacheredis.NewDenylist(client, cfg.JWTAccessTTL)
}

// initNotifier always has the audit log. NATS is optional and a failed
// connection only disables the events channel.
func (c *RuntimeContainer) initNotifier() {
	sinks := map[string]port.NotificationSink{
		notifications.ChannelAuditLog: notifications.NewAuditLogSink(c.Logger),
	}
	if url := c.Config.NATSURL; url != "" {
		client, err := eventsnats.NewClient(url, c.Config.NATSSubjectPrefix)
		if err != nil {
			c.Logger.Warn("nats unavailable, security events channel disabled", slog.Any("error", err))
		} else {
			c.Events = client
			sinks[notifications.ChannelEvents] = client
			c.closers = append(c.closers, client.Close)
		}
	}
	c.Notifier = notifications.NewDispatcher(c.Logger, sinks)
}

// Migrate applies every schema this runtime owns.
func (c *RuntimeContainer) Migrate(ctx context.Context) error {
	for _, m := range c.migrators {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Ready pings the ledger and the counter store.
func (c *RuntimeContainer) Ready(ctx context.Context) error {
	var errs []error
	for _, p := range c.checks {
		errs = append(errs, p.Ping(ctx))
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of acquisition.
func (c *RuntimeContainer) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
