package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strogmv/sessionguard/internal/bootstrap"
	"github.com/strogmv/sessionguard/internal/config"
	"github.com/strogmv/sessionguard/internal/pkg/telemetry"
	httptransport "github.com/strogmv/sessionguard/internal/transport/http"
)

const shutdownTimeout = 10 * time.Second

// Container is the serving process: runtime dependencies, the HTTP server
// and the cleanup sweeper.
type Container struct {
	Config  *config.Config
	Runtime *bootstrap.RuntimeContainer
	Server  *http.Server

	logger            *slog.Logger
	shutdownTelemetry telemetry.ShutdownFunc
}

func NewContainer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Container, error) {
	shutdown, err := telemetry.Setup(ctx, cfg.AppName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	rt, err := bootstrap.NewRuntimeContainer(ctx, cfg, log)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	proxies, err := httptransport.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		rt.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("config error: %w", err)
	}

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Auth:          rt.SvcAuth,
		Authenticator: rt.Rotation,
		Cookies: httptransport.CookieConfig{
			Domain:     cfg.CookieDomain,
			Secure:     cfg.CookieSecure,
			AccessTTL:  cfg.JWTAccessTTL,
			RefreshTTL: cfg.JWTRefreshTTL,
		},
		Proxies:  proxies,
		Gatherer: rt.Registry,
		Metrics:  httptransport.NewMetrics(rt.Registry),
		Ready:    rt.Ready,
		Logger:   log,
	})

	return &Container{
		Config:  cfg,
		Runtime: rt,
		Server: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger:            log,
		shutdownTelemetry: shutdown,
	}, nil
}

// Run serves until ctx is cancelled, then drains the server.
func (c *Container) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.logger.Info("http server listening", slog.String("addr", c.Server.Addr))
		if err := c.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return c.Runtime.Sweeper.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		c.logger.Info("shutting down")
		return c.Server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close flushes traces and releases connections.
func (c *Container) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.shutdownTelemetry(ctx); err != nil {
		c.logger.Warn("telemetry shutdown", slog.Any("error", err))
	}
	c.Runtime.Close()
}
