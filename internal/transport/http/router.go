// Package http is the HTTP surface: auth endpoints, health and metrics.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/strogmv/sessionguard/internal/port"
)

// RouterDeps wires the router. Ready may be nil. The zero Proxies trusts no
// forwarding headers.
type RouterDeps struct {
	Auth          port.Auth
	Authenticator Authenticator
	Cookies       CookieConfig
	Proxies       TrustedProxies
	Gatherer      prometheus.Gatherer
	Metrics       *Metrics
	Ready         func(ctx context.Context) error
	Logger        *slog.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(d.Proxies.Middleware)
	r.Use(middleware.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}

	r.Get("/healthz", healthHandler(d.Ready))
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	if d.Auth != nil {
		r.Route("/auth", NewAuthHandler(d.Auth, d.Cookies, d.Logger).Routes(d.Authenticator))
	}

	return otelhttp.NewHandler(r, "sessionguard",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func healthHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
