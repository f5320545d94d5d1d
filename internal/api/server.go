// Package api is the HTTP control plane: session lifecycle, anchor REST,
// localization ingest, map metadata, and operational endpoints. The relay
// owns the WebSocket data plane; everything request/response shaped lives
// here.
package api

import (
	"net/http"

	"github.com/oriys/parallax/internal/anchor"
	"github.com/oriys/parallax/internal/anchorsync"
	"github.com/oriys/parallax/internal/auth"
	"github.com/oriys/parallax/internal/cache"
	"github.com/oriys/parallax/internal/fusion"
	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/mapassets"
	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/observability"
	"github.com/oriys/parallax/internal/ratelimit"
	"github.com/oriys/parallax/internal/relay"
	"github.com/oriys/parallax/internal/session"
	"github.com/oriys/parallax/internal/sharecode"
	"github.com/oriys/parallax/internal/store"
	"github.com/oriys/parallax/internal/vps"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Sessions *session.Store
	Codes    *sharecode.Directory
	Anchors  *anchor.Manager
	Sync     *anchorsync.Coordinator
	Fusion   *fusion.Hub
	Tokens   *auth.Manager
	Persist  store.Persistence
	Cache    cache.Cache        // optional: redis health probe
	VPS      *vps.Client        // optional: localize proxy
	Maps     *mapassets.Library // optional: map metadata endpoints
	Relay    *relay.Handler     // optional: mounts /ws on the same listener
	Limiter  *ratelimit.Limiter // optional: control-plane rate limiting
}

// publicPaths skip bearer authentication. The relay authenticates its own
// sockets (tokens may arrive in the query string), and the anonymous
// session endpoints exist precisely for callers without credentials.
var publicPaths = []string{
	"/health",
	"/metrics",
	"/ws/*",
	"/api/session/*",
	"/api/v1/session/anonymous/*",
}

// unmeteredPaths additionally skip the HTTP rate limiter: probes and
// scrapes must not consume caller budget, and relay traffic is limited per
// message inside the hub instead.
var unmeteredPaths = []string{
	"/health",
	"/metrics",
	"/ws/*",
}

// Routes assembles the full control-plane handler with its middleware
// stack. Split from StartHTTPServer so tests can drive the exact
// production pipeline through httptest.
func Routes(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	h := &Handler{
		Sessions: cfg.Sessions,
		Codes:    cfg.Codes,
		Anchors:  cfg.Anchors,
		Sync:     cfg.Sync,
		Fusion:   cfg.Fusion,
		Tokens:   cfg.Tokens,
		Persist:  cfg.Persist,
		Cache:    cfg.Cache,
		VPS:      cfg.VPS,
		Maps:     cfg.Maps,
	}
	h.RegisterRoutes(mux)

	mux.Handle("GET /metrics", metrics.PrometheusHandler())

	if cfg.Relay != nil {
		cfg.Relay.RegisterRoutes(mux)
	}

	// Innermost first: tracing sees every request that passed admission,
	// the limiter keys by identity, so auth must run before it.
	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)
	if cfg.Limiter != nil {
		handler = ratelimit.Middleware(cfg.Limiter, unmeteredPaths)(handler)
	}
	if cfg.Tokens != nil {
		authenticators := []auth.Authenticator{auth.NewBearerAuthenticator(cfg.Tokens)}
		handler = auth.Middleware(authenticators, publicPaths)(handler)
	}
	return handler
}

// StartHTTPServer starts the control plane on addr and returns the server
// for graceful shutdown.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: Routes(cfg),
	}

	go func() {
		logging.Op().Info("control plane listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
