// Package gateway implements the prism edge router: a static prefix table
// mapping public API paths onto backend services, fronted by the service
// registry's health view, per-upstream circuit breakers, and per-route
// request pacing.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oriys/parallax/internal/circuitbreaker"
	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/metrics"
	"github.com/oriys/parallax/internal/observability"
	"github.com/oriys/parallax/internal/registry"
)

// Config holds gateway proxy settings.
type Config struct {
	// ProxyTimeout is the outer deadline for one proxied request.
	ProxyTimeout time.Duration
	// RouteRPS paces requests per route; zero disables pacing.
	RouteRPS   float64
	RouteBurst int
}

func (c Config) withDefaults() Config {
	if c.ProxyTimeout <= 0 {
		c.ProxyTimeout = 30 * time.Second
	}
	if c.RouteBurst <= 0 {
		c.RouteBurst = 10
	}
	return c
}

// Gateway proxies API requests to backend services per the route table.
type Gateway struct {
	cfg      Config
	table    *Table
	registry *registry.Registry
	breakers *circuitbreaker.Registry
	limiters map[string]*rate.Limiter
	client   *http.Client

	mu      sync.Mutex
	proxies map[string]*httputil.ReverseProxy

	now func() time.Time
}

// New builds a gateway over the given table. Upstream registration with the
// registry is the caller's responsibility.
func New(cfg Config, table *Table, reg *registry.Registry, breakers *circuitbreaker.Registry) *Gateway {
	cfg = cfg.withDefaults()
	limiters := make(map[string]*rate.Limiter)
	if cfg.RouteRPS > 0 {
		for _, r := range table.Routes {
			limiters[r.Prefix] = rate.NewLimiter(rate.Limit(cfg.RouteRPS), cfg.RouteBurst)
		}
	}
	return &Gateway{
		cfg:      cfg,
		table:    table,
		registry: reg,
		breakers: breakers,
		limiters: limiters,
		client:   &http.Client{Timeout: cfg.ProxyTimeout},
		proxies:  make(map[string]*httputil.ReverseProxy),
		now:      time.Now,
	}
}

// RegisterRoutes attaches the gateway's handlers to mux. The catch-all
// pattern proxies everything the ops endpoints do not claim.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /api/status", g.handleStatus)
	mux.Handle("/", g)
}

// ServeHTTP resolves, gates, rewrites, and proxies one request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := g.table.Resolve(r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
		return
	}

	baseURL, ok := g.registry.URL(route.Service)
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "upstream_unavailable", route.Service+" is unavailable")
		return
	}

	breaker := g.breakers.Get(route.Service)
	if !breaker.Allow() {
		writeJSONError(w, http.StatusServiceUnavailable, "upstream_unavailable", route.Service+" circuit open")
		return
	}

	if lim := g.limiters[route.Prefix]; lim != nil && !lim.Allow() {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests for "+route.Prefix)
		return
	}

	proxy, err := g.proxyFor(route.Service, baseURL)
	if err != nil {
		logging.Op().Error("bad upstream url", "service", route.Service, "base_url", baseURL, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal", "upstream misconfigured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.ProxyTimeout)
	defer cancel()

	outReq := r.Clone(ctx)
	outReq.URL.Path = route.RewritePath(r.URL.Path)
	stripHopByHop(outReq.Header)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := g.now()
	proxy.ServeHTTP(rec, outReq)
	elapsed := g.now().Sub(start).Milliseconds()

	if rec.status >= http.StatusInternalServerError {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	metrics.RecordProxiedRequest(route.Service, strconv.Itoa(rec.status), elapsed)
}

// proxyFor returns the cached reverse proxy for a service, building it on
// first use. Upstream URLs are fixed after registration, so one proxy per
// service suffices.
func (g *Gateway) proxyFor(service, baseURL string) (*httputil.ReverseProxy, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.proxies[service]; ok {
		return p, nil
	}

	target, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	p := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			observability.InjectHTTPHeaders(req.Context(), req.Header)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.Op().Warn("proxy error", "service", service, "path", r.URL.Path, "error", err)
			var nerr net.Error
			timedOut := errors.Is(err, context.DeadlineExceeded) ||
				(errors.As(err, &nerr) && nerr.Timeout())
			if timedOut {
				writeJSONError(w, http.StatusGatewayTimeout, "upstream_unavailable", service+" timed out")
				return
			}
			writeJSONError(w, http.StatusBadGateway, "upstream_unavailable", service+" request failed")
		},
	}
	g.proxies[service] = p
	return p, nil
}

// handleHealth reports composite health over the registry snapshot: 200
// when every upstream is healthy, 503 otherwise.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := g.registry.Snapshot()
	healthy := true
	services := make(map[string]any, len(snapshot))
	for _, svc := range snapshot {
		services[svc.Name] = map[string]any{
			"healthy":          svc.Healthy,
			"response_time_ms": svc.ResponseTimeMS,
		}
		if !svc.Healthy {
			healthy = false
		}
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"services":  services,
		"timestamp": g.now().UnixMilli(),
	})
}

// handleStatus is the legacy aggregate endpoint: it fetches every
// registered upstream's health page concurrently and embeds the responses.
// JSON bodies pass through decoded; anything else is wrapped as
// {content, content_type}.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.ProxyTimeout)
	defer cancel()

	snapshot := g.registry.Snapshot()
	out := make(map[string]any, len(snapshot))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, svc := range snapshot {
		wg.Add(1)
		go func(svc registry.ServiceInfo) {
			defer wg.Done()
			payload := g.fetchStatus(ctx, svc)
			mu.Lock()
			out[svc.Name] = payload
			mu.Unlock()
		}(svc)
	}
	wg.Wait()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"services":  out,
		"timestamp": g.now().UnixMilli(),
	})
}

func (g *Gateway) fetchStatus(ctx context.Context, svc registry.ServiceInfo) any {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.BaseURL+svc.HealthPath, nil)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return map[string]any{"error": "unreachable"}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return map[string]any{"error": "read failed"}
	}
	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var decoded any
		if json.Unmarshal(body, &decoded) == nil {
			return decoded
		}
	}
	return map[string]any{"content": string(body), "content_type": contentType}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// stripHopByHop removes connection-scoped headers before proxying. Host is
// rewritten in the Director; Content-Length is re-derived by the transport.
func stripHopByHop(h http.Header) {
	for _, f := range strings.Split(h.Get("Connection"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			h.Del(f)
		}
	}
	h.Del("Connection")
	h.Del("Keep-Alive")
	h.Del("Proxy-Authorization")
	h.Del("Proxy-Connection")
	h.Del("Te")
	h.Del("Trailer")
	h.Del("Transfer-Encoding")
	h.Del("Upgrade")
	h.Del("Content-Length")
}

func writeJSONError(w http.ResponseWriter, code int, errKey, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error":     errKey,
		"message":   message,
		"timestamp": time.Now().UnixMilli(),
	})
}
