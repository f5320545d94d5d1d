// Package registry tracks the health of the backend services the edge
// gateway routes to. Each service is probed on a fixed interval; routing
// reads never block on a probe.
package registry

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oriys/parallax/internal/logging"
	"github.com/oriys/parallax/internal/metrics"
)

const (
	// DefaultProbeInterval is how often every service is probed.
	DefaultProbeInterval = 30 * time.Second
	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 5 * time.Second
)

// ServiceInfo is the registry's view of one upstream.
type ServiceInfo struct {
	Name           string    `json:"name"`
	BaseURL        string    `json:"base_url"`
	HealthPath     string    `json:"health_path"`
	Healthy        bool      `json:"healthy"`
	LastCheck      time.Time `json:"last_check"`
	ResponseTimeMS int64     `json:"response_time_ms"`
}

// Config holds registry probe settings.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Registry polls upstream health endpoints and answers routing queries.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceInfo

	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// New creates an empty registry. Services start unhealthy until their
// first probe succeeds.
func New(cfg Config) *Registry {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &Registry{
		services: make(map[string]*ServiceInfo),
		interval: cfg.ProbeInterval,
		timeout:  cfg.ProbeTimeout,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Register adds a service to the probe set. Re-registering a name
// replaces its endpoint and resets health.
func (r *Registry) Register(name, baseURL, healthPath string) {
	if healthPath == "" {
		healthPath = "/health"
	}
	r.mu.Lock()
	r.services[name] = &ServiceInfo{
		Name:       name,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HealthPath: healthPath,
	}
	r.mu.Unlock()
	metrics.SetUpstreamHealthy(name, false)
}

// URL returns the base URL for a healthy service. Unknown or unhealthy
// services return ("", false) and the caller decides between 404 and 503.
func (r *Registry) URL(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	if !ok || !svc.Healthy {
		return "", false
	}
	return svc.BaseURL, true
}

// Known reports whether the service name is registered at all.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[name]
	return ok
}

// Healthy reports the last probed health of a service.
func (r *Registry) Healthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return ok && svc.Healthy
}

// Snapshot returns a copy of every entry, sorted by name.
func (r *Registry) Snapshot() []ServiceInfo {
	r.mu.RLock()
	out := make([]ServiceInfo, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, *svc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start probes every service once immediately, then on the configured
// interval until the context ends or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.probeAll(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.probeAll(ctx)
			}
		}
	}()
}

// Stop cancels the probe loop and waits for in-flight probes to drain.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// probeAll fans out one probe per service and waits for the round to
// finish, so a slow upstream never delays the others.
func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var round sync.WaitGroup
	for _, name := range names {
		round.Add(1)
		go func(name string) {
			defer round.Done()
			r.probe(ctx, name)
		}(name)
	}
	round.Wait()
}

func (r *Registry) probe(ctx context.Context, name string) {
	r.mu.RLock()
	svc, ok := r.services[name]
	if !ok {
		r.mu.RUnlock()
		return
	}
	target := svc.BaseURL + svc.HealthPath
	wasHealthy := svc.Healthy
	r.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.now()
	healthy := false
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err == nil {
		resp, doErr := r.client.Do(req)
		if doErr == nil {
			healthy = resp.StatusCode < 400
			resp.Body.Close()
		} else {
			err = doErr
		}
	}
	elapsed := r.now().Sub(start).Milliseconds()

	r.mu.Lock()
	if svc, ok := r.services[name]; ok {
		svc.Healthy = healthy
		svc.LastCheck = r.now()
		svc.ResponseTimeMS = elapsed
	}
	r.mu.Unlock()

	metrics.SetUpstreamHealthy(name, healthy)
	if healthy != wasHealthy {
		if healthy {
			logging.Op().Info("upstream recovered", "service", name, "response_time_ms", elapsed)
		} else {
			logging.Op().Warn("upstream unhealthy", "service", name, "target", target, "error", err)
		}
	}
}
