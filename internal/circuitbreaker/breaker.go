// Package circuitbreaker guards the edge gateway's upstream services.
// When an upstream starts failing, the breaker opens and the gateway
// sheds requests with 503 instead of queueing on a dead backend.
//
// The breaker follows the standard three-state model:
//
//	Closed ──(error rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(all probes succeed)───────────────────────────────────────┘
//	                  (any probe fails) ──────────────────────────────────► Open
//
// Error rate is computed over a sliding window of recorded outcomes, so
// the rate stays meaningful under the bursty traffic a relay fan-out
// produces. All methods are safe for concurrent use.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/oriys/parallax/internal/metrics"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests are rejected
	StateHalfOpen              // limited probes pass through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker.
type Config struct {
	ErrorPct       float64       // error percentage that trips the breaker (0-100)
	WindowDuration time.Duration // sliding window for the error rate
	OpenDuration   time.Duration // how long to stay open before probing
	HalfOpenProbes int           // probes allowed while half-open
}

// DefaultConfig is the gateway default: trip at 50% errors over 30s,
// back off 15s, then let two probes through.
func DefaultConfig() Config {
	return Config{
		ErrorPct:       50,
		WindowDuration: 30 * time.Second,
		OpenDuration:   15 * time.Second,
		HalfOpenProbes: 2,
	}
}

// Breaker tracks one upstream service.
type Breaker struct {
	mu             sync.Mutex
	upstream       string
	cfg            Config
	state          State
	successes      []time.Time
	failures       []time.Time
	openedAt       time.Time
	halfOpenProbes int
	halfOpenOK     int
	now            func() time.Time
}

// New creates a breaker for the named upstream.
func New(upstream string, cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	b := &Breaker{
		upstream: upstream,
		cfg:      cfg,
		now:      time.Now,
	}
	metrics.SetCircuitBreakerState(upstream, int(StateClosed))
	return b
}

// Allow reports whether a request may proceed to the upstream.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.setStateLocked(StateHalfOpen)
			b.halfOpenProbes = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess notes a completed upstream request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.setStateLocked(StateClosed)
			b.successes = b.successes[:0]
			b.failures = b.failures[:0]
		}
	}
}

// RecordFailure notes a failed upstream request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		b.checkThreshold(now)
	case StateHalfOpen:
		// Probe failed, back to open.
		b.setStateLocked(StateOpen)
		b.openedAt = now
	}
}

// State returns the current position, applying the open → half-open
// timeout transition if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.setStateLocked(StateHalfOpen)
	}
	return b.state
}

// maxWindowEntries caps the outcome slices so a failing upstream under
// heavy load cannot grow them without bound.
const maxWindowEntries = 10000

func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)

	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

func (b *Breaker) checkThreshold(now time.Time) {
	total := len(b.successes) + len(b.failures)
	if total == 0 {
		return
	}
	errorPct := float64(len(b.failures)) / float64(total) * 100
	if errorPct >= b.cfg.ErrorPct {
		b.setStateLocked(StateOpen)
		b.openedAt = now
	}
}

// setStateLocked moves the breaker and publishes the transition. Must be
// called under lock.
func (b *Breaker) setStateLocked(next State) {
	if b.state == next {
		return
	}
	b.state = next
	if next == StateHalfOpen {
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
	}
	metrics.SetCircuitBreakerState(b.upstream, int(next))
	metrics.RecordCircuitBreakerTrip(b.upstream, next.String())
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}

// Registry holds one breaker per upstream service.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry; every breaker it mints shares cfg.
func NewRegistry(cfg Config) *Registry {
	if cfg.ErrorPct <= 0 || cfg.WindowDuration <= 0 || cfg.OpenDuration <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for an upstream, creating it on first use.
func (r *Registry) Get(upstream string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[upstream]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[upstream]; ok {
		return b
	}
	b = New(upstream, r.cfg)
	r.breakers[upstream] = b
	return b
}

// Remove drops the breaker for an upstream that left the route table.
func (r *Registry) Remove(upstream string) {
	r.mu.Lock()
	delete(r.breakers, upstream)
	r.mu.Unlock()
}

// Snapshot reports every breaker's state for the health endpoint.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for upstream, b := range r.breakers {
		out[upstream] = b.State().String()
	}
	return out
}
