package ratelimit

import (
	"context"
	"time"
)

// Limits holds the two sliding windows applied to every user: a per-minute
// cap and a trailing one-second burst cap.
type Limits struct {
	PerMinute int
	Burst     int
}

// DefaultLimits matches the protocol defaults.
var DefaultLimits = Limits{PerMinute: 100, Burst: 20}

// Window sizes are fixed by the protocol; only the caps are tunable.
const (
	minuteWindow = 60 * time.Second
	burstWindow  = time.Second
)

// Scope names which window rejected a message.
const (
	ScopeMinute = "minute"
	ScopeBurst  = "burst"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Scope     string // minute or burst when denied
	Remaining int    // headroom left in the minute window
	RetryAt   time.Time
}

// Backend records arrivals and reports sliding-window counts. Observe counts
// the arrival it records, so a count above the cap means this arrival broke it.
type Backend interface {
	// Observe records one arrival for key at now and returns the number of
	// arrivals inside the trailing minute and second windows (including
	// this one) plus the oldest arrival still inside the minute window.
	Observe(ctx context.Context, key string, now time.Time) (minuteCount, burstCount int, oldest time.Time, err error)

	// Forget drops all state for a key. Called when a client disconnects.
	Forget(ctx context.Context, key string)
}

// Limiter applies Limits on top of a Backend.
type Limiter struct {
	backend Backend
	limits  Limits
	now     func() time.Time
}

// New creates a limiter. Zero or negative caps fall back to the defaults.
func New(backend Backend, limits Limits) *Limiter {
	if limits.PerMinute <= 0 {
		limits.PerMinute = DefaultLimits.PerMinute
	}
	if limits.Burst <= 0 {
		limits.Burst = DefaultLimits.Burst
	}
	return &Limiter{backend: backend, limits: limits, now: time.Now}
}

// Allow records one arrival for key and decides whether it is admitted.
// Backend errors fail open: a broken limiter must not take the relay down.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	now := l.now()
	minuteCount, burstCount, oldest, err := l.backend.Observe(ctx, key, now)
	if err != nil {
		return Decision{Allowed: true, Remaining: l.limits.PerMinute}
	}

	remaining := l.limits.PerMinute - minuteCount
	if remaining < 0 {
		remaining = 0
	}

	if burstCount > l.limits.Burst {
		return Decision{
			Allowed:   false,
			Scope:     ScopeBurst,
			Remaining: remaining,
			RetryAt:   now.Add(burstWindow),
		}
	}
	if minuteCount > l.limits.PerMinute {
		retry := now.Add(minuteWindow)
		if !oldest.IsZero() {
			retry = oldest.Add(minuteWindow)
		}
		return Decision{
			Allowed:   false,
			Scope:     ScopeMinute,
			Remaining: remaining,
			RetryAt:   retry,
		}
	}

	return Decision{Allowed: true, Remaining: remaining}
}

// Forget drops limiter state for a key.
func (l *Limiter) Forget(ctx context.Context, key string) {
	l.backend.Forget(ctx, key)
}

// Limits returns the caps the limiter enforces.
func (l *Limiter) Limits() Limits {
	return l.limits
}

// KeyForUser returns the rate limit key for a session participant.
func KeyForUser(userID string) string {
	return "parallax:rl:user:" + userID
}

// KeyForIP returns the rate limit key for an unauthenticated HTTP caller.
func KeyForIP(ip string) string {
	return "parallax:rl:ip:" + ip
}
