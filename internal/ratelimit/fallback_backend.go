package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/parallax/internal/logging"
)

// FallbackBackend wraps a primary Backend (typically Redis) with an in-memory
// local fallback. When the primary backend returns an error, it automatically
// degrades to local rate limiting and periodically probes the primary to
// restore distributed behaviour once connectivity recovers.
type FallbackBackend struct {
	primary       Backend
	local         *LocalBackend
	degraded      atomic.Bool
	probeMu       sync.Mutex
	lastProbeTime atomic.Value // time.Time — throttle probe frequency
}

// NewFallbackBackend creates a rate-limit backend that falls back to local
// in-memory windows when the primary backend is unavailable.
func NewFallbackBackend(primary Backend) *FallbackBackend {
	fb := &FallbackBackend{
		primary: primary,
		local:   NewLocalBackend(),
	}
	fb.lastProbeTime.Store(time.Time{})
	return fb
}

// probeInterval is the minimum time between health probes of the primary backend.
const probeInterval = 5 * time.Second

func (f *FallbackBackend) Observe(ctx context.Context, key string, now time.Time) (int, int, time.Time, error) {
	if f.degraded.Load() {
		// In degraded mode – probe primary at most every probeInterval.
		if last, ok := f.lastProbeTime.Load().(time.Time); ok && time.Since(last) > probeInterval {
			go f.probeAndRecover(context.WithoutCancel(ctx))
		}
		return f.local.Observe(ctx, key, now)
	}

	minuteCount, burstCount, oldest, err := f.primary.Observe(ctx, key, now)
	if err != nil {
		logging.Op().Warn("rate-limit primary backend error, degrading to local", "error", err)
		f.degraded.Store(true)
		f.lastProbeTime.Store(time.Now())
		return f.local.Observe(ctx, key, now)
	}
	return minuteCount, burstCount, oldest, nil
}

func (f *FallbackBackend) Forget(ctx context.Context, key string) {
	f.local.Forget(ctx, key)
	if !f.degraded.Load() {
		f.primary.Forget(ctx, key)
	}
}

// probeAndRecover checks if the primary backend has recovered.
func (f *FallbackBackend) probeAndRecover(ctx context.Context) {
	if !f.probeMu.TryLock() {
		return // another goroutine is already probing
	}
	defer f.probeMu.Unlock()

	f.lastProbeTime.Store(time.Now())

	_, _, _, err := f.primary.Observe(ctx, "parallax:rl:probe:health", time.Now())
	if err == nil {
		logging.Op().Info("rate-limit primary backend recovered, resuming distributed mode")
		f.degraded.Store(false)
	}
}

// Degraded reports whether the backend is currently in degraded (local) mode.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}
