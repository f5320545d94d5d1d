package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalBackend implements Backend with in-process timestamp windows. It is
// the default for a single-node deployment and the fallback when Redis is
// unavailable.
type LocalBackend struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewLocalBackend creates an in-memory sliding window backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{windows: make(map[string][]time.Time)}
}

func (l *LocalBackend) Observe(_ context.Context, key string, now time.Time) (int, int, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := append(trimBefore(l.windows[key], now.Add(-minuteWindow)), now)
	l.windows[key] = window

	burstCutoff := now.Add(-burstWindow)
	burstCount := 0
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Before(burstCutoff) {
			break
		}
		burstCount++
	}

	return len(window), burstCount, window[0], nil
}

func (l *LocalBackend) Forget(_ context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Len reports how many keys currently hold state, for tests and debugging.
func (l *LocalBackend) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// trimBefore drops timestamps older than cutoff. The slice is ordered, so
// this is a binary search plus a copy of the tail.
func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	lo, hi := 0, len(ts)
	for lo < hi {
		mid := (lo + hi) / 2
		if ts[mid].Before(cutoff) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return ts
	}
	out := make([]time.Time, len(ts)-lo)
	copy(out, ts[lo:])
	return out
}
