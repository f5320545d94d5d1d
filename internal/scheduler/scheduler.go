// Package scheduler runs the daemon's recurring maintenance jobs: the
// session idle sweep, share-code reaping, and anchor expiry.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oriys/parallax/internal/logging"
)

// DefaultRunTimeout bounds a single job run.
const DefaultRunTimeout = 30 * time.Second

// Scheduler manages named cron entries.
type Scheduler struct {
	cron       *cron.Cron
	entries    map[string]cron.EntryID
	runTimeout time.Duration
	mu         sync.Mutex
}

// New creates a Scheduler. Specs use the six-field form with a seconds
// column; @every descriptors are accepted.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		entries:    make(map[string]cron.EntryID),
		runTimeout: DefaultRunTimeout,
	}
}

// Add registers a job under a name, replacing any previous entry with the
// same name.
func (s *Scheduler) Add(name, spec string, job func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		s.run(name, job)
	})
	if err != nil {
		return err
	}

	s.entries[name] = entryID
	return nil
}

// Remove unregisters a named job.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
}

// Start begins running registered jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	count := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	logging.Op().Info("scheduler started", "jobs", count)
}

// Stop halts scheduling and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logging.Op().Info("scheduler stopped")
}

func (s *Scheduler) run(name string, job func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	start := time.Now()
	if err := job(ctx); err != nil {
		logging.Op().Error("scheduled job failed", "job", name, "error", err)
		return
	}
	logging.Op().Debug("scheduled job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
}
