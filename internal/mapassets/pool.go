package mapassets

import (
	"context"
	"errors"
	"sync"

	"github.com/oriys/parallax/internal/logging"
)

// ErrPoolBusy is returned when the IO queue is full. Callers should surface
// it as backpressure rather than retrying immediately.
var ErrPoolBusy = errors.New("mapassets: io queue full")

// ErrPoolStopped is returned when work is submitted after Stop.
var ErrPoolStopped = errors.New("mapassets: io pool stopped")

// PoolConfig configures storage IO workers.
type PoolConfig struct {
	Workers    int
	QueueDepth int
}

type ioTask struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// IOPool bounds concurrent object storage operations. Request handlers hand
// their storage work to the pool so a slow or stalled upstream saturates the
// queue and fails fast instead of pinning every handler goroutine.
type IOPool struct {
	cfg     PoolConfig
	tasks   chan ioTask
	stopCh  chan struct{}
	started bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewIOPool creates a pool. Zero config fields fall back to defaults.
func NewIOPool(cfg PoolConfig) *IOPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	return &IOPool{
		cfg:    cfg,
		tasks:  make(chan ioTask, cfg.QueueDepth),
		stopCh: make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (p *IOPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	logging.Op().Info("storage io workers started", "workers", p.cfg.Workers, "queue_depth", p.cfg.QueueDepth)
}

// Stop gracefully shuts down all workers. Queued tasks that have not been
// picked up are failed with ErrPoolStopped.
func (p *IOPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()

	// Drain anything still queued so waiting callers unblock.
	for {
		select {
		case t := <-p.tasks:
			t.done <- ErrPoolStopped
		default:
			logging.Op().Info("storage io workers stopped")
			return
		}
	}
}

func (p *IOPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.tasks:
			t.done <- p.run(t)
		}
	}
}

func (p *IOPool) run(t ioTask) error {
	// The caller may have given up while the task sat in the queue.
	if err := t.ctx.Err(); err != nil {
		return err
	}
	return t.fn(t.ctx)
}

// Do runs fn on a pool worker and waits for the result. Submission never
// blocks: a full queue returns ErrPoolBusy immediately. The wait respects
// ctx, and fn receives the same ctx so cancellation reaches in-flight IO.
func (p *IOPool) Do(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-p.stopCh:
		return ErrPoolStopped
	default:
	}

	t := ioTask{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
	default:
		return ErrPoolBusy
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrPoolStopped
	}
}
