package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers   = 8
	defaultQueueSize = 256
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch: pool closed")

// Task is a unit of background work. The context is not tied to any
// inbound request; it is only cancelled if Close gives up waiting.
type Task func(ctx context.Context)

type job struct {
	name string
	run  Task
}

// Pool runs background tasks on a fixed set of workers fed by a bounded
// queue. Submit never blocks: when the queue is full the task gets its own
// goroutine rather than being dropped or stalling the caller.
type Pool struct {
	logger *slog.Logger
	queue  chan job
	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// Option configures a Pool.
type Option func(*poolOptions)

type poolOptions struct {
	workers   int
	queueSize int
}

// WithWorkers sets the number of long-lived workers. Default: 8.
func WithWorkers(n int) Option {
	return func(o *poolOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize sets the queue capacity. Default: 256.
func WithQueueSize(n int) Option {
	return func(o *poolOptions) {
		if n >= 0 {
			o.queueSize = n
		}
	}
}

// NewPool starts the workers immediately.
func NewPool(logger *slog.Logger, opts ...Option) *Pool {
	o := poolOptions{workers: defaultWorkers, queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger,
		queue:  make(chan job, o.queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < o.workers; i++ {
		p.group.Go(func() error {
			for j := range p.queue {
				p.run(j)
			}
			return nil
		})
	}
	return p
}

// Submit schedules task. name only labels log lines.
func (p *Pool) Submit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	j := job{name: name, run: task}
	select {
	case p.queue <- j:
	default:
		p.logger.Warn("dispatch queue full, running task on overflow goroutine", "task", name)
		p.group.Go(func() error {
			p.run(j)
			return nil
		})
	}
	return nil
}

// Close stops intake and waits for queued and running tasks. If ctx ends
// first, the task context is cancelled and ctx.Err() is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("dispatch drain timed out")
		return ctx.Err()
	}
}

// run executes one task, converting a panic into a log line so a single
// bad event cannot take a worker down.
func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked",
				"task", j.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	j.run(p.ctx)
}
