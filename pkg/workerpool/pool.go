// Package workerpool provides a bounded worker pool for fanning out
// independent dispatch work within a single trigger. Failed tasks are
// reported, never retried.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work. The context it was submitted with rides along so
// workers run inside the submitter's trace and deadline.
type Task struct {
	ID      string
	Payload any

	ctx context.Context
}

// Result is the outcome of one task.
type Result struct {
	TaskID string
	Err    error
}

// WorkerFunc processes a single task.
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds pool configuration.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// QueueSize bounds the pending task queue and the result buffer.
	QueueSize int
	// ShutdownTimeout bounds how long Stop waits for in-flight work.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a reminder trigger fan-out.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       1024,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks across a fixed set of workers.
type Pool struct {
	config  Config
	fn      WorkerFunc
	logger  *zap.Logger
	tasks   chan *Task
	results chan *Result
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
}

// New creates a pool.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:  cfg,
		fn:      fn,
		logger:  logger,
		tasks:   make(chan *Task, cfg.QueueSize),
		results: make(chan *Result, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit queues a task under ctx. It fails when the pool is stopping or the
// queue is full; callers treat that as a per-item failure. The worker runs
// the task with ctx, so cancelling it abandons work not yet picked up.
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	task.ctx = ctx
	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Results returns the result channel. One result is produced per submitted
// task.
func (p *Pool) Results() <-chan *Result {
	return p.results
}

// Stop drains in-flight work and shuts the pool down, bounded by the
// shutdown timeout. In-flight tasks complete or fail on their own terms.
func (p *Pool) Stop() {
	p.cancel()
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
	close(p.results)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		ctx := task.ctx
		if ctx == nil {
			ctx = p.ctx
		}
		err := p.fn(ctx, task)
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
		} else {
			atomic.AddInt64(&p.completed, 1)
		}

		select {
		case p.results <- &Result{TaskID: task.ID, Err: err}:
		default:
			p.logger.Warn("result channel full, dropping result",
				zap.String("task_id", task.ID))
		}
	}
}

// Stats are cumulative pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}
