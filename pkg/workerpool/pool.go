// Package workerpool provides a bounded worker pool with per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("workerpool: stopped")

// Task is a unit of work
type Task struct {
	ID      string
	Payload interface{}
}

// Result is the outcome of one task after all attempts
type Result struct {
	TaskID   string
	Attempts int
	Data     interface{}
	Err      error
}

// WorkerFunc processes one task
type WorkerFunc func(ctx context.Context, task *Task) (interface{}, error)

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of extra attempts after a failure
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries
	// everything except context errors.
	Retryable func(err error) bool
}

// DefaultConfig returns defaults sized for background reconciliation
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  256,
		MaxRetries: 2,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Pool runs tasks on a fixed set of workers
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks   chan *Task
	results chan Result
	wg      sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	stopped bool

	submitted int64
	completed int64
	failed    int64
	retried   int64
}

// New creates a pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:  cfg,
		fn:      fn,
		logger:  logger,
		tasks:   make(chan *Task, cfg.QueueSize),
		results: make(chan Result, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Debug("worker pool started", zap.Int("workers", p.config.Workers))
}

// Submit queues task, blocking while the queue is full
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Results delivers one Result per finished task. It is closed by Stop.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Stop stops accepting tasks, lets the workers drain the queue and closes
// Results. Callers must keep reading Results until it is closed.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	close(p.results)
}

// Abort cancels in-flight tasks and stops
func (p *Pool) Abort() {
	p.cancel()
	p.Stop()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.results <- p.run(task)
	}
}

func (p *Pool) run(task *Task) Result {
	res := Result{TaskID: task.ID}
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		res.Data, res.Err = p.fn(p.ctx, task)
		if res.Err == nil {
			atomic.AddInt64(&p.completed, 1)
			return res
		}
		if attempt >= p.config.MaxRetries || !p.config.Retryable(res.Err) {
			break
		}
		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Err))
		select {
		case <-p.ctx.Done():
			res.Err = p.ctx.Err()
			atomic.AddInt64(&p.failed, 1)
			return res
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	atomic.AddInt64(&p.failed, 1)
	p.logger.Warn("task failed", zap.String("task_id", task.ID), zap.Int("attempts", res.Attempts), zap.Error(res.Err))
	return res
}

// Batch runs tasks on a temporary pool and returns their results in
// completion order
func Batch(ctx context.Context, cfg Config, fn WorkerFunc, tasks []*Task, logger *zap.Logger) ([]Result, error) {
	p, err := New(cfg, fn, logger)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()
	p.Start()

	out := make([]Result, 0, len(tasks))
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range p.results {
			out = append(out, r)
		}
	}()

	var submitErr error
	for _, t := range tasks {
		if err := p.Submit(ctx, t); err != nil {
			submitErr = err
			break
		}
	}
	p.Stop()
	<-collected
	return out, submitErr
}

// Stats is a snapshot of pool counters
type Stats struct {
	Submitted  int64
	Completed  int64
	Failed     int64
	Retried    int64
	QueueDepth int
	Workers    int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  atomic.LoadInt64(&p.submitted),
		Completed:  atomic.LoadInt64(&p.completed),
		Failed:     atomic.LoadInt64(&p.failed),
		Retried:    atomic.LoadInt64(&p.retried),
		QueueDepth: len(p.tasks),
		Workers:    p.config.Workers,
	}
}
