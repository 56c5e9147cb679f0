package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/gameshop-ledger/internal/metrics"
)

type Handler func(ctx context.Context, job Job) error

type Worker struct {
	ID         int
	WorkerPool chan chan Job
	JobChannel chan Job
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan Job, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan Job),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("worker processing job", "worker_id", w.ID, "job_type", job.Type, "job_id", job.ID)
				processFunc(job)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

type PoolConfig struct {
	Workers       int
	DefaultPolicy RetryPolicy
	JobTimeout    time.Duration
}

type route struct {
	handler Handler
	policy  RetryPolicy
}

// Pool pulls jobs from a Queue and fans them out to a fixed set of workers.
type Pool struct {
	queue         Queue
	logger        *slog.Logger
	metrics       *metrics.Metrics
	maxWorkers    int
	jobTimeout    time.Duration
	defaultPolicy RetryPolicy

	mu     sync.RWMutex
	routes map[string]route

	workerPool chan chan Job
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

func NewPool(q Queue, config PoolConfig, m *metrics.Metrics, logger *slog.Logger) *Pool {
	maxWorkers := config.Workers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	policy := config.DefaultPolicy
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = 5 * time.Second
	}
	jobTimeout := config.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}

	return &Pool{
		queue:         q,
		logger:        logger,
		metrics:       m,
		maxWorkers:    maxWorkers,
		jobTimeout:    jobTimeout,
		defaultPolicy: policy,
		routes:        make(map[string]route),
		workerPool:    make(chan chan Job, maxWorkers),
	}
}

// Register binds a handler to a job type. A nil policy uses the pool default.
func (p *Pool) Register(jobType string, h Handler, policy *RetryPolicy) {
	r := route{handler: h, policy: p.defaultPolicy}
	if policy != nil {
		r.policy = *policy
	}
	p.mu.Lock()
	p.routes[jobType] = r
	p.mu.Unlock()
}

func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		p.ctx, p.cancel = context.WithCancel(ctx)

		for i := 0; i < p.maxWorkers; i++ {
			worker := NewWorker(i, p.workerPool, p.logger)
			worker.Start(p.ctx, &p.wg, p.process)
		}

		p.wg.Add(1)
		go p.dispatch()

		p.logger.Info("job worker pool started", "max_workers", p.maxWorkers)
	})
}

func (p *Pool) dispatch() {
	defer p.wg.Done()

	for {
		job, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				p.logger.Info("dispatcher shutting down")
				return
			}
			p.logger.Error("failed to dequeue job", "error", err)
			select {
			case <-time.After(time.Second):
			case <-p.ctx.Done():
				return
			}
			continue
		}

		select {
		case jobChannel := <-p.workerPool:
			select {
			case jobChannel <- job:
			case <-p.ctx.Done():
				p.requeue(job)
				return
			}
		case <-p.ctx.Done():
			p.requeue(job)
			p.logger.Info("dispatcher shutting down")
			return
		}
	}
}

// requeue hands back a job that was dequeued but never started.
func (p *Pool) requeue(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Enqueue(ctx, job); err != nil {
		p.logger.Error("failed to requeue job on shutdown", "job_type", job.Type, "job_id", job.ID, "error", err)
	}
}

func (p *Pool) process(job Job) {
	p.mu.RLock()
	r, ok := p.routes[job.Type]
	p.mu.RUnlock()
	if !ok {
		p.logger.Error("no handler for job type, dropping", "job_type", job.Type, "job_id", job.ID)
		p.metrics.QueueJob(job.Type, "unroutable")
		return
	}

	err := p.run(r.handler, job)
	if err == nil {
		p.metrics.QueueJob(job.Type, "success")
		return
	}

	if IsPermanent(err) {
		p.logger.Error("job failed permanently", "job_type", job.Type, "job_id", job.ID, "attempt", job.Attempt+1, "error", err)
		p.metrics.QueueJob(job.Type, "permanent_failure")
		return
	}

	maxAttempts := r.policy.MaxAttempts
	if job.MaxAttempts > 0 {
		maxAttempts = job.MaxAttempts
	}

	job.Attempt++
	if job.Attempt >= maxAttempts {
		p.logger.Error("job exhausted retries", "job_type", job.Type, "job_id", job.ID, "attempt", job.Attempt, "error", err)
		p.metrics.QueueJob(job.Type, "exhausted")
		return
	}

	delay := r.policy.Backoff(job.Attempt)
	p.logger.Warn("job failed, scheduling retry",
		"job_type", job.Type,
		"job_id", job.ID,
		"attempt", job.Attempt,
		"delay", delay.String(),
		"error", err)
	p.metrics.QueueJob(job.Type, "retry")

	if qerr := p.queue.EnqueueIn(context.Background(), job, delay); qerr != nil {
		p.logger.Error("failed to schedule retry", "job_type", job.Type, "job_id", job.ID, "error", qerr)
	}
}

// run executes h and turns a panic into a retriable error so one bad job
// never takes the worker down.
func (p *Pool) run(h Handler, job Job) (err error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.jobTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("job handler panicked", "job_type", job.Type, "job_id", job.ID, "panic", rec)
			err = errors.New("job handler panicked")
		}
	}()
	return h(ctx, job)
}

func (p *Pool) Shutdown() {
	p.logger.Info("shutting down job worker pool")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("job worker pool shutdown complete")
}
