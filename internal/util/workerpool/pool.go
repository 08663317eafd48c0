package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
)

// Job is a long running administrative task. Its context is cancelled when
// the job's timeout elapses or the pool stops.
type Job struct {
	ID      string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	// Done, if set, receives the job's final error
	Done func(err error)
}

// Pool runs jobs on a bounded set of goroutines
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	jobs       chan Job
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
}

// New creates a pool and starts its workers
func New(cfg *Config, logger *zap.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		jobs:       make(chan Job, cfg.QueueSize),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case job := <-p.jobs:
			p.execute(id, job)
		}
	}
}

// drain fails jobs still queued when the pool stops
func (p *Pool) drain() {
	for {
		select {
		case job := <-p.jobs:
			atomic.AddUint64(&p.failed, 1)
			if job.Done != nil {
				job.Done(stoppedError(p.name))
			}
		default:
			return
		}
	}
}

func (p *Pool) execute(workerID int, job Job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	ctx := p.ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := p.safeRun(ctx, job)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completed, 1)
		p.logger.Info("Job completed",
			zap.String("pool", p.name),
			zap.String("job_id", job.ID),
			zap.Duration("duration", duration))
	}

	if job.Done != nil {
		job.Done(err)
	}
}

func (p *Pool) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = storeerrors.InternalError(fmt.Sprintf("job %s panicked: %v", job.ID, r), nil)
			p.logger.Error("Job panic recovered",
				zap.String("pool", p.name),
				zap.String("job_id", job.ID),
				zap.Any("panic", r))
		}
	}()
	return job.Run(ctx)
}

// Submit queues a job without blocking. A full queue is ResourceExhausted and
// a stopped pool is Unavailable.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return stoppedError(p.name)
	}

	select {
	case p.jobs <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return storeerrors.NewStorageError(storeerrors.ErrCodeResourceExhausted,
			fmt.Sprintf("worker pool '%s' queue is full", p.name), nil)
	}
}

// Stop cancels running jobs, fails queued ones and waits for the workers
// until ctx ends
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool", zap.String("name", p.name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool stop timed out", zap.String("name", p.name))
		return fmt.Errorf("worker pool '%s' stop: %w", p.name, ctx.Err())
	}
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:          p.name,
		MaxWorkers:    p.maxWorkers,
		ActiveWorkers: int(atomic.LoadInt32(&p.active)),
		QueueSize:     p.queueSize,
		QueuedJobs:    len(p.jobs),
		SubmittedJobs: atomic.LoadUint64(&p.submitted),
		CompletedJobs: atomic.LoadUint64(&p.completed),
		FailedJobs:    atomic.LoadUint64(&p.failed),
		RejectedJobs:  atomic.LoadUint64(&p.rejected),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name          string `json:"name"`
	MaxWorkers    int    `json:"max_workers"`
	ActiveWorkers int    `json:"active_workers"`
	QueueSize     int    `json:"queue_size"`
	QueuedJobs    int    `json:"queued_jobs"`
	SubmittedJobs uint64 `json:"submitted_jobs"`
	CompletedJobs uint64 `json:"completed_jobs"`
	FailedJobs    uint64 `json:"failed_jobs"`
	RejectedJobs  uint64 `json:"rejected_jobs"`
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return (float64(s.QueuedJobs) / float64(s.QueueSize)) * 100.0
}

func stoppedError(name string) error {
	return storeerrors.Unavailable(fmt.Sprintf("worker pool '%s' is stopped", name), nil)
}
