// Package txmerger serializes every mutation of a database through one writer
// goroutine. Pending commands are batched into a single write transaction,
// each command runs in its own savepoint, and results are delivered only after
// the batch commits.
package txmerger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/commands"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/metrics"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
)

// Config holds transaction merger configuration
type Config struct {
	MaxBatchSize           int
	MaxBatchDuration       time.Duration
	MaxTxSizeBytes         int64
	MaxConsecutiveFailures int
	// Clock materializes command times; defaults to time.Now
	Clock func() time.Time
}

// DefaultConfig returns the merger defaults
func DefaultConfig() *Config {
	return &Config{
		MaxBatchSize:           1024,
		MaxBatchDuration:       50 * time.Millisecond,
		MaxTxSizeBytes:         32 << 20,
		MaxConsecutiveFailures: 5,
	}
}

// Writer opens batch transactions
type Writer interface {
	BeginWrite() *engine.WriteTx
}

// ExecuteFunc runs one command inside the batch transaction
type ExecuteFunc func(tx *engine.WriteTx, cmd commands.Command) (interface{}, error)

// Recorder receives the commands of each committed batch in commit order.
// Only commands that executed successfully are recorded.
type Recorder interface {
	Record(batch uint64, cmds []commands.Command) error
}

type pending struct {
	cmd    commands.Command
	future *Future
}

type executed struct {
	p      *pending
	result interface{}
	err    error
}

// Merger is the single writer of a database
type Merger struct {
	config  *Config
	writer  Writer
	exec    ExecuteFunc
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu                  sync.Mutex
	queue               []*pending
	recorder            Recorder
	closing             bool
	faulted             bool
	faultCause          error
	consecutiveFailures int
	batchSeq            uint64

	signal    chan struct{}
	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

// New creates a merger and starts its writer goroutine
func New(cfg *Config, writer Writer, exec ExecuteFunc, logger *zap.Logger, m *metrics.Metrics) *Merger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if cfg.MaxBatchDuration <= 0 {
		cfg.MaxBatchDuration = defaults.MaxBatchDuration
	}
	if cfg.MaxTxSizeBytes <= 0 {
		cfg.MaxTxSizeBytes = defaults.MaxTxSizeBytes
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaults.MaxConsecutiveFailures
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if m == nil {
		m = metrics.NewMetrics("", prometheus.NewRegistry())
	}

	tm := &Merger{
		config:   cfg,
		writer:   writer,
		exec:     exec,
		logger:   logger,
		metrics:  m,
		clock:    clock,
		signal:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go tm.run()

	logger.Info("Transaction merger started",
		zap.Int("max_batch_size", cfg.MaxBatchSize),
		zap.Duration("max_batch_duration", cfg.MaxBatchDuration),
		zap.Int64("max_tx_size_bytes", cfg.MaxTxSizeBytes))
	return tm
}

// SetRecorder installs the recorder of committed commands
func (m *Merger) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// Enqueue appends cmd to the queue. The command's time is materialized here
// unless it already carries one.
func (m *Merger) Enqueue(cmd commands.Command) *Future {
	commands.Materialize(cmd, m.clock())

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return Failed(shutdownError())
	}
	if m.faulted {
		cause := m.faultCause
		m.mu.Unlock()
		return Failed(storeerrors.Unavailable("transaction merger is faulted", cause))
	}
	p := &pending{cmd: cmd, future: newFuture()}
	m.queue = append(m.queue, p)
	depth := len(m.queue)
	m.mu.Unlock()

	m.metrics.SetQueueDepth(depth)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return p.future
}

// QueueDepth returns the number of commands waiting for a batch
func (m *Merger) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Faulted reports whether the merger stopped after repeated fatal batches
func (m *Merger) Faulted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faulted
}

// LastBatch returns the sequence number of the last committed batch
func (m *Merger) LastBatch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchSeq
}

// Close stops accepting commands, lets the running batch finish and fails
// whatever is still queued
func (m *Merger) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		m.mu.Unlock()
		close(m.stopChan)
	})

	select {
	case <-m.doneChan:
		m.logger.Info("Transaction merger stopped")
		return nil
	case <-ctx.Done():
		return storeerrors.OperationCancelled("close transaction merger", ctx.Err())
	}
}

func (m *Merger) run() {
	defer close(m.doneChan)
	defer m.failQueued(shutdownError())

	for {
		select {
		case <-m.stopChan:
			return
		case <-m.signal:
		}

		for !m.stopping() {
			batch := m.take()
			if len(batch) == 0 {
				break
			}
			m.runBatch(batch)
		}
	}
}

func (m *Merger) stopping() bool {
	select {
	case <-m.stopChan:
		return true
	default:
		return false
	}
}

func (m *Merger) take() []*pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.queue)
	if n > m.config.MaxBatchSize {
		n = m.config.MaxBatchSize
	}
	batch := make([]*pending, n)
	copy(batch, m.queue[:n])
	m.queue = m.queue[n:]
	m.metrics.SetQueueDepth(len(m.queue))
	return batch
}

// requeue puts commands that did not fit the batch back at the head
func (m *Merger) requeue(rest []*pending) {
	if len(rest) == 0 {
		return
	}
	m.mu.Lock()
	m.queue = append(append(make([]*pending, 0, len(rest)+len(m.queue)), rest...), m.queue...)
	m.mu.Unlock()
}

func (m *Merger) runBatch(batch []*pending) {
	start := time.Now()
	tx := m.writer.BeginWrite()

	results := make([]executed, 0, len(batch))
	for i, p := range batch {
		if i > 0 && (time.Since(start) >= m.config.MaxBatchDuration || tx.Size() >= m.config.MaxTxSizeBytes) {
			m.requeue(batch[i:])
			batch = batch[:i]
			break
		}

		res, err := m.execute(tx, p.cmd)
		if err != nil && storeerrors.IsBatchFatal(err) {
			tx.Discard()
			m.failBatch(batch, err, start)
			return
		}
		results = append(results, executed{p: p, result: res, err: err})
	}

	if err := tx.Commit(); err != nil {
		if storeerrors.Is(err, storeerrors.ErrCodeTransactionTooBig) && len(batch) > 1 {
			m.metrics.RecordSplitRetry()
			m.logger.Warn("Merged transaction too big, retrying commands one at a time",
				zap.Int("batch_size", len(batch)),
				zap.Int64("pending_bytes", tx.Size()))
			for _, p := range batch {
				m.runBatch([]*pending{p})
			}
			return
		}
		if ownSize(err) && len(batch) == 1 {
			m.rejectOversized(batch[0], err, start)
			return
		}
		m.failBatch(batch, err, start)
		return
	}

	m.committed(results, start)
}

// execute runs one command inside its own savepoint
func (m *Merger) execute(tx *engine.WriteTx, cmd commands.Command) (result interface{}, err error) {
	sp := tx.Savepoint()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Merged command panic recovered",
				zap.String("type", string(cmd.CommandType())),
				zap.Any("panic", r))
			result, err = nil, storeerrors.InternalError(fmt.Sprintf("command %s panicked: %v", cmd.CommandType(), r), nil)
		}
		if err != nil {
			sp.Rollback()
			return
		}
		sp.Release()
	}()
	return m.exec(tx, cmd)
}

func (m *Merger) committed(results []executed, start time.Time) {
	m.mu.Lock()
	m.consecutiveFailures = 0
	m.batchSeq++
	seq := m.batchSeq
	recorder := m.recorder
	m.mu.Unlock()

	m.metrics.RecordBatch(len(results), time.Since(start).Seconds())

	if recorder != nil {
		cmds := make([]commands.Command, 0, len(results))
		for _, r := range results {
			if r.err == nil {
				cmds = append(cmds, r.p.cmd)
			}
		}
		if len(cmds) > 0 {
			if err := recorder.Record(seq, cmds); err != nil {
				// committed state is ahead of the log; replay would diverge
				m.fault(storeerrors.CommandLogFailed("failed to record committed batch", err))
			}
		}
	}

	for _, r := range results {
		outcome := "ok"
		if r.err != nil {
			outcome = "error"
		}
		m.metrics.RecordCommand(string(r.p.cmd.CommandType()), outcome)
		r.p.future.complete(r.result, r.err)
	}
}

// ownSize reports whether a commit failed only because of how much it wrote
func ownSize(err error) bool {
	return storeerrors.Is(err, storeerrors.ErrCodeTransactionTooBig) ||
		storeerrors.Is(err, storeerrors.ErrCodePayloadTooLarge)
}

// rejectOversized fails a lone command that cannot fit any transaction. The
// engine is healthy, so the failure does not count toward faulting.
func (m *Merger) rejectOversized(p *pending, err error, start time.Time) {
	m.metrics.RecordBatch(1, time.Since(start).Seconds())
	m.metrics.RecordCommand(string(p.cmd.CommandType()), "error")
	m.logger.Warn("Command too big for a write transaction",
		zap.String("type", string(p.cmd.CommandType())),
		zap.Error(err))
	p.future.complete(nil, err)
}

func (m *Merger) failBatch(batch []*pending, err error, start time.Time) {
	m.metrics.RecordBatch(len(batch), time.Since(start).Seconds())
	m.metrics.RecordBatchFailure()
	m.logger.Error("Merged transaction failed",
		zap.Int("batch_size", len(batch)),
		zap.Error(err))

	for _, p := range batch {
		m.metrics.RecordCommand(string(p.cmd.CommandType()), "fatal")
		p.future.complete(nil, err)
	}

	m.mu.Lock()
	m.consecutiveFailures++
	tripped := m.consecutiveFailures >= m.config.MaxConsecutiveFailures
	m.mu.Unlock()

	if tripped {
		m.fault(err)
	}
}

// fault stops the merger from accepting work and fails the queue
func (m *Merger) fault(cause error) {
	m.mu.Lock()
	if m.faulted {
		m.mu.Unlock()
		return
	}
	m.faulted = true
	m.faultCause = cause
	failures := m.consecutiveFailures
	m.mu.Unlock()

	m.metrics.SetFaulted(true)
	m.logger.Error("Transaction merger faulted",
		zap.Int("consecutive_failures", failures),
		zap.Error(cause))
	m.failQueued(storeerrors.Unavailable("transaction merger is faulted", cause))
}

func (m *Merger) failQueued(err error) {
	m.mu.Lock()
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()

	m.metrics.SetQueueDepth(0)
	for _, p := range queued {
		p.future.complete(nil, err)
	}
}

func shutdownError() error {
	return storeerrors.Unavailable("database is shutting down", nil)
}
