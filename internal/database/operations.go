package database

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/metrics"
	"github.com/devrev/pairdb/document-node/internal/revisions"
	"github.com/devrev/pairdb/document-node/internal/util/workerpool"
)

// OperationState is the lifecycle state of a long running operation
type OperationState string

const (
	OperationPending   OperationState = "pending"
	OperationRunning   OperationState = "running"
	OperationCompleted OperationState = "completed"
	OperationFaulted   OperationState = "faulted"
	OperationCancelled OperationState = "cancelled"
)

// OperationTypeEnforceRevisions names the revisions enforcement operation
const OperationTypeEnforceRevisions = "EnforceRevisionsConfiguration"

// Operation is a snapshot of a long running operation
type Operation struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	State       OperationState `json:"state"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Progress    interface{}    `json:"progress,omitempty"`
	Result      interface{}    `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type operation struct {
	Operation
	cancel context.CancelFunc
}

// Operations runs administrative work on a worker pool and tracks its state
type Operations struct {
	pool    *workerpool.Pool
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu  sync.Mutex
	ops map[string]*operation
}

func newOperations(pool *workerpool.Pool, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Operations {
	return &Operations{
		pool:    pool,
		timeout: timeout,
		logger:  logger,
		metrics: m,
		ops:     make(map[string]*operation),
	}
}

// RunFunc is the body of an operation. It reports progress through report
// and returns the operation's result.
type RunFunc func(ctx context.Context, report func(progress interface{})) (interface{}, error)

// Start schedules fn and returns the operation id
func (o *Operations) Start(opType string, fn RunFunc) (string, error) {
	op := &operation{Operation: Operation{
		ID:        uuid.NewString(),
		Type:      opType,
		State:     OperationPending,
		StartedAt: time.Now().UTC(),
	}}

	o.mu.Lock()
	o.ops[op.ID] = op
	o.mu.Unlock()

	err := o.pool.Submit(workerpool.Job{
		ID:      op.ID,
		Timeout: o.timeout,
		Run: func(ctx context.Context) error {
			return o.run(ctx, op, fn)
		},
		Done: func(err error) {
			o.finish(op, err)
		},
	})
	if err != nil {
		o.mu.Lock()
		delete(o.ops, op.ID)
		o.mu.Unlock()
		return "", err
	}

	o.logger.Info("Operation scheduled", zap.String("operation_id", op.ID), zap.String("type", opType))
	return op.ID, nil
}

func (o *Operations) run(ctx context.Context, op *operation, fn RunFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if op.State == OperationCancelled {
		o.mu.Unlock()
		return storeerrors.OperationCancelled(op.Type, context.Canceled)
	}
	op.State = OperationRunning
	op.cancel = cancel
	o.mu.Unlock()

	o.metrics.OperationsActive.Inc()
	defer o.metrics.OperationsActive.Dec()

	result, err := fn(ctx, func(progress interface{}) {
		o.mu.Lock()
		op.Progress = progress
		o.mu.Unlock()
	})

	o.mu.Lock()
	op.Result = result
	o.mu.Unlock()
	return err
}

func (o *Operations) finish(op *operation, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now().UTC()
	op.CompletedAt = &now
	op.cancel = nil
	switch {
	case err == nil:
		op.State = OperationCompleted
	case storeerrors.Is(err, storeerrors.ErrCodeOperationCancelled):
		op.State = OperationCancelled
		op.Error = err.Error()
	default:
		op.State = OperationFaulted
		op.Error = err.Error()
	}
}

// Get returns a snapshot of the operation with the given id
func (o *Operations) Get(id string) (Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.ops[id]
	if !ok {
		return Operation{}, false
	}
	return op.Operation, true
}

// List returns snapshots of every tracked operation
func (o *Operations) List() []Operation {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Operation, 0, len(o.ops))
	for _, op := range o.ops {
		out = append(out, op.Operation)
	}
	return out
}

// Cancel requests cancellation. Pages already committed by the operation stay.
func (o *Operations) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.ops[id]
	if !ok {
		return storeerrors.InvalidArgument("unknown operation "+id, nil)
	}
	switch op.State {
	case OperationPending:
		op.State = OperationCancelled
	case OperationRunning:
		if op.cancel != nil {
			op.cancel()
		}
	}
	return nil
}

// Stats returns the worker pool statistics
func (o *Operations) Stats() workerpool.Stats {
	return o.pool.Stats()
}

func (o *Operations) stop(ctx context.Context) error {
	return o.pool.Stop(ctx)
}

// StartEnforceConfiguration runs revisions enforcement in the background
func (db *Database) StartEnforceConfiguration() (string, error) {
	return db.operations.Start(OperationTypeEnforceRevisions, func(ctx context.Context, report func(interface{})) (interface{}, error) {
		res, err := db.revisions.EnforceConfiguration(ctx, func(p revisions.Progress) { report(p) })
		if res == nil {
			return nil, err
		}
		return res, err
	})
}
