// Package engine adapts badger into the storage primitive used by the write
// path: one read-write transaction per merged batch, pooled snapshot reads.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
)

// Config holds engine options
type Config struct {
	Dir              string
	InMemory         bool
	SyncWrites       bool
	ValueLogFileSize int64
	ReadPoolSize     int64
}

// Reader is satisfied by both read and write transactions
type Reader interface {
	Get(key []byte) ([]byte, bool, error)
	Scan(prefix []byte, opts ScanOptions, fn func(key, value []byte) bool) error
}

// ScanOptions controls prefix iteration
type ScanOptions struct {
	Reverse bool
}

// DiskChecker rejects commits when the data volume is out of space
type DiskChecker interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// Engine owns the badger handle
type Engine struct {
	db       *badger.DB
	readers  *semaphore.Weighted
	logger   *zap.Logger
	maxValue int64

	mu     sync.RWMutex
	disk   DiskChecker
	closed atomic.Bool
}

// Open opens or creates the store described by cfg
func Open(cfg *Config, logger *zap.Logger) (*Engine, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("engine: data directory is required")
		}
		opts = badger.DefaultOptions(cfg.Dir).WithSyncWrites(cfg.SyncWrites)
		if cfg.ValueLogFileSize > 0 {
			opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
		}
	}
	opts = opts.WithLogger(&badgerLogger{logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storeerrors.StorageEngine("failed to open badger", err)
	}

	// badger rejects larger values at commit; in-memory stores keep every
	// value inline, so one value must also fit a single batch
	maxValue := opts.ValueLogFileSize
	if cfg.InMemory {
		maxValue = opts.ValueThreshold
		if b := db.MaxBatchSize(); b < maxValue {
			maxValue = b
		}
	}

	poolSize := cfg.ReadPoolSize
	if poolSize <= 0 {
		poolSize = 64
	}

	logger.Info("Storage engine opened",
		zap.String("dir", cfg.Dir),
		zap.Bool("in_memory", cfg.InMemory),
		zap.Int64("read_pool_size", poolSize),
		zap.Int64("max_value_size", maxValue))

	return &Engine{
		db:       db,
		readers:  semaphore.NewWeighted(poolSize),
		logger:   logger,
		maxValue: maxValue,
	}, nil
}

// SetDiskChecker installs a guard consulted before every commit
func (e *Engine) SetDiskChecker(d DiskChecker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disk = d
}

func (e *Engine) diskChecker() DiskChecker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.disk
}

// AcquireRead takes a read context from the pool and opens a snapshot on the
// last committed state. The returned release func is safe to call more than
// once and must be called on every path.
func (e *Engine) AcquireRead(ctx context.Context) (*ReadTx, func(), error) {
	if e.closed.Load() {
		return nil, nil, storeerrors.Unavailable("storage engine is closed", nil)
	}
	if err := e.readers.Acquire(ctx, 1); err != nil {
		return nil, nil, storeerrors.NewStorageError(storeerrors.ErrCodeResourceExhausted,
			"timed out waiting for a read context", err)
	}

	rtx := &ReadTx{txn: e.db.NewTransaction(false)}
	var once sync.Once
	release := func() {
		once.Do(func() {
			rtx.txn.Discard()
			e.readers.Release(1)
		})
	}
	return rtx, release, nil
}

// View runs fn against a pooled snapshot
func (e *Engine) View(ctx context.Context, fn func(r *ReadTx) error) error {
	rtx, release, err := e.AcquireRead(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(rtx)
}

// BeginWrite opens the write transaction of a batch. Only the merger loop
// calls it, so at most one is open at a time.
func (e *Engine) BeginWrite() *WriteTx {
	return newWriteTx(e.db.NewTransaction(true), e.diskChecker(), e.maxValue)
}

// MaxValueSize is the largest single value a write transaction accepts
func (e *Engine) MaxValueSize() int64 {
	return e.maxValue
}

// Close releases the badger handle
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.db.Close(); err != nil {
		return storeerrors.StorageEngine("failed to close badger", err)
	}
	e.logger.Info("Storage engine closed")
	return nil
}

// badgerLogger routes badger's logging through zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// Infof is demoted to debug; badger is chatty at info level
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.Debugf(format, args...)
}
