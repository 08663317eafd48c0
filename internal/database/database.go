// Package database binds the write path together: one storage engine, the
// document store, the conflict resolver and the revisions engine, all fed by a
// single transaction merger whose committed commands land in the command log.
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/commandlog"
	"github.com/devrev/pairdb/document-node/internal/conflicts"
	"github.com/devrev/pairdb/document-node/internal/documents"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/metrics"
	"github.com/devrev/pairdb/document-node/internal/revisions"
	"github.com/devrev/pairdb/document-node/internal/storage/diskmanager"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
	"github.com/devrev/pairdb/document-node/internal/txmerger"
	"github.com/devrev/pairdb/document-node/internal/util/workerpool"
	"github.com/devrev/pairdb/document-node/internal/validation"
)

var databaseIDKey = []byte("m/dbid")

// Config holds everything needed to open a database
type Config struct {
	Name    string
	NodeTag string
	// DatabaseID pins the id used in change vectors. Empty generates one on
	// first open; a stored id that differs is an error.
	DatabaseID        string
	CompressRevisions bool

	Storage   engine.Config
	Merger    txmerger.Config
	Revisions revisions.Config
	Conflicts conflicts.Config
	Workers   workerpool.Config

	// CommandLog is nil when the command log is disabled
	CommandLog *commandlog.Config
	// Disk is ignored for in-memory storage; nil uses the defaults
	Disk *diskmanager.DiskManagerConfig

	OperationTimeout time.Duration
}

// Database is the write path of one document database
type Database struct {
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	engine     *engine.Engine
	store      *documents.Store
	resolver   *conflicts.Resolver
	validator  *validation.Validator
	merger     *txmerger.Merger
	commandLog *commandlog.Log
	disk       *diskmanager.DiskManager
	revisions  *revisions.Engine
	operations *Operations

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates a database. A nil metrics registers into a private
// registry.
func Open(cfg *Config, logger *zap.Logger, m *metrics.Metrics) (*Database, error) {
	if cfg.NodeTag == "" {
		return nil, storeerrors.InvalidArgument("node tag is required", nil)
	}
	if m == nil {
		m = metrics.NewMetrics(cfg.NodeTag, prometheus.NewRegistry())
	}
	logger = logger.With(zap.String("database", cfg.Name))

	eng, err := engine.Open(&cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	db := &Database{
		config:    cfg,
		logger:    logger,
		metrics:   m,
		engine:    eng,
		validator: validation.NewValidatorForValueSize(eng.MaxValueSize()),
	}

	dbID, err := loadDatabaseID(eng, cfg.DatabaseID)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	db.store, err = documents.NewStore(&documents.Config{
		DatabaseID:        dbID,
		NodeTag:           cfg.NodeTag,
		CompressRevisions: cfg.CompressRevisions,
	}, logger)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	if !cfg.Storage.InMemory {
		diskCfg := cfg.Disk
		if diskCfg == nil {
			diskCfg = diskmanager.DefaultConfig(cfg.Storage.Dir)
		}
		if diskCfg.DataDir == "" {
			diskCfg.DataDir = cfg.Storage.Dir
		}
		db.disk, err = diskmanager.NewDiskManager(diskCfg, logger)
		if err != nil {
			db.store.Close()
			_ = eng.Close()
			return nil, fmt.Errorf("failed to create disk manager: %w", err)
		}
		eng.SetDiskChecker(db.disk)
	}

	db.resolver = conflicts.NewResolver(&cfg.Conflicts, db.store, logger)
	db.merger = txmerger.New(&cfg.Merger, eng, db.execute, logger, m)

	if cfg.CommandLog != nil {
		db.commandLog, err = commandlog.Open(cfg.CommandLog, logger, m)
		if err != nil {
			_ = db.merger.Close(context.Background())
			db.store.Close()
			_ = eng.Close()
			return nil, err
		}
		db.merger.SetRecorder(db.commandLog)
	}

	db.revisions = revisions.NewEngine(&cfg.Revisions, eng, db.store, db, logger, m)

	if cfg.Workers.Name == "" {
		cfg.Workers.Name = "operations"
	}
	db.operations = newOperations(workerpool.New(&cfg.Workers, logger), cfg.OperationTimeout, logger, m)

	logger.Info("Database opened",
		zap.String("database_id", dbID),
		zap.String("node_tag", cfg.NodeTag),
		zap.Int("max_document_size", db.validator.MaxDocumentSize()),
		zap.Bool("command_log", db.commandLog != nil))
	return db, nil
}

// loadDatabaseID returns the stored database id, persisting one on first open
func loadDatabaseID(eng *engine.Engine, want string) (string, error) {
	tx := eng.BeginWrite()
	defer tx.Discard()

	raw, found, err := tx.Get(databaseIDKey)
	if err != nil {
		return "", err
	}
	if found {
		if want != "" && string(raw) != want {
			return "", storeerrors.InvalidArgument(
				fmt.Sprintf("storage belongs to database %s, not %s", raw, want), nil)
		}
		return string(raw), nil
	}

	id := want
	if id == "" {
		id = uuid.NewString()
	}
	if err := tx.Set(databaseIDKey, []byte(id)); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Name returns the configured database name
func (db *Database) Name() string {
	return db.config.Name
}

// ID returns the database id used in change vectors
func (db *Database) ID() string {
	return db.store.DatabaseID()
}

// NodeTag returns the tag of this node in change vectors
func (db *Database) NodeTag() string {
	return db.store.NodeTag()
}

// Resolver exposes the conflict resolver for script registration
func (db *Database) Resolver() *conflicts.Resolver {
	return db.resolver
}

// Revisions returns the revisions policy engine
func (db *Database) Revisions() *revisions.Engine {
	return db.revisions
}

// Operations returns the registry of long running operations
func (db *Database) Operations() *Operations {
	return db.operations
}

// ActiveOperations returns how many background operations are running
func (db *Database) ActiveOperations() int {
	return db.operations.Stats().ActiveWorkers
}

// Faulted reports whether the merger stopped accepting commands
func (db *Database) Faulted() bool {
	return db.merger.Faulted()
}

// QueueDepth returns the number of commands waiting for a batch
func (db *Database) QueueDepth() int {
	return db.merger.QueueDepth()
}

// DiskUsage returns the data volume statistics. The second result is false
// for in-memory databases.
func (db *Database) DiskUsage() (diskmanager.DiskUsageStats, bool) {
	if db.disk == nil {
		return diskmanager.DiskUsageStats{}, false
	}
	stats := db.disk.GetDiskUsage()
	db.metrics.UpdateDiskStats(stats.UsagePercent, stats.AvailableBytes)
	return stats, true
}

// CommandLogSequence returns the last recorded command log sequence, or zero
// when the log is disabled
func (db *Database) CommandLogSequence() int64 {
	if db.commandLog == nil {
		return 0
	}
	return db.commandLog.LastSequence()
}

// Close stops running operations, drains the merger and closes storage
func (db *Database) Close(ctx context.Context) error {
	db.closeOnce.Do(func() {
		db.logger.Info("Closing database")

		if err := db.operations.stop(ctx); err != nil {
			db.logger.Warn("Operations did not stop cleanly", zap.Error(err))
		}
		if err := db.merger.Close(ctx); err != nil {
			db.closeErr = err
		}
		if db.commandLog != nil {
			if err := db.commandLog.Close(); err != nil && db.closeErr == nil {
				db.closeErr = err
			}
		}
		db.store.Close()
		if err := db.engine.Close(); err != nil && db.closeErr == nil {
			db.closeErr = err
		}

		db.logger.Info("Database closed")
	})
	return db.closeErr
}
