package database

import (
	"github.com/devrev/pairdb/document-node/internal/commandlog"
	"github.com/devrev/pairdb/document-node/internal/config"
	"github.com/devrev/pairdb/document-node/internal/conflicts"
	"github.com/devrev/pairdb/document-node/internal/revisions"
	"github.com/devrev/pairdb/document-node/internal/storage/diskmanager"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
	"github.com/devrev/pairdb/document-node/internal/txmerger"
	"github.com/devrev/pairdb/document-node/internal/util/workerpool"
)

// FromConfig builds database options from the node configuration file
func FromConfig(c *config.Config) *Config {
	cfg := &Config{
		Name:              c.Server.Database,
		NodeTag:           c.Server.NodeTag,
		DatabaseID:        c.Server.DatabaseID,
		CompressRevisions: c.Revisions.Compress,
		Storage: engine.Config{
			Dir:              c.Storage.DataDir,
			InMemory:         c.Storage.InMemory,
			SyncWrites:       c.Storage.SyncWrites,
			ValueLogFileSize: c.Storage.ValueLogFileSize,
			ReadPoolSize:     c.Storage.ReadPoolSize,
		},
		Merger: txmerger.Config{
			MaxBatchSize:           c.TxMerger.MaxBatchSize,
			MaxBatchDuration:       c.TxMerger.MaxBatchDuration,
			MaxTxSizeBytes:         c.TxMerger.MaxTxSizeBytes,
			MaxConsecutiveFailures: c.TxMerger.MaxConsecutiveFailures,
		},
		Revisions: revisions.Config{EnforcePageSize: c.Revisions.EnforcePageSize},
		Conflicts: conflicts.Config{ResolveToLatest: c.Conflicts.ResolveToLatest},
		Workers: workerpool.Config{
			Name:       "operations",
			MaxWorkers: c.Workers.MaxWorkers,
			QueueSize:  c.Workers.QueueSize,
		},
		OperationTimeout: c.Revisions.OperationTimeout,
	}

	if c.CommandLog.Enabled {
		cfg.CommandLog = &commandlog.Config{
			Dir:         c.CommandLog.Dir,
			SegmentSize: c.CommandLog.SegmentSize,
			SyncWrites:  c.CommandLog.SyncWrites,
		}
	}

	if !c.Storage.InMemory {
		cfg.Disk = &diskmanager.DiskManagerConfig{
			DataDir:                 c.Storage.DataDir,
			CheckInterval:           c.Disk.CheckInterval,
			WarningThreshold:        c.Disk.WarningThreshold,
			ThrottleThreshold:       c.Disk.ThrottleThreshold,
			CircuitBreakerThreshold: c.Disk.CircuitBreakerThreshold,
		}
	}

	return cfg
}
