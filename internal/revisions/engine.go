// Package revisions runs the revisions policy as merged commands: configuring
// retention, enforcing it across the database page by page, and deleting
// history older than a cutoff.
package revisions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/commands"
	"github.com/devrev/pairdb/document-node/internal/documents"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/metrics"
	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
	"github.com/devrev/pairdb/document-node/internal/txmerger"
)

// Config holds revisions engine configuration
type Config struct {
	EnforcePageSize int
}

// Submitter hands commands to the transaction merger
type Submitter interface {
	Enqueue(cmd commands.Command) *txmerger.Future
}

// Viewer opens read transactions
type Viewer interface {
	View(ctx context.Context, fn func(r *engine.ReadTx) error) error
}

// Progress is reported after every committed page
type Progress struct {
	ScannedDocuments int64 `json:"scanned_documents"`
	ScannedRevisions int64 `json:"scanned_revisions"`
	RemovedRevisions int64 `json:"removed_revisions"`
	TotalDocuments   int   `json:"total_documents"`
}

// EnforceConfigurationResult summarizes an enforcement run
type EnforceConfigurationResult struct {
	ScannedDocuments int64             `json:"scanned_documents"`
	ScannedRevisions int64             `json:"scanned_revisions"`
	RemovedRevisions int64             `json:"removed_revisions"`
	Warnings         map[string]string `json:"warnings,omitempty"`
	Message          string            `json:"message"`
	Cancelled        bool              `json:"cancelled,omitempty"`
}

// Engine drives the revisions policy through the merger
type Engine struct {
	config  *Config
	viewer  Viewer
	store   *documents.Store
	merger  Submitter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewEngine creates a revisions engine
func NewEngine(cfg *Config, viewer Viewer, store *documents.Store, merger Submitter, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if cfg.EnforcePageSize <= 0 {
		cfg.EnforcePageSize = 256
	}
	return &Engine{
		config:  cfg,
		viewer:  viewer,
		store:   store,
		merger:  merger,
		logger:  logger,
		metrics: m,
	}
}

// EnforceConfiguration applies the current configuration to every document
// with history. Each page commits on its own; a cancelled run keeps the pages
// already committed and returns them with an OperationCancelled error.
func (e *Engine) EnforceConfiguration(ctx context.Context, progress func(Progress)) (*EnforceConfigurationResult, error) {
	var ids []string
	err := e.viewer.View(ctx, func(r *engine.ReadTx) error {
		_, configured, err := e.store.RevisionsConfiguration(r)
		if err != nil {
			return err
		}
		if !configured {
			return storeerrors.RevisionsDisabled()
		}
		ids, err = e.store.RevisionedIDs(r)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Enforcing revisions configuration", zap.Int("documents", len(ids)))

	result := &EnforceConfigurationResult{Warnings: make(map[string]string)}
	for start := 0; start < len(ids); start += e.config.EnforcePageSize {
		if err := ctx.Err(); err != nil {
			return e.cancelled(result, err)
		}

		end := start + e.config.EnforcePageSize
		if end > len(ids) {
			end = len(ids)
		}
		page, err := txmerger.Await[*PageResult](ctx, e.merger.Enqueue(&commands.EnforceRevisions{IDs: ids[start:end]}))
		if err != nil {
			if storeerrors.Is(err, storeerrors.ErrCodeOperationCancelled) {
				return e.cancelled(result, ctx.Err())
			}
			e.finish(result, "failed")
			return result, err
		}

		result.ScannedDocuments += int64(page.ScannedDocuments)
		result.ScannedRevisions += int64(page.ScannedRevisions)
		result.RemovedRevisions += int64(page.RemovedRevisions)
		for id, w := range page.Warnings {
			result.Warnings[id] = w
		}
		if progress != nil {
			progress(Progress{
				ScannedDocuments: result.ScannedDocuments,
				ScannedRevisions: result.ScannedRevisions,
				RemovedRevisions: result.RemovedRevisions,
				TotalDocuments:   len(ids),
			})
		}
	}

	e.finish(result, "completed")
	e.logger.Info("Revisions configuration enforced",
		zap.Int64("scanned_documents", result.ScannedDocuments),
		zap.Int64("removed_revisions", result.RemovedRevisions),
		zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

func (e *Engine) cancelled(result *EnforceConfigurationResult, cause error) (*EnforceConfigurationResult, error) {
	result.Cancelled = true
	e.finish(result, "cancelled")
	e.logger.Warn("Revisions enforcement cancelled",
		zap.Int64("scanned_documents", result.ScannedDocuments),
		zap.Int64("removed_revisions", result.RemovedRevisions))
	return result, storeerrors.OperationCancelled("enforce revisions configuration", cause)
}

func (e *Engine) finish(result *EnforceConfigurationResult, status string) {
	result.Message = fmt.Sprintf("Scanned %d documents and %d revisions, removed %d revisions",
		result.ScannedDocuments, result.ScannedRevisions, result.RemovedRevisions)
	if result.Cancelled {
		result.Message += " before cancellation"
	}
	if e.metrics != nil {
		e.metrics.RecordEnforcement(status, result.RemovedRevisions)
	}
}

// DeleteRevisionsBefore removes a collection's revisions created before the cutoff
func (e *Engine) DeleteRevisionsBefore(ctx context.Context, collection string, before time.Time) (int, error) {
	return txmerger.Await[int](ctx, e.merger.Enqueue(&commands.DeleteRevisionsBefore{Collection: collection, Before: before}))
}

// ConfigureRevisions replaces the revisions configuration
func (e *Engine) ConfigureRevisions(ctx context.Context, cfg model.RevisionsConfiguration) (*documents.PutResult, error) {
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return txmerger.Await[*documents.PutResult](ctx, e.merger.Enqueue(&commands.ConfigureRevisions{Configuration: cfg}))
}

// Validate rejects retention settings that cannot be applied
func Validate(cfg *model.RevisionsConfiguration) error {
	check := func(name string, c *model.RevisionsCollectionConfiguration) error {
		if c == nil {
			return nil
		}
		if c.MaxRevisions != nil && *c.MaxRevisions < 0 {
			return storeerrors.InvalidArgument(fmt.Sprintf("%s: MaxRevisions must not be negative", name), nil)
		}
		if c.MaxRevisionAge != nil && *c.MaxRevisionAge <= 0 {
			return storeerrors.InvalidArgument(fmt.Sprintf("%s: MaxRevisionAge must be positive", name), nil)
		}
		if c.MaxRevisionsToDeleteUponUpdate != nil && *c.MaxRevisionsToDeleteUponUpdate <= 0 {
			return storeerrors.InvalidArgument(fmt.Sprintf("%s: MaxRevisionsToDeleteUponUpdate must be positive", name), nil)
		}
		return nil
	}

	if err := check("Default", cfg.Default); err != nil {
		return err
	}
	if err := check("ConflictRevisions", cfg.ConflictRevisions); err != nil {
		return err
	}
	for name, c := range cfg.Collections {
		if err := check(name, c); err != nil {
			return err
		}
	}
	return nil
}

// PageResult is the outcome of one EnforceRevisions command
type PageResult struct {
	ScannedDocuments int               `json:"scanned_documents"`
	ScannedRevisions int               `json:"scanned_revisions"`
	RemovedRevisions int               `json:"removed_revisions"`
	Warnings         map[string]string `json:"warnings,omitempty"`
}

// ApplyPage executes an EnforceRevisions command. A document whose history
// cannot be evaluated is skipped with a warning; engine failures abort the page.
func ApplyPage(tx *engine.WriteTx, store *documents.Store, cmd *commands.EnforceRevisions) (*PageResult, error) {
	cfg, configured, err := store.RevisionsConfiguration(tx)
	if err != nil {
		return nil, err
	}
	if !configured {
		return nil, storeerrors.RevisionsDisabled()
	}

	now := commands.Time(cmd)
	res := &PageResult{}
	for _, id := range cmd.IDs {
		sp := tx.Savepoint()
		stats, err := store.EnforceRevisions(tx, id, cfg, now)
		if err != nil {
			sp.Rollback()
			if storeerrors.IsBatchFatal(err) {
				return nil, err
			}
			if res.Warnings == nil {
				res.Warnings = make(map[string]string)
			}
			res.Warnings[id] = err.Error()
			continue
		}
		sp.Release()

		res.ScannedDocuments++
		res.ScannedRevisions += stats.ScannedRevisions
		res.RemovedRevisions += stats.RemovedRevisions
	}
	return res, nil
}

// DeleteBefore executes a DeleteRevisionsBefore command
func DeleteBefore(tx *engine.WriteTx, store *documents.Store, cmd *commands.DeleteRevisionsBefore) (int, error) {
	if _, configured, err := store.RevisionsConfiguration(tx); err != nil {
		return 0, err
	} else if !configured {
		return 0, storeerrors.RevisionsDisabled()
	}
	if cmd.Collection == "" {
		return 0, storeerrors.InvalidArgument("collection is required", nil)
	}
	return store.DeleteRevisionsBefore(tx, cmd.Collection, cmd.Before)
}

// Configure executes a ConfigureRevisions command
func Configure(tx *engine.WriteTx, store *documents.Store, cmd *commands.ConfigureRevisions) (*documents.PutResult, error) {
	if err := Validate(&cmd.Configuration); err != nil {
		return nil, err
	}
	data, err := json.Marshal(&cmd.Configuration)
	if err != nil {
		return nil, storeerrors.InternalError("failed to encode revisions configuration", err)
	}
	return store.Put(tx, model.RevisionsConfigID, model.SystemCollection, data, nil, documents.PutOptions{Now: commands.Time(cmd)})
}
