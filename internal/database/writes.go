package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/commands"
	"github.com/devrev/pairdb/document-node/internal/conflicts"
	"github.com/devrev/pairdb/document-node/internal/documents"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/hilo"
	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/revisions"
	"github.com/devrev/pairdb/document-node/internal/txmerger"
)

// Enqueue validates cmd and hands it to the merger. Invalid commands fail
// without entering the queue.
func (db *Database) Enqueue(cmd commands.Command) *txmerger.Future {
	if err := db.validate(cmd); err != nil {
		db.metrics.RecordCommand(string(cmd.CommandType()), "rejected")
		return txmerger.Failed(err)
	}
	return db.merger.Enqueue(cmd)
}

func (db *Database) validate(cmd commands.Command) error {
	v := db.validator

	switch c := cmd.(type) {
	case *commands.PutDocument:
		if err := v.ValidatePut(c.ID, c.Collection, c.Data, c.ExpectedChangeVector); err != nil {
			return err
		}
		return validateSystemDocument(c.ID, c.Data)
	case *commands.DeleteDocument:
		if err := v.ValidateDocumentID(c.ID); err != nil {
			return err
		}
		if c.ExpectedChangeVector != nil {
			return v.ValidateChangeVector(*c.ExpectedChangeVector)
		}
	case *commands.PatchDocument:
		if err := v.ValidateDocumentID(c.ID); err != nil {
			return err
		}
		if len(c.Patch) == 0 {
			return storeerrors.InvalidPatch(c.ID, nil)
		}
		if c.ExpectedChangeVector != nil {
			return v.ValidateChangeVector(*c.ExpectedChangeVector)
		}
	case *commands.PutFromReplication:
		if err := v.ValidateReplicated(c.ID, c.Collection, c.Data, c.ChangeVector, c.Deleted); err != nil {
			return err
		}
		if !c.Deleted {
			return validateSystemDocument(c.ID, c.Data)
		}
	case *commands.ResolveConflict:
		return v.ValidateDocumentID(c.ID)
	case *commands.HiLoNext:
		return v.ValidateHiLoKey(c.Key)
	case *commands.HiLoReturn:
		return v.ValidateHiLoKey(c.Key)
	case *commands.ConfigureRevisions:
		return revisions.Validate(&c.Configuration)
	case *commands.DeleteRevisionsBefore:
		return v.ValidateCollection(c.Collection)
	case *commands.EnforceRevisions:
		for _, id := range c.IDs {
			if err := v.ValidateDocumentID(id); err != nil {
				return err
			}
		}
	case *commands.PurgeTombstones:
		if c.UpToEtag < 0 {
			return storeerrors.InvalidArgument("purge etag must not be negative", nil)
		}
	}
	return nil
}

// validateSystemDocument checks the shape of documents the write path decodes
// itself, so a malformed one cannot break later commands
func validateSystemDocument(id string, data json.RawMessage) error {
	lower := documents.Fold(id)
	switch {
	case lower == documents.Fold(model.RevisionsConfigID):
		var cfg model.RevisionsConfiguration
		if err := json.Unmarshal(data, &cfg); err != nil {
			return storeerrors.InvalidArgument("revisions configuration document has the wrong shape", err)
		}
		return revisions.Validate(&cfg)
	case strings.HasPrefix(lower, documents.Fold(model.HiLoPrefix)):
		var state model.HiLoState
		if err := json.Unmarshal(data, &state); err != nil {
			return storeerrors.InvalidArgument("hilo document has the wrong shape", err)
		}
		if state.Max < 0 {
			return storeerrors.InvalidArgument("hilo Max must not be negative", nil)
		}
	}
	return nil
}

// Put stores a document. A nil expectedCV skips the concurrency check; an
// empty one requires that the document not exist.
func (db *Database) Put(ctx context.Context, id, collection string, data json.RawMessage, expectedCV *string) (*documents.PutResult, error) {
	return txmerger.Await[*documents.PutResult](ctx, db.Enqueue(&commands.PutDocument{
		ID:                   id,
		Collection:           collection,
		Data:                 data,
		ExpectedChangeVector: expectedCV,
	}))
}

// Delete removes a document. It returns a nil tombstone when nothing was stored.
func (db *Database) Delete(ctx context.Context, id string, expectedCV *string) (*model.Tombstone, error) {
	return txmerger.Await[*model.Tombstone](ctx, db.Enqueue(&commands.DeleteDocument{
		ID:                   id,
		ExpectedChangeVector: expectedCV,
	}))
}

// Patch applies an RFC 6902 JSON Patch to an existing document
func (db *Database) Patch(ctx context.Context, id string, patch json.RawMessage, expectedCV *string) (*documents.PutResult, error) {
	return txmerger.Await[*documents.PutResult](ctx, db.Enqueue(&commands.PatchDocument{
		ID:                   id,
		Patch:                patch,
		ExpectedChangeVector: expectedCV,
	}))
}

// PutFromReplication applies a version received from another database
func (db *Database) PutFromReplication(ctx context.Context, in conflicts.Incoming) (*conflicts.ApplyResult, error) {
	res, err := txmerger.Await[*conflicts.ApplyResult](ctx, db.Enqueue(&commands.PutFromReplication{
		ID:           in.ID,
		Collection:   in.Collection,
		Data:         in.Data,
		ChangeVector: in.ChangeVector,
		LastModified: in.LastModified,
		Deleted:      in.Deleted,
	}))
	if err == nil && res != nil {
		db.metrics.RecordReplicationOutcome(string(res.Outcome))
	}
	return res, err
}

// ResolveConflict resolves a conflicted id to its most recent version
func (db *Database) ResolveConflict(ctx context.Context, id string) (*conflicts.ResolveResult, error) {
	return txmerger.Await[*conflicts.ResolveResult](ctx, db.Enqueue(&commands.ResolveConflict{ID: id}))
}

// UpdateConflictResolver switches automatic resolution to the latest version.
// Turning it on also resolves every document already in conflict; the result
// counts those.
func (db *Database) UpdateConflictResolver(ctx context.Context, resolveToLatest bool) (int, error) {
	db.resolver.SetResolveToLatest(resolveToLatest)
	if !resolveToLatest {
		return 0, nil
	}

	ids, err := db.ConflictedIDs(ctx)
	if err != nil {
		return 0, err
	}
	futures := make([]*txmerger.Future, len(ids))
	for i, id := range ids {
		futures[i] = db.Enqueue(&commands.ResolveConflict{ID: id})
	}

	resolved := 0
	for i, f := range futures {
		res, err := txmerger.Await[*conflicts.ResolveResult](ctx, f)
		if err != nil {
			return resolved, fmt.Errorf("failed to resolve conflicts of %s: %w", ids[i], err)
		}
		if res.Resolved {
			resolved++
		}
	}

	db.logger.Info("Existing conflicts resolved to latest", zap.Int("resolved", resolved))
	return resolved, nil
}

// NextHiLo reserves the next range for key. lastSize and lastRangeAt describe
// the caller's previous range and may be zero.
func (db *Database) NextHiLo(ctx context.Context, key string, lastSize int64, lastRangeAt time.Time) (*hilo.Range, error) {
	return txmerger.Await[*hilo.Range](ctx, db.Enqueue(&commands.HiLoNext{
		Key:         key,
		LastSize:    lastSize,
		LastRangeAt: lastRangeAt,
	}))
}

// ReturnHiLo gives back the unused tail [last+1, end] of a range
func (db *Database) ReturnHiLo(ctx context.Context, key string, end, last int64) (*hilo.ReturnResult, error) {
	return txmerger.Await[*hilo.ReturnResult](ctx, db.Enqueue(&commands.HiLoReturn{
		Key:  key,
		End:  end,
		Last: last,
	}))
}

// ConfigureRevisions replaces the revisions configuration
func (db *Database) ConfigureRevisions(ctx context.Context, cfg model.RevisionsConfiguration) (*documents.PutResult, error) {
	return db.revisions.ConfigureRevisions(ctx, cfg)
}

// EnforceRevisions applies the revisions configuration to every document and
// waits for the result
func (db *Database) EnforceRevisions(ctx context.Context, progress func(revisions.Progress)) (*revisions.EnforceConfigurationResult, error) {
	return db.revisions.EnforceConfiguration(ctx, progress)
}

// DeleteRevisionsBefore removes a collection's revisions created before the cutoff
func (db *Database) DeleteRevisionsBefore(ctx context.Context, collection string, before time.Time) (int, error) {
	return db.revisions.DeleteRevisionsBefore(ctx, collection, before)
}

// PurgeTombstones drops up to limit tombstones with an etag at or below upTo
func (db *Database) PurgeTombstones(ctx context.Context, upTo int64, limit int) (int, error) {
	return txmerger.Await[int](ctx, db.Enqueue(&commands.PurgeTombstones{UpToEtag: upTo, Limit: limit}))
}
