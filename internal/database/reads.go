package database

import (
	"context"

	"github.com/devrev/pairdb/document-node/internal/documents"
	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
)

// Reads run on pooled snapshots and never pass through the merger. They see
// every batch committed before the snapshot was taken.

// Get returns the current document or nil. A conflicted id fails with
// DocumentConflict.
func (db *Database) Get(ctx context.Context, id string) (*model.Document, error) {
	var doc *model.Document
	err := db.engine.View(ctx, func(r *engine.ReadTx) error {
		var err error
		doc, err = db.store.Get(r, id)
		return err
	})
	return doc, err
}

// GetDocumentOrTombstone returns the document or the tombstone left by its deletion
func (db *Database) GetDocumentOrTombstone(ctx context.Context, id string) (model.DocumentOrTombstone, error) {
	var out model.DocumentOrTombstone
	err := db.engine.View(ctx, func(r *engine.ReadTx) error {
		var err error
		out, err = db.store.GetDocumentOrTombstone(r, id)
		return err
	})
	return out, err
}

// GetRevisions returns a page of a document's history, newest first
func (db *Database) GetRevisions(ctx context.Context, id string, start, take int) (*documents.RevisionsPage, error) {
	var page *documents.RevisionsPage
	err := db.engine.View(ctx, func(r *engine.ReadTx) error {
		var err error
		page, err = db.store.GetRevisions(r, id, start, take)
		return err
	})
	return page, err
}

// GetRevision returns the revision stored under a change vector, or nil
func (db *Database) GetRevision(ctx context.Context, id, changeVector string) (*model.Revision, error) {
	var rev *model.Revision
	err := db.engine.View(ctx, func(r *engine.ReadTx) error {
		var err error
		rev, err = db.store.GetRevisionByChangeVector(r, id, changeVector)
		return err
	})
	return rev, err
}

// GetConflicts returns the retained versions of a conflicted id
func (db *Database) GetConflicts(ctx context.Context, id string) ([]model.Conflict, error) {
	var out []model.Conflict
	err := db.engine.View(ctx, func(r *engine.ReadTx) error {
		var err error
		out, err = db.store.GetConflicts(r, id)
		return err
	})
	return out, err
}

// ConflictedIDs lists every id that currently has conflicts
func (db *Database) ConflictedIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := db.engine.View(ctx, func(r *engine.ReadTx) error {
		var err error
		ids, err = db.store.ConflictedIDs(r)
		return err
	})
	return ids, err
}

// RevisionsConfiguration returns the stored configuration. The boolean is
// false when revisions were never configured.
func (db *Database) RevisionsConfiguration(ctx context.Context) (*model.RevisionsConfiguration, bool, error) {
	var cfg *model.RevisionsConfiguration
	var configured bool
	err := db.engine.View(ctx, func(r *engine.ReadTx) error {
		var err error
		cfg, configured, err = db.store.RevisionsConfiguration(r)
		return err
	})
	return cfg, configured, err
}

// LastEtag returns the highest etag handed out so far
func (db *Database) LastEtag(ctx context.Context) (int64, error) {
	var etag int64
	err := db.engine.View(ctx, func(r *engine.ReadTx) error {
		var err error
		etag, err = db.store.LastEtag(r)
		return err
	})
	return etag, err
}
