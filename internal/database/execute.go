package database

import (
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/devrev/pairdb/document-node/internal/commands"
	"github.com/devrev/pairdb/document-node/internal/conflicts"
	"github.com/devrev/pairdb/document-node/internal/documents"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/hilo"
	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/revisions"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
)

// execute binds a command to this database's storage. It runs on the merger
// goroutine inside the batch transaction.
func (db *Database) execute(tx *engine.WriteTx, cmd commands.Command) (interface{}, error) {
	now := commands.Time(cmd)

	switch c := cmd.(type) {
	case *commands.PutDocument:
		return db.store.Put(tx, c.ID, c.Collection, c.Data, c.ExpectedChangeVector, documents.PutOptions{Now: now})

	case *commands.DeleteDocument:
		return db.store.Delete(tx, c.ID, c.ExpectedChangeVector, documents.DeleteOptions{Now: now})

	case *commands.PatchDocument:
		return db.patch(tx, c, now)

	case *commands.PutFromReplication:
		return db.resolver.ApplyIncoming(tx, conflicts.Incoming{
			ID:           c.ID,
			Collection:   c.Collection,
			Data:         c.Data,
			ChangeVector: c.ChangeVector,
			LastModified: c.LastModified,
			Deleted:      c.Deleted,
		}, now)

	case *commands.ResolveConflict:
		return db.resolver.ResolveToLatest(tx, c.ID, now)

	case *commands.EnforceRevisions:
		return revisions.ApplyPage(tx, db.store, c)

	case *commands.DeleteRevisionsBefore:
		return revisions.DeleteBefore(tx, db.store, c)

	case *commands.ConfigureRevisions:
		return revisions.Configure(tx, db.store, c)

	case *commands.HiLoNext:
		return db.nextHiLo(tx, c, now)

	case *commands.HiLoReturn:
		return db.returnHiLo(tx, c, now)

	case *commands.PurgeTombstones:
		return db.store.PurgeTombstones(tx, c.UpToEtag, c.Limit)
	}

	return nil, storeerrors.InvalidArgument(fmt.Sprintf("unsupported command type %s", cmd.CommandType()), nil)
}

func (db *Database) patch(tx *engine.WriteTx, c *commands.PatchDocument, now time.Time) (*documents.PutResult, error) {
	doc, err := db.store.Get(tx, c.ID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, storeerrors.DocumentNotFound(c.ID)
	}

	patch, err := jsonpatch.DecodePatch(c.Patch)
	if err != nil {
		return nil, storeerrors.InvalidPatch(c.ID, err)
	}
	data, err := patch.Apply(doc.Data)
	if err != nil {
		return nil, storeerrors.InvalidPatch(c.ID, err)
	}
	if err := db.validator.ValidateData(data); err != nil {
		return nil, err
	}
	if err := validateSystemDocument(doc.ID, data); err != nil {
		return nil, err
	}

	return db.store.Put(tx, doc.ID, doc.Collection, data, c.ExpectedChangeVector, documents.PutOptions{Now: now})
}

func (db *Database) hiloState(r engine.Reader, key string) (*model.Document, model.HiLoState, error) {
	var state model.HiLoState
	doc, err := db.store.Get(r, hilo.DocumentID(key))
	if err != nil || doc == nil {
		return doc, state, err
	}
	if err := json.Unmarshal(doc.Data, &state); err != nil {
		return nil, state, storeerrors.CorruptedData(fmt.Sprintf("hilo document for %q is invalid", key), err)
	}
	return doc, state, nil
}

func (db *Database) putHiLoState(tx *engine.WriteTx, key string, state model.HiLoState, now time.Time) error {
	data, err := json.Marshal(state)
	if err != nil {
		return storeerrors.InternalError("failed to encode hilo state", err)
	}
	_, err = db.store.Put(tx, hilo.DocumentID(key), model.HiLoCollection, data, nil, documents.PutOptions{Now: now})
	return err
}

func (db *Database) nextHiLo(tx *engine.WriteTx, c *commands.HiLoNext, now time.Time) (*hilo.Range, error) {
	_, state, err := db.hiloState(tx, c.Key)
	if err != nil {
		return nil, err
	}

	capacity := hilo.Capacity(c.LastSize, c.LastRangeAt, now)
	rng, next := hilo.Reserve(state, c.Key, db.store.NodeTag(), capacity, now)
	if err := db.putHiLoState(tx, c.Key, next, now); err != nil {
		return nil, err
	}
	return &rng, nil
}

func (db *Database) returnHiLo(tx *engine.WriteTx, c *commands.HiLoReturn, now time.Time) (*hilo.ReturnResult, error) {
	doc, state, err := db.hiloState(tx, c.Key)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return &hilo.ReturnResult{Key: c.Key}, nil
	}

	next, applied := hilo.Return(state, c.End, c.Last)
	if applied {
		if err := db.putHiLoState(tx, c.Key, next, now); err != nil {
			return nil, err
		}
	}
	return &hilo.ReturnResult{Key: c.Key, Applied: applied, Max: next.Max}, nil
}
