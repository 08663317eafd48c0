// Package documents stores current documents, tombstones, revisions and
// conflicts. Every mutating method takes the batch write transaction; reads
// accept any engine.Reader.
package documents

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/changevector"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
)

// Config identifies the database that owns the store
type Config struct {
	DatabaseID        string
	NodeTag           string
	CompressRevisions bool
}

// Store is stateless apart from its identity; all state lives in the engine
type Store struct {
	dbID     string
	nodeTag  string
	compress bool
	codec    *codec
	logger   *zap.Logger
}

// NewStore creates a document store for the given database identity
func NewStore(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg.DatabaseID == "" || cfg.NodeTag == "" {
		return nil, fmt.Errorf("documents: database id and node tag are required")
	}
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	return &Store{
		dbID:     cfg.DatabaseID,
		nodeTag:  cfg.NodeTag,
		compress: cfg.CompressRevisions,
		codec:    c,
		logger:   logger,
	}, nil
}

// Close releases the compression codec
func (s *Store) Close() {
	s.codec.close()
}

// DatabaseID returns the id used in this database's change vector entries
func (s *Store) DatabaseID() string {
	return s.dbID
}

// NodeTag returns the tag used in this database's change vector entries
func (s *Store) NodeTag() string {
	return s.nodeTag
}

// NextEtag advances the persisted etag counter
func (s *Store) NextEtag(tx *engine.WriteTx) (int64, error) {
	last, err := s.LastEtag(tx)
	if err != nil {
		return 0, err
	}
	next := last + 1
	if err := tx.Set([]byte(lastEtagKey), encodeEtag(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// LastEtag returns the highest etag assigned so far
func (s *Store) LastEtag(r engine.Reader) (int64, error) {
	v, found, err := r.Get([]byte(lastEtagKey))
	if err != nil || !found {
		return 0, err
	}
	return decodeEtag(v), nil
}

// localVector stamps base with this database's entry at etag
func (s *Store) localVector(base changevector.ChangeVector, etag int64) changevector.ChangeVector {
	return base.WithEntry(s.nodeTag, etag, s.dbID)
}

// newVector computes the change vector of a write. An explicit vector comes
// from replication or resolution and is kept as-is unless mergeLocal is set.
func (s *Store) newVector(base changevector.ChangeVector, explicit string, mergeLocal bool, etag int64) (string, error) {
	if explicit == "" {
		return s.localVector(base, etag).String(), nil
	}
	cv, err := changevector.Parse(explicit)
	if err != nil {
		return "", storeerrors.InvalidChangeVector(explicit, err)
	}
	if mergeLocal {
		cv = s.localVector(changevector.Merge(cv, base), etag)
	}
	return cv.String(), nil
}

func getJSON[T any](r engine.Reader, key []byte) (*T, error) {
	raw, found, err := r.Get(key)
	if err != nil || !found {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, storeerrors.CorruptedData(fmt.Sprintf("failed to decode record %q", key), err)
	}
	return &v, nil
}

func setJSON(tx *engine.WriteTx, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return storeerrors.InternalError("failed to encode record", err)
	}
	return tx.Set(key, raw)
}

func (s *Store) load(r engine.Reader, lower string) (*model.Document, *model.Tombstone, error) {
	doc, err := getJSON[model.Document](r, docKey(lower))
	if err != nil {
		return nil, nil, err
	}
	if doc != nil {
		return doc, nil, nil
	}
	tomb, err := getJSON[model.Tombstone](r, tombKey(lower))
	if err != nil {
		return nil, nil, err
	}
	return nil, tomb, nil
}

// Get returns the current document, nil if it does not exist, or a
// DocumentConflict error while the id is conflicted
func (s *Store) Get(r engine.Reader, id string) (*model.Document, error) {
	lower := Fold(id)
	doc, err := getJSON[model.Document](r, docKey(lower))
	if err != nil || doc != nil {
		return doc, err
	}
	conflicts, err := s.GetConflicts(r, id)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, conflictError(id, conflicts)
	}
	return nil, nil
}

// GetDocumentOrTombstone returns whichever form currently exists
func (s *Store) GetDocumentOrTombstone(r engine.Reader, id string) (model.DocumentOrTombstone, error) {
	doc, tomb, err := s.load(r, Fold(id))
	if err != nil {
		return model.DocumentOrTombstone{}, err
	}
	return model.DocumentOrTombstone{Document: doc, Tombstone: tomb}, nil
}

// RevisionsConfiguration decodes the stored configuration document. The
// boolean is false when revisions were never configured.
func (s *Store) RevisionsConfiguration(r engine.Reader) (*model.RevisionsConfiguration, bool, error) {
	doc, err := getJSON[model.Document](r, docKey(Fold(model.RevisionsConfigID)))
	if err != nil || doc == nil {
		return nil, false, err
	}
	var cfg model.RevisionsConfiguration
	if err := json.Unmarshal(doc.Data, &cfg); err != nil {
		return nil, false, storeerrors.CorruptedData("failed to decode revisions configuration", err)
	}
	return &cfg, true, nil
}

func conflictError(id string, conflicts []model.Conflict) error {
	cvs := make([]string, len(conflicts))
	for i, c := range conflicts {
		cvs[i] = c.ChangeVector
	}
	return storeerrors.DocumentConflict(id, cvs)
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
