package documents

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/devrev/pairdb/document-node/internal/changevector"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
)

// flags a caller may not set directly
const derivedFlags = model.FlagHasRevisions | model.FlagConflicted | model.FlagDeleteRevision | model.FlagRevision

// PutOptions carries the materialized inputs of a write
type PutOptions struct {
	Now time.Time
	// ChangeVector is set by replication and resolution. It replaces the
	// locally computed vector unless MergeLocal is also set.
	ChangeVector string
	MergeLocal   bool
	Flags        model.DocumentFlags
}

// PutResult describes the stored version
type PutResult struct {
	ID           string              `json:"id"`
	Collection   string              `json:"collection"`
	ChangeVector string              `json:"change_vector"`
	Etag         int64               `json:"etag"`
	Flags        model.DocumentFlags `json:"flags"`
	LastModified time.Time           `json:"last_modified"`
}

// DeleteOptions carries the materialized inputs of a deletion
type DeleteOptions struct {
	Now          time.Time
	ChangeVector string
	MergeLocal   bool
	Flags        model.DocumentFlags
	// Collection names the tombstone's collection when nothing is stored
	// locally, as for a replicated deletion.
	Collection string
}

// Put stores a new version of a document. A nil expectedCV skips the
// optimistic concurrency check; an empty one requires that no document exists.
func (s *Store) Put(tx *engine.WriteTx, id, collection string, data json.RawMessage, expectedCV *string, opts PutOptions) (*PutResult, error) {
	lower := Fold(id)
	now := nowOr(opts.Now)
	flags := opts.Flags.Strip(derivedFlags)

	doc, tomb, err := s.load(tx, lower)
	if err != nil {
		return nil, err
	}
	conflicts, err := s.GetConflicts(tx, id)
	if err != nil {
		return nil, err
	}

	var base changevector.ChangeVector
	if len(conflicts) > 0 {
		if expectedCV != nil {
			return nil, conflictError(id, conflicts)
		}
		// Writing over a conflicted id is a user resolution
		base, err = s.resolveConflictsForWrite(tx, conflicts, now)
		if err != nil {
			return nil, err
		}
		flags = flags.With(model.FlagResolved)
		if collection == "" {
			collection = conflicts[0].Collection
		}
	} else {
		current := currentVector(doc, tomb)
		if expectedCV != nil {
			if err := checkExpected(id, *expectedCV, doc != nil, current); err != nil {
				return nil, err
			}
		}
		if base, err = changevector.Parse(current); err != nil {
			return nil, storeerrors.CorruptedData("stored change vector is invalid", err)
		}
	}

	if doc != nil {
		if collection == "" {
			collection = doc.Collection
		} else if !strings.EqualFold(collection, doc.Collection) {
			return nil, storeerrors.CollectionMismatch(id, doc.Collection, collection)
		}
	}
	if collection == "" {
		collection = model.EmptyCollection
	}

	etag, err := s.NextEtag(tx)
	if err != nil {
		return nil, err
	}
	cv, err := s.newVector(base, opts.ChangeVector, opts.MergeLocal, etag)
	if err != nil {
		return nil, err
	}

	policy, err := s.writePolicy(tx, id, collection, flags)
	if err != nil {
		return nil, err
	}
	if policy.Enabled() {
		if doc != nil && !doc.Flags.Contain(model.FlagHasRevisions) {
			if _, err := s.addRevision(tx, revisionFromDocument(doc, now)); err != nil {
				return nil, err
			}
		}
		_, err := s.addRevision(tx, model.Revision{
			ID:           id,
			Collection:   collection,
			Data:         data,
			ChangeVector: cv,
			Flags:        flags,
			Created:      now,
		})
		if err != nil {
			return nil, err
		}
		flags = flags.With(model.FlagHasRevisions)
		if err := s.trimRevisions(tx, lower, policy, isConflictKind(flags), now, true); err != nil {
			return nil, err
		}
	} else if (doc != nil && doc.Flags.Contain(model.FlagHasRevisions)) ||
		(tomb != nil && tomb.Flags.Contain(model.FlagHasRevisions)) {
		// existing revisions stay until an enforcement pass removes them
		flags = flags.With(model.FlagHasRevisions)
	}

	stored := model.Document{
		ID:           id,
		Collection:   collection,
		Data:         data,
		ChangeVector: cv,
		Etag:         etag,
		Flags:        flags,
		LastModified: now,
	}
	if err := setJSON(tx, docKey(lower), &stored); err != nil {
		return nil, err
	}
	if tomb != nil {
		if err := s.removeTombstone(tx, lower, tomb); err != nil {
			return nil, err
		}
	}

	return &PutResult{
		ID:           id,
		Collection:   collection,
		ChangeVector: cv,
		Etag:         etag,
		Flags:        flags,
		LastModified: now,
	}, nil
}

// Delete removes the current document and writes a tombstone. It returns nil
// when nothing existed, unless the deletion carries a replicated vector.
func (s *Store) Delete(tx *engine.WriteTx, id string, expectedCV *string, opts DeleteOptions) (*model.Tombstone, error) {
	lower := Fold(id)
	now := nowOr(opts.Now)
	flags := opts.Flags.Strip(derivedFlags)

	doc, tomb, err := s.load(tx, lower)
	if err != nil {
		return nil, err
	}
	conflicts, err := s.GetConflicts(tx, id)
	if err != nil {
		return nil, err
	}

	var base changevector.ChangeVector
	var collection string
	live := doc != nil || len(conflicts) > 0

	switch {
	case len(conflicts) > 0:
		if expectedCV != nil {
			return nil, conflictError(id, conflicts)
		}
		base, err = s.resolveConflictsForWrite(tx, conflicts, now)
		if err != nil {
			return nil, err
		}
		flags = flags.With(model.FlagResolved)
		collection = firstNonEmpty(opts.Collection, conflicts[0].Collection)
	case doc != nil:
		if expectedCV != nil {
			if err := checkExpected(id, *expectedCV, true, doc.ChangeVector); err != nil {
				return nil, err
			}
		}
		collection = doc.Collection
	default:
		current := currentVector(nil, tomb)
		if expectedCV != nil && *expectedCV != "" {
			if err := checkExpected(id, *expectedCV, false, current); err != nil {
				return nil, err
			}
		}
		if opts.ChangeVector == "" {
			return nil, nil
		}
		var tombCollection string
		if tomb != nil {
			tombCollection = tomb.Collection
		}
		collection = firstNonEmpty(opts.Collection, tombCollection, model.EmptyCollection)
	}

	if base == nil {
		if base, err = changevector.Parse(currentVector(doc, tomb)); err != nil {
			return nil, storeerrors.CorruptedData("stored change vector is invalid", err)
		}
	}

	etag, err := s.NextEtag(tx)
	if err != nil {
		return nil, err
	}
	cv, err := s.newVector(base, opts.ChangeVector, opts.MergeLocal, etag)
	if err != nil {
		return nil, err
	}

	policy, err := s.writePolicy(tx, id, collection, flags)
	if err != nil {
		return nil, err
	}
	tombFlags := flags
	if policy.Enabled() && live {
		if policy.PurgeOnDelete {
			if _, err := s.deleteAllRevisions(tx, lower); err != nil {
				return nil, err
			}
		} else {
			if doc != nil && !doc.Flags.Contain(model.FlagHasRevisions) {
				if _, err := s.addRevision(tx, revisionFromDocument(doc, now)); err != nil {
					return nil, err
				}
			}
			_, err := s.addRevision(tx, model.Revision{
				ID:           id,
				Collection:   collection,
				ChangeVector: cv,
				Flags:        flags.With(model.FlagDeleteRevision),
				Created:      now,
			})
			if err != nil {
				return nil, err
			}
			tombFlags = tombFlags.With(model.FlagHasRevisions)
			if err := s.trimRevisions(tx, lower, policy, isConflictKind(flags), now, true); err != nil {
				return nil, err
			}
		}
	}

	if doc != nil {
		if err := tx.Delete(docKey(lower)); err != nil {
			return nil, err
		}
	}
	if tomb != nil {
		if err := tx.Delete(tombEtagKey(tomb.Etag)); err != nil {
			return nil, err
		}
	}

	stored := &model.Tombstone{
		ID:           id,
		Collection:   collection,
		ChangeVector: cv,
		Etag:         etag,
		Flags:        tombFlags,
		LastModified: now,
	}
	if err := s.writeTombstone(tx, lower, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) writeTombstone(tx *engine.WriteTx, lower string, tomb *model.Tombstone) error {
	if err := setJSON(tx, tombKey(lower), tomb); err != nil {
		return err
	}
	return tx.Set(tombEtagKey(tomb.Etag), []byte(lower))
}

func (s *Store) removeTombstone(tx *engine.WriteTx, lower string, tomb *model.Tombstone) error {
	if err := tx.Delete(tombKey(lower)); err != nil {
		return err
	}
	return tx.Delete(tombEtagKey(tomb.Etag))
}

// PurgeTombstones removes tombstones with etag <= upTo, at most limit of them
// when limit > 0. Replication calls it once every destination has consumed
// the deletions.
func (s *Store) PurgeTombstones(tx *engine.WriteTx, upTo int64, limit int) (int, error) {
	type entry struct {
		etag  int64
		lower string
	}
	var candidates []entry
	err := tx.Scan([]byte(tombEtagPrefix), engine.ScanOptions{}, func(key, value []byte) bool {
		etag := decodeEtag(key[len(tombEtagPrefix):])
		if etag > upTo || (limit > 0 && len(candidates) >= limit) {
			return false
		}
		candidates = append(candidates, entry{etag: etag, lower: string(value)})
		return true
	})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, c := range candidates {
		tomb, err := getJSON[model.Tombstone](tx, tombKey(c.lower))
		if err != nil {
			return purged, err
		}
		if err := tx.Delete(tombEtagKey(c.etag)); err != nil {
			return purged, err
		}
		if tomb == nil || tomb.Etag != c.etag {
			continue
		}
		if err := tx.Delete(tombKey(c.lower)); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func checkExpected(id, expected string, exists bool, current string) error {
	if expected == "" {
		if exists {
			return storeerrors.ConcurrencyViolation(id, expected, current)
		}
		return nil
	}
	order, err := changevector.CompareStrings(expected, current)
	if err != nil {
		return storeerrors.InvalidChangeVector(expected, err)
	}
	if order != changevector.Equal {
		return storeerrors.ConcurrencyViolation(id, expected, current)
	}
	return nil
}

func currentVector(doc *model.Document, tomb *model.Tombstone) string {
	switch {
	case doc != nil:
		return doc.ChangeVector
	case tomb != nil:
		return tomb.ChangeVector
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
