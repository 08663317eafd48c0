package documents

import (
	"encoding/json"
	"time"

	"github.com/devrev/pairdb/document-node/internal/changevector"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
)

// GetConflicts returns the retained versions of a conflicted id
func (s *Store) GetConflicts(r engine.Reader, id string) ([]model.Conflict, error) {
	var conflicts []model.Conflict
	var decodeErr error
	err := r.Scan(conflictKeyPrefix(Fold(id)), engine.ScanOptions{}, func(key, value []byte) bool {
		var c model.Conflict
		if decodeErr = json.Unmarshal(value, &c); decodeErr != nil {
			return false
		}
		conflicts = append(conflicts, c)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, storeerrors.CorruptedData("failed to decode conflict", decodeErr)
	}
	return conflicts, nil
}

// PutConflict retains a divergent version under a fresh etag
func (s *Store) PutConflict(tx *engine.WriteTx, c model.Conflict) (*model.Conflict, error) {
	etag, err := s.NextEtag(tx)
	if err != nil {
		return nil, err
	}
	c.Etag = etag
	c.Flags = c.Flags.Strip(derivedFlags).With(model.FlagConflicted)
	if err := setJSON(tx, conflictKey(Fold(c.ID), c.ChangeVector), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteConflict drops one retained version
func (s *Store) DeleteConflict(tx *engine.WriteTx, id, cv string) error {
	return tx.Delete(conflictKey(Fold(id), cv))
}

// DeleteConflicts drops every retained version of id and returns them
func (s *Store) DeleteConflicts(tx *engine.WriteTx, id string) ([]model.Conflict, error) {
	conflicts, err := s.GetConflicts(tx, id)
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		if err := s.DeleteConflict(tx, id, c.ChangeVector); err != nil {
			return nil, err
		}
	}
	return conflicts, nil
}

// ConflictedIDs lists every conflicted id in its original casing
func (s *Store) ConflictedIDs(r engine.Reader) ([]string, error) {
	var ids []string
	last := ""
	var decodeErr error
	err := r.Scan([]byte(conflictPrefix), engine.ScanOptions{}, func(key, value []byte) bool {
		var c model.Conflict
		if decodeErr = json.Unmarshal(value, &c); decodeErr != nil {
			return false
		}
		if lower := Fold(c.ID); lower != last {
			ids = append(ids, c.ID)
			last = lower
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, storeerrors.CorruptedData("failed to decode conflict", decodeErr)
	}
	return ids, nil
}

// MoveToConflicts turns the current document or tombstone of id into a
// conflict entry, removing it from normal reads. It returns nil when nothing
// is stored.
func (s *Store) MoveToConflicts(tx *engine.WriteTx, id string) (*model.Conflict, error) {
	lower := Fold(id)
	doc, tomb, err := s.load(tx, lower)
	if err != nil {
		return nil, err
	}

	var c model.Conflict
	switch {
	case doc != nil:
		c = model.Conflict{
			ID:           doc.ID,
			Collection:   doc.Collection,
			Data:         doc.Data,
			ChangeVector: doc.ChangeVector,
			Flags:        doc.Flags,
			LastModified: doc.LastModified,
		}
		if err := tx.Delete(docKey(lower)); err != nil {
			return nil, err
		}
	case tomb != nil:
		c = model.Conflict{
			ID:           tomb.ID,
			Collection:   tomb.Collection,
			ChangeVector: tomb.ChangeVector,
			Flags:        tomb.Flags,
			LastModified: tomb.LastModified,
		}
		if err := s.removeTombstone(tx, lower, tomb); err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}
	return s.PutConflict(tx, c)
}

// SnapshotConflictRevision stores c as a conflict revision when the conflict
// policy is enabled and no revision exists for its change vector yet
func (s *Store) SnapshotConflictRevision(tx *engine.WriteTx, c *model.Conflict, now time.Time) (bool, error) {
	if IsSystemID(c.ID) {
		return false, nil
	}
	cfg, _, err := s.RevisionsConfiguration(tx)
	if err != nil {
		return false, err
	}
	policy := cfg.Conflict()
	if !policy.Enabled() {
		return false, nil
	}

	flags := c.Flags.Strip(derivedFlags).With(model.FlagConflicted)
	if c.Deleted() {
		flags = flags.With(model.FlagDeleteRevision)
	}
	created := c.LastModified
	if created.IsZero() {
		created = now
	}

	added, err := s.addRevision(tx, model.Revision{
		ID:           c.ID,
		Collection:   c.Collection,
		Data:         c.Data,
		ChangeVector: c.ChangeVector,
		Flags:        flags,
		Created:      created,
	})
	if err != nil || !added {
		return added, err
	}
	return true, s.trimRevisions(tx, Fold(c.ID), policy, true, now, true)
}

// resolveConflictsForWrite snapshots and removes every conflict of an id that
// a direct write is about to replace, returning the merged change vector
func (s *Store) resolveConflictsForWrite(tx *engine.WriteTx, conflicts []model.Conflict, now time.Time) (changevector.ChangeVector, error) {
	vectors := make([]changevector.ChangeVector, 0, len(conflicts))
	for i := range conflicts {
		c := &conflicts[i]
		cv, err := changevector.Parse(c.ChangeVector)
		if err != nil {
			return nil, storeerrors.CorruptedData("conflict change vector is invalid", err)
		}
		vectors = append(vectors, cv)
		if _, err := s.SnapshotConflictRevision(tx, c, now); err != nil {
			return nil, err
		}
		if err := s.DeleteConflict(tx, c.ID, c.ChangeVector); err != nil {
			return nil, err
		}
	}
	return changevector.Merge(vectors...), nil
}
