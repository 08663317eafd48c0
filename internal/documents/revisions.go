package documents

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
)

// revisionRecord is the stored form of a revision
type revisionRecord struct {
	ID           string              `json:"id"`
	Collection   string              `json:"collection"`
	Data         json.RawMessage     `json:"data,omitempty"`
	Compressed   []byte              `json:"compressed,omitempty"` // zstd of Data
	ChangeVector string              `json:"change_vector"`
	Etag         int64               `json:"etag"`
	Flags        model.DocumentFlags `json:"flags"`
	Created      time.Time           `json:"created"`
}

// RevisionsPage is one page of a document's history, newest first
type RevisionsPage struct {
	Revisions []model.Revision `json:"revisions"`
	Total     int              `json:"total"`
}

// EnforceStats reports the result of enforcing policy on one document
type EnforceStats struct {
	Collection       string
	ScannedRevisions int
	RemovedRevisions int
	Remaining        int
}

func isConflictKind(flags model.DocumentFlags) bool {
	return flags.Contain(model.FlagConflicted) || flags.Contain(model.FlagResolved)
}

// policyFor picks the retention policy governing a new revision
func policyFor(cfg *model.RevisionsConfiguration, id, collection string, flags model.DocumentFlags) *model.RevisionsCollectionConfiguration {
	if IsSystemID(id) {
		return nil
	}
	if isConflictKind(flags) {
		return cfg.Conflict()
	}
	return cfg.For(collection)
}

// writePolicy resolves the policy for a write to id. System documents are
// never revisioned, so a damaged configuration can still be overwritten.
func (s *Store) writePolicy(r engine.Reader, id, collection string, flags model.DocumentFlags) (*model.RevisionsCollectionConfiguration, error) {
	if IsSystemID(id) {
		return nil, nil
	}
	cfg, _, err := s.RevisionsConfiguration(r)
	if err != nil {
		return nil, err
	}
	return policyFor(cfg, id, collection, flags), nil
}

func revisionFromDocument(doc *model.Document, now time.Time) model.Revision {
	created := doc.LastModified
	if created.IsZero() {
		created = now
	}
	return model.Revision{
		ID:           doc.ID,
		Collection:   doc.Collection,
		Data:         doc.Data,
		ChangeVector: doc.ChangeVector,
		Flags:        doc.Flags.Strip(derivedFlags),
		Created:      created,
	}
}

// addRevision stores rev under a fresh etag. It is a no-op when a revision
// with the same change vector already exists.
func (s *Store) addRevision(tx *engine.WriteTx, rev model.Revision) (bool, error) {
	lower := Fold(rev.ID)
	_, exists, err := tx.Get(revisionCVKey(lower, rev.ChangeVector))
	if err != nil || exists {
		return false, err
	}

	etag, err := s.NextEtag(tx)
	if err != nil {
		return false, err
	}

	rec := revisionRecord{
		ID:           rev.ID,
		Collection:   rev.Collection,
		Data:         rev.Data,
		ChangeVector: rev.ChangeVector,
		Etag:         etag,
		Flags:        rev.Flags.With(model.FlagRevision | model.FlagHasRevisions),
		Created:      rev.Created.UTC(),
	}
	if s.compress && len(rec.Data) > compressionThreshold {
		rec.Compressed = s.codec.compress(rec.Data)
		rec.Data = nil
	}

	if err := setJSON(tx, revisionKey(lower, etag), &rec); err != nil {
		return false, err
	}
	if err := tx.Set(revisionCVKey(lower, rev.ChangeVector), encodeEtag(etag)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) deleteRevision(tx *engine.WriteTx, lower string, rec *revisionRecord) error {
	if err := tx.Delete(revisionKey(lower, rec.Etag)); err != nil {
		return err
	}
	return tx.Delete(revisionCVKey(lower, rec.ChangeVector))
}

func (s *Store) listRevisions(r engine.Reader, lower string, reverse bool) ([]revisionRecord, error) {
	var recs []revisionRecord
	var decodeErr error
	err := r.Scan(revisionKeyPrefix(lower), engine.ScanOptions{Reverse: reverse}, func(key, value []byte) bool {
		var rec revisionRecord
		if decodeErr = json.Unmarshal(value, &rec); decodeErr != nil {
			return false
		}
		recs = append(recs, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, storeerrors.CorruptedData("failed to decode revision", decodeErr)
	}
	return recs, nil
}

func (s *Store) decodeRevision(rec *revisionRecord) (model.Revision, error) {
	payload := []byte(rec.Data)
	if len(rec.Compressed) > 0 {
		var err error
		if payload, err = s.codec.decompress(rec.Compressed); err != nil {
			return model.Revision{}, storeerrors.CorruptedData("failed to decompress revision", err)
		}
	}
	rev := model.Revision{
		ID:           rec.ID,
		Collection:   rec.Collection,
		ChangeVector: rec.ChangeVector,
		Etag:         rec.Etag,
		Flags:        rec.Flags,
		Created:      rec.Created,
	}
	if len(payload) > 0 {
		rev.Data = json.RawMessage(payload)
	}
	return rev, nil
}

// expired returns the revisions, oldest first, that policy no longer retains
func expired(recs []revisionRecord, policy *model.RevisionsCollectionConfiguration, now time.Time) []revisionRecord {
	if !policy.Enabled() {
		return recs
	}

	var out []revisionRecord
	kept := recs
	if policy.MaxRevisions != nil && int64(len(kept)) > *policy.MaxRevisions {
		excess := len(kept) - int(maxInt64(*policy.MaxRevisions, 0))
		out = append(out, kept[:excess]...)
		kept = kept[excess:]
	}
	if policy.MaxRevisionAge != nil {
		cutoff := now.Add(-*policy.MaxRevisionAge)
		for _, rec := range kept {
			if rec.Created.Before(cutoff) {
				out = append(out, rec)
			}
		}
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func splitByKind(recs []revisionRecord) (normal, conflict []revisionRecord) {
	for _, rec := range recs {
		if isConflictKind(rec.Flags) {
			conflict = append(conflict, rec)
		} else {
			normal = append(normal, rec)
		}
	}
	return normal, conflict
}

// trimRevisions applies retention to one kind of revision after a write.
// When bounded, MaxRevisionsToDeleteUponUpdate limits the deletions.
func (s *Store) trimRevisions(tx *engine.WriteTx, lower string, policy *model.RevisionsCollectionConfiguration, conflictKind bool, now time.Time, bounded bool) error {
	if policy.MaxRevisions == nil && policy.MaxRevisionAge == nil {
		return nil
	}
	recs, err := s.listRevisions(tx, lower, false)
	if err != nil {
		return err
	}
	normal, conflict := splitByKind(recs)
	group := normal
	if conflictKind {
		group = conflict
	}

	drop := expired(group, policy, now)
	if bounded && policy.MaxRevisionsToDeleteUponUpdate != nil {
		limit := int(maxInt64(*policy.MaxRevisionsToDeleteUponUpdate, 0))
		if len(drop) > limit {
			drop = drop[:limit]
		}
	}
	for i := range drop {
		if err := s.deleteRevision(tx, lower, &drop[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deleteAllRevisions(tx *engine.WriteTx, lower string) (int, error) {
	recs, err := s.listRevisions(tx, lower, false)
	if err != nil {
		return 0, err
	}
	for i := range recs {
		if err := s.deleteRevision(tx, lower, &recs[i]); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}

// GetRevisions returns up to take revisions, newest first, skipping start.
// Total counts every stored revision of the document.
func (s *Store) GetRevisions(r engine.Reader, id string, start, take int) (*RevisionsPage, error) {
	recs, err := s.listRevisions(r, Fold(id), true)
	if err != nil {
		return nil, err
	}
	page := &RevisionsPage{Total: len(recs), Revisions: []model.Revision{}}
	if start < 0 {
		start = 0
	}
	for i := start; i < len(recs) && len(page.Revisions) < take; i++ {
		rev, err := s.decodeRevision(&recs[i])
		if err != nil {
			return nil, err
		}
		page.Revisions = append(page.Revisions, rev)
	}
	return page, nil
}

// GetRevisionByChangeVector returns the revision stored for cv, or nil
func (s *Store) GetRevisionByChangeVector(r engine.Reader, id, cv string) (*model.Revision, error) {
	lower := Fold(id)
	etagRaw, found, err := r.Get(revisionCVKey(lower, cv))
	if err != nil || !found {
		return nil, err
	}
	rec, err := getJSON[revisionRecord](r, revisionKey(lower, decodeEtag(etagRaw)))
	if err != nil || rec == nil {
		return nil, err
	}
	rev, err := s.decodeRevision(rec)
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

// CountRevisions returns the number of stored revisions of a document
func (s *Store) CountRevisions(r engine.Reader, id string) (int, error) {
	count := 0
	err := r.Scan(revisionKeyPrefix(Fold(id)), engine.ScanOptions{}, func(key, value []byte) bool {
		count++
		return true
	})
	return count, err
}

// RevisionedIDs lists, in key order, the folded id of every document that has
// revisions or whose document or tombstone still carries HasRevisions
func (s *Store) RevisionedIDs(r engine.Reader) ([]string, error) {
	seen := make(map[string]struct{})

	err := r.Scan([]byte(revisionPrefix), engine.ScanOptions{}, func(key, value []byte) bool {
		if lower, ok := idFromRevisionKey(key); ok {
			seen[lower] = struct{}{}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	for _, prefix := range []string{docPrefix, tombPrefix} {
		var decodeErr error
		err := r.Scan([]byte(prefix), engine.ScanOptions{}, func(key, value []byte) bool {
			var head struct {
				Flags model.DocumentFlags `json:"flags"`
			}
			if decodeErr = json.Unmarshal(value, &head); decodeErr != nil {
				return false
			}
			if head.Flags.Contain(model.FlagHasRevisions) {
				seen[string(key[len(prefix):])] = struct{}{}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		if decodeErr != nil {
			return nil, storeerrors.CorruptedData("failed to decode record flags", decodeErr)
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// EnforceRevisions re-evaluates the current configuration for one document.
// Conflict and resolution revisions follow the conflict policy; the rest
// follow their collection's policy. HasRevisions is stripped once none remain.
func (s *Store) EnforceRevisions(tx *engine.WriteTx, id string, cfg *model.RevisionsConfiguration, now time.Time) (EnforceStats, error) {
	lower := Fold(id)
	recs, err := s.listRevisions(tx, lower, false)
	if err != nil {
		return EnforceStats{}, err
	}
	doc, tomb, err := s.load(tx, lower)
	if err != nil {
		return EnforceStats{}, err
	}

	stats := EnforceStats{ScannedRevisions: len(recs)}
	switch {
	case doc != nil:
		stats.Collection = doc.Collection
	case tomb != nil:
		stats.Collection = tomb.Collection
	case len(recs) > 0:
		stats.Collection = recs[len(recs)-1].Collection
	}

	normal, conflict := splitByKind(recs)
	var collectionPolicy *model.RevisionsCollectionConfiguration
	if !IsSystemID(id) {
		collectionPolicy = cfg.For(stats.Collection)
	}
	drop := append(expired(normal, collectionPolicy, now), expired(conflict, cfg.Conflict(), now)...)
	for i := range drop {
		if err := s.deleteRevision(tx, lower, &drop[i]); err != nil {
			return stats, err
		}
	}
	stats.RemovedRevisions = len(drop)
	stats.Remaining = len(recs) - len(drop)

	if stats.Remaining == 0 {
		if err := s.stripHasRevisions(tx, lower, doc, tomb); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// DeleteRevisionsBefore removes every revision of collection created before
// the cutoff and returns how many were removed
func (s *Store) DeleteRevisionsBefore(tx *engine.WriteTx, collection string, before time.Time) (int, error) {
	type target struct {
		lower string
		rec   revisionRecord
	}
	var targets []target
	var decodeErr error

	err := tx.Scan([]byte(revisionPrefix), engine.ScanOptions{}, func(key, value []byte) bool {
		var rec revisionRecord
		if decodeErr = json.Unmarshal(value, &rec); decodeErr != nil {
			return false
		}
		if strings.EqualFold(rec.Collection, collection) && rec.Created.Before(before) {
			lower, _ := idFromRevisionKey(key)
			targets = append(targets, target{lower: lower, rec: rec})
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if decodeErr != nil {
		return 0, storeerrors.CorruptedData("failed to decode revision", decodeErr)
	}

	touched := make(map[string]struct{})
	for i := range targets {
		if err := s.deleteRevision(tx, targets[i].lower, &targets[i].rec); err != nil {
			return i, err
		}
		touched[targets[i].lower] = struct{}{}
	}

	for lower := range touched {
		count, err := s.CountRevisions(tx, lower)
		if err != nil {
			return len(targets), err
		}
		if count > 0 {
			continue
		}
		doc, tomb, err := s.load(tx, lower)
		if err != nil {
			return len(targets), err
		}
		if err := s.stripHasRevisions(tx, lower, doc, tomb); err != nil {
			return len(targets), err
		}
	}
	return len(targets), nil
}

// stripHasRevisions clears the flag in place; etag and change vector stay
func (s *Store) stripHasRevisions(tx *engine.WriteTx, lower string, doc *model.Document, tomb *model.Tombstone) error {
	if doc != nil && doc.Flags.Contain(model.FlagHasRevisions) {
		doc.Flags = doc.Flags.Strip(model.FlagHasRevisions)
		return setJSON(tx, docKey(lower), doc)
	}
	if tomb != nil && tomb.Flags.Contain(model.FlagHasRevisions) {
		tomb.Flags = tomb.Flags.Strip(model.FlagHasRevisions)
		return setJSON(tx, tombKey(lower), tomb)
	}
	return nil
}
