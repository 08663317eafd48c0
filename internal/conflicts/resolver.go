// Package conflicts applies replicated versions and reconciles divergent ones.
package conflicts

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/changevector"
	"github.com/devrev/pairdb/document-node/internal/documents"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
)

// Outcome describes what happened to an incoming version
type Outcome string

const (
	// OutcomeAlreadyMerged means local state already dominates the incoming version
	OutcomeAlreadyMerged Outcome = "AlreadyMerged"
	OutcomeApplied       Outcome = "Applied"
	// OutcomeMerged means the versions were concurrent but equivalent
	OutcomeMerged     Outcome = "Merged"
	OutcomeConflicted Outcome = "Conflicted"
	OutcomeResolved   Outcome = "Resolved"
)

// Incoming is a version received from another database
type Incoming struct {
	ID           string
	Collection   string
	Data         json.RawMessage
	ChangeVector string
	LastModified time.Time
	Deleted      bool
}

// ApplyResult reports the handling of an incoming version
type ApplyResult struct {
	ID           string  `json:"id"`
	Outcome      Outcome `json:"outcome"`
	ChangeVector string  `json:"change_vector,omitempty"`
	Etag         int64   `json:"etag,omitempty"`
}

// ResolveResult reports a resolution. Resolved is false when the id had no
// conflicts.
type ResolveResult struct {
	ID                 string `json:"id"`
	Resolved           bool   `json:"resolved"`
	Deleted            bool   `json:"deleted,omitempty"`
	WinnerChangeVector string `json:"winner_change_vector,omitempty"`
	ChangeVector       string `json:"change_vector,omitempty"`
	Etag               int64  `json:"etag,omitempty"`
	Losers             int    `json:"losers,omitempty"`
}

// Resolution is a script's decision for a conflicted id
type Resolution struct {
	Data    json.RawMessage
	Deleted bool
}

// ScriptResolver decides conflicts for one collection. Returning nil leaves
// the id conflicted.
type ScriptResolver interface {
	Resolve(id string, conflicts []model.Conflict) (*Resolution, error)
}

// Config holds the database conflict solver settings
type Config struct {
	ResolveToLatest bool
}

// Resolver runs inside merged commands; its methods take the batch transaction
type Resolver struct {
	store  *documents.Store
	logger *zap.Logger

	mu              sync.RWMutex
	resolveToLatest bool
	scripts         map[string]ScriptResolver
}

// NewResolver creates a resolver over the document store
func NewResolver(cfg *Config, store *documents.Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:           store,
		logger:          logger,
		resolveToLatest: cfg.ResolveToLatest,
		scripts:         make(map[string]ScriptResolver),
	}
}

// RegisterScript installs a resolver for a collection
func (r *Resolver) RegisterScript(collection string, s ScriptResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[strings.ToLower(collection)] = s
}

// SetResolveToLatest toggles automatic resolution of new conflicts
func (r *Resolver) SetResolveToLatest(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolveToLatest = v
}

func (r *Resolver) solver(collection string) (ScriptResolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scripts[strings.ToLower(collection)], r.resolveToLatest
}

// ApplyIncoming applies a replicated version, detecting conflicts with local
// state and existing conflicts
func (r *Resolver) ApplyIncoming(tx *engine.WriteTx, in Incoming, now time.Time) (*ApplyResult, error) {
	incomingCV, err := changevector.Parse(in.ChangeVector)
	if err != nil {
		return nil, storeerrors.InvalidChangeVector(in.ChangeVector, err)
	}
	if len(incomingCV) == 0 {
		return nil, storeerrors.InvalidChangeVector(in.ChangeVector, nil).
			WithDetail("reason", "replicated versions need a change vector")
	}

	existing, err := r.store.GetConflicts(tx, in.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return r.applyOverConflicts(tx, in, incomingCV, existing, now)
	}

	local, err := r.store.GetDocumentOrTombstone(tx, in.ID)
	if err != nil {
		return nil, err
	}
	if local.Missing() {
		return r.apply(tx, in, 0, now)
	}

	localCV, localDeleted := localVersion(local)
	parsedLocal, err := changevector.Parse(localCV)
	if err != nil {
		return nil, storeerrors.CorruptedData("stored change vector is invalid", err)
	}

	switch changevector.Compare(incomingCV, parsedLocal) {
	case changevector.Equal, changevector.Less:
		return &ApplyResult{ID: in.ID, Outcome: OutcomeAlreadyMerged, ChangeVector: localCV}, nil
	case changevector.Greater:
		return r.apply(tx, in, 0, now)
	}

	merged := changevector.Merge(incomingCV, parsedLocal).String()
	if in.Deleted && localDeleted {
		return r.applyMerged(tx, in, merged, now)
	}
	if !in.Deleted && !localDeleted && sameContent(in.Data, local.Document.Data) {
		return r.applyMerged(tx, in, merged, now)
	}

	moved, err := r.store.MoveToConflicts(tx, in.ID)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.SnapshotConflictRevision(tx, moved, now); err != nil {
		return nil, err
	}
	if err := r.addConflict(tx, in, now); err != nil {
		return nil, err
	}

	r.logger.Info("Document conflict detected",
		zap.String("id", in.ID),
		zap.String("local_change_vector", localCV),
		zap.String("incoming_change_vector", in.ChangeVector))

	return r.autoResolve(tx, in, now)
}

func (r *Resolver) applyOverConflicts(tx *engine.WriteTx, in Incoming, incomingCV changevector.ChangeVector, existing []model.Conflict, now time.Time) (*ApplyResult, error) {
	var remaining int
	for i := range existing {
		cv, err := changevector.Parse(existing[i].ChangeVector)
		if err != nil {
			return nil, storeerrors.CorruptedData("conflict change vector is invalid", err)
		}
		switch changevector.Compare(incomingCV, cv) {
		case changevector.Equal, changevector.Less:
			return &ApplyResult{ID: in.ID, Outcome: OutcomeAlreadyMerged}, nil
		case changevector.Greater:
			if err := r.store.DeleteConflict(tx, in.ID, existing[i].ChangeVector); err != nil {
				return nil, err
			}
		default:
			remaining++
		}
	}

	if remaining == 0 {
		// the incoming version already resolves every conflict we hold
		return r.apply(tx, in, model.FlagResolved, now)
	}

	if err := r.addConflict(tx, in, now); err != nil {
		return nil, err
	}
	return r.autoResolve(tx, in, now)
}

func (r *Resolver) addConflict(tx *engine.WriteTx, in Incoming, now time.Time) error {
	c := model.Conflict{
		ID:           in.ID,
		Collection:   in.Collection,
		ChangeVector: in.ChangeVector,
		LastModified: in.LastModified,
	}
	if !in.Deleted {
		c.Data = in.Data
	}
	stored, err := r.store.PutConflict(tx, c)
	if err != nil {
		return err
	}
	_, err = r.store.SnapshotConflictRevision(tx, stored, now)
	return err
}

func (r *Resolver) apply(tx *engine.WriteTx, in Incoming, extra model.DocumentFlags, now time.Time) (*ApplyResult, error) {
	flags := model.FlagFromReplication.With(extra)
	if in.Deleted {
		tomb, err := r.store.Delete(tx, in.ID, nil, documents.DeleteOptions{
			Now:          now,
			ChangeVector: in.ChangeVector,
			Flags:        flags,
			Collection:   in.Collection,
		})
		if err != nil {
			return nil, err
		}
		return &ApplyResult{ID: in.ID, Outcome: OutcomeApplied, ChangeVector: tomb.ChangeVector, Etag: tomb.Etag}, nil
	}

	res, err := r.store.Put(tx, in.ID, in.Collection, in.Data, nil, documents.PutOptions{
		Now:          lastModifiedOr(in.LastModified, now),
		ChangeVector: in.ChangeVector,
		Flags:        flags,
	})
	if err != nil {
		return nil, err
	}
	return &ApplyResult{ID: in.ID, Outcome: OutcomeApplied, ChangeVector: res.ChangeVector, Etag: res.Etag}, nil
}

// applyMerged stores the merged vector when both sides hold the same version
func (r *Resolver) applyMerged(tx *engine.WriteTx, in Incoming, merged string, now time.Time) (*ApplyResult, error) {
	in.ChangeVector = merged
	res, err := r.apply(tx, in, 0, now)
	if err != nil {
		return nil, err
	}
	res.Outcome = OutcomeMerged
	return res, nil
}

func (r *Resolver) autoResolve(tx *engine.WriteTx, in Incoming, now time.Time) (*ApplyResult, error) {
	script, toLatest := r.solver(in.Collection)

	if script != nil {
		conflicts, err := r.store.GetConflicts(tx, in.ID)
		if err != nil {
			return nil, err
		}
		resolution, err := script.Resolve(in.ID, conflicts)
		if err != nil {
			r.logger.Warn("Conflict script failed, leaving document conflicted",
				zap.String("id", in.ID),
				zap.String("collection", in.Collection),
				zap.Error(err))
		} else if resolution != nil {
			res, err := r.resolveWith(tx, in.ID, conflicts, resolution, "", now)
			if err != nil {
				return nil, err
			}
			return &ApplyResult{ID: in.ID, Outcome: OutcomeResolved, ChangeVector: res.ChangeVector, Etag: res.Etag}, nil
		}
	}

	if toLatest {
		res, err := r.ResolveToLatest(tx, in.ID, now)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{ID: in.ID, Outcome: OutcomeResolved, ChangeVector: res.ChangeVector, Etag: res.Etag}, nil
	}

	return &ApplyResult{ID: in.ID, Outcome: OutcomeConflicted}, nil
}

// ResolveToLatest keeps the most recently modified conflicted version. The
// result's change vector dominates every conflict plus a new local entry.
func (r *Resolver) ResolveToLatest(tx *engine.WriteTx, id string, now time.Time) (*ResolveResult, error) {
	conflicts, err := r.store.GetConflicts(tx, id)
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return &ResolveResult{ID: id}, nil
	}

	winner := latest(conflicts)
	resolution := &Resolution{Data: winner.Data, Deleted: winner.Deleted()}
	res, err := r.resolveWith(tx, id, conflicts, resolution, winner.ChangeVector, now)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Conflict resolved to latest",
		zap.String("id", id),
		zap.String("winner_change_vector", winner.ChangeVector),
		zap.Int("conflicts", len(conflicts)))
	return res, nil
}

// resolveWith replaces the conflicts of id with resolution. Every version
// except the winner is kept as a conflict revision.
func (r *Resolver) resolveWith(tx *engine.WriteTx, id string, conflicts []model.Conflict, resolution *Resolution, winnerCV string, now time.Time) (*ResolveResult, error) {
	vectors := make([]string, 0, len(conflicts))
	collection := ""
	for i := range conflicts {
		c := &conflicts[i]
		vectors = append(vectors, c.ChangeVector)
		if collection == "" {
			collection = c.Collection
		}
		if c.ChangeVector != winnerCV {
			if _, err := r.store.SnapshotConflictRevision(tx, c, now); err != nil {
				return nil, err
			}
		}
		if err := r.store.DeleteConflict(tx, id, c.ChangeVector); err != nil {
			return nil, err
		}
	}
	merged, err := changevector.MergeStrings(vectors...)
	if err != nil {
		return nil, storeerrors.CorruptedData("conflict change vector is invalid", err)
	}

	result := &ResolveResult{
		ID:                 id,
		Resolved:           true,
		Deleted:            resolution.Deleted,
		WinnerChangeVector: winnerCV,
		Losers:             len(conflicts),
	}
	if winnerCV != "" {
		result.Losers--
	}
	if resolution.Deleted {
		tomb, err := r.store.Delete(tx, id, nil, documents.DeleteOptions{
			Now:          now,
			ChangeVector: merged,
			MergeLocal:   true,
			Flags:        model.FlagResolved,
			Collection:   collection,
		})
		if err != nil {
			return nil, err
		}
		result.ChangeVector, result.Etag = tomb.ChangeVector, tomb.Etag
		return result, nil
	}

	res, err := r.store.Put(tx, id, collection, resolution.Data, nil, documents.PutOptions{
		Now:          now,
		ChangeVector: merged,
		MergeLocal:   true,
		Flags:        model.FlagResolved,
	})
	if err != nil {
		return nil, err
	}
	result.ChangeVector, result.Etag = res.ChangeVector, res.Etag
	return result, nil
}

// latest picks the most recently modified conflict, breaking ties by the
// greater change vector string so every node picks the same winner
func latest(conflicts []model.Conflict) *model.Conflict {
	winner := &conflicts[0]
	for i := 1; i < len(conflicts); i++ {
		c := &conflicts[i]
		if c.LastModified.After(winner.LastModified) ||
			(c.LastModified.Equal(winner.LastModified) && c.ChangeVector > winner.ChangeVector) {
			winner = c
		}
	}
	return winner
}

func localVersion(local model.DocumentOrTombstone) (string, bool) {
	if local.Document != nil {
		return local.Document.ChangeVector, false
	}
	return local.Tombstone.ChangeVector, true
}

// sameContent compares JSON payloads structurally
func sameContent(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func lastModifiedOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
