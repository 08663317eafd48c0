package database

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/document-node/internal/commandlog"
	"github.com/devrev/pairdb/document-node/internal/commands"
	"github.com/devrev/pairdb/document-node/internal/config"
	"github.com/devrev/pairdb/document-node/internal/conflicts"
	"github.com/devrev/pairdb/document-node/internal/documents"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/revisions"
	"github.com/devrev/pairdb/document-node/internal/storage/diskmanager"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
	"github.com/devrev/pairdb/document-node/internal/txmerger"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type option func(*Config)

func withClock(now time.Time) option {
	return func(c *Config) { c.Merger.Clock = func() time.Time { return now } }
}

func withDatabaseID(id string) option {
	return func(c *Config) { c.DatabaseID = id }
}

func newDB(t *testing.T, opts ...option) *Database {
	t.Helper()
	cfg := &Config{Name: "test", NodeTag: "A", Storage: engine.Config{InMemory: true}}
	for _, o := range opts {
		o(cfg)
	}
	db, err := Open(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

func enabled() model.RevisionsConfiguration {
	return model.RevisionsConfiguration{Default: &model.RevisionsCollectionConfiguration{}}
}

func strp(s string) *string { return &s }

func TestScenario_RevisionsAndTombstoneFlag(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	_, err := db.ConfigureRevisions(ctx, enabled())
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := db.Put(ctx, "users/1", "Users", json.RawMessage(fmt.Sprintf(`{"name":"user","version":%d}`, i)), nil)
		require.NoError(t, err)
	}
	tomb, err := db.Delete(ctx, "users/1", nil)
	require.NoError(t, err)
	require.NotNil(t, tomb)
	assert.True(t, tomb.Flags.Contain(model.FlagHasRevisions))

	page, err := db.GetRevisions(ctx, "users/1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.True(t, page.Revisions[0].Deleted(), "newest revision marks the deletion")

	_, err = db.ConfigureRevisions(ctx, model.RevisionsConfiguration{})
	require.NoError(t, err)
	res, err := db.EnforceRevisions(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.RemovedRevisions)

	dt, err := db.GetDocumentOrTombstone(ctx, "users/1")
	require.NoError(t, err)
	require.NotNil(t, dt.Tombstone)
	assert.False(t, dt.Tombstone.Flags.Contain(model.FlagHasRevisions))

	page, err = db.GetRevisions(ctx, "users/1", 0, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func seedHiLo(t *testing.T, db *Database, key string, max int64) {
	t.Helper()
	_, err := db.Put(context.Background(), model.HiLoPrefix+key, model.HiLoCollection, json.RawMessage(fmt.Sprintf(`{"Max":%d}`, max)), nil)
	require.NoError(t, err)
}

func hiloMax(t *testing.T, db *Database, key string) int64 {
	t.Helper()
	doc, err := db.Get(context.Background(), model.HiLoPrefix+key)
	require.NoError(t, err)
	require.NotNil(t, doc)
	var state model.HiLoState
	require.NoError(t, json.Unmarshal(doc.Data, &state))
	return state.Max
}

func TestScenario_HiLoReturn(t *testing.T) {
	db := newDB(t, withClock(t0))
	ctx := context.Background()
	previous := t0.Add(-30 * time.Second)

	seedHiLo(t, db, "users", 100)
	rng, err := db.NextHiLo(ctx, "users", 100, previous)
	require.NoError(t, err)
	assert.Equal(t, int64(101), rng.Low)
	assert.Equal(t, int64(200), rng.High)
	assert.Equal(t, "A", rng.ServerTag)

	ret, err := db.ReturnHiLo(ctx, "users", 200, 150)
	require.NoError(t, err)
	assert.True(t, ret.Applied)
	assert.Equal(t, int64(150), hiloMax(t, db, "users"))

	again, err := db.ReturnHiLo(ctx, "users", 200, 150)
	require.NoError(t, err)
	assert.False(t, again.Applied, "a repeated return is a no-op")
	assert.Equal(t, int64(150), hiloMax(t, db, "users"))

	// a second reservation advances Max before the return arrives
	seedHiLo(t, db, "orders", 100)
	_, err = db.NextHiLo(ctx, "orders", 100, previous)
	require.NoError(t, err)
	second, err := db.NextHiLo(ctx, "orders", 100, previous)
	require.NoError(t, err)
	assert.Equal(t, int64(300), second.High)

	late, err := db.ReturnHiLo(ctx, "orders", 200, 150)
	require.NoError(t, err)
	assert.False(t, late.Applied)
	assert.Equal(t, int64(300), late.Max)
	assert.Equal(t, int64(300), hiloMax(t, db, "orders"))

	missing, err := db.ReturnHiLo(ctx, "customers", 200, 150)
	require.NoError(t, err)
	assert.False(t, missing.Applied)
}

func TestNextHiLo_FreshKeyStartsAtOne(t *testing.T) {
	db := newDB(t, withClock(t0))

	rng, err := db.NextHiLo(context.Background(), "invoices", 0, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rng.Low)
	assert.Equal(t, int64(32), rng.High)

	doc, err := db.Get(context.Background(), model.HiLoPrefix+"invoices")
	require.NoError(t, err)
	assert.Equal(t, model.HiLoCollection, doc.Collection)
}

func TestScenario_ConflictThenEnforceThenResolve(t *testing.T) {
	db := newDB(t, withClock(t0))
	ctx := context.Background()

	_, err := db.ConfigureRevisions(ctx, enabled())
	require.NoError(t, err)
	_, err = db.Put(ctx, "users/1", "Users", json.RawMessage(`{"name":"test"}`), nil)
	require.NoError(t, err)

	applied, err := db.PutFromReplication(ctx, conflicts.Incoming{
		ID:           "users/1",
		Collection:   "Users",
		Data:         json.RawMessage(`{"name":"test3"}`),
		ChangeVector: "B:1-db-b",
		LastModified: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, conflicts.OutcomeConflicted, applied.Outcome)

	_, err = db.Get(ctx, "users/1")
	assert.Equal(t, storeerrors.ErrCodeDocumentConflict, storeerrors.GetCode(err))
	ids, err := db.ConflictedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"users/1"}, ids)

	_, err = db.ConfigureRevisions(ctx, model.RevisionsConfiguration{})
	require.NoError(t, err)
	_, err = db.EnforceRevisions(ctx, nil)
	require.NoError(t, err)

	resolved, err := db.ResolveConflict(ctx, "users/1")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)

	remaining, err := db.GetConflicts(ctx, "users/1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	doc, err := db.Get(ctx, "users/1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.JSONEq(t, `{"name":"test3"}`, string(doc.Data))
	assert.True(t, doc.Flags.Contain(model.FlagResolved))

	page, err := db.GetRevisions(ctx, "users/1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
}

func TestUpdateConflictResolver_ResolvesExistingConflicts(t *testing.T) {
	db := newDB(t, withClock(t0))
	ctx := context.Background()

	for _, id := range []string{"users/1", "users/2"} {
		_, err := db.Put(ctx, id, "Users", json.RawMessage(`{"v":"local"}`), nil)
		require.NoError(t, err)
		applied, err := db.PutFromReplication(ctx, conflicts.Incoming{
			ID: id, Collection: "Users", Data: json.RawMessage(`{"v":"remote"}`),
			ChangeVector: "B:1-db-b", LastModified: t0.Add(time.Minute),
		})
		require.NoError(t, err)
		require.Equal(t, conflicts.OutcomeConflicted, applied.Outcome)
	}

	n, err := db.UpdateConflictResolver(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, n)
	ids, err := db.ConflictedIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2, "turning the resolver off leaves conflicts alone")

	n, err = db.UpdateConflictResolver(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err = db.ConflictedIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	for _, id := range []string{"users/1", "users/2"} {
		doc, err := db.Get(ctx, id)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":"remote"}`, string(doc.Data))
	}
}

func TestLinearizability_ConcurrentSubmitters(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	const writers, perWriter = 8, 25

	etags := make([][]int64, writers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				res, err := db.Put(gctx, fmt.Sprintf("writers/%d/%d", w, i), "Writers", json.RawMessage(`{}`), nil)
				if err != nil {
					return err
				}
				etags[w] = append(etags[w], res.Etag)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[int64]bool)
	for w := range etags {
		for i, etag := range etags[w] {
			assert.False(t, seen[etag], "etag %d handed out twice", etag)
			seen[etag] = true
			if i > 0 {
				assert.Greater(t, etag, etags[w][i-1], "a writer's commands commit in submission order")
			}
		}
	}

	last, err := db.LastEtag(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), last)
}

func TestCommandIsolation_FailureDoesNotAbortSiblings(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	first, err := db.Put(ctx, "users/1", "Users", json.RawMessage(`{"v":1}`), nil)
	require.NoError(t, err)

	ok1 := db.Enqueue(&commands.PutDocument{ID: "users/2", Collection: "Users", Data: json.RawMessage(`{}`)})
	bad := db.Enqueue(&commands.PutDocument{ID: "users/1", Collection: "Users", Data: json.RawMessage(`{"v":2}`), ExpectedChangeVector: strp("A:99-" + db.ID())})
	ok2 := db.Enqueue(&commands.PutDocument{ID: "users/3", Collection: "Users", Data: json.RawMessage(`{}`)})

	_, err = ok1.Wait(ctx)
	require.NoError(t, err)
	_, err = ok2.Wait(ctx)
	require.NoError(t, err)
	_, err = bad.Wait(ctx)
	assert.Equal(t, storeerrors.ErrCodeConcurrencyViolation, storeerrors.GetCode(err))

	doc, err := db.Get(ctx, "users/1")
	require.NoError(t, err)
	assert.Equal(t, first.ChangeVector, doc.ChangeVector, "the failed command left no trace")
	for _, id := range []string{"users/2", "users/3"} {
		doc, err := db.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, doc, id)
	}
}

func TestConcurrencyViolation_CarriesActualChangeVector(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	res, err := db.Put(ctx, "users/1", "Users", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	_, err = db.Put(ctx, "users/1", "Users", json.RawMessage(`{}`), strp("A:1-other"))
	var se *storeerrors.StorageError
	require.True(t, goerrors.As(err, &se))
	assert.Equal(t, storeerrors.ErrCodeConcurrencyViolation, se.Code)
	assert.Equal(t, res.ChangeVector, se.Detail("actual_change_vector"))

	_, err = db.Put(ctx, "users/1", "Users", json.RawMessage(`{"v":2}`), strp(res.ChangeVector))
	assert.NoError(t, err, "retrying with the actual vector succeeds")

	_, err = db.Put(ctx, "users/2", "Users", json.RawMessage(`{}`), strp(""))
	assert.NoError(t, err, "an empty expected vector creates a new document")
	_, err = db.Put(ctx, "users/2", "Users", json.RawMessage(`{}`), strp(""))
	assert.Equal(t, storeerrors.ErrCodeConcurrencyViolation, storeerrors.GetCode(err))
}

func TestPatch(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	_, err := db.Put(ctx, "users/1", "Users", json.RawMessage(`{"name":"a","age":1}`), nil)
	require.NoError(t, err)

	res, err := db.Patch(ctx, "users/1", json.RawMessage(`[{"op":"replace","path":"/name","value":"b"},{"op":"add","path":"/tags","value":["x"]}]`), nil)
	require.NoError(t, err)
	assert.Equal(t, "Users", res.Collection)

	doc, err := db.Get(ctx, "users/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"b","age":1,"tags":["x"]}`, string(doc.Data))

	_, err = db.Patch(ctx, "users/404", json.RawMessage(`[{"op":"remove","path":"/name"}]`), nil)
	assert.Equal(t, storeerrors.ErrCodeDocumentNotFound, storeerrors.GetCode(err))

	_, err = db.Patch(ctx, "users/1", json.RawMessage(`{`), nil)
	assert.Equal(t, storeerrors.ErrCodeInvalidPatch, storeerrors.GetCode(err))

	_, err = db.Patch(ctx, "users/1", json.RawMessage(`[{"op":"remove","path":"/missing"}]`), nil)
	assert.Equal(t, storeerrors.ErrCodeInvalidPatch, storeerrors.GetCode(err))

	_, err = db.Patch(ctx, "users/1", json.RawMessage(`[{"op":"replace","path":"/name","value":"c"}]`), strp("A:1-stale"))
	assert.Equal(t, storeerrors.ErrCodeConcurrencyViolation, storeerrors.GetCode(err))
}

func TestEnqueue_RejectsInvalidCommands(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	_, err := db.Put(ctx, "", "Users", json.RawMessage(`{}`), nil)
	assert.Equal(t, storeerrors.ErrCodeInvalidDocumentID, storeerrors.GetCode(err))

	_, err = db.Put(ctx, "users/1", "Users", json.RawMessage(`not json`), nil)
	assert.Equal(t, storeerrors.ErrCodeInvalidArgument, storeerrors.GetCode(err))

	_, err = db.PutFromReplication(ctx, conflicts.Incoming{ID: "users/1", Data: json.RawMessage(`{}`)})
	assert.Equal(t, storeerrors.ErrCodeInvalidChangeVector, storeerrors.GetCode(err))

	_, err = db.NextHiLo(ctx, "", 0, time.Time{})
	assert.Equal(t, storeerrors.ErrCodeInvalidArgument, storeerrors.GetCode(err))

	assert.Zero(t, db.merger.LastBatch(), "rejected commands never reach a batch")
}

func TestEnqueue_RejectsMalformedSystemDocuments(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	bad := []struct {
		id   string
		data string
	}{
		{model.RevisionsConfigID, `{"Default":5}`},
		{strings.ToLower(model.RevisionsConfigID), `{"Default":5}`},
		{model.RevisionsConfigID, `{"Default":{"MaxRevisions":-1}}`},
		{model.HiLoPrefix + "users", `{"Max":"many"}`},
		{"raven/hilo/users", `{"Max":-5}`},
	}
	for _, tt := range bad {
		_, err := db.Put(ctx, tt.id, model.SystemCollection, json.RawMessage(tt.data), nil)
		assert.Equal(t, storeerrors.ErrCodeInvalidArgument, storeerrors.GetCode(err), tt.id+" "+tt.data)
	}

	seedHiLo(t, db, "users", 10)
	_, err := db.Patch(ctx, model.HiLoPrefix+"users", json.RawMessage(`[{"op":"replace","path":"/Max","value":"x"}]`), nil)
	assert.Equal(t, storeerrors.ErrCodeInvalidArgument, storeerrors.GetCode(err))
	assert.Equal(t, int64(10), hiloMax(t, db, "users"))

	_, err = db.PutFromReplication(ctx, conflicts.Incoming{
		ID: model.RevisionsConfigID, Collection: model.SystemCollection,
		Data: json.RawMessage(`{"Collections":[]}`), ChangeVector: "B:1-db-b",
	})
	assert.Equal(t, storeerrors.ErrCodeInvalidArgument, storeerrors.GetCode(err))
}

// plant writes a record straight into storage, skipping validation
func plant(t *testing.T, db *Database, id, collection, data string) {
	t.Helper()
	tx := db.engine.BeginWrite()
	_, err := db.store.Put(tx, id, collection, json.RawMessage(data), nil, documents.PutOptions{Now: t0})
	if err != nil {
		tx.Discard()
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func TestDamagedSystemDocument_FailsOnlyItsCommands(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	plant(t, db, model.RevisionsConfigID, model.SystemCollection, `{"Default":5}`)
	plant(t, db, model.HiLoPrefix+"orders", model.HiLoCollection, `{"Max":"x"}`)

	for i := 0; i < 2*txmerger.DefaultConfig().MaxConsecutiveFailures; i++ {
		_, err := db.Put(ctx, fmt.Sprintf("users/%d", i), "Users", json.RawMessage(`{}`), nil)
		assert.Equal(t, storeerrors.ErrCodeCorruptedData, storeerrors.GetCode(err))
		_, err = db.NextHiLo(ctx, "orders", 0, time.Time{})
		assert.Equal(t, storeerrors.ErrCodeCorruptedData, storeerrors.GetCode(err))
	}
	assert.False(t, db.Faulted())

	rng, err := db.NextHiLo(ctx, "invoices", 0, time.Time{})
	require.NoError(t, err, "other keys are unaffected")
	assert.Equal(t, int64(1), rng.Low)

	_, err = db.Put(ctx, model.RevisionsConfigID, model.SystemCollection, json.RawMessage(`{}`), nil)
	require.NoError(t, err, "the damaged configuration can be replaced")
	seedHiLo(t, db, "orders", 40)

	_, err = db.Put(ctx, "users/1", "Users", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	rng, err = db.NextHiLo(ctx, "orders", 0, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(41), rng.Low)
}

func TestOversizedDocument_RejectedWithoutFault(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	limit := db.validator.MaxDocumentSize()
	require.Less(t, int64(limit), db.engine.MaxValueSize(), "in-memory values are capped below the engine limit")

	doc := func(size int) json.RawMessage {
		return json.RawMessage(`{"blob":"` + strings.Repeat("x", size-len(`{"blob":""}`)) + `"}`)
	}

	for i := 0; i < 2*txmerger.DefaultConfig().MaxConsecutiveFailures; i++ {
		_, err := db.Put(ctx, "big/1", "Blobs", doc(12<<20), nil)
		assert.Equal(t, storeerrors.ErrCodePayloadTooLarge, storeerrors.GetCode(err))
	}
	assert.False(t, db.Faulted())

	_, err := db.Put(ctx, "big/2", "Blobs", doc(limit), nil)
	require.NoError(t, err, "a document at the limit fits the engine")
	_, err = db.Put(ctx, "small/1", "Blobs", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
}

func TestPurgeTombstones(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	_, err := db.Put(ctx, "users/1", "Users", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	tomb, err := db.Delete(ctx, "users/1", nil)
	require.NoError(t, err)

	none, err := db.PurgeTombstones(ctx, tomb.Etag-1, 0)
	require.NoError(t, err)
	assert.Zero(t, none)

	purged, err := db.PurgeTombstones(ctx, tomb.Etag, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	dt, err := db.GetDocumentOrTombstone(ctx, "users/1")
	require.NoError(t, err)
	assert.True(t, dt.Missing())
}

func TestDelete_MissingDocumentReturnsNil(t *testing.T) {
	db := newDB(t)
	tomb, err := db.Delete(context.Background(), "users/404", nil)
	require.NoError(t, err)
	assert.Nil(t, tomb)
}

func TestReplay_ReproducesState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	src := newDB(t, func(c *Config) {
		c.CommandLog = &commandlog.Config{Dir: dir}
	})
	_, err := src.ConfigureRevisions(ctx, enabled())
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := src.Put(ctx, "users/1", "Users", json.RawMessage(fmt.Sprintf(`{"v":%d}`, i)), nil)
		require.NoError(t, err)
	}
	_, err = src.Patch(ctx, "users/1", json.RawMessage(`[{"op":"add","path":"/patched","value":true}]`), nil)
	require.NoError(t, err)
	_, err = src.Put(ctx, "users/2", "Users", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	_, err = src.Delete(ctx, "users/2", nil)
	require.NoError(t, err)
	_, err = src.NextHiLo(ctx, "users", 0, time.Time{})
	require.NoError(t, err)
	_, err = src.PutFromReplication(ctx, conflicts.Incoming{
		ID: "users/3", Collection: "Users", Data: json.RawMessage(`{"from":"b"}`),
		ChangeVector: "B:4-db-b", LastModified: t0,
	})
	require.NoError(t, err)
	// a failed command is not recorded
	_, err = src.Put(ctx, "users/1", "Users", json.RawMessage(`{}`), strp("A:1-stale"))
	require.Error(t, err)
	recorded := src.CommandLogSequence()
	require.Equal(t, int64(9), recorded)

	srcDoc, err := src.Get(ctx, "users/1")
	require.NoError(t, err)
	srcRevs, err := src.GetRevisions(ctx, "users/1", 0, 10)
	require.NoError(t, err)
	srcEtag, err := src.LastEtag(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Close(ctx))

	dst := newDB(t, withDatabaseID(src.ID()))
	res, err := dst.Replay(ctx, dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 9, res.Applied)
	assert.Zero(t, res.Failed)
	assert.Equal(t, recorded, res.LastSequence)

	dstDoc, err := dst.Get(ctx, "users/1")
	require.NoError(t, err)
	assert.Equal(t, srcDoc.ChangeVector, dstDoc.ChangeVector)
	assert.Equal(t, srcDoc.Etag, dstDoc.Etag)
	assert.True(t, srcDoc.LastModified.Equal(dstDoc.LastModified))
	assert.JSONEq(t, string(srcDoc.Data), string(dstDoc.Data))

	dstRevs, err := dst.GetRevisions(ctx, "users/1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, srcRevs.Total, dstRevs.Total)
	for i := range srcRevs.Revisions {
		assert.Equal(t, srcRevs.Revisions[i].ChangeVector, dstRevs.Revisions[i].ChangeVector)
		assert.True(t, srcRevs.Revisions[i].Created.Equal(dstRevs.Revisions[i].Created))
	}

	dstEtag, err := dst.LastEtag(ctx)
	require.NoError(t, err)
	assert.Equal(t, srcEtag, dstEtag)

	dt, err := dst.GetDocumentOrTombstone(ctx, "users/2")
	require.NoError(t, err)
	assert.NotNil(t, dt.Tombstone)
	assert.Equal(t, int64(32), hiloMax(t, dst, "users"))

	repl, err := dst.Get(ctx, "users/3")
	require.NoError(t, err)
	assert.True(t, repl.Flags.Contain(model.FlagFromReplication))

	tail, err := dst.Replay(ctx, dir, recorded)
	require.NoError(t, err)
	assert.Zero(t, tail.Applied, "nothing after the last sequence")
}

func TestReplay_PinnedDatabaseIDFromConfig(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	src := newDB(t, func(c *Config) {
		c.CommandLog = &commandlog.Config{Dir: dir}
	})
	first, err := src.Put(ctx, "users/1", "Users", json.RawMessage(`{"v":1}`), strp(""))
	require.NoError(t, err)
	second, err := src.Put(ctx, "users/1", "Users", json.RawMessage(`{"v":2}`), strp(first.ChangeVector))
	require.NoError(t, err)
	_, err = src.Delete(ctx, "users/1", strp(second.ChangeVector))
	require.NoError(t, err)
	require.NoError(t, src.Close(ctx))

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  node_id: replica-1
  node_tag: A
  database_id: %s
storage:
  in_memory: true
`, src.ID())))
	require.NoError(t, err)

	dst, err := Open(FromConfig(cfg), zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dst.Close(context.Background()) })
	assert.Equal(t, src.ID(), dst.ID())

	res, err := dst.Replay(ctx, dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Zero(t, res.Failed, "expected change vectors match on the replica")

	dt, err := dst.GetDocumentOrTombstone(ctx, "users/1")
	require.NoError(t, err)
	require.NotNil(t, dt.Tombstone)
}

func TestOpen_PersistsDatabaseID(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	disk := func() *diskmanager.DiskManagerConfig {
		cfg := diskmanager.DefaultConfig(dir)
		cfg.Stat = func(string) (uint64, uint64, error) { return 100 << 30, 90 << 30, nil }
		return cfg
	}
	open := func(id string) (*Database, error) {
		return Open(&Config{
			Name:       "disk",
			NodeTag:    "A",
			DatabaseID: id,
			Storage:    engine.Config{Dir: dir},
			Disk:       disk(),
		}, zap.NewNop(), nil)
	}

	db, err := open("")
	require.NoError(t, err)
	id := db.ID()
	assert.NotEmpty(t, id)
	_, err = db.Put(ctx, "users/1", "Users", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	stats, ok := db.DiskUsage()
	assert.True(t, ok)
	assert.InDelta(t, 10.0, stats.UsagePercent, 0.01)
	require.NoError(t, db.Close(ctx))

	db, err = open("")
	require.NoError(t, err)
	assert.Equal(t, id, db.ID())
	doc, err := db.Get(ctx, "users/1")
	require.NoError(t, err)
	assert.Contains(t, doc.ChangeVector, id)
	require.NoError(t, db.Close(ctx))

	_, err = open("someone-else")
	assert.Equal(t, storeerrors.ErrCodeInvalidArgument, storeerrors.GetCode(err))
}

func TestStartEnforceConfiguration(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	_, err := db.ConfigureRevisions(ctx, enabled())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := db.Put(ctx, fmt.Sprintf("users/%d", i), "Users", json.RawMessage(`{}`), nil)
		require.NoError(t, err)
	}
	_, err = db.ConfigureRevisions(ctx, model.RevisionsConfiguration{})
	require.NoError(t, err)

	id, err := db.StartEnforceConfiguration()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op, ok := db.Operations().Get(id)
		return ok && op.State == OperationCompleted
	}, 5*time.Second, 10*time.Millisecond)

	op, _ := db.Operations().Get(id)
	res, ok := op.Result.(*revisions.EnforceConfigurationResult)
	require.True(t, ok)
	assert.Equal(t, int64(3), res.RemovedRevisions)
	assert.NotNil(t, op.CompletedAt)
}

func TestStartEnforceConfiguration_NeverConfiguredFaults(t *testing.T) {
	db := newDB(t)

	id, err := db.StartEnforceConfiguration()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op, _ := db.Operations().Get(id)
		return op.State == OperationFaulted
	}, 5*time.Second, 10*time.Millisecond)

	op, _ := db.Operations().Get(id)
	assert.Contains(t, op.Error, "revisions")
	assert.Equal(t, storeerrors.ErrCodeInvalidArgument, storeerrors.GetCode(db.Operations().Cancel("unknown")))
}

func TestClose_RejectsLaterCommands(t *testing.T) {
	db := newDB(t)
	require.NoError(t, db.Close(context.Background()))

	_, err := db.Put(context.Background(), "users/1", "Users", json.RawMessage(`{}`), nil)
	assert.Equal(t, storeerrors.ErrCodeUnavailable, storeerrors.GetCode(err))
	assert.False(t, db.Faulted())
}
