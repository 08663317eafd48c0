package conflicts

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/devrev/pairdb/document-node/internal/changevector"
	"github.com/devrev/pairdb/document-node/internal/documents"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/model"
	"github.com/devrev/pairdb/document-node/internal/storage/engine"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	eng      *engine.Engine
	store    *documents.Store
	resolver *Resolver
}

func newFixture(t testing.TB, cfg *Config) *fixture {
	eng, err := engine.Open(&engine.Config{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	store, err := documents.NewStore(&documents.Config{DatabaseID: "db-a", NodeTag: "A"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return &fixture{eng: eng, store: store, resolver: NewResolver(cfg, store, zap.NewNop())}
}

func (f *fixture) write(t testing.TB, fn func(tx *engine.WriteTx) error) {
	tx := f.eng.BeginWrite()
	if err := fn(tx); err != nil {
		tx.Discard()
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func (f *fixture) apply(t testing.TB, in Incoming) *ApplyResult {
	var res *ApplyResult
	f.write(t, func(tx *engine.WriteTx) error {
		var err error
		res, err = f.resolver.ApplyIncoming(tx, in, t0)
		return err
	})
	return res
}

func (f *fixture) putLocal(t testing.TB, id, data string, at time.Time) *documents.PutResult {
	var res *documents.PutResult
	f.write(t, func(tx *engine.WriteTx) error {
		var err error
		res, err = f.store.Put(tx, id, "Users", json.RawMessage(data), nil, documents.PutOptions{Now: at})
		return err
	})
	return res
}

func (f *fixture) view(t testing.TB, fn func(r *engine.ReadTx)) {
	require.NoError(t, f.eng.View(context.Background(), func(r *engine.ReadTx) error {
		fn(r)
		return nil
	}))
}

func remote(id, data, cv string, at time.Time) Incoming {
	return Incoming{ID: id, Collection: "Users", Data: json.RawMessage(data), ChangeVector: cv, LastModified: at}
}

func TestApplyIncoming_NewDocument(t *testing.T) {
	f := newFixture(t, &Config{})
	res := f.apply(t, remote("users/1", `{"v":1}`, "B:3-db-b", t0))
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, "B:3-db-b", res.ChangeVector)

	f.view(t, func(r *engine.ReadTx) {
		doc, err := f.store.Get(r, "users/1")
		require.NoError(t, err)
		assert.True(t, doc.Flags.Contain(model.FlagFromReplication))
	})
}

func TestApplyIncoming_Ordering(t *testing.T) {
	f := newFixture(t, &Config{})
	local := f.putLocal(t, "users/1", `{"v":"local"}`, t0)
	require.Equal(t, "A:1-db-a", local.ChangeVector)

	assert.Equal(t, OutcomeAlreadyMerged, f.apply(t, remote("users/1", `{}`, "A:1-db-a", t0)).Outcome)

	res := f.apply(t, remote("users/1", `{"v":"newer"}`, "A:1-db-a, B:1-db-b", t0))
	assert.Equal(t, OutcomeApplied, res.Outcome)

	f.view(t, func(r *engine.ReadTx) {
		doc, err := f.store.Get(r, "users/1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":"newer"}`, string(doc.Data))
	})
}

func TestApplyIncoming_RequiresChangeVector(t *testing.T) {
	f := newFixture(t, &Config{})
	tx := f.eng.BeginWrite()
	defer tx.Discard()
	_, err := f.resolver.ApplyIncoming(tx, remote("users/1", `{}`, "", t0), t0)
	assert.Equal(t, storeerrors.ErrCodeInvalidChangeVector, storeerrors.GetCode(err))
}

func TestApplyIncoming_ConcurrentCreatesConflict(t *testing.T) {
	f := newFixture(t, &Config{})
	f.putLocal(t, "users/1", `{"v":"local"}`, t0)

	res := f.apply(t, remote("users/1", `{"v":"remote"}`, "B:7-db-b", t0.Add(time.Second)))
	assert.Equal(t, OutcomeConflicted, res.Outcome)

	f.view(t, func(r *engine.ReadTx) {
		_, err := f.store.Get(r, "users/1")
		assert.Equal(t, storeerrors.ErrCodeDocumentConflict, storeerrors.GetCode(err))

		conflicts, err := f.store.GetConflicts(r, "users/1")
		require.NoError(t, err)
		require.Len(t, conflicts, 2)
		for _, c := range conflicts {
			assert.True(t, c.Flags.Contain(model.FlagConflicted))
		}

		n, err := f.store.CountRevisions(r, "users/1")
		require.NoError(t, err)
		assert.Equal(t, 2, n, "both sides become conflict revisions")
	})
}

func TestApplyIncoming_ConcurrentIdenticalMerges(t *testing.T) {
	f := newFixture(t, &Config{})
	f.putLocal(t, "users/1", `{"a":1,"b":2}`, t0)

	res := f.apply(t, remote("users/1", `{"b":2, "a":1}`, "B:7-db-b", t0))
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, "A:1-db-a, B:7-db-b", res.ChangeVector)
}

func TestApplyIncoming_BothDeletedMerges(t *testing.T) {
	f := newFixture(t, &Config{})
	f.putLocal(t, "users/1", `{}`, t0)
	f.write(t, func(tx *engine.WriteTx) error {
		_, err := f.store.Delete(tx, "users/1", nil, documents.DeleteOptions{Now: t0})
		return err
	})

	in := remote("users/1", "", "B:7-db-b", t0)
	in.Deleted = true
	res := f.apply(t, in)
	assert.Equal(t, OutcomeMerged, res.Outcome)

	f.view(t, func(r *engine.ReadTx) {
		dt, err := f.store.GetDocumentOrTombstone(r, "users/1")
		require.NoError(t, err)
		require.NotNil(t, dt.Tombstone)
		order, err := changevector.CompareStrings(dt.Tombstone.ChangeVector, "A:2-db-a, B:7-db-b")
		require.NoError(t, err)
		assert.Equal(t, changevector.Equal, order)
	})
}

func TestApplyIncoming_OverExistingConflicts(t *testing.T) {
	f := newFixture(t, &Config{})
	f.putLocal(t, "users/1", `{"v":"local"}`, t0)
	f.apply(t, remote("users/1", `{"v":"b"}`, "B:7-db-b", t0))

	// dominated by the conflict from B
	assert.Equal(t, OutcomeAlreadyMerged, f.apply(t, remote("users/1", `{}`, "B:5-db-b", t0)).Outcome)

	// concurrent with both conflicts
	assert.Equal(t, OutcomeConflicted, f.apply(t, remote("users/1", `{"v":"c"}`, "C:1-db-c", t0)).Outcome)

	// dominates every conflict: resolution arriving from elsewhere
	res := f.apply(t, remote("users/1", `{"v":"final"}`, "A:1-db-a, B:7-db-b, C:1-db-c", t0))
	assert.Equal(t, OutcomeApplied, res.Outcome)

	f.view(t, func(r *engine.ReadTx) {
		conflicts, err := f.store.GetConflicts(r, "users/1")
		require.NoError(t, err)
		assert.Empty(t, conflicts)

		doc, err := f.store.Get(r, "users/1")
		require.NoError(t, err)
		assert.True(t, doc.Flags.Contain(model.FlagResolved))
		assert.JSONEq(t, `{"v":"final"}`, string(doc.Data))
	})
}

func TestResolveToLatest(t *testing.T) {
	f := newFixture(t, &Config{})
	f.putLocal(t, "users/1", `{"v":"local"}`, t0)
	f.apply(t, remote("users/1", `{"v":"remote"}`, "B:7-db-b", t0.Add(time.Minute)))

	var res *ResolveResult
	f.write(t, func(tx *engine.WriteTx) error {
		var err error
		res, err = f.resolver.ResolveToLatest(tx, "users/1", t0.Add(time.Hour))
		return err
	})
	require.True(t, res.Resolved)
	assert.Equal(t, "B:7-db-b", res.WinnerChangeVector)
	assert.Equal(t, 1, res.Losers)

	cv, err := changevector.Parse(res.ChangeVector)
	require.NoError(t, err)
	assert.Equal(t, changevector.Greater, changevector.Compare(cv, changevector.MustParse("A:1-db-a")))
	assert.Equal(t, changevector.Greater, changevector.Compare(cv, changevector.MustParse("B:7-db-b")))

	f.view(t, func(r *engine.ReadTx) {
		doc, err := f.store.Get(r, "users/1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":"remote"}`, string(doc.Data))
		assert.True(t, doc.Flags.Contain(model.FlagResolved))

		conflicts, err := f.store.GetConflicts(r, "users/1")
		require.NoError(t, err)
		assert.Empty(t, conflicts)
	})
}

func TestResolveToLatest_DeletedWinnerLeavesTombstone(t *testing.T) {
	f := newFixture(t, &Config{})
	f.putLocal(t, "users/1", `{"v":"local"}`, t0)
	in := remote("users/1", "", "B:7-db-b", t0.Add(time.Minute))
	in.Deleted = true
	assert.Equal(t, OutcomeConflicted, f.apply(t, in).Outcome)

	f.write(t, func(tx *engine.WriteTx) error {
		res, err := f.resolver.ResolveToLatest(tx, "users/1", t0.Add(time.Hour))
		require.NotNil(t, res)
		assert.True(t, res.Deleted)
		return err
	})

	f.view(t, func(r *engine.ReadTx) {
		dt, err := f.store.GetDocumentOrTombstone(r, "users/1")
		require.NoError(t, err)
		assert.Nil(t, dt.Document)
		require.NotNil(t, dt.Tombstone)
		assert.True(t, dt.Tombstone.Flags.Contain(model.FlagResolved))
	})
}

func TestResolveToLatest_NoConflicts(t *testing.T) {
	f := newFixture(t, &Config{})
	f.write(t, func(tx *engine.WriteTx) error {
		res, err := f.resolver.ResolveToLatest(tx, "users/1", t0)
		assert.False(t, res.Resolved)
		return err
	})
}

func TestLatest_TieBreaksOnChangeVector(t *testing.T) {
	conflicts := []model.Conflict{
		{ChangeVector: "A:1-db-a", LastModified: t0},
		{ChangeVector: "B:1-db-b", LastModified: t0},
	}
	assert.Equal(t, "B:1-db-b", latest(conflicts).ChangeVector)
}

func TestAutoResolve_ResolveToLatest(t *testing.T) {
	f := newFixture(t, &Config{ResolveToLatest: true})
	f.putLocal(t, "users/1", `{"v":"local"}`, t0.Add(time.Hour))

	res := f.apply(t, remote("users/1", `{"v":"remote"}`, "B:7-db-b", t0))
	assert.Equal(t, OutcomeResolved, res.Outcome)

	f.view(t, func(r *engine.ReadTx) {
		doc, err := f.store.Get(r, "users/1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":"local"}`, string(doc.Data))
	})
}

type mockScript struct {
	mock.Mock
}

func (m *mockScript) Resolve(id string, conflicts []model.Conflict) (*Resolution, error) {
	args := m.Called(id, conflicts)
	res, _ := args.Get(0).(*Resolution)
	return res, args.Error(1)
}

func TestAutoResolve_Script(t *testing.T) {
	f := newFixture(t, &Config{ResolveToLatest: true})
	script := new(mockScript)
	script.On("Resolve", "users/1", mock.AnythingOfType("[]model.Conflict")).
		Return(&Resolution{Data: json.RawMessage(`{"v":"scripted"}`)}, nil).Once()
	f.resolver.RegisterScript("users", script)

	f.putLocal(t, "users/1", `{"v":"local"}`, t0)
	res := f.apply(t, remote("users/1", `{"v":"remote"}`, "B:7-db-b", t0))
	assert.Equal(t, OutcomeResolved, res.Outcome)
	script.AssertExpectations(t)

	f.view(t, func(r *engine.ReadTx) {
		doc, err := f.store.Get(r, "users/1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":"scripted"}`, string(doc.Data))
	})
}

func TestAutoResolve_ScriptDeclines(t *testing.T) {
	f := newFixture(t, &Config{})
	script := new(mockScript)
	script.On("Resolve", "users/1", mock.Anything).Return(nil, nil).Once()
	f.resolver.RegisterScript("Users", script)

	f.putLocal(t, "users/1", `{"v":"local"}`, t0)
	res := f.apply(t, remote("users/1", `{"v":"remote"}`, "B:7-db-b", t0))
	assert.Equal(t, OutcomeConflicted, res.Outcome)
	script.AssertExpectations(t)
}

func TestApplyIncoming_ConcurrentNeverSilentlyWins(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t, &Config{})
		localEdits := rapid.IntRange(1, 4).Draw(rt, "localEdits")
		for i := 0; i < localEdits; i++ {
			f.putLocal(t, "users/1", fmt.Sprintf(`{"local":%d}`, i), t0)
		}
		remoteEtag := rapid.Int64Range(1, 100).Draw(rt, "remoteEtag")
		seen := rapid.Int64Range(0, int64(localEdits)-1).Draw(rt, "seenLocalEtag")

		cv := fmt.Sprintf("B:%d-db-b", remoteEtag)
		if seen > 0 {
			cv = fmt.Sprintf("A:%d-db-a, %s", seen, cv)
		}

		res := f.apply(t, remote("users/1", `{"remote":true}`, cv, t0))
		if res.Outcome != OutcomeConflicted {
			rt.Fatalf("concurrent version %s produced %s", cv, res.Outcome)
		}
	})
}
