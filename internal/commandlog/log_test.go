package commandlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/commands"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/metrics"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func openLog(t *testing.T, dir string, segmentSize int64) *Log {
	t.Helper()
	l, err := Open(&Config{Dir: dir, SegmentSize: segmentSize}, zap.NewNop(), metrics.NewMetrics("test", prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func put(id string) commands.Command {
	return &commands.PutDocument{
		Header: commands.Header{Now: t0},
		ID:     id,
		Data:   json.RawMessage(`{"name":"` + id + `"}`),
	}
}

func replayAll(t *testing.T, dir string, after int64) []*Entry {
	t.Helper()
	var out []*Entry
	require.NoError(t, Replay(context.Background(), dir, after, func(e *Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestRecordAndReplay(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)

	require.NoError(t, l.Record(1, []commands.Command{put("users/1"), put("users/2")}))
	ret := &commands.HiLoReturn{Header: commands.Header{Now: t0}, Key: "users", End: 200, Last: 150}
	require.NoError(t, l.Record(2, []commands.Command{ret}))
	assert.Equal(t, int64(3), l.LastSequence())

	entries := replayAll(t, dir, 0)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{entries[0].Sequence, entries[1].Sequence, entries[2].Sequence})
	assert.Equal(t, uint64(1), entries[1].Batch)
	assert.Equal(t, uint64(2), entries[2].Batch)
	assert.True(t, entries[0].Timestamp.Equal(t0))

	cmd, err := entries[2].Command()
	require.NoError(t, err)
	assert.Equal(t, ret, cmd)

	first, err := entries[0].Command()
	require.NoError(t, err)
	assert.Equal(t, "users/1", first.(*commands.PutDocument).ID)
}

func TestReplay_SkipsUpToSequence(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	for i := 1; i <= 5; i++ {
		require.NoError(t, l.Record(uint64(i), []commands.Command{put(fmt.Sprintf("users/%d", i))}))
	}

	entries := replayAll(t, dir, 3)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].Sequence)
}

func TestRecord_RotatesBySize(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 200)
	for i := 1; i <= 6; i++ {
		require.NoError(t, l.Record(uint64(i), []commands.Command{put(fmt.Sprintf("users/%d", i))}))
	}

	segments, err := listSegments(dir)
	require.NoError(t, err)
	assert.Greater(t, len(segments), 1)

	first, err := segmentFirstSequence(segments[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	entries := replayAll(t, dir, 0)
	require.Len(t, entries, 6)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestOpen_ContinuesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	require.NoError(t, l.Record(1, []commands.Command{put("users/1"), put("users/2")}))
	require.NoError(t, l.Close())

	reopened := openLog(t, dir, 0)
	assert.Equal(t, int64(2), reopened.LastSequence())
	require.NoError(t, reopened.Record(2, []commands.Command{put("users/3")}))

	entries := replayAll(t, dir, 0)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[2].Sequence)
}

func TestOpen_CutsTornTail(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	require.NoError(t, l.Record(1, []commands.Command{put("users/1")}))
	require.NoError(t, l.Close())

	segments, err := listSegments(dir)
	require.NoError(t, err)
	f, err := os.OpenFile(segments[0], os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"batch":2,"type":"PutDoc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Len(t, replayAll(t, dir, 0), 1, "a torn tail ends replay cleanly")

	reopened := openLog(t, dir, 0)
	assert.Equal(t, int64(1), reopened.LastSequence())
	require.NoError(t, reopened.Record(2, []commands.Command{put("users/2")}))
	assert.Len(t, replayAll(t, dir, 0), 2)
}

func TestReplay_DetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	require.NoError(t, l.Record(1, []commands.Command{put("users/1"), put("users/2")}))
	require.NoError(t, l.Close())

	segments, err := listSegments(dir)
	require.NoError(t, err)
	raw, err := os.ReadFile(segments[0])
	require.NoError(t, err)
	raw = bytes.Replace(raw, []byte(`users/1`), []byte(`users/9`), 1)
	require.NoError(t, os.WriteFile(segments[0], raw, 0644))

	err = Replay(context.Background(), dir, 0, func(*Entry) error { return nil })
	assert.Equal(t, storeerrors.ErrCodeCorruptedData, storeerrors.GetCode(err))

	_, err = Open(&Config{Dir: dir}, zap.NewNop(), nil)
	assert.Equal(t, storeerrors.ErrCodeCorruptedData, storeerrors.GetCode(err), "damage before the tail is not silently cut")
}

func TestReplay_Cancelled(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	require.NoError(t, l.Record(1, []commands.Command{put("users/1")}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Replay(ctx, dir, 0, func(*Entry) error { return nil })
	assert.Equal(t, storeerrors.ErrCodeOperationCancelled, storeerrors.GetCode(err))
}

func TestRecord_AfterClose(t *testing.T) {
	l := openLog(t, t.TempDir(), 0)
	require.NoError(t, l.Close())

	err := l.Record(1, []commands.Command{put("users/1")})
	assert.Equal(t, storeerrors.ErrCodeCommandLogFailed, storeerrors.GetCode(err))
}

func TestReplay_EmptyDir(t *testing.T) {
	assert.Empty(t, replayAll(t, filepath.Join(t.TempDir(), "missing"), 0))
}
