package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/commandlog"
	"github.com/devrev/pairdb/document-node/internal/commands"
	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
	"github.com/devrev/pairdb/document-node/internal/txmerger"
)

// ReplayResult summarizes a replay
type ReplayResult struct {
	Applied      int   `json:"applied"`
	Failed       int   `json:"failed"`
	LastSequence int64 `json:"last_sequence"`
}

// Replay re-executes the commands recorded in dir after sequence `after`.
// Commands of one recorded batch are enqueued together and awaited before the
// next batch, so the original commit order is kept. Each command carries its
// recorded time. A command that fails is logged and counted; storage level
// failures stop the replay.
func (db *Database) Replay(ctx context.Context, dir string, after int64) (*ReplayResult, error) {
	res := &ReplayResult{LastSequence: after}

	type inflight struct {
		seq    int64
		cmd    commands.Command
		future *txmerger.Future
	}
	var batch []inflight
	var batchID uint64

	flush := func() error {
		for _, p := range batch {
			_, err := p.future.Wait(ctx)
			switch {
			case err == nil:
				res.Applied++
			case storeerrors.IsBatchFatal(err),
				storeerrors.Is(err, storeerrors.ErrCodeUnavailable),
				storeerrors.Is(err, storeerrors.ErrCodeOperationCancelled):
				return fmt.Errorf("replay stopped at sequence %d: %w", p.seq, err)
			default:
				res.Failed++
				db.logger.Warn("Replayed command failed",
					zap.Int64("sequence", p.seq),
					zap.String("type", string(p.cmd.CommandType())),
					zap.Error(err))
			}
			res.LastSequence = p.seq
		}
		batch = batch[:0]
		return nil
	}

	err := commandlog.Replay(ctx, dir, after, func(e *commandlog.Entry) error {
		if len(batch) > 0 && e.Batch != batchID {
			if err := flush(); err != nil {
				return err
			}
		}
		cmd, err := e.Command()
		if err != nil {
			return storeerrors.CorruptedData(fmt.Sprintf("command log entry %d cannot be decoded", e.Sequence), err)
		}
		batchID = e.Batch
		batch = append(batch, inflight{seq: e.Sequence, cmd: cmd, future: db.Enqueue(cmd)})
		return nil
	})
	if err != nil {
		return res, err
	}
	if err := flush(); err != nil {
		return res, err
	}

	db.logger.Info("Command log replayed",
		zap.String("dir", dir),
		zap.Int("applied", res.Applied),
		zap.Int("failed", res.Failed),
		zap.Int64("last_sequence", res.LastSequence))
	return res, nil
}
