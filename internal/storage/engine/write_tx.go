package engine

import (
	"bytes"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/btree"

	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
)

const (
	overlayDegree = 16
	// maxKeySize mirrors badger's key length limit
	maxKeySize = 65000
)

// pendingWrite is a buffered mutation; deleted marks a removal
type pendingWrite struct {
	key     []byte
	value   []byte
	deleted bool
}

func lessWrite(a, b pendingWrite) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type layer struct {
	writes *btree.BTreeG[pendingWrite]
	bytes  int64
}

func newLayer() *layer {
	return &layer{writes: btree.NewG(overlayDegree, lessWrite)}
}

// WriteTx buffers the writes of one batch in ordered layers over a badger
// read-write transaction. Layers above the base belong to open savepoints.
// Nothing reaches badger until Commit.
type WriteTx struct {
	txn      *badger.Txn
	disk     DiskChecker
	maxValue int64
	layers   []*layer
	done     bool
}

func newWriteTx(txn *badger.Txn, disk DiskChecker, maxValue int64) *WriteTx {
	return &WriteTx{txn: txn, disk: disk, maxValue: maxValue, layers: []*layer{newLayer()}}
}

// Get reads through open savepoints, then committed state
func (w *WriteTx) Get(key []byte) ([]byte, bool, error) {
	probe := pendingWrite{key: key}
	for i := len(w.layers) - 1; i >= 0; i-- {
		if p, ok := w.layers[i].writes.Get(probe); ok {
			if p.deleted {
				return nil, false, nil
			}
			return bytes.Clone(p.value), true, nil
		}
	}
	return getCommitted(w.txn, key)
}

// Set buffers a write in the innermost savepoint. Keys and values the store
// would refuse at commit are rejected here so only the calling savepoint fails.
func (w *WriteTx) Set(key, value []byte) error {
	if w.done {
		return storeerrors.InternalError("write transaction already finished", nil)
	}
	if len(key) > maxKeySize {
		return storeerrors.PayloadTooLarge(len(key), maxKeySize)
	}
	if w.maxValue > 0 && int64(len(value)) > w.maxValue {
		return storeerrors.PayloadTooLarge(len(value), int(w.maxValue))
	}
	w.put(pendingWrite{key: bytes.Clone(key), value: bytes.Clone(value)})
	return nil
}

// Delete buffers a removal in the innermost savepoint
func (w *WriteTx) Delete(key []byte) error {
	if w.done {
		return storeerrors.InternalError("write transaction already finished", nil)
	}
	w.put(pendingWrite{key: bytes.Clone(key), deleted: true})
	return nil
}

func (w *WriteTx) put(p pendingWrite) {
	top := w.layers[len(w.layers)-1]
	top.writes.ReplaceOrInsert(p)
	top.bytes += int64(len(p.key) + len(p.value))
}

// Scan merges committed keys under prefix with the buffered writes. fn may
// read or write the transaction while scanning.
func (w *WriteTx) Scan(prefix []byte, opts ScanOptions, fn func(key, value []byte) bool) error {
	merged := btree.NewG(overlayDegree, lessWrite)

	err := scanCommitted(w.txn, prefix, false, func(key, value []byte) bool {
		merged.ReplaceOrInsert(pendingWrite{key: key, value: value})
		return true
	})
	if err != nil {
		return err
	}

	for _, l := range w.layers {
		l.writes.AscendGreaterOrEqual(pendingWrite{key: prefix}, func(p pendingWrite) bool {
			if !bytes.HasPrefix(p.key, prefix) {
				return false
			}
			merged.ReplaceOrInsert(p)
			return true
		})
	}

	visit := func(p pendingWrite) bool {
		if p.deleted {
			return true
		}
		return fn(bytes.Clone(p.key), bytes.Clone(p.value))
	}
	if opts.Reverse {
		merged.Descend(visit)
	} else {
		merged.Ascend(visit)
	}
	return nil
}

// Size estimates the bytes pending in the transaction
func (w *WriteTx) Size() int64 {
	var total int64
	for _, l := range w.layers {
		total += l.bytes
	}
	return total
}

// Savepoint opens a nested scope whose writes can be dropped on their own
func (w *WriteTx) Savepoint() *Savepoint {
	w.layers = append(w.layers, newLayer())
	return &Savepoint{tx: w, depth: len(w.layers) - 1}
}

// Commit flushes the buffered writes to badger and commits
func (w *WriteTx) Commit() error {
	if w.done {
		return storeerrors.InternalError("write transaction already finished", nil)
	}
	w.done = true
	defer w.txn.Discard()

	size := w.Size()
	if w.disk != nil {
		if err := w.disk.CheckBeforeWrite(uint64(size)); err != nil {
			return err
		}
	}

	flat := w.layers[0].writes
	for _, l := range w.layers[1:] {
		l.writes.Ascend(func(p pendingWrite) bool {
			flat.ReplaceOrInsert(p)
			return true
		})
	}

	var applyErr error
	flat.Ascend(func(p pendingWrite) bool {
		if p.deleted {
			applyErr = w.txn.Delete(p.key)
		} else {
			applyErr = w.txn.Set(p.key, p.value)
		}
		return applyErr == nil
	})
	if applyErr != nil {
		return commitError(size, applyErr)
	}

	if err := w.txn.Commit(); err != nil {
		return commitError(size, err)
	}
	return nil
}

// Discard abandons every buffered write. It is a no-op after Commit.
func (w *WriteTx) Discard() {
	if w.done {
		return
	}
	w.done = true
	w.txn.Discard()
}

func commitError(size int64, err error) error {
	if errors.Is(err, badger.ErrTxnTooBig) {
		return storeerrors.TransactionTooBig(size, err)
	}
	return storeerrors.StorageEngine("failed to commit write transaction", err)
}

// Savepoint scopes the writes of one command inside a batch
type Savepoint struct {
	tx    *WriteTx
	depth int
	done  bool
}

// Rollback drops every write made since the savepoint opened
func (s *Savepoint) Rollback() {
	if s.done {
		return
	}
	s.done = true
	if len(s.tx.layers) > s.depth {
		s.tx.layers = s.tx.layers[:s.depth]
	}
}

// Release folds the savepoint's writes into the enclosing scope
func (s *Savepoint) Release() {
	if s.done {
		return
	}
	s.done = true

	parent := s.tx.layers[s.depth-1]
	for _, l := range s.tx.layers[s.depth:] {
		l.writes.Ascend(func(p pendingWrite) bool {
			parent.writes.ReplaceOrInsert(p)
			return true
		})
		parent.bytes += l.bytes
	}
	s.tx.layers = s.tx.layers[:s.depth]
}
