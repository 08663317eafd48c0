package engine

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
)

// ReadTx is a snapshot of the last committed state
type ReadTx struct {
	txn *badger.Txn
}

// Get returns a copy of the value stored under key
func (r *ReadTx) Get(key []byte) ([]byte, bool, error) {
	return getCommitted(r.txn, key)
}

// Scan visits every key with the given prefix until fn returns false
func (r *ReadTx) Scan(prefix []byte, opts ScanOptions, fn func(key, value []byte) bool) error {
	return scanCommitted(r.txn, prefix, opts.Reverse, fn)
}

func getCommitted(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeerrors.StorageEngine("failed to read key", err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, storeerrors.StorageEngine("failed to copy value", err)
	}
	return value, true, nil
}

func scanCommitted(txn *badger.Txn, prefix []byte, reverse bool, fn func(key, value []byte) bool) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(append(make([]byte, 0, len(prefix)+1), prefix...), 0xFF)
	}

	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return storeerrors.StorageEngine("failed to copy value", err)
		}
		if !fn(item.KeyCopy(nil), value) {
			return nil
		}
	}
	return nil
}
