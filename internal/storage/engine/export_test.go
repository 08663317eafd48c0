package engine

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

func errTooBigForTest() error {
	return fmt.Errorf("set: %w", badger.ErrTxnTooBig)
}
