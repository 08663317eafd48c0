package txmerger

import (
	"context"
	"fmt"
	"sync"

	storeerrors "github.com/devrev/pairdb/document-node/internal/errors"
)

// Future delivers the result of one merged command after its batch commits
type Future struct {
	done   chan struct{}
	once   sync.Once
	result interface{}
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Failed returns a future already completed with err
func Failed(err error) *Future {
	f := newFuture()
	f.complete(nil, err)
	return f
}

func (f *Future) complete(result interface{}, err error) {
	f.once.Do(func() {
		f.result, f.err = result, err
		close(f.done)
	})
}

// Done is closed once the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the command completes or ctx ends. A cancelled wait does
// not cancel the command; it may still commit.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, storeerrors.OperationCancelled("wait for merged command", ctx.Err())
	}
}

// Await waits for f and asserts its result type
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var zero T
	res, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	typed, ok := res.(T)
	if !ok {
		return zero, storeerrors.InternalError(fmt.Sprintf("unexpected command result %T", res), nil)
	}
	return typed, nil
}
