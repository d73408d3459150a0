package queue

import (
	"context"
	"sync"

	"github.com/vitalog/datalayer/pkg/errors"
)

// Future is the eventual outcome of a submitted operation. It settles exactly once.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value interface{}
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// settle records the outcome. Later calls are ignored.
func (f *Future) settle(value interface{}, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done. Abandoning the wait
// does not cancel the queued operation.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, errors.NewError(errors.ErrCodeOperationCanceled, "stopped waiting for queued operation").
			WithComponent("queue").WithCause(ctx.Err())
	}
}

// Result blocks until the future settles.
func (f *Future) Result() (interface{}, error) {
	<-f.done
	return f.value, f.err
}

// Enqueue submits a typed operation and waits for its result.
func Enqueue[T any](ctx context.Context, q *Queue, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T
	f := q.Submit(ctx, func(ctx context.Context) (interface{}, error) {
		return op(ctx)
	}, opts)

	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Newf(errors.ErrCodeInternalError, "queued operation returned %T", v).
			WithComponent("queue")
	}
	return t, nil
}
