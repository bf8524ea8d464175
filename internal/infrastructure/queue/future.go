package queue

import (
	"context"
	"sync"
)

// Future is the in-process handle for an enqueued request. It resolves when
// a worker in this process finishes the request. Callers in other processes,
// or callers that outlive this process, poll the stored result record
// instead.
type Future struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result *Result
	err    error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// complete resolves the future exactly once; later calls are ignored.
func (f *Future) complete(result *Result, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// ID returns the request id this future tracks.
func (f *Future) ID() string { return f.id }

// Done returns a channel closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the request finishes or ctx is done. A request that
// failed processing returns its Result alongside the typed error.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
