package pixelsource

import (
	"context"
	"sync"
)

// Future is the pending result of a tile or raster request. It settles at
// most once. A request dropped by cancellation never settles; callers bound
// their wait with the ctx passed to Wait, or watch Dropped to re-issue.
type Future struct {
	once     sync.Once
	done     chan struct{}
	dropOnce sync.Once
	dropped  chan struct{}
	data     *PixelData
	err      error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{}), dropped: make(chan struct{})}
}

// Done is closed when the future is resolved or rejected.
func (f *Future) Done() <-chan struct{} { return f.done }

// Dropped is closed when the request was abandoned because its batch was
// superseded or its caller cancelled. Done will then never close.
func (f *Future) Dropped() <-chan struct{} { return f.dropped }

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (*PixelData, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the future has been resolved or rejected.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value. It must only be called once Settled
// reports true or Done is closed.
func (f *Future) Result() (*PixelData, error) {
	return f.data, f.err
}

func (f *Future) resolve(d *PixelData) {
	f.once.Do(func() {
		f.data = d
		close(f.done)
	})
}

func (f *Future) drop() {
	f.dropOnce.Do(func() { close(f.dropped) })
}

func (f *Future) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}
