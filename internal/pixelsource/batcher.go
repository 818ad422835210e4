package pixelsource

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// pendingRequest lives from enqueue until its batch is flushed.
type pendingRequest struct {
	array      Array
	resolution int
	tile       *TileCoord // nil for raster reads
	selection  []Slice
	ctx        context.Context
	finish     func(*Slab) (*PixelData, error)
	future     *Future
}

func (r *pendingRequest) describe() string {
	if r.tile == nil {
		return fmt.Sprintf("resolution=%d raster", r.resolution)
	}
	return fmt.Sprintf("resolution=%d tile=%d,%d", r.resolution, r.tile.X, r.tile.Y)
}

type batch struct {
	ctx      context.Context
	cancel   context.CancelFunc
	requests []*pendingRequest
	inflight int
}

// batchState is the Batcher's state machine: Accumulating while current is
// non-nil, Idle otherwise. flushed is the most recently flushed batch and
// may still have reads in flight.
type batchState struct {
	current *batch
	flushed *batch
	flushes int
}

// Batcher coalesces requests issued within one scheduling tick into a
// single batch and reads them concurrently when the tick fires.
type Batcher struct {
	sched Scheduler

	mu    sync.Mutex
	state batchState
}

// NewBatcher returns an idle batcher flushing on sched's frame ticks.
func NewBatcher(sched Scheduler) *Batcher {
	return &Batcher{sched: sched}
}

// Flushes returns the number of batches flushed so far.
func (bt *Batcher) Flushes() int {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.state.flushes
}

// Accumulating reports whether a batch is waiting for its flush tick.
func (bt *Batcher) Accumulating() bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.state.current != nil
}

func (bt *Batcher) enqueue(req *pendingRequest) *Future {
	req.future = newFuture()

	bt.mu.Lock()
	start := bt.state.current == nil
	if start {
		if prev := bt.state.flushed; prev != nil && prev.inflight > 0 {
			prev.cancel()
		}
		ctx, cancel := context.WithCancel(context.Background())
		bt.state.current = &batch{ctx: ctx, cancel: cancel}
	}
	bt.state.current.requests = append(bt.state.current.requests, req)
	bt.mu.Unlock()

	if start {
		bt.sched.AfterFrame(bt.flush)
	}
	return req.future
}

func (bt *Batcher) flush() {
	bt.mu.Lock()
	b := bt.state.current
	if b == nil {
		bt.mu.Unlock()
		return
	}
	bt.state.current = nil
	bt.state.flushed = b
	bt.state.flushes++
	b.inflight = len(b.requests)
	bt.mu.Unlock()

	for _, req := range b.requests {
		go bt.run(b, req)
	}
}

func (bt *Batcher) readDone(b *batch) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	b.inflight--
	if b.inflight == 0 {
		// Releases the context; nothing is listening any more.
		b.cancel()
	}
}

func (bt *Batcher) run(b *batch, req *pendingRequest) {
	defer bt.readDone(b)

	ctx := b.ctx
	if req.ctx != nil {
		merged, cancel := context.WithCancel(b.ctx)
		defer cancel()
		stop := context.AfterFunc(req.ctx, cancel)
		defer stop()
		ctx = merged
	}

	if req.array == nil {
		err := fmt.Errorf("pixelsource: no array for %s", req.describe())
		log.Printf("[pixelsource] %v", err)
		req.future.reject(err)
		return
	}

	// AfterFunc fires asynchronously, so the caller's context is checked
	// directly as well.
	dropped := func() bool {
		return ctx.Err() != nil || (req.ctx != nil && req.ctx.Err() != nil)
	}

	slab, err := req.array.Read(ctx, req.selection)
	if dropped() || isCancellation(err) {
		req.future.drop()
		return
	}
	if err != nil {
		log.Printf("[pixelsource] read failed (%s): %v", req.describe(), err)
		req.future.reject(fmt.Errorf("read %s: %w", req.describe(), err))
		return
	}

	data, err := req.finish(slab)
	if dropped() {
		req.future.drop()
		return
	}
	if err != nil {
		log.Printf("[pixelsource] post-processing failed (%s): %v", req.describe(), err)
		req.future.reject(err)
		return
	}
	req.future.resolve(data)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
