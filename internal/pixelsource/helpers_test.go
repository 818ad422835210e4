package pixelsource

import (
	"context"
	"sync"
	"testing"
	"time"
)

// manualScheduler only ticks when the test says so.
type manualScheduler struct {
	mu     sync.Mutex
	frames []func()
	timers []*manualTimer
}

type manualTimer struct {
	every   time.Duration
	fn      func()
	stopped bool
}

func (s *manualScheduler) AfterFrame(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, fn)
	return func() {}
}

func (s *manualScheduler) Every(d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm := &manualTimer{every: d, fn: fn}
	s.timers = append(s.timers, tm)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		tm.stopped = true
	}
}

// Tick runs every callback queued for the next frame.
func (s *manualScheduler) Tick() {
	s.mu.Lock()
	frames := s.frames
	s.frames = nil
	s.mu.Unlock()
	for _, fn := range frames {
		fn()
	}
}

// Fire runs every live periodic timer once.
func (s *manualScheduler) Fire() {
	s.mu.Lock()
	var live []func()
	for _, tm := range s.timers {
		if !tm.stopped {
			live = append(live, tm.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range live {
		fn()
	}
}

func (s *manualScheduler) liveTimers() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, tm := range s.timers {
		if !tm.stopped {
			out = append(out, tm.every)
		}
	}
	return out
}

func waitFuture(t *testing.T, f *Future) *PixelData {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return data
}

func expectPending(t *testing.T, f *Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected future to stay pending, got err=%v", err)
	}
}

func expectDropped(t *testing.T, f *Future) {
	t.Helper()
	select {
	case <-f.Dropped():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected future to be dropped")
	}
	expectPending(t, f)
}

// ramp returns h*w values where element (r, c) is r*w + c.
func ramp[T Number](h, w int) []T {
	out := make([]T, h*w)
	for i := range out {
		out[i] = T(i)
	}
	return out
}

func mustMemory[T Number](t *testing.T, data []T, shape, chunks []int, dt DType) *MemoryArray[T] {
	t.Helper()
	arr, err := NewMemoryArray(data, shape, chunks, dt)
	if err != nil {
		t.Fatalf("NewMemoryArray: %v", err)
	}
	return arr
}
