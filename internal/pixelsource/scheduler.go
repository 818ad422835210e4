package pixelsource

import (
	"sync"
	"time"
)

// Scheduler supplies the two triggers the sources run on: a per-frame tick
// that flushes request batches and a fixed-period timer for cache sweeps.
type Scheduler interface {
	// AfterFrame runs fn once on the next rendering tick.
	AfterFrame(fn func()) (cancel func())
	// Every runs fn every d until stop is called.
	Every(d time.Duration, fn func()) (stop func())
}

// FrameScheduler is a timer-backed Scheduler whose ticks are frameInterval
// apart.
type FrameScheduler struct {
	frameInterval time.Duration
}

// NewFrameScheduler returns a scheduler ticking every frameInterval
// (16ms, roughly one display frame, when zero).
func NewFrameScheduler(frameInterval time.Duration) *FrameScheduler {
	if frameInterval <= 0 {
		frameInterval = 16 * time.Millisecond
	}
	return &FrameScheduler{frameInterval: frameInterval}
}

// AfterFrame implements Scheduler.
func (s *FrameScheduler) AfterFrame(fn func()) func() {
	t := time.AfterFunc(s.frameInterval, fn)
	return func() { t.Stop() }
}

// Every implements Scheduler.
func (s *FrameScheduler) Every(d time.Duration, fn func()) func() {
	ticker := time.NewTicker(d)
	stopCh := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}
