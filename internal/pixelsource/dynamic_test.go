package pixelsource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type pyramid struct {
	src     *DynamicPixelSource
	sched   *manualScheduler
	high    *MemoryArray[uint32]
	low     *MemoryArray[uint32]
	evicted [][]TileCoord
}

func newPyramid(t *testing.T) *pyramid {
	t.Helper()
	p := &pyramid{sched: &manualScheduler{}}
	p.high = mustMemory(t, ramp[uint32](512, 512), []int{512, 512}, []int{256, 256}, Uint32)
	p.low = mustMemory(t, ramp[uint32](128, 128), []int{128, 128}, []int{128, 128}, Uint32)
	src, err := NewDynamic([]Array{p.high, p.low}, DynamicOptions{
		Options: Options{Scheduler: p.sched},
		OnEvict: func(c []TileCoord) { p.evicted = append(p.evicted, c) },
	})
	if err != nil {
		t.Fatalf("NewDynamic: %v", err)
	}
	t.Cleanup(src.Dispose)
	p.src = src
	return p
}

func (p *pyramid) tile(t *testing.T, x, y int) []uint32 {
	t.Helper()
	f := p.src.GetTile(context.Background(), TileRequest{X: x, Y: y})
	p.sched.Tick()
	data := waitFuture(t, f)
	if data.Width != 256 || data.Height != 256 {
		t.Fatalf("tile %d,%d: unexpected geometry %dx%d", x, y, data.Width, data.Height)
	}
	return data.Data.([]uint32)
}

func TestDynamicDefaults(t *testing.T) {
	p := newPyramid(t)
	want := Frame{Center: [2]float64{0, 0}, Size: [2]float64{100, 100}}
	if got := p.src.Frame(); got != want {
		t.Fatalf("expected default frame %+v, got %+v", want, got)
	}
	if diff := cmp.Diff([]time.Duration{DefaultCleanupInterval}, p.sched.liveTimers()); diff != "" {
		t.Fatalf("cleanup timer (-want +got):\n%s", diff)
	}
	if p.src.Levels() != 2 || p.src.TileSize() != 256 {
		t.Fatalf("unexpected levels=%d tileSize=%d", p.src.Levels(), p.src.TileSize())
	}
}

func TestDynamicServesFrameAtHighRes(t *testing.T) {
	p := newPyramid(t)

	hi := p.tile(t, 0, 0)
	if hi[1*256+3] != 515 {
		t.Fatalf("high-res pixel (1,3) = %d, want 515", hi[1*256+3])
	}

	lo := p.tile(t, 1, 1)
	// Level-1 pixels are 4x4 blocks of level 0; tile (1,1) starts at (64,64).
	if lo[0] != 64*128+64 {
		t.Fatalf("low-res pixel (0,0) = %d, want %d", lo[0], 64*128+64)
	}
	if lo[5*256+9] != 65*128+66 {
		t.Fatalf("low-res pixel (5,9) = %d, want %d", lo[5*256+9], 65*128+66)
	}
	if lo[3*256+3] != lo[0] {
		t.Fatalf("expected 4x4 nearest-neighbour blocks")
	}

	if p.high.Reads() != 1 || p.low.Reads() != 1 {
		t.Fatalf("expected one read per level, got high=%d low=%d", p.high.Reads(), p.low.Reads())
	}
	if diff := cmp.Diff([]TileCoord{{0, 0}}, p.src.HighResTiles()); diff != "" {
		t.Fatalf("tracked (-want +got):\n%s", diff)
	}
}

func TestDynamicUpdateFrameSweeps(t *testing.T) {
	p := newPyramid(t)
	p.src.UpdateFrame([2]float64{256, 256}, [2]float64{100, 100})
	for _, c := range []TileCoord{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		p.tile(t, c.X, c.Y)
	}
	if n := len(p.src.HighResTiles()); n != 4 {
		t.Fatalf("expected 4 tracked tiles, got %d", n)
	}

	p.src.UpdateFrame([2]float64{400, 400}, [2]float64{20, 20})
	if diff := cmp.Diff([]TileCoord{{1, 1}}, p.src.HighResTiles()); diff != "" {
		t.Fatalf("tracked (-want +got):\n%s", diff)
	}
	want := [][]TileCoord{{{0, 0}, {1, 0}, {0, 1}}}
	if diff := cmp.Diff(want, p.evicted); diff != "" {
		t.Fatalf("evicted (-want +got):\n%s", diff)
	}

	// Subsequent sweeps find nothing left to drop.
	p.sched.Fire()
	if len(p.evicted) != 1 {
		t.Fatalf("expected periodic sweep to be a no-op, got %v", p.evicted)
	}
}

// After any sweep the tracker holds exactly the tracked tiles that
// intersect the current frame.
func TestDynamicSweepConverges(t *testing.T) {
	p := newPyramid(t)
	p.src.UpdateFrame([2]float64{256, 256}, [2]float64{1024, 1024})
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			p.tile(t, x, y)
		}
	}

	frames := []Frame{
		{Center: [2]float64{100, 100}, Size: [2]float64{10, 10}},
		{Center: [2]float64{256, 0}, Size: [2]float64{0, 0}},
		{Center: [2]float64{-500, -500}, Size: [2]float64{10, 10}},
	}
	for _, f := range frames {
		before := p.src.HighResTiles()
		p.src.UpdateFrame(f.Center, f.Size)
		var want []TileCoord
		for _, c := range before {
			if IsHighRes(c.X, c.Y, f, 256) {
				want = append(want, c)
			}
		}
		if diff := cmp.Diff(want, p.src.HighResTiles(), cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("frame %+v (-want +got):\n%s", f, diff)
		}
	}
}

func TestDynamicClampsNegativeFrame(t *testing.T) {
	p := newPyramid(t)
	p.src.UpdateFrame([2]float64{10, 20}, [2]float64{-5, 3})
	want := Frame{Center: [2]float64{10, 20}, Size: [2]float64{0, 3}}
	if got := p.src.Frame(); got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestDynamicRasterUsesHighestResolution(t *testing.T) {
	p := newPyramid(t)
	p.src.UpdateFrame([2]float64{5000, 5000}, [2]float64{1, 1})
	f := p.src.GetRaster(context.Background(), Selection{})
	p.sched.Tick()
	data := waitFuture(t, f)
	if data.Width != 512 || data.Height != 512 {
		t.Fatalf("expected 512x512 raster, got %dx%d", data.Width, data.Height)
	}
	if p.low.Reads() != 0 {
		t.Fatalf("expected no low-res reads, got %d", p.low.Reads())
	}
}

func TestDynamicDispose(t *testing.T) {
	p := newPyramid(t)
	p.tile(t, 0, 0)

	p.src.Dispose()
	p.src.Dispose()

	if len(p.sched.liveTimers()) != 0 {
		t.Fatalf("expected cleanup timer to be stopped")
	}
	if n := len(p.src.HighResTiles()); n != 0 {
		t.Fatalf("expected empty tracker, got %d", n)
	}

	// Tiles still resolve but are no longer tracked.
	p.tile(t, 0, 0)
	if n := len(p.src.HighResTiles()); n != 0 {
		t.Fatalf("expected no tracking after dispose, got %d", n)
	}
}

func TestNewDynamicRequiresArrays(t *testing.T) {
	if _, err := NewDynamic(nil, DynamicOptions{}); !errors.Is(err, ErrNoArrays) {
		t.Fatalf("expected ErrNoArrays, got %v", err)
	}
}

func TestDynamicResolutionFixedAtEnqueue(t *testing.T) {
	p := newPyramid(t)

	f := p.src.GetTile(context.Background(), TileRequest{X: 0, Y: 0})
	// The frame leaves tile 0,0 before the batch flushes.
	p.src.UpdateFrame([2]float64{2000, 2000}, [2]float64{10, 10})
	p.sched.Tick()

	data := waitFuture(t, f)
	if data.Resolution != 0 {
		t.Fatalf("resolution = %d, want 0", data.Resolution)
	}
	if p.high.Reads() != 1 || p.low.Reads() != 0 {
		t.Fatalf("reads high=%d low=%d, want 1 and 0", p.high.Reads(), p.low.Reads())
	}
	if got := data.Data.([]uint32)[1*256+3]; got != 515 {
		t.Fatalf("pixel (1,3) = %d, want the high-res value 515", got)
	}
}
