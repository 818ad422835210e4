package service

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/histoview/server/internal/cache"
	"github.com/histoview/server/internal/config"
	"github.com/histoview/server/internal/pixelsource"
)

// newPyramid returns a 128x128 uint16 ramp and its 2x downsample, both
// chunked 64x64.
func newPyramid(t *testing.T) (*pixelsource.MemoryArray[uint16], *pixelsource.MemoryArray[uint16]) {
	t.Helper()
	hi := make([]uint16, 128*128)
	for i := range hi {
		hi[i] = uint16(i)
	}
	lo := make([]uint16, 64*64)
	for r := 0; r < 64; r++ {
		for c := 0; c < 64; c++ {
			lo[r*64+c] = hi[(2*r)*128+2*c]
		}
	}
	a0, err := pixelsource.NewMemoryArray(hi, []int{128, 128}, []int{64, 64}, pixelsource.Uint16)
	if err != nil {
		t.Fatalf("NewMemoryArray: %v", err)
	}
	a1, err := pixelsource.NewMemoryArray(lo, []int{64, 64}, []int{64, 64}, pixelsource.Uint16)
	if err != nil {
		t.Fatalf("NewMemoryArray: %v", err)
	}
	return a0, a1
}

func newTestService(t *testing.T, levels ...pixelsource.Array) *TileService {
	t.Helper()
	cm, err := cache.NewManager(cache.Config{ChunkCacheSizeMB: 8, TileCacheEntries: 16})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { cm.Close() })

	svc, err := NewTileService(TileServiceConfig{
		Dataset:         &Dataset{ID: "test", Name: "Test", Source: "memory", Levels: levels},
		Cache:           cm,
		FrameInterval:   time.Millisecond,
		CleanupInterval: time.Hour,
		WaitTimeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewTileService: %v", err)
	}
	return svc
}

func TestMetadata(t *testing.T) {
	a0, a1 := newPyramid(t)
	svc := newTestService(t, a0, a1)

	md := svc.Metadata()
	if md.TileSize != 64 || md.DType != pixelsource.OutUint16 {
		t.Fatalf("unexpected metadata: %+v", md)
	}
	if diff := cmp.Diff(pixelsource.Labels{"y", "x"}, md.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	want := []LevelInfo{
		{Level: 0, Shape: []int{128, 128}, Chunks: []int{64, 64}, DType: pixelsource.Uint16, Tiles: [2]int{2, 2}},
		{Level: 1, Shape: []int{64, 64}, Chunks: []int{64, 64}, DType: pixelsource.Uint16, Tiles: [2]int{1, 1}},
	}
	if diff := cmp.Diff(want, md.Levels); diff != "" {
		t.Errorf("levels mismatch (-want +got):\n%s", diff)
	}
}

func TestGetTileBinAndPNGCache(t *testing.T) {
	a0, a1 := newPyramid(t)
	svc := newTestService(t, a0, a1)
	ctx := context.Background()

	bin, err := svc.GetTile(ctx, 0, 1, 1, pixelsource.Selection{}, FormatBin, RenderParams{})
	if err != nil {
		t.Fatalf("GetTile bin: %v", err)
	}
	if len(bin.Body) != 64*64*2 {
		t.Fatalf("bin length = %d", len(bin.Body))
	}
	if got := binary.LittleEndian.Uint16(bin.Body); got != 64*128+64 {
		t.Fatalf("first pixel = %d, want %d", got, 64*128+64)
	}

	params := RenderParams{Colormap: "gray", Min: 0, Max: 16384}
	first, err := svc.GetTile(ctx, 1, 0, 0, pixelsource.Selection{}, FormatPNG, params)
	if err != nil {
		t.Fatalf("GetTile png: %v", err)
	}
	if first.CacheHit {
		t.Fatalf("first PNG should not be a cache hit")
	}
	reads := a1.Reads()
	second, err := svc.GetTile(ctx, 1, 0, 0, pixelsource.Selection{}, FormatPNG, params)
	if err != nil {
		t.Fatalf("GetTile png: %v", err)
	}
	if !second.CacheHit || a1.Reads() != reads {
		t.Fatalf("second PNG should come from cache (hit=%v reads=%d->%d)", second.CacheHit, reads, a1.Reads())
	}
	if diff := cmp.Diff(first.Body, second.Body); diff != "" {
		t.Fatalf("cached body differs")
	}

	other, err := svc.GetTile(ctx, 1, 0, 0, pixelsource.Selection{}, FormatPNG, RenderParams{Colormap: "viridis"})
	if err != nil {
		t.Fatalf("GetTile png: %v", err)
	}
	if other.CacheHit {
		t.Fatalf("different render params must not share a cache entry")
	}
}

func TestGetTileErrors(t *testing.T) {
	a0, a1 := newPyramid(t)
	svc := newTestService(t, a0, a1)
	ctx := context.Background()

	cases := []struct {
		name        string
		level, x, y int
		format      string
		want        error
	}{
		{"bad level", 2, 0, 0, FormatPNG, ErrInvalidLevel},
		{"negative", 0, -1, 0, FormatPNG, ErrOutOfRange},
		{"past edge", 1, 1, 0, FormatPNG, ErrOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.GetTile(ctx, tc.level, tc.x, tc.y, pixelsource.Selection{}, tc.format, RenderParams{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := svc.GetTile(ctx, 0, 0, 0, pixelsource.Selection{}, "jpg", RenderParams{}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestGetRaster(t *testing.T) {
	a0, a1 := newPyramid(t)
	svc := newTestService(t, a0, a1)

	pd, err := svc.GetRaster(context.Background(), 1, pixelsource.Selection{})
	if err != nil {
		t.Fatalf("GetRaster: %v", err)
	}
	if pd.Width != 64 || pd.Height != 64 {
		t.Fatalf("raster %dx%d", pd.Width, pd.Height)
	}
	if got := pd.Data.([]uint16)[1]; got != 2 {
		t.Fatalf("pixel 1 = %d, want 2", got)
	}
	if _, err := svc.GetRaster(context.Background(), 5, pixelsource.Selection{}); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("err = %v", err)
	}
}

func TestDynamicTiles(t *testing.T) {
	a0, a1 := newPyramid(t)
	svc := newTestService(t, a0, a1)
	ctx := context.Background()

	src, err := svc.NewDynamicSource(&pixelsource.Frame{Center: [2]float64{32, 32}, Size: [2]float64{10, 10}}, nil)
	if err != nil {
		t.Fatalf("NewDynamicSource: %v", err)
	}
	defer src.Dispose()

	high, err := svc.GetDynamicTile(ctx, src, 0, 0, pixelsource.Selection{}, FormatBin, RenderParams{})
	if err != nil {
		t.Fatalf("GetDynamicTile: %v", err)
	}
	if !high.HighRes {
		t.Fatalf("tile 0,0 should be high resolution")
	}
	if got := high.Data.Data.([]uint16)[1]; got != 1 {
		t.Fatalf("high-res pixel 1 = %d, want 1", got)
	}

	low, err := svc.GetDynamicTile(ctx, src, 1, 1, pixelsource.Selection{}, FormatPNG, RenderParams{Outline: true})
	if err != nil {
		t.Fatalf("GetDynamicTile: %v", err)
	}
	if low.HighRes {
		t.Fatalf("tile 1,1 should be low resolution")
	}
	// Upsampled from level 1: columns 64 and 65 map to the same sample.
	data := low.Data.Data.([]uint16)
	if data[0] != data[1] || data[0] != 64*128+64 {
		t.Fatalf("low-res pixels = %d, %d", data[0], data[1])
	}
	if diff := cmp.Diff([]pixelsource.TileCoord{{X: 0, Y: 0}}, src.HighResTiles()); diff != "" {
		t.Errorf("tracked tiles mismatch (-want +got):\n%s", diff)
	}
}

func TestDynamicTileReportsLevelRead(t *testing.T) {
	a0, a1 := newPyramid(t)
	svc := newTestService(t, a0, a1)

	src, err := svc.NewDynamicSource(&pixelsource.Frame{Center: [2]float64{32, 32}, Size: [2]float64{10, 10}}, nil)
	if err != nil {
		t.Fatalf("NewDynamicSource: %v", err)
	}
	defer src.Dispose()

	// Move the frame onto tile 1,1 while its low-res read is in flight.
	a1.OnRead = func(context.Context, []pixelsource.Slice) error {
		src.UpdateFrame([2]float64{96, 96}, [2]float64{10, 10})
		return nil
	}
	tile, err := svc.GetDynamicTile(context.Background(), src, 1, 1, pixelsource.Selection{}, FormatBin, RenderParams{})
	if err != nil {
		t.Fatalf("GetDynamicTile: %v", err)
	}
	if tile.HighRes || tile.Data.Resolution != 1 {
		t.Fatalf("got HighRes=%v resolution=%d, want the low-res read reported", tile.HighRes, tile.Data.Resolution)
	}
	if a0.Reads() != 0 {
		t.Fatalf("level 0 read %d times, want 0", a0.Reads())
	}
}

func TestStaticTilesConcurrentClients(t *testing.T) {
	a0, _ := newPyramid(t)
	a0.OnRead = func(ctx context.Context, _ []pixelsource.Slice) error {
		select {
		case <-time.After(30 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	svc := newTestService(t, a0)

	const clients = 20
	var wg sync.WaitGroup
	errs := make([]error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.GetTile(context.Background(), 0, i%2, i/2%2, pixelsource.Selection{}, FormatBin, RenderParams{})
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("client %d: %v", i, err)
		}
	}
}

func TestDefaultFrameCentred(t *testing.T) {
	a0, a1 := newPyramid(t)
	svc := newTestService(t, a0, a1)

	src, err := svc.NewDynamicSource(nil, nil)
	if err != nil {
		t.Fatalf("NewDynamicSource: %v", err)
	}
	defer src.Dispose()
	want := pixelsource.Frame{Center: [2]float64{64, 64}, Size: pixelsource.DefaultFrameSize}
	if diff := cmp.Diff(want, src.Frame()); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchTimesOut(t *testing.T) {
	a0, _ := newPyramid(t)
	a0.OnRead = func(ctx context.Context, _ []pixelsource.Slice) error {
		<-ctx.Done()
		return ctx.Err()
	}
	svc := newTestService(t, a0)
	svc.waitTimeout = 50 * time.Millisecond

	_, err := svc.GetTile(context.Background(), 0, 0, 0, pixelsource.Selection{}, FormatBin, RenderParams{})
	if !errors.Is(err, ErrTileUnavailable) {
		t.Fatalf("err = %v, want ErrTileUnavailable", err)
	}
}

func TestFetchCallerCancelled(t *testing.T) {
	a0, _ := newPyramid(t)
	svc := newTestService(t, a0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.GetTile(ctx, 0, 0, 0, pixelsource.Selection{}, FormatBin, RenderParams{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestOpenDatasetLocalZarr(t *testing.T) {
	dir := t.TempDir()
	zarray := `{"zarr_format":2,"shape":[4,4],"chunks":[4,4],"dtype":"<u2",
		"compressor":null,"fill_value":0,"order":"C","filters":null}`
	if err := os.WriteFile(filepath.Join(dir, ".zarray"), []byte(zarray), 0o644); err != nil {
		t.Fatal(err)
	}
	chunk := make([]byte, 32)
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint16(chunk[i*2:], uint16(i))
	}
	if err := os.WriteFile(filepath.Join(dir, "0.0"), chunk, 0o644); err != nil {
		t.Fatal(err)
	}

	ds, err := OpenDataset(context.Background(), "tiny", config.DatasetConfig{ZarrPath: dir}, nil, 2)
	if err != nil {
		t.Fatalf("OpenDataset: %v", err)
	}
	if ds.Name != "tiny" || ds.Source != "local" || len(ds.Levels) != 1 {
		t.Fatalf("unexpected dataset: %+v", ds)
	}
	if diff := cmp.Diff(pixelsource.Labels{"y", "x"}, ds.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}

	svc := newTestService(t, ds.Levels...)
	pd, err := svc.GetRaster(context.Background(), 0, pixelsource.Selection{})
	if err != nil {
		t.Fatalf("GetRaster: %v", err)
	}
	if diff := cmp.Diff([]uint16{0, 1, 2, 3}, pd.Data.([]uint16)[:4]); diff != "" {
		t.Errorf("raster mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenDatasetErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := OpenDataset(ctx, "missing", config.DatasetConfig{ZarrPath: filepath.Join(t.TempDir(), "nope")}, nil, 1); err == nil {
		t.Fatalf("expected error for missing directory")
	}
	if _, err := OpenDataset(ctx, "bad", config.DatasetConfig{ZarrPath: t.TempDir(), Labels: []string{"y", "y"}}, nil, 1); err == nil {
		t.Fatalf("expected error")
	}
}
