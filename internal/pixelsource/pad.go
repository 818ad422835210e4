package pixelsource

import (
	"fmt"

	"github.com/x448/float16"
)

// Number is any element type a slab can hold.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Pad returns data laid out as a tileSize x tileSize (x channels) buffer.
// Rows of the height x width input are copied to offset row*tileSize and the
// remainder is zero. Input that is already full size is returned as is.
func Pad[T Number](data []T, height, width, channels, tileSize int) []T {
	if channels < 1 {
		channels = 1
	}
	full := tileSize * tileSize * channels
	if len(data) == full {
		return data
	}
	out := make([]T, full)
	rowIn := width * channels
	rowOut := tileSize * channels
	n := min(rowIn, rowOut)
	for r := 0; r < min(height, tileSize); r++ {
		src := r * rowIn
		if src >= len(data) {
			break
		}
		copy(out[r*rowOut:r*rowOut+n], data[src:min(src+n, len(data))])
	}
	return out
}

// PadBuffer applies Pad to any supported typed slice.
func PadBuffer(data any, height, width, channels, tileSize int) (any, error) {
	switch v := data.(type) {
	case []uint8:
		return Pad(v, height, width, channels, tileSize), nil
	case []uint16:
		return Pad(v, height, width, channels, tileSize), nil
	case []uint32:
		return Pad(v, height, width, channels, tileSize), nil
	case []uint64:
		return Pad(v, height, width, channels, tileSize), nil
	case []int8:
		return Pad(v, height, width, channels, tileSize), nil
	case []int16:
		return Pad(v, height, width, channels, tileSize), nil
	case []int32:
		return Pad(v, height, width, channels, tileSize), nil
	case []int64:
		return Pad(v, height, width, channels, tileSize), nil
	case []float16.Float16:
		return Pad(v, height, width, channels, tileSize), nil
	case []float32:
		return Pad(v, height, width, channels, tileSize), nil
	case []float64:
		return Pad(v, height, width, channels, tileSize), nil
	}
	return nil, fmt.Errorf("pixelsource: cannot pad %T", data)
}

// Resample maps a srcH x srcW (x channels) image onto dstH x dstW with
// nearest-neighbour lookup. rowOf and colOf give the source row/column for
// each destination row/column; results are clamped into the source.
func Resample[T Number](data []T, srcH, srcW, channels, dstH, dstW int, rowOf, colOf func(int) int) []T {
	if channels < 1 {
		channels = 1
	}
	out := make([]T, dstH*dstW*channels)
	if srcH == 0 || srcW == 0 {
		return out
	}
	cols := make([]int, dstW)
	for c := range cols {
		cols[c] = max(0, min(colOf(c), srcW-1))
	}
	for r := 0; r < dstH; r++ {
		sr := max(0, min(rowOf(r), srcH-1))
		for c, sc := range cols {
			src := (sr*srcW + sc) * channels
			dst := (r*dstW + c) * channels
			copy(out[dst:dst+channels], data[src:src+channels])
		}
	}
	return out
}

// ResampleBuffer applies Resample to any supported typed slice.
func ResampleBuffer(data any, srcH, srcW, channels, dstH, dstW int, rowOf, colOf func(int) int) (any, error) {
	switch v := data.(type) {
	case []uint8:
		return Resample(v, srcH, srcW, channels, dstH, dstW, rowOf, colOf), nil
	case []uint16:
		return Resample(v, srcH, srcW, channels, dstH, dstW, rowOf, colOf), nil
	case []uint32:
		return Resample(v, srcH, srcW, channels, dstH, dstW, rowOf, colOf), nil
	case []uint64:
		return Resample(v, srcH, srcW, channels, dstH, dstW, rowOf, colOf), nil
	case []int8:
		return Resample(v, srcH, srcW, channels, dstH, dstW, rowOf, colOf), nil
	case []int16:
		return Resample(v, srcH, srcW, channels, dstH, dstW, rowOf, colOf), nil
	case []int32:
		return Resample(v, srcH, srcW, channels, dstH, dstW, rowOf, colOf), nil
	case []int64:
		return Resample(v, srcH, srcW, channels, dstH, dstW, rowOf, colOf), nil
	case []float16.Float16:
		return Resample(v, srcH, srcW, channels, dstH, dstW, rowOf, colOf), nil
	case []float32:
		return Resample(v, srcH, srcW, channels, dstH, dstW, rowOf, colOf), nil
	case []float64:
		return Resample(v, srcH, srcW, channels, dstH, dstW, rowOf, colOf), nil
	}
	return nil, fmt.Errorf("pixelsource: cannot resample %T", data)
}

// bufferLen returns the element count of a typed slice.
func bufferLen(data any) int {
	switch v := data.(type) {
	case []uint8:
		return len(v)
	case []uint16:
		return len(v)
	case []uint32:
		return len(v)
	case []uint64:
		return len(v)
	case []int8:
		return len(v)
	case []int16:
		return len(v)
	case []int32:
		return len(v)
	case []int64:
		return len(v)
	case []float16.Float16:
		return len(v)
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	}
	return 0
}
