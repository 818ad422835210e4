package zarr

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/histoview/server/internal/pixelsource"
)

// decodeElements converts raw element bytes into the typed slice for dt.
func decodeElements(raw []byte, dt pixelsource.DType, order binary.ByteOrder) (any, error) {
	es := dt.Size()
	if es == 0 || len(raw)%es != 0 {
		return nil, fmt.Errorf("cannot decode %d bytes as %s", len(raw), dt)
	}
	n := len(raw) / es

	switch dt {
	case pixelsource.Bool, pixelsource.Uint8:
		out := make([]uint8, n)
		copy(out, raw)
		return out, nil
	case pixelsource.Int8:
		out := make([]int8, n)
		for i := range out {
			out[i] = int8(raw[i])
		}
		return out, nil
	case pixelsource.Uint16:
		out := make([]uint16, n)
		for i := range out {
			out[i] = order.Uint16(raw[i*2:])
		}
		return out, nil
	case pixelsource.Int16:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(order.Uint16(raw[i*2:]))
		}
		return out, nil
	case pixelsource.Float16:
		out := make([]float16.Float16, n)
		for i := range out {
			out[i] = float16.Frombits(order.Uint16(raw[i*2:]))
		}
		return out, nil
	case pixelsource.Uint32:
		out := make([]uint32, n)
		for i := range out {
			out[i] = order.Uint32(raw[i*4:])
		}
		return out, nil
	case pixelsource.Int32:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(order.Uint32(raw[i*4:]))
		}
		return out, nil
	case pixelsource.Float32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(order.Uint32(raw[i*4:]))
		}
		return out, nil
	case pixelsource.Uint64:
		out := make([]uint64, n)
		for i := range out {
			out[i] = order.Uint64(raw[i*8:])
		}
		return out, nil
	case pixelsource.Int64:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(order.Uint64(raw[i*8:]))
		}
		return out, nil
	case pixelsource.Float64:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(raw[i*8:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: dtype %s", ErrUnsupported, dt)
}
