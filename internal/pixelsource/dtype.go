package pixelsource

import (
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// OutputType is the element format handed to the renderer.
type OutputType string

const (
	OutUint8   OutputType = "Uint8"
	OutUint16  OutputType = "Uint16"
	OutUint32  OutputType = "Uint32"
	OutInt8    OutputType = "Int8"
	OutInt16   OutputType = "Int16"
	OutInt32   OutputType = "Int32"
	OutFloat32 OutputType = "Float32"
	OutFloat64 OutputType = "Float64"
)

// ErrUnsupportedDType is returned for element types the renderer cannot
// display even after conversion.
var ErrUnsupportedDType = errors.New("pixelsource: unsupported dtype")

// Normalizer converts raw slabs of one source dtype into a renderer format.
//
// 64-bit integers are narrowed to uint32 with saturation: negative values
// become 0 and values above math.MaxUint32 become math.MaxUint32. Half
// floats widen exactly to float32. Everything else passes through.
type Normalizer struct {
	in  DType
	out OutputType
}

// NewNormalizer returns the normalizer for dt.
func NewNormalizer(dt DType) (*Normalizer, error) {
	var out OutputType
	switch dt {
	case Int64, Uint64:
		out = OutUint32
	case Float16, Float32:
		out = OutFloat32
	case Float64:
		out = OutFloat64
	case Uint8:
		out = OutUint8
	case Uint16:
		out = OutUint16
	case Uint32:
		out = OutUint32
	case Int8:
		out = OutInt8
	case Int16:
		out = OutInt16
	case Int32:
		out = OutInt32
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, dt)
	}
	return &Normalizer{in: dt, out: out}, nil
}

// Input returns the source dtype.
func (n *Normalizer) Input() DType { return n.in }

// Output returns the renderer format tag.
func (n *Normalizer) Output() OutputType { return n.out }

// Apply converts data, which must be the typed slice matching Input.
func (n *Normalizer) Apply(data any) (any, error) {
	switch v := data.(type) {
	case []int64:
		out := make([]uint32, len(v))
		for i, x := range v {
			switch {
			case x < 0:
				out[i] = 0
			case x > math.MaxUint32:
				out[i] = math.MaxUint32
			default:
				out[i] = uint32(x)
			}
		}
		return out, nil
	case []uint64:
		out := make([]uint32, len(v))
		for i, x := range v {
			if x > math.MaxUint32 {
				out[i] = math.MaxUint32
			} else {
				out[i] = uint32(x)
			}
		}
		return out, nil
	case []float16.Float16:
		out := make([]float32, len(v))
		for i, x := range v {
			out[i] = x.Float32()
		}
		return out, nil
	case []uint8, []uint16, []uint32, []int8, []int16, []int32, []float32, []float64:
		return v, nil
	}
	return nil, fmt.Errorf("%w: cannot normalize %T as %s", ErrUnsupportedDType, data, n.in)
}
