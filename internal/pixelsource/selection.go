package pixelsource

import (
	"errors"
	"fmt"
	"slices"
)

// Axis names with special meaning.
const (
	AxisX    = "x"
	AxisY    = "y"
	AxisC    = "c"
	AxisZ    = "z"
	AxisT    = "t"
	AxisRGBA = "_c" // interleaved colour channels, always read in full
)

// ErrMissingAxis is returned when the labels lack an x or y axis.
var ErrMissingAxis = errors.New("pixelsource: labels must contain x and y axes")

// Labels names the axes of an array in storage order.
type Labels []string

// DefaultLabels returns the subset of t, c, z, y, x matching rank, keeping
// the trailing (spatial) axes.
func DefaultLabels(rank int) Labels {
	all := Labels{AxisT, AxisC, AxisZ, AxisY, AxisX}
	if rank >= len(all) {
		return all
	}
	if rank < 2 {
		rank = 2
	}
	return slices.Clone(all[len(all)-rank:])
}

// Index returns the position of name, or -1.
func (l Labels) Index(name string) int {
	return slices.Index(l, name)
}

// Validate checks that both spatial axes are present.
func (l Labels) Validate() error {
	if l.Index(AxisX) < 0 || l.Index(AxisY) < 0 {
		return fmt.Errorf("%w: got %v", ErrMissingAxis, []string(l))
	}
	return nil
}

// Selection picks the non-spatial position of a tile: either a dense list
// of per-axis indices in label order, or a sparse map from label to index.
// Dense takes precedence when both are set.
type Selection struct {
	Indices []int
	ByLabel map[string]int
}

// Dense builds a dense selection.
func Dense(indices ...int) Selection { return Selection{Indices: indices} }

// Sparse builds a label-keyed selection.
func Sparse(m map[string]int) Selection { return Selection{ByLabel: m} }

// BuildSelection expands base into a read vector for an array with the given
// shape. Axes other than x/y keep their base index (0 if unspecified),
// clamped into the axis extent. x and y receive the supplied ranges clamped
// to the extent, and the RGBA axis is read in full. The result is truncated
// to the array's rank.
func BuildSelection(base Selection, labels Labels, shape []int, x, y Slice) []Slice {
	sel := make([]Slice, len(labels))
	for i := range sel {
		sel[i] = Index(0)
	}

	if base.Indices != nil {
		for i := 0; i < min(len(base.Indices), len(sel)); i++ {
			sel[i] = Index(clampIndex(base.Indices[i], extent(shape, i)))
		}
	} else {
		for name, v := range base.ByLabel {
			i := labels.Index(name)
			if i < 0 || i >= len(sel) {
				continue
			}
			sel[i] = Index(clampIndex(v, extent(shape, i)))
		}
	}

	if i := labels.Index(AxisX); i >= 0 {
		sel[i] = clampSpan(x, extent(shape, i))
	}
	if i := labels.Index(AxisY); i >= 0 {
		sel[i] = clampSpan(y, extent(shape, i))
	}
	if i := labels.Index(AxisRGBA); i >= 0 {
		sel[i] = Span(0, extent(shape, i))
	}

	if len(sel) > len(shape) {
		sel = sel[:len(shape)]
	}
	return sel
}

func extent(shape []int, i int) int {
	if i < len(shape) {
		return shape[i]
	}
	return 1
}

func clampIndex(v, n int) int {
	return max(0, min(v, n-1))
}

func clampSpan(s Slice, n int) Slice {
	start := max(0, min(s.Start, n))
	stop := max(start, min(s.Stop, n))
	return Span(start, stop)
}
