package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/histoview/server/internal/pixelsource"
)

// Multiscale is an image pyramid: its levels ordered from highest to
// lowest resolution and the axis labels they share.
type Multiscale struct {
	Name   string
	Labels pixelsource.Labels
	Levels []*Array
}

// Arrays returns the levels as pixel source arrays.
func (m *Multiscale) Arrays() []pixelsource.Array {
	out := make([]pixelsource.Array, len(m.Levels))
	for i, l := range m.Levels {
		out[i] = l
	}
	return out
}

type omeMultiscale struct {
	Name     string            `json:"name"`
	Version  string            `json:"version"`
	Axes     []json.RawMessage `json:"axes"`
	Datasets []struct {
		Path string `json:"path"`
	} `json:"datasets"`
}

type omeAttrs struct {
	Multiscales []omeMultiscale `json:"multiscales"`
	OME         *struct {
		Multiscales []omeMultiscale `json:"multiscales"`
	} `json:"ome"`
}

func (a *omeAttrs) first() *omeMultiscale {
	if a.OME != nil && len(a.OME.Multiscales) > 0 {
		return &a.OME.Multiscales[0]
	}
	if len(a.Multiscales) > 0 {
		return &a.Multiscales[0]
	}
	return nil
}

// OpenMultiscale opens the OME-NGFF image at path. A plain array is
// treated as a single-level pyramid with default labels.
func OpenMultiscale(ctx context.Context, store Store, path string, opts Options) (*Multiscale, error) {
	if opts.Name == "" {
		opts.Name = path
	}
	ms, err := loadMultiscaleAttrs(ctx, store, path)
	if err != nil {
		return nil, err
	}

	if ms == nil {
		arr, err := OpenArray(ctx, store, path, opts)
		if err != nil {
			return nil, err
		}
		return &Multiscale{
			Name:   path,
			Labels: pixelsource.DefaultLabels(len(arr.Shape())),
			Levels: []*Array{arr},
		}, nil
	}

	if len(ms.Datasets) == 0 {
		return nil, fmt.Errorf("multiscale %q lists no datasets", path)
	}
	out := &Multiscale{Name: ms.Name}
	for _, ds := range ms.Datasets {
		lopts := opts
		lopts.Name = opts.Name + "/" + ds.Path
		arr, err := OpenArray(ctx, store, joinKey(path, ds.Path), lopts)
		if err != nil {
			return nil, fmt.Errorf("level %s: %w", ds.Path, err)
		}
		out.Levels = append(out.Levels, arr)
	}

	rank := len(out.Levels[0].Shape())
	out.Labels, err = axisLabels(ms.Axes)
	if err != nil {
		return nil, err
	}
	if out.Labels == nil {
		out.Labels = pixelsource.DefaultLabels(rank)
	}
	if len(out.Labels) != rank {
		return nil, fmt.Errorf("multiscale %q: %d axes for rank %d", path, len(out.Labels), rank)
	}

	// Datasets are listed high to low resolution by convention; enforce it.
	xi := out.Labels.Index(pixelsource.AxisX)
	if xi >= 0 {
		slices.SortStableFunc(out.Levels, func(a, b *Array) int {
			return b.Meta().Shape[xi] - a.Meta().Shape[xi]
		})
	}
	return out, nil
}

func loadMultiscaleAttrs(ctx context.Context, store Store, path string) (*omeMultiscale, error) {
	data, err := store.Get(ctx, joinKey(path, "zarr.json"))
	switch {
	case err == nil:
		var node struct {
			NodeType   string   `json:"node_type"`
			Attributes omeAttrs `json:"attributes"`
		}
		if err := json.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("parse zarr.json: %w", err)
		}
		if node.NodeType == "array" {
			return nil, nil
		}
		return node.Attributes.first(), nil
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("failed to load group metadata: %w", err)
	}

	data, err = store.Get(ctx, joinKey(path, ".zattrs"))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load .zattrs: %w", err)
	}
	var attrs omeAttrs
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("parse .zattrs: %w", err)
	}
	return attrs.first(), nil
}

// axisLabels reads axes given either as objects with a name (v0.4+) or as
// bare strings (v0.3). No axes yields nil.
func axisLabels(axes []json.RawMessage) (pixelsource.Labels, error) {
	if len(axes) == 0 {
		return nil, nil
	}
	labels := make(pixelsource.Labels, len(axes))
	for i, raw := range axes {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			var obj struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(raw, &obj); err != nil {
				return nil, fmt.Errorf("axis %d: %w", i, err)
			}
			name = obj.Name
		}
		labels[i] = strings.ToLower(name)
	}
	return labels, nil
}
