//go:build !tiledb

package tiledb

import "github.com/histoview/server/internal/pixelsource"

// Supported reports whether TileDB reads are compiled in.
func Supported() bool { return false }

// OpenLevels validates uris so config errors surface early, then reports
// ErrUnsupported.
func OpenLevels(uris []string) ([]pixelsource.Array, error) {
	if _, err := resolveAll(uris); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}
