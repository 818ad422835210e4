// Package tiledb serves dense TileDB arrays as pixel source levels.
//
// Each resolution level is a separate dense array with one numeric
// attribute. TileDB support needs the native library and is compiled in
// with: go build -tags tiledb
package tiledb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported indicates this binary was built without TileDB support.
var ErrUnsupported = errors.New("tiledb support is not enabled in this build (build server with: go build -tags tiledb)")

// ResolveURI normalizes a level URI. Local paths are expanded, cleaned and
// checked for existence; object store URIs (s3://, gcs://, azure://,
// tiledb://) are passed through.
func ResolveURI(uri string) (string, error) {
	u := strings.TrimSpace(uri)
	if u == "" {
		return "", errors.New("empty tiledb uri")
	}
	if i := strings.Index(u, "://"); i > 0 && u[:i] != "file" {
		return u, nil
	}
	u = strings.TrimPrefix(u, "file://")
	u = filepath.Clean(os.ExpandEnv(u))
	if _, err := os.Stat(u); err != nil {
		return "", fmt.Errorf("tiledb array not found at %s: %w", u, err)
	}
	return u, nil
}

func resolveAll(uris []string) ([]string, error) {
	if len(uris) == 0 {
		return nil, errors.New("no tiledb uris configured")
	}
	out := make([]string, len(uris))
	for i, u := range uris {
		r, err := ResolveURI(u)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}
