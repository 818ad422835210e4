package zarr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// codec undoes one bytes-to-bytes compression stage.
type codec interface {
	decode(data []byte) ([]byte, error)
}

func newCodec(id string) (codec, error) {
	switch id {
	case "zstd":
		return zstdCodec{}, nil
	case "gzip":
		return gzipCodec{}, nil
	case "zlib":
		return zlibCodec{}, nil
	case "crc32c":
		return crc32cCodec{}, nil
	}
	return nil, fmt.Errorf("%w: compressor %q", ErrUnsupported, id)
}

// One decoder serves every array; DecodeAll is safe for concurrent use.
var sharedZstd = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

type zstdCodec struct{}

func (zstdCodec) decode(data []byte) ([]byte, error) {
	dec, err := sharedZstd()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return out, nil
}

type gzipCodec struct{}

func (gzipCodec) decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress failed: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

type zlibCodec struct{}

func (zlibCodec) decode(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib decompress failed: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// crc32cCodec verifies and strips the trailing little-endian checksum.
type crc32cCodec struct{}

func (crc32cCodec) decode(data []byte) ([]byte, error) {
	n := len(data) - 4
	if n < 0 {
		return nil, fmt.Errorf("crc32c: chunk too short (%d bytes)", len(data))
	}
	if got, want := crc32.Checksum(data[:n], castagnoli), binary.LittleEndian.Uint32(data[n:]); got != want {
		return nil, fmt.Errorf("crc32c: checksum mismatch %08x != %08x", got, want)
	}
	return data[:n], nil
}
