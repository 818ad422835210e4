package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/x448/float16"

	"github.com/histoview/server/internal/pixelsource"
)

// ErrUnsupported is returned for array layouts or codecs this reader cannot decode.
var ErrUnsupported = errors.New("zarr: unsupported")

// ArrayMeta is the format-independent description of one array.
type ArrayMeta struct {
	ZarrFormat int
	Shape      []int
	Chunks     []int
	DType      pixelsource.DType
	ByteOrder  binary.ByteOrder
	FillValue  []byte // one element in ByteOrder

	codecs    []codec // decode order
	keyPrefix string
	separator string
}

// ChunkKey returns the store key of the chunk at coords, relative to the array.
func (m *ArrayMeta) ChunkKey(coords []int) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.Itoa(c)
	}
	if len(parts) == 0 {
		parts = []string{"0"}
	}
	return m.keyPrefix + strings.Join(parts, m.separator)
}

// v2ArrayMeta is the .zarray document.
type v2ArrayMeta struct {
	ZarrFormat         int              `json:"zarr_format"`
	Shape              []int            `json:"shape"`
	Chunks             []int            `json:"chunks"`
	DType              any              `json:"dtype"`
	Compressor         map[string]any   `json:"compressor"`
	FillValue          any              `json:"fill_value"`
	Order              string           `json:"order"`
	Filters            []map[string]any `json:"filters"`
	DimensionSeparator string           `json:"dimension_separator"`
}

// v3ArrayMeta is the zarr.json document of an array node.
type v3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue any `json:"fill_value"`
	Codecs    []struct {
		Name          string         `json:"name"`
		Configuration map[string]any `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func parseV2Meta(data []byte) (*ArrayMeta, error) {
	var raw v2ArrayMeta
	if err := decodeJSON(data, &raw); err != nil {
		return nil, fmt.Errorf("parse .zarray: %w", err)
	}
	if raw.ZarrFormat != 2 {
		return nil, fmt.Errorf("parse .zarray: zarr_format %d", raw.ZarrFormat)
	}
	if raw.Order != "" && raw.Order != "C" {
		return nil, fmt.Errorf("%w: order %q", ErrUnsupported, raw.Order)
	}
	if len(raw.Filters) > 0 {
		return nil, fmt.Errorf("%w: filters %v", ErrUnsupported, raw.Filters)
	}
	typestr, ok := raw.DType.(string)
	if !ok {
		return nil, fmt.Errorf("%w: structured dtype", ErrUnsupported)
	}
	dt, order, err := parseTypestr(typestr)
	if err != nil {
		return nil, err
	}

	meta := &ArrayMeta{
		ZarrFormat: 2,
		Shape:      raw.Shape,
		Chunks:     raw.Chunks,
		DType:      dt,
		ByteOrder:  order,
		separator:  raw.DimensionSeparator,
	}
	if meta.separator == "" {
		meta.separator = "."
	}
	if raw.Compressor != nil {
		id, _ := raw.Compressor["id"].(string)
		c, err := newCodec(id)
		if err != nil {
			return nil, err
		}
		meta.codecs = []codec{c}
	}
	if meta.FillValue, err = fillValueBytes(dt, order, raw.FillValue); err != nil {
		return nil, err
	}
	return meta, meta.validate()
}

func parseV3Meta(data []byte) (*ArrayMeta, error) {
	var raw v3ArrayMeta
	if err := decodeJSON(data, &raw); err != nil {
		return nil, fmt.Errorf("parse zarr.json: %w", err)
	}
	if raw.NodeType != "array" {
		return nil, fmt.Errorf("parse zarr.json: node_type %q is not an array", raw.NodeType)
	}
	if raw.ChunkGrid.Name != "" && raw.ChunkGrid.Name != "regular" {
		return nil, fmt.Errorf("%w: chunk grid %q", ErrUnsupported, raw.ChunkGrid.Name)
	}
	dt, err := parseV3DataType(raw.DataType)
	if err != nil {
		return nil, err
	}

	meta := &ArrayMeta{
		ZarrFormat: 3,
		Shape:      raw.Shape,
		Chunks:     raw.ChunkGrid.Configuration.ChunkShape,
		DType:      dt,
		ByteOrder:  binary.LittleEndian,
		separator:  raw.ChunkKeyEncoding.Configuration.Separator,
	}
	switch raw.ChunkKeyEncoding.Name {
	case "", "default":
		meta.keyPrefix = "c/"
		if meta.separator == "" {
			meta.separator = "/"
		}
	case "v2":
		if meta.separator == "" {
			meta.separator = "."
		}
	default:
		return nil, fmt.Errorf("%w: chunk key encoding %q", ErrUnsupported, raw.ChunkKeyEncoding.Name)
	}

	// Codecs are listed in encode order; keep the bytes-to-bytes stage
	// reversed for decoding.
	for _, c := range raw.Codecs {
		switch c.Name {
		case "bytes":
			if endian, _ := c.Configuration["endian"].(string); endian == "big" {
				meta.ByteOrder = binary.BigEndian
			}
		case "transpose", "sharding_indexed":
			return nil, fmt.Errorf("%w: codec %q", ErrUnsupported, c.Name)
		default:
			dec, err := newCodec(c.Name)
			if err != nil {
				return nil, err
			}
			meta.codecs = append([]codec{dec}, meta.codecs...)
		}
	}
	if meta.FillValue, err = fillValueBytes(dt, meta.ByteOrder, raw.FillValue); err != nil {
		return nil, err
	}
	return meta, meta.validate()
}

func (m *ArrayMeta) validate() error {
	if len(m.Shape) == 0 || len(m.Chunks) == 0 {
		return fmt.Errorf("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(m.Shape) != len(m.Chunks) {
		return fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(m.Shape), len(m.Chunks))
	}
	for d, c := range m.Chunks {
		if c <= 0 {
			return fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	return nil
}

// parseTypestr maps a NumPy typestr such as "<u2" or "|u1".
func parseTypestr(s string) (pixelsource.DType, binary.ByteOrder, error) {
	if len(s) < 3 {
		return "", nil, fmt.Errorf("invalid dtype %q", s)
	}
	var order binary.ByteOrder = binary.LittleEndian
	switch s[0] {
	case '<', '|':
	case '>':
		order = binary.BigEndian
	default:
		return "", nil, fmt.Errorf("invalid dtype byte order %q", s)
	}

	var dt pixelsource.DType
	switch s[1:] {
	case "b1":
		dt = pixelsource.Bool
	case "i1":
		dt = pixelsource.Int8
	case "i2":
		dt = pixelsource.Int16
	case "i4":
		dt = pixelsource.Int32
	case "i8":
		dt = pixelsource.Int64
	case "u1":
		dt = pixelsource.Uint8
	case "u2":
		dt = pixelsource.Uint16
	case "u4":
		dt = pixelsource.Uint32
	case "u8":
		dt = pixelsource.Uint64
	case "f2":
		dt = pixelsource.Float16
	case "f4":
		dt = pixelsource.Float32
	case "f8":
		dt = pixelsource.Float64
	default:
		return "", nil, fmt.Errorf("%w: dtype %q", ErrUnsupported, s)
	}
	return dt, order, nil
}

func parseV3DataType(s string) (pixelsource.DType, error) {
	dt := pixelsource.DType(s)
	if dt.Size() == 0 {
		return "", fmt.Errorf("%w: data_type %q", ErrUnsupported, s)
	}
	return dt, nil
}

// fillValueBytes encodes one fill element. Missing fill values are zero.
func fillValueBytes(dt pixelsource.DType, order binary.ByteOrder, fill any) ([]byte, error) {
	size := dt.Size()
	out := make([]byte, size)
	if fill == nil {
		return out, nil
	}

	var f float64
	var n json.Number
	switch v := fill.(type) {
	case json.Number:
		n = v
		var err error
		if f, err = v.Float64(); err != nil {
			return nil, fmt.Errorf("fill_value %q: %w", v, err)
		}
	case bool:
		if v {
			f = 1
		}
	case string:
		switch v {
		case "NaN":
			f = math.NaN()
		case "Infinity":
			f = math.Inf(1)
		case "-Infinity":
			f = math.Inf(-1)
		default:
			return nil, fmt.Errorf("%w: fill_value %q", ErrUnsupported, v)
		}
	default:
		return nil, fmt.Errorf("unsupported fill_value type for %s: %T", dt, fill)
	}

	switch dt {
	case pixelsource.Bool, pixelsource.Uint8, pixelsource.Int8:
		out[0] = byte(int64(f))
	case pixelsource.Int16, pixelsource.Uint16:
		order.PutUint16(out, uint16(int64(f)))
	case pixelsource.Int32, pixelsource.Uint32:
		order.PutUint32(out, uint32(int64(f)))
	case pixelsource.Int64:
		i, err := n.Int64()
		if err != nil {
			i = int64(f)
		}
		order.PutUint64(out, uint64(i))
	case pixelsource.Uint64:
		u, err := strconv.ParseUint(string(n), 10, 64)
		if err != nil {
			u = uint64(f)
		}
		order.PutUint64(out, u)
	case pixelsource.Float16:
		order.PutUint16(out, float16.Fromfloat32(float32(f)).Bits())
	case pixelsource.Float32:
		order.PutUint32(out, math.Float32bits(float32(f)))
	case pixelsource.Float64:
		order.PutUint64(out, math.Float64bits(f))
	}
	return out, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, len(fill)*n)
	if bytes.Count(fill, []byte{0}) == len(fill) {
		return out
	}
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):], fill)
	}
	return out
}
