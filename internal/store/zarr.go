// Package store implements the canonical per-dataset columnar store: a
// consolidated Zarr v2 directory holding every ingested run along a run axis,
// with paired valid times per (run, lead).
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Canonical dimension and array names.
const (
	DimRun   = "run_time"
	DimLead  = "lead_index"
	DimLat   = "lat"
	DimLon   = "lon"
	ArrRun   = "run_time"
	ArrValid = "valid_time"
	ArrLat   = "lat"
	ArrLon   = "lon"

	// natValue marks a missing valid time (padded lead).
	natValue = math.MinInt64

	schemaVersion = 1
)

// CanonicalDims is the dimension order of every data variable.
var CanonicalDims = []string{DimRun, DimLead, DimLat, DimLon}

// ArrayMeta is the .zarray document of one array.
type ArrayMeta struct {
	Chunks     []int  `json:"chunks"`
	Shape      []int  `json:"shape"`
	DType      string `json:"dtype"`
	Compressor any    `json:"compressor"`
	FillValue  any    `json:"fill_value"`
	Filters    any    `json:"filters"`
	Order      string `json:"order"`
	ZarrFormat int    `json:"zarr_format"`
}

// GroupAttrs is the .zattrs document of the store root.
type GroupAttrs struct {
	Dataset       string   `json:"dataset"`
	Variable      string   `json:"variable"`
	Dims          []string `json:"dims"`
	SchemaVersion int      `json:"schema_version"`
}

type arrayAttrs struct {
	ArrayDimensions []string `json:"_ARRAY_DIMENSIONS"`
}

// consolidated is the .zmetadata document. Readers only look at this file,
// so replacing it is the commit point of every append.
type consolidated struct {
	Format   int                        `json:"zarr_consolidated_format"`
	Metadata map[string]json.RawMessage `json:"metadata"`
}

var zstdCompressor = map[string]any{"id": "zstd", "level": 3}

func newArrayMeta(shape, chunks []int, dtype string, fill any) ArrayMeta {
	return ArrayMeta{
		Chunks:     chunks,
		Shape:      shape,
		DType:      dtype,
		Compressor: zstdCompressor,
		FillValue:  fill,
		Order:      "C",
		ZarrFormat: 2,
	}
}

// chunkKey builds a Zarr v2 chunk key ("0.3.0.0") for the given indices.
func chunkKey(idx ...int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

// codec compresses and decompresses chunks with pooled zstd coders.
type codec struct {
	encoder     *zstd.Encoder
	decoderPool sync.Pool
}

func newCodec() *codec {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		// Only fails on invalid options.
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	c := &codec{encoder: enc}
	c.decoderPool.New = func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("zstd decoder: %v", err))
		}
		return d
	}
	return c
}

func (c *codec) compress(raw []byte) []byte {
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

func (c *codec) decompress(data []byte) ([]byte, error) {
	d := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(d)

	out, err := d.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

func encodeFloat32s(vals []float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32s(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of 4 bytes", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

func encodeFloat64s(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeFloat64s(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of 8 bytes", len(data))
	}
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out, nil
}

func encodeTimes(ts []time.Time) []byte {
	buf := make([]byte, 8*len(ts))
	for i, t := range ts {
		v := int64(natValue)
		if !t.IsZero() {
			v = t.Unix()
		}
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return buf
}

func decodeTimes(data []byte) ([]time.Time, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of 8 bytes", len(data))
	}
	out := make([]time.Time, len(data)/8)
	for i := range out {
		v := int64(binary.LittleEndian.Uint64(data[i*8:]))
		if v == natValue {
			continue
		}
		out[i] = time.Unix(v, 0).UTC()
	}
	return out, nil
}
