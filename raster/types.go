package raster

import (
	"errors"
	"fmt"
	"io"
)

// SampleType identifies the primitive type of the sample values stored in a
// raster bank.
type SampleType uint8

const (
	Uint8 SampleType = iota + 1
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Uint64
	Int64
	Float64
)

var sampleTypeLabels = map[SampleType]string{
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
	Float32: "float32",
	Uint64:  "uint64",
	Int64:   "int64",
	Float64: "float64",
}

func (t SampleType) String() string {
	if s, ok := sampleTypeLabels[t]; ok {
		return s
	}
	return fmt.Sprintf("unrecognized sample type %d", uint8(t))
}

// Size returns the number of bytes used by one sample value, or 0 if the
// type is not recognized.
func (t SampleType) Size() int {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	}
	return 0
}

// Compression identifies the compression method applied to tile data.
// Values follow the TIFF Compression tag.
type Compression uint16

const (
	CompressionNone     Compression = 1
	CompressionLZW      Compression = 5
	CompressionDeflate  Compression = 8
	CompressionPackBits Compression = 32773
	CompressionZstd     Compression = 50000
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZW:
		return "lzw"
	case CompressionDeflate:
		return "deflate"
	case CompressionPackBits:
		return "packbits"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression %d", uint16(c))
}

// Predictor identifies the differencing transform applied before compression.
// Values follow the TIFF Predictor tag.
type Predictor uint16

const (
	PredictorNone       Predictor = 1
	PredictorHorizontal Predictor = 2
)

// Region is a rectangular pixel area, inclusive lower bounds and exclusive
// upper bounds, in image coordinates.
type Region struct {
	X0, Y0 int
	X1, Y1 int
}

func (r Region) Width() int  { return r.X1 - r.X0 }
func (r Region) Height() int { return r.Y1 - r.Y0 }

func (r Region) Empty() bool { return r.X1 <= r.X0 || r.Y1 <= r.Y0 }

// Request describes one read call: the area of interest, per-axis
// subsampling factors, and an optional band subset. A Request is immutable
// for the duration of a decode session.
type Request struct {
	Region Region

	// SubsampleX and SubsampleY are the per-axis subsampling factors.
	// A zero value means 1 (no subsampling).
	SubsampleX int
	SubsampleY int

	// Bands lists the band indices to read, in strictly increasing order
	// without duplicates. A nil slice selects all bands.
	Bands []int
}

func (q *Request) subsampling() (sx, sy int) {
	sx, sy = q.SubsampleX, q.SubsampleY
	if sx == 0 {
		sx = 1
	}
	if sy == 0 {
		sy = 1
	}
	return sx, sy
}

func (q *Request) validate(numBands int) error {
	if q.Region.Empty() {
		return fmt.Errorf("%w: empty region %+v", ErrInvalidRequest, q.Region)
	}
	if q.Region.X0 < 0 || q.Region.Y0 < 0 {
		return fmt.Errorf("%w: negative region origin (%d, %d)", ErrInvalidRequest, q.Region.X0, q.Region.Y0)
	}
	if q.SubsampleX < 0 || q.SubsampleY < 0 {
		return fmt.Errorf("%w: negative subsampling (%d, %d)", ErrInvalidRequest, q.SubsampleX, q.SubsampleY)
	}
	prev := -1
	for _, b := range q.Bands {
		if b <= prev {
			return fmt.Errorf("%w: band list must be strictly increasing, got %v", ErrInvalidRequest, q.Bands)
		}
		if b >= numBands {
			return fmt.Errorf("%w: band %d out of range (image has %d bands)", ErrInvalidRequest, b, numBands)
		}
		prev = b
	}
	return nil
}

// Layout is the tile layout descriptor: everything the decode engine needs
// to know about how tiles are stored, as discovered by the tag/metadata
// layer. Implementations are read-only for the engine.
type Layout interface {
	// ImageWidth and ImageHeight are the raster dimensions in pixels.
	ImageWidth() int
	ImageHeight() int

	// TileWidth and TileHeight are the nominal tile dimensions in pixels.
	// Strips are modeled as full-width tiles.
	TileWidth() int
	TileHeight() int

	// NumTiles is the total number of tiles in the image, all banks included
	// being stored once per bank for planar layouts.
	NumTiles() int

	// NumBands is the number of sample values per pixel in the image.
	NumBands() int

	// Planar reports whether each band is stored in its own plane. When
	// true the tile offset/length vectors hold NumBands entries per tile.
	Planar() bool

	// TileOffset and TileByteCount address the stored bytes of one bank of
	// one tile. For chunky layouts bank is always 0. Planar layouts store
	// one bank's tiles contiguously before the next bank's, so the entry
	// index is tile + bank*NumTiles.
	TileOffset(tile, bank int) int64
	TileByteCount(tile, bank int) int64

	// NumTileEntries is the length of the stored offset/length vectors,
	// checked against the declared tile and bank counts before any read.
	NumTileEntries() int

	Compression() Compression
	Predictor() Predictor
	SampleType() SampleType

	// BitOrderReversed reports whether bits within each byte are stored in
	// reversed order (TIFF FillOrder = 2).
	BitOrderReversed() bool

	// PixelsPerElement is 1 except for sub-byte packed images, where a
	// single byte element holds several pixels.
	PixelsPerElement() int

	// ScanlineStride is the number of sample values in one full tile row,
	// including any padding after the last pixel.
	ScanlineStride() int

	// FillValues returns the per-band background value used to pad
	// truncated or unstored tiles, or nil for the default of zero.
	FillValues() []float64

	// ReplaceableFillValue returns the declared no-data sentinel to be
	// replaced by NaN in floating point banks, if any.
	ReplaceableFillValue() (float64, bool)
}

// Input is the byte source tiles are read from. Implementations backed by
// remote storage may also implement RangeHinter to coalesce range requests.
type Input interface {
	io.ReaderAt
}

// RangeHinter receives advance notice of byte ranges the engine is about to
// read, so that remote backends can group them into fewer range requests.
type RangeHinter interface {
	HintRange(offset, length int64)
}

// Errors reported by the decode engine. Content errors indicate a file
// whose declared layout is inconsistent with its data; they are never
// retried internally.
var (
	ErrInvalidRequest    = errors.New("raster: invalid read request")
	ErrUnsupportedSample = errors.New("raster: unsupported sample type")
	ErrUnsupportedLayout = errors.New("raster: unsupported layout")
	ErrContent           = errors.New("raster: inconsistent file content")
)

// Tile is one decoded raster tile, positioned in output coordinates (the
// subsampled, region-relative pixel space of the originating Request).
type Tile struct {
	// Index is the tile index in the source image.
	Index int

	// OriginX and OriginY locate the tile's first pixel in output
	// coordinates.
	OriginX int
	OriginY int

	// Width and Height are the decoded dimensions in output pixels.
	Width  int
	Height int

	// Banks holds one typed buffer per bank: one per selected band for
	// planar images, a single interleaved bank otherwise.
	Banks []Bank
}

// Bank is one typed primitive buffer of sample values.
type Bank struct {
	kind SampleType
	data any
}

// NewBank wraps a typed sample slice into a Bank. It returns an
// ErrUnsupportedSample error for any element type that is not one of the
// ten primitive sample types.
func NewBank(data any) (Bank, error) {
	switch d := data.(type) {
	case []uint8:
		return Bank{kind: Uint8, data: d}, nil
	case []int8:
		return Bank{kind: Int8, data: d}, nil
	case []uint16:
		return Bank{kind: Uint16, data: d}, nil
	case []int16:
		return Bank{kind: Int16, data: d}, nil
	case []uint32:
		return Bank{kind: Uint32, data: d}, nil
	case []int32:
		return Bank{kind: Int32, data: d}, nil
	case []float32:
		return Bank{kind: Float32, data: d}, nil
	case []uint64:
		return Bank{kind: Uint64, data: d}, nil
	case []int64:
		return Bank{kind: Int64, data: d}, nil
	case []float64:
		return Bank{kind: Float64, data: d}, nil
	}
	return Bank{}, fmt.Errorf("%w: %T", ErrUnsupportedSample, data)
}

// Type returns the primitive type of the bank's samples.
func (b Bank) Type() SampleType { return b.kind }

// Data returns the underlying typed slice ([]uint8, []float32, ...).
func (b Bank) Data() any { return b.data }

// Len returns the number of samples in the bank.
func (b Bank) Len() int {
	switch d := b.data.(type) {
	case []uint8:
		return len(d)
	case []int8:
		return len(d)
	case []uint16:
		return len(d)
	case []int16:
		return len(d)
	case []uint32:
		return len(d)
	case []int32:
		return len(d)
	case []float32:
		return len(d)
	case []uint64:
		return len(d)
	case []int64:
		return len(d)
	case []float64:
		return len(d)
	}
	return 0
}

// Float64 returns the sample at index i converted to float64.
// It panics if i is out of range.
func (b Bank) Float64(i int) float64 {
	switch d := b.data.(type) {
	case []uint8:
		return float64(d[i])
	case []int8:
		return float64(d[i])
	case []uint16:
		return float64(d[i])
	case []int16:
		return float64(d[i])
	case []uint32:
		return float64(d[i])
	case []int32:
		return float64(d[i])
	case []float32:
		return float64(d[i])
	case []uint64:
		return float64(d[i])
	case []int64:
		return float64(d[i])
	case []float64:
		return d[i]
	}
	panic(fmt.Sprintf("raster: bank holds no data (%v)", b.kind))
}

// Float32s returns the bank as a []float32, or nil if it holds another type.
func (b Bank) Float32s() []float32 {
	d, _ := b.data.([]float32)
	return d
}

// Uint8s returns the bank as a []uint8, or nil if it holds another type.
func (b Bank) Uint8s() []uint8 {
	d, _ := b.data.([]uint8)
	return d
}

// Int32s returns the bank as a []int32, or nil if it holds another type.
func (b Bank) Int32s() []int32 {
	d, _ := b.data.([]int32)
	return d
}

// Float64s returns the bank as a []float64, or nil if it holds another type.
func (b Bank) Float64s() []float64 {
	d, _ := b.data.([]float64)
	return d
}
