package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
)

// memLayout is an in-memory Layout for tests.
type memLayout struct {
	w, h, tw, th int
	bands        int
	planar       bool
	comp         Compression
	pred         Predictor
	st           SampleType
	ppe          int
	reversed     bool

	offsets []int64
	counts  []int64

	fills       []float64
	sentinel    float64
	hasSentinel bool
}

func (l *memLayout) ImageWidth() int  { return l.w }
func (l *memLayout) ImageHeight() int { return l.h }
func (l *memLayout) TileWidth() int   { return l.tw }
func (l *memLayout) TileHeight() int  { return l.th }
func (l *memLayout) NumTiles() int    { return ceilDiv(l.w, l.tw) * ceilDiv(l.h, l.th) }
func (l *memLayout) NumBands() int {
	if l.bands == 0 {
		return 1
	}
	return l.bands
}
func (l *memLayout) Planar() bool                    { return l.planar }
func (l *memLayout) TileOffset(tile, bank int) int64 { return l.offsets[tile+bank*l.NumTiles()] }
func (l *memLayout) TileByteCount(tile, bank int) int64 {
	return l.counts[tile+bank*l.NumTiles()]
}
func (l *memLayout) NumTileEntries() int { return len(l.offsets) }
func (l *memLayout) Compression() Compression {
	if l.comp == 0 {
		return CompressionNone
	}
	return l.comp
}
func (l *memLayout) Predictor() Predictor {
	if l.pred == 0 {
		return PredictorNone
	}
	return l.pred
}
func (l *memLayout) SampleType() SampleType { return l.st }
func (l *memLayout) BitOrderReversed() bool { return l.reversed }
func (l *memLayout) PixelsPerElement() int {
	if l.ppe == 0 {
		return 1
	}
	return l.ppe
}
func (l *memLayout) ScanlineStride() int {
	if l.planar {
		return l.tw
	}
	return l.tw * l.NumBands()
}
func (l *memLayout) FillValues() []float64 { return l.fills }
func (l *memLayout) ReplaceableFillValue() (float64, bool) {
	return l.sentinel, l.hasSentinel
}

// buildResource encodes one bank per tile from the generator and wires the
// layout's offset vectors. Generated values cover the full padded tile,
// including pixels past the image edge.
func buildResource[T Sample](t *testing.T, l *memLayout, gen func(x, y, band int) T) *Resource {
	t.Helper()

	tilesAcross := ceilDiv(l.w, l.tw)
	numTiles := l.NumTiles()
	banksPer, stride := 1, l.NumBands()
	if l.planar {
		banksPer, stride = l.NumBands(), 1
	}

	// Leading pad so no tile sits at offset zero.
	buf := []byte{0xde, 0xad}
	l.offsets = make([]int64, numTiles*banksPer)
	l.counts = make([]int64, numTiles*banksPer)

	opts := EncodeOptions{
		Compression:    l.Compression(),
		Predictor:      l.Predictor(),
		PixelStride:    stride,
		ScanlineStride: l.tw * stride,
		Order:          binary.LittleEndian,
	}
	for bank := 0; bank < banksPer; bank++ {
		for tile := 0; tile < numTiles; tile++ {
			tx, ty := tile%tilesAcross, tile/tilesAcross
			data := make([]T, l.tw*l.th*stride)
			for y := 0; y < l.th; y++ {
				for x := 0; x < l.tw; x++ {
					for b := 0; b < stride; b++ {
						band := b
						if l.planar {
							band = bank
						}
						data[(y*l.tw+x)*stride+b] = gen(tx*l.tw+x, ty*l.th+y, band)
					}
				}
			}
			enc, err := EncodeBank(bankOf(data), opts)
			if err != nil {
				t.Fatalf("encoding tile %d bank %d: %v", tile, bank, err)
			}
			idx := tile + bank*numTiles
			l.offsets[idx] = int64(len(buf))
			l.counts[idx] = int64(len(enc))
			buf = append(buf, enc...)
		}
	}
	return NewResource(l, bytes.NewReader(buf), binary.LittleEndian, 64, 8)
}

// checkTiles verifies every pixel of every returned tile against the
// generator, and that the tiles exactly cover the clipped output grid.
func checkTiles(t *testing.T, tiles []*Tile, l *memLayout, req Request, want func(x, y, band int) float64) {
	t.Helper()

	region := req.Region
	if region.X1 > l.w {
		region.X1 = l.w
	}
	if region.Y1 > l.h {
		region.Y1 = l.h
	}
	sx, sy := req.subsampling()

	bands := req.Bands
	if bands == nil {
		bands = make([]int, l.NumBands())
		for i := range bands {
			bands[i] = i
		}
	}

	covered := 0
	for _, tile := range tiles {
		covered += tile.Width * tile.Height
		for j := 0; j < tile.Height; j++ {
			for i := 0; i < tile.Width; i++ {
				x := region.X0 + (tile.OriginX+i)*sx
				y := region.Y0 + (tile.OriginY+j)*sy
				for bi, band := range bands {
					var got float64
					if l.planar {
						got = tile.Banks[bi].Float64(j*tile.Width + i)
					} else {
						got = tile.Banks[0].Float64((j*tile.Width+i)*len(bands) + bi)
					}
					w := want(x, y, band)
					if got != w && !(math.IsNaN(got) && math.IsNaN(w)) {
						t.Fatalf("tile %d pixel (%d, %d) band %d: got %v, want %v",
							tile.Index, x, y, band, got, w)
					}
				}
			}
		}
	}

	outW := (region.Width() + sx - 1) / sx
	outH := (region.Height() + sy - 1) / sy
	if covered != outW*outH {
		t.Errorf("tiles cover %d output pixels, want %d", covered, outW*outH)
	}
}

func TestReadRegionUncompressedFloat32(t *testing.T) {
	l := &memLayout{w: 21, h: 13, tw: 8, th: 8, bands: 1, st: Float32}
	gen := func(x, y, _ int) float32 { return float32(y*1000 + x) }
	res := buildResource(t, l, gen)
	want := func(x, y, _ int) float64 { return float64(y*1000 + x) }

	testCases := []struct {
		name string
		req  Request
	}{
		{"full image", Request{Region: Region{0, 0, 21, 13}}},
		{"single tile interior", Request{Region: Region{9, 9, 15, 12}}},
		{"cross tile boundary", Request{Region: Region{5, 5, 19, 11}}},
		{"clipped past the edge", Request{Region: Region{16, 8, 100, 100}}},
		{"single pixel", Request{Region: Region{20, 12, 21, 13}}},
		{"subsampled", Request{Region: Region{1, 1, 20, 12}, SubsampleX: 3, SubsampleY: 2}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tiles, err := res.ReadRegion(tc.req)
			if err != nil {
				t.Fatalf("ReadRegion failed: %v", err)
			}
			checkTiles(t, tiles, l, tc.req, want)
		})
	}
}

func TestReadRegionBandSubsetCompressed(t *testing.T) {
	l := &memLayout{w: 16, h: 16, tw: 8, th: 8, bands: 3, st: Uint16, comp: CompressionDeflate}
	gen := func(x, y, b int) uint16 { return uint16(y*113 + x*7 + b*1000) }
	res := buildResource(t, l, gen)
	want := func(x, y, b int) float64 { return float64(gen(x, y, b)) }

	testCases := []struct {
		name string
		req  Request
	}{
		{"all bands", Request{Region: Region{0, 0, 16, 16}}},
		{"outer bands", Request{Region: Region{2, 3, 14, 15}, Bands: []int{0, 2}}},
		{"middle band", Request{Region: Region{0, 0, 16, 16}, Bands: []int{1}}},
		{"adjacent bands subsampled", Request{Region: Region{1, 0, 15, 16}, SubsampleX: 2, SubsampleY: 3, Bands: []int{1, 2}}},
		{"outer bands subsampled", Request{Region: Region{0, 0, 16, 16}, SubsampleX: 3, SubsampleY: 2, Bands: []int{0, 2}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tiles, err := res.ReadRegion(tc.req)
			if err != nil {
				t.Fatalf("ReadRegion failed: %v", err)
			}
			checkTiles(t, tiles, l, tc.req, want)
		})
	}
}

func TestReadRegionPlanar(t *testing.T) {
	l := &memLayout{w: 12, h: 12, tw: 6, th: 6, bands: 3, planar: true, st: Int32, comp: CompressionZstd}
	gen := func(x, y, b int) int32 { return int32(y*100+x) - int32(b*5000) }
	res := buildResource(t, l, gen)
	want := func(x, y, b int) float64 { return float64(gen(x, y, b)) }

	testCases := []struct {
		name string
		req  Request
	}{
		{"all planes", Request{Region: Region{0, 0, 12, 12}}},
		{"one plane", Request{Region: Region{3, 2, 10, 11}, Bands: []int{2}}},
		{"two planes subsampled", Request{Region: Region{0, 0, 12, 12}, SubsampleX: 2, SubsampleY: 2, Bands: []int{0, 2}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tiles, err := res.ReadRegion(tc.req)
			if err != nil {
				t.Fatalf("ReadRegion failed: %v", err)
			}
			checkTiles(t, tiles, l, tc.req, want)
		})
	}
}

func TestReadRegionPredictor(t *testing.T) {
	l := &memLayout{
		w: 16, h: 8, tw: 8, th: 8, bands: 3, st: Uint8,
		comp: CompressionDeflate, pred: PredictorHorizontal,
	}
	gen := func(x, y, b int) uint8 { return uint8(x*3 + y + b*40) }
	res := buildResource(t, l, gen)
	want := func(x, y, b int) float64 { return float64(gen(x, y, b)) }

	testCases := []struct {
		name string
		req  Request
	}{
		{"full", Request{Region: Region{0, 0, 16, 8}}},
		{"band subset", Request{Region: Region{3, 1, 13, 7}, Bands: []int{0, 2}}},
		{"subsampled", Request{Region: Region{0, 0, 16, 8}, SubsampleX: 2, SubsampleY: 3}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tiles, err := res.ReadRegion(tc.req)
			if err != nil {
				t.Fatalf("ReadRegion failed: %v", err)
			}
			checkTiles(t, tiles, l, tc.req, want)
		})
	}
}

func TestReadRegionPackBits(t *testing.T) {
	l := &memLayout{w: 10, h: 10, tw: 10, th: 10, bands: 1, st: Uint8, comp: CompressionPackBits}
	gen := func(x, y, _ int) uint8 { return uint8(y) } // long runs, worth packing
	res := buildResource(t, l, gen)

	req := Request{Region: Region{0, 0, 10, 10}}
	tiles, err := res.ReadRegion(req)
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	checkTiles(t, tiles, l, req, func(x, y, _ int) float64 { return float64(y) })
}

func TestSparseTileSynthesis(t *testing.T) {
	nodata := -9999.0
	l := &memLayout{
		w: 8, h: 4, tw: 4, th: 4, bands: 1, st: Float32,
		fills: []float64{nodata}, sentinel: nodata, hasSentinel: true,
	}
	gen := func(x, y, _ int) float32 {
		if x == 1 && y == 1 {
			return float32(nodata) // stored sentinel, replaced on read
		}
		return float32(x + y)
	}
	res := buildResource(t, l, gen)

	// Erase the second tile per the sparse convention.
	l.offsets[1] = 0
	l.counts[1] = 0

	tiles, err := res.ReadRegion(Request{Region: Region{0, 0, 8, 4}})
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	if len(tiles) != 2 {
		t.Fatalf("got %d tiles, want 2", len(tiles))
	}

	// Stored sentinel becomes NaN.
	if v := tiles[0].Banks[0].Float64(1*4 + 1); !math.IsNaN(v) {
		t.Errorf("stored sentinel value = %v, want NaN", v)
	}
	if v := tiles[0].Banks[0].Float64(0); v != 0 {
		t.Errorf("pixel (0,0) = %v, want 0", v)
	}

	// The sparse tile is synthesized entirely from the fill value, which
	// is the sentinel here, so it reads back as NaN.
	for i := 0; i < tiles[1].Banks[0].Len(); i++ {
		if v := tiles[1].Banks[0].Float64(i); !math.IsNaN(v) {
			t.Fatalf("sparse tile sample %d = %v, want NaN", i, v)
		}
	}

	if got := res.Stats().TilesSynthesized.Load(); got != 1 {
		t.Errorf("TilesSynthesized = %d, want 1", got)
	}
	if got := res.Stats().TilesDecoded.Load(); got != 1 {
		t.Errorf("TilesDecoded = %d, want 1", got)
	}
}

func TestTruncatedTile(t *testing.T) {
	l := &memLayout{w: 4, h: 4, tw: 4, th: 4, bands: 1, st: Uint16, fills: []float64{7}}
	gen := func(x, y, _ int) uint16 { return uint16(10*y + x) }
	res := buildResource(t, l, gen)

	rowBytes := int64(4 * 2)

	t.Run("whole rows stored", func(t *testing.T) {
		l.counts[0] = 2 * rowBytes
		res.cache.Clear()
		tiles, err := res.ReadRegion(Request{Region: Region{0, 0, 4, 4}})
		if err != nil {
			t.Fatalf("ReadRegion failed: %v", err)
		}
		tile := tiles[0]
		if v := tile.Banks[0].Float64(1*4 + 3); v != 13 {
			t.Errorf("stored pixel = %v, want 13", v)
		}
		for i := 8; i < 16; i++ {
			if v := tile.Banks[0].Float64(i); v != 7 {
				t.Fatalf("padded sample %d = %v, want fill 7", i, v)
			}
		}
	})

	t.Run("mid-row count is a content error", func(t *testing.T) {
		l.counts[0] = 2*rowBytes + 3
		res.cache.Clear()
		_, err := res.ReadRegion(Request{Region: Region{0, 0, 4, 4}})
		if !errors.Is(err, ErrContent) {
			t.Fatalf("got error %v, want ErrContent", err)
		}
	})
}

func TestPackedSamples(t *testing.T) {
	// 1-bit image, 16 pixels per row packed into 2 bytes.
	l := &memLayout{w: 16, h: 4, tw: 16, th: 4, bands: 1, st: Uint8, ppe: 8}
	raw := []byte{
		0xFF, 0x00,
		0xAA, 0x55,
		0x0F, 0xF0,
		0x81, 0x18,
	}
	buf := append([]byte{0}, raw...)
	l.offsets = []int64{1}
	l.counts = []int64{int64(len(raw))}
	res := NewResource(l, bytes.NewReader(buf), binary.LittleEndian, 64, 8)

	tiles, err := res.ReadRegion(Request{Region: Region{0, 0, 16, 4}})
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	got := tiles[0].Banks[0].Uint8s()
	if !bytes.Equal(got, raw) {
		t.Errorf("packed bank = %x, want %x", got, raw)
	}

	// A region starting on an element boundary reads the aligned elements.
	tiles, err = res.ReadRegion(Request{Region: Region{8, 0, 16, 4}})
	if err != nil {
		t.Fatalf("aligned offset read failed: %v", err)
	}
	if got, want := tiles[0].Banks[0].Uint8s(), []byte{0x00, 0x55, 0xF0, 0x18}; !bytes.Equal(got, want) {
		t.Errorf("aligned offset bank = %x, want %x", got, want)
	}

	// Unsupported combinations are rejected before any read.
	if _, err := res.ReadRegion(Request{Region: Region{0, 0, 16, 4}, SubsampleX: 2}); !errors.Is(err, ErrUnsupportedLayout) {
		t.Errorf("X-subsampled packed read: got %v, want ErrUnsupportedLayout", err)
	}

	// A region starting mid-element would return bits of pixels before the
	// requested origin.
	if _, err := res.ReadRegion(Request{Region: Region{3, 0, 11, 4}}); !errors.Is(err, ErrUnsupportedLayout) {
		t.Errorf("misaligned packed read: got %v, want ErrUnsupportedLayout", err)
	}
}

func TestPackedCompressedRows(t *testing.T) {
	// 1-bit 12x3 image: each row is 12 pixels padded into 2 byte elements,
	// stored as a single PackBits literal run.
	l := &memLayout{w: 12, h: 3, tw: 12, th: 3, bands: 1, st: Uint8, ppe: 8, comp: CompressionPackBits}
	elems := []byte{0xAA, 0xB0, 0xCC, 0xD0, 0xEE, 0xF0}
	packed := append([]byte{5}, elems...) // literal run of 6
	buf := append([]byte{0}, packed...)
	l.offsets = []int64{1}
	l.counts = []int64{int64(len(packed))}
	res := NewResource(l, bytes.NewReader(buf), binary.LittleEndian, 64, 8)

	testCases := []struct {
		name string
		req  Request
		want []byte
	}{
		{"full tile", Request{Region: Region{0, 0, 12, 3}}, elems},
		{"last row", Request{Region: Region{0, 2, 12, 3}}, []byte{0xEE, 0xF0}},
		{"first element of each row", Request{Region: Region{0, 0, 8, 3}}, []byte{0xAA, 0xCC, 0xEE}},
		{"second element of each row", Request{Region: Region{8, 0, 12, 3}}, []byte{0xB0, 0xD0, 0xF0}},
		{"Y-subsampled", Request{Region: Region{0, 0, 12, 3}, SubsampleY: 2}, []byte{0xAA, 0xB0, 0xEE, 0xF0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res.cache.Clear()
			tiles, err := res.ReadRegion(tc.req)
			if err != nil {
				t.Fatalf("ReadRegion failed: %v", err)
			}
			if got := tiles[0].Banks[0].Uint8s(); !bytes.Equal(got, tc.want) {
				t.Errorf("bank = %x, want %x", got, tc.want)
			}
		})
	}

	if _, err := res.ReadRegion(Request{Region: Region{3, 0, 11, 3}}); !errors.Is(err, ErrUnsupportedLayout) {
		t.Errorf("misaligned packed read: got %v, want ErrUnsupportedLayout", err)
	}
}

func TestBitReversedUncompressed(t *testing.T) {
	t.Run("packed", func(t *testing.T) {
		// FillOrder=2: stored bytes carry their bits low-to-high.
		l := &memLayout{w: 32, h: 1, tw: 32, th: 1, bands: 1, st: Uint8, ppe: 8, reversed: true}
		stored := []byte{0xF0, 0x81, 0x18, 0xE7}
		buf := append([]byte{0}, stored...)
		l.offsets = []int64{1}
		l.counts = []int64{int64(len(stored))}
		res := NewResource(l, bytes.NewReader(buf), binary.LittleEndian, 64, 8)

		tiles, err := res.ReadRegion(Request{Region: Region{0, 0, 32, 1}})
		if err != nil {
			t.Fatalf("ReadRegion failed: %v", err)
		}
		want := []byte{0x0F, 0x81, 0x18, 0xE7}
		if got := tiles[0].Banks[0].Uint8s(); !bytes.Equal(got, want) {
			t.Errorf("bank = %x, want bit-reversed %x", got, want)
		}
	})

	t.Run("whole byte samples", func(t *testing.T) {
		l := &memLayout{w: 4, h: 1, tw: 4, th: 1, bands: 1, st: Uint8, reversed: true}
		stored := []byte{0x80, 0x40, 0xC0, 0x20}
		buf := append([]byte{0}, stored...)
		l.offsets = []int64{1}
		l.counts = []int64{int64(len(stored))}
		res := NewResource(l, bytes.NewReader(buf), binary.LittleEndian, 64, 8)

		tiles, err := res.ReadRegion(Request{Region: Region{0, 0, 4, 1}})
		if err != nil {
			t.Fatalf("ReadRegion failed: %v", err)
		}
		want := []byte{0x01, 0x02, 0x03, 0x04}
		if got := tiles[0].Banks[0].Uint8s(); !bytes.Equal(got, want) {
			t.Errorf("bank = %x, want bit-reversed %x", got, want)
		}
	})
}

func TestReadRegionInvalidRequests(t *testing.T) {
	l := &memLayout{w: 8, h: 8, tw: 4, th: 4, bands: 2, st: Uint8}
	res := buildResource(t, l, func(x, y, b int) uint8 { return uint8(x + y + b) })

	testCases := []struct {
		name string
		req  Request
	}{
		{"empty region", Request{Region: Region{4, 4, 4, 8}}},
		{"negative origin", Request{Region: Region{-1, 0, 4, 4}}},
		{"region outside image", Request{Region: Region{50, 50, 60, 60}}},
		{"band out of range", Request{Region: Region{0, 0, 4, 4}, Bands: []int{0, 2}}},
		{"unsorted bands", Request{Region: Region{0, 0, 4, 4}, Bands: []int{1, 0}}},
		{"duplicate bands", Request{Region: Region{0, 0, 4, 4}, Bands: []int{1, 1}}},
		{"negative subsampling", Request{Region: Region{0, 0, 4, 4}, SubsampleX: -2}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := res.ReadRegion(tc.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("got error %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestReadRegionCaching(t *testing.T) {
	l := &memLayout{w: 8, h: 8, tw: 4, th: 4, bands: 1, st: Float32}
	gen := func(x, y, _ int) float32 { return float32(y*8 + x) }
	res := buildResource(t, l, gen)
	want := func(x, y, _ int) float64 { return float64(y*8 + x) }

	first := Request{Region: Region{0, 0, 8, 8}}
	if _, err := res.ReadRegion(first); err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	if got := res.Stats().TilesDecoded.Load(); got != 4 {
		t.Fatalf("TilesDecoded = %d, want 4", got)
	}

	// Same tiles again, shifted region origin: all hits, repositioned.
	second := Request{Region: Region{4, 0, 8, 8}}
	tiles, err := res.ReadRegion(second)
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if got := res.Stats().CacheHits.Load(); got != 2 {
		t.Errorf("CacheHits = %d, want 2", got)
	}
	if got := res.Stats().TilesDecoded.Load(); got != 4 {
		t.Errorf("TilesDecoded after cached read = %d, want 4", got)
	}
	checkTiles(t, tiles, l, second, want)

	// A different subsampling is a different cache entry.
	third := Request{Region: Region{0, 0, 8, 8}, SubsampleX: 2, SubsampleY: 2}
	tiles, err = res.ReadRegion(third)
	if err != nil {
		t.Fatalf("third read failed: %v", err)
	}
	if got := res.Stats().TilesDecoded.Load(); got != 8 {
		t.Errorf("TilesDecoded after subsampled read = %d, want 8", got)
	}
	checkTiles(t, tiles, l, third, want)
}

func TestSubsamplingCompactsSkippedTiles(t *testing.T) {
	l := &memLayout{w: 16, h: 4, tw: 4, th: 4, bands: 1, st: Uint8}
	res := buildResource(t, l, func(x, y, _ int) uint8 { return uint8(x) })

	// Step 8 from x=0 selects x=0 and x=8: tiles 1 and 3 contribute no
	// pixel and are compacted out.
	req := Request{Region: Region{0, 0, 13, 4}, SubsampleX: 8}
	tiles, err := res.ReadRegion(req)
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	if len(tiles) != 2 {
		t.Fatalf("got %d tiles, want 2", len(tiles))
	}
	checkTiles(t, tiles, l, req, func(x, y, _ int) float64 { return float64(x) })
}

// orderedInput fails the test if tile reads ever move backwards in the
// file. Reads inside the already-buffered window of a tile are fine; a new
// tile must always start at a higher offset than the previous one.
type orderedInput struct {
	t       *testing.T
	data    *bytes.Reader
	mu      sync.Mutex
	lastOff int64
	starts  []int64
}

func (o *orderedInput) ReadAt(p []byte, off int64) (int, error) {
	o.mu.Lock()
	if off < o.lastOff {
		o.t.Errorf("backward read: offset %d after %d", off, o.lastOff)
	}
	o.lastOff = off
	o.starts = append(o.starts, off)
	o.mu.Unlock()
	return o.data.ReadAt(p, off)
}

func TestMissingTilesReadInFileOrder(t *testing.T) {
	l := &memLayout{w: 8, h: 8, tw: 4, th: 4, bands: 1, st: Uint16, comp: CompressionDeflate}
	gen := func(x, y, _ int) uint16 { return uint16(y*8 + x) }
	res := buildResource(t, l, gen)

	// Reverse the tiles' physical placement so file order disagrees with
	// index order.
	underlying := res.input.(*bytes.Reader)
	raw := make([]byte, underlying.Size())
	if _, err := underlying.ReadAt(raw, 0); err != nil {
		t.Fatal(err)
	}
	var rebuilt []byte
	newOffsets := make([]int64, len(l.offsets))
	for i := len(l.offsets) - 1; i >= 0; i-- {
		newOffsets[i] = int64(len(rebuilt))
		rebuilt = append(rebuilt, raw[l.offsets[i]:l.offsets[i]+l.counts[i]]...)
	}
	l.offsets = newOffsets

	in := &orderedInput{t: t, data: bytes.NewReader(rebuilt)}
	res = NewResource(l, in, binary.LittleEndian, 64, 8)

	req := Request{Region: Region{0, 0, 8, 8}}
	tiles, err := res.ReadRegion(req)
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	checkTiles(t, tiles, l, req, func(x, y, _ int) float64 { return float64(y*8 + x) })
	if len(in.starts) == 0 {
		t.Fatal("no reads recorded")
	}

	// Result order is still tile index order, regardless of read order.
	for i, tile := range tiles {
		if tile.Index != i {
			t.Errorf("result %d holds tile %d", i, tile.Index)
		}
	}
}
