package geotiff

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/akhenakh/rasterd/raster"
)

// makeTiles builds the padded per-tile banks Write expects from a
// per-pixel generator.
func makeTiles[T raster.Sample](t *testing.T, o WriterOptions, gen func(x, y, b int) T) [][]raster.Bank {
	t.Helper()

	tilesAcross := (o.Width + o.TileWidth - 1) / o.TileWidth
	tilesDown := (o.Height + o.TileHeight - 1) / o.TileHeight
	numBands := o.NumBands
	if numBands == 0 {
		numBands = 1
	}

	tiles := make([][]raster.Bank, tilesAcross*tilesDown)
	for tile := range tiles {
		tx, ty := tile%tilesAcross, tile/tilesAcross
		if o.Planar {
			banks := make([]raster.Bank, numBands)
			for b := 0; b < numBands; b++ {
				data := make([]T, o.TileWidth*o.TileHeight)
				for y := 0; y < o.TileHeight; y++ {
					for x := 0; x < o.TileWidth; x++ {
						data[y*o.TileWidth+x] = gen(tx*o.TileWidth+x, ty*o.TileHeight+y, b)
					}
				}
				bank, err := raster.NewBank(data)
				if err != nil {
					t.Fatal(err)
				}
				banks[b] = bank
			}
			tiles[tile] = banks
			continue
		}
		data := make([]T, o.TileWidth*o.TileHeight*numBands)
		for y := 0; y < o.TileHeight; y++ {
			for x := 0; x < o.TileWidth; x++ {
				for b := 0; b < numBands; b++ {
					data[(y*o.TileWidth+x)*numBands+b] = gen(tx*o.TileWidth+x, ty*o.TileHeight+y, b)
				}
			}
		}
		bank, err := raster.NewBank(data)
		if err != nil {
			t.Fatal(err)
		}
		tiles[tile] = []raster.Bank{bank}
	}
	return tiles
}

func openWritten(t *testing.T, o WriterOptions, tiles [][]raster.Bank) *GeoTIFF {
	t.Helper()

	var buf bytes.Buffer
	if err := Write(&buf, o, tiles); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	geo, err := Open(bytes.NewReader(buf.Bytes()), 64, 8)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return geo
}

// checkRegion reads a region and verifies every returned pixel against the
// generator.
func checkRegion(t *testing.T, geo *GeoTIFF, req raster.Request, want func(x, y, b int) float64) {
	t.Helper()

	tiles, err := geo.ReadRegion(req)
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}

	l := geo.Layout()
	region := req.Region
	if region.X1 > l.ImageWidth() {
		region.X1 = l.ImageWidth()
	}
	if region.Y1 > l.ImageHeight() {
		region.Y1 = l.ImageHeight()
	}
	sx, sy := req.SubsampleX, req.SubsampleY
	if sx == 0 {
		sx = 1
	}
	if sy == 0 {
		sy = 1
	}
	bands := req.Bands
	if bands == nil {
		bands = make([]int, l.NumBands())
		for i := range bands {
			bands[i] = i
		}
	}

	for _, tile := range tiles {
		for j := 0; j < tile.Height; j++ {
			for i := 0; i < tile.Width; i++ {
				x := region.X0 + (tile.OriginX+i)*sx
				y := region.Y0 + (tile.OriginY+j)*sy
				for bi, band := range bands {
					var got float64
					if l.Planar() {
						got = tile.Banks[bi].Float64(j*tile.Width + i)
					} else {
						got = tile.Banks[0].Float64((j*tile.Width+i)*len(bands) + bi)
					}
					w := want(x, y, band)
					if got != w && !(math.IsNaN(got) && math.IsNaN(w)) {
						t.Fatalf("pixel (%d, %d) band %d: got %v, want %v", x, y, band, got, w)
					}
				}
			}
		}
	}
}

func TestWriteOpenRoundTrip(t *testing.T) {
	o := WriterOptions{
		Width: 21, Height: 13, TileWidth: 8, TileHeight: 8,
		NumBands: 1, SampleType: raster.Float32,
	}
	gen := func(x, y, _ int) float32 { return float32(y)*100 + float32(x) }
	geo := openWritten(t, o, makeTiles(t, o, gen))

	l := geo.Layout()
	if l.ImageWidth() != 21 || l.ImageHeight() != 13 {
		t.Errorf("image dimensions %dx%d, want 21x13", l.ImageWidth(), l.ImageHeight())
	}
	if l.TileWidth() != 8 || l.TileHeight() != 8 {
		t.Errorf("tile dimensions %dx%d, want 8x8", l.TileWidth(), l.TileHeight())
	}
	if l.NumTiles() != 6 {
		t.Errorf("NumTiles = %d, want 6", l.NumTiles())
	}
	if l.SampleType() != raster.Float32 {
		t.Errorf("SampleType = %s, want float32", l.SampleType())
	}
	if l.Compression() != raster.CompressionNone {
		t.Errorf("Compression = %s, want none", l.Compression())
	}

	want := func(x, y, _ int) float64 { return float64(y)*100 + float64(x) }
	checkRegion(t, geo, raster.Request{Region: raster.Region{X0: 0, Y0: 0, X1: 21, Y1: 13}}, want)
	checkRegion(t, geo, raster.Request{Region: raster.Region{X0: 5, Y0: 3, X1: 18, Y1: 12}}, want)
	checkRegion(t, geo, raster.Request{
		Region: raster.Region{X0: 1, Y0: 1, X1: 21, Y1: 13}, SubsampleX: 3, SubsampleY: 2,
	}, want)
}

func TestWriteOpenMultiBandPredictor(t *testing.T) {
	o := WriterOptions{
		Width: 16, Height: 12, TileWidth: 8, TileHeight: 4,
		NumBands: 2, SampleType: raster.Int16,
		Compression: raster.CompressionDeflate,
		Predictor:   raster.PredictorHorizontal,
	}
	gen := func(x, y, b int) int16 { return int16(x*4+y*17) - int16(b*300) }
	geo := openWritten(t, o, makeTiles(t, o, gen))

	if geo.Layout().Predictor() != raster.PredictorHorizontal {
		t.Fatalf("Predictor = %d, want horizontal", geo.Layout().Predictor())
	}

	want := func(x, y, b int) float64 { return float64(gen(x, y, b)) }
	checkRegion(t, geo, raster.Request{Region: raster.Region{X0: 0, Y0: 0, X1: 16, Y1: 12}}, want)
	checkRegion(t, geo, raster.Request{
		Region: raster.Region{X0: 2, Y0: 1, X1: 15, Y1: 11}, Bands: []int{1},
	}, want)
}

func TestWriteOpenPlanar(t *testing.T) {
	o := WriterOptions{
		Width: 12, Height: 12, TileWidth: 6, TileHeight: 6,
		NumBands: 3, Planar: true, SampleType: raster.Uint16,
		Compression: raster.CompressionZstd,
	}
	gen := func(x, y, b int) uint16 { return uint16(y*64 + x + b*10000) }
	geo := openWritten(t, o, makeTiles(t, o, gen))

	if !geo.Layout().Planar() {
		t.Fatal("layout not recognized as planar")
	}

	want := func(x, y, b int) float64 { return float64(gen(x, y, b)) }
	checkRegion(t, geo, raster.Request{Region: raster.Region{X0: 0, Y0: 0, X1: 12, Y1: 12}}, want)
	checkRegion(t, geo, raster.Request{
		Region: raster.Region{X0: 1, Y0: 2, X1: 11, Y1: 12}, Bands: []int{0, 2},
	}, want)
}

func TestNoDataAndSparseTiles(t *testing.T) {
	nodata := -9999.0
	o := WriterOptions{
		Width: 8, Height: 4, TileWidth: 4, TileHeight: 4,
		NumBands: 1, SampleType: raster.Float32,
		NoData: &nodata,
	}
	gen := func(x, y, _ int) float32 {
		if x == 2 && y == 1 {
			return float32(nodata)
		}
		return float32(x + y)
	}
	tiles := makeTiles(t, o, gen)
	// Right tile left unstored, the GDAL sparse file convention.
	tiles[1] = nil
	geo := openWritten(t, o, tiles)

	want := func(x, y, _ int) float64 {
		if x >= 4 || (x == 2 && y == 1) {
			return math.NaN()
		}
		return float64(x + y)
	}
	checkRegion(t, geo, raster.Request{Region: raster.Region{X0: 0, Y0: 0, X1: 8, Y1: 4}}, want)

	if got := geo.Stats().TilesSynthesized.Load(); got != 1 {
		t.Errorf("TilesSynthesized = %d, want 1", got)
	}
}

// Striped files are modeled as full-width tiles of RowsPerStrip height.
func TestStripLayout(t *testing.T) {
	const width, height, rowsPerStrip = 6, 5, 2
	pixels := make([]byte, width*height)
	for i := range pixels {
		pixels[i] = byte(i * 3)
	}
	strips := [][]byte{
		pixels[0 : 2*width],
		pixels[2*width : 4*width],
		pixels[4*width : 5*width], // final strip holds a single row
	}

	b := newIFDBuilder()
	b.addLong(ImageWidth, width)
	b.addLong(ImageLength, height)
	b.addShorts(BitsPerSample, []uint16{8})
	b.addShort(Compression, Uncompressed)
	b.addShort(Photometric, 1)
	b.addLongs(StripOffsets, make([]uint32, len(strips)))
	b.addShort(SamplesPerPixel, 1)
	b.addShort(RowsPerStrip, rowsPerStrip)
	b.addLongs(StripByteCounts, []uint32{
		uint32(len(strips[0])), uint32(len(strips[1])), uint32(len(strips[2])),
	})
	b.addShorts(SampleFormat, []uint16{SampleFormatUint})

	dataStart := b.layout(8)
	offsets := make([]uint32, len(strips))
	pos := dataStart
	for i, s := range strips {
		offsets[i] = uint32(pos)
		pos += len(s)
	}
	b.setLongs(StripOffsets, offsets)

	var buf bytes.Buffer
	buf.Write([]byte{0x49, 0x49, 42, 0, 8, 0, 0, 0})
	b.serialize(&buf)
	for _, s := range strips {
		buf.Write(s)
	}

	geo, err := Open(bytes.NewReader(buf.Bytes()), 64, 8)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	l := geo.Layout()
	if l.TileWidth() != width || l.TileHeight() != rowsPerStrip {
		t.Fatalf("strip modeled as %dx%d tile, want %dx%d", l.TileWidth(), l.TileHeight(), width, rowsPerStrip)
	}
	if l.NumTiles() != 3 {
		t.Fatalf("NumTiles = %d, want 3", l.NumTiles())
	}

	checkRegion(t, geo, raster.Request{Region: raster.Region{X0: 0, Y0: 0, X1: width, Y1: height}},
		func(x, y, _ int) float64 { return float64(byte((y*width + x) * 3)) })
}

func TestBoundsAndAtCoord(t *testing.T) {
	o := WriterOptions{
		Width: 8, Height: 8, TileWidth: 4, TileHeight: 4,
		NumBands: 1, SampleType: raster.Float32,
		PixelScale: &[2]float64{0.5, 0.5},
		Tiepoint:   []float64{0, 0, 0, 10, 50, 0},
	}
	gen := func(x, y, _ int) float32 { return float32(y*8 + x) }
	geo := openWritten(t, o, makeTiles(t, o, gen))

	bounds, err := geo.Bounds()
	if err != nil {
		t.Fatalf("Bounds failed: %v", err)
	}
	if bounds.UpperLeft.Lon != 10 || bounds.UpperLeft.Lat != 50 {
		t.Errorf("upper left = %s, want (10, 50)", bounds.UpperLeft)
	}
	if bounds.LowerRight.Lon != 14 || bounds.LowerRight.Lat != 46 {
		t.Errorf("lower right = %s, want (14, 46)", bounds.LowerRight)
	}

	testCases := []struct {
		name        string
		lon, lat    float64
		want        float64
		wantErr     bool
		errContains string
	}{
		{name: "origin pixel", lon: 10, lat: 50, want: 0},
		{name: "interior pixel", lon: 10.5, lat: 49.5, want: 9},
		{name: "across tile boundary", lon: 12.5, lat: 47.5, want: 45},
		{
			name: "outside bounds", lon: 0, lat: 0,
			wantErr: true, errContains: "does not fall inside the image bounds",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := geo.AtCoord(tc.lon, tc.lat)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error, got none")
				}
				if !strings.Contains(err.Error(), tc.errContains) {
					t.Errorf("error %q does not contain %q", err, tc.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("AtCoord failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("AtCoord(%f, %f) = %v, want %v", tc.lon, tc.lat, got, tc.want)
			}
		})
	}
}

func TestProfile(t *testing.T) {
	o := WriterOptions{
		Width: 8, Height: 8, TileWidth: 8, TileHeight: 8,
		NumBands: 1, SampleType: raster.Float32,
		PixelScale: &[2]float64{0.5, 0.5},
		Tiepoint:   []float64{0, 0, 0, 10, 50, 0},
	}
	gen := func(x, y, _ int) float32 { return float32(y*8 + x) }
	geo := openWritten(t, o, makeTiles(t, o, gen))

	// Horizontal path along row 2, pairs are [lat, lng].
	profile, err := geo.Profile([][]float64{{49, 10}, {49, 13}})
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if len(profile) != 7 {
		t.Fatalf("profile has %d points, want 7", len(profile))
	}
	for _, p := range profile {
		lat, lon, value := p[0], p[1], p[2]
		x := int(math.Round((lon - 10) / 0.5))
		y := int(math.Round((50 - lat) / 0.5))
		if want := float64(y*8 + x); value != want {
			t.Errorf("profile point (%f, %f) = %v, want %v", lat, lon, value, want)
		}
	}

	if _, err := geo.Profile([][]float64{{49, 10}}); err == nil {
		t.Error("expected an error for a single-point path")
	}
}

func TestOpenRejectsBadHeaders(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad byte order", []byte{0x4A, 0x4A, 42, 0, 8, 0, 0, 0}},
		{"bad identifier", []byte{0x49, 0x49, 41, 0, 8, 0, 0, 0}},
		{"no IFD", []byte{0x49, 0x49, 42, 0, 0, 0, 0, 0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Open(bytes.NewReader(tc.data), 64, 8); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestHintBufferCoalescing(t *testing.T) {
	var b hintBuffer
	b.announce(100, 50)
	b.announce(160, 40) // gap of 10, coalesced with the first span
	b.announce(1<<24, 10)

	if len(b.pending) != 2 {
		t.Fatalf("pending spans = %d, want 2", len(b.pending))
	}
	if b.pending[0].off != 100 || b.pending[0].length != 100 {
		t.Errorf("merged span = %+v, want {100 100}", b.pending[0])
	}

	fetches := 0
	fetch := func(off, length int64) ([]byte, error) {
		fetches++
		data := make([]byte, length)
		for i := range data {
			data[i] = byte(off + int64(i))
		}
		return data, nil
	}

	p := make([]byte, 40)
	n, ok, err := b.read(p, 160, fetch)
	if err != nil || !ok || n != 40 {
		t.Fatalf("read = (%d, %v, %v), want (40, true, nil)", n, ok, err)
	}
	if p[0] != byte(160) {
		t.Errorf("read data starts with %d, want %d", p[0], byte(160))
	}

	// Second read inside the same window must be served from memory.
	if _, ok, err := b.read(p[:20], 110, fetch); !ok || err != nil {
		t.Fatalf("window read failed: ok=%v err=%v", ok, err)
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1", fetches)
	}

	// Un-hinted offset: the caller falls back to a direct read.
	if _, ok, _ := b.read(p, 5000, fetch); ok {
		t.Error("read at an un-hinted offset should not be served from hints")
	}
}
