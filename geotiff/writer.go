package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/akhenakh/rasterd/raster"
)

// WriterOptions describe the file a Write call produces. Output is always
// classic little-endian TIFF with a single tiled IFD.
type WriterOptions struct {
	Width  int
	Height int

	TileWidth  int
	TileHeight int

	NumBands int
	Planar   bool

	SampleType  raster.SampleType
	Compression raster.Compression
	Predictor   raster.Predictor

	// NoData, when set, is written as the GDAL no-data ASCII tag and
	// becomes the replaceable fill value on read.
	NoData *float64

	// PixelScale is the optional (scaleX, scaleY) georeferencing pair.
	// ScaleY is written as a positive value per GeoTIFF convention.
	PixelScale *[2]float64

	// Tiepoint is the optional raw ModelTiepoint sextuple.
	Tiepoint []float64
}

// Write assembles a tiled TIFF from per-tile banks. tiles is indexed
// row-major by tile; each entry holds one interleaved bank for chunky
// layouts or NumBands banks for planar layouts, each padded to the full
// tile size. A nil entry produces a sparse tile (zero offset and length),
// the convention GDAL uses for unstored background tiles.
func Write(w io.Writer, o WriterOptions, tiles [][]raster.Bank) error {
	if o.Width <= 0 || o.Height <= 0 || o.TileWidth <= 0 || o.TileHeight <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d tiles %dx%d", o.Width, o.Height, o.TileWidth, o.TileHeight)
	}
	if o.NumBands <= 0 {
		o.NumBands = 1
	}
	if o.Compression == 0 {
		o.Compression = raster.CompressionNone
	}
	tilesAcross := (o.Width + o.TileWidth - 1) / o.TileWidth
	tilesDown := (o.Height + o.TileHeight - 1) / o.TileHeight
	numTiles := tilesAcross * tilesDown
	if len(tiles) != numTiles {
		return fmt.Errorf("expected %d tiles, got %d", numTiles, len(tiles))
	}

	banksPerTile := 1
	pixelStride := o.NumBands
	if o.Planar {
		banksPerTile = o.NumBands
		pixelStride = 1
	}
	enc := raster.EncodeOptions{
		Compression:    o.Compression,
		Predictor:      o.Predictor,
		PixelStride:    pixelStride,
		ScanlineStride: o.TileWidth * pixelStride,
		Order:          binary.LittleEndian,
	}

	// Encode every stored bank up front; offsets depend on the sizes.
	numEntries := numTiles * banksPerTile
	tileBytes := make([][]byte, numEntries)
	for tileNum, banks := range tiles {
		if banks == nil {
			continue
		}
		if len(banks) != banksPerTile {
			return fmt.Errorf("tile %d: expected %d banks, got %d", tileNum, banksPerTile, len(banks))
		}
		for bank, b := range banks {
			if want := o.TileWidth * o.TileHeight * pixelStride; b.Len() != want {
				return fmt.Errorf("tile %d bank %d: expected %d samples, got %d", tileNum, bank, want, b.Len())
			}
			data, err := raster.EncodeBank(b, enc)
			if err != nil {
				return fmt.Errorf("tile %d bank %d: %w", tileNum, bank, err)
			}
			tileBytes[tileNum+bank*numTiles] = data
		}
	}

	bits, format := sampleBitsFormat(o.SampleType)

	b := newIFDBuilder()
	b.addLong(ImageWidth, uint32(o.Width))
	b.addLong(ImageLength, uint32(o.Height))
	b.addShorts(BitsPerSample, repeatShort(bits, o.NumBands))
	b.addShort(Compression, uint16(o.Compression))
	// BlackIsZero, the only interpretation we produce.
	b.addShort(Photometric, 1)
	b.addShort(SamplesPerPixel, uint16(o.NumBands))
	if o.Planar {
		b.addShort(PlanarConfiguration, PlanarSplit)
	} else {
		b.addShort(PlanarConfiguration, PlanarChunky)
	}
	if o.Predictor == raster.PredictorHorizontal {
		b.addShort(Predictor, uint16(o.Predictor))
	}
	b.addShort(TileWidth, uint16(o.TileWidth))
	b.addShort(TileLength, uint16(o.TileHeight))
	b.addLongs(TileOffsets, make([]uint32, numEntries))
	b.addLongs(TileByteCounts, make([]uint32, numEntries))
	b.addShorts(SampleFormat, repeatShort(format, o.NumBands))
	if o.PixelScale != nil {
		sy := o.PixelScale[1]
		if sy < 0 {
			sy = -sy
		}
		b.addDoubles(ModelPixelScale, []float64{o.PixelScale[0], sy, 0})
	}
	if len(o.Tiepoint) == 6 {
		b.addDoubles(ModelTiepoint, o.Tiepoint)
	}
	if o.NoData != nil {
		b.addASCII(GDALNoData, strconv.FormatFloat(*o.NoData, 'g', -1, 64))
	}

	// Fix the byte layout: header, IFD, external tag data, then tile data.
	dataStart := b.layout(8)
	offsets := make([]uint32, numEntries)
	counts := make([]uint32, numEntries)
	pos := dataStart
	for i, data := range tileBytes {
		if data == nil {
			continue
		}
		if pos%2 != 0 {
			pos++
		}
		offsets[i] = uint32(pos)
		counts[i] = uint32(len(data))
		pos += len(data)
	}
	b.setLongs(TileOffsets, offsets)
	b.setLongs(TileByteCounts, counts)

	var out bytes.Buffer
	out.Grow(pos)
	binary.Write(&out, binary.LittleEndian, uint16(littleEndian))
	binary.Write(&out, binary.LittleEndian, uint16(tiffIdentifier))
	binary.Write(&out, binary.LittleEndian, uint32(8))
	b.serialize(&out)
	for _, data := range tileBytes {
		if data == nil {
			continue
		}
		if out.Len()%2 != 0 {
			out.WriteByte(0)
		}
		out.Write(data)
	}

	_, err := io.Copy(w, &out)
	return err
}

func sampleBitsFormat(st raster.SampleType) (bits, format uint16) {
	switch st {
	case raster.Uint8:
		return 8, SampleFormatUint
	case raster.Int8:
		return 8, SampleFormatInt
	case raster.Uint16:
		return 16, SampleFormatUint
	case raster.Int16:
		return 16, SampleFormatInt
	case raster.Uint32:
		return 32, SampleFormatUint
	case raster.Int32:
		return 32, SampleFormatInt
	case raster.Float32:
		return 32, SampleFormatFloat
	case raster.Uint64:
		return 64, SampleFormatUint
	case raster.Int64:
		return 64, SampleFormatInt
	case raster.Float64:
		return 64, SampleFormatFloat
	}
	return 32, SampleFormatFloat
}

func repeatShort(v uint16, n int) []uint16 {
	s := make([]uint16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// ifdEntry is one tag under construction: the payload is kept as raw
// little-endian bytes and placed inline or in the external data area at
// layout time.
type ifdEntry struct {
	tag     Tag
	ftype   fieldType
	count   uint32
	payload []byte
	extOff  uint32
}

type ifdBuilder struct {
	entries []ifdEntry
}

func newIFDBuilder() *ifdBuilder { return &ifdBuilder{} }

func (b *ifdBuilder) add(tag Tag, ftype fieldType, count uint32, payload []byte) {
	b.entries = append(b.entries, ifdEntry{tag: tag, ftype: ftype, count: count, payload: payload})
}

func (b *ifdBuilder) addShort(tag Tag, v uint16) {
	b.addShorts(tag, []uint16{v})
}

func (b *ifdBuilder) addShorts(tag Tag, vs []uint16) {
	p := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(p[2*i:], v)
	}
	b.add(tag, SHORT, uint32(len(vs)), p)
}

func (b *ifdBuilder) addLong(tag Tag, v uint32) {
	b.addLongs(tag, []uint32{v})
}

func (b *ifdBuilder) addLongs(tag Tag, vs []uint32) {
	p := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(p[4*i:], v)
	}
	b.add(tag, LONG, uint32(len(vs)), p)
}

func (b *ifdBuilder) addDoubles(tag Tag, vs []float64) {
	p := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(p[8*i:], math.Float64bits(v))
	}
	b.add(tag, DOUBLE, uint32(len(vs)), p)
}

func (b *ifdBuilder) addASCII(tag Tag, s string) {
	p := append([]byte(s), 0)
	b.add(tag, ASCII, uint32(len(p)), p)
}

// setLongs rewrites the payload of a previously added LONG entry. The
// count must not change, so the layout stays valid.
func (b *ifdBuilder) setLongs(tag Tag, vs []uint32) {
	for i := range b.entries {
		if b.entries[i].tag != tag {
			continue
		}
		p := b.entries[i].payload
		for j, v := range vs {
			binary.LittleEndian.PutUint32(p[4*j:], v)
		}
		return
	}
}

// layout sorts the entries by tag, assigns external offsets for payloads
// larger than four bytes and returns the first byte position after all
// tag data, where tile data may begin.
func (b *ifdBuilder) layout(ifdStart int) int {
	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].tag < b.entries[j].tag })
	ext := ifdStart + 2 + 12*len(b.entries) + 4
	for i := range b.entries {
		e := &b.entries[i]
		if len(e.payload) <= 4 {
			continue
		}
		if ext%2 != 0 {
			ext++
		}
		e.extOff = uint32(ext)
		ext += len(e.payload)
	}
	return ext
}

func (b *ifdBuilder) serialize(out *bytes.Buffer) {
	binary.Write(out, binary.LittleEndian, uint16(len(b.entries)))
	for _, e := range b.entries {
		binary.Write(out, binary.LittleEndian, uint16(e.tag))
		binary.Write(out, binary.LittleEndian, uint16(e.ftype))
		binary.Write(out, binary.LittleEndian, e.count)
		var inline [4]byte
		if e.extOff != 0 {
			binary.LittleEndian.PutUint32(inline[:], e.extOff)
		} else {
			copy(inline[:], e.payload)
		}
		out.Write(inline[:])
	}
	// No further IFDs.
	binary.Write(out, binary.LittleEndian, uint32(0))

	// External data area, in the same order offsets were assigned.
	ordered := make([]*ifdEntry, 0, len(b.entries))
	for i := range b.entries {
		if b.entries[i].extOff != 0 {
			ordered = append(ordered, &b.entries[i])
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].extOff < ordered[j].extOff })
	for _, e := range ordered {
		for out.Len() < int(e.extOff) {
			out.WriteByte(0)
		}
		out.Write(e.payload)
	}
}

