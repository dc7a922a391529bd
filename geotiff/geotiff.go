package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/rasterd/raster"
)

// head represents the TIFF file header information
type head struct {
	byteOrder binary.ByteOrder // Byte order (little endian or big endian)
	isBigTIFF bool             // Whether this is a BigTIFF file format
	ifdOffset uint64           // Offset to the first Image File Directory (IFD)
}

// iFDEntry represents a single entry in an Image File Directory (IFD)
type iFDEntry struct {
	Tag         Tag       // TIFF tag identifier
	FType       fieldType // Data type of the field
	Count       uint64    // Number of values of the specified type
	ValueOffset uint64    // Offset to the value data, or the value itself if it fits inline
	ValueBytes  []byte    // Inline value data for small values
}

// tagData holds the parsed data for a TIFF tag in various typed formats
type tagData struct {
	fType      fieldType // The field type of this tag data
	length     uint32    // Number of elements in the data
	byteData   []uint8   // Raw byte data (BYTE type)
	asciiData  string    // String data (ASCII type)
	shortData  []uint16  // 16-bit unsigned integer data (SHORT type)
	longData   []uint32  // 32-bit unsigned integer data (LONG type)
	floatData  []float32 // 32-bit floating point data (FLOAT type)
	doubleData []float64 // 64-bit floating point data (DOUBLE type)
	uint64Data []uint64  // 64-bit unsigned integer data (LONG8/IFD8 types)
}

type Tags map[Tag]tagData

// Reader is the byte source a GeoTIFF is parsed from. Local files satisfy
// it directly; HTTPRangeReader and BlobReader provide remote backends.
type Reader interface {
	io.ReadSeeker
	io.ReaderAt
}

// GeoTIFF is one open georeferenced raster: the parsed container metadata,
// the tile layout descriptor and the decode engine state bound to it.
type GeoTIFF struct {
	// reader is the underlying source for the GeoTIFF data. Remote backends
	// additionally implement raster.RangeHinter, letting the tile scheduler
	// announce upcoming reads for range coalescing.
	reader Reader

	// byteOrder stores the endianness (little or big) of the TIFF file,
	// which is critical for correctly interpreting binary data.
	byteOrder binary.ByteOrder

	// tags holds all the parsed metadata from the Image File Directory (IFD)
	// as a map from TIFF tag IDs to their data.
	tags Tags

	// isBigTIFF is a flag indicating whether the file uses the BigTIFF format,
	// which supports 64-bit offsets for files larger than 4GB.
	isBigTIFF bool

	// layout is the read-only tile layout descriptor built from the tags.
	layout *Layout

	// res owns all tile scheduling, decoding and caching for this file.
	res *raster.Resource

	// inflightPoint deduplicates concurrent point queries that land on the
	// same tile, so only one goroutine performs the I/O and decoding while
	// the others wait for the result.
	inflightPoint singleflight.Group

	// inflightPrefetch ensures the neighbor prefetch for a given tile is
	// only triggered once, avoiding redundant prefetch operations initiated
	// by concurrent requests.
	inflightPrefetch singleflight.Group

	// PixelScaleX is the scaling factor for converting pixel coordinates to
	// geographic coordinates in the X (longitude) direction.
	PixelScaleX float64
	// PixelScaleY is the scaling factor in the Y (latitude) direction.
	// Usually negative for north-up images.
	PixelScaleY float64
}

// Point represents a geographic coordinate with longitude and latitude
type Point struct {
	Lon float64 // Longitude in decimal degrees
	Lat float64 // Latitude in decimal degrees
}

// CornerCoordinates represents the four corner points of a geographic bounding box
type CornerCoordinates struct {
	UpperLeft  Point
	LowerLeft  Point
	UpperRight Point
	LowerRight Point
}

type Tag uint16

// fieldTypeLen is the length of every field type in bytes
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte,                       // 12 (DOUBLE)
	zeroByte, zeroByte, zeroByte,    // 13-15 (reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", uint16(f))
	}
	return v
}

// bytes returns the number of bytes in each data type
//
// returns 0 if unrecognized
func (f fieldType) bytes() uint32 {
	if int(f) >= len(fieldTypeLen) {
		return fieldTypeLen[0]
	}
	return fieldTypeLen[int(f)]
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", uint16(t))
	}
	return v
}

// Open parses a GeoTIFF from the provided reader and returns a GeoTIFF
// ready to serve region reads and point queries. cacheSize and itemsToPrune
// configure the decoded tile cache.
func Open(r Reader, cacheSize int64, itemsToPrune uint32) (*GeoTIFF, error) {
	// Read and parse all TIFF tags from the file header
	gTags, header, err := readTags(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}

	g := &GeoTIFF{
		reader:    r,
		tags:      gTags,
		byteOrder: header.byteOrder,
		isBigTIFF: header.isBigTIFF,
	}

	layout, err := g.buildLayout()
	if err != nil {
		return nil, err
	}
	g.layout = layout
	g.res = raster.NewResource(layout, r, header.byteOrder, cacheSize, itemsToPrune)

	// Geographic pixel scale is optional: without it the file is still
	// readable by pixel coordinates, only the coordinate API is disabled.
	if pixelScale, ok := gTags[ModelPixelScale]; ok {
		if v, ok := pixelScale.doubleDataValue(); ok && len(v) >= 2 {
			g.PixelScaleX = v[0]
			g.PixelScaleY = v[1]
			// Standard GeoTIFF convention for north-up images.
			if g.PixelScaleY > 0 {
				g.PixelScaleY = -g.PixelScaleY
			}
		}
	}
	return g, nil
}

// buildLayout validates the mandatory tags and assembles the tile layout
// descriptor consumed by the decode engine. Striped files are modeled as
// full-width tiles so the rest of the pipeline only deals with tiles.
func (g *GeoTIFF) buildLayout() (*Layout, error) {
	l := &Layout{}

	var ok bool
	var width, length uint64
	if width, ok = g.getUint(ImageWidth); !ok {
		return nil, errors.New("missing or invalid tag: ImageWidth")
	}
	if length, ok = g.getUint(ImageLength); !ok {
		return nil, errors.New("missing or invalid tag: ImageLength")
	}
	l.imageWidth = int(width)
	l.imageHeight = int(length)
	if l.imageWidth <= 0 || l.imageHeight <= 0 {
		return nil, errors.New("invalid image dimensions")
	}

	if tw, isTiled := g.getUint(TileWidth); isTiled {
		th, ok := g.getUint(TileLength)
		if !ok {
			return nil, errors.New("missing or invalid tag: TileLength")
		}
		l.tileWidth = int(tw)
		l.tileHeight = int(th)
		if l.tileOffsets, ok = g.get64bitSlice(TileOffsets); !ok {
			return nil, errors.New("missing or invalid tag: TileOffsets")
		}
		if l.tileByteCounts, ok = g.get64bitSlice(TileByteCounts); !ok {
			return nil, errors.New("missing or invalid tag: TileByteCounts")
		}
	} else {
		l.tileWidth = l.imageWidth
		rps, ok := g.getUint(RowsPerStrip)
		if !ok || rps == 0 || rps > length {
			rps = length
		}
		l.tileHeight = int(rps)
		if l.tileOffsets, ok = g.get64bitSlice(StripOffsets); !ok {
			return nil, errors.New("missing or invalid tag: StripOffsets")
		}
		if l.tileByteCounts, ok = g.get64bitSlice(StripByteCounts); !ok {
			return nil, errors.New("missing or invalid tag: StripByteCounts")
		}
	}
	if l.tileWidth <= 0 || l.tileHeight <= 0 {
		return nil, errors.New("invalid tile dimensions")
	}
	if len(l.tileByteCounts) != len(l.tileOffsets) {
		return nil, errors.New("tile offsets and byte counts disagree")
	}
	tilesAcross := (l.imageWidth + l.tileWidth - 1) / l.tileWidth
	tilesDown := (l.imageHeight + l.tileHeight - 1) / l.tileHeight
	l.numTiles = tilesAcross * tilesDown

	if spp, ok := g.getUint(SamplesPerPixel); ok {
		l.numBands = int(spp)
	} else {
		l.numBands = 1
	}
	if l.numBands <= 0 {
		return nil, errors.New("invalid SamplesPerPixel")
	}
	if pc, ok := g.getUint(PlanarConfiguration); ok && uint16(pc) == PlanarSplit {
		l.planar = true
	}

	bits, format := uint64(32), SampleFormatFloat
	if bps, ok := g.getUint(BitsPerSample); ok {
		bits = bps
	}
	if sf, ok := g.getUint(SampleFormat); ok {
		format = uint16(sf)
	}
	st, ppe, err := sampleTypeOf(bits, format)
	if err != nil {
		return nil, err
	}
	l.sampleType = st
	l.pixelsPerElement = ppe

	comp := Uncompressed
	if c, ok := g.getUint(Compression); ok {
		comp = uint16(c)
	}
	l.compression = raster.Compression(comp)

	pred := PredictorNone
	if p, ok := g.getUint(Predictor); ok {
		pred = uint16(p)
	}
	l.predictor = raster.Predictor(pred)

	if fo, ok := g.getUint(FillOrder); ok && fo == 2 {
		l.bitReversed = true
	}

	// GDAL writes the no-data sentinel as an ASCII tag. For floating point
	// rasters the engine replaces it with NaN after decoding, so callers
	// never see the raw sentinel value.
	if nd, ok := g.tags[GDALNoData]; ok && nd.asciiData != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(nd.asciiData), 64); err == nil {
			l.noData = v
			l.hasNoData = st == raster.Float32 || st == raster.Float64
			fills := make([]float64, l.numBands)
			for i := range fills {
				fills[i] = v
			}
			l.fillValues = fills
		}
	}
	return l, nil
}

// sampleTypeOf maps the BitsPerSample/SampleFormat pair to the engine's
// sample type, plus the sub-byte packing factor for bilevel and palette
// images stored at 1, 2 or 4 bits per sample.
func sampleTypeOf(bits uint64, format uint16) (raster.SampleType, int, error) {
	if bits == 1 || bits == 2 || bits == 4 {
		if format != SampleFormatUint {
			return 0, 0, fmt.Errorf("unsupported sample layout: %d bits with format %d", bits, format)
		}
		return raster.Uint8, int(8 / bits), nil
	}
	switch format {
	case SampleFormatUint:
		switch bits {
		case 8:
			return raster.Uint8, 1, nil
		case 16:
			return raster.Uint16, 1, nil
		case 32:
			return raster.Uint32, 1, nil
		case 64:
			return raster.Uint64, 1, nil
		}
	case SampleFormatInt:
		switch bits {
		case 8:
			return raster.Int8, 1, nil
		case 16:
			return raster.Int16, 1, nil
		case 32:
			return raster.Int32, 1, nil
		case 64:
			return raster.Int64, 1, nil
		}
	case SampleFormatFloat:
		switch bits {
		case 32:
			return raster.Float32, 1, nil
		case 64:
			return raster.Float64, 1, nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported sample layout: %d bits with format %d", bits, format)
}

// ReadRegion decodes the tiles covering the requested area of interest,
// with optional subsampling and band subsetting. See the raster package
// for the request semantics.
func (g *GeoTIFF) ReadRegion(req raster.Request) ([]*raster.Tile, error) {
	return g.res.ReadRegion(req)
}

// Stats exposes the decode engine's activity counters.
func (g *GeoTIFF) Stats() *raster.Stats { return g.res.Stats() }

// Layout returns the tile layout descriptor parsed from the file.
func (g *GeoTIFF) Layout() *Layout { return g.layout }

// readHeader parses the TIFF file header to determine byte order, file format, and IFD location
func readHeader(r io.Reader) (head, error) {
	var h head

	// Read the first 2 bytes to determine byte order (little or big endian)
	var byteOrderBytes uint16
	if err := binary.Read(r, binary.BigEndian, &byteOrderBytes); err != nil {
		return h, err
	}

	switch byteOrderBytes {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	// Read the TIFF identifier to determine if this is standard TIFF or BigTIFF
	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}

	switch identifier {
	case tiffIdentifier:
		// Standard TIFF format, uses 32-bit offsets
		h.isBigTIFF = false
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		// BigTIFF format, uses 64-bit offsets for files larger than 4GB
		h.isBigTIFF = true

		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}

	return h, nil
}

// readTags reads and parses the first Image File Directory. For a COG the
// first IFD holds the full-resolution image; later IFDs are overviews and
// are not read.
func readTags(r io.ReadSeeker) (Tags, head, error) {
	tags := make(Tags)

	h, err := readHeader(r)
	if err != nil {
		return nil, h, err
	}

	if h.ifdOffset == 0 {
		return nil, h, errors.New("file contains no IFDs")
	}

	if _, err := r.Seek(int64(h.ifdOffset), io.SeekStart); err != nil {
		return nil, h, err
	}

	var numEntries uint64
	if h.isBigTIFF {
		if err := binary.Read(r, h.byteOrder, &numEntries); err != nil {
			return nil, h, err
		}
	} else {
		var numEntries16 uint16
		if err := binary.Read(r, h.byteOrder, &numEntries16); err != nil {
			return nil, h, err
		}
		numEntries = uint64(numEntries16)
	}

	// Read the whole IFD in one request, which matters a lot for remote
	// backends where every read is a round trip.
	entryLen := 12
	if h.isBigTIFF {
		entryLen = 20
	}
	ifdBlock := make([]byte, entryLen*int(numEntries))
	if _, err := io.ReadFull(r, ifdBlock); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD block: %w", err)
	}
	ifdReader := bytes.NewReader(ifdBlock)

	for i := uint64(0); i < numEntries; i++ {
		var entry iFDEntry
		var tag, ftype uint16

		if err := binary.Read(ifdReader, h.byteOrder, &tag); err != nil {
			return nil, h, err
		}
		if err := binary.Read(ifdReader, h.byteOrder, &ftype); err != nil {
			return nil, h, err
		}
		entry.Tag = Tag(tag)
		entry.FType = fieldType(ftype)
		if entry.FType.bytes() == 0 {
			slog.Warn("skipping unrecognized IFD entry", "tag", entry.Tag, "field_type", ftype)
			if _, err := ifdReader.Seek(int64(entryLen-4), io.SeekCurrent); err != nil {
				return nil, h, err
			}
			continue
		}

		offsetBytes := make([]byte, 8)
		if h.isBigTIFF {
			if err := binary.Read(ifdReader, h.byteOrder, &entry.Count); err != nil {
				return nil, h, err
			}
			if _, err := io.ReadFull(ifdReader, offsetBytes); err != nil {
				return nil, h, err
			}
			entry.ValueOffset = h.byteOrder.Uint64(offsetBytes)
		} else {
			var count32, offset32 uint32
			if err := binary.Read(ifdReader, h.byteOrder, &count32); err != nil {
				return nil, h, err
			}
			if err := binary.Read(ifdReader, h.byteOrder, &offset32); err != nil {
				return nil, h, err
			}
			entry.Count = uint64(count32)
			entry.ValueOffset = uint64(offset32)
			h.byteOrder.PutUint32(offsetBytes, offset32)
		}

		// Small values are stored inline in the offset field itself.
		inlineDataSize := uint64(4)
		if h.isBigTIFF {
			inlineDataSize = 8
		}
		if totalBytes := uint64(entry.FType.bytes()) * entry.Count; totalBytes <= inlineDataSize {
			entry.ValueBytes = offsetBytes[:totalBytes]
		}

		tagvalue, err := entry.value(r, h.byteOrder)
		if err != nil {
			return nil, h, fmt.Errorf("reading tag %s: %w", entry.Tag, err)
		}
		tags[entry.Tag] = *tagvalue
	}

	return tags, h, nil
}

// value reads and parses the data for an IFD entry according to its field type
func (ifd *iFDEntry) value(r io.ReadSeeker, byteOrder binary.ByteOrder) (*tagData, error) {
	t := tagData{fType: ifd.FType, length: uint32(ifd.Count)}

	var reader io.Reader
	if len(ifd.ValueBytes) > 0 {
		reader = bytes.NewReader(ifd.ValueBytes)
	} else {
		readerAt, ok := r.(io.ReaderAt)
		if !ok {
			return nil, errors.New("reader does not implement io.ReaderAt")
		}
		reader = io.NewSectionReader(readerAt, int64(ifd.ValueOffset), int64(ifd.FType.bytes())*int64(ifd.Count))
	}

	switch ifd.FType {
	case BYTE, UNDEFINED:
		t.byteData = make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.byteData); err != nil {
			return nil, err
		}
	case ASCII:
		p := make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, p); err != nil {
			return nil, err
		}
		t.asciiData = string(bytes.Trim(p, "\x00"))
	case SHORT:
		t.shortData = make([]uint16, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.shortData); err != nil {
			return nil, err
		}
	case LONG:
		t.longData = make([]uint32, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case FLOAT:
		t.floatData = make([]float32, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.floatData); err != nil {
			return nil, err
		}
	case DOUBLE:
		t.doubleData = make([]float64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.doubleData); err != nil {
			return nil, err
		}
	case LONG8, IFD8:
		t.uint64Data = make([]uint64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.uint64Data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported type for value reading: %s", ifd.FType)
	}

	return &t, nil
}

// Bounds returns the geographic corner coordinates of the image using the
// ModelTiepoint and ModelPixelScale tags.
func (g *GeoTIFF) Bounds() (*CornerCoordinates, error) {
	tiePointTag, ok := g.tags[ModelTiepoint]
	if !ok {
		return nil, errors.New("missing ModelTiepoint tag")
	}
	tiePointValues, ok := tiePointTag.doubleDataValue()
	if !ok || len(tiePointValues) < 6 {
		return nil, errors.New("invalid ModelTiepoint tag")
	}
	if g.PixelScaleX == 0 || g.PixelScaleY == 0 {
		return nil, errors.New("missing ModelPixelScale tag")
	}

	tieI, tieJ := tiePointValues[0], tiePointValues[1]
	tieLon, tieLat := tiePointValues[3], tiePointValues[4]

	// Coordinate of the upper-left corner of the image.
	ulLon := tieLon - (tieI * g.PixelScaleX)
	ulLat := tieLat - (tieJ * g.PixelScaleY)

	// Full extent of the image in geographic units.
	// PixelScaleY is negative for north-up images.
	totalWidth := float64(g.layout.imageWidth) * g.PixelScaleX
	totalHeight := float64(g.layout.imageHeight) * g.PixelScaleY

	cc := &CornerCoordinates{
		UpperLeft:  Point{Lon: ulLon, Lat: ulLat},
		LowerLeft:  Point{Lon: ulLon, Lat: ulLat + totalHeight},
		UpperRight: Point{Lon: ulLon + totalWidth, Lat: ulLat},
		LowerRight: Point{Lon: ulLon + totalWidth, Lat: ulLat + totalHeight},
	}
	return cc, nil
}

func (g *GeoTIFF) getUint(tag Tag) (uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return 0, false
	}
	switch {
	case t.fType == SHORT && len(t.shortData) > 0:
		return uint64(t.shortData[0]), true
	case t.fType == LONG && len(t.longData) > 0:
		return uint64(t.longData[0]), true
	case (t.fType == LONG8 || t.fType == IFD8) && len(t.uint64Data) > 0:
		return t.uint64Data[0], true
	}
	return 0, false
}

// get64bitSlice widens SHORT/LONG/LONG8 arrays to []uint64 so tile offsets
// parse the same way for classic TIFF and BigTIFF.
func (g *GeoTIFF) get64bitSlice(tag Tag) ([]uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case LONG8, IFD8:
		return t.uint64Data, true
	case LONG:
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	case SHORT:
		res := make([]uint64, len(t.shortData))
		for i, v := range t.shortData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

func (td tagData) doubleDataValue() ([]float64, bool) {
	if td.fType == DOUBLE {
		return td.doubleData, true
	}
	return nil, false
}

// String returns a string representation of the Point in (Lon, Lat) format
func (p Point) String() string {
	return fmt.Sprintf("(Lon: %f, Lat: %f)", p.Lon, p.Lat)
}

// String returns a string representation of the corner coordinates
func (cc *CornerCoordinates) String() string {
	return fmt.Sprintf("UL: %s, LR: %s", cc.UpperLeft.String(), cc.LowerRight.String())
}

// Contains checks whether a point falls within the bounding box
func (cc *CornerCoordinates) Contains(p Point) bool {
	minLon := math.Min(cc.UpperLeft.Lon, cc.LowerRight.Lon)
	maxLon := math.Max(cc.UpperLeft.Lon, cc.LowerRight.Lon)
	minLat := math.Min(cc.UpperLeft.Lat, cc.LowerRight.Lat)
	maxLat := math.Max(cc.UpperLeft.Lat, cc.LowerRight.Lat)

	return p.Lon >= minLon && p.Lon <= maxLon && p.Lat >= minLat && p.Lat <= maxLat
}
