package geotiff

// TIFF header magic values.
const (
	littleEndian uint16 = 0x4949 // "II"
	bigEndian    uint16 = 0x4D4D // "MM"

	tiffIdentifier    uint16 = 42
	bigTiffIdentifier uint16 = 43
	bigTiffBytesize   uint16 = 8
)

// fieldType is the data type of an IFD entry.
type fieldType uint16

const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

// Field type sizes in bytes, indexed by fieldType.
const (
	zeroByte  uint32 = 0
	oneByte   uint32 = 1
	twoByte   uint32 = 2
	fourByte  uint32 = 4
	eightByte uint32 = 8
)

// Baseline and extension tags used by the reader and writer.
const (
	ImageWidth          Tag = 256
	ImageLength         Tag = 257
	BitsPerSample       Tag = 258
	Compression         Tag = 259
	Photometric         Tag = 262
	FillOrder           Tag = 266
	StripOffsets        Tag = 273
	SamplesPerPixel     Tag = 277
	RowsPerStrip        Tag = 278
	StripByteCounts     Tag = 279
	PlanarConfiguration Tag = 284
	Predictor           Tag = 317
	TileWidth           Tag = 322
	TileLength          Tag = 323
	TileOffsets         Tag = 324
	TileByteCounts      Tag = 325
	SampleFormat        Tag = 339
	ModelPixelScale     Tag = 33550
	ModelTiepoint       Tag = 33922
	GDALNoData          Tag = 42113
)

var tagToLabel = map[Tag]string{
	ImageWidth:          "ImageWidth",
	ImageLength:         "ImageLength",
	BitsPerSample:       "BitsPerSample",
	Compression:         "Compression",
	Photometric:         "Photometric",
	FillOrder:           "FillOrder",
	StripOffsets:        "StripOffsets",
	SamplesPerPixel:     "SamplesPerPixel",
	RowsPerStrip:        "RowsPerStrip",
	StripByteCounts:     "StripByteCounts",
	PlanarConfiguration: "PlanarConfiguration",
	Predictor:           "Predictor",
	TileWidth:           "TileWidth",
	TileLength:          "TileLength",
	TileOffsets:         "TileOffsets",
	TileByteCounts:      "TileByteCounts",
	SampleFormat:        "SampleFormat",
	ModelPixelScale:     "ModelPixelScale",
	ModelTiepoint:       "ModelTiepoint",
	GDALNoData:          "GDALNoData",
}

// Compression tag values handled by the engine.
const (
	Uncompressed uint16 = 1
	LZW          uint16 = 5
	DEFLATE      uint16 = 8
	PackBits     uint16 = 32773
	ZSTD         uint16 = 50000
)

// SampleFormat tag values.
const (
	SampleFormatUint  uint16 = 1
	SampleFormatInt   uint16 = 2
	SampleFormatFloat uint16 = 3
)

// Predictor tag values.
const (
	PredictorNone       uint16 = 1
	PredictorHorizontal uint16 = 2
)

// PlanarConfiguration tag values.
const (
	PlanarChunky uint16 = 1
	PlanarSplit  uint16 = 2
)
