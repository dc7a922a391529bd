package geotiff

import "github.com/akhenakh/rasterd/raster"

// Layout is the tile layout descriptor built from the IFD tags. It is
// immutable after Open and satisfies raster.Layout.
type Layout struct {
	imageWidth  int
	imageHeight int
	tileWidth   int
	tileHeight  int
	numTiles    int
	numBands    int
	planar      bool

	tileOffsets    []uint64
	tileByteCounts []uint64

	compression      raster.Compression
	predictor        raster.Predictor
	sampleType       raster.SampleType
	bitReversed      bool
	pixelsPerElement int

	fillValues []float64
	noData     float64
	hasNoData  bool
}

func (l *Layout) ImageWidth() int  { return l.imageWidth }
func (l *Layout) ImageHeight() int { return l.imageHeight }
func (l *Layout) TileWidth() int   { return l.tileWidth }
func (l *Layout) TileHeight() int  { return l.tileHeight }
func (l *Layout) NumTiles() int    { return l.numTiles }
func (l *Layout) NumBands() int    { return l.numBands }
func (l *Layout) Planar() bool     { return l.planar }

func (l *Layout) TileOffset(tile, bank int) int64 {
	return int64(l.tileOffsets[tile+bank*l.numTiles])
}

func (l *Layout) TileByteCount(tile, bank int) int64 {
	return int64(l.tileByteCounts[tile+bank*l.numTiles])
}

func (l *Layout) NumTileEntries() int { return len(l.tileOffsets) }

func (l *Layout) Compression() raster.Compression { return l.compression }
func (l *Layout) Predictor() raster.Predictor     { return l.predictor }
func (l *Layout) SampleType() raster.SampleType   { return l.sampleType }
func (l *Layout) BitOrderReversed() bool          { return l.bitReversed }
func (l *Layout) PixelsPerElement() int           { return l.pixelsPerElement }

// ScanlineStride is the sample count of one full tile row. Chunky layouts
// interleave all bands in the row, planar layouts hold a single band.
func (l *Layout) ScanlineStride() int {
	if l.planar {
		return l.tileWidth
	}
	return l.tileWidth * l.numBands
}

func (l *Layout) FillValues() []float64 { return l.fillValues }

func (l *Layout) ReplaceableFillValue() (float64, bool) { return l.noData, l.hasNoData }
