package raster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// tileRead describes one missing tile within a scheduling batch: where its
// banks live in the file, which part of the tile to decode, and where the
// decoded pixels land in output coordinates. Instances are created fresh
// per batch and discarded after it completes.
type tileRead struct {
	index      int     // tile index in the resource
	offsets    []int64 // byte offset per bank; offsets[0] is the sort key
	byteCounts []int64 // byte length per bank

	// First and one-past-last pixel to decode, tile-relative source
	// coordinates. lowerX/lowerY are aligned on the subsampling grid.
	lowerX, lowerY int
	upperX, upperY int

	// Tile origin in output pixel coordinates.
	originX, originY int

	resultIndex int
}

// decodeSession decodes tiles for the duration of one scheduling batch.
// It is created lazily when the batch has at least one missing tile and
// released, even on failure, after the batch's last tile.
type decodeSession interface {
	decode(t *tileRead) (*Tile, error)
	synthesize(t *tileRead) *Tile
	close() error
}

// newDecodeSession instantiates the sample-type specialization for the
// layout. An unsupported sample type fails here, before any byte is read.
func newDecodeSession(layout Layout, input Input, order binary.ByteOrder, req *Request) (decodeSession, error) {
	switch layout.SampleType() {
	case Uint8:
		return newTypedSession[uint8](layout, input, order, req)
	case Int8:
		return newTypedSession[int8](layout, input, order, req)
	case Uint16:
		return newTypedSession[uint16](layout, input, order, req)
	case Int16:
		return newTypedSession[int16](layout, input, order, req)
	case Uint32:
		return newTypedSession[uint32](layout, input, order, req)
	case Int32:
		return newTypedSession[int32](layout, input, order, req)
	case Float32:
		return newTypedSession[float32](layout, input, order, req)
	case Uint64:
		return newTypedSession[uint64](layout, input, order, req)
	case Int64:
		return newTypedSession[int64](layout, input, order, req)
	case Float64:
		return newTypedSession[float64](layout, input, order, req)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSample, layout.SampleType())
}

// typedSession is the per-sample-type slice decoder.
type typedSession[T Sample] struct {
	layout Layout
	input  Input
	order  binary.ByteOrder

	sx, sy int
	bands  []int // band subset within an interleaved bank, nil for all
	banks  []int // bank indices to read from the layout

	planar    bool
	srcStride int // interleaved samples per pixel in the file
	tgtStride int // interleaved samples per pixel kept in memory
	elemSize  int
	ppe       int

	sched     schedule
	pipe      *pipeline[T]
	predictor bool

	scratch []byte
	rowBuf  []T // full source scanline, predictor path only

	fills    []float64 // per kept band, nil for default zero
	sentinel float64
	hasSent  bool
}

func newTypedSession[T Sample](layout Layout, input Input, order binary.ByteOrder, req *Request) (decodeSession, error) {
	if layout.BitOrderReversed() {
		// Both the direct path and the pipeline must see reversed bytes.
		input = reversedBitsInput{input}
	}
	s := &typedSession[T]{
		layout:   layout,
		input:    input,
		order:    order,
		planar:   layout.Planar(),
		elemSize: layout.SampleType().Size(),
		ppe:      max(1, layout.PixelsPerElement()),
	}
	s.sx, s.sy = req.subsampling()

	numBands := layout.NumBands()
	sel := req.Bands
	if len(sel) == numBands {
		// An explicit full selection is the same as no selection.
		sel = nil
	}
	if s.planar {
		s.srcStride = 1
		s.tgtStride = 1
		if sel != nil {
			s.banks = sel
		} else {
			s.banks = make([]int, numBands)
			for i := range s.banks {
				s.banks[i] = i
			}
		}
	} else {
		s.srcStride = numBands
		s.banks = []int{0}
		s.bands = sel
		s.tgtStride = numBands
		if sel != nil {
			s.tgtStride = len(sel)
		}
	}

	switch layout.Predictor() {
	case PredictorNone:
	case PredictorHorizontal:
		s.predictor = true
	default:
		return nil, fmt.Errorf("%w: predictor %d", ErrUnsupportedLayout, layout.Predictor())
	}

	if s.ppe > 1 && (s.sx > 1 || s.bands != nil || s.predictor) {
		return nil, fmt.Errorf("%w: packed samples cannot be combined with X-subsampling, band subsets or a predictor", ErrUnsupportedLayout)
	}

	pipe, err := newPipeline[T](input, order, layout)
	if err != nil {
		return nil, err
	}
	s.pipe = pipe
	s.sched = newSchedule(s.srcStride, s.bands, s.sx, layout.ScanlineStride())

	rowBytes := layout.ScanlineStride() * s.elemSize
	if s.ppe > 1 {
		rowBytes = ceilDiv(layout.ScanlineStride(), s.ppe)
	}
	s.scratch = make([]byte, rowBytes)
	if s.predictor {
		s.rowBuf = make([]T, layout.ScanlineStride())
	}

	if fv := layout.FillValues(); fv != nil {
		if s.planar || s.bands == nil {
			s.fills = fv
		} else {
			s.fills = make([]float64, len(s.bands))
			for i, b := range s.bands {
				s.fills[i] = fv[b]
			}
		}
	}
	s.sentinel, s.hasSent = layout.ReplaceableFillValue()
	return s, nil
}

// dims returns the decoded width and height in output pixels. Lower bounds
// are grid-aligned by the scheduler, so the count is the number of grid
// points inside the half-open range.
func (s *typedSession[T]) dims(t *tileRead) (w, h int) {
	w = (t.upperX-1-t.lowerX)/s.sx + 1
	h = (t.upperY-1-t.lowerY)/s.sy + 1
	return w, h
}

func (s *typedSession[T]) bankCapacity(width, height int) int {
	if s.ppe > 1 {
		return ceilDiv(width*s.tgtStride, s.ppe) * height
	}
	return width * height * s.tgtStride
}

// synthesize creates an all-fill tile per the sparse convention, with no
// stream read.
func (s *typedSession[T]) synthesize(t *tileRead) *Tile {
	width, height := s.dims(t)
	tile := s.newTile(t, width, height)
	for i := range tile.Banks {
		bank := tile.Banks[i].Data().([]T)
		s.fillBank(bank, 0, i)
		if s.hasSent {
			replaceSentinel(bank, s.sentinel)
		}
		tile.Banks[i] = bankOf(bank)
	}
	return tile
}

func (s *typedSession[T]) newTile(t *tileRead, width, height int) *Tile {
	tile := &Tile{
		Index:   t.index,
		OriginX: t.originX,
		OriginY: t.originY,
		Width:   width,
		Height:  height,
		Banks:   make([]Bank, len(s.banks)),
	}
	for i := range tile.Banks {
		tile.Banks[i] = bankOf(make([]T, s.bankCapacity(width, height)))
	}
	return tile
}

func (s *typedSession[T]) fillBank(bank []T, from, bankIdx int) {
	fillRemaining(bank, from, s.fills, s.planar, s.bankAt(bankIdx))
}

// bankAt maps a position in s.banks back to the band index used for
// per-band fill values.
func (s *typedSession[T]) bankAt(i int) int {
	if s.planar {
		return s.banks[i] // s.fills is full-length for planar layouts
	}
	return 0
}

func (s *typedSession[T]) decode(t *tileRead) (*Tile, error) {
	width, height := s.dims(t)
	if s.ppe > 1 && t.lowerX*s.srcStride%s.ppe != 0 {
		// Decoding cannot start mid-element: the leading pixels of the
		// element would be returned as part of the region.
		return nil, fmt.Errorf("%w: packed region start %d is not on an element boundary",
			ErrUnsupportedLayout, t.lowerX)
	}
	tile := s.newTile(t, width, height)
	fast := s.layout.Compression() == CompressionNone && !s.predictor &&
		s.bands == nil && (s.planar || s.sx == 1 || s.srcStride == 1) && s.ppe == 1
	fastPacked := s.ppe > 1 && s.layout.Compression() == CompressionNone

	for i := range s.banks {
		bank := tile.Banks[i].Data().([]T)
		var filled int
		var err error
		switch {
		case fast || fastPacked:
			filled, err = s.decodeDirect(t, i, bank, width, height)
		case s.predictor:
			filled, err = s.decodePredicted(t, i, bank, width, height)
		default:
			filled, err = s.decodeScheduled(t, i, bank, width, height)
		}
		if err != nil {
			return nil, err
		}
		s.fillBank(bank, filled, i)
		if s.hasSent {
			replaceSentinel(bank, s.sentinel)
		}
		tile.Banks[i] = bankOf(bank)
	}
	return tile, nil
}

// availRows interprets a declared byte count that is too short for the
// requested region. A count covering a whole number of leading scanlines is
// the recognized truncated-tile optimization; anything else is a content
// error.
func (s *typedSession[T]) availRows(t *tileRead, bank, width, height int) (int, error) {
	count := t.byteCounts[bank]
	rowBytes := int64(s.layout.ScanlineStride() * s.elemSize)
	if s.ppe > 1 {
		rowBytes = int64(ceilDiv(s.layout.ScanlineStride(), s.ppe))
	}
	lastRow := int64(t.lowerY + (height-1)*s.sy)
	if count >= (lastRow+1)*rowBytes {
		return height, nil
	}
	if count%rowBytes == 0 {
		have := count / rowBytes // whole scanlines actually stored
		n := (have - int64(t.lowerY) + int64(s.sy) - 1) / int64(s.sy)
		if n < 0 {
			n = 0
		}
		return int(n), nil
	}
	need := (lastRow + 1) * rowBytes
	return 0, fmt.Errorf("%w: tile %d declares %d bytes, the requested region needs %d",
		ErrContent, t.index, count, need)
}

// decodeDirect is the uncompressed fast path: strided region reads with no
// chunk-skip machinery.
func (s *typedSession[T]) decodeDirect(t *tileRead, bank int, dst []T, width, height int) (int, error) {
	rows, err := s.availRows(t, bank, width, height)
	if err != nil {
		return 0, err
	}
	scanline := s.layout.ScanlineStride()
	base := t.offsets[bank]
	pos := 0
	if s.ppe > 1 {
		rowElems := ceilDiv(width*s.tgtStride, s.ppe)
		for r := 0; r < rows; r++ {
			srcRow := t.lowerY + r*s.sy
			off := base + int64(srcRow)*int64(ceilDiv(scanline, s.ppe)) + int64(t.lowerX*s.srcStride/s.ppe)
			if err := s.readDirect(dst[pos:pos+rowElems], off, rowElems); err != nil {
				return pos, err
			}
			pos += rowElems
		}
		return pos, nil
	}
	rowSamples := width * s.tgtStride
	span := ((width-1)*s.sx + 1) * s.srcStride // source samples under one output row
	for r := 0; r < rows; r++ {
		srcRow := t.lowerY + r*s.sy
		off := base + int64(srcRow*scanline+t.lowerX*s.srcStride)*int64(s.elemSize)
		if s.sx == 1 || s.srcStride > 1 {
			if err := s.readDirect(dst[pos:pos+rowSamples], off, rowSamples); err != nil {
				return pos, err
			}
			pos += rowSamples
			continue
		}
		// Planar row with X-subsampling: read the span once, keep every
		// sx-th sample.
		row := make([]T, span)
		if err := s.readDirect(row, off, span); err != nil {
			return pos, err
		}
		for x := 0; x < width; x++ {
			dst[pos] = row[x*s.sx]
			pos++
		}
	}
	return pos, nil
}

func (s *typedSession[T]) readDirect(dst []T, off int64, samples int) error {
	n := samples * s.elemSize
	if s.ppe > 1 {
		n = samples // packed elements are bytes
	}
	buf := s.scratch[:n]
	if _, err := io.ReadFull(io.NewSectionReader(s.input, off, int64(n)), buf); err != nil {
		return err
	}
	decodeSamples(dst, buf, s.order)
	return nil
}

// decodeScheduled is the general path: the chunk-skip schedule drives the
// decompression pipeline row by row.
func (s *typedSession[T]) decodeScheduled(t *tileRead, bank int, dst []T, width, height int) (int, error) {
	if s.layout.Compression() == CompressionNone {
		// Same declared-length discipline as the fast path; compressed
		// banks cannot be checked up front.
		if _, err := s.availRows(t, bank, width, height); err != nil {
			return 0, err
		}
	}
	scanline := s.layout.ScanlineStride()
	if err := s.pipe.bind(t.offsets[bank], t.byteCounts[bank], dst, s.sched, width); err != nil {
		return 0, err
	}
	var head, tail, rowSkip int64
	if s.ppe > 1 {
		// Packed rows are padded to whole byte elements, so positions in a
		// row that sample arithmetic cannot express exactly do exist. All
		// skips are computed in elements and converted back to samples, so
		// the byte conversion in the pipeline divides evenly.
		rowElems := int64(ceilDiv(scanline, s.ppe))
		startElem := int64(t.lowerX * s.srcStride / s.ppe)
		readElems := int64(ceilDiv(width*s.tgtStride, s.ppe))
		head = startElem * int64(s.ppe)
		tail = (rowElems - startElem - readElems) * int64(s.ppe)
		rowSkip = rowElems * int64(s.ppe)
	} else {
		head = int64(s.sched.beforeFirstBand + s.srcStride*t.lowerX)
		tail = int64(s.sched.afterLastBand - s.srcStride*(t.lowerX+(width-1)*s.sx))
		rowSkip = int64(scanline)
	}
	s.pipe.skip(int64(t.lowerY) * rowSkip)
	for r := 0; r < height; r++ {
		s.pipe.skip(head)
		if err := s.pipe.decodeRow(s.scratch); err != nil {
			if truncated(err) {
				return s.pipe.filled(), nil
			}
			return s.pipe.filled(), err
		}
		if r == height-1 {
			// Never skip after the row's last chunk: the stream must not be
			// positioned past the tile's final pixel.
			break
		}
		s.pipe.skip(tail)
		if s.sy > 1 {
			s.pipe.skip(int64(s.sy-1) * rowSkip)
		}
	}
	return s.pipe.filled(), nil
}

// decodePredicted decodes full source scanlines, reverses horizontal
// differencing, then selects bands and subsampled pixels in memory. The
// predictor accumulator must observe every sample of a row, so the
// chunk-skip fast path does not apply; rows skipped by Y-subsampling are
// still passed over wholesale since predictor state resets at row starts.
func (s *typedSession[T]) decodePredicted(t *tileRead, bank int, dst []T, width, height int) (int, error) {
	scanline := s.layout.ScanlineStride()
	if err := s.pipe.bind(t.offsets[bank], t.byteCounts[bank], nil, s.sched, width); err != nil {
		return 0, err
	}
	s.pipe.skipRows(int64(t.lowerY), scanline)
	pos := 0
	for r := 0; r < height; r++ {
		if err := s.pipe.readRow(s.rowBuf, s.scratch); err != nil {
			if truncated(err) {
				return pos, nil
			}
			return pos, err
		}
		undoHorizontal(s.rowBuf, s.srcStride)
		for px := 0; px < width; px++ {
			src := (t.lowerX + px*s.sx) * s.srcStride
			if s.bands == nil {
				pos += copy(dst[pos:pos+s.tgtStride], s.rowBuf[src:src+s.srcStride])
			} else {
				for _, b := range s.bands {
					dst[pos] = s.rowBuf[src+b]
					pos++
				}
			}
		}
		if r < height-1 && s.sy > 1 {
			s.pipe.skipRows(int64(s.sy-1), scanline)
		}
	}
	return pos, nil
}

func (s *typedSession[T]) close() error {
	return s.pipe.close()
}

func truncated(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
