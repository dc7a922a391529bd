package raster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// pipeline decodes one bank of one tile at a time, driven by the chunk-skip
// schedule. It is monomorphized per sample type so the per-chunk loop never
// goes through an interface.
//
// A pipeline instance lives for one scheduling batch and is rebound to each
// bank with bind. Skips are tracked as a logical position: repeated skip
// calls only accumulate a pending sample count, and the stream is touched
// (one seek for raw data, one discard for compressed data) only when
// decoding resumes.
type pipeline[T Sample] struct {
	input Input
	order binary.ByteOrder
	codec codecFunc

	elemSize int
	ppe      int // pixels (samples) per byte element; 1 unless sub-byte packed

	sched        schedule
	chunksPerRow int
	rowElements  int // packed mode: byte elements per decoded row

	dst []T
	pos int // next write index in dst

	section *io.SectionReader
	br      *bufio.Reader
	cc      io.ReadCloser // codec stream, nil while unopened or raw
	opened  bool
	pending int64 // sample values to skip before the next read
	cursor  int   // cyclic index into sched.skips
}

// newPipeline resolves the codec for the layout's compression method. An
// unsupported method or sample type is reported here, before any byte of
// any tile is read.
func newPipeline[T Sample](input Input, order binary.ByteOrder, layout Layout) (*pipeline[T], error) {
	codec, err := codecFor(layout.Compression())
	if err != nil {
		return nil, err
	}
	st := layout.SampleType()
	size := st.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSample, st)
	}
	ppe := layout.PixelsPerElement()
	if ppe < 1 {
		ppe = 1
	}
	if ppe > 1 && st != Uint8 {
		return nil, fmt.Errorf("%w: %d pixels per element with %s samples", ErrUnsupportedLayout, ppe, st)
	}
	return &pipeline[T]{
		input:    input,
		order:    order,
		codec:    codec,
		elemSize: size,
		ppe:      ppe,
		br:       bufio.NewReaderSize(nil, 8192),
	}, nil
}

// bind prepares the pipeline to decode one bank starting at the given byte
// offset. The previous bank's codec stream, if any, is closed first; its
// close error (a missed trailing checksum, typically) fails the bind. bind
// does not touch the new stream: codec streams open lazily on the first
// read, so that sparse or fully-skipped banks cost no I/O.
func (p *pipeline[T]) bind(offset, length int64, dst []T, sched schedule, rowWidth int) error {
	if err := p.close(); err != nil {
		return err
	}
	p.section = io.NewSectionReader(p.input, offset, length)
	p.dst = dst
	p.pos = 0
	p.sched = sched
	p.chunksPerRow = sched.chunksPerRow(rowWidth)
	p.rowElements = ceilDiv(rowWidth*sched.targetPixelStride, p.ppe)
	p.opened = false
	p.pending = 0
	p.cursor = 0
	return nil
}

// filled returns how many samples have been written to the destination so
// far. Used by the fill policy to pad truncated tiles.
func (p *pipeline[T]) filled() int { return p.pos }

// skip records that n source sample values must be passed over before the
// next decoded chunk. The stream is not touched.
func (p *pipeline[T]) skip(n int64) {
	p.pending += n
}

// skipRows skips n full scanlines.
func (p *pipeline[T]) skipRows(n int64, scanlineStride int) {
	p.pending += n * int64(scanlineStride)
}

// decodeRow reads exactly chunksPerRow chunks into the destination buffer,
// consuming one cyclic skip entry after each chunk except the last one of
// the row, so the stream is never positioned past the row's final pixel.
//
// io.EOF or io.ErrUnexpectedEOF indicate a truncated bank; the destination
// holds filled() valid samples and the caller applies the fill policy.
func (p *pipeline[T]) decodeRow(scratch []byte) error {
	if p.ppe > 1 {
		// Packed rows are read as whole byte elements; the schedule is
		// sequential by construction for packed layouts.
		n, err := p.read(scratch[:p.rowElements])
		decodeSamples(p.dst[p.pos:p.pos+n], scratch[:n], p.order)
		p.pos += n
		return err
	}
	spc := p.sched.samplesPerChunk
	chunkBytes := spc * p.elemSize
	p.cursor = 0
	for c := 0; c < p.chunksPerRow; c++ {
		n, err := p.read(scratch[:chunkBytes])
		whole := n / p.elemSize
		decodeSamples(p.dst[p.pos:p.pos+whole], scratch[:whole*p.elemSize], p.order)
		p.pos += whole
		if err != nil {
			return err
		}
		if c < p.chunksPerRow-1 && !p.sched.sequential() {
			p.skip(int64(p.sched.skips[p.cursor]))
			p.cursor++
			if p.cursor == len(p.sched.skips) {
				p.cursor = 0
			}
		}
	}
	return nil
}

// readRow reads one full source scanline into row, with no chunk-skip
// involvement. Used by the predictor path, which must observe every source
// sample of a row.
func (p *pipeline[T]) readRow(row []T, scratch []byte) error {
	want := len(row) * p.elemSize
	n, err := p.read(scratch[:want])
	decodeSamples(row[:n/p.elemSize], scratch[:n/p.elemSize*p.elemSize], p.order)
	return err
}

// read materializes any pending skip and then fills buf as far as possible,
// returning the number of bytes read. A short count is always paired with
// an error.
func (p *pipeline[T]) read(buf []byte) (int, error) {
	if err := p.open(); err != nil {
		return 0, err
	}
	if err := p.materialize(); err != nil {
		return 0, err
	}
	return io.ReadFull(p.br, buf)
}

// open attaches the buffered reader to the bank's stream on first use.
func (p *pipeline[T]) open() error {
	if p.opened {
		return nil
	}
	if p.codec == nil {
		p.br.Reset(p.section)
	} else {
		cc, err := p.codec(p.section)
		if err != nil {
			return err
		}
		p.cc = cc
		p.br.Reset(cc)
	}
	p.opened = true
	return nil
}

// materialize converts the accumulated pending skip into at most one stream
// operation. Small skips advance the already-buffered position; raw streams
// seek for anything beyond the buffer, while codec streams must read
// through the discarded bytes.
func (p *pipeline[T]) materialize() error {
	if p.pending == 0 {
		return nil
	}
	n := p.skipBytes(p.pending)
	p.pending = 0
	if p.codec == nil && n > int64(p.br.Buffered()) {
		// The section reader sits ahead of the logical position by the
		// amount still buffered; one seek covers the whole pending skip.
		cur, err := p.section.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		if _, err := p.section.Seek(cur-int64(p.br.Buffered())+n, io.SeekStart); err != nil {
			return err
		}
		p.br.Reset(p.section)
		return nil
	}
	for n > 0 {
		step := int(min64(n, int64(p.br.Size())))
		m, err := p.br.Discard(step)
		n -= int64(m)
		if err != nil {
			return err
		}
	}
	return nil
}

// skipBytes converts a sample count to bytes. For packed layouts the count
// is rounded up to the next whole element; callers arrange row boundaries
// so that packed skips always start and end on element boundaries.
func (p *pipeline[T]) skipBytes(samples int64) int64 {
	if p.ppe > 1 {
		return (samples + int64(p.ppe) - 1) / int64(p.ppe)
	}
	return samples * int64(p.elemSize)
}

// close releases codec-specific resources. It is idempotent and must be
// called even on failure paths.
func (p *pipeline[T]) close() error {
	if p.cc != nil {
		err := p.cc.Close()
		p.cc = nil
		return err
	}
	return nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
