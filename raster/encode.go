package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Encode path: the mirror of the decode engine for full tiles. A bank
// encoded here and decoded back with the same layout reproduces the
// original samples exactly, predictor included.

// EncodeOptions describe how a tile bank is to be stored.
type EncodeOptions struct {
	Compression Compression
	Predictor   Predictor

	// PixelStride is the number of interleaved samples per pixel in the
	// bank: the band count for chunky layouts, 1 for planar banks.
	PixelStride int

	// ScanlineStride is the number of samples in one tile row.
	ScanlineStride int

	Order binary.ByteOrder
}

// EncodeBank serializes and compresses one bank of one tile.
func EncodeBank(bank Bank, o EncodeOptions) ([]byte, error) {
	switch d := bank.Data().(type) {
	case []uint8:
		return encodeBank(d, o)
	case []int8:
		return encodeBank(d, o)
	case []uint16:
		return encodeBank(d, o)
	case []int16:
		return encodeBank(d, o)
	case []uint32:
		return encodeBank(d, o)
	case []int32:
		return encodeBank(d, o)
	case []float32:
		return encodeBank(d, o)
	case []uint64:
		return encodeBank(d, o)
	case []int64:
		return encodeBank(d, o)
	case []float64:
		return encodeBank(d, o)
	}
	return nil, fmt.Errorf("%w: bank holds %s", ErrUnsupportedSample, bank.Type())
}

func encodeBank[T Sample](data []T, o EncodeOptions) ([]byte, error) {
	order := o.Order
	if order == nil {
		order = binary.LittleEndian
	}
	stride := max(1, o.PixelStride)
	scanline := o.ScanlineStride
	if scanline == 0 {
		scanline = len(data)
	}
	if o.Predictor == PredictorHorizontal {
		// Differencing mutates, and encoding must not touch the caller's
		// raster. Rows are independent, matching the decoder's reset.
		diffed := make([]T, len(data))
		copy(diffed, data)
		for row := 0; row+scanline <= len(diffed); row += scanline {
			applyHorizontal(diffed[row:row+scanline], stride)
		}
		data = diffed
	} else if o.Predictor != PredictorNone && o.Predictor != 0 {
		return nil, fmt.Errorf("%w: predictor %d", ErrUnsupportedLayout, o.Predictor)
	}

	elemSize := kindOf[T]().Size()
	raw := make([]byte, len(data)*elemSize)
	encodeSamples(raw, data, order)
	return compress(raw, o.Compression)
}

func compress(raw []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone, 0:
		return raw, nil
	case CompressionDeflate:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		out := zw.EncodeAll(raw, nil)
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return out, nil
	case CompressionPackBits:
		return packBits(raw), nil
	}
	return nil, fmt.Errorf("%w: cannot encode with compression %s", ErrUnsupportedLayout, c)
}

// packBits applies the TIFF 6.0 section 9 run-length scheme: runs of two or
// more identical bytes become a replicate code, everything else literals of
// at most 128 bytes.
func packBits(src []byte) []byte {
	var out []byte
	i := 0
	for i < len(src) {
		// Measure the run starting here.
		run := 1
		for i+run < len(src) && run < 128 && src[i+run] == src[i] {
			run++
		}
		if run >= 2 {
			out = append(out, byte(int8(1-run)), src[i])
			i += run
			continue
		}
		// Literal segment: until the next run of length >= 3 or 128 bytes.
		start := i
		i++
		for i < len(src) && i-start < 128 {
			if i+2 < len(src) && src[i] == src[i+1] && src[i] == src[i+2] {
				break
			}
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, src[start:i]...)
	}
	return out
}
