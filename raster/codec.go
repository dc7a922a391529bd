package raster

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"
)

// codecFunc wraps the raw byte stream of one tile bank into a decompressed
// reader. A nil codecFunc means the bank is stored uncompressed.
type codecFunc func(io.Reader) (io.ReadCloser, error)

// codecFor returns the decompression codec for the given method, or an
// error before any byte is read if the method is not supported.
func codecFor(c Compression) (codecFunc, error) {
	switch c {
	case CompressionNone:
		return nil, nil
	case CompressionDeflate:
		return func(r io.Reader) (io.ReadCloser, error) {
			return zlib.NewReader(r)
		}, nil
	case CompressionZstd:
		return func(r io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		}, nil
	case CompressionLZW:
		return func(r io.Reader) (io.ReadCloser, error) {
			// TIFF uses the MSB-first LZW variant with deferred code width
			// increment, which compress/lzw does not implement.
			return lzw.NewReader(r, lzw.MSB, 8), nil
		}, nil
	case CompressionPackBits:
		return func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(&packBitsReader{src: asByteReader(r)}), nil
		}, nil
	}
	return nil, fmt.Errorf("%w: compression %s", ErrUnsupportedLayout, c)
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

type oneByteReader struct {
	io.Reader
	b [1]byte
}

func (r *oneByteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(r.Reader, r.b[:]); err != nil {
		return 0, err
	}
	return r.b[0], nil
}

func asByteReader(r io.Reader) byteReader {
	if br, ok := r.(byteReader); ok {
		return br
	}
	return &oneByteReader{Reader: r}
}

// packBitsReader decodes the PackBits run-length scheme described in
// section 9 of the TIFF 6.0 specification, as a streaming reader.
type packBitsReader struct {
	src byteReader

	// pending run state: either a literal count to copy or a replicated
	// byte with a remaining repeat count.
	literal int
	repeat  int
	value   byte
}

func (p *packBitsReader) Read(dst []byte) (int, error) {
	n := 0
	for n < len(dst) {
		if p.repeat > 0 {
			dst[n] = p.value
			n++
			p.repeat--
			continue
		}
		if p.literal > 0 {
			m, err := io.ReadFull(p.src, dst[n:n+min(p.literal, len(dst)-n)])
			n += m
			p.literal -= m
			if err != nil {
				return n, err
			}
			continue
		}
		b, err := p.src.ReadByte()
		if err != nil {
			if err == io.EOF && n > 0 {
				return n, nil
			}
			return n, err
		}
		code := int(int8(b))
		switch {
		case code >= 0:
			p.literal = code + 1
		case code == -128:
			// No-op.
		default:
			v, err := p.src.ReadByte()
			if err != nil {
				return n, err
			}
			p.value = v
			p.repeat = 1 - code
		}
	}
	return n, nil
}

// reverseBits holds, for each byte value, the value with its bits in
// reversed order. Used for TIFF FillOrder = 2 streams.
var reverseBits = func() (t [256]byte) {
	for i := range t {
		v := byte(i)
		v = v>>4 | v<<4
		v = v>>2&0x33 | v<<2&0xcc
		v = v>>1&0x55 | v<<1&0xaa
		t[i] = v
	}
	return
}()

// reversedBitsInput wraps an Input so that every byte read has its bit
// order reversed. Range hints pass through unchanged.
type reversedBitsInput struct {
	Input
}

func (r reversedBitsInput) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.Input.ReadAt(p, off)
	for i := 0; i < n; i++ {
		p[i] = reverseBits[p[i]]
	}
	return n, err
}

func (r reversedBitsInput) HintRange(offset, length int64) {
	if h, ok := r.Input.(RangeHinter); ok {
		h.HintRange(offset, length)
	}
}
