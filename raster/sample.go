package raster

import (
	"encoding/binary"
	"math"
)

// Sample is the set of primitive types a raster bank can hold.
type Sample interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~float32 |
		~uint64 | ~int64 | ~float64
}

// kindOf maps a Sample type parameter to its SampleType tag.
func kindOf[T Sample]() SampleType {
	var z T
	switch any(z).(type) {
	case uint8:
		return Uint8
	case int8:
		return Int8
	case uint16:
		return Uint16
	case int16:
		return Int16
	case uint32:
		return Uint32
	case int32:
		return Int32
	case float32:
		return Float32
	case uint64:
		return Uint64
	case int64:
		return Int64
	case float64:
		return Float64
	}
	return 0
}

// bankOf wraps a typed slice into a Bank.
func bankOf[T Sample](data []T) Bank {
	return Bank{kind: kindOf[T](), data: data}
}

// decodeSamples converts len(dst) samples from src, honoring the file byte
// order. The type switch runs once per call, not per sample; callers invoke
// it once per chunk or row so the inner loops stay monomorphic.
func decodeSamples[T Sample](dst []T, src []byte, order binary.ByteOrder) {
	switch d := any(dst).(type) {
	case []uint8:
		copy(d, src)
	case []int8:
		for i := range d {
			d[i] = int8(src[i])
		}
	case []uint16:
		for i := range d {
			d[i] = order.Uint16(src[i*2:])
		}
	case []int16:
		for i := range d {
			d[i] = int16(order.Uint16(src[i*2:]))
		}
	case []uint32:
		for i := range d {
			d[i] = order.Uint32(src[i*4:])
		}
	case []int32:
		for i := range d {
			d[i] = int32(order.Uint32(src[i*4:]))
		}
	case []float32:
		for i := range d {
			d[i] = math.Float32frombits(order.Uint32(src[i*4:]))
		}
	case []uint64:
		for i := range d {
			d[i] = order.Uint64(src[i*8:])
		}
	case []int64:
		for i := range d {
			d[i] = int64(order.Uint64(src[i*8:]))
		}
	case []float64:
		for i := range d {
			d[i] = math.Float64frombits(order.Uint64(src[i*8:]))
		}
	}
}

// encodeSamples is the inverse of decodeSamples: it writes len(src) samples
// into dst using the file byte order.
func encodeSamples[T Sample](dst []byte, src []T, order binary.ByteOrder) {
	switch s := any(src).(type) {
	case []uint8:
		copy(dst, s)
	case []int8:
		for i, v := range s {
			dst[i] = byte(v)
		}
	case []uint16:
		for i, v := range s {
			order.PutUint16(dst[i*2:], v)
		}
	case []int16:
		for i, v := range s {
			order.PutUint16(dst[i*2:], uint16(v))
		}
	case []uint32:
		for i, v := range s {
			order.PutUint32(dst[i*4:], v)
		}
	case []int32:
		for i, v := range s {
			order.PutUint32(dst[i*4:], uint32(v))
		}
	case []float32:
		for i, v := range s {
			order.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case []uint64:
		for i, v := range s {
			order.PutUint64(dst[i*8:], v)
		}
	case []int64:
		for i, v := range s {
			order.PutUint64(dst[i*8:], uint64(v))
		}
	case []float64:
		for i, v := range s {
			order.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	}
}

// fromFloat converts a fill value to the bank's sample type. Conversion
// truncates like a Go numeric conversion; NaN maps to the type's zero for
// integer types.
func fromFloat[T Sample](v float64) T {
	var z T
	switch any(z).(type) {
	case float32, float64:
		return T(v)
	}
	if math.IsNaN(v) {
		return z
	}
	return T(v)
}
