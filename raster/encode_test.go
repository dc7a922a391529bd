package raster

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

func TestEncodeBankDoesNotMutateInput(t *testing.T) {
	data := []int16{5, 9, 14, 3, 100, 90, 80, 70}
	orig := append([]int16(nil), data...)

	_, err := EncodeBank(bankOf(data), EncodeOptions{
		Compression:    CompressionDeflate,
		Predictor:      PredictorHorizontal,
		PixelStride:    1,
		ScanlineStride: 4,
		Order:          binary.LittleEndian,
	})
	if err != nil {
		t.Fatalf("EncodeBank failed: %v", err)
	}
	if !reflect.DeepEqual(data, orig) {
		t.Errorf("input mutated: %v, want %v", data, orig)
	}
}

func TestEncodeBankPredictorPerScanline(t *testing.T) {
	// Two scanlines of two 2-band pixels. Differencing must restart at
	// each scanline, never carry across rows.
	data := []uint8{10, 200, 13, 210, 50, 60, 49, 58}
	enc, err := EncodeBank(bankOf(data), EncodeOptions{
		Predictor:      PredictorHorizontal,
		PixelStride:    2,
		ScanlineStride: 4,
		Order:          binary.LittleEndian,
	})
	if err != nil {
		t.Fatalf("EncodeBank failed: %v", err)
	}
	want := []byte{10, 200, 3, 10, 50, 60, 255, 254}
	if !bytes.Equal(enc, want) {
		t.Errorf("encoded %v, want %v", enc, want)
	}
}

func TestEncodeBankRejectsLZW(t *testing.T) {
	_, err := EncodeBank(bankOf([]uint8{1, 2, 3}), EncodeOptions{
		Compression:    CompressionLZW,
		PixelStride:    1,
		ScanlineStride: 3,
		Order:          binary.LittleEndian,
	})
	if err == nil {
		t.Error("expected an error encoding with LZW")
	}
}
