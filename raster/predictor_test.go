package raster

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestUndoHorizontal(t *testing.T) {
	t.Run("single band", func(t *testing.T) {
		row := []int32{10, 2, 3, -1, 0}
		undoHorizontal(row, 1)
		want := []int32{10, 12, 15, 14, 14}
		if !reflect.DeepEqual(row, want) {
			t.Errorf("got %v, want %v", row, want)
		}
	})

	t.Run("interleaved bands accumulate independently", func(t *testing.T) {
		row := []uint8{100, 50, 1, 2, 3, 4}
		undoHorizontal(row, 2)
		want := []uint8{100, 50, 101, 52, 104, 56}
		if !reflect.DeepEqual(row, want) {
			t.Errorf("got %v, want %v", row, want)
		}
	})

	t.Run("unsigned wraparound", func(t *testing.T) {
		row := []uint8{250, 10, 10}
		undoHorizontal(row, 1)
		want := []uint8{250, 4, 14}
		if !reflect.DeepEqual(row, want) {
			t.Errorf("got %v, want %v", row, want)
		}
	})
}

func TestApplyUndoHorizontalInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for _, stride := range []int{1, 2, 3, 4} {
		row := make([]int16, 12*stride)
		for i := range row {
			row[i] = int16(rng.Intn(1 << 16))
		}
		orig := append([]int16(nil), row...)

		applyHorizontal(row, stride)
		undoHorizontal(row, stride)

		if !reflect.DeepEqual(row, orig) {
			t.Errorf("stride %d: apply+undo is not the identity", stride)
		}
	}
}
