package raster

import "math"

// Fill policy: truncated banks (a recognized optimization for the last row
// of tiles) are padded to their nominal capacity, and a declared no-data
// sentinel is replaced by NaN in floating point banks after decoding.

// fillRemaining pads dst[from:] with the configured fill values. fills is
// already restricted to the selected bands; nil means the default of zero,
// which freshly allocated banks already hold. For a uniform fill or a
// planar bank a single bulk fill suffices; interleaved banks with distinct
// per-band values take the cyclic slow path.
func fillRemaining[T Sample](dst []T, from int, fills []float64, planar bool, bank int) {
	if from >= len(dst) || len(fills) == 0 {
		return
	}
	if planar {
		v := fromFloat[T](fills[bank])
		for i := from; i < len(dst); i++ {
			dst[i] = v
		}
		return
	}
	if allEqual(fills) {
		v := fromFloat[T](fills[0])
		for i := from; i < len(dst); i++ {
			dst[i] = v
		}
		return
	}
	for i := from; i < len(dst); i++ {
		dst[i] = fromFloat[T](fills[i%len(fills)])
	}
}

func allEqual(v []float64) bool {
	for _, x := range v[1:] {
		if x != v[0] {
			return false
		}
	}
	return true
}

// replaceSentinel replaces every occurrence of the no-data sentinel with
// NaN. Only floating point banks carry a replaceable sentinel; other types
// pass through unchanged.
func replaceSentinel[T Sample](dst []T, sentinel float64) {
	switch d := any(dst).(type) {
	case []float32:
		s := float32(sentinel)
		for i, v := range d {
			if v == s {
				d[i] = float32(math.NaN())
			}
		}
	case []float64:
		for i, v := range d {
			if v == sentinel {
				d[i] = math.NaN()
			}
		}
	}
}
