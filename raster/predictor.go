package raster

// Horizontal differencing (TIFF predictor 2). Each sample is stored as the
// difference from the sample one pixel stride earlier in the same scanline.
// State never crosses a scanline boundary, so rows skipped by subsampling
// can be passed over without decoding.

// undoHorizontal reverses horizontal differencing in place over one source
// scanline, keeping one accumulator per pixel-stride position.
func undoHorizontal[T Sample](row []T, stride int) {
	for i := stride; i < len(row); i++ {
		row[i] += row[i-stride]
	}
}

// applyHorizontal converts absolute values to differences in place,
// the inverse of undoHorizontal. Walked backwards so every difference is
// computed from the still-absolute predecessor.
func applyHorizontal[T Sample](row []T, stride int) {
	for i := len(row) - 1; i >= stride; i-- {
		row[i] -= row[i-stride]
	}
}
