package raster

// schedule is the chunk-skip schedule derived once per decode session.
// It encodes three orthogonal concerns (gaps between selected bands, the
// inter-pixel gap created by X-subsampling, and the jump to the next
// scanline) into a single cyclic table of skip counts, so the pipeline's
// inner loop never branches on which of those concerns applies.
//
// All counts are in source sample values.
type schedule struct {
	// samplesPerChunk is the size of the atomic unit read by the pipeline
	// before consulting the skip table. Always a divisor of the target
	// pixel stride.
	samplesPerChunk int

	// beforeFirstBand is the skip from the start of a pixel to its first
	// selected band.
	beforeFirstBand int

	// afterLastBand is the row-level tail accumulator: from the end of the
	// last consumed sample of a pixel at the start of its stride, to the
	// next scanline boundary. The slice decoder subtracts the position of
	// the last decoded pixel from it to get the end-of-row skip.
	afterLastBand int

	// skips is the cyclic skip table, one entry consumed after each chunk
	// except the very last chunk of a row. Empty when the source is read
	// back to back.
	skips []int

	// targetPixelStride is the number of sample values kept per pixel.
	targetPixelStride int
}

// newSchedule derives the skip schedule for the given source pixel stride,
// band subset (nil for all bands), X-subsampling factor and scanline stride.
//
// For planar layouts callers pass pixelStride 1 and select banks instead of
// bands, so the subset branch never triggers there.
func newSchedule(pixelStride int, bands []int, subX, scanlineStride int) schedule {
	between := pixelStride * (subX - 1)
	s := schedule{
		samplesPerChunk:   pixelStride,
		afterLastBand:     scanlineStride - pixelStride,
		targetPixelStride: pixelStride,
	}
	if len(bands) != 0 && pixelStride > 1 {
		// One entry per selected band: the count of unselected samples
		// between that band and the next selected one. Walked backwards so
		// the last entry starts as the trailing gap after the pixel's last
		// selected band (virtual successor at index pixelStride).
		skips := make([]int, len(bands))
		next := pixelStride
		for i := len(bands) - 1; i >= 0; i-- {
			skips[i] = next - bands[i] - 1
			next = bands[i]
		}
		last := len(skips) - 1
		s.beforeFirstBand = bands[0]
		s.afterLastBand += skips[last]
		// After the last selected band of a pixel the engine must clear the
		// trailing unselected bands, the subsampling gap and the next
		// pixel's leading unselected bands in one combined skip.
		skips[last] += between + s.beforeFirstBand
		s.targetPixelStride = len(bands)

		contiguous := true
		for _, v := range skips[:last] {
			if v != 0 {
				contiguous = false
				break
			}
		}
		if contiguous {
			s.samplesPerChunk = len(bands)
			s.skips = []int{skips[last]}
		} else {
			s.samplesPerChunk = 1
			s.skips = skips
		}
		return s
	}
	if between != 0 {
		s.skips = []int{between}
	}
	return s
}

// chunksPerRow returns how many chunks the pipeline reads for one output
// row of the given width in pixels.
func (s *schedule) chunksPerRow(width int) int {
	return width * s.targetPixelStride / s.samplesPerChunk
}

// sequential reports whether the schedule reads the source back to back,
// with no skip between chunks.
func (s *schedule) sequential() bool { return len(s.skips) == 0 }
