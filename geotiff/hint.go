package geotiff

import (
	"sort"
	"sync"
)

const (
	// Ranges closer than this are fetched as one request. 32 KiB of waste
	// is cheaper than an extra round trip on every remote backend.
	hintCoalesceGap = 32 << 10

	// Upper bound on a single coalesced fetch.
	hintMaxWindow = 8 << 20
)

type hintSpan struct {
	off    int64
	length int64
}

// hintBuffer turns the decode engine's range announcements into coalesced
// fetches. The engine hints every tile it is about to read in one batch;
// when the first ReadAt lands inside a hinted span the whole span is
// fetched at once and later reads are served from memory.
type hintBuffer struct {
	mu      sync.Mutex
	pending []hintSpan

	// Most recently materialized window.
	winOff  int64
	winData []byte
}

// announce records an upcoming read. Overlapping or near-adjacent spans are
// merged so a run of consecutive tiles becomes a single request.
func (b *hintBuffer) announce(off, length int64) {
	if length <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, hintSpan{off: off, length: length})
	sort.Slice(b.pending, func(i, j int) bool { return b.pending[i].off < b.pending[j].off })

	merged := b.pending[:1]
	for _, s := range b.pending[1:] {
		last := &merged[len(merged)-1]
		gapEnd := last.off + last.length + hintCoalesceGap
		spanEnd := s.off + s.length
		if s.off <= gapEnd && spanEnd-last.off <= hintMaxWindow {
			if spanEnd > last.off+last.length {
				last.length = spanEnd - last.off
			}
			continue
		}
		merged = append(merged, s)
	}
	b.pending = merged
}

// read serves p from a hinted window, materializing the window on first
// touch via fetch. It returns false when off was never hinted, in which
// case the caller fetches directly.
func (b *hintBuffer) read(p []byte, off int64, fetch func(off, length int64) ([]byte, error)) (int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := off + int64(len(p))
	if b.winData != nil && off >= b.winOff && end <= b.winOff+int64(len(b.winData)) {
		return copy(p, b.winData[off-b.winOff:]), true, nil
	}

	for i, s := range b.pending {
		if off < s.off || end > s.off+s.length {
			continue
		}
		data, err := fetch(s.off, s.length)
		if err != nil {
			return 0, true, err
		}
		b.winOff = s.off
		b.winData = data
		b.pending = append(b.pending[:i], b.pending[i+1:]...)
		return copy(p, data[off-s.off:]), true, nil
	}
	return 0, false, nil
}
