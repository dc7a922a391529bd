package raster

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karlseguin/ccache/v3"
)

// Resource is one open tiled raster. All tile scheduling and decoding for a
// resource runs inside its lock: the input stream and the decompression
// pipeline hold mutable buffering state that cannot be shared, and
// byte-offset-ordered sequential access is part of the read contract.
// Independent resources share nothing.
type Resource struct {
	mu     sync.Mutex
	layout Layout
	input  Input
	order  binary.ByteOrder

	cache    *ccache.Cache[*Tile]
	cacheTTL time.Duration

	stats Stats
}

// Stats counts scheduler activity. Values only ever increase; read them
// with the atomic accessors.
type Stats struct {
	TilesDecoded     atomic.Int64
	TilesSynthesized atomic.Int64
	CacheHits        atomic.Int64
	BytesRequested   atomic.Int64
}

// NewResource wraps a layout and its byte source into a readable resource.
// cacheSize and itemsToPrune configure the decoded tile cache.
func NewResource(layout Layout, input Input, order binary.ByteOrder, cacheSize int64, itemsToPrune uint32) *Resource {
	return &Resource{
		layout:   layout,
		input:    input,
		order:    order,
		cache:    ccache.New(ccache.Configure[*Tile]().MaxSize(cacheSize).ItemsToPrune(itemsToPrune)),
		cacheTTL: 10 * time.Minute,
	}
}

// Stats returns the resource's activity counters.
func (r *Resource) Stats() *Stats { return &r.stats }

// Layout returns the resource's tile layout descriptor.
func (r *Resource) Layout() Layout { return r.layout }

// missingTile pairs a tileRead with its cache key for insertion after
// decode.
type missingTile struct {
	read tileRead
	key  string
}

// ReadRegion decodes the tiles covering the request's area of interest and
// returns them in area-of-interest (row-major tile) order. Tiles fully
// skipped by subsampling are compacted out of the result.
//
// The whole call executes inside the resource lock. Missing tiles are read
// in ascending byte offset order; tiles already cached before a failure
// remain valid.
func (r *Resource) ReadRegion(req Request) ([]*Tile, error) {
	if err := req.validate(r.layout.NumBands()); err != nil {
		return nil, err
	}
	region := req.Region
	if region.X1 > r.layout.ImageWidth() {
		region.X1 = r.layout.ImageWidth()
	}
	if region.Y1 > r.layout.ImageHeight() {
		region.Y1 = r.layout.ImageHeight()
	}
	if region.Empty() {
		return nil, fmt.Errorf("%w: region outside the image", ErrInvalidRequest)
	}
	sx, sy := req.subsampling()

	// Bank selection mirrors the sample layout: planar images read one
	// plane per selected band, interleaved images always read bank 0.
	numTiles := r.layout.NumTiles()
	var banks []int
	if r.layout.Planar() {
		if req.Bands != nil {
			banks = req.Bands
		} else {
			banks = make([]int, r.layout.NumBands())
			for i := range banks {
				banks[i] = i
			}
		}
	} else {
		banks = []int{0}
	}
	if need := (banks[len(banks)-1] + 1) * numTiles; need > r.layout.NumTileEntries() {
		return nil, fmt.Errorf("%w: tile offset vector has %d entries, need %d",
			ErrContent, r.layout.NumTileEntries(), need)
	}

	tw, th := r.layout.TileWidth(), r.layout.TileHeight()
	tilesAcross := ceilDiv(r.layout.ImageWidth(), tw)
	tileX0, tileX1 := region.X0/tw, ceilDiv(region.X1, tw)
	tileY0, tileY1 := region.Y0/th, ceilDiv(region.Y1, th)

	result := make([]*Tile, (tileX1-tileX0)*(tileY1-tileY0))
	var missing []missingTile
	needsCompaction := false

	r.mu.Lock()
	defer r.mu.Unlock()

	resultIdx := 0
	for ty := tileY0; ty < tileY1; ty++ {
		for tx := tileX0; tx < tileX1; tx++ {
			idx := resultIdx
			resultIdx++
			lowX, upX, outX, okX := gridSpan(tx*tw, min((tx+1)*tw, region.X1), region.X0, sx)
			lowY, upY, outY, okY := gridSpan(ty*th, min((ty+1)*th, region.Y1), region.Y0, sy)
			if !okX || !okY {
				// Subsampling stepped over this tile entirely.
				needsCompaction = true
				continue
			}
			tileIndex := ty*tilesAcross + tx
			key := tileKey(tileIndex, sx, sy, lowX, upX, lowY, upY, req.Bands)
			if item := r.cache.Get(key); item != nil && !item.Expired() {
				r.stats.CacheHits.Add(1)
				result[idx] = item.Value().withOrigin(outX, outY)
				continue
			}
			m := missingTile{
				read: tileRead{
					index:       tileIndex,
					offsets:     make([]int64, len(banks)),
					byteCounts:  make([]int64, len(banks)),
					lowerX:      lowX,
					lowerY:      lowY,
					upperX:      upX,
					upperY:      upY,
					originX:     outX,
					originY:     outY,
					resultIndex: idx,
				},
				key: key,
			}
			for j, b := range banks {
				off := r.layout.TileOffset(tileIndex, b)
				n := r.layout.TileByteCount(tileIndex, b)
				m.read.offsets[j] = off
				m.read.byteCounts[j] = n
				// Announce the range now, even though the same range will be
				// requested again at decode time: early hints give remote
				// backends a chance to group them.
				if h, ok := r.input.(RangeHinter); ok && n > 0 {
					h.HintRange(off, n)
				}
				r.stats.BytesRequested.Add(n)
			}
			missing = append(missing, m)
		}
	}

	if len(missing) > 0 {
		// Visit missing tiles in the order they sit in the file: many
		// backing streams, remote range readers especially, penalize
		// backward seeks.
		sort.Slice(missing, func(i, j int) bool {
			return missing[i].read.offsets[0] < missing[j].read.offsets[0]
		})
		session, err := newDecodeSession(r.layout, r.input, r.order, &req)
		if err != nil {
			return nil, err
		}
		defer session.close()

		for i := range missing {
			m := &missing[i]
			tile, err := r.loadTile(session, &m.read)
			if err != nil {
				return nil, err
			}
			r.cache.Set(m.key, tile, r.cacheTTL)
			result[m.read.resultIndex] = tile.withOrigin(m.read.originX, m.read.originY)
		}
	}

	if needsCompaction {
		n := 0
		for _, t := range result {
			if t != nil {
				result[n] = t
				n++
			}
		}
		result = result[:n]
	}
	return result, nil
}

func (r *Resource) loadTile(session decodeSession, t *tileRead) (*Tile, error) {
	sparse := true
	for _, n := range t.byteCounts {
		if n != 0 {
			sparse = false
			break
		}
	}
	if sparse {
		// GDAL sparse file convention: zero length for every bank means
		// the tile is not stored and holds the fill value everywhere.
		r.stats.TilesSynthesized.Add(1)
		return session.synthesize(t), nil
	}
	tile, err := session.decode(t)
	if err != nil {
		return nil, err
	}
	r.stats.TilesDecoded.Add(1)
	return tile, nil
}

// gridSpan intersects the half-open pixel range [a, b) with the subsampling
// grid anchored at anchor with the given step. It returns the grid-aligned
// bounds relative to a, plus the output coordinate of the first selected
// pixel; ok is false when the grid has no point inside the range.
func gridSpan(a, b, anchor, step int) (lower, upper, out int, ok bool) {
	if b <= a || b <= anchor {
		return 0, 0, 0, false
	}
	k := 0
	if a > anchor {
		k = ceilDiv(a-anchor, step)
	}
	first := anchor + k*step
	if first >= b {
		return 0, 0, 0, false
	}
	return first - a, b - a, k, true
}

func tileKey(index, sx, sy, lowX, upX, lowY, upY int, bands []int) string {
	return fmt.Sprintf("%d:%d,%d:%d-%d,%d-%d:%v", index, sx, sy, lowX, upX, lowY, upY, bands)
}

// withOrigin returns a copy of the tile positioned for the current request.
// Banks are shared: cached tile content is immutable by convention.
func (t *Tile) withOrigin(ox, oy int) *Tile {
	c := *t
	c.OriginX = ox
	c.OriginY = oy
	return &c
}
