package geotiff

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/akhenakh/rasterd/raster"
)

// AtCoord returns the band 0 raster value at the specified longitude and
// latitude. It first checks that the coordinates fall within the image
// bounds, then converts them to pixel indices and retrieves the value at
// that location.
func (g *GeoTIFF) AtCoord(lon, lat float64) (float64, error) {
	rect, err := g.Bounds()
	if err != nil {
		return 0, err
	}

	p := Point{Lon: lon, Lat: lat}
	if !rect.Contains(p) {
		return 0, fmt.Errorf("requested point %s does not fall inside the image bounds %s", p.String(), rect.String())
	}

	// Distance from the upper-left corner divided by the pixel scale.
	xIDx := int(math.Round(math.Abs(p.Lon-rect.UpperLeft.Lon) / g.PixelScaleX))
	yIDx := int(math.Round(math.Abs(p.Lat-rect.UpperLeft.Lat) / math.Abs(g.PixelScaleY)))

	return g.AtPixel(xIDx, yIDx, 0)
}

// AtPixel returns the value of one band at pixel (x, y). The whole tile
// containing the pixel is decoded and cached, so walking nearby pixels
// only pays for I/O once per tile.
func (g *GeoTIFF) AtPixel(x, y, band int) (float64, error) {
	l := g.layout
	if x < 0 || x >= l.imageWidth || y < 0 || y >= l.imageHeight {
		return 0, fmt.Errorf("point (%d, %d) lies outside image", x, y)
	}
	if band < 0 || band >= l.numBands {
		return 0, fmt.Errorf("band %d out of range", band)
	}

	tileX := x / l.tileWidth
	tileY := y / l.tileHeight
	tilesAcross := (l.imageWidth + l.tileWidth - 1) / l.tileWidth
	tileNum := tileY*tilesAcross + tileX

	tile, err := g.pointTile(tileNum, tileX, tileY)
	if err != nil {
		return 0, fmt.Errorf("failed to get data for tile %d: %w", tileNum, err)
	}

	// After the primary tile is available, trigger a non-blocking prefetch
	// of its neighbors. Requests that are spatially close then hit the
	// tile cache instead of the backend.
	prefetchKey := "prefetch-" + strconv.Itoa(tileNum)
	go g.inflightPrefetch.Do(prefetchKey, func() (interface{}, error) {
		g.prefetchNeighbors(tileNum, tilesAcross)
		// Allow another prefetch for the same tile after a while, in
		// case cached neighbors have been evicted in the meantime.
		time.AfterFunc(1*time.Minute, func() {
			g.inflightPrefetch.Forget(prefetchKey)
		})
		return nil, nil
	})

	// The tile was requested with the region anchored at its own corner,
	// so its output coordinates are tile-relative.
	idI := x - tileX*l.tileWidth
	idJ := y - tileY*l.tileHeight
	pixelIndexInTile := idJ*tile.Width + idI

	if l.planar {
		return tile.Banks[band].Float64(pixelIndexInTile), nil
	}
	return tile.Banks[0].Float64(pixelIndexInTile*l.numBands + band), nil
}

// pointTile decodes the full tile at grid position (tileX, tileY). The
// engine caches the decoded tile; singleflight keeps concurrent point
// queries for the same tile from decoding it more than once.
func (g *GeoTIFF) pointTile(tileNum, tileX, tileY int) (*raster.Tile, error) {
	key := strconv.Itoa(tileNum)
	v, err, _ := g.inflightPoint.Do(key, func() (interface{}, error) {
		l := g.layout
		region := raster.Region{
			X0: tileX * l.tileWidth,
			Y0: tileY * l.tileHeight,
			X1: min(tileX*l.tileWidth+l.tileWidth, l.imageWidth),
			Y1: min(tileY*l.tileHeight+l.tileHeight, l.imageHeight),
		}
		tiles, err := g.res.ReadRegion(raster.Request{Region: region})
		if err != nil {
			return nil, err
		}
		if len(tiles) != 1 {
			return nil, fmt.Errorf("expected a single tile, got %d", len(tiles))
		}
		return tiles[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*raster.Tile), nil
}

// prefetchNeighbors fetches the eight surrounding tiles. It does not
// trigger any further prefetching.
func (g *GeoTIFF) prefetchNeighbors(tileNum, tilesAcross int) {
	if tilesAcross == 0 {
		return
	}

	l := g.layout
	tileY := tileNum / tilesAcross
	tileX := tileNum % tilesAcross
	totalRows := (l.imageHeight + l.tileHeight - 1) / l.tileHeight

	var wg sync.WaitGroup
	for j := -1; j <= 1; j++ {
		for i := -1; i <= 1; i++ {
			if i == 0 && j == 0 {
				continue
			}

			neighborX := tileX + i
			neighborY := tileY + j
			if neighborX < 0 || neighborX >= tilesAcross || neighborY < 0 || neighborY >= totalRows {
				continue
			}

			neighborTileNum := neighborY*tilesAcross + neighborX
			wg.Add(1)
			go func(num, nx, ny int) {
				defer wg.Done()
				// Populate the cache; errors are ignored for
				// fire-and-forget prefetch.
				g.pointTile(num, nx, ny)
			}(neighborTileNum, neighborX, neighborY)
		}
	}
	wg.Wait()
}
