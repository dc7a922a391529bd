// Package raster is the tiled raster decode engine: it turns a rectangular,
// possibly subsampled, possibly band-restricted read request into the
// minimal, byte-offset-ordered set of range reads against a compressed or
// uncompressed tile-addressed stream, decodes them, and returns in-memory
// raster tiles.
//
// The engine is container-agnostic: everything it needs to know about the
// file comes through the Layout descriptor and the Input byte source. The
// geotiff package provides both for (Big)TIFF files.
package raster
