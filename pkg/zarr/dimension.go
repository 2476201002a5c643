package zarr

import (
	"fmt"

	"github.com/marmos91/zarrstream/pkg/zarr/blosc"
)

// ============================================================================
// Dimensions
// ============================================================================

// DimensionKind classifies an array axis.
type DimensionKind int

const (
	DimSpace DimensionKind = iota
	DimChannel
	DimTime
	DimOther
)

func (k DimensionKind) String() string {
	switch k {
	case DimSpace:
		return "space"
	case DimChannel:
		return "channel"
	case DimTime:
		return "time"
	default:
		return "other"
	}
}

// Dimension describes one array axis.
//
// Dimensions are declared fastest-varying first, with the append dimension
// last. ArraySizePx of 0 marks the unbounded append axis. Array extents need
// not be chunk-aligned: trailing partial chunks are padded with the fill
// value on flush.
type Dimension struct {
	Name            string
	Kind            DimensionKind
	ArraySizePx     uint32 // total extent; 0 = unbounded append dimension
	ChunkSizePx     uint32 // chunk extent along this axis, > 0
	ShardSizeChunks uint32 // chunks per shard along this axis, >= 1
}

// ChunkCount returns the number of chunks along the axis, counting a
// trailing partial chunk as one. Zero for the unbounded append axis.
func (d Dimension) ChunkCount() uint32 {
	if d.ArraySizePx == 0 || d.ChunkSizePx == 0 {
		return 0
	}
	return (d.ArraySizePx + d.ChunkSizePx - 1) / d.ChunkSizePx
}

// ShardCount returns the number of shards along the axis.
func (d Dimension) ShardCount() uint32 {
	chunks := d.ChunkCount()
	if chunks == 0 || d.ShardSizeChunks == 0 {
		return 0
	}
	return (chunks + d.ShardSizeChunks - 1) / d.ShardSizeChunks
}

func (d Dimension) validate() error {
	if d.ChunkSizePx == 0 {
		return fmt.Errorf("%w: dimension %q has zero chunk size", ErrInvalidConfig, d.Name)
	}
	if d.ShardSizeChunks == 0 {
		return fmt.Errorf("%w: dimension %q has zero shard size", ErrInvalidConfig, d.Name)
	}
	return nil
}

// ============================================================================
// Array Configuration
// ============================================================================

// ArrayConfig fully describes one array of the dataset (one multiscale
// level). It is immutable after a writer is constructed from it.
type ArrayConfig struct {
	Shape ImageShape

	// Dimensions are declared fastest-varying first; the append dimension
	// is last. The conventional order for 2D acquisition is x, y, c, t.
	Dimensions []Dimension

	// DataRoot is the directory the level's shard files are written under.
	DataRoot string

	// Compression selects the chunk codec. Nil disables compression.
	Compression *blosc.Params
}

// Validate checks dimension ordering and extents.
func (c *ArrayConfig) Validate() error {
	if err := c.Shape.Validate(); err != nil {
		return err
	}
	if len(c.Dimensions) < 3 {
		return fmt.Errorf("%w: need at least x, y and an append dimension", ErrInvalidConfig)
	}
	for i, d := range c.Dimensions {
		if err := d.validate(); err != nil {
			return err
		}
		if d.ArraySizePx == 0 && i != len(c.Dimensions)-1 {
			return fmt.Errorf("%w: unbounded dimension %q must be last", ErrInvalidConfig, d.Name)
		}
	}
	last := c.Dimensions[len(c.Dimensions)-1]
	if last.ArraySizePx != 0 {
		return fmt.Errorf("%w: append dimension %q must be unbounded", ErrInvalidConfig, last.Name)
	}
	if c.DataRoot == "" {
		return fmt.Errorf("%w: empty data root", ErrInvalidConfig)
	}
	if c.Compression != nil {
		if err := c.Compression.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// AppendDimension returns the final, unbounded dimension.
func (c *ArrayConfig) AppendDimension() Dimension {
	return c.Dimensions[len(c.Dimensions)-1]
}

// FramesPerChunk returns the chunk extent along the append dimension.
func (c *ArrayConfig) FramesPerChunk() uint32 {
	return c.AppendDimension().ChunkSizePx
}

// ============================================================================
// Tile Geometry
// ============================================================================

// TileGeometry is the spatial partition of one frame, derived from an
// ArrayConfig. Each tile position owns one chunk buffer in the writer.
type TileGeometry struct {
	FrameW, FrameH uint32
	Channels       uint32

	TileW, TileH uint32
	ChunkC       uint32 // channels per chunk

	TilesX, TilesY, TilesC uint32
}

// Tiling derives the tile geometry. The dimension order is x, y, then an
// optional channel dimension ahead of the append dimension.
func (c *ArrayConfig) Tiling() TileGeometry {
	g := TileGeometry{
		FrameW:   c.Shape.Width,
		FrameH:   c.Shape.Height,
		Channels: c.Shape.Channels,
		TileW:    c.Dimensions[0].ChunkSizePx,
		TileH:    c.Dimensions[1].ChunkSizePx,
		ChunkC:   1,
	}

	// Any dimension between y and the append axis partitions channels.
	if len(c.Dimensions) > 3 {
		g.ChunkC = c.Dimensions[2].ChunkSizePx
	}

	g.TilesX = ceilDiv(g.FrameW, g.TileW)
	g.TilesY = ceilDiv(g.FrameH, g.TileH)
	g.TilesC = ceilDiv(g.Channels, g.ChunkC)
	return g
}

// TilesPerFrame returns the number of chunk buffers one frame spreads into.
func (g TileGeometry) TilesPerFrame() uint32 {
	return g.TilesX * g.TilesY * g.TilesC
}

// TilePlaneBytes returns the byte size of one frame's contribution to one
// tile's chunk buffer.
func (g TileGeometry) TilePlaneBytes(t SampleType) int {
	return int(g.TileW) * int(g.TileH) * int(g.ChunkC) * t.BytesPerPixel()
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
