package writer

import (
	"fmt"
	"time"

	"github.com/marmos91/zarrstream/internal/logger"
	"github.com/marmos91/zarrstream/pkg/bufpool"
	"github.com/marmos91/zarrstream/pkg/metrics"
	"github.com/marmos91/zarrstream/pkg/workerpool"
	"github.com/marmos91/zarrstream/pkg/zarr"
	"github.com/marmos91/zarrstream/pkg/zarr/blosc"
)

// chunkBase is the tiling and accumulation engine shared by both writer
// flavors. The embedding writer supplies the flush strategy.
type chunkBase struct {
	cfg  zarr.ArrayConfig
	geom zarr.TileGeometry
	ctx  *Context

	framesPerChunk uint32
	tilePlaneBytes int
	compressor     *blosc.Compressor

	// chunkBuffers holds one zeroed buffer per tile position, indexed
	// (c*TilesY + y)*TilesX + x. Allocated lazily on the first frame and
	// reused across flushes.
	chunkBuffers [][]byte

	framesWritten uint32
	currentChunk  uint32
	bytesToFlush  int64

	failed    error
	finalized bool
}

func newChunkBase(cfg zarr.ArrayConfig, ctx *Context) (*chunkBase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil || ctx.Pool == nil {
		return nil, fmt.Errorf("%w: writer context has no pool", zarr.ErrInvalidConfig)
	}

	b := &chunkBase{
		cfg:            cfg,
		geom:           cfg.Tiling(),
		ctx:            ctx,
		framesPerChunk: cfg.FramesPerChunk(),
	}
	b.tilePlaneBytes = b.geom.TilePlaneBytes(cfg.Shape.Type)

	if cfg.Compression != nil {
		comp, err := blosc.New(*cfg.Compression)
		if err != nil {
			return nil, err
		}
		b.compressor = comp
	}

	return b, nil
}

func (b *chunkBase) Config() *zarr.ArrayConfig {
	return &b.cfg
}

func (b *chunkBase) FramesWritten() uint32 {
	return b.framesWritten
}

// planeIndex returns the destination plane within the current chunk.
func (b *chunkBase) planeIndex() uint32 {
	return b.framesWritten % b.framesPerChunk
}

// validateFrame rejects frames whose geometry does not match the config.
func (b *chunkBase) validateFrame(f *zarr.Frame) error {
	if f == nil || f.Data == nil {
		return fmt.Errorf("%w: nil frame payload", zarr.ErrShapeMismatch)
	}
	s := b.cfg.Shape
	if f.Width != s.Width || f.Height != s.Height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d",
			zarr.ErrShapeMismatch, f.Width, f.Height, s.Width, s.Height)
	}
	if f.Channels != s.Channels {
		return fmt.Errorf("%w: got %d channels, want %d",
			zarr.ErrShapeMismatch, f.Channels, s.Channels)
	}
	if f.Type != s.Type {
		return fmt.Errorf("%w: got sample type %s, want %s",
			zarr.ErrShapeMismatch, f.Type, s.Type)
	}
	if len(f.Data) < f.Bytes() {
		return fmt.Errorf("%w: payload %d bytes, want %d",
			zarr.ErrShapeMismatch, len(f.Data), f.Bytes())
	}
	return nil
}

// makeBuffers allocates the per-tile chunk buffers.
func (b *chunkBase) makeBuffers() {
	n := int(b.geom.TilesPerFrame())
	size := b.tilePlaneBytes * int(b.framesPerChunk)

	b.chunkBuffers = make([][]byte, n)
	for i := range b.chunkBuffers {
		b.chunkBuffers[i] = make([]byte, size)
	}

	logger.Debug("allocated chunk buffers",
		"tiles", n, "buffer_bytes", size)
}

// clearBuffers rezeroes every chunk buffer for reuse. Zeroed buffers double
// as the fill value for clipped edge tiles and padded planes.
func (b *chunkBase) clearBuffers() {
	for _, buf := range b.chunkBuffers {
		for i := range buf {
			buf[i] = 0
		}
	}
	b.bytesToFlush = 0
}

// writeFrameToBuffers tiles one validated frame into the chunk buffers at
// the current plane index. Edge tiles are clipped; the destination beyond
// the clip stays zero.
func (b *chunkBase) writeFrameToBuffers(f *zarr.Frame) {
	if b.chunkBuffers == nil {
		b.makeBuffers()
	}

	g := b.geom
	bpp := b.cfg.Shape.Type.BytesPerPixel()
	planeOff := int(b.planeIndex()) * b.tilePlaneBytes
	frameRowBytes := int(g.FrameW) * bpp
	tileRowBytes := int(g.TileW) * bpp

	for tc := uint32(0); tc < g.TilesC; tc++ {
		for ty := uint32(0); ty < g.TilesY; ty++ {
			for tx := uint32(0); tx < g.TilesX; tx++ {
				tile := int((tc*g.TilesY+ty)*g.TilesX + tx)
				dst := b.chunkBuffers[tile]

				copyW := 0
				x0 := int(tx * g.TileW)
				if x0 < int(g.FrameW) {
					copyW = int(g.FrameW) - x0
					if copyW > int(g.TileW) {
						copyW = int(g.TileW)
					}
				}
				if copyW == 0 {
					continue
				}

				for cc := uint32(0); cc < g.ChunkC; cc++ {
					ch := tc*g.ChunkC + cc
					if ch >= g.Channels {
						break
					}
					chOff := int(ch) * int(g.FrameH) * frameRowBytes

					for r := 0; r < int(g.TileH); r++ {
						srcY := int(ty)*int(g.TileH) + r
						if srcY >= int(g.FrameH) {
							break
						}

						srcOff := chOff + srcY*frameRowBytes + x0*bpp
						dstOff := planeOff + (int(cc)*int(g.TileH)+r)*tileRowBytes
						copy(dst[dstOff:dstOff+copyW*bpp], f.Data[srcOff:srcOff+copyW*bpp])
					}
				}
			}
		}
	}

	b.bytesToFlush += int64(b.tilePlaneBytes) * int64(g.TilesPerFrame())
}

// compressBuffers runs chunk compression across the worker pool and returns
// the payloads to emit, parallel to chunkBuffers. Without compression the
// chunk buffers themselves are returned.
//
// Each worker owns exactly one output slot; the barrier is the handle join.
func (b *chunkBase) compressBuffers() ([][]byte, error) {
	if b.compressor == nil {
		return b.chunkBuffers, nil
	}

	typeSize := b.cfg.Shape.Type.BytesPerPixel()
	outs := make([][]byte, len(b.chunkBuffers))
	handles := make([]*workerpool.Handle, len(b.chunkBuffers))

	for i := range b.chunkBuffers {
		i := i
		handles[i] = b.ctx.Pool.Submit(func() error {
			out, err := b.compressor.Compress(b.chunkBuffers[i], typeSize)
			if err != nil {
				return fmt.Errorf("compress chunk %d: %w", i, err)
			}
			outs[i] = out
			return nil
		})
	}

	if err := workerpool.Await(handles...); err != nil {
		return nil, err
	}
	return outs, nil
}

// releasePayloads returns pooled compression outputs after a successful
// flush. Uncompressed flushes emit the chunk buffers themselves, which are
// reused, never pooled.
func (b *chunkBase) releasePayloads(payloads [][]byte) {
	if b.compressor == nil {
		return
	}
	for _, p := range payloads {
		bufpool.Put(p)
	}
}

// observeFlush reports one completed flush to metrics and the log.
func (b *chunkBase) observeFlush(bytes int64, start time.Time) {
	metrics.FlushObserved(b.ctx.Metrics, bytes, time.Since(start))
	logger.Debug("flushed chunk",
		logger.KeyChunk, b.currentChunk,
		logger.KeyBytesWritten, bytes,
		logger.KeyDurationMs, logger.Duration(start))
}

// fail taints the writer with the first flush error.
func (b *chunkBase) fail(err error) {
	if b.failed == nil {
		b.failed = err
		logger.Error("writer failed", logger.KeyError, err.Error())
	}
}

// writable reports whether the writer can accept frames, logging why not.
func (b *chunkBase) writable() bool {
	if b.finalized {
		logger.Warn("frame dropped", logger.KeyError, zarr.ErrWriterFinalized.Error())
		return false
	}
	if b.failed != nil {
		logger.Warn("frame dropped", logger.KeyError, b.failed.Error())
		return false
	}
	return true
}
