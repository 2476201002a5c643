package writer

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/marmos91/zarrstream/internal/logger"
	"github.com/marmos91/zarrstream/pkg/metrics"
	"github.com/marmos91/zarrstream/pkg/zarr"
	"github.com/marmos91/zarrstream/pkg/zarr/sink"
)

// FlatOptions tunes the flat writer.
type FlatOptions struct {
	// MaxChunksPerFile splits output across file groups after this many
	// chunks per file. 0 keeps one file per tile for the whole
	// acquisition.
	MaxChunksPerFile uint32
}

// ChunkWriter is the flat writer: one file per tile position, successive
// time chunks appended back to back with no index. Paired with chunk-grid
// metadata it is the legacy array flavor; it also serves as the reference
// for the raw chunk byte layout.
type ChunkWriter struct {
	*chunkBase

	opts FlatOptions

	sinks   []sink.Sink
	offsets []int64

	chunksInGroup uint32
	group         int
}

// NewChunkWriter creates a flat writer for the given array configuration.
func NewChunkWriter(cfg zarr.ArrayConfig, ctx *Context, opts FlatOptions) (*ChunkWriter, error) {
	base, err := newChunkBase(cfg, ctx)
	if err != nil {
		return nil, err
	}
	return &ChunkWriter{chunkBase: base, opts: opts}, nil
}

// Write accepts one frame, tiling it into the chunk buffers. A full chunk
// flushes synchronously before Write returns.
func (w *ChunkWriter) Write(f *zarr.Frame) bool {
	if !w.writable() {
		return false
	}
	if err := w.validateFrame(f); err != nil {
		logger.Warn("frame rejected", logger.KeyError, err.Error())
		metrics.FrameRejected(w.ctx.Metrics)
		return false
	}

	w.writeFrameToBuffers(f)
	w.framesWritten++
	metrics.FramesAccepted(w.ctx.Metrics, 1)

	if w.planeIndex() == 0 {
		if err := w.flush(); err != nil {
			w.fail(err)
		}
	}
	return true
}

// Finalize pads any partial chunk with zero planes, flushes, and closes all
// sinks.
func (w *ChunkWriter) Finalize() error {
	if w.finalized {
		return w.failed
	}
	w.finalized = true

	// Partial planes already sit in the zeroed buffers, so the padding is
	// the flush itself.
	if w.failed == nil && w.planeIndex() != 0 {
		if err := w.flush(); err != nil {
			w.fail(err)
		}
	}

	if err := sink.CloseAll(w.sinks); err != nil && w.failed == nil {
		w.fail(err)
	}
	w.sinks = nil

	return w.failed
}

// groupDir returns the base directory of the current file group.
func (w *ChunkWriter) groupDir() string {
	if w.group == 0 {
		return w.cfg.DataRoot
	}
	return filepath.Join(w.cfg.DataRoot, strconv.Itoa(w.group))
}

func (w *ChunkWriter) makeSinks() error {
	g := w.geom
	sinks, err := sink.NewCreator(w.groupDir()).CreateGrid(
		int(g.TilesC), int(g.TilesY), int(g.TilesX))
	if err != nil {
		return err
	}
	w.sinks = sinks
	w.offsets = make([]int64, len(sinks))
	return nil
}

// flush emits every chunk buffer to its tile's sink in canonical order.
func (w *ChunkWriter) flush() error {
	start := time.Now()

	payloads, err := w.compressBuffers()
	if err != nil {
		return fmt.Errorf("flush chunk %d: %w", w.currentChunk, err)
	}

	if w.sinks == nil {
		if err := w.makeSinks(); err != nil {
			return fmt.Errorf("flush chunk %d: %w", w.currentChunk, err)
		}
	}

	var written int64
	for i, p := range payloads {
		if err := w.sinks[i].WriteAt(p, w.offsets[i]); err != nil {
			return fmt.Errorf("flush chunk %d: %w", w.currentChunk, err)
		}
		w.offsets[i] += int64(len(p))
		written += int64(len(p))
	}
	w.releasePayloads(payloads)

	w.currentChunk++
	w.chunksInGroup++
	w.clearBuffers()
	w.observeFlush(written, start)

	if w.opts.MaxChunksPerFile > 0 && w.chunksInGroup >= w.opts.MaxChunksPerFile {
		return w.rollover()
	}
	return nil
}

// rollover closes the current file group and starts the next one.
func (w *ChunkWriter) rollover() error {
	if err := sink.CloseAll(w.sinks); err != nil {
		return fmt.Errorf("rollover: %w", err)
	}
	w.sinks = nil
	w.offsets = nil
	w.chunksInGroup = 0
	w.group++

	logger.Debug("rolled over file group", "group", w.group)
	return nil
}
