package writer

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"github.com/marmos91/zarrstream/internal/logger"
	"github.com/marmos91/zarrstream/pkg/metrics"
	"github.com/marmos91/zarrstream/pkg/zarr"
	"github.com/marmos91/zarrstream/pkg/zarr/sink"
)

// IndexEntrySize is the byte size of one shard index entry: two
// little-endian uint64 values, offset then size.
const IndexEntrySize = 16

// SentinelOffset marks an absent chunk slot in a shard index.
const SentinelOffset uint64 = math.MaxUint64

// ShardedChunkWriter groups chunks into shard files. Each shard file stores
// the concatenated compressed chunks of a rectangular chunk region followed
// by a fixed-size index of (offset, size) pairs.
//
// The index is rewritten at the payload tail on every flush, so a shard
// file is well-formed on disk between any two flushes: absent slots carry
// sentinel pairs until their chunks arrive.
type ShardedChunkWriter struct {
	*chunkBase

	// Shard extents in chunks per dimension.
	shardX, shardY, shardC, shardT uint32

	// Shard grid across the tile grid.
	shardsX, shardsY, shardsC uint32

	chunksPerShard int

	sinks  []sink.Sink
	shards []shardState

	// timeChunksInShard counts flushes into the current shard group.
	timeChunksInShard uint32

	// group is the completed-shard rollover counter along the append
	// dimension.
	group int
}

// shardState tracks one open shard file.
type shardState struct {
	payloadBytes int64
	index        []uint64 // 2*chunksPerShard slots
}

// NewShardedChunkWriter creates a sharded writer for the given array
// configuration.
func NewShardedChunkWriter(cfg zarr.ArrayConfig, ctx *Context) (*ShardedChunkWriter, error) {
	base, err := newChunkBase(cfg, ctx)
	if err != nil {
		return nil, err
	}

	w := &ShardedChunkWriter{
		chunkBase: base,
		shardX:    cfg.Dimensions[0].ShardSizeChunks,
		shardY:    cfg.Dimensions[1].ShardSizeChunks,
		shardC:    1,
		shardT:    cfg.AppendDimension().ShardSizeChunks,
	}
	if len(cfg.Dimensions) > 3 {
		w.shardC = cfg.Dimensions[2].ShardSizeChunks
	}

	g := base.geom
	w.shardsX = ceil32(g.TilesX, w.shardX)
	w.shardsY = ceil32(g.TilesY, w.shardY)
	w.shardsC = ceil32(g.TilesC, w.shardC)
	w.chunksPerShard = int(w.shardX) * int(w.shardY) * int(w.shardC) * int(w.shardT)

	return w, nil
}

func ceil32(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// ChunksPerShard returns the index slot count of one shard.
func (w *ShardedChunkWriter) ChunksPerShard() int {
	return w.chunksPerShard
}

// Write accepts one frame. A full chunk flushes synchronously, emitting
// every shard's new chunks and refreshed index before Write returns.
func (w *ShardedChunkWriter) Write(f *zarr.Frame) bool {
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

// Finalize pads any partial chunk with zero planes, flushes, and closes the
// shard sinks. Unfilled index slots remain sentinels, so truncated
// acquisitions leave well-formed shards behind.
func (w *ShardedChunkWriter) Finalize() error {
	if w.finalized {
		return w.failed
	}
	w.finalized = true

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

// groupDir returns the base directory of the current shard group. The
// first group writes at the data root itself; later groups are numbered
// subdirectories, mirroring flat-writer rollover.
func (w *ShardedChunkWriter) groupDir() string {
	if w.group == 0 {
		return w.cfg.DataRoot
	}
	return filepath.Join(w.cfg.DataRoot, strconv.Itoa(w.group))
}

func (w *ShardedChunkWriter) makeSinks() error {
	sinks, err := sink.NewCreator(w.groupDir()).CreateGrid(
		int(w.shardsC), int(w.shardsY), int(w.shardsX))
	if err != nil {
		return err
	}

	w.sinks = sinks
	w.shards = make([]shardState, len(sinks))
	for i := range w.shards {
		idx := make([]uint64, 2*w.chunksPerShard)
		for j := range idx {
			idx[j] = SentinelOffset
		}
		w.shards[i] = shardState{index: idx}
	}
	return nil
}

// flush compresses all chunk buffers across the pool, then appends each
// shard's member chunks and rewrites its trailing index.
func (w *ShardedChunkWriter) flush() error {
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
	for s := range w.sinks {
		n, err := w.flushShard(s, payloads)
		if err != nil {
			return fmt.Errorf("flush chunk %d: %w", w.currentChunk, err)
		}
		written += n
	}
	w.releasePayloads(payloads)

	w.currentChunk++
	w.timeChunksInShard++
	w.clearBuffers()
	w.observeFlush(written, start)

	if w.timeChunksInShard >= w.shardT {
		return w.rollover()
	}
	return nil
}

// flushShard appends this flush's member chunks of one shard and rewrites
// the shard index. On failure the shard file is restored to its pre-flush
// state so it stays well-formed.
func (w *ShardedChunkWriter) flushShard(s int, payloads [][]byte) (int64, error) {
	st := &w.shards[s]
	out := w.sinks[s]

	// Shard coordinates within the shard grid, row-major c, y, x.
	sx := uint32(s) % w.shardsX
	sy := (uint32(s) / w.shardsX) % w.shardsY
	sc := uint32(s) / (w.shardsX * w.shardsY)

	startPayload := st.payloadBytes
	savedIndex := append([]uint64(nil), st.index...)

	restore := func(cause error) (int64, error) {
		st.payloadBytes = startPayload
		copy(st.index, savedIndex)
		if terr := out.Truncate(startPayload); terr != nil {
			logger.Warn("truncating failed shard", logger.KeyShard, s, logger.KeyError, terr.Error())
			return 0, cause
		}
		if w.timeChunksInShard > 0 {
			if werr := out.WriteAt(encodeIndex(savedIndex), startPayload); werr != nil {
				logger.Warn("restoring shard index", logger.KeyShard, s, logger.KeyError, werr.Error())
			}
		}
		return 0, cause
	}

	g := w.geom
	tIn := w.timeChunksInShard

	// This flush's member chunks and the refreshed index are staged and
	// written to the shard sink in a single append.
	var staged []byte

	// Member chunks in canonical order: fastest-varying tile dimension
	// first. The slot linearization follows the reverse of the declared
	// dimension order (t, c, y, x), x fastest.
	for cIn := uint32(0); cIn < w.shardC; cIn++ {
		tc := sc*w.shardC + cIn
		if tc >= g.TilesC {
			continue
		}
		for yIn := uint32(0); yIn < w.shardY; yIn++ {
			ty := sy*w.shardY + yIn
			if ty >= g.TilesY {
				continue
			}
			for xIn := uint32(0); xIn < w.shardX; xIn++ {
				tx := sx*w.shardX + xIn
				if tx >= g.TilesX {
					continue
				}

				tile := int((tc*g.TilesY+ty)*g.TilesX + tx)
				p := payloads[tile]

				slot := ((int(tIn)*int(w.shardC)+int(cIn))*int(w.shardY)+int(yIn))*int(w.shardX) + int(xIn)
				st.index[2*slot] = uint64(st.payloadBytes)
				st.index[2*slot+1] = uint64(len(p))

				staged = append(staged, p...)
				st.payloadBytes += int64(len(p))
			}
		}
	}

	staged = append(staged, encodeIndex(st.index)...)
	if err := out.WriteAt(staged, startPayload); err != nil {
		return restore(err)
	}

	return int64(len(staged)), nil
}

// rollover closes the completed shard group and starts the next one.
func (w *ShardedChunkWriter) rollover() error {
	if err := sink.CloseAll(w.sinks); err != nil {
		return fmt.Errorf("rollover: %w", err)
	}
	w.sinks = nil
	w.shards = nil
	w.timeChunksInShard = 0
	w.group++

	logger.Debug("completed shard group", "group", w.group-1)
	return nil
}

// encodeIndex serializes index slots as little-endian uint64 pairs.
func encodeIndex(index []uint64) []byte {
	out := make([]byte, 8*len(index))
	for i, v := range index {
		binary.LittleEndian.PutUint64(out[i*8:], v)
	}
	return out
}
