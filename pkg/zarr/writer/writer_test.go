package writer

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/zarrstream/pkg/workerpool"
	"github.com/marmos91/zarrstream/pkg/zarr"
	"github.com/marmos91/zarrstream/pkg/zarr/blosc"
)

// ============================================================================
// Helpers
// ============================================================================

func testContext(t *testing.T) *Context {
	t.Helper()
	pool := workerpool.New(2)
	t.Cleanup(pool.Close)
	return &Context{Pool: pool}
}

func testConfig(root string, w, h uint32, st zarr.SampleType,
	tileW, tileH, fpc, shardX, shardY, shardT uint32, comp *blosc.Params) zarr.ArrayConfig {
	return zarr.ArrayConfig{
		Shape: zarr.ImageShape{Width: w, Height: h, Channels: 1, Type: st},
		Dimensions: []zarr.Dimension{
			{Name: "x", Kind: zarr.DimSpace, ArraySizePx: w, ChunkSizePx: tileW, ShardSizeChunks: shardX},
			{Name: "y", Kind: zarr.DimSpace, ArraySizePx: h, ChunkSizePx: tileH, ShardSizeChunks: shardY},
			{Name: "t", Kind: zarr.DimTime, ArraySizePx: 0, ChunkSizePx: fpc, ShardSizeChunks: shardT},
		},
		DataRoot:    root,
		Compression: comp,
	}
}

// testFrame fills a single-channel frame with a deterministic per-pixel
// pattern keyed by the frame index.
func testFrame(w, h uint32, st zarr.SampleType, idx int) *zarr.Frame {
	f := &zarr.Frame{Width: w, Height: h, Channels: 1, Type: st}
	f.Data = make([]byte, f.Bytes())

	switch st {
	case zarr.SampleUint8:
		for i := range f.Data {
			f.Data[i] = byte(idx*31 + i)
		}
	case zarr.SampleUint16:
		for i := 0; i < len(f.Data)/2; i++ {
			binary.LittleEndian.PutUint16(f.Data[i*2:], uint16(idx*10000+i))
		}
	default:
		for i := range f.Data {
			f.Data[i] = byte(idx ^ i)
		}
	}
	return f
}

// expectedChunk rebuilds one tile's chunk bytes independently of the writer:
// frames laid out plane by plane, edge tiles clipped to zero.
func expectedChunk(frames []*zarr.Frame, cfg zarr.ArrayConfig, ty, tx uint32) []byte {
	g := cfg.Tiling()
	bpp := cfg.Shape.Type.BytesPerPixel()
	planeBytes := g.TilePlaneBytes(cfg.Shape.Type)
	fpc := int(cfg.FramesPerChunk())

	out := make([]byte, planeBytes*fpc)
	for p, f := range frames {
		if p >= fpc {
			break
		}
		for r := uint32(0); r < g.TileH; r++ {
			srcY := ty*g.TileH + r
			if srcY >= g.FrameH {
				continue
			}
			for cx := uint32(0); cx < g.TileW; cx++ {
				srcX := tx*g.TileW + cx
				if srcX >= g.FrameW {
					continue
				}
				srcOff := (int(srcY)*int(g.FrameW) + int(srcX)) * bpp
				dstOff := p*planeBytes + (int(r)*int(g.TileW)+int(cx))*bpp
				copy(out[dstOff:dstOff+bpp], f.Data[srcOff:srcOff+bpp])
			}
		}
	}
	return out
}

// parseIndex splits a shard file into payload and decoded index slots.
func parseIndex(t *testing.T, path string, chunksPerShard int) ([]byte, []uint64) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	idxBytes := IndexEntrySize * chunksPerShard
	require.GreaterOrEqual(t, len(data), idxBytes)

	payload := data[:len(data)-idxBytes]
	index := make([]uint64, 2*chunksPerShard)
	for i := range index {
		index[i] = binary.LittleEndian.Uint64(data[len(payload)+i*8:])
	}
	return payload, index
}

// ============================================================================
// Flat Writer Tests
// ============================================================================

func TestFlatWriterRawChunkLayout(t *testing.T) {
	// frames_per_chunk=1 and no compression: each tile file must be the
	// raw tile bytes concatenated across planes.
	root := t.TempDir()
	cfg := testConfig(root, 64, 48, zarr.SampleUint16, 32, 24, 1, 1, 1, 1, nil)

	w, err := NewChunkWriter(cfg, testContext(t), FlatOptions{})
	require.NoError(t, err)

	var frames []*zarr.Frame
	for i := 0; i < 3; i++ {
		f := testFrame(64, 48, zarr.SampleUint16, i)
		frames = append(frames, f)
		require.True(t, w.Write(f))
	}
	require.NoError(t, w.Finalize())
	assert.EqualValues(t, 3, w.FramesWritten())

	for ty := uint32(0); ty < 2; ty++ {
		for tx := uint32(0); tx < 2; tx++ {
			path := filepath.Join(root, "c0", "y"+string(rune('0'+ty)), "x"+string(rune('0'+tx)))
			data, err := os.ReadFile(path)
			require.NoError(t, err)

			var want []byte
			for _, f := range frames {
				want = append(want, expectedChunk([]*zarr.Frame{f}, cfg, ty, tx)...)
			}
			assert.Equal(t, want, data, "tile (%d,%d)", ty, tx)
		}
	}
}

func TestFlatWriterPadsPartialChunk(t *testing.T) {
	// 100x50 frames with 40x40 tiles and 3 frames per chunk: finalize
	// after 2 frames pads the chunk, edge tiles stay zero past the clip.
	root := t.TempDir()
	cfg := testConfig(root, 100, 50, zarr.SampleUint8, 40, 40, 3, 1, 1, 1, nil)

	w, err := NewChunkWriter(cfg, testContext(t), FlatOptions{})
	require.NoError(t, err)

	var frames []*zarr.Frame
	for i := 0; i < 2; i++ {
		f := testFrame(100, 50, zarr.SampleUint8, i)
		frames = append(frames, f)
		require.True(t, w.Write(f))
	}
	require.NoError(t, w.Finalize())

	for ty := uint32(0); ty < 2; ty++ {
		for tx := uint32(0); tx < 3; tx++ {
			path := filepath.Join(root, "c0", "y"+string(rune('0'+ty)), "x"+string(rune('0'+tx)))
			data, err := os.ReadFile(path)
			require.NoError(t, err)

			require.Equal(t, 40*40*3, len(data), "padded to 3 planes")
			assert.Equal(t, expectedChunk(frames, cfg, ty, tx), data)
		}
	}
}

func TestFlatWriterRejectsMismatchedFrames(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root, 64, 48, zarr.SampleUint16, 32, 24, 2, 1, 1, 1, nil)

	w, err := NewChunkWriter(cfg, testContext(t), FlatOptions{})
	require.NoError(t, err)

	assert.False(t, w.Write(testFrame(32, 48, zarr.SampleUint16, 0)), "wrong width")
	assert.False(t, w.Write(testFrame(64, 48, zarr.SampleUint8, 0)), "wrong sample type")
	assert.False(t, w.Write(nil), "nil frame")
	assert.EqualValues(t, 0, w.FramesWritten())

	// The writer still accepts correctly shaped frames afterwards.
	assert.True(t, w.Write(testFrame(64, 48, zarr.SampleUint16, 0)))
	assert.EqualValues(t, 1, w.FramesWritten())
	require.NoError(t, w.Finalize())
}

func TestFlatWriterRollover(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root, 32, 24, zarr.SampleUint8, 32, 24, 1, 1, 1, 1, nil)

	w, err := NewChunkWriter(cfg, testContext(t), FlatOptions{MaxChunksPerFile: 1})
	require.NoError(t, err)

	require.True(t, w.Write(testFrame(32, 24, zarr.SampleUint8, 0)))
	require.True(t, w.Write(testFrame(32, 24, zarr.SampleUint8, 1)))
	require.NoError(t, w.Finalize())

	assert.FileExists(t, filepath.Join(root, "c0", "y0", "x0"))
	assert.FileExists(t, filepath.Join(root, "1", "c0", "y0", "x0"))
}

func TestFlatWriterWriteAfterFinalize(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root, 32, 24, zarr.SampleUint8, 32, 24, 1, 1, 1, 1, nil)

	w, err := NewChunkWriter(cfg, testContext(t), FlatOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	assert.False(t, w.Write(testFrame(32, 24, zarr.SampleUint8, 0)))
}

// ============================================================================
// Sharded Writer Tests
// ============================================================================

func TestShardedWriterFullShard(t *testing.T) {
	// 2x2 tiles, shard covers the whole frame and two time chunks: one
	// shard file holding 8 chunks and a 128-byte index.
	root := t.TempDir()
	cfg := testConfig(root, 64, 48, zarr.SampleUint16, 32, 24, 2, 2, 2, 2, nil)

	w, err := NewShardedChunkWriter(cfg, testContext(t))
	require.NoError(t, err)
	require.Equal(t, 8, w.ChunksPerShard())

	var frames []*zarr.Frame
	for i := 0; i < 4; i++ {
		f := testFrame(64, 48, zarr.SampleUint16, i)
		frames = append(frames, f)
		require.True(t, w.Write(f))
	}
	require.NoError(t, w.Finalize())
	assert.EqualValues(t, 4, w.FramesWritten())

	chunkBytes := 32 * 24 * 2 * 2
	path := filepath.Join(root, "c0", "y0", "x0")
	payload, index := parseIndex(t, path, 8)

	assert.Equal(t, 8*chunkBytes, len(payload), "payload holds all 8 chunks")

	// Offsets are strictly increasing over present chunks and every
	// entry stays inside the payload.
	var prev int64 = -1
	for slot := 0; slot < 8; slot++ {
		off, size := index[2*slot], index[2*slot+1]
		require.NotEqualValues(t, SentinelOffset, off, "slot %d present", slot)
		assert.EqualValues(t, chunkBytes, size)
		assert.Greater(t, int64(off), prev)
		assert.LessOrEqual(t, int(off+size), len(payload))
		prev = int64(off)
	}

	// Slot linearization reverses the declared dimension order: for the
	// first time chunk, slot = y*2 + x. Verify chunk content per slot.
	for ty := uint32(0); ty < 2; ty++ {
		for tx := uint32(0); tx < 2; tx++ {
			slot := int(ty*2 + tx)
			off, size := index[2*slot], index[2*slot+1]
			got := payload[off : off+size]
			assert.Equal(t, expectedChunk(frames[:2], cfg, ty, tx), got,
				"first time chunk, tile (%d,%d)", ty, tx)
		}
	}
	for ty := uint32(0); ty < 2; ty++ {
		for tx := uint32(0); tx < 2; tx++ {
			slot := int(4 + ty*2 + tx)
			off, size := index[2*slot], index[2*slot+1]
			got := payload[off : off+size]
			assert.Equal(t, expectedChunk(frames[2:], cfg, ty, tx), got,
				"second time chunk, tile (%d,%d)", ty, tx)
		}
	}
}

func TestShardedWriterPartialShardSentinels(t *testing.T) {
	// Abort after the first of two time chunks: the shard file must be
	// well-formed, with sentinels for the absent slots.
	root := t.TempDir()
	cfg := testConfig(root, 64, 48, zarr.SampleUint16, 32, 24, 2, 2, 2, 2, nil)

	w, err := NewShardedChunkWriter(cfg, testContext(t))
	require.NoError(t, err)

	require.True(t, w.Write(testFrame(64, 48, zarr.SampleUint16, 0)))
	require.True(t, w.Write(testFrame(64, 48, zarr.SampleUint16, 1)))

	// No finalize: simulates a crash between chunk 1 and chunk 2.
	chunkBytes := 32 * 24 * 2 * 2
	path := filepath.Join(root, "c0", "y0", "x0")
	payload, index := parseIndex(t, path, 8)

	assert.Equal(t, 4*chunkBytes, len(payload))
	for slot := 0; slot < 4; slot++ {
		assert.NotEqualValues(t, SentinelOffset, index[2*slot], "slot %d present", slot)
	}
	for slot := 4; slot < 8; slot++ {
		assert.EqualValues(t, SentinelOffset, index[2*slot], "slot %d absent", slot)
		assert.EqualValues(t, SentinelOffset, index[2*slot+1])
	}
}

func TestShardedWriterCompressed(t *testing.T) {
	// Same geometry compressed: the shard shrinks, the index reflects
	// real compressed sizes, and each chunk round-trips to the raw bytes.
	root := t.TempDir()
	params := &blosc.Params{Codec: blosc.CodecZstd, Level: 1, Shuffle: blosc.ByteShuffle}
	cfg := testConfig(root, 64, 48, zarr.SampleUint16, 32, 24, 2, 2, 2, 2, params)

	w, err := NewShardedChunkWriter(cfg, testContext(t))
	require.NoError(t, err)

	var frames []*zarr.Frame
	for i := 0; i < 4; i++ {
		f := testFrame(64, 48, zarr.SampleUint16, i)
		frames = append(frames, f)
		require.True(t, w.Write(f))
	}
	require.NoError(t, w.Finalize())

	chunkBytes := 32 * 24 * 2 * 2
	path := filepath.Join(root, "c0", "y0", "x0")
	payload, index := parseIndex(t, path, 8)

	assert.Less(t, len(payload), 8*chunkBytes, "ramp data compresses")

	comp, err := blosc.New(*params)
	require.NoError(t, err)

	for ty := uint32(0); ty < 2; ty++ {
		for tx := uint32(0); tx < 2; tx++ {
			slot := int(ty*2 + tx)
			off, size := index[2*slot], index[2*slot+1]
			raw, err := comp.Decompress(payload[off : off+size])
			require.NoError(t, err)
			assert.Equal(t, expectedChunk(frames[:2], cfg, ty, tx), raw)
		}
	}
}

func TestShardedWriterEdgeShardGrid(t *testing.T) {
	// 3x2 tile grid with 2x2 shards: two shard files along x, the second
	// covering a single tile column with sentinels for the missing one.
	root := t.TempDir()
	cfg := testConfig(root, 96, 48, zarr.SampleUint8, 32, 24, 1, 2, 2, 1, nil)

	w, err := NewShardedChunkWriter(cfg, testContext(t))
	require.NoError(t, err)
	require.Equal(t, 4, w.ChunksPerShard())

	require.True(t, w.Write(testFrame(96, 48, zarr.SampleUint8, 0)))
	require.NoError(t, w.Finalize())

	chunkBytes := 32 * 24

	// Left shard: all four slots present.
	_, left := parseIndex(t, filepath.Join(root, "c0", "y0", "x0"), 4)
	for slot := 0; slot < 4; slot++ {
		assert.NotEqualValues(t, SentinelOffset, left[2*slot])
	}

	// Right shard: only xIn=0 slots present.
	payload, right := parseIndex(t, filepath.Join(root, "c0", "y0", "x1"), 4)
	assert.Equal(t, 2*chunkBytes, len(payload))
	for yIn := 0; yIn < 2; yIn++ {
		assert.NotEqualValues(t, SentinelOffset, right[2*(yIn*2+0)], "present slot")
		assert.EqualValues(t, SentinelOffset, right[2*(yIn*2+1)], "clipped slot")
	}
}

func TestShardedWriterRollsOverCompletedShards(t *testing.T) {
	// One time chunk per shard: each flush completes the shard group and
	// the next chunk starts a numbered group directory.
	root := t.TempDir()
	cfg := testConfig(root, 32, 24, zarr.SampleUint8, 32, 24, 1, 1, 1, 1, nil)

	w, err := NewShardedChunkWriter(cfg, testContext(t))
	require.NoError(t, err)

	require.True(t, w.Write(testFrame(32, 24, zarr.SampleUint8, 0)))
	require.True(t, w.Write(testFrame(32, 24, zarr.SampleUint8, 1)))
	require.NoError(t, w.Finalize())

	_, idx0 := parseIndex(t, filepath.Join(root, "c0", "y0", "x0"), 1)
	assert.NotEqualValues(t, SentinelOffset, idx0[0])

	_, idx1 := parseIndex(t, filepath.Join(root, "1", "c0", "y0", "x0"), 1)
	assert.NotEqualValues(t, SentinelOffset, idx1[0])
}

func TestShardedWriterTaintsOnFlushFailure(t *testing.T) {
	root := t.TempDir()
	// Block grid creation by occupying the data root path with a file.
	blocked := filepath.Join(root, "data")
	require.NoError(t, os.WriteFile(blocked, nil, 0644))

	cfg := testConfig(blocked, 32, 24, zarr.SampleUint8, 32, 24, 1, 1, 1, 1, nil)

	w, err := NewShardedChunkWriter(cfg, testContext(t))
	require.NoError(t, err)

	// The frame is accepted; the flush it triggers fails and taints the
	// writer.
	assert.True(t, w.Write(testFrame(32, 24, zarr.SampleUint8, 0)))
	assert.False(t, w.Write(testFrame(32, 24, zarr.SampleUint8, 1)), "tainted writer rejects")
	assert.Error(t, w.Finalize())
}

func TestShardedWriterFrameAccounting(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root, 32, 24, zarr.SampleUint8, 32, 24, 4, 1, 1, 1, nil)

	w, err := NewShardedChunkWriter(cfg, testContext(t))
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.True(t, w.Write(testFrame(32, 24, zarr.SampleUint8, i)))
		assert.EqualValues(t, i+1, w.FramesWritten())
	}
	require.NoError(t, w.Finalize())
	assert.EqualValues(t, 6, w.FramesWritten(), "finalize does not change the count")
}
