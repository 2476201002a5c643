// Package writer implements the tiling and chunk accumulation engine: frames
// stream in, are split into per-tile chunk buffers, and on every chunk
// boundary the buffers are compressed across the shared worker pool and
// emitted to sinks. Two writer flavors share the engine: the flat writer
// emits one file per tile position, the sharded writer groups chunks into
// indexed shard files.
package writer

import (
	"github.com/marmos91/zarrstream/pkg/metrics"
	"github.com/marmos91/zarrstream/pkg/workerpool"
	"github.com/marmos91/zarrstream/pkg/zarr"
)

// Context carries the collaborators shared by every writer of a dataset:
// the compression worker pool and an optional metrics handle. Writers hold
// it by non-owning reference; the orchestrator owns the pool.
type Context struct {
	Pool    *workerpool.Pool
	Metrics metrics.WriterMetrics
}

// Writer is the capability set the orchestrator needs from a level writer.
type Writer interface {
	// Write accepts one frame. It returns false when the frame fails shape
	// validation or the writer is failed/finalized; the frame is dropped
	// and the condition logged.
	Write(frame *zarr.Frame) bool

	// Finalize pads any partial chunk with the fill value, flushes, and
	// closes all sinks. The writer is terminal afterwards.
	Finalize() error

	// FramesWritten returns the number of accepted frames.
	FramesWritten() uint32

	// Config returns the writer's immutable array configuration.
	Config() *zarr.ArrayConfig
}
