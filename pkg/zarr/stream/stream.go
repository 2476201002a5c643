// Package stream implements the acquisition-facing orchestrator: it owns
// the multiscale writer ladder, the shared compression pool, and the
// metadata documents, and exposes the frame-in/finalize-out contract the
// acquisition host drives.
package stream

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/marmos91/zarrstream/internal/logger"
	"github.com/marmos91/zarrstream/pkg/metrics"
	"github.com/marmos91/zarrstream/pkg/workerpool"
	"github.com/marmos91/zarrstream/pkg/zarr"
	"github.com/marmos91/zarrstream/pkg/zarr/blosc"
	"github.com/marmos91/zarrstream/pkg/zarr/downsample"
	"github.com/marmos91/zarrstream/pkg/zarr/writer"
)

// Props configures one acquisition stream.
type Props struct {
	// Root is the dataset root directory.
	Root string

	// Dimensions are declared fastest-varying first, append dimension
	// last (conventionally x, y, c, t).
	Dimensions []zarr.Dimension

	// Compression selects the chunk codec; nil writes raw chunks.
	Compression *blosc.Params

	// EnableMultiscale turns on the downsampling cascade.
	EnableMultiscale bool

	// ExternalMetadata is an opaque JSON document stored under the group
	// attributes. Empty is allowed.
	ExternalMetadata string

	// PoolWorkers sizes the shared compression pool. 0 picks a default
	// from the machine's core count.
	PoolWorkers int
}

// Capabilities advertises what this sink flavor supports to the
// acquisition host.
type Capabilities struct {
	ShardingSupported   bool
	MultiscaleSupported bool
}

// Errors returned by the orchestrator.
var (
	ErrNotConfigured   = errors.New("stream is not configured")
	ErrAlreadyStarted  = errors.New("stream has already accepted frames")
	ErrShapeUnreserved = errors.New("image shape has not been reserved")
	ErrFinalized       = errors.New("stream is finalized")
)

// Stream is the orchestrator. Not safe for concurrent use: the acquisition
// host drives it from a single thread, and all concurrency is internal to
// the flush pipeline.
type Stream struct {
	props Props
	shape zarr.ImageShape

	acquisitionID uuid.UUID

	configured    bool
	shapeReserved bool
	started       bool
	finalized     bool

	pool    *workerpool.Pool
	writers []writer.Writer

	// held is the one-slot temporal pairing buffer per pyramid level;
	// index 0 is unused.
	held []*zarr.Frame
}

// New returns an unconfigured stream.
func New() *Stream {
	return &Stream{}
}

// Configure validates the dataset root, dimensions, and compression choice.
// The writer ladder is allocated once the image shape is also known.
func (s *Stream) Configure(props Props) error {
	if s.finalized {
		return ErrFinalized
	}
	if s.started {
		return ErrAlreadyStarted
	}

	if props.Root == "" {
		return fmt.Errorf("%w: empty dataset root", zarr.ErrInvalidConfig)
	}
	if len(props.Dimensions) < 3 {
		return fmt.Errorf("%w: need at least x, y and an append dimension", zarr.ErrInvalidConfig)
	}
	for i, d := range props.Dimensions {
		if d.ChunkSizePx == 0 {
			return fmt.Errorf("%w: dimension %q has zero chunk size", zarr.ErrInvalidConfig, d.Name)
		}
		if d.ShardSizeChunks == 0 {
			return fmt.Errorf("%w: dimension %q has zero shard size", zarr.ErrInvalidConfig, d.Name)
		}
		if d.ArraySizePx == 0 && i != len(props.Dimensions)-1 {
			return fmt.Errorf("%w: unbounded dimension %q must be last", zarr.ErrInvalidConfig, d.Name)
		}
	}
	if last := props.Dimensions[len(props.Dimensions)-1]; last.ArraySizePx != 0 {
		return fmt.Errorf("%w: append dimension %q must be unbounded", zarr.ErrInvalidConfig, last.Name)
	}
	if props.Compression != nil {
		if err := props.Compression.Validate(); err != nil {
			return err
		}
	}

	s.props = props
	s.configured = true
	s.acquisitionID = uuid.New()

	logger.Info("configured stream",
		logger.KeyAcquisitionID, s.acquisitionID.String(),
		logger.KeyDatasetRoot, props.Root,
		"multiscale", props.EnableMultiscale)

	if s.shapeReserved {
		return s.allocateWriters()
	}
	return nil
}

// ReserveImageShape records the per-frame geometry. Callable only before
// the first Append.
func (s *Stream) ReserveImageShape(shape zarr.ImageShape) error {
	if s.finalized {
		return ErrFinalized
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if err := shape.Validate(); err != nil {
		return err
	}

	s.shape = shape
	s.shapeReserved = true

	if s.configured {
		return s.allocateWriters()
	}
	return nil
}

// allocateWriters builds the writer ladder: the full-resolution writer plus
// one writer per downsampled level when multiscale is enabled.
func (s *Stream) allocateWriters() error {
	dims := s.props.Dimensions
	if dims[0].ArraySizePx != s.shape.Width || dims[1].ArraySizePx != s.shape.Height {
		return fmt.Errorf("%w: dimension extents %dx%d do not match frame %dx%d",
			zarr.ErrInvalidConfig,
			dims[0].ArraySizePx, dims[1].ArraySizePx,
			s.shape.Width, s.shape.Height)
	}

	if s.pool == nil {
		s.pool = workerpool.New(s.props.PoolWorkers)
	}

	s.writers = nil
	s.held = []*zarr.Frame{nil}

	cfg := zarr.ArrayConfig{
		Shape:       s.shape,
		Dimensions:  dims,
		DataRoot:    s.levelDataRoot(0),
		Compression: s.props.Compression,
	}

	w, err := writer.NewShardedChunkWriter(cfg, s.writerContext(0))
	if err != nil {
		return err
	}
	s.writers = append(s.writers, w)

	if s.props.EnableMultiscale {
		level := 1
		for {
			next, again := downsample.NextConfig(cfg)
			next.DataRoot = s.levelDataRoot(level)

			lw, err := writer.NewShardedChunkWriter(next, s.writerContext(level))
			if err != nil {
				return err
			}
			s.writers = append(s.writers, lw)
			s.held = append(s.held, nil)

			cfg = next
			level++
			if !again {
				break
			}
		}
	}

	logger.Info("allocated writer ladder", "levels", len(s.writers))
	return nil
}

func (s *Stream) writerContext(level int) *writer.Context {
	return &writer.Context{
		Pool:    s.pool,
		Metrics: metrics.NewWriterMetrics(level),
	}
}

func (s *Stream) levelDataRoot(level int) string {
	return filepath.Join(s.props.Root, "data", "root", strconv.Itoa(level))
}

// Append dispatches n frames from buf to the writer ladder and returns how
// many were accepted. The buffer holds frames back to back in the reserved
// shape.
func (s *Stream) Append(buf []byte, n int) int {
	if s.finalized || !s.configured || !s.shapeReserved || len(s.writers) == 0 {
		logger.Warn("append rejected",
			"configured", s.configured, "reserved", s.shapeReserved, "finalized", s.finalized)
		return 0
	}
	s.started = true

	frameBytes := s.shape.FrameBytes()
	if have := len(buf) / frameBytes; n > have {
		logger.Warn("append batch truncated to payload",
			logger.KeyFrameCount, n, "payload_frames", have)
		n = have
	}

	accepted := 0
	for i := 0; i < n; i++ {
		f := &zarr.Frame{
			Width:    s.shape.Width,
			Height:   s.shape.Height,
			Channels: s.shape.Channels,
			Type:     s.shape.Type,
			Data:     buf[i*frameBytes : (i+1)*frameBytes],
		}
		if !s.writers[0].Write(f) {
			continue
		}
		accepted++
		s.cascade(f)
	}
	return accepted
}

// AppendFrame dispatches a single already-framed image. It returns true
// when the frame was accepted.
func (s *Stream) AppendFrame(f *zarr.Frame) bool {
	if s.finalized || !s.configured || !s.shapeReserved || len(s.writers) == 0 {
		return false
	}
	s.started = true

	if !s.writers[0].Write(f) {
		return false
	}
	s.cascade(f)
	return true
}

// cascade routes one accepted level-0 frame down the pyramid. Each level
// holds the first of a frame pair; the second input averages with the held
// frame, emits to the level's writer, and continues downward.
func (s *Stream) cascade(f *zarr.Frame) {
	cur := f
	for level := 1; level < len(s.writers); level++ {
		down := downsample.Frame(cur)

		if s.held[level] == nil {
			s.held[level] = down
			return
		}

		avg := downsample.Average(s.held[level], down)
		s.held[level] = nil
		s.writers[level].Write(avg)
		cur = avg
	}
}

// Finalize flushes and closes every writer, drains the pool, and writes the
// metadata documents. Data writes complete strictly before metadata writes
// begin. The first failure is reported; cleanup continues regardless.
func (s *Stream) Finalize() error {
	if s.finalized {
		return nil
	}
	s.finalized = true

	if !s.configured || len(s.writers) == 0 {
		return ErrNotConfigured
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// A held singleton has no temporal partner; it is emitted alone.
	for level := 1; level < len(s.held); level++ {
		if s.held[level] != nil {
			s.writers[level].Write(s.held[level])
			s.held[level] = nil
		}
	}

	for level, w := range s.writers {
		if err := w.Finalize(); err != nil {
			logger.Error("finalizing writer",
				logger.KeyLevel, level, logger.KeyError, err.Error())
			keep(err)
		}
	}

	s.pool.Close()

	keep(s.writeMetadata())

	logger.Info("finalized stream",
		logger.KeyAcquisitionID, s.acquisitionID.String(),
		logger.KeyFrameCount, s.writers[0].FramesWritten())

	return firstErr
}

// GetMeta populates the sink's capability flags. Sharding is supported;
// multiscale is not advertised for this flavor even though the cascade runs
// when enabled.
func (s *Stream) GetMeta(caps *Capabilities) {
	caps.ShardingSupported = true
	caps.MultiscaleSupported = false
}

// FramesWritten returns the accepted frame count of one level's writer.
func (s *Stream) FramesWritten(level int) uint32 {
	if level < 0 || level >= len(s.writers) {
		return 0
	}
	return s.writers[level].FramesWritten()
}

// Levels returns the number of writer ladder levels.
func (s *Stream) Levels() int {
	return len(s.writers)
}
