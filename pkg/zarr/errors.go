package zarr

import "errors"

// Standard errors for array configuration and the writer pipeline.
var (
	// ErrInvalidConfig indicates a dimension list, sample type, or dataset
	// root that cannot describe a writable array.
	ErrInvalidConfig = errors.New("invalid array configuration")

	// ErrShapeMismatch indicates a frame whose geometry does not match the
	// configured frame dimensions. The frame is rejected; the writer stays
	// usable.
	ErrShapeMismatch = errors.New("frame shape mismatch")

	// ErrWriterFailed indicates a writer tainted by an earlier flush
	// failure. Subsequent writes fail fast.
	ErrWriterFailed = errors.New("writer is in a failed state")

	// ErrWriterFinalized indicates a write after Finalize.
	ErrWriterFinalized = errors.New("writer is finalized")
)
