// Package zarr defines the data model shared by the writer pipeline: pixel
// sample types, frame geometry, dimension descriptions, and array
// configurations.
package zarr

import (
	"fmt"
)

// ============================================================================
// Sample Types
// ============================================================================

// SampleType identifies the pixel representation of a frame.
type SampleType int

const (
	SampleUint8 SampleType = iota
	SampleUint16
	SampleInt8
	SampleInt16
	SampleFloat32
)

// BytesPerPixel returns the storage size of one sample.
func (t SampleType) BytesPerPixel() int {
	switch t {
	case SampleUint8, SampleInt8:
		return 1
	case SampleUint16, SampleInt16:
		return 2
	case SampleFloat32:
		return 4
	default:
		return 0
	}
}

// DType returns the Zarr data_type string for the sample type.
func (t SampleType) DType() string {
	switch t {
	case SampleUint8:
		return "uint8"
	case SampleUint16:
		return "uint16"
	case SampleInt8:
		return "int8"
	case SampleInt16:
		return "int16"
	case SampleFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

func (t SampleType) String() string {
	return t.DType()
}

// Signed reports whether the sample type is a signed integer type.
func (t SampleType) Signed() bool {
	return t == SampleInt8 || t == SampleInt16
}

// ParseSampleType maps a Zarr data_type string back to a SampleType.
func ParseSampleType(s string) (SampleType, error) {
	switch s {
	case "uint8", "u8":
		return SampleUint8, nil
	case "uint16", "u16":
		return SampleUint16, nil
	case "int8", "i8":
		return SampleInt8, nil
	case "int16", "i16":
		return SampleInt16, nil
	case "float32", "f32":
		return SampleFloat32, nil
	default:
		return 0, fmt.Errorf("unsupported sample type %q", s)
	}
}

// ============================================================================
// Image Shape
// ============================================================================

// ImageShape describes the logical geometry of incoming frames.
type ImageShape struct {
	Width      uint32
	Height     uint32
	Channels   uint32
	Timepoints uint32 // logical; 0 when the acquisition is open-ended
	Type       SampleType
}

// FrameBytes returns the byte size of one full frame (all channels).
func (s ImageShape) FrameBytes() int {
	return int(s.Width) * int(s.Height) * int(s.Channels) * s.Type.BytesPerPixel()
}

// Validate checks the shape for zero extents and an unknown sample type.
func (s ImageShape) Validate() error {
	if s.Width == 0 || s.Height == 0 {
		return fmt.Errorf("%w: frame extent %dx%d", ErrInvalidConfig, s.Width, s.Height)
	}
	if s.Channels == 0 {
		return fmt.Errorf("%w: zero channels", ErrInvalidConfig)
	}
	if s.Type.BytesPerPixel() == 0 {
		return fmt.Errorf("%w: unknown sample type", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
// Frames
// ============================================================================

// Frame is one acquired image: planar channel-major sample data.
// Data holds Channels planes of Width*Height samples each.
type Frame struct {
	Width    uint32
	Height   uint32
	Channels uint32
	Type     SampleType
	Data     []byte
}

// Bytes returns the expected byte length of the frame payload.
func (f *Frame) Bytes() int {
	return int(f.Width) * int(f.Height) * int(f.Channels) * f.Type.BytesPerPixel()
}

// Plane returns the byte slice for one channel plane.
func (f *Frame) Plane(c uint32) []byte {
	planeBytes := int(f.Width) * int(f.Height) * f.Type.BytesPerPixel()
	off := int(c) * planeBytes
	return f.Data[off : off+planeBytes]
}
