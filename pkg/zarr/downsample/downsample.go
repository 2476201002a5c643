// Package downsample produces the multiscale pyramid: half-resolution
// array configurations and the 2x2 spatial / pairwise temporal frame
// averaging that feeds them.
package downsample

import (
	"encoding/binary"
	"math"

	"github.com/marmos91/zarrstream/pkg/zarr"
)

// NextConfig derives the next pyramid level from src: spatial extents are
// halved (floor division, minimum 1) and chunk and shard extents are capped
// at the new extents. The frame shape halves with the spatial dimensions.
//
// The second return value reports whether a further level below dst is
// worth producing: false once the halved image fits within a single tile,
// which ends the cascade.
func NextConfig(src zarr.ArrayConfig) (zarr.ArrayConfig, bool) {
	dst := src
	dst.Dimensions = make([]zarr.Dimension, len(src.Dimensions))
	copy(dst.Dimensions, src.Dimensions)

	for i := range dst.Dimensions {
		d := &dst.Dimensions[i]
		if d.Kind != zarr.DimSpace || d.ArraySizePx == 0 {
			continue
		}
		d.ArraySizePx = halve(d.ArraySizePx)
		if d.ChunkSizePx > d.ArraySizePx {
			d.ChunkSizePx = d.ArraySizePx
		}
		maxShard := d.ChunkCount()
		if d.ShardSizeChunks > maxShard {
			d.ShardSizeChunks = maxShard
		}
	}

	dst.Shape.Width = halve(src.Shape.Width)
	dst.Shape.Height = halve(src.Shape.Height)

	// The cascade ends once a frame fits in one tile.
	again := dst.Shape.Width > dst.Dimensions[0].ChunkSizePx ||
		dst.Shape.Height > dst.Dimensions[1].ChunkSizePx
	return dst, again
}

func halve(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return v / 2
}

// ============================================================================
// Frame operations
// ============================================================================

// Frame averages 2x2 pixel blocks of every channel plane into one
// half-resolution frame. Integer sample types truncate the mean toward
// zero; odd edges replicate the last row/column.
func Frame(src *zarr.Frame) *zarr.Frame {
	dw := halve(src.Width)
	dh := halve(src.Height)

	dst := &zarr.Frame{
		Width:    dw,
		Height:   dh,
		Channels: src.Channels,
		Type:     src.Type,
	}
	dst.Data = make([]byte, dst.Bytes())

	for c := uint32(0); c < src.Channels; c++ {
		srcPlane := src.Plane(c)
		dstPlane := dst.Plane(c)

		for y := uint32(0); y < dh; y++ {
			sy0 := 2 * y
			sy1 := clamp(2*y+1, src.Height-1)

			for x := uint32(0); x < dw; x++ {
				sx0 := 2 * x
				sx1 := clamp(2*x+1, src.Width-1)

				i00 := int(sy0*src.Width + sx0)
				i01 := int(sy0*src.Width + sx1)
				i10 := int(sy1*src.Width + sx0)
				i11 := int(sy1*src.Width + sx1)

				di := int(y*dw + x)
				mean4(dstPlane, di, srcPlane, i00, i01, i10, i11, src.Type)
			}
		}
	}

	return dst
}

// Average computes the elementwise mean of two equally shaped frames, the
// temporal half of the cascade. Integer types truncate toward zero.
func Average(a, b *zarr.Frame) *zarr.Frame {
	out := &zarr.Frame{
		Width:    a.Width,
		Height:   a.Height,
		Channels: a.Channels,
		Type:     a.Type,
	}
	out.Data = make([]byte, out.Bytes())

	n := int(a.Width) * int(a.Height) * int(a.Channels)
	for i := 0; i < n; i++ {
		mean2(out.Data, i, a.Data, b.Data, i, a.Type)
	}
	return out
}

func clamp(v, maxV uint32) uint32 {
	if v > maxV {
		return maxV
	}
	return v
}

// ============================================================================
// Sample arithmetic
// ============================================================================

func mean4(dst []byte, di int, src []byte, i0, i1, i2, i3 int, t zarr.SampleType) {
	switch t {
	case zarr.SampleUint8:
		sum := int(src[i0]) + int(src[i1]) + int(src[i2]) + int(src[i3])
		dst[di] = byte(sum / 4)
	case zarr.SampleInt8:
		sum := int(int8(src[i0])) + int(int8(src[i1])) + int(int8(src[i2])) + int(int8(src[i3]))
		dst[di] = byte(int8(sum / 4))
	case zarr.SampleUint16:
		sum := int(u16(src, i0)) + int(u16(src, i1)) + int(u16(src, i2)) + int(u16(src, i3))
		putU16(dst, di, uint16(sum/4))
	case zarr.SampleInt16:
		sum := int(int16(u16(src, i0))) + int(int16(u16(src, i1))) +
			int(int16(u16(src, i2))) + int(int16(u16(src, i3)))
		putU16(dst, di, uint16(int16(sum/4)))
	case zarr.SampleFloat32:
		sum := f32(src, i0) + f32(src, i1) + f32(src, i2) + f32(src, i3)
		putF32(dst, di, sum/4)
	}
}

func mean2(dst []byte, di int, a, b []byte, i int, t zarr.SampleType) {
	switch t {
	case zarr.SampleUint8:
		dst[di] = byte((int(a[i]) + int(b[i])) / 2)
	case zarr.SampleInt8:
		dst[di] = byte(int8((int(int8(a[i])) + int(int8(b[i]))) / 2))
	case zarr.SampleUint16:
		putU16(dst, di, uint16((int(u16(a, i))+int(u16(b, i)))/2))
	case zarr.SampleInt16:
		putU16(dst, di, uint16(int16((int(int16(u16(a, i)))+int(int16(u16(b, i))))/2)))
	case zarr.SampleFloat32:
		putF32(dst, di, (f32(a, i)+f32(b, i))/2)
	}
}

func u16(p []byte, i int) uint16 {
	return binary.LittleEndian.Uint16(p[i*2:])
}

func putU16(p []byte, i int, v uint16) {
	binary.LittleEndian.PutUint16(p[i*2:], v)
}

func f32(p []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
}

func putF32(p []byte, i int, v float32) {
	binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
}
