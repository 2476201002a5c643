// Package blosc implements the chunk codec used by the writer pipeline:
// an optional shuffle transform followed by lz4 or zstd block compression,
// framed with a blosc1-compatible 16-byte header so readers can recover the
// codec, shuffle mode, and uncompressed size from the chunk bytes alone.
package blosc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/marmos91/zarrstream/pkg/bufpool"
)

// Codec identifies the block compressor backing a chunk.
type Codec string

const (
	CodecLZ4  Codec = "lz4"
	CodecZstd Codec = "zstd"
)

// Shuffle selects the pre-compression transform.
type Shuffle int

const (
	NoShuffle   Shuffle = 0
	ByteShuffle Shuffle = 1
	BitShuffle  Shuffle = 2
)

// Params is the compression parameter triple carried in array metadata.
type Params struct {
	Codec   Codec
	Level   int // 0..9; 0 stores chunks uncompressed
	Shuffle Shuffle
}

// Validate checks the parameter triple.
func (p Params) Validate() error {
	switch p.Codec {
	case CodecLZ4, CodecZstd:
	default:
		return fmt.Errorf("%w: codec %q", ErrInvalidParams, p.Codec)
	}
	if p.Level < 0 || p.Level > 9 {
		return fmt.Errorf("%w: level %d", ErrInvalidParams, p.Level)
	}
	switch p.Shuffle {
	case NoShuffle, ByteShuffle, BitShuffle:
	default:
		return fmt.Errorf("%w: shuffle %d", ErrInvalidParams, p.Shuffle)
	}
	return nil
}

// Errors returned by the codec.
var (
	ErrInvalidParams = errors.New("invalid compression parameters")
	ErrCorruptFrame  = errors.New("corrupt compressed frame")
)

// ============================================================================
// Frame layout
// ============================================================================

// Header layout (little endian), compatible with the blosc1 chunk header:
//
//	byte  0     format version
//	byte  1     codec format version
//	byte  2     flags: 0x1 byte shuffle, 0x2 stored raw, 0x4 bit shuffle,
//	            codec id in bits 5..7
//	byte  3     type size
//	bytes 4-7   nbytes   (uncompressed size)
//	bytes 8-11  blocksize
//	bytes 12-15 cbytes   (total frame size including header)
const HeaderSize = 16

const (
	formatVersion = 0x02
	codecVersion  = 0x01

	flagByteShuffle = 0x01
	flagStoredRaw   = 0x02
	flagBitShuffle  = 0x04

	codecIDLZ4  = 1
	codecIDZstd = 4
)

func (c Codec) id() byte {
	if c == CodecZstd {
		return codecIDZstd
	}
	return codecIDLZ4
}

// ============================================================================
// Compressor
// ============================================================================

// Compressor is a stateless chunk codec. Safe for concurrent use: every
// worker in a flush may call Compress on its own buffer simultaneously.
type Compressor struct {
	params  Params
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New creates a compressor for the given parameters.
func New(p Params) (*Compressor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	c := &Compressor{params: p}

	if p.Codec == CodecZstd {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstdLevel(p.Level)),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		c.encoder = enc
		c.decoder = dec
	}

	return c, nil
}

// Params returns the compressor's parameter triple.
func (c *Compressor) Params() Params {
	return c.params
}

// zstdLevel maps the 0..9 blosc-style level onto the encoder's speed tiers.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 5:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Compress shuffles and compresses one chunk buffer. typeSize is the sample
// size in bytes and drives the shuffle transform. Incompressible input (and
// level 0) is stored raw behind the same header, so Compress only fails on
// codec errors.
func (c *Compressor) Compress(src []byte, typeSize int) ([]byte, error) {
	if typeSize < 1 || typeSize > 255 {
		return nil, fmt.Errorf("%w: type size %d", ErrInvalidParams, typeSize)
	}

	work := src
	flags := c.params.Codec.id() << 5

	switch c.params.Shuffle {
	case ByteShuffle:
		if typeSize > 1 {
			work = shuffleBytes(src, typeSize)
			flags |= flagByteShuffle
		}
	case BitShuffle:
		work = shuffleBits(src, typeSize)
		flags |= flagBitShuffle
	}

	var payload []byte
	if c.params.Level == 0 {
		payload = nil
	} else {
		var err error
		payload, err = c.encode(work)
		if err != nil {
			return nil, err
		}
	}

	// Fall back to storing the (shuffled) bytes when compression does not
	// pay for itself.
	if payload == nil || len(payload) >= len(work) {
		payload = work
		flags |= flagStoredRaw
	}

	// Output buffers come from the pool; the writer returns them with
	// bufpool.Put once the chunk has been emitted.
	out := bufpool.Get(HeaderSize + len(payload))
	out[0] = formatVersion
	out[1] = codecVersion
	out[2] = flags
	out[3] = byte(typeSize)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(src)))
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(src)))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(out)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

func (c *Compressor) encode(src []byte) ([]byte, error) {
	switch c.params.Codec {
	case CodecZstd:
		return c.encoder.EncodeAll(src, nil), nil

	case CodecLZ4:
		bound := lz4.CompressBlockBound(len(src))
		dst := make([]byte, bound)

		var (
			n   int
			err error
		)
		if c.params.Level >= 6 {
			var hc lz4.CompressorHC
			n, err = hc.CompressBlock(src, dst)
		} else {
			var fast lz4.Compressor
			n, err = fast.CompressBlock(src, dst)
		}
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible; caller stores raw.
			return nil, nil
		}
		return dst[:n], nil

	default:
		return nil, fmt.Errorf("%w: codec %q", ErrInvalidParams, c.params.Codec)
	}
}

// Decompress reverses Compress. Used by verification tests and kept as the
// reference for the frame layout.
func (c *Compressor) Decompress(src []byte) ([]byte, error) {
	if len(src) < HeaderSize {
		return nil, fmt.Errorf("%w: short frame", ErrCorruptFrame)
	}

	flags := src[2]
	typeSize := int(src[3])
	nbytes := int(binary.LittleEndian.Uint32(src[4:8]))
	cbytes := int(binary.LittleEndian.Uint32(src[12:16]))
	if cbytes != len(src) {
		return nil, fmt.Errorf("%w: frame length %d, header says %d", ErrCorruptFrame, len(src), cbytes)
	}

	payload := src[HeaderSize:]

	var work []byte
	if flags&flagStoredRaw != 0 {
		if len(payload) != nbytes {
			return nil, fmt.Errorf("%w: raw payload %d bytes, expected %d", ErrCorruptFrame, len(payload), nbytes)
		}
		work = payload
	} else {
		var err error
		work, err = c.decode(payload, nbytes)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case flags&flagByteShuffle != 0:
		return unshuffleBytes(work, typeSize), nil
	case flags&flagBitShuffle != 0:
		return unshuffleBits(work, typeSize, nbytes), nil
	default:
		out := make([]byte, len(work))
		copy(out, work)
		return out, nil
	}
}

func (c *Compressor) decode(payload []byte, nbytes int) ([]byte, error) {
	switch c.params.Codec {
	case CodecZstd:
		out, err := c.decoder.DecodeAll(payload, make([]byte, 0, nbytes))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != nbytes {
			return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrCorruptFrame, len(out), nbytes)
		}
		return out, nil

	case CodecLZ4:
		out := make([]byte, nbytes)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != nbytes {
			return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrCorruptFrame, n, nbytes)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: codec %q", ErrInvalidParams, c.params.Codec)
	}
}
