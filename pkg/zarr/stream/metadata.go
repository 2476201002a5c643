package stream

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/marmos91/zarrstream/pkg/zarr/sink"
)

// Protocol URLs fixed by the v3 metadata convention this sink targets.
const (
	protocolURL            = "https://purl.org/zarr/spec/protocol/core/3.0"
	bloscCodecURL          = "https://purl.org/zarr/spec/codec/blosc/1.0"
	shardingTransformerURL = "https://purl.org/zarr/spec/storage_transformers/sharding/1.0"
)

// groupAttributesKey nests the caller-supplied external metadata inside the
// group attributes document.
const groupAttributesKey = "acquire"

// ============================================================================
// Document structures
// ============================================================================

type protocolMetadata struct {
	Extensions        []any  `json:"extensions"`
	MetadataEncoding  string `json:"metadata_encoding"`
	MetadataKeySuffix string `json:"metadata_key_suffix"`
	ZarrFormat        string `json:"zarr_format"`
}

type chunkGrid struct {
	ChunkShape []uint32 `json:"chunk_shape"`
	Separator  string   `json:"separator"`
	Type       string   `json:"type"`
}

type compressorMetadata struct {
	Codec         string           `json:"codec"`
	Configuration compressorConfig `json:"configuration"`
}

type compressorConfig struct {
	Blocksize int    `json:"blocksize"`
	Clevel    int    `json:"clevel"`
	Cname     string `json:"cname"`
	Shuffle   int    `json:"shuffle"`
}

type storageTransformer struct {
	Type          string            `json:"type"`
	Extension     string            `json:"extension"`
	Configuration transformerConfig `json:"configuration"`
}

type transformerConfig struct {
	ChunksPerShard []uint32 `json:"chunks_per_shard"`
}

type arrayMetadata struct {
	Attributes          map[string]any       `json:"attributes"`
	ChunkGrid           chunkGrid            `json:"chunk_grid"`
	ChunkMemoryLayout   string               `json:"chunk_memory_layout"`
	DataType            string               `json:"data_type"`
	Extensions          []any                `json:"extensions"`
	FillValue           int                  `json:"fill_value"`
	Shape               []uint64             `json:"shape"`
	Compressor          *compressorMetadata  `json:"compressor,omitempty"`
	StorageTransformers []storageTransformer `json:"storage_transformers"`
}

// ============================================================================
// Writing
// ============================================================================

// writeMetadata emits the protocol, group, and per-level array documents.
// Called from Finalize after all data writes have completed.
func (s *Stream) writeMetadata() error {
	root := s.props.Root

	doc := protocolMetadata{
		Extensions:        []any{},
		MetadataEncoding:  protocolURL,
		MetadataKeySuffix: ".json",
		ZarrFormat:        protocolURL,
	}
	if err := writeJSON(filepath.Join(root, "zarr.json"), doc); err != nil {
		return err
	}

	if err := s.writeGroupMetadata(); err != nil {
		return err
	}

	for level := range s.writers {
		if err := s.writeArrayMetadata(level); err != nil {
			return err
		}
	}
	return nil
}

// writeGroupMetadata stores the caller-supplied external metadata under the
// group attributes, together with the acquisition id.
func (s *Stream) writeGroupMetadata() error {
	var external any = ""
	if s.props.ExternalMetadata != "" {
		if err := json.Unmarshal([]byte(s.props.ExternalMetadata), &external); err != nil {
			return fmt.Errorf("external metadata is not valid JSON: %w", err)
		}
	}

	doc := map[string]any{
		"attributes": map[string]any{
			groupAttributesKey: external,
			"acquisition_id":   s.acquisitionID.String(),
		},
	}

	path := filepath.Join(s.props.Root, "meta", "root.group.json")
	return writeJSON(path, doc)
}

// writeArrayMetadata emits one level's array document. The shape leads with
// the append extent taken from the writer's accepted frame count; the
// remaining extents follow in reverse declaration order. Chunk and shard
// shapes list every dimension reversed.
func (s *Stream) writeArrayMetadata(level int) error {
	w := s.writers[level]
	cfg := w.Config()
	dims := cfg.Dimensions

	shape := []uint64{uint64(w.FramesWritten())}
	for i := len(dims) - 2; i >= 0; i-- {
		shape = append(shape, uint64(dims[i].ArraySizePx))
	}

	var chunkShape, shardShape []uint32
	for i := len(dims) - 1; i >= 0; i-- {
		chunkShape = append(chunkShape, dims[i].ChunkSizePx)
		shardShape = append(shardShape, dims[i].ShardSizeChunks)
	}

	doc := arrayMetadata{
		Attributes: map[string]any{},
		ChunkGrid: chunkGrid{
			ChunkShape: chunkShape,
			Separator:  "/",
			Type:       "regular",
		},
		ChunkMemoryLayout: "C",
		DataType:          cfg.Shape.Type.DType(),
		Extensions:        []any{},
		FillValue:         0,
		Shape:             shape,
		StorageTransformers: []storageTransformer{{
			Type:          "indexed",
			Extension:     shardingTransformerURL,
			Configuration: transformerConfig{ChunksPerShard: shardShape},
		}},
	}

	if cfg.Compression != nil {
		doc.Compressor = &compressorMetadata{
			Codec: bloscCodecURL,
			Configuration: compressorConfig{
				Blocksize: 0,
				Clevel:    cfg.Compression.Level,
				Cname:     string(cfg.Compression.Codec),
				Shuffle:   int(cfg.Compression.Shuffle),
			},
		}
	}

	path := filepath.Join(s.props.Root, "meta", "root",
		strconv.Itoa(level)+".array.json")
	return writeJSON(path, doc)
}

// writeJSON marshals doc with 4-space indentation and writes it through a
// metadata sink.
func writeJSON(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal metadata %q: %w", path, err)
	}

	out, err := sink.Make(path)
	if err != nil {
		return err
	}
	if err := out.WriteAt(data, 0); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
