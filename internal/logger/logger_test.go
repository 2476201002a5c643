package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Level Filtering Tests
// ============================================================================

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugSuppressedAtInfo", func(t *testing.T) {
		var buf bytes.Buffer
		InitWithWriter(&buf, "INFO", "text", false)

		Debug("tiling frame", KeyFrame, 3)
		assert.Empty(t, buf.String())
	})

	t.Run("InfoVisibleAtInfo", func(t *testing.T) {
		var buf bytes.Buffer
		InitWithWriter(&buf, "INFO", "text", false)

		Info("flushed chunk", KeyChunk, 2)
		assert.Contains(t, buf.String(), "flushed chunk")
		assert.Contains(t, buf.String(), "chunk")
	})

	t.Run("ErrorAlwaysVisible", func(t *testing.T) {
		var buf bytes.Buffer
		InitWithWriter(&buf, "ERROR", "text", false)

		Warn("suppressed")
		Error("sink write failed", KeyPath, "/data/root/0")

		out := buf.String()
		assert.NotContains(t, out, "suppressed")
		assert.Contains(t, out, "sink write failed")
	})

	t.Run("InvalidLevelIgnored", func(t *testing.T) {
		var buf bytes.Buffer
		InitWithWriter(&buf, "INFO", "text", false)
		SetLevel("VERBOSE")

		Info("still at info")
		assert.Contains(t, buf.String(), "still at info")
	})
}

// ============================================================================
// Format Tests
// ============================================================================

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	Info("shard complete", KeyShard, 1, KeyBytesWritten, 4096)

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))

	assert.Equal(t, "shard complete", record["msg"])
	assert.Equal(t, float64(1), record[KeyShard])
	assert.Equal(t, float64(4096), record[KeyBytesWritten])
}

func TestTextFormatFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "text", false)

	Debug("compressing buffer", KeyCodec, "zstd", KeyClevel, 1)

	out := buf.String()
	assert.Contains(t, out, "codec=zstd")
	assert.Contains(t, out, "clevel=1")
}

// ============================================================================
// Field Constructor Tests
// ============================================================================

func TestFieldConstructors(t *testing.T) {
	t.Run("ErrNil", func(t *testing.T) {
		attr := Err(nil)
		assert.Empty(t, attr.Key)
	})

	t.Run("ErrNonNil", func(t *testing.T) {
		attr := Err(assert.AnError)
		assert.Equal(t, KeyError, attr.Key)
	})

	t.Run("Path", func(t *testing.T) {
		attr := Path("/acq/dataset")
		assert.Equal(t, KeyPath, attr.Key)
		assert.Equal(t, "/acq/dataset", attr.Value.String())
	})
}

// ============================================================================
// With Tests
// ============================================================================

func TestWithBindsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	l := With(KeyLevel, 2)
	l.Info("downsampled frame")

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, float64(2), record[KeyLevel])
}
