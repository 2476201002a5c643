package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// File Sink Tests
// ============================================================================

func TestFileSink(t *testing.T) {
	t.Run("PositionedWrites", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chunk")
		s, err := NewFileSink(path)
		require.NoError(t, err)

		require.NoError(t, s.WriteAt([]byte("aaaa"), 0))
		require.NoError(t, s.WriteAt([]byte("bb"), 4))
		require.NoError(t, s.WriteAt([]byte("XX"), 1))
		require.NoError(t, s.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "aXXabb", string(data))
	})

	t.Run("CreateTruncatesExisting", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chunk")
		require.NoError(t, os.WriteFile(path, []byte("stale contents"), 0644))

		s, err := NewFileSink(path)
		require.NoError(t, err)
		require.NoError(t, s.WriteAt([]byte("x"), 0))
		require.NoError(t, s.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "x", string(data))
	})

	t.Run("Truncate", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chunk")
		s, err := NewFileSink(path)
		require.NoError(t, err)

		require.NoError(t, s.WriteAt([]byte("abcdef"), 0))
		require.NoError(t, s.Truncate(3))
		require.NoError(t, s.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(data))
	})

	t.Run("WriteAfterClose", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chunk")
		s, err := NewFileSink(path)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		assert.ErrorIs(t, s.WriteAt([]byte("x"), 0), ErrSinkClosed)
		assert.NoError(t, s.Close(), "double close is harmless")
	})
}

// ============================================================================
// Memory Sink Tests
// ============================================================================

func TestMemorySink(t *testing.T) {
	t.Run("GrowsOnWrite", func(t *testing.T) {
		s := NewMemorySink()
		require.NoError(t, s.WriteAt([]byte("abc"), 4))

		got := s.Bytes()
		assert.Equal(t, []byte{0, 0, 0, 0, 'a', 'b', 'c'}, got)
		assert.Equal(t, 7, s.Len())
	})

	t.Run("OverwriteInPlace", func(t *testing.T) {
		s := NewMemorySink()
		require.NoError(t, s.WriteAt([]byte("abcdef"), 0))
		require.NoError(t, s.WriteAt([]byte("ZZ"), 2))
		assert.Equal(t, "abZZef", string(s.Bytes()))
	})

	t.Run("Truncate", func(t *testing.T) {
		s := NewMemorySink()
		require.NoError(t, s.WriteAt([]byte("abcdef"), 0))
		require.NoError(t, s.Truncate(2))
		assert.Equal(t, "ab", string(s.Bytes()))
	})

	t.Run("ClosedRejectsWrites", func(t *testing.T) {
		s := NewMemorySink()
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.WriteAt([]byte("x"), 0), ErrSinkClosed)
	})
}

// ============================================================================
// Creator Tests
// ============================================================================

func TestCreateGrid(t *testing.T) {
	t.Run("RowMajorLayout", func(t *testing.T) {
		base := t.TempDir()
		sinks, err := NewCreator(base).CreateGrid(2, 2, 3)
		require.NoError(t, err)
		require.Len(t, sinks, 12)
		defer CloseAll(sinks)

		// Sink (c, y, x) sits at index (c*nY + y)*nX + x.
		for ci := 0; ci < 2; ci++ {
			for yi := 0; yi < 2; yi++ {
				for xi := 0; xi < 3; xi++ {
					idx := (ci*2+yi)*3 + xi
					fs, ok := sinks[idx].(*FileSink)
					require.True(t, ok)
					want := filepath.Join(base,
						"c"+string(rune('0'+ci)),
						"y"+string(rune('0'+yi)),
						"x"+string(rune('0'+xi)))
					assert.Equal(t, want, fs.Path())
				}
			}
		}
	})

	t.Run("IdempotentDirectories", func(t *testing.T) {
		base := t.TempDir()
		c := NewCreator(base)

		sinks, err := c.CreateGrid(1, 1, 1)
		require.NoError(t, err)
		require.NoError(t, CloseAll(sinks))

		sinks, err = c.CreateGrid(1, 1, 1)
		require.NoError(t, err)
		require.NoError(t, CloseAll(sinks))
	})

	t.Run("InvalidGrid", func(t *testing.T) {
		_, err := NewCreator(t.TempDir()).CreateGrid(0, 1, 1)
		assert.Error(t, err)
	})

	t.Run("FailureClosesOpenedSinks", func(t *testing.T) {
		base := t.TempDir()
		// Make y-level creation fail for the second channel by placing a
		// file where a directory must go.
		require.NoError(t, os.WriteFile(filepath.Join(base, "c1"), nil, 0644))

		_, err := NewCreator(base).CreateGrid(2, 1, 1)
		assert.Error(t, err)
	})
}
