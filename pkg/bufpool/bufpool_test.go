package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// ============================================================================
// Buffer Allocation Tests
// ============================================================================

func TestBufferAllocation(t *testing.T) {
	t.Run("AllocatesSmallBuffer", func(t *testing.T) {
		buf := Get(100)
		defer Put(buf)

		assert.Equal(t, 100, len(buf))
		assert.Equal(t, DefaultSmallSize, cap(buf))
	})

	t.Run("AllocatesMediumBuffer", func(t *testing.T) {
		buf := Get(200 * 1024)
		defer Put(buf)

		assert.Equal(t, 200*1024, len(buf))
		assert.Equal(t, DefaultMediumSize, cap(buf))
	})

	t.Run("AllocatesLargeBuffer", func(t *testing.T) {
		buf := Get(2 * 1024 * 1024)
		defer Put(buf)

		assert.Equal(t, 2*1024*1024, len(buf))
		assert.Equal(t, DefaultLargeSize, cap(buf))
	})

	t.Run("AllocatesOversizedBuffer", func(t *testing.T) {
		buf := Get(32 * 1024 * 1024)
		defer Put(buf)

		assert.Equal(t, 32*1024*1024, len(buf))
		assert.Equal(t, len(buf), cap(buf))
	})
}

// ============================================================================
// Custom Pool Tests
// ============================================================================

func TestCustomPool(t *testing.T) {
	t.Run("CustomTierSizes", func(t *testing.T) {
		p := NewPool(&Config{SmallSize: 128, MediumSize: 1024, LargeSize: 4096})

		buf := p.Get(100)
		assert.Equal(t, 128, cap(buf))
		p.Put(buf)

		buf = p.Get(2000)
		assert.Equal(t, 4096, cap(buf))
		p.Put(buf)
	})

	t.Run("NilConfigUsesDefaults", func(t *testing.T) {
		p := NewPool(nil)
		buf := p.Get(10)
		assert.Equal(t, DefaultSmallSize, cap(buf))
		p.Put(buf)
	})
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentGetPut(t *testing.T) {
	p := NewPool(nil)
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := p.Get(512 * 1024)
				buf[0] = byte(j)
				p.Put(buf)
			}
		}()
	}

	wg.Wait()
}
