package core

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool(t *testing.T) {
	t.Run("Get and Put", func(t *testing.T) {
		pool := NewBufferPool(16, 4)

		buf := pool.Get()
		require.NotNil(t, buf)
		buf.WriteString("hello world")
		pool.Put(buf)

		buf2 := pool.Get()
		assert.Equal(t, 0, buf2.Len(), "Reused buffer should be reset")

		hits, misses, created, idle := pool.GetMetrics()
		assert.Equal(t, uint64(1), hits)
		assert.Equal(t, uint64(1), misses)
		assert.Equal(t, uint64(1), created)
		assert.Equal(t, 0, idle)
	})

	t.Run("Retains at most maxItems", func(t *testing.T) {
		pool := NewBufferPool(0, 2)
		a, b, c := pool.Get(), pool.Get(), pool.Get()
		pool.Put(a)
		pool.Put(b)
		pool.Put(c)
		_, _, _, idle := pool.GetMetrics()
		assert.Equal(t, 2, idle)
	})

	t.Run("Concurrent access", func(t *testing.T) {
		pool := NewBufferPool(8, 8)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b := pool.Get()
				b.WriteString("x")
				pool.Put(b)
			}()
		}
		wg.Wait()
		_, _, _, idle := pool.GetMetrics()
		assert.LessOrEqual(t, idle, 8)
	})
}

func TestRawReaderPool(t *testing.T) {
	r := RawReaderPool.Get()
	r.Reset(strings.NewReader("a|b\nc|d\n"))
	line, err := r.ReadString('\n')
	assert.NoError(t, err)
	assert.Equal(t, "a|b\n", line)
	assert.Equal(t, RawReaderSize, r.Size())
	r.Reset(nil)
	RawReaderPool.Put(r)
}
