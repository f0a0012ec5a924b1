package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorMonotonicAndUnique(t *testing.T) {
	g := NewGenerator(7)
	var last int64
	seen := make(map[int64]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := g.Next()
		require.Greater(t, id, last)
		last = id
		seen[id] = struct{}{}
		assert.Equal(t, int64(7), NodeOf(id))
	}
	assert.Len(t, seen, 10000)
}

func TestGeneratorConcurrent(t *testing.T) {
	g := NewGenerator(3)
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{})
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := g.Next()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 4000)
}

func TestInvalidNodeFallsBack(t *testing.T) {
	assert.Equal(t, int64(1), NodeOf(NewGenerator(5000).Next()))
}
