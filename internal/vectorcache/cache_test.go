package vectorcache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/telos-cog/telos/pkg/concept"
)

func TestGetMissThenHitAfterPutUpdatesStats(t *testing.T) {
	c := New(1024, 1)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", []float32{1, 2, 3, 4})
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3, 4}, v)

	stats := c.SnapshotStats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

// TestByteBudgetEvictsLeastRecentlyUsed: when a shard's byte budget is
// exceeded, the least-recently-used entry is evicted first.
func TestByteBudgetEvictsLeastRecentlyUsed(t *testing.T) {
	// One shard, capacity for exactly two 4-float32 (16-byte) vectors.
	c := New(32, 1)

	c.Put("a", make([]float32, 4))
	c.Put("b", make([]float32, 4))
	// Touch "a" so "b" becomes the least-recently-used entry.
	_, _ = c.Get("a")

	c.Put("c", make([]float32, 4))

	_, aOK := c.Get("a")
	_, bOK := c.Get("b")
	_, cOK := c.Get("c")
	assert.True(t, aOK, "recently-used entry must survive eviction")
	assert.False(t, bOK, "least-recently-used entry must be evicted")
	assert.True(t, cOK, "newly inserted entry must be present")

	stats := c.SnapshotStats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.LessOrEqual(t, stats.Size, int64(32))
}

func TestPutOverwritesExistingEntryWithoutDoubleCountingBytes(t *testing.T) {
	c := New(1024, 1)

	c.Put("a", make([]float32, 2))
	c.Put("a", make([]float32, 4))

	stats := c.SnapshotStats()
	assert.Equal(t, int64(16), stats.Size)
}

func TestInvalidateIsIdempotent(t *testing.T) {
	c := New(1024, 1)
	c.Put("a", []float32{1})

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	// A second Invalidate of an absent id must not panic or corrupt
	// accounting.
	c.Invalidate("a")
	stats := c.SnapshotStats()
	assert.Equal(t, int64(0), stats.Size)
}

// TestGetDoesNotBlockOnWriterLock: reads are lock-free, so a Get must
// complete even while a writer holds the shard's lock.
func TestGetDoesNotBlockOnWriterLock(t *testing.T) {
	c := New(1024, 1)
	c.Put("a", []float32{1})

	sh := c.shards[0]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	done := make(chan bool, 1)
	go func() {
		_, ok := c.Get("a")
		done <- ok
	}()
	select {
	case ok := <-done:
		assert.True(t, ok, "Get must see the published entry")
	case <-time.After(time.Second):
		t.Fatal("Get blocked behind the shard write lock")
	}
}

func TestConcurrentReadersAndWritersConverge(t *testing.T) {
	c := New(1<<20, 4)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := concept.ID(string(rune('a' + w)))
			for i := 0; i < 200; i++ {
				c.Put(id, []float32{float32(i)})
				c.Get(id)
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		v, ok := c.Get(concept.ID(string(rune('a' + w))))
		assert.True(t, ok)
		assert.Equal(t, []float32{199}, v)
	}
}

func TestShardingDistributesAcrossIndependentShards(t *testing.T) {
	c := New(4096, 8)
	for i := 0; i < 50; i++ {
		id := concept.ID(string(rune('a' + i%26)))
		c.Put(id, []float32{float32(i)})
	}
	stats := c.SnapshotStats()
	assert.Greater(t, stats.Size, int64(0))
}
