// Package vectorcache implements the L1 tier: a bounded,
// byte-budgeted, sharded LRU map from Concept id to dense vector,
// built on github.com/hashicorp/golang-lru/v2's simplelru core per
// shard.
package vectorcache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/telos-cog/telos/pkg/concept"
)

// Stats is the cache's aggregate counter snapshot.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int64 // bytes currently resident
}

type entry struct {
	vector []float32
	bytes  int64
}

// shard pairs the authoritative LRU, guarded by mu and touched only by
// writers, with an immutable lookup snapshot readers load atomically.
// Get never takes mu: it reads the snapshot and queues a recency note
// that the next writer folds into the LRU before evicting.
type shard struct {
	mu       sync.Mutex
	lru      *lru.LRU[concept.ID, entry]
	capacity int64 // byte budget for this shard
	used     int64

	view    atomic.Pointer[map[concept.ID]entry]
	touches chan concept.ID
}

// Cache is the L1 vector cache. Reads are lock-free: Get loads the
// owning shard's immutable snapshot without contending with writers,
// which serialize on that shard's lock.
type Cache struct {
	shards    []*shard
	nshards   uint32
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New constructs a Cache with the given total byte capacity split
// evenly across nshards shards, sharded by id hash.
func New(capacityBytes int64, nshards int) *Cache {
	if nshards < 1 {
		nshards = 1
	}
	c := &Cache{nshards: uint32(nshards)}
	perShard := capacityBytes / int64(nshards)
	for i := 0; i < nshards; i++ {
		sh := &shard{capacity: perShard, touches: make(chan concept.ID, 64)}
		// Count-bounded only as a safety valve; real eviction pressure
		// comes from the byte budget enforced in Put.
		sh.lru, _ = lru.NewLRU[concept.ID, entry](1<<20, nil)
		empty := make(map[concept.ID]entry)
		sh.view.Store(&empty)
		c.shards = append(c.shards, sh)
	}
	return c
}

func (c *Cache) shardFor(id concept.ID) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return c.shards[h.Sum32()%c.nshards]
}

// Get returns the cached vector for id, if present. It never blocks on
// a writer: the lookup goes against the shard's current snapshot, and
// the recency signal is handed to the next writer through a
// non-blocking channel rather than mutating the LRU here.
func (c *Cache) Get(id concept.ID) ([]float32, bool) {
	sh := c.shardFor(id)
	if m := sh.view.Load(); m != nil {
		if e, ok := (*m)[id]; ok {
			c.hits.Add(1)
			select {
			case sh.touches <- id:
			default:
			}
			return e.vector, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Put inserts or updates id's vector, evicting least-recently-used
// entries until the shard's byte budget is satisfied, then publishes a
// fresh snapshot for readers.
func (c *Cache) Put(id concept.ID, vector []float32) {
	sh := c.shardFor(id)
	nbytes := int64(len(vector) * 4)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.drainTouches()
	if old, ok := sh.lru.Peek(id); ok {
		sh.used -= old.bytes
		sh.lru.Remove(id)
	}
	for sh.used+nbytes > sh.capacity && sh.lru.Len() > 0 {
		_, evicted, ok := sh.lru.RemoveOldest()
		if !ok {
			break
		}
		sh.used -= evicted.bytes
		c.evictions.Add(1)
	}
	sh.lru.Add(id, entry{vector: vector, bytes: nbytes})
	sh.used += nbytes
	sh.publish()
}

// Invalidate removes id if present. Always synchronous and idempotent.
func (c *Cache) Invalidate(id concept.ID) {
	sh := c.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.drainTouches()
	if old, ok := sh.lru.Peek(id); ok {
		sh.used -= old.bytes
		sh.lru.Remove(id)
		sh.publish()
	}
}

// drainTouches applies queued reader recency notes to the LRU. Caller
// holds sh.mu.
func (sh *shard) drainTouches() {
	for {
		select {
		case id := <-sh.touches:
			sh.lru.Get(id)
		default:
			return
		}
	}
}

// publish swaps in a fresh immutable snapshot of the LRU's contents
// for lock-free readers. Caller holds sh.mu.
func (sh *shard) publish() {
	m := make(map[concept.ID]entry, sh.lru.Len())
	for _, k := range sh.lru.Keys() {
		if e, ok := sh.lru.Peek(k); ok {
			m[k] = e
		}
	}
	sh.view.Store(&m)
}

// SnapshotStats returns aggregate cache statistics.
func (c *Cache) SnapshotStats() Stats {
	var size int64
	for _, sh := range c.shards {
		sh.mu.Lock()
		size += sh.used
		sh.mu.Unlock()
	}
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}
