package fabric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telos-cog/telos/internal/annindex"
	"github.com/telos-cog/telos/internal/handle"
	"github.com/telos-cog/telos/internal/outbox"
	"github.com/telos-cog/telos/internal/store"
	"github.com/telos-cog/telos/internal/vectorcache"
	"github.com/telos-cog/telos/pkg/concept"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx, err := annindex.Open(t.TempDir()+"/ann.index", annindex.DefaultParams())
	require.NoError(t, err)

	cache := vectorcache.New(1<<20, 1)
	handles := handle.New(nil)
	coord := outbox.New(nil, st, idx, cache, handles, outbox.Config{OwnerID: "test"})

	return New(cache, idx, st, coord)
}

func TestGetConceptIncrementsUsageCountOnSecondRead(t *testing.T) {
	f := newTestFabric(t)

	txn := f.L3.Begin()
	txn.Put(concept.New("c1", "alpha"))
	_, err := txn.Commit()
	require.NoError(t, err)

	first, ok, err := f.GetConcept("c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0), first.UsageCount, "the read itself must not report the bump it is about to apply")

	second, ok, err := f.GetConcept("c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), second.UsageCount, "a prior read must have incremented usage count")
}

func TestGetConceptMissingReturnsFalseWithoutError(t *testing.T) {
	f := newTestFabric(t)
	_, ok, err := f.GetConcept("absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachedVectorHitsL1Directly(t *testing.T) {
	f := newTestFabric(t)
	f.L1.Put("c1", []float32{1, 2, 3})

	v, ok, err := f.CachedVector("c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, v)
}

func TestPromoteAppliesCoordinatorThreshold(t *testing.T) {
	f := newTestFabric(t)

	f.Promote("cold", []float64{1, 2}, 1)
	_, ok := f.L1.Get("cold")
	assert.False(t, ok)

	f.Promote("hot", []float64{1, 2}, PromotionThreshold+1)
	_, ok = f.L1.Get("hot")
	assert.True(t, ok)
}

// TestSearchPromotesHotHitsIntoL1 covers the promotion policy crossing
// the L2 search path: a hit whose backing Concept's usage count
// exceeds the threshold is promoted into L1. The query is deliberately
// an approximate match so the test can tell the stored embedding apart
// from the query vector.
func TestSearchPromotesHotHitsIntoL1(t *testing.T) {
	f := newTestFabric(t)

	hot := concept.New("hot", "alpha")
	hot.UsageCount = PromotionThreshold + 1
	txn := f.L3.Begin()
	txn.Put(hot)
	_, err := txn.Commit()
	require.NoError(t, err)

	f.L2.Insert("hot", []float64{1, 0})

	hits, err := f.Search(context.Background(), []float64{0.9, 0.1}, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, concept.ID("hot"), hits[0].ID)

	v, ok := f.L1.Get("hot")
	require.True(t, ok, "a hit backed by a hot concept must be promoted into L1")
	assert.Equal(t, []float32{1, 0}, v, "L1 must hold the hit's stored embedding, not the search query")
}
