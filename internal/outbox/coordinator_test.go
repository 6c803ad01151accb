package outbox

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telos-cog/telos/internal/annindex"
	"github.com/telos-cog/telos/internal/handle"
	"github.com/telos-cog/telos/internal/store"
	"github.com/telos-cog/telos/internal/vectorcache"
	"github.com/telos-cog/telos/pkg/concept"
)

func f32Bytes(values ...float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		bits := math.Float32bits(v)
		buf[4*i] = byte(bits)
		buf[4*i+1] = byte(bits >> 8)
		buf[4*i+2] = byte(bits >> 16)
		buf[4*i+3] = byte(bits >> 24)
	}
	return buf
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *store.Store, *annindex.Index, *vectorcache.Cache, *handle.Table) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx, err := annindex.Open(t.TempDir()+"/ann.index", annindex.DefaultParams())
	require.NoError(t, err)

	cache := vectorcache.New(1<<20, 1)
	handles := handle.New(nil)

	if cfg.LeaseMS == 0 {
		cfg.LeaseMS = 1000
	}
	if cfg.BackoffBaseMS == 0 {
		cfg.BackoffBaseMS = 10
	}
	if cfg.BackoffMaxMS == 0 {
		cfg.BackoffMaxMS = 1000
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = "test-owner"
	}
	c := New(nil, st, idx, cache, handles, cfg)
	return c, st, idx, cache, handles
}

// TestTickPropagatesInsertToL2: a committed Concept with a resolved
// embedding handle reaches L2 via a single coordinator tick.
func TestTickPropagatesInsertToL2(t *testing.T) {
	c, st, idx, _, handles := newTestCoordinator(t, Config{})

	h, err := handles.Allocate(concept.DTypeF32, 2)
	require.NoError(t, err)
	require.NoError(t, handles.WriteBack(h, f32Bytes(1, 0)))

	cpt := concept.New("c1", "alpha")
	cpt.EmbeddingHandle = h.Name
	txn := st.Begin()
	txn.Put(cpt)
	_, err = txn.Commit()
	require.NoError(t, err)

	c.tick(context.Background())

	assert.Equal(t, 1, idx.Len())
	pending, err := st.PendingOutbox(context.Background(), 1<<62, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "an applied row must not remain pending")
}

// TestApplyInvalidatesCacheBeforeUpdatingIndex covers the
// invalidate-before-update policy: an update to a concept already
// resident in L1 must invalidate it before L2 applies.
func TestApplyInvalidatesCacheBeforeUpdatingIndex(t *testing.T) {
	c, st, idx, cache, handles := newTestCoordinator(t, Config{})

	h, err := handles.Allocate(concept.DTypeF32, 2)
	require.NoError(t, err)
	require.NoError(t, handles.WriteBack(h, f32Bytes(1, 0)))

	cpt := concept.New("c1", "alpha")
	cpt.EmbeddingHandle = h.Name
	txn := st.Begin()
	txn.Put(cpt)
	_, err = txn.Commit()
	require.NoError(t, err)
	c.tick(context.Background())
	require.Equal(t, 1, idx.Len())

	cache.Put("c1", []float32{9, 9})

	update := st.Begin()
	updated, _ := update.Get("c1")
	updated.Touch()
	update.Put(updated)
	_, err = update.Commit()
	require.NoError(t, err)

	c.tick(context.Background())

	_, ok := cache.Get("c1")
	assert.False(t, ok, "L1 entry must be invalidated once its concept is updated")
}

// TestApplyMovesRecordToDeadLetterAfterMaxAttempts: a record that
// fails to apply MaxAttempts times is marked dead and its ConceptID
// surfaces on the Failures channel.
func TestApplyMovesRecordToDeadLetterAfterMaxAttempts(t *testing.T) {
	c, st, _, _, _ := newTestCoordinator(t, Config{MaxAttempts: 2, BackoffBaseMS: 1, BackoffMaxMS: 2})

	cpt := concept.New("c1", "alpha")
	cpt.EmbeddingHandle = "nonexistent-handle" // unresolvable, forces applyToL2 to fail
	txn := st.Begin()
	txn.Put(cpt)
	_, err := txn.Commit()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c.tick(context.Background())
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case ev := <-c.Failures():
		assert.Equal(t, concept.ID("c1"), ev.ConceptID)
	case <-time.After(time.Second):
		t.Fatal("expected a failure event after exhausting retries")
	}

	pending, err := st.PendingOutbox(context.Background(), 1<<62, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "a dead record must not remain pending")
}

func TestPromoteIfHotInsertsOnlyAboveThreshold(t *testing.T) {
	c, _, _, cache, _ := newTestCoordinator(t, Config{})

	c.PromoteIfHot("cold", []float64{1, 2}, 1, 10)
	_, ok := cache.Get("cold")
	assert.False(t, ok)

	c.PromoteIfHot("hot", []float64{1, 2}, 20, 10)
	v, ok := cache.Get("hot")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, v)
}
