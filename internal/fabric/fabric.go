// Package fabric composes the three memory tiers (L1 vectorcache, L2
// annindex, L3 store) plus the coherence coordinator into the single
// read/write path the cognitive cycle engine uses for working memory.
package fabric

import (
	"context"

	"github.com/telos-cog/telos/internal/annindex"
	"github.com/telos-cog/telos/internal/outbox"
	"github.com/telos-cog/telos/internal/store"
	"github.com/telos-cog/telos/internal/vectorcache"
	"github.com/telos-cog/telos/pkg/concept"
)

// PromotionThreshold is the default usage-count threshold above which
// an L2 hit is promoted into L1.
const PromotionThreshold = 5

// Fabric is the façade the cognitive engine reads working memory
// through.
type Fabric struct {
	L1          *vectorcache.Cache
	L2          *annindex.Index
	L3          *store.Store
	Coordinator *outbox.Coordinator

	promotionThreshold uint64
}

// New composes a Fabric from its tiers.
func New(l1 *vectorcache.Cache, l2 *annindex.Index, l3 *store.Store, coord *outbox.Coordinator) *Fabric {
	return &Fabric{L1: l1, L2: l2, L3: l3, Coordinator: coord, promotionThreshold: PromotionThreshold}
}

// GetConcept fetches a Concept via an ad-hoc read-only L3 transaction
// and, if found, increments its usage counter in a follow-up
// transaction, keeping all Concept mutation inside L3 transactions.
func (f *Fabric) GetConcept(id concept.ID) (*concept.Concept, bool, error) {
	txn := f.L3.Begin()
	c, ok := txn.Get(id)
	txn.Abort()
	if !ok {
		return nil, false, nil
	}

	touch := f.L3.Begin()
	if live, stillThere := touch.Get(id); stillThere {
		live.Touch()
		touch.Put(live)
		if _, err := touch.Commit(); err != nil {
			// Non-fatal: usage-count bookkeeping losing a race is not a
			// correctness issue for the caller's read.
			touch.Abort()
		}
	} else {
		touch.Abort()
	}
	return c, true, nil
}

// CachedVector returns id's vector from L1. A miss returns
// (nil, false, nil); the vector is not resolved from L2 or from the
// Concept's embedding handle.
func (f *Fabric) CachedVector(id concept.ID) ([]float32, bool, error) {
	if v, ok := f.L1.Get(id); ok {
		return v, true, nil
	}
	return nil, false, nil
}

// Promote applies the promotion policy to a concrete vector and usage
// count; Search calls it for its own hot hits.
func (f *Fabric) Promote(id concept.ID, vector []float64, usageCount uint64) {
	f.Coordinator.PromoteIfHot(id, vector, usageCount, f.promotionThreshold)
}

// Search runs an L2 search and promotes any sufficiently hot hit into
// L1 along the way. The promoted vector is the hit's own stored
// embedding, never the query: caching the query under the hit's id
// would hand later readers a vector distinct from the concept's
// canonical one.
func (f *Fabric) Search(ctx context.Context, query []float64, k int, threshold float64) ([]annindex.Hit, error) {
	hits := f.L2.Search(query, k, threshold)
	for _, h := range hits {
		c, found, err := f.GetConcept(h.ID)
		if err != nil || !found {
			continue
		}
		if c.UsageCount > f.promotionThreshold {
			if stored, ok := f.L2.Vector(h.ID); ok {
				f.Promote(h.ID, stored, c.UsageCount)
			}
		}
	}
	return hits, nil
}
