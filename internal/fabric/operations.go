package fabric

import (
	"context"

	"github.com/telos-cog/telos/internal/bridge"
	"github.com/telos-cog/telos/internal/handle"
	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

// Operations returns the federated_memory.<action> task family: the
// bridge-dispatchable view of the tiered read path, for callers that
// reach the fabric through the synaptic bridge rather than calling it
// in-process from the cognitive engine.
func Operations(f *Fabric) bridge.Registry {
	return bridge.Registry{
		concept.OpFederatedMemory + ".get":    f.getHandler,
		concept.OpFederatedMemory + ".search": f.searchHandler,
	}
}

func (f *Fabric) getHandler(ctx context.Context, task concept.Task, handles *handle.Table) (bridge.Result, error) {
	id, ok := task.Config["concept_id"].(string)
	if !ok || id == "" {
		return bridge.Result{Err: teloserr.New(teloserr.InvalidTask, "expected config.concept_id")}, nil
	}
	c, found, err := f.GetConcept(concept.ID(id))
	if err != nil {
		return bridge.Result{}, err
	}
	if !found {
		return bridge.Result{Err: teloserr.New(teloserr.NotFound, "concept %s not found", id)}, nil
	}
	return bridge.Result{OK: true, Payload: map[string]any{
		"id":          string(c.ID),
		"usage_count": c.UsageCount,
	}}, nil
}

func (f *Fabric) searchHandler(ctx context.Context, task concept.Task, handles *handle.Table) (bridge.Result, error) {
	raw, ok := task.Config["query"].([]any)
	if !ok {
		return bridge.Result{Err: teloserr.New(teloserr.InvalidTask, "expected config.query as a numeric array")}, nil
	}
	query := make([]float64, len(raw))
	for i, v := range raw {
		fv, ok := v.(float64)
		if !ok {
			return bridge.Result{Err: teloserr.New(teloserr.InvalidTask, "config.query[%d] is not numeric", i)}, nil
		}
		query[i] = fv
	}
	k, _ := task.Config["k"].(float64)
	threshold, _ := task.Config["threshold"].(float64)
	if k <= 0 {
		k = 10
	}
	hits, err := f.Search(ctx, query, int(k), threshold)
	if err != nil {
		return bridge.Result{}, err
	}
	payload := make([]any, 0, len(hits))
	for _, h := range hits {
		payload = append(payload, map[string]any{"id": string(h.ID), "score": h.Score})
	}
	return bridge.Result{OK: true, Payload: map[string]any{"hits": payload}}, nil
}

// Metrics reports a point-in-time snapshot across the three tiers for
// the admin surface.
func (f *Fabric) Metrics() map[string]any {
	l1 := f.L1.SnapshotStats()
	return map[string]any{
		"l1_hits":      l1.Hits,
		"l1_misses":    l1.Misses,
		"l1_evictions": l1.Evictions,
		"l1_bytes":     l1.Size,
		"l2_items":     f.L2.Len(),
	}
}
