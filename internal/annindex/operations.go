package annindex

import (
	"context"

	"github.com/telos-cog/telos/internal/bridge"
	"github.com/telos-cog/telos/internal/handle"
	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

// Operations returns handlers for the four direct L2 task operations
// (ann_search, ann_add, ann_update, ann_remove). These bypass the
// L3/outbox coherence path deliberately: they are the power-user path
// straight to the index, distinct from the Concept-mutation path that
// keeps L1/L2/L3 converged.
func Operations(idx *Index) bridge.Registry {
	return bridge.Registry{
		concept.OpANNSearch: searchHandler(idx),
		concept.OpANNAdd:    addHandler(idx),
		concept.OpANNUpdate: updateHandler(idx),
		concept.OpANNRemove: removeHandler(idx),
	}
}

func vectorFromConfig(task concept.Task) ([]float64, *teloserr.Error) {
	raw, ok := task.Config["vector"].([]any)
	if !ok {
		return nil, teloserr.New(teloserr.InvalidTask, "expected config.vector as a numeric array")
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, teloserr.New(teloserr.InvalidTask, "config.vector[%d] is not numeric", i)
		}
		out[i] = f
	}
	return out, nil
}

func conceptIDFromConfig(task concept.Task) (concept.ID, *teloserr.Error) {
	id, ok := task.Config["concept_id"].(string)
	if !ok || id == "" {
		return "", teloserr.New(teloserr.InvalidTask, "expected config.concept_id")
	}
	return concept.ID(id), nil
}

func searchHandler(idx *Index) bridge.OperationHandler {
	return func(ctx context.Context, task concept.Task, handles *handle.Table) (bridge.Result, error) {
		query, err := vectorFromConfig(task)
		if err != nil {
			return bridge.Result{Err: err}, nil
		}
		k, _ := task.Config["k"].(float64)
		threshold, _ := task.Config["threshold"].(float64)
		if k <= 0 {
			k = 10
		}
		hits := idx.Search(query, int(k), threshold)
		payload := make([]any, 0, len(hits))
		for _, h := range hits {
			payload = append(payload, map[string]any{"id": string(h.ID), "score": h.Score})
		}
		return bridge.Result{OK: true, Payload: map[string]any{"hits": payload}}, nil
	}
}

func addHandler(idx *Index) bridge.OperationHandler {
	return func(ctx context.Context, task concept.Task, handles *handle.Table) (bridge.Result, error) {
		id, err := conceptIDFromConfig(task)
		if err != nil {
			return bridge.Result{Err: err}, nil
		}
		vec, err := vectorFromConfig(task)
		if err != nil {
			return bridge.Result{Err: err}, nil
		}
		idx.Insert(id, vec)
		return bridge.Result{OK: true}, nil
	}
}

func updateHandler(idx *Index) bridge.OperationHandler {
	return func(ctx context.Context, task concept.Task, handles *handle.Table) (bridge.Result, error) {
		id, err := conceptIDFromConfig(task)
		if err != nil {
			return bridge.Result{Err: err}, nil
		}
		vec, err := vectorFromConfig(task)
		if err != nil {
			return bridge.Result{Err: err}, nil
		}
		idx.Update(id, vec)
		return bridge.Result{OK: true}, nil
	}
}

func removeHandler(idx *Index) bridge.OperationHandler {
	return func(ctx context.Context, task concept.Task, handles *handle.Table) (bridge.Result, error) {
		id, err := conceptIDFromConfig(task)
		if err != nil {
			return bridge.Result{Err: err}, nil
		}
		idx.Delete(id)
		return bridge.Result{OK: true}, nil
	}
}
