// Package cognitive implements the cognitive cycle engine: a
// cooperatively scheduled reasoning loop over a problem-space
// decision cycle (propose / select / apply / detect-impasse / subgoal
// / chunk), backed by the federated memory fabric and the synaptic
// bridge for numeric work.
package cognitive

import (
	"context"
	"strings"
	"sync"

	"github.com/telos-cog/telos/pkg/concept"
)

// OperatorResult is what Apply produces for one operator invocation.
type OperatorResult struct {
	Confidence float64
	StateDelta map[string]float64
}

// Operator is a named, typed value in the operator registry. Unknown
// work surfaces as "no operator matches the current goal", which the
// engine classifies as an impasse rather than an error.
type Operator struct {
	Name        string
	GoalKind    string
	SuccessProb float64 // P, a learned (here: configured) success probability
	Cost        float64 // C, an estimated cost
	Apply       func(ctx context.Context, eng *Engine, frame *concept.WorkingMemoryFrame) (OperatorResult, error)
}

// Registry holds the named operators and compiled chunks. It is safe
// for concurrent use, though the cognitive scheduler is itself
// single-threaded; concurrency safety matters only because chunk
// compilation can be inspected by an admin surface concurrently.
type Registry struct {
	mu        sync.RWMutex
	operators map[string]*Operator
	chunks    []*concept.ProceduralChunk
	recent    map[string]float64 // operator name -> recency bonus, decayed on each NoteSuccess
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		operators: make(map[string]*Operator),
		recent:    make(map[string]float64),
	}
}

// Register adds or replaces an operator definition.
func (r *Registry) Register(op *Operator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operators[op.Name] = op
}

// Propose enumerates applicable operators for goalKind, including
// chunk-derived operators whose condition matches state.
func (r *Registry) Propose(goalKind string, state map[string]float64) []*Operator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Operator
	for _, op := range r.operators {
		if op.GoalKind == goalKind || op.GoalKind == "*" {
			out = append(out, op)
		}
	}
	for _, chunk := range r.chunks {
		if !chunk.Matches(state) {
			continue
		}
		chunk := chunk
		out = append(out, &Operator{
			Name:        "chunk:" + chunk.ID,
			GoalKind:    goalKind,
			SuccessProb: chunk.Strength,
			Cost:        0.01 * float64(len(chunk.Operators)),
			Apply:       chunkApplier(chunk),
		})
	}
	return out
}

func chunkApplier(chunk *concept.ProceduralChunk) func(ctx context.Context, eng *Engine, frame *concept.WorkingMemoryFrame) (OperatorResult, error) {
	return func(ctx context.Context, eng *Engine, frame *concept.WorkingMemoryFrame) (OperatorResult, error) {
		var best OperatorResult
		for _, opName := range chunk.Operators {
			op := eng.registry.Lookup(opName)
			if op == nil {
				continue
			}
			res, err := op.Apply(ctx, eng, frame)
			if err != nil {
				return OperatorResult{}, err
			}
			best = res
		}
		chunk.UsageCount++
		return best, nil
	}
}

// Lookup returns the operator named name, or nil. A "chunk:<id>" name
// resolves to the chunk-derived operator Propose builds for that chunk.
func (r *Registry) Lookup(name string) *Operator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if op, ok := r.operators[name]; ok {
		return op
	}
	if id, ok := strings.CutPrefix(name, "chunk:"); ok {
		for _, chunk := range r.chunks {
			if chunk.ID == id {
				return &Operator{
					Name:        name,
					SuccessProb: chunk.Strength,
					Cost:        0.01 * float64(len(chunk.Operators)),
					Apply:       chunkApplier(chunk),
				}
			}
		}
	}
	return nil
}

// RecencyBonus returns the current recency bonus for an operator name,
// rewarding operators that succeeded in recent cycles.
func (r *Registry) RecencyBonus(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recent[name]
}

// NoteSuccess boosts name's recency bonus and decays all others
// slightly, called after an operator resolves a goal/subgoal
// successfully.
func (r *Registry) NoteSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.recent {
		r.recent[k] *= 0.9
	}
	r.recent[name] = 0.2
}

// InsertChunk appends a newly compiled ProceduralChunk. Chunks are
// append-only: never mutated, only superseded.
func (r *Registry) InsertChunk(chunk *concept.ProceduralChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
}

// Chunks returns a snapshot of all compiled chunks, for inspection and
// testing.
func (r *Registry) Chunks() []*concept.ProceduralChunk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*concept.ProceduralChunk{}, r.chunks...)
}

// Metrics reports a point-in-time snapshot for the admin surface.
func (r *Registry) Metrics() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]any{
		"operators": len(r.operators),
		"chunks":    len(r.chunks),
	}
}
