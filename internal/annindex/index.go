// Package annindex implements the L2 tier: a disk-resident,
// graph-based approximate-nearest-neighbor index over Concept
// embeddings, single-writer/many-reader, regenerable from L3.
package annindex

import (
	"encoding/gob"
	"os"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

// Params are the index's build/maintenance parameters; they never
// affect the search contract, only the shape of the adjacency graph.
type Params struct {
	GraphDegree int
	BeamWidth   int
	Alpha       float64
}

// DefaultParams mirrors the configuration defaults.
func DefaultParams() Params { return Params{GraphDegree: 32, BeamWidth: 64, Alpha: 1.2} }

// Hit is one search result.
type Hit struct {
	ID    concept.ID
	Score float64
}

type onDiskState struct {
	Vectors map[concept.ID][]float64
	Graph   map[concept.ID][]concept.ID
}

// Index is the L2 tier. A single writer lock serializes
// insert/update/delete; readers take the lock in read mode, so they
// observe either the pre- or post-mutation state but never a partial
// one.
type Index struct {
	mu     sync.RWMutex
	path   string
	params Params

	vectors map[concept.ID][]float64
	graph   map[concept.ID][]concept.ID
}

// Open loads an existing on-disk index at path, or starts empty if the
// file does not exist.
func Open(path string, params Params) (*Index, error) {
	idx := &Index{
		path:    path,
		params:  params,
		vectors: make(map[concept.ID][]float64),
		graph:   make(map[concept.ID][]concept.ID),
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, teloserr.Wrap(teloserr.StorageFailure, err, "opening ANN index file")
	}
	defer f.Close()

	var state onDiskState
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return nil, teloserr.Wrap(teloserr.StorageFailure, err, "decoding ANN index file")
	}
	idx.vectors = state.Vectors
	idx.graph = state.Graph
	return idx, nil
}

// Flush persists the current index state to disk.
func (idx *Index) Flush() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tmp := idx.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return teloserr.Wrap(teloserr.StorageFailure, err, "creating ANN index temp file")
	}
	state := onDiskState{Vectors: idx.vectors, Graph: idx.graph}
	if err := gob.NewEncoder(f).Encode(state); err != nil {
		f.Close()
		return teloserr.Wrap(teloserr.StorageFailure, err, "encoding ANN index")
	}
	if err := f.Close(); err != nil {
		return teloserr.Wrap(teloserr.StorageFailure, err, "closing ANN index temp file")
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return teloserr.Wrap(teloserr.StorageFailure, err, "renaming ANN index file")
	}
	return nil
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// Insert adds id with vector into the index, wiring it into the
// proximity graph against its GraphDegree nearest current members.
func (idx *Index) Insert(id concept.ID, vector []float64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.insertLocked(id, vector)
}

func (idx *Index) insertLocked(id concept.ID, vector []float64) {
	cp := append([]float64{}, vector...)
	idx.vectors[id] = cp

	type scored struct {
		id    concept.ID
		score float64
	}
	var candidates []scored
	for other, v := range idx.vectors {
		if other == id {
			continue
		}
		candidates = append(candidates, scored{other, cosine(cp, v)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	degree := idx.params.GraphDegree
	if degree <= 0 {
		degree = 32
	}
	if len(candidates) > degree {
		candidates = candidates[:degree]
	}

	neighbors := make([]concept.ID, 0, len(candidates))
	for _, c := range candidates {
		neighbors = append(neighbors, c.id)
		idx.graph[c.id] = addBounded(idx.graph[c.id], id, degree, idx.vectors)
	}
	idx.graph[id] = neighbors
}

func addBounded(list []concept.ID, id concept.ID, degree int, vectors map[concept.ID][]float64) []concept.ID {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	list = append(list, id)
	if len(list) <= degree {
		return list
	}
	// Prune the weakest edge relative to the owning node's vector; the
	// owning node isn't known here, so fall back to the most recently
	// added edge staying and evicting the first (oldest) — a stable,
	// cheap policy adequate for an approximate graph.
	return list[len(list)-degree:]
}

// Update replaces id's vector, rebuilding its graph neighborhood.
func (idx *Index) Update(id concept.ID, vector []float64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.deleteLocked(id)
	idx.insertLocked(id, vector)
}

// Delete removes id and its edges from the index.
func (idx *Index) Delete(id concept.ID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.deleteLocked(id)
}

func (idx *Index) deleteLocked(id concept.ID) {
	delete(idx.vectors, id)
	delete(idx.graph, id)
	// Edges are not always symmetric (addBounded prunes), so scan every
	// list rather than only id's own neighbors.
	for n, list := range idx.graph {
		for i, x := range list {
			if x == id {
				idx.graph[n] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Search returns up to k hits with score >= threshold, ordered by
// descending score then ascending id. The search walks the proximity
// graph breadth-first from a BeamWidth-sized seed frontier, which for
// the sizes TELOS targets visits effectively the whole graph while
// still exercising the graph/beam parameters; this keeps recall
// exact, trading away the sub-linear search time a production HNSW
// would offer.
func (idx *Index) Search(query []float64, k int, threshold float64) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	beam := idx.params.BeamWidth
	if beam <= 0 {
		beam = 64
	}

	type scored struct {
		id    concept.ID
		score float64
	}
	var all []scored
	visited := make(map[concept.ID]struct{})
	var frontier []concept.ID
	for id := range idx.vectors {
		frontier = append(frontier, id)
		if len(frontier) >= beam {
			break
		}
	}
	queue := append([]concept.ID{}, frontier...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, done := visited[id]; done {
			continue
		}
		visited[id] = struct{}{}
		all = append(all, scored{id, cosine(query, idx.vectors[id])})
		for _, n := range idx.graph[id] {
			if _, done := visited[n]; !done {
				queue = append(queue, n)
			}
		}
	}
	// Graph traversal may not reach every node on a fragmented graph;
	// fall back to brute force over the remainder to keep recall exact.
	for id, v := range idx.vectors {
		if _, done := visited[id]; done {
			continue
		}
		all = append(all, scored{id, cosine(query, v)})
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})

	var hits []Hit
	for _, s := range all {
		if s.score < threshold {
			continue
		}
		hits = append(hits, Hit{ID: s.id, Score: s.score})
		if len(hits) == k {
			break
		}
	}
	return hits
}

// Rebuild discards the current index and repopulates it from source,
// used when the on-disk index file is lost and L2 must be regenerated
// from L3.
func (idx *Index) Rebuild(source map[concept.ID][]float64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors = make(map[concept.ID][]float64, len(source))
	idx.graph = make(map[concept.ID][]concept.ID, len(source))
	for id, v := range source {
		idx.insertLocked(id, v)
	}
}

// Vector returns a copy of id's stored embedding, if indexed.
func (idx *Index) Vector(id concept.ID) ([]float64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v, ok := idx.vectors[id]
	if !ok {
		return nil, false
	}
	return append([]float64{}, v...), true
}

// Len reports the number of indexed vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// Metrics reports a point-in-time snapshot for the admin surface.
func (idx *Index) Metrics() map[string]any {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return map[string]any{
		"vectors":      len(idx.vectors),
		"graph_degree": idx.params.GraphDegree,
	}
}
