// Package concept defines the data model shared by every tier of the
// federated memory fabric: the atomic unit of knowledge (Concept), the
// shared-memory capability (SharedHandle), the unit of dispatched work
// (Task), and the cognitive cycle's working-memory frame and compiled
// production (ProceduralChunk).
package concept

import "time"

// ID is the stable, totally ordered, opaque identifier of a Concept.
type ID string

// RelationKind enumerates the closed set of typed relation sets a
// Concept carries.
type RelationKind string

const (
	RelationIsA            RelationKind = "isA"
	RelationPartOf         RelationKind = "partOf"
	RelationAbstractionOf  RelationKind = "abstractionOf"
	RelationInstanceOf     RelationKind = "instanceOf"
	RelationAssociatedWith RelationKind = "associatedWith"
)

// CausalKind enumerates the closed set of optional causal-relation sets.
type CausalKind string

const (
	CausalCauses   CausalKind = "causes"
	CausalCausedBy CausalKind = "causedBy"
	CausalEnables  CausalKind = "enables"
	CausalRequires CausalKind = "requires"
	CausalPrevents CausalKind = "prevents"
)

// CausalEdge is one member of a causal-relation set: a strength and
// confidence in [0,1] plus an integer delay (in engine-defined time
// units).
type CausalEdge struct {
	Target     ID
	Strength   float64
	Confidence float64
	Delay      int
}

// Concept is the atomic unit of knowledge.
//
// Identifier is immutable and unique once assigned. Relation sets must
// contain no duplicates and no self-reference; a Handle field is either
// empty or refers to a live entry in the Handle Table.
type Concept struct {
	ID    ID
	Label string

	// EmbeddingHandle references a dense geometric embedding in the
	// Handle Table; empty if none has been computed yet.
	EmbeddingHandle string
	// SymbolicHandle references a symbolic hyperdimensional vector in
	// the Handle Table; empty if none exists.
	SymbolicHandle string

	Relations map[RelationKind]map[ID]struct{}
	Causal    map[CausalKind]map[ID]*CausalEdge

	Confidence float64
	UsageCount uint64

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// New returns an empty Concept ready to be populated and put into an L3
// transaction. The caller supplies id; TELOS never mints ids itself
// outside of the cognitive engine and the import path.
func New(id ID, label string) *Concept {
	now := time.Now()
	return &Concept{
		ID:         id,
		Label:      label,
		Relations:  make(map[RelationKind]map[ID]struct{}, len(relationKinds)),
		Causal:     make(map[CausalKind]map[ID]*CausalEdge),
		Confidence: 0,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

var relationKinds = []RelationKind{
	RelationIsA, RelationPartOf, RelationAbstractionOf, RelationInstanceOf, RelationAssociatedWith,
}

// AddRelation records id2 under kind, rejecting self-reference and
// duplicates. It reports whether a new edge was added.
func (c *Concept) AddRelation(kind RelationKind, id2 ID) bool {
	if id2 == c.ID {
		return false
	}
	set, ok := c.Relations[kind]
	if !ok {
		set = make(map[ID]struct{})
		c.Relations[kind] = set
	}
	if _, dup := set[id2]; dup {
		return false
	}
	set[id2] = struct{}{}
	c.ModifiedAt = time.Now()
	return true
}

// AddCausal records a causal edge under kind, clamping strength and
// confidence into [0,1] and rejecting self-reference.
func (c *Concept) AddCausal(kind CausalKind, edge CausalEdge) bool {
	if edge.Target == c.ID {
		return false
	}
	if edge.Strength < 0 {
		edge.Strength = 0
	} else if edge.Strength > 1 {
		edge.Strength = 1
	}
	if edge.Confidence < 0 {
		edge.Confidence = 0
	} else if edge.Confidence > 1 {
		edge.Confidence = 1
	}
	set, ok := c.Causal[kind]
	if !ok {
		set = make(map[ID]*CausalEdge)
		c.Causal[kind] = set
	}
	if _, dup := set[edge.Target]; dup {
		return false
	}
	e := edge
	set[edge.Target] = &e
	c.ModifiedAt = time.Now()
	return true
}

// Touch increments the usage counter, as happens whenever the cognitive
// engine reads this Concept into working memory.
func (c *Concept) Touch() {
	c.UsageCount++
	c.ModifiedAt = time.Now()
}

// Clone returns a deep copy, used by L3 to hand out snapshot views that
// callers may mutate freely without affecting the committed state.
func (c *Concept) Clone() *Concept {
	cp := *c
	cp.Relations = make(map[RelationKind]map[ID]struct{}, len(c.Relations))
	for k, set := range c.Relations {
		ns := make(map[ID]struct{}, len(set))
		for id := range set {
			ns[id] = struct{}{}
		}
		cp.Relations[k] = ns
	}
	cp.Causal = make(map[CausalKind]map[ID]*CausalEdge, len(c.Causal))
	for k, set := range c.Causal {
		ns := make(map[ID]*CausalEdge, len(set))
		for id, e := range set {
			ne := *e
			ns[id] = &ne
		}
		cp.Causal[k] = ns
	}
	return &cp
}
