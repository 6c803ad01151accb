package concept

// ImpasseKind classifies a decision-phase outcome that forces the
// creation of a subgoal.
type ImpasseKind string

const (
	ImpasseNone             ImpasseKind = ""
	ImpasseStateNoChange    ImpasseKind = "state-no-change"
	ImpasseOperatorTie      ImpasseKind = "operator-tie"
	ImpasseOperatorNoChange ImpasseKind = "operator-no-change"
	ImpasseOperatorFailure  ImpasseKind = "operator-failure"
)

// SubgoalKind is the kind of subgoal pushed in response to an impasse.
type SubgoalKind string

const (
	SubgoalExploration    SubgoalKind = "exploration"
	SubgoalDisambiguation SubgoalKind = "disambiguation"
	SubgoalDiscovery      SubgoalKind = "discovery"
	SubgoalRepair         SubgoalKind = "repair"
)

// Goal is the objective a WorkingMemoryFrame is trying to resolve.
type Goal struct {
	ID       string
	Kind     string
	Priority Priority
	Utility  float64
	Features map[string]float64
}

// OperatorProposal is one candidate operator surfaced during Propose,
// with its computed utility components.
type OperatorProposal struct {
	OperatorName string
	SuccessProb  float64 // P
	Cost         float64 // C
	RecencyBonus float64
	Utility      float64 // U = P*G - C (+ recency bonus)
}

// WorkingMemoryFrame is a stack frame of the cognitive cycle.
type WorkingMemoryFrame struct {
	Goal     Goal
	State    map[string]float64
	Proposed []OperatorProposal
	Selected *OperatorProposal
	Impasse  ImpasseKind
	Parent   *WorkingMemoryFrame
}

// ProceduralChunk is a compiled production. Chunks are append-only: a
// later chunk is added alongside earlier ones rather than replacing
// them, and apart from UsageCount (incremented on each application)
// a chunk is not changed after insertion.
type ProceduralChunk struct {
	ID         string
	Condition  map[string]float64
	Operators  []string
	Strength   float64
	UsageCount uint64
}

// Matches reports whether state satisfies the chunk's condition
// pattern: every condition feature must be present in state within a
// small tolerance.
func (p *ProceduralChunk) Matches(state map[string]float64) bool {
	const tol = 1e-6
	for k, v := range p.Condition {
		sv, ok := state[k]
		if !ok {
			return false
		}
		d := sv - v
		if d < -tol || d > tol {
			return false
		}
	}
	return true
}
