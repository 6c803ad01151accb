package cognitive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telos-cog/telos/pkg/concept"
)

func testConfig() Config {
	return Config{IterationLimit: 20, WallClock: time.Second, ThetaSuccess: 0.8, ThetaDisc: 0.6}
}

func constantOperator(name, goalKind string, confidence float64) *Operator {
	return &Operator{
		Name: name, GoalKind: goalKind, SuccessProb: confidence, Cost: 0,
		Apply: func(ctx context.Context, eng *Engine, frame *concept.WorkingMemoryFrame) (OperatorResult, error) {
			return OperatorResult{Confidence: confidence, StateDelta: map[string]float64{"progress": confidence}}, nil
		},
	}
}

func failingOperator(name, goalKind string) *Operator {
	return &Operator{
		Name: name, GoalKind: goalKind, SuccessProb: 0.1, Cost: 0,
		Apply: func(ctx context.Context, eng *Engine, frame *concept.WorkingMemoryFrame) (OperatorResult, error) {
			return OperatorResult{}, assert.AnError
		},
	}
}

// TestRunCycleSucceedsWhenConfidenceMeetsThreshold covers the direct
// resolution path: a single operator whose confidence clears
// ThetaSuccess on the root frame ends the cycle successfully.
func TestRunCycleSucceedsWhenConfidenceMeetsThreshold(t *testing.T) {
	reg := NewRegistry()
	reg.Register(constantOperator("solve", "root", 0.95))

	eng := New(nil, nil, nil, reg, testConfig())
	result := eng.RunCycle(context.Background(), concept.Goal{Kind: "root", Utility: 1, Features: map[string]float64{}})

	assert.True(t, result.Success)
	assert.InDelta(t, 0.95, result.Confidence, 1e-9)
	assert.Equal(t, 1, result.Iterations)
}

// TestRunCycleTerminatesAtIterationLimit: a cycle that never reaches
// threshold confidence terminates at the configured iteration budget
// rather than running forever.
func TestRunCycleTerminatesAtIterationLimit(t *testing.T) {
	reg := NewRegistry()
	reg.Register(constantOperator("stall", "root", 0.5))

	cfg := testConfig()
	cfg.IterationLimit = 5
	eng := New(nil, nil, nil, reg, cfg)
	result := eng.RunCycle(context.Background(), concept.Goal{Kind: "root", Utility: 1, Features: map[string]float64{}})

	assert.False(t, result.Success)
	assert.Equal(t, "iteration_limit", result.Reason)
	assert.Equal(t, 5, result.Iterations)
}

// TestRunCycleTerminatesAtWallClockBudget covers the wall-clock half
// of budget termination.
func TestRunCycleTerminatesAtWallClockBudget(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Operator{
		Name: "slow", GoalKind: "root", SuccessProb: 0.5,
		Apply: func(ctx context.Context, eng *Engine, frame *concept.WorkingMemoryFrame) (OperatorResult, error) {
			time.Sleep(20 * time.Millisecond)
			return OperatorResult{Confidence: 0.5}, nil
		},
	})

	cfg := testConfig()
	cfg.WallClock = 30 * time.Millisecond
	cfg.IterationLimit = 1000
	eng := New(nil, nil, nil, reg, cfg)
	result := eng.RunCycle(context.Background(), concept.Goal{Kind: "root", Utility: 1, Features: map[string]float64{}})

	assert.False(t, result.Success)
	assert.Equal(t, "wall_clock", result.Reason)
}

// TestNoApplicableOperatorPushesDiscoverySubgoal covers the
// operator-no-change impasse path.
func TestNoApplicableOperatorPushesDiscoverySubgoal(t *testing.T) {
	reg := NewRegistry()
	reg.Register(constantOperator("only-for-discovery", string(concept.SubgoalDiscovery), 0.9))

	cfg := testConfig()
	cfg.IterationLimit = 4
	eng := New(nil, nil, nil, reg, cfg)
	result := eng.RunCycle(context.Background(), concept.Goal{Kind: "root", Utility: 1, Features: map[string]float64{}})

	// The root goal has no matching operator, so a discovery subgoal is
	// pushed; the discovery operator then resolves it above ThetaDisc,
	// and a chunk gets compiled for the operator that resolved it.
	assert.Len(t, reg.Chunks(), 1)
	assert.Contains(t, reg.Chunks()[0].Operators, "only-for-discovery")
	_ = result
}

// TestUnconfidentOperatorPushesExplorationSubgoal covers the
// state-no-change impasse: an operator that applies cleanly but
// produces no confident result and no state change forces an
// exploration subgoal.
func TestUnconfidentOperatorPushesExplorationSubgoal(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Operator{
		Name: "noop", GoalKind: "root", SuccessProb: 0.5,
		Apply: func(ctx context.Context, eng *Engine, frame *concept.WorkingMemoryFrame) (OperatorResult, error) {
			return OperatorResult{}, nil
		},
	})
	reg.Register(constantOperator("explore", string(concept.SubgoalExploration), 0.9))

	cfg := testConfig()
	cfg.IterationLimit = 4
	eng := New(nil, nil, nil, reg, cfg)
	eng.RunCycle(context.Background(), concept.Goal{Kind: "root", Utility: 1, Features: map[string]float64{}})

	chunks := reg.Chunks()
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Operators, "explore")
}

// TestTiedOperatorsPushDisambiguationSubgoal covers the operator-tie
// impasse path: two operators of identical utility leave Select empty.
func TestTiedOperatorsPushDisambiguationSubgoal(t *testing.T) {
	reg := NewRegistry()
	reg.Register(constantOperator("tie-a", "root", 0.5))
	reg.Register(constantOperator("tie-b", "root", 0.5))
	reg.Register(constantOperator("resolve-tie", string(concept.SubgoalDisambiguation), 0.9))

	cfg := testConfig()
	cfg.IterationLimit = 4
	eng := New(nil, nil, nil, reg, cfg)
	eng.RunCycle(context.Background(), concept.Goal{Kind: "root", Utility: 1, Features: map[string]float64{}})

	chunks := reg.Chunks()
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Operators, "resolve-tie")
}

// TestOperatorFailurePushesRepairSubgoalAndChunksOnRecovery walks the
// impasse -> subgoal -> chunk path and checks that a compiled chunk's
// condition matches the state observed when it was compiled.
func TestOperatorFailurePushesRepairSubgoalAndChunksOnRecovery(t *testing.T) {
	reg := NewRegistry()
	reg.Register(failingOperator("flaky", "root"))
	reg.Register(constantOperator("fix", string(concept.SubgoalRepair), 0.9))

	cfg := testConfig()
	cfg.IterationLimit = 6
	eng := New(nil, nil, nil, reg, cfg)
	eng.RunCycle(context.Background(), concept.Goal{Kind: "root", Utility: 1, Features: map[string]float64{"seed": 1}})

	chunks := reg.Chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"fix"}, chunks[0].Operators)
	assert.Equal(t, 1.0, chunks[0].Strength)
	// The chunk's condition must match the subgoal's own feature state,
	// the frame it was actually compiled against.
	assert.True(t, chunks[0].Matches(map[string]float64{"seed": 1}))
}

// TestChunkCompilesFullOperatorSequenceAcrossIterations forces a
// subgoal that takes two decision-phase iterations, applying a
// different operator in each, and asserts the compiled chunk carries
// both operators in application order.
func TestChunkCompilesFullOperatorSequenceAcrossIterations(t *testing.T) {
	reg := NewRegistry()

	// probe wins the first selection, makes partial progress below
	// ThetaDisc, and demotes itself so finish wins the next one.
	probe := &Operator{Name: "probe", GoalKind: string(concept.SubgoalDiscovery), SuccessProb: 0.95, Cost: 0}
	probe.Apply = func(ctx context.Context, eng *Engine, frame *concept.WorkingMemoryFrame) (OperatorResult, error) {
		probe.SuccessProb = 0.01
		return OperatorResult{Confidence: 0.3, StateDelta: map[string]float64{"probed": 1}}, nil
	}
	reg.Register(probe)
	reg.Register(constantOperator("finish", string(concept.SubgoalDiscovery), 0.9))

	cfg := testConfig()
	cfg.IterationLimit = 8
	eng := New(nil, nil, nil, reg, cfg)
	// The root goal has no operators, so the engine pushes a discovery
	// subgoal that probe and finish then resolve together.
	eng.RunCycle(context.Background(), concept.Goal{Kind: "root", Utility: 1, Features: map[string]float64{}})

	chunks := reg.Chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"probe", "finish"}, chunks[0].Operators)
}

// TestCancelStopsCycleBeforeNextPhase covers mid-cycle cancellation:
// Cancel called from another goroutine while a cycle is running is
// observed at the next phase boundary, not at the next RunCycle call
// (RunCycle clears the flag for its own run on entry).
func TestCancelStopsCycleBeforeNextPhase(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Operator{
		Name: "stall", GoalKind: "root", SuccessProb: 0.1,
		Apply: func(ctx context.Context, eng *Engine, frame *concept.WorkingMemoryFrame) (OperatorResult, error) {
			time.Sleep(10 * time.Millisecond)
			return OperatorResult{Confidence: 0.1}, nil
		},
	})

	cfg := testConfig()
	cfg.IterationLimit = 1000
	eng := New(nil, nil, nil, reg, cfg)

	resultCh := make(chan CycleResult, 1)
	go func() {
		resultCh <- eng.RunCycle(context.Background(), concept.Goal{Kind: "root", Utility: 1, Features: map[string]float64{}})
	}()
	time.Sleep(25 * time.Millisecond)
	eng.Cancel()

	select {
	case result := <-resultCh:
		assert.False(t, result.Success)
		assert.Equal(t, "cancelled", result.Reason)
	case <-time.After(time.Second):
		t.Fatal("cancelled cycle did not return in time")
	}
}

func TestInjectGoalDropsWhenStreamFull(t *testing.T) {
	reg := NewRegistry()
	eng := New(nil, nil, nil, reg, testConfig())

	for i := 0; i < cap(eng.GoalStream); i++ {
		eng.InjectGoal(concept.Goal{ID: "g"})
	}
	// The stream is now full; one more injection must not block.
	done := make(chan struct{})
	go func() {
		eng.InjectGoal(concept.Goal{ID: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("InjectGoal blocked on a full stream")
	}
	assert.Len(t, eng.GoalStream, cap(eng.GoalStream))
}
