package cognitive

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telos-cog/telos/internal/bridge"
	"github.com/telos-cog/telos/internal/fabric"
	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

// Config bounds a cycle's iteration and wall-clock budget and sets the
// success/discovery confidence thresholds.
type Config struct {
	IterationLimit int
	WallClock      time.Duration
	ThetaSuccess   float64
	ThetaDisc      float64
}

// CycleResult is the outcome of a cognitive cycle.
type CycleResult struct {
	Success    bool
	Reason     string
	Confidence float64
	Iterations int
}

// Engine runs the decision cycle. One Engine runs one cycle at a time
// on its owning goroutine: the cognitive scheduler is single-threaded
// and cooperative, yielding control only at task submission, L3
// commit, an L2 search miss, and an explicit per-phase yield. This
// keeps working-memory mutation free of locks.
type Engine struct {
	log      *zap.Logger
	bridge   *bridge.Bridge
	fabric   *fabric.Fabric
	registry *Registry
	cfg      Config

	// GoalStream carries goals injected from outside the current cycle,
	// chiefly the free-energy controller's adaptation goals.
	GoalStream chan concept.Goal

	cancelled atomic.Bool
}

// New constructs an Engine.
func New(log *zap.Logger, b *bridge.Bridge, f *fabric.Fabric, reg *Registry, cfg Config) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log: log, bridge: b, fabric: f, registry: reg, cfg: cfg,
		GoalStream: make(chan concept.Goal, 64),
	}
}

// Cancel marks the current/next cycle as cancelled. The engine finishes
// the currently dispatched task (it does not forcibly terminate
// workers) and returns a cancelled result before the next phase.
func (e *Engine) Cancel() { e.cancelled.Store(true) }

func (e *Engine) resetCancel() { e.cancelled.Store(false) }

// RunCycle executes the decision cycle for root until the root goal is
// resolved, the cycle is cancelled or ctx is done, or the
// iteration/wall budget is exhausted. An impasse does not end the
// cycle; it pushes a subgoal.
func (e *Engine) RunCycle(ctx context.Context, root concept.Goal) CycleResult {
	e.resetCancel()
	start := time.Now()

	frames := []*concept.WorkingMemoryFrame{{
		Goal:  root,
		State: make(map[string]float64),
	}}
	// applied parallels frames: the operators applied so far by each
	// frame, in order, so a subgoal resolved over several iterations
	// compiles its whole sequence into the chunk.
	applied := [][]string{nil}

	var lastConfidence float64
	iterations := 0

	for len(frames) > 0 {
		if e.cancelled.Load() {
			return CycleResult{Success: false, Reason: "cancelled", Iterations: iterations}
		}
		if iterations >= e.cfg.IterationLimit {
			return CycleResult{Success: false, Reason: "iteration_limit", Iterations: iterations, Confidence: lastConfidence}
		}
		if time.Since(start) >= e.cfg.WallClock {
			return CycleResult{Success: false, Reason: "wall_clock", Iterations: iterations, Confidence: lastConfidence}
		}

		frame := frames[len(frames)-1]
		iterations++

		// 1. Input
		e.input(frame)

		// 2. Propose
		frame.Proposed = e.propose(frame)

		// 3. Select
		frame.Selected = e.selectOperator(frame)

		// 4. Apply
		var result OperatorResult
		var applyErr error
		if frame.Selected != nil {
			op := e.registry.Lookup(frame.Selected.OperatorName)
			if op != nil {
				result, applyErr = op.Apply(ctx, e, frame)
			}
		}

		// 5. Detect-Impasse
		frame.Impasse = detectImpasse(frame, result, applyErr)

		if frame.Impasse == concept.ImpasseNone {
			lastConfidence = result.Confidence
			for k, v := range result.StateDelta {
				frame.State[k] = v
			}
			if frame.Selected != nil {
				applied[len(applied)-1] = append(applied[len(applied)-1], frame.Selected.OperatorName)
			}

			if len(frames) == 1 && lastConfidence >= e.cfg.ThetaSuccess {
				return CycleResult{Success: true, Confidence: lastConfidence, Iterations: iterations}
			}
			if len(frames) > 1 && lastConfidence >= e.cfg.ThetaDisc {
				// Subgoal resolved: chunk and pop.
				e.chunk(frame, applied[len(applied)-1])
				if frame.Selected != nil {
					e.registry.NoteSuccess(frame.Selected.OperatorName)
				}
				frames = frames[:len(frames)-1]
				applied = applied[:len(applied)-1]
				if len(frames) > 0 {
					for k, v := range frame.State {
						frames[len(frames)-1].State[k] = v
					}
				}
			}
			// Explicit per-phase yield point.
			select {
			case <-ctx.Done():
				return CycleResult{Success: false, Reason: "context_done", Iterations: iterations, Confidence: lastConfidence}
			default:
			}
			continue
		}

		// 6. Subgoal
		sub := e.subgoal(frame)
		frames = append(frames, sub)
		applied = append(applied, nil)
	}

	return CycleResult{Success: lastConfidence >= e.cfg.ThetaSuccess, Confidence: lastConfidence, Iterations: iterations}
}

func (e *Engine) input(frame *concept.WorkingMemoryFrame) {
	for name := range frame.Goal.Features {
		if _, ok := frame.State[name]; !ok {
			frame.State[name] = frame.Goal.Features[name]
		}
	}
	if id, ok := frame.Goal.Features["concept_id"]; ok {
		_, _, _ = e.fabric.GetConcept(concept.ID(fmt.Sprintf("%v", id)))
	}
}

func (e *Engine) propose(frame *concept.WorkingMemoryFrame) []concept.OperatorProposal {
	ops := e.registry.Propose(frame.Goal.Kind, frame.State)
	var out []concept.OperatorProposal
	for _, op := range ops {
		u := op.SuccessProb*frame.Goal.Utility - op.Cost + e.registry.RecencyBonus(op.Name)
		out = append(out, concept.OperatorProposal{
			OperatorName: op.Name,
			SuccessProb:  op.SuccessProb,
			Cost:         op.Cost,
			RecencyBonus: e.registry.RecencyBonus(op.Name),
			Utility:      u,
		})
	}
	return out
}

// selectOperator picks the argmax-utility proposal; ties leave the
// selection empty.
func (e *Engine) selectOperator(frame *concept.WorkingMemoryFrame) *concept.OperatorProposal {
	if len(frame.Proposed) == 0 {
		return nil
	}
	best := frame.Proposed[0]
	tie := false
	for _, p := range frame.Proposed[1:] {
		if p.Utility > best.Utility {
			best = p
			tie = false
		} else if p.Utility == best.Utility {
			tie = true
		}
	}
	if tie {
		return nil
	}
	return &best
}

func detectImpasse(frame *concept.WorkingMemoryFrame, result OperatorResult, applyErr error) concept.ImpasseKind {
	if applyErr != nil {
		return concept.ImpasseOperatorFailure
	}
	if len(frame.Proposed) == 0 {
		return concept.ImpasseOperatorNoChange
	}
	if frame.Selected == nil {
		return concept.ImpasseOperatorTie
	}
	if result.Confidence <= 0 && len(result.StateDelta) == 0 {
		return concept.ImpasseStateNoChange
	}
	return concept.ImpasseNone
}

func (e *Engine) subgoal(frame *concept.WorkingMemoryFrame) *concept.WorkingMemoryFrame {
	kind := subgoalKindFor(frame.Impasse)
	e.log.Debug("pushing subgoal", zap.String("impasse", string(frame.Impasse)), zap.String("subgoal_kind", string(kind)))
	return &concept.WorkingMemoryFrame{
		Goal: concept.Goal{
			ID:       uuid.NewString(),
			Kind:     string(kind),
			Priority: frame.Goal.Priority,
			Utility:  frame.Goal.Utility,
			Features: cloneFeatures(frame.State),
		},
		State:  make(map[string]float64),
		Parent: frame,
	}
}

func subgoalKindFor(impasse concept.ImpasseKind) concept.SubgoalKind {
	switch impasse {
	case concept.ImpasseOperatorTie:
		return concept.SubgoalDisambiguation
	case concept.ImpasseOperatorNoChange:
		return concept.SubgoalDiscovery
	case concept.ImpasseOperatorFailure:
		return concept.SubgoalRepair
	default:
		return concept.SubgoalExploration
	}
}

func cloneFeatures(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// chunk compiles the sequence of operators that resolved frame's
// subgoal into a ProceduralChunk and inserts it with initial strength
// 1.0. Its condition pattern is the working-memory state observed
// immediately before the first operator of the sequence was applied.
func (e *Engine) chunk(frame *concept.WorkingMemoryFrame, operators []string) {
	if len(operators) == 0 {
		return
	}
	condition := make(map[string]float64, len(frame.Goal.Features))
	for k, v := range frame.Goal.Features {
		condition[k] = v
	}
	pc := &concept.ProceduralChunk{
		ID:        uuid.NewString(),
		Condition: condition,
		Operators: append([]string{}, operators...),
		Strength:  1.0,
	}
	e.registry.InsertChunk(pc)
	e.log.Info("compiled procedural chunk", zap.String("chunk_id", pc.ID), zap.Strings("operators", pc.Operators))
}

// DispatchTask is the helper operators use to package numeric work and
// submit it via the synaptic bridge, suspending the cycle on the
// returned future.
func (e *Engine) DispatchTask(ctx context.Context, task concept.Task, deadline time.Time) (bridge.Result, error) {
	future, err := e.bridge.SubmitTask(task, deadline)
	if err != nil {
		return bridge.Result{}, err
	}
	res, err := future.Await(ctx)
	if err != nil {
		return bridge.Result{}, teloserr.Wrap(teloserr.Timeout, err, "awaiting task %s", task.CorrelationID)
	}
	return res, nil
}

// InjectGoal enqueues a goal onto the engine's GoalStream. It never
// blocks; if the stream is full the goal is dropped and logged.
func (e *Engine) InjectGoal(goal concept.Goal) {
	select {
	case e.GoalStream <- goal:
	default:
		e.log.Warn("goal stream full, dropping injected goal", zap.String("goal_id", goal.ID))
	}
}
