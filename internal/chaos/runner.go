// Package chaos implements the chaos experiment runner: a registry of
// fault-injection experiments, scheduled and sampled on an interval,
// that feeds breach events to the free-energy controller without ever
// mutating user-visible state itself.
package chaos

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

// HazardKind enumerates the supported hazard kinds.
type HazardKind string

const (
	HazardLatencyInjection HazardKind = "latency-injection"
	HazardPoisonMessage    HazardKind = "poison-message"
	HazardSchemaViolation  HazardKind = "schema-violation"
	HazardMemoryPressure   HazardKind = "memory-pressure"
	HazardOperatorTie      HazardKind = "operator-tie"
)

// SteadyStatePredicate reports whether observed is still within the
// experiment's steady-state envelope. It returns false on breach.
type SteadyStatePredicate func(observed map[string]float64) bool

// Sample is one observation of system state taken every Δt while an
// experiment runs.
type Sample struct {
	At       time.Time
	Observed map[string]float64
}

// BreachEvent is emitted when the steady-state predicate is violated;
// it carries the breaching sample and the experiment id.
type BreachEvent struct {
	ExperimentID string
	Sample       Sample
}

// Hazard injects one fault instance against a target component. It
// must not block past its own completion and must not touch
// user-visible state; it mutates only the test/fault harness the
// runner wires it into (e.g. Pool.InjectCrash, a deliberately slowed
// Store call).
type Hazard func(ctx context.Context) error

// Experiment is one registered chaos experiment.
type Experiment struct {
	ID          string
	TargetName  string
	Hazard      HazardKind
	Inject      Hazard
	SteadyState SteadyStatePredicate
	SampleEvery time.Duration
	Budget      time.Duration
	Observe     func() map[string]float64
}

// Runner schedules experiments via go-quartz, so an experiment can be
// run on a recurring cadence rather than only once.
type Runner struct {
	log       *zap.Logger
	scheduler quartz.Scheduler

	mu     sync.Mutex
	exps   map[string]*Experiment
	events chan BreachEvent
}

// New constructs a Runner. Call Start before scheduling experiments.
func New(log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		log:       log,
		scheduler: quartz.NewStdScheduler(),
		exps:      make(map[string]*Experiment),
		events:    make(chan BreachEvent, 64),
	}
}

// Start begins the underlying scheduler.
func (r *Runner) Start(ctx context.Context) { r.scheduler.Start(ctx) }

// Stop halts the scheduler; already-running experiments finish their
// current sample but schedule no further runs.
func (r *Runner) Stop() { r.scheduler.Stop() }

// Breaches returns the channel of breach events; the free-energy
// controller consumes it.
func (r *Runner) Breaches() <-chan BreachEvent { return r.events }

// Register adds exp to the registry and schedules it to run once
// immediately; callers that want a recurring cadence call
// ScheduleRecurring instead.
func (r *Runner) Register(exp *Experiment) error {
	r.mu.Lock()
	r.exps[exp.ID] = exp
	r.mu.Unlock()
	return r.scheduleOnce(exp)
}

// ScheduleRecurring registers exp and runs it every interval until
// Stop is called or the experiment's own budget is exhausted on each
// invocation.
func (r *Runner) ScheduleRecurring(exp *Experiment, interval time.Duration) error {
	r.mu.Lock()
	r.exps[exp.ID] = exp
	r.mu.Unlock()

	trigger := quartz.NewSimpleTrigger(interval)
	fn := job.NewFunctionJob(func(ctx context.Context) (int, error) {
		r.run(ctx, exp)
		return 0, nil
	})
	detail := quartz.NewJobDetail(fn, quartz.NewJobKey(exp.ID))
	return r.scheduler.ScheduleJob(detail, trigger)
}

func (r *Runner) scheduleOnce(exp *Experiment) error {
	fn := job.NewFunctionJob(func(ctx context.Context) (int, error) {
		r.run(ctx, exp)
		return 0, nil
	})
	detail := quartz.NewJobDetail(fn, quartz.NewJobKey(exp.ID+"-once"))
	return r.scheduler.ScheduleJob(detail, quartz.NewRunOnceTrigger(0))
}

// run executes one experiment invocation: inject the hazard, then
// sample observed state every SampleEvery until the steady-state
// predicate breaches or the budget is exhausted.
func (r *Runner) run(ctx context.Context, exp *Experiment) {
	runCtx, cancel := context.WithTimeout(ctx, exp.Budget)
	defer cancel()

	if exp.Inject != nil {
		if err := exp.Inject(runCtx); err != nil {
			r.log.Warn("chaos hazard injection failed", zap.String("experiment", exp.ID), zap.Error(err))
			return
		}
	}

	sampleEvery := exp.SampleEvery
	if sampleEvery <= 0 {
		sampleEvery = 100 * time.Millisecond
	}
	ticker := time.NewTicker(sampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			r.log.Info("chaos experiment budget exhausted without breach", zap.String("experiment", exp.ID))
			return
		case now := <-ticker.C:
			observed := map[string]float64{}
			if exp.Observe != nil {
				observed = exp.Observe()
			}
			sample := Sample{At: now, Observed: observed}
			if exp.SteadyState != nil && !exp.SteadyState(observed) {
				event := BreachEvent{ExperimentID: exp.ID, Sample: sample}
				select {
				case r.events <- event:
				default:
				}
				r.log.Warn("chaos experiment breach", zap.String("experiment", exp.ID))
				return
			}
		}
	}
}

// Experiments returns a snapshot of the registered experiment ids, for
// inspection/testing.
func (r *Runner) Experiments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.exps))
	for id := range r.exps {
		out = append(out, id)
	}
	return out
}

// MemoryPressurePredicate builds a steady-state predicate that holds
// while the named feature stays below ceiling.
func MemoryPressurePredicate(feature string, ceiling float64) SteadyStatePredicate {
	return func(observed map[string]float64) bool {
		return observed[feature] < ceiling
	}
}

// DescribeHazard formats a human-readable label for admin surfaces.
func DescribeHazard(exp *Experiment) string {
	return fmt.Sprintf("%s target=%s hazard=%s", exp.ID, exp.TargetName, exp.Hazard)
}

// Metrics reports a point-in-time snapshot for the admin surface.
func (r *Runner) Metrics() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"registered_experiments": len(r.exps),
	}
}
