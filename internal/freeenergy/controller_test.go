package freeenergy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telos-cog/telos/internal/bridge"
	"github.com/telos-cog/telos/internal/chaos"
	"github.com/telos-cog/telos/internal/cognitive"
	"github.com/telos-cog/telos/internal/handle"
)

func newTestEngine(t *testing.T) *cognitive.Engine {
	t.Helper()
	handles := handle.New(nil)
	b := bridge.New(nil, handles)
	require.NoError(t, b.Initialize(bridge.InitConfig{Workers: 1, QueueCapacity: 8}))
	reg := cognitive.NewRegistry()
	return cognitive.New(nil, b, nil, reg, cognitive.Config{
		IterationLimit: 10, WallClock: time.Second, ThetaSuccess: 0.9, ThetaDisc: 0.5,
	})
}

func calmSample() Sample {
	return Sample{
		Observed:  map[string]float64{"cognitive_load": 0.1, "memory_pressure": 0.1, "error_rate": 0.0, "replication_lag": 0.0},
		Predicted: map[string]float64{"cognitive_load": 0.1, "memory_pressure": 0.1, "error_rate": 0.0, "replication_lag": 0.0},
	}
}

func hotMemorySample() Sample {
	return hotMemorySampleAt(0.97)
}

// hotMemorySampleAt varies the observed memory pressure so consecutive
// samples are distinct; a breach only triggers while the observed
// state is actually changing.
func hotMemorySampleAt(pressure float64) Sample {
	return Sample{
		Observed:  map[string]float64{"cognitive_load": 0.2, "memory_pressure": pressure, "error_rate": 0.05, "replication_lag": 0.1},
		Predicted: map[string]float64{"cognitive_load": 0.2, "memory_pressure": 0.2, "error_rate": 0.05, "replication_lag": 0.1},
	}
}

func TestObserveNoBreachWithoutThreeConsecutiveSamples(t *testing.T) {
	eng := newTestEngine(t)
	c := New(nil, eng, Config{Threshold: 0.05, DwellSamples: 3})

	c.Observe(hotMemorySampleAt(0.95))
	c.Observe(hotMemorySampleAt(0.96))
	select {
	case g := <-eng.GoalStream:
		t.Fatalf("unexpected goal injected early: %+v", g)
	default:
	}
}

func TestObserveTriggersAdaptationGoalAfterDwellWindow(t *testing.T) {
	eng := newTestEngine(t)
	c := New(nil, eng, Config{Threshold: 0.05, DwellSamples: 3})

	for i := 0; i < 3; i++ {
		c.Observe(hotMemorySampleAt(0.95 + float64(i)*0.01))
	}

	select {
	case g := <-eng.GoalStream:
		assert.Equal(t, "adaptation", g.Kind)
		assert.Equal(t, float64(strategyIndex(StrategyMemoryManagement)), g.Features["strategy"])
	default:
		t.Fatal("expected adaptation goal to be injected")
	}
}

func TestObserveSuppressesAdaptationWhenObservedStateConstant(t *testing.T) {
	// A constant observed state for at least DwellSamples samples must
	// never trigger adaptation, even if F is above threshold.
	eng := newTestEngine(t)
	c := New(nil, eng, Config{Threshold: 0.0, DwellSamples: 3})

	s := hotMemorySample()
	for i := 0; i < 5; i++ {
		c.Observe(s)
	}

	select {
	case g := <-eng.GoalStream:
		t.Fatalf("unexpected goal injected for constant observed state: %+v", g)
	default:
	}
}

func TestFreeEnergyCalmStateIsLow(t *testing.T) {
	o := vectorFor(calmSample().Observed)
	p := vectorFor(calmSample().Predicted)
	f := freeEnergy(o, p)
	// No prediction error, so F is the normalized entropy term alone
	// (~0.999 for this sample), below 1 and the default 1.5 threshold.
	assert.Less(t, f, 1.0)
}

func TestDominantContributorPicksLargestGap(t *testing.T) {
	s := hotMemorySample()
	assert.Equal(t, "memory_pressure", dominantContributor(s.Observed, s.Predicted))
}

// TestChaosBreachDrivesAdaptationGoal wires a chaos experiment's
// breach event into the controller: once memory pressure breaches the
// steady-state ceiling and the free-energy score dwells above
// threshold, a memory-management adaptation goal lands on the
// engine's goal stream.
func TestChaosBreachDrivesAdaptationGoal(t *testing.T) {
	eng := newTestEngine(t)
	ctrl := New(nil, eng, Config{Threshold: 0.05, DwellSamples: 3})

	runner := chaos.New(nil)
	runner.Start(context.Background())
	defer runner.Stop()

	pressure := 0.90
	exp := &chaos.Experiment{
		ID:          "CEP-005",
		TargetName:  "vectorcache",
		Hazard:      chaos.HazardMemoryPressure,
		SampleEvery: 5 * time.Millisecond,
		Budget:      500 * time.Millisecond,
		SteadyState: chaos.MemoryPressurePredicate("memory_pressure", 0.95),
		Observe: func() map[string]float64 {
			pressure += 0.02
			return map[string]float64{"memory_pressure": pressure}
		},
	}
	require.NoError(t, runner.Register(exp))

	var breach chaos.BreachEvent
	select {
	case breach = <-runner.Breaches():
	case <-time.After(time.Second):
		t.Fatal("expected a breach event")
	}
	require.Equal(t, "CEP-005", breach.ExperimentID)

	observed := breach.Sample.Observed["memory_pressure"]
	for i := 0; i < 3; i++ {
		ctrl.Observe(hotMemorySampleAt(observed + float64(i)*0.01))
	}

	select {
	case g := <-eng.GoalStream:
		assert.Equal(t, "adaptation", g.Kind)
		assert.Equal(t, StrategyMemoryManagement, StrategyName(g.Features["strategy"]))
	default:
		t.Fatal("expected the breach to drive an adaptation goal")
	}
}

func TestStrategyNameRoundTrips(t *testing.T) {
	for _, strat := range []Strategy{StrategyMemoryManagement, StrategyLoadShedding, StrategyRetryBackoff, StrategyReplicationCatchup} {
		code := strategyIndex(strat)
		assert.Equal(t, strat, StrategyName(float64(code)))
	}
}
