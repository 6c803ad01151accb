package chaos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBreachesWhenSteadyStateViolated(t *testing.T) {
	r := New(nil)
	r.Start(context.Background())
	defer r.Stop()

	pressure := 0.5
	exp := &Experiment{
		ID:          "CEP-005",
		TargetName:  "annindex",
		Hazard:      HazardMemoryPressure,
		SampleEvery: 5 * time.Millisecond,
		Budget:      200 * time.Millisecond,
		SteadyState: MemoryPressurePredicate("memory_pressure", 0.95),
		Observe: func() map[string]float64 {
			pressure += 0.2
			return map[string]float64{"memory_pressure": pressure}
		},
	}
	require.NoError(t, r.Register(exp))

	select {
	case ev := <-r.Breaches():
		assert.Equal(t, "CEP-005", ev.ExperimentID)
		assert.GreaterOrEqual(t, ev.Sample.Observed["memory_pressure"], 0.95)
	case <-time.After(time.Second):
		t.Fatal("expected a breach event within budget")
	}
}

func TestRunExhaustsBudgetWithoutBreach(t *testing.T) {
	r := New(nil)
	r.Start(context.Background())
	defer r.Stop()

	exp := &Experiment{
		ID:          "CEP-calm",
		TargetName:  "store",
		Hazard:      HazardLatencyInjection,
		SampleEvery: 5 * time.Millisecond,
		Budget:      50 * time.Millisecond,
		SteadyState: MemoryPressurePredicate("memory_pressure", 0.95),
		Observe: func() map[string]float64 {
			return map[string]float64{"memory_pressure": 0.1}
		},
	}
	require.NoError(t, r.Register(exp))

	select {
	case ev := <-r.Breaches():
		t.Fatalf("unexpected breach: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestExperimentsListsRegistered(t *testing.T) {
	r := New(nil)
	r.Start(context.Background())
	defer r.Stop()

	exp := &Experiment{ID: "CEP-list", Budget: 10 * time.Millisecond, SteadyState: func(map[string]float64) bool { return true }}
	require.NoError(t, r.Register(exp))
	assert.Contains(t, r.Experiments(), "CEP-list")
}
