package bridge

import (
	"context"

	"github.com/telos-cog/telos/internal/handle"
	"github.com/telos-cog/telos/pkg/concept"
)

// MetricsOperations returns the bridge_metrics.<action> task family.
// Only "status" is defined today.
func (b *Bridge) MetricsOperations() Registry {
	return Registry{
		concept.OpBridgeMetrics + ".status": b.statusHandler,
	}
}

func (b *Bridge) statusHandler(ctx context.Context, task concept.Task, handles *handle.Table) (Result, error) {
	return Result{OK: true, Payload: b.Metrics()}, nil
}

// Metrics reports a point-in-time snapshot for the /metrics admin
// surface.
func (b *Bridge) Metrics() map[string]any {
	s := b.Status()
	return map[string]any{
		"initialized":    s.Initialized,
		"queued":         s.Queued,
		"active_workers": s.ActiveWorkers,
		"in_flight":      s.InFlight,
	}
}
