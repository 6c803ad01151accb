// Package freeenergy implements the free-energy controller: it tracks
// an observed/predicted state vector pair over a fixed feature set,
// computes a scalar free-energy functional, and injects an adaptation
// goal into the cognitive engine when that functional breaches
// threshold for a sustained window.
package freeenergy

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/telos-cog/telos/internal/cognitive"
	"github.com/telos-cog/telos/internal/outbox"
	"github.com/telos-cog/telos/pkg/concept"
)

// Features names the ordered components of the observed/predicted
// state vectors. Order is significant: index i of every vector refers
// to Features[i].
var Features = []string{
	"cognitive_load",
	"memory_pressure",
	"error_rate",
	"replication_lag",
}

// Strategy is a member of the closed adaptation-strategy registry.
type Strategy string

const (
	StrategyMemoryManagement   Strategy = "memory-management"
	StrategyLoadShedding       Strategy = "load-shedding"
	StrategyRetryBackoff       Strategy = "retry-backoff"
	StrategyReplicationCatchup Strategy = "replication-catchup"
)

// strategyFor maps a dominant feature to its adaptation strategy. The
// mapping is total over Features so a dominant contributor always
// resolves.
var strategyFor = map[string]Strategy{
	"cognitive_load":  StrategyLoadShedding,
	"memory_pressure": StrategyMemoryManagement,
	"error_rate":      StrategyRetryBackoff,
	"replication_lag": StrategyReplicationCatchup,
}

// Config bounds the controller's triggering policy.
type Config struct {
	Threshold    float64
	DwellSamples int
	SampleEvery  time.Duration
}

// Sample is one observation fed to the controller.
type Sample struct {
	Observed  map[string]float64
	Predicted map[string]float64
}

// Controller watches the sampled system state and drives adaptation.
type Controller struct {
	log    *zap.Logger
	engine *cognitive.Engine
	cfg    Config

	mu             sync.Mutex
	history        []float64 // recent free-energy values, most recent last
	lastObserved   []float64
	constantStreak int // consecutive samples with an unchanged observed vector
	breaching      int // consecutive samples with F > threshold

	stop chan struct{}
}

// New constructs a Controller that injects adaptation goals into eng.
func New(log *zap.Logger, eng *cognitive.Engine, cfg Config) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DwellSamples <= 0 {
		cfg.DwellSamples = 3
	}
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = time.Second
	}
	return &Controller{log: log, engine: eng, cfg: cfg, stop: make(chan struct{})}
}

// Observe feeds one sample through the free-energy functional, updates
// the dwell counter, and injects an adaptation goal once the score has
// stayed above threshold for the dwell window. It returns the computed
// F for callers that want to log or test against it.
func (c *Controller) Observe(s Sample) float64 {
	o := vectorFor(s.Observed)
	p := vectorFor(s.Predicted)

	f := freeEnergy(o, p)

	c.mu.Lock()
	defer c.mu.Unlock()

	observedSlice := o.RawVector().Data
	if sameVector(c.lastObserved, observedSlice) {
		c.constantStreak++
	} else {
		c.constantStreak = 1
	}
	c.lastObserved = append([]float64{}, observedSlice...)
	c.history = appendCapped(c.history, f, c.cfg.DwellSamples+1)

	if c.constantStreak >= c.cfg.DwellSamples {
		// Observed state held constant for the dwell window: nothing
		// changed, so no adaptation, regardless of F.
		c.breaching = 0
		return f
	}

	if f > c.cfg.Threshold {
		c.breaching++
	} else {
		c.breaching = 0
	}

	if c.breaching >= c.cfg.DwellSamples {
		c.trigger(s)
		c.breaching = 0
	}
	return f
}

// Run samples sampler every SampleEvery until Stop is called.
func (c *Controller) Run(sampler func() Sample) {
	ticker := time.NewTicker(c.cfg.SampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Observe(sampler())
		}
	}
}

// Stop halts Run's loop.
func (c *Controller) Stop() { close(c.stop) }

// ConsumeCoherenceFailures drains the coordinator's dead-letter
// channel, invoking onFailure per event so the caller's sampler can
// fold the failures into its error_rate feature.
func ConsumeCoherenceFailures(events <-chan outbox.FailureEvent, onFailure func()) {
	go func() {
		for range events {
			onFailure()
		}
	}()
}

func (c *Controller) trigger(s Sample) {
	dominant := dominantContributor(s.Observed, s.Predicted)
	strategy, ok := strategyFor[dominant]
	if !ok {
		strategy = StrategyLoadShedding
	}

	goal := concept.Goal{
		ID:       "fe-" + dominant,
		Kind:     "adaptation",
		Priority: concept.PriorityInteractive,
		Utility:  1.0,
		Features: map[string]float64{
			"strategy": float64(strategyIndex(strategy)),
		},
	}
	c.log.Warn("free energy breach, injecting adaptation goal",
		zap.String("dominant", dominant), zap.String("strategy", string(strategy)))
	c.engine.InjectGoal(goal)
}

// strategyIndex gives each Strategy a stable numeric encoding so it
// can travel through Goal.Features, which is float64-valued; callers
// that need the string recover it via StrategyName.
func strategyIndex(s Strategy) int {
	switch s {
	case StrategyMemoryManagement:
		return 1
	case StrategyLoadShedding:
		return 2
	case StrategyRetryBackoff:
		return 3
	case StrategyReplicationCatchup:
		return 4
	default:
		return 0
	}
}

// StrategyName recovers the Strategy a goal's "strategy" feature
// encodes (see strategyIndex).
func StrategyName(code float64) Strategy {
	switch int(code) {
	case 1:
		return StrategyMemoryManagement
	case 2:
		return StrategyLoadShedding
	case 3:
		return StrategyRetryBackoff
	case 4:
		return StrategyReplicationCatchup
	default:
		return ""
	}
}

func vectorFor(m map[string]float64) *mat.VecDense {
	data := make([]float64, len(Features))
	for i, name := range Features {
		data[i] = m[name]
	}
	return mat.NewVecDense(len(data), data)
}

// freeEnergy computes the squared prediction error plus the Shannon
// entropy of the observed vector, after a softmax normalization onto
// a probability simplex so signed/unbounded observations become a
// distribution.
func freeEnergy(o, p *mat.VecDense) float64 {
	var diff mat.VecDense
	diff.SubVec(o, p)
	sq := mat.Dot(&diff, &diff)
	return sq + entropy(o.RawVector().Data)
}

func entropy(values []float64) float64 {
	probs := softmax(values)
	var h float64
	for _, pr := range probs {
		if pr <= 0 {
			continue
		}
		h -= pr * math.Log2(pr)
	}
	if n := len(values); n > 1 {
		h /= math.Log2(float64(n)) // normalize to [0,1]
	}
	return h
}

func softmax(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// dominantContributor picks the feature with the largest absolute
// observed-minus-predicted gap; exact ties resolve by Features order.
func dominantContributor(observed, predicted map[string]float64) string {
	var best string
	var bestGap float64
	for _, name := range Features {
		gap := math.Abs(observed[name] - predicted[name])
		if best == "" || gap > bestGap {
			best = name
			bestGap = gap
		}
	}
	return best
}

func sameVector(prev, cur []float64) bool {
	if prev == nil || len(prev) != len(cur) {
		return false
	}
	for i := range cur {
		if prev[i] != cur[i] {
			return false
		}
	}
	return true
}

func appendCapped(hist []float64, v float64, cap int) []float64 {
	hist = append(hist, v)
	if len(hist) > cap {
		hist = hist[len(hist)-cap:]
	}
	return hist
}

// Metrics reports a point-in-time snapshot for the admin surface.
func (c *Controller) Metrics() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var last float64
	if n := len(c.history); n > 0 {
		last = c.history[n-1]
	}
	return map[string]any{
		"last_free_energy": last,
		"breaching":        c.breaching,
	}
}
