// Package outbox implements the coherence coordinator: it consumes
// L3's durable outbox log and propagates each change to L2 and L1
// with at-least-once delivery and idempotent apply.
package outbox

import (
	"context"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/telos-cog/telos/internal/annindex"
	"github.com/telos-cog/telos/internal/handle"
	"github.com/telos-cog/telos/internal/store"
	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/internal/vectorcache"
	"github.com/telos-cog/telos/pkg/concept"
)

// Config controls lease duration and retry/backoff.
type Config struct {
	LeaseMS       int64
	BackoffBaseMS int64
	BackoffMaxMS  int64
	MaxAttempts   int
	OwnerID       string
	BatchSize     int
}

// FailureEvent is emitted when a record exhausts its retry budget and
// is moved to the dead letter state.
type FailureEvent struct {
	Sequence  uint64
	ConceptID concept.ID
	Reason    string
}

// Coordinator is one instance of the coherence coordinator. Multiple
// instances may run concurrently (e.g. across processes); the lease
// mechanism ensures only one applies a given record at a time, and
// resumes on another instance after T_lease if the leasing instance
// crashes.
type Coordinator struct {
	log     *zap.Logger
	store   *store.Store
	index   *annindex.Index
	cache   *vectorcache.Cache
	handles *handle.Table
	cfg     Config

	failures chan FailureEvent
	stop     chan struct{}
}

// New constructs a Coordinator.
func New(log *zap.Logger, st *store.Store, idx *annindex.Index, cache *vectorcache.Cache, handles *handle.Table, cfg Config) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	return &Coordinator{
		log: log, store: st, index: idx, cache: cache, handles: handles, cfg: cfg,
		failures: make(chan FailureEvent, 256),
		stop:     make(chan struct{}),
	}
}

// Failures returns the channel of dead-letter events; the free-energy
// controller consumes it.
func (c *Coordinator) Failures() <-chan FailureEvent { return c.failures }

// Run polls for pending outbox records every tick until stop is
// closed. Each tick leases a batch, applies it in per-concept-id
// sequence order, and resolves each record to applied,
// retried-with-backoff, or dead.
func (c *Coordinator) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Stop halts Run's loop.
func (c *Coordinator) Stop() { close(c.stop) }

func nowMS() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

func (c *Coordinator) tick(ctx context.Context) {
	rows, err := c.store.PendingOutbox(ctx, nowMS(), c.cfg.BatchSize)
	if err != nil {
		c.log.Warn("failed listing pending outbox rows", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	var seqs []uint64
	for _, r := range rows {
		seqs = append(seqs, r.Sequence)
	}
	leaseExpires := nowMS() + c.cfg.LeaseMS
	if err := c.store.LeaseOutbox(ctx, seqs, c.cfg.OwnerID, leaseExpires); err != nil {
		c.log.Warn("failed leasing outbox rows", zap.Error(err))
		return
	}

	// Group by concept id to preserve per-id ordering while allowing
	// different ids to apply concurrently.
	byID := make(map[concept.ID][]store.OutboxRow)
	for _, r := range rows {
		byID[r.ConceptID] = append(byID[r.ConceptID], r)
	}

	var g errgroup.Group
	for _, group := range byID {
		group := group
		g.Go(func() error {
			for _, row := range group {
				c.apply(ctx, row)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) apply(ctx context.Context, row store.OutboxRow) {
	// Invalidate-before-update: every update/delete invalidates the L1
	// entry before touching L2, so readers never observe a cached
	// vector that no longer matches the canonical Concept.
	if row.Kind == store.ChangeUpdate || row.Kind == store.ChangeDelete {
		c.cache.Invalidate(row.ConceptID)
	}

	err := c.applyToL2(row)
	if err == nil {
		if markErr := c.store.MarkApplied(ctx, row.Sequence); markErr != nil {
			c.log.Warn("failed marking outbox row applied", zap.Uint64("sequence", row.Sequence), zap.Error(markErr))
		}
		return
	}

	attempts, _ := c.store.AttemptCount(ctx, row.Sequence)
	if attempts+1 >= c.cfg.MaxAttempts {
		if markErr := c.store.MarkDead(ctx, row.Sequence); markErr != nil {
			c.log.Warn("failed marking outbox row dead", zap.Uint64("sequence", row.Sequence), zap.Error(markErr))
		}
		event := FailureEvent{Sequence: row.Sequence, ConceptID: row.ConceptID, Reason: err.Error()}
		select {
		case c.failures <- event:
		default:
		}
		c.log.Error("outbox record moved to dead letter", zap.Uint64("sequence", row.Sequence), zap.String("concept", string(row.ConceptID)))
		return
	}

	backoff := backoffFor(attempts, c.cfg.BackoffBaseMS, c.cfg.BackoffMaxMS)
	if retryErr := c.store.ReleaseForRetry(ctx, row.Sequence, nowMS()+backoff); retryErr != nil {
		c.log.Warn("failed releasing outbox row for retry", zap.Uint64("sequence", row.Sequence), zap.Error(retryErr))
	}
}

func backoffFor(attempt int, base, max int64) int64 {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

func (c *Coordinator) applyToL2(row store.OutboxRow) error {
	if row.Kind == store.ChangeDelete {
		c.index.Delete(row.ConceptID)
		return nil
	}

	var cpt concept.Concept
	if err := msgpack.Unmarshal(row.Payload, &cpt); err != nil {
		return teloserr.Wrap(teloserr.CoherenceFailure, err, "decoding outbox payload for %s", row.ConceptID)
	}
	if cpt.EmbeddingHandle == "" {
		// No embedding to propagate yet; nothing to do at L2/L1.
		return nil
	}

	h := concept.SharedHandle{Name: cpt.EmbeddingHandle}
	vec, err := c.readVector(h)
	if err != nil {
		return teloserr.Wrap(teloserr.CoherenceFailure, err, "resolving embedding handle for %s", row.ConceptID)
	}

	if row.Kind == store.ChangeInsert {
		c.index.Insert(row.ConceptID, vec)
	} else {
		c.index.Update(row.ConceptID, vec)
	}
	return nil
}

func (c *Coordinator) readVector(h concept.SharedHandle) ([]float64, error) {
	view, err := c.handles.Map(h)
	if err != nil {
		return nil, err
	}
	defer c.handles.Unmap(view)
	n := len(view.Bytes) / 4
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		bits := uint32(view.Bytes[4*i]) | uint32(view.Bytes[4*i+1])<<8 | uint32(view.Bytes[4*i+2])<<16 | uint32(view.Bytes[4*i+3])<<24
		out[i] = float64(math.Float32frombits(bits))
	}
	return out, nil
}

// PromoteIfHot inserts vector into L1 when the owning Concept's usage
// count exceeds threshold, the promotion half of the coherence
// policy.
func (c *Coordinator) PromoteIfHot(id concept.ID, vector []float64, usageCount uint64, threshold uint64) {
	if usageCount <= threshold {
		return
	}
	f32 := make([]float32, len(vector))
	for i, v := range vector {
		f32[i] = float32(v)
	}
	c.cache.Put(id, f32)
}

// Metrics reports a point-in-time snapshot for the admin surface.
func (c *Coordinator) Metrics() map[string]any {
	return map[string]any{
		"pending_failures": len(c.failures),
	}
}
