package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telos-cog/telos/internal/handle"
	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

// Status is the bridge's operational snapshot.
type Status struct {
	Initialized   bool `json:"initialized"`
	ActiveWorkers int  `json:"active_workers"`
	Queued        int  `json:"queued"`
	InFlight      int  `json:"in_flight"`
}

// Future is returned by SubmitTask; callers Await it to obtain the
// task's Result.
type Future struct {
	ch chan Result
}

// Await blocks until the task completes or ctx is done.
func (f *Future) Await(ctx context.Context) (Result, error) {
	return waitCtx(ctx, f.ch)
}

// Bridge marshals task submissions into the worker pool, retaining
// every listed handle for the task's lifetime. The cognitive engine
// calls it directly in-process; cmd/telosd layers an HTTP surface on
// top of the same object for external callers.
type Bridge struct {
	log     *zap.Logger
	mu      sync.RWMutex
	queue   *Queue
	pool    *Pool
	handles *handle.Table

	initialized bool
	shutdown    bool
}

// New constructs a Bridge. Call Initialize before submitting tasks.
func New(log *zap.Logger, handles *handle.Table) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{log: log, handles: handles}
}

// InitConfig configures the bridge's queue and worker pool.
type InitConfig struct {
	Workers       int
	QueueCapacity int
	StarvationK   int
	HeartbeatMS   int
	RetryMax      int
	Registry      Registry
}

// Initialize is idempotent: calling it again while already initialized
// is a no-op.
func (b *Bridge) Initialize(cfg InitConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	if cfg.Workers <= 0 {
		return teloserr.New(teloserr.InvalidArgument, "workers must be positive")
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.StarvationK <= 0 {
		cfg.StarvationK = 8
	}
	b.queue = NewQueue(cfg.QueueCapacity, cfg.StarvationK)
	b.pool = NewPool(b.log, b.queue, cfg.Registry, b.handles, cfg.Workers, time.Duration(cfg.HeartbeatMS)*time.Millisecond, cfg.RetryMax)
	b.pool.Start()
	b.initialized = true
	b.shutdown = false
	return nil
}

// SubmitTask retains every handle listed on the task for its lifetime
// and releases each exactly once on completion, success or failure.
func (b *Bridge) SubmitTask(task concept.Task, deadline time.Time) (*Future, error) {
	b.mu.RLock()
	initialized, shutdown, queue := b.initialized, b.shutdown, b.queue
	b.mu.RUnlock()

	if shutdown {
		return nil, teloserr.New(teloserr.BridgeDown, "bridge has been shut down")
	}
	if !initialized {
		return nil, teloserr.New(teloserr.NotInitialized, "bridge not initialized")
	}
	if !concept.ValidOperation(task.Operation) {
		return nil, teloserr.New(teloserr.InvalidTask, "operation %q not in registry", task.Operation)
	}

	all := append(append([]concept.SharedHandle{}, task.InputHandles...), task.OutputHandles...)
	for i, h := range all {
		if _, err := b.handles.Retain(h); err != nil {
			for _, held := range all[:i] {
				_ = b.handles.Release(held)
			}
			return nil, teloserr.Wrap(teloserr.HandleExpired, err, "retaining handle %s", h.Name)
		}
	}

	qt, err := queue.Submit(task, deadline)
	if err != nil {
		for _, h := range all {
			_ = b.handles.Release(h)
		}
		return nil, err
	}

	out := make(chan Result, 1)
	go func() {
		r := <-qt.resultCh
		for _, h := range all {
			_ = b.handles.Release(h)
		}
		out <- r
	}()

	return &Future{ch: out}, nil
}

// DrainOrphanedOwnerTokens forwards to the worker pool's crash-tracked
// owner tokens, for the Handle Table's reaper to consume. Returns nil
// before Initialize.
func (b *Bridge) DrainOrphanedOwnerTokens() []string {
	b.mu.RLock()
	pool := b.pool
	b.mu.RUnlock()
	if pool == nil {
		return nil
	}
	return pool.DrainOrphanedOwnerTokens()
}

// Status reports the bridge's current operational snapshot.
func (b *Bridge) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return Status{}
	}
	interactive, batch := b.queue.Depth()
	active := b.pool.ActiveWorkers()
	return Status{
		Initialized:   true,
		ActiveWorkers: b.pool.WorkerCount(),
		Queued:        interactive + batch,
		InFlight:      active,
	}
}

// Shutdown is idempotent. Tasks submitted before Shutdown complete or
// fail before it returns; tasks submitted after fail with BridgeDown.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	if b.shutdown || !b.initialized {
		b.shutdown = true
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	pool := b.pool
	b.mu.Unlock()

	pool.Stop()
}
