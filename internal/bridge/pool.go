package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/telos-cog/telos/internal/handle"
	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

// OperationHandler executes one task operation against the handle
// table and returns a worker-domain result. Handlers never retain
// handles past return.
type OperationHandler func(ctx context.Context, task concept.Task, handles *handle.Table) (Result, error)

// Registry maps operation tags to handlers.
type Registry map[string]OperationHandler

type worker struct {
	id       int
	lastBeat atomic.Int64 // unix nanos
	current  atomic.Pointer[queuedTask]
	cancel   atomic.Pointer[context.CancelFunc]
	crashed  atomic.Bool
}

func (w *worker) beat() { w.lastBeat.Store(time.Now().UnixNano()) }

// Pool owns a Queue, a set of identical stateless workers, and
// liveness/crash-recovery bookkeeping.
type Pool struct {
	log      *zap.Logger
	queue    *Queue
	registry Registry
	handles  *handle.Table

	heartbeat time.Duration
	liveAfter time.Duration
	retryMax  int

	workers []*worker
	wg      sync.WaitGroup

	mu          sync.Mutex
	active      int
	stopMonitor chan struct{}
	orphaned    []string // owner tokens of handles belonging to crashed workers' in-flight tasks
}

// NewPool constructs a pool of n workers backed by queue, dispatching
// into handlers from reg and using handles for shared-memory access.
func NewPool(log *zap.Logger, queue *Queue, reg Registry, handles *handle.Table, n int, heartbeat time.Duration, retryMax int) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	p := &Pool{
		log:         log,
		queue:       queue,
		registry:    reg,
		handles:     handles,
		heartbeat:   heartbeat,
		liveAfter:   heartbeat * 3,
		retryMax:    retryMax,
		stopMonitor: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, &worker{id: i})
	}
	return p
}

// Start launches all worker goroutines and the heartbeat monitor.
func (p *Pool) Start() {
	for _, w := range p.workers {
		w.beat()
		p.wg.Add(1)
		go p.runWorker(w)
	}
	go p.monitor()
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	for {
		qt := p.queue.Dispatch()
		if qt == nil {
			return // queue closed
		}
		if w.crashed.Load() {
			// A chaos-injected crash: drop the task back for resubmission
			// and stop this worker permanently.
			p.queue.Requeue(qt)
			return
		}

		w.current.Store(qt)
		w.beat()

		taskCtx, cancel := context.WithCancel(context.Background())
		var tcancel context.CancelFunc
		if qt.task.DeadlineMS > 0 {
			taskCtx, tcancel = context.WithTimeout(taskCtx, time.Duration(qt.task.DeadlineMS)*time.Millisecond)
		}
		cf := cancel
		w.cancel.Store(&cf)

		p.mu.Lock()
		p.active++
		p.mu.Unlock()

		result := p.execute(taskCtx, w, qt.task)

		if tcancel != nil {
			tcancel()
		}
		cancel()

		p.mu.Lock()
		p.active--
		p.mu.Unlock()

		w.current.Store(nil)
		w.beat()

		select {
		case qt.resultCh <- result:
		default:
		}
	}
}

func (p *Pool) execute(ctx context.Context, w *worker, task concept.Task) Result {
	if !concept.ValidOperation(task.Operation) {
		return Result{Err: teloserr.New(teloserr.InvalidTask, "unknown operation %q", task.Operation)}
	}
	handler, ok := p.registry[task.Operation]
	if !ok {
		return Result{Err: teloserr.New(teloserr.InvalidTask, "no handler registered for %q", task.Operation)}
	}

	type out struct {
		res Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- out{err: fmt.Errorf("worker panic: %v", r)}
			}
		}()
		r, err := handler(ctx, task, p.handles)
		done <- out{res: r, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return Result{Err: teloserr.Wrap(teloserr.WorkerError, o.err, "%v", o.err)}
		}
		return o.res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Err: teloserr.New(teloserr.Timeout, "task %s exceeded deadline", task.CorrelationID)}
		}
		return Result{Err: teloserr.New(teloserr.Cancelled, "task %s cancelled", task.CorrelationID)}
	}
}

// monitor periodically checks every worker's heartbeat; a worker that
// hasn't beaten within liveAfter is considered crashed and replaced.
func (p *Pool) monitor() {
	ticker := time.NewTicker(p.heartbeat / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopMonitor:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			for i, w := range p.workers {
				last := w.lastBeat.Load()
				if now-last > p.liveAfter.Nanoseconds() && w.current.Load() != nil {
					p.handleCrash(i, w)
				}
			}
		}
	}
}

func (p *Pool) handleCrash(idx int, w *worker) {
	qt := w.current.Load()
	w.crashed.Store(true)
	p.log.Warn("worker crash detected", zap.Int("worker", w.id))

	if qt != nil {
		p.mu.Lock()
		for _, h := range qt.task.InputHandles {
			p.orphaned = append(p.orphaned, h.OwnerToken)
		}
		for _, h := range qt.task.OutputHandles {
			p.orphaned = append(p.orphaned, h.OwnerToken)
		}
		p.mu.Unlock()

		if qt.attempts < p.retryMax {
			p.queue.Requeue(qt)
		} else {
			select {
			case qt.resultCh <- Result{Err: teloserr.New(teloserr.WorkerLost, "worker %d lost after %d retries", w.id, qt.attempts)}:
			default:
			}
		}
	}

	replacement := &worker{id: w.id}
	replacement.beat()
	p.workers[idx] = replacement
	p.wg.Add(1)
	go p.runWorker(replacement)
}

// ActiveWorkers reports the count of workers currently executing a task.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// WorkerCount reports the configured pool size.
func (p *Pool) WorkerCount() int { return len(p.workers) }

// DrainOrphanedOwnerTokens returns and clears the owner tokens of
// handles that belonged to crashed workers' in-flight tasks, for the
// handle table's reaper to consume.
func (p *Pool) DrainOrphanedOwnerTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.orphaned
	p.orphaned = nil
	return out
}

// Stop closes the queue, cancels every in-flight task's context so
// shutdown propagates as a cancellation to workers, and waits for the
// worker goroutines to drain. Cancelling after Close means no new task
// can be dispatched between the two steps; a cancel func left over
// from an already-completed task is a no-op.
func (p *Pool) Stop() {
	close(p.stopMonitor)
	p.queue.Close()
	for _, w := range p.workers {
		if cf := w.cancel.Load(); cf != nil {
			(*cf)()
		}
	}
	p.wg.Wait()
}

// InjectCrash is a chaos hook: it zeroes worker idx's heartbeat,
// forcing the monitor-driven recovery path on its next tick if the
// worker is executing a task; an idle worker is not treated as crashed.
func (p *Pool) InjectCrash(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.workers) {
		return teloserr.New(teloserr.InvalidArgument, "worker index %d out of range", idx)
	}
	p.workers[idx].lastBeat.Store(0)
	return nil
}
