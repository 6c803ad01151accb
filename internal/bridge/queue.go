// Package bridge implements the bounded task queue, the supervised
// worker pool, and the synaptic bridge facade that sits in front of
// them.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

// queuedTask pairs a Task with its completion channel and bookkeeping.
type queuedTask struct {
	task        concept.Task
	resultCh    chan Result
	submittedAt time.Time
	attempts    int
}

// Result is what a completed (or failed) task resolves to.
type Result struct {
	OK            bool                   `json:"ok"`
	Payload       map[string]any         `json:"payload,omitempty"`
	OutputHandles []concept.SharedHandle `json:"output_handles,omitempty"`
	Err           *teloserr.Error        `json:"err,omitempty"`
}

// Queue is a bounded, two-priority-class MPMC queue feeding a worker
// pool. Dispatch is FIFO within a class, with strict priority for
// `interactive` except that every K dispatches one `batch` task runs
// regardless (starvation avoidance).
type Queue struct {
	mu            sync.Mutex
	notEmpty      *sync.Cond
	notFull       *sync.Cond
	interactive   []*queuedTask
	batch         []*queuedTask
	capacity      int
	closed        bool
	dispatchCount int
	starvationK   int
}

// NewQueue constructs a Queue with the given capacity (applied across
// both priority classes combined) and starvation-avoidance interval K.
func NewQueue(capacity, starvationK int) *Queue {
	if starvationK < 1 {
		starvationK = 1
	}
	q := &Queue{capacity: capacity, starvationK: starvationK}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) len() int { return len(q.interactive) + len(q.batch) }

// Submit enqueues t, blocking until a slot is free or deadline elapses.
// A zero deadline means "no deadline" (block until a slot frees or the
// queue is closed).
func (q *Queue) Submit(t concept.Task, deadline time.Time) (*queuedTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.len() >= q.capacity && !q.closed {
		if deadline.IsZero() {
			q.notFull.Wait()
			continue
		}
		if time.Now().After(deadline) {
			return nil, teloserr.New(teloserr.QueueFull, "queue at capacity %d", q.capacity)
		}
		// Poll with a short wait since sync.Cond has no timed wait.
		q.mu.Unlock()
		time.Sleep(time.Millisecond)
		q.mu.Lock()
	}
	if q.closed {
		return nil, teloserr.New(teloserr.BridgeDown, "queue is shut down")
	}

	qt := &queuedTask{task: t, resultCh: make(chan Result, 1), submittedAt: time.Now()}
	if t.Priority == concept.PriorityBatch {
		q.batch = append(q.batch, qt)
	} else {
		q.interactive = append(q.interactive, qt)
	}
	q.notEmpty.Signal()
	return qt, nil
}

// Dispatch blocks until a task is available (respecting priority and
// starvation avoidance) or the queue is closed, in which case it
// returns nil.
func (q *Queue) Dispatch() *queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.len() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.len() == 0 && q.closed {
		return nil
	}

	q.dispatchCount++
	var qt *queuedTask
	if q.dispatchCount%q.starvationK == 0 && len(q.batch) > 0 {
		qt, q.batch = q.batch[0], q.batch[1:]
	} else if len(q.interactive) > 0 {
		qt, q.interactive = q.interactive[0], q.interactive[1:]
	} else if len(q.batch) > 0 {
		qt, q.batch = q.batch[0], q.batch[1:]
	}
	q.notFull.Signal()
	return qt
}

// Requeue puts qt back at the front of its priority class, used when a
// worker crashes mid-task and the task is resubmitted.
func (q *Queue) Requeue(qt *queuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qt.attempts++
	if qt.task.Priority == concept.PriorityBatch {
		q.batch = append([]*queuedTask{qt}, q.batch...)
	} else {
		q.interactive = append([]*queuedTask{qt}, q.interactive...)
	}
	q.notEmpty.Signal()
}

// Close shuts the queue down; any blocked Submit/Dispatch calls return.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Depth reports the current queued count per class, for status().
func (q *Queue) Depth() (interactive, batch int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.interactive), len(q.batch)
}

// waitCtx blocks on ctx or until the task's result channel resolves.
func waitCtx(ctx context.Context, ch <-chan Result) (Result, error) {
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Result{}, teloserr.New(teloserr.Timeout, "context done: %v", ctx.Err())
	}
}
