// Package queue implements the FIFO task queue: pending-set tracking and
// requeue on worker failure (spec section 4.6). It owns its own state
// exclusively — callers only ever see it through Enqueue/Pull/Complete/
// Requeue, the same single-owner discipline the teacher gives its
// workflow.Queue-partitioned task tables.
package queue

import (
	"container/list"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/axiom-workflow-engine/axiom/internal/errs"
)

// Task is one unit of schedulable work: one attempt of one step of one
// workflow.
type Task struct {
	TaskID     string
	WorkflowID string
	Step       string
	Attempt    int
	Priority   int
	EnqueuedAt int64 // clock reading at enqueue (Unix nanoseconds), not a logicalclock value
}

// Queue is a priority-aware FIFO: Pull returns the highest-priority ready
// task, ties broken by enqueue order.
type Queue struct {
	clock clock.Clock

	mu      sync.Mutex
	ready   *list.List // of *Task, insertion order
	pending map[string]*Task
}

// New creates an empty queue. c supplies the clock EnqueuedAt is read from;
// pass clock.New() in production, a clock.Mock in tests.
func New(c clock.Clock) *Queue {
	if c == nil {
		c = clock.New()
	}
	return &Queue{
		clock:   c,
		ready:   list.New(),
		pending: map[string]*Task{},
	}
}

// Enqueue appends a new task to the tail in O(1) and returns its id.
func (q *Queue) Enqueue(workflowID, step string, attempt, priority int) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &Task{
		TaskID:     uuid.NewString(),
		WorkflowID: workflowID,
		Step:       step,
		Attempt:    attempt,
		Priority:   priority,
		EnqueuedAt: q.clock.Now().UnixNano(),
	}

	q.ready.PushBack(t)

	return t.TaskID
}

// Pull removes the highest-priority ready task — in FIFO order among
// tasks of equal priority — and moves it into the pending set.
// Returns errs.ErrNoTask if the queue is empty.
func (q *Queue) Pull() (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready.Len() == 0 {
		return nil, errs.ErrNoTask
	}

	best := q.ready.Front()
	for e := best.Next(); e != nil; e = e.Next() {
		if e.Value.(*Task).Priority > best.Value.(*Task).Priority {
			best = e
		}
	}

	t := q.ready.Remove(best).(*Task)
	q.pending[t.TaskID] = t

	return t, nil
}

// Complete removes a task from the pending set once its result has been
// durably committed.
func (q *Queue) Complete(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, taskID)
}

// Requeue pops taskID from the pending set, increments its attempt, and
// pushes it back onto the tail. The dispatcher calls it from
// SweepExpiredLeases when a pulled task's lease expires unreported.
func (q *Queue) Requeue(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.pending[taskID]
	if !ok {
		return errs.ErrNotFound
	}

	delete(q.pending, taskID)

	t.Attempt++
	t.EnqueuedAt = q.clock.Now().UnixNano()
	q.ready.PushBack(t)

	return nil
}

// Depth returns the number of ready (not yet pulled) tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

// ListPending returns a snapshot of the tasks currently pulled but not
// yet resolved, for observability.
func (q *Queue) ListPending() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Task, 0, len(q.pending))
	for _, t := range q.pending {
		out = append(out, t)
	}
	return out
}
