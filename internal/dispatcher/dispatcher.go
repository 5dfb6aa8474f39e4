// Package dispatcher implements the worker-facing half of scheduling
// (spec section 4.6 / 4.7): turning a coordinator's step_scheduled event
// into a queued Task, handing tasks to polling workers under lease, and
// routing a worker's report back into the owning coordinator after
// fencing-token validation. It generalizes the teacher's
// backend.GetWorkflowTask/GetActivityTask poll handlers plus the
// lock/complete pair in backend/sqlite.CompleteActivityTask into an
// explicit queue+lease+registry pipeline.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"

	"github.com/axiom-workflow-engine/axiom/internal/coordinator"
	axiomerrs "github.com/axiom-workflow-engine/axiom/internal/errs"
	"github.com/axiom-workflow-engine/axiom/internal/lease"
	"github.com/axiom-workflow-engine/axiom/internal/queue"
	axiomlog "github.com/axiom-workflow-engine/axiom/log"
	"github.com/axiom-workflow-engine/axiom/metrics"
)

// Committers resolves the Committer (normally *coordinator.Coordinator)
// owning a given workflow, so the dispatcher never imports
// internal/coordinator's concrete registry directly in its hot path —
// only the two narrow interfaces it actually needs.
type Committers interface {
	Get(workflowID string) (coordinator.Committer, bool)
}

// registryAdapter adapts *coordinator.Registry to Committers.
type registryAdapter struct {
	reg *coordinator.Registry
}

func (a registryAdapter) Get(workflowID string) (coordinator.Committer, bool) {
	return a.reg.Get(workflowID)
}

// NewCommitters wraps a *coordinator.Registry as a Committers.
func NewCommitters(reg *coordinator.Registry) Committers {
	return registryAdapter{reg: reg}
}

// Task is the wire shape a worker receives from RequestTask.
type Task struct {
	TaskID       string
	WorkflowID   string
	Step         string
	Attempt      int
	LeaseID      string
	FencingToken int64
}

// Dispatcher owns the task queue and lease manager. It implements
// coordinator.Scheduler so a Registry can call ScheduleStep directly
// after appending step_scheduled.
type Dispatcher struct {
	queue      *queue.Queue
	leases     *lease.Manager
	committers Committers
	clock      clock.Clock

	leaseDuration time.Duration

	mu          sync.Mutex
	taskByLease map[string]string // leaseID -> taskID, for SweepExpiredLeases

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics metrics.Client
}

var _ coordinator.Scheduler = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option    { return func(d *Dispatcher) { d.logger = l } }
func WithTracer(t trace.Tracer) Option    { return func(d *Dispatcher) { d.tracer = t } }
func WithMetrics(m metrics.Client) Option { return func(d *Dispatcher) { d.metrics = m } }

// New constructs a Dispatcher. leaseDuration is the lease TTL granted on
// RequestTask; the Engine supplies it from its lease_duration_ms config
// field (Options.LeaseDuration).
func New(q *queue.Queue, leases *lease.Manager, committers Committers, c clock.Clock, leaseDuration time.Duration, opts ...Option) *Dispatcher {
	if c == nil {
		c = clock.New()
	}
	d := &Dispatcher{
		queue:         q,
		leases:        leases,
		committers:    committers,
		clock:         c,
		leaseDuration: leaseDuration,
		taskByLease:   map[string]string{},
		logger:        slog.Default(),
		tracer:        trace.NewNoopTracerProvider().Tracer("axiom/dispatcher"),
		metrics:       metrics.NewNoopClient(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ScheduleStep enqueues a task for the step a coordinator just scheduled.
// Priority is always 0; spec section 4.6's FIFO-with-priority queue
// exists to let future callers weight steps, not for this engine's own
// scheduling decisions.
func (d *Dispatcher) ScheduleStep(workflowID, step string, attempt int) {
	d.queue.Enqueue(workflowID, step, attempt, 0)
	d.metrics.Counter("dispatcher.enqueued", metrics.Tags{"workflow_id": workflowID}, 1)
}

// RequestTask pulls the next ready task and grants it a lease. Returns
// errs.ErrNoTask if the queue is empty. If a worker crashes between Pull
// and lease acquisition this can never happen — Acquire cannot fail —
// but if a later extension makes it fallible, the task must be requeued
// rather than dropped.
func (d *Dispatcher) RequestTask(ctx context.Context, workerID string) (*Task, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.RequestTask")
	defer span.End()

	qt, err := d.queue.Pull()
	if err != nil {
		return nil, err
	}

	l := d.leases.Acquire(qt.WorkflowID, qt.Step, qt.Attempt, d.leaseDuration)

	d.mu.Lock()
	d.taskByLease[l.LeaseID] = qt.TaskID
	d.mu.Unlock()

	committer, ok := d.committers.Get(qt.WorkflowID)
	if ok {
		if err := committer.StepStarted(ctx, qt.Step, l.LeaseID, workerID); err != nil {
			d.logger.Warn("step_started append failed, task remains leased until expiry",
				axiomlog.WorkflowIDKey, qt.WorkflowID,
				axiomlog.StepKey, qt.Step,
				"error", err,
			)
		}
	}

	d.logger.Info("task dispatched",
		axiomlog.WorkflowIDKey, qt.WorkflowID,
		axiomlog.StepKey, qt.Step,
		axiomlog.TaskIDKey, qt.TaskID,
		axiomlog.LeaseIDKey, l.LeaseID,
		axiomlog.WorkerIDKey, workerID,
	)

	return &Task{
		TaskID:       qt.TaskID,
		WorkflowID:   qt.WorkflowID,
		Step:         qt.Step,
		Attempt:      qt.Attempt,
		LeaseID:      l.LeaseID,
		FencingToken: l.FencingToken,
	}, nil
}

// ReportCompleted validates the reporting worker's lease and fencing
// token, then forwards the result to the owning coordinator. On success
// the lease is released and the queue task is marked complete.
func (d *Dispatcher) ReportCompleted(ctx context.Context, task Task, result any, durationMs int64, idempotencyKey string) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.ReportCompleted")
	defer span.End()

	if err := d.leases.ValidateForCommit(task.LeaseID, task.FencingToken); err != nil {
		d.metrics.Counter("dispatcher.rejected", metrics.Tags{"reason": "lease"}, 1)
		return err
	}

	committer, ok := d.committers.Get(task.WorkflowID)
	if !ok {
		return errors.Wrapf(axiomerrs.ErrNotFound, "no coordinator registered for workflow %q", task.WorkflowID)
	}

	if err := committer.StepCompleted(ctx, task.Step, result, durationMs, idempotencyKey); err != nil {
		return err
	}

	d.releaseLocked(task)

	return nil
}

// ReportFailed is ReportCompleted's failure-path analogue. On a
// retryable failure the task is still marked complete in the queue — the
// step will only run again once a coordinator explicitly retries it
// (see coordinator.Coordinator.Retry) and re-enqueues through
// ScheduleStep.
func (d *Dispatcher) ReportFailed(ctx context.Context, task Task, errMsg string, retryable bool, idempotencyKey string) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.ReportFailed")
	defer span.End()

	if err := d.leases.ValidateForCommit(task.LeaseID, task.FencingToken); err != nil {
		d.metrics.Counter("dispatcher.rejected", metrics.Tags{"reason": "lease"}, 1)
		return err
	}

	committer, ok := d.committers.Get(task.WorkflowID)
	if !ok {
		return errors.Wrapf(axiomerrs.ErrNotFound, "no coordinator registered for workflow %q", task.WorkflowID)
	}

	if err := committer.StepFailed(ctx, task.Step, errMsg, retryable, idempotencyKey); err != nil {
		return err
	}

	d.releaseLocked(task)

	return nil
}

// releaseLocked drops the internal leaseID->taskID tracking entry and
// releases the lease and queue task, shared by ReportCompleted and
// ReportFailed.
func (d *Dispatcher) releaseLocked(task Task) {
	d.mu.Lock()
	delete(d.taskByLease, task.LeaseID)
	d.mu.Unlock()

	d.leases.Release(task.LeaseID)
	d.queue.Complete(task.TaskID)
}

// SweepExpiredLeases requeues the queue task behind every lease that has
// passed its deadline without a matching report, so a crashed or
// partitioned worker's step becomes runnable by another worker. Callers
// run this on a timer (the lease_duration_ms config field sets the
// lease duration that bounds how long this can take to notice).
func (d *Dispatcher) SweepExpiredLeases() {
	for _, expired := range d.leases.Sweep() {
		d.mu.Lock()
		taskID, ok := d.taskByLease[expired.LeaseID]
		delete(d.taskByLease, expired.LeaseID)
		d.mu.Unlock()

		if !ok {
			continue
		}
		if err := d.queue.Requeue(taskID); err != nil {
			d.logger.Warn("requeue after lease expiry failed",
				axiomlog.LeaseIDKey, expired.LeaseID,
				axiomlog.WorkflowIDKey, expired.WorkflowID,
				axiomlog.StepKey, expired.Step,
				"error", err,
			)
		}
	}
}
