// Package coordinator implements the per-workflow state owner: the only
// component permitted to request WAL appends for its workflow (spec
// section 4.4). It generalizes the teacher's per-instance backend
// transaction ("lock the instance row, insert history, commit") into an
// explicit, single-goroutine-serialized owner in front of the WAL, the
// architecture spec section 9 describes as "a coordinator object whose
// methods are serialized by... a per-workflow mutex."
package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/axiom-workflow-engine/axiom/internal/errs"
	"github.com/axiom-workflow-engine/axiom/internal/event"
	"github.com/axiom-workflow-engine/axiom/internal/logicalclock"
	"github.com/axiom-workflow-engine/axiom/internal/statemachine"
	"github.com/axiom-workflow-engine/axiom/internal/wal"
	axiomlog "github.com/axiom-workflow-engine/axiom/log"
	"github.com/axiom-workflow-engine/axiom/metrics"
)

// Scheduler is the interface a coordinator may call after scheduling a
// step, so the coordinator and the dispatcher/queue never need a direct
// import of one another — the "cyclic references between scheduler and
// coordinator" design note resolves this as a pair of named interfaces
// rather than either side owning the other.
type Scheduler interface {
	ScheduleStep(workflowID, step string, attempt int)
}

// Committer is the interface the dispatcher depends on to forward a
// validated worker result into the owning coordinator. Coordinator
// implements it.
type Committer interface {
	StepStarted(ctx context.Context, step, leaseID, workerID string) error
	StepCompleted(ctx context.Context, step string, result any, durationMs int64, idempotencyKey string) error
	StepFailed(ctx context.Context, step string, errMsg string, retryable bool, idempotencyKey string) error
}

var _ Committer = (*Coordinator)(nil)

// Coordinator owns one workflow's derived state. All of its methods are
// serialized by mu — one request at a time per coordinator, matching
// spec section 5's suspension model.
type Coordinator struct {
	workflowID string

	wal       *wal.Service
	logical   *logicalclock.Clock
	scheduler Scheduler

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics metrics.Client

	mu    sync.Mutex
	state statemachine.State
}

// New constructs a Coordinator for workflowID. It does not touch the WAL;
// call Hydrate to load existing history before using it.
func New(workflowID string, w *wal.Service, logical *logicalclock.Clock, scheduler Scheduler, logger *slog.Logger, tracer trace.Tracer, mclient metrics.Client) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if mclient == nil {
		mclient = metrics.NewNoopClient()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("axiom/coordinator")
	}
	return &Coordinator{
		workflowID: workflowID,
		wal:        w,
		logical:    logical,
		scheduler:  scheduler,
		logger:     logger,
		tracer:     tracer,
		metrics:    mclient,
		state:      statemachine.State{WorkflowID: workflowID},
	}
}

// Hydrate replays the WAL for this workflow and folds the events into
// state. It performs no WAL writes.
func (c *Coordinator) Hydrate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	events, err := c.wal.Replay(c.workflowID)
	if err != nil {
		return errs.ErrDiskFailure
	}

	c.state = statemachine.Hydrate(c.workflowID, events)

	return nil
}

// State returns a snapshot of the current derived state.
func (c *Coordinator) State() statemachine.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Create appends workflow_created with sequence 0. Rejects with
// errs.ErrAlreadyCreated if the workflow already has a version > 0.
func (c *Coordinator) Create(ctx context.Context, name string, input map[string]any, steps []string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.Create")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Version > 0 {
		return errs.ErrAlreadyCreated
	}

	e := event.New(c.workflowID, event.TypeWorkflowCreated, c.logical.Next(), &event.WorkflowCreatedAttributes{
		Name:  name,
		Input: input,
		Steps: steps,
	})
	e.Sequence = 0

	return c.appendAndApplyLocked(ctx, e)
}

// Advance schedules the next runnable step, or — if every step has
// completed — appends workflow_completed. Returns errs.ErrNoRunnableStep
// if neither applies (e.g. the workflow is waiting on a failed-but-
// retryable step, or is already terminal).
func (c *Coordinator) Advance(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.Advance")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if step, ok := statemachine.NextRunnableStep(c.state); ok {
		attempt := statemachine.ScheduledAttempts(c.state, step) + 1

		e := event.New(c.workflowID, event.TypeStepScheduled, c.logical.Next(), &event.StepScheduledAttributes{
			Step:    step,
			Attempt: attempt,
		})
		e.Sequence = int64(c.state.Version)

		if err := c.appendAndApplyLocked(ctx, e); err != nil {
			return err
		}

		if c.scheduler != nil {
			c.scheduler.ScheduleStep(c.workflowID, step, attempt)
		}

		return nil
	}

	if !statemachine.Terminal(c.state) && statemachine.AllStepsCompleted(c.state) {
		e := event.New(c.workflowID, event.TypeWorkflowCompleted, c.logical.Next(), &event.WorkflowCompletedAttributes{
			Output: completedStepsOutput(c.state),
		})
		e.Sequence = int64(c.state.Version)

		return c.appendAndApplyLocked(ctx, e)
	}

	return errs.ErrNoRunnableStep
}

// Retry re-schedules a step that previously failed with Retryable=true.
// Per the design decision recorded in DESIGN.md, a retryable step failure
// does not auto-reschedule — an operator (or a supervisory policy outside
// this package) must call Retry explicitly. Returns errs.ErrUnexpectedStep
// if step is not currently in the failed state.
func (c *Coordinator) Retry(ctx context.Context, step string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.Retry")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if statemachine.Terminal(c.state) || c.state.StepStates[step] != statemachine.StepFailed {
		return errs.ErrUnexpectedStep
	}

	attempt := statemachine.ScheduledAttempts(c.state, step) + 1

	e := event.New(c.workflowID, event.TypeStepScheduled, c.logical.Next(), &event.StepScheduledAttributes{
		Step:    step,
		Attempt: attempt,
	})
	e.Sequence = int64(c.state.Version)

	if err := c.appendAndApplyLocked(ctx, e); err != nil {
		return err
	}

	if c.scheduler != nil {
		c.scheduler.ScheduleStep(c.workflowID, step, attempt)
	}

	return nil
}

func completedStepsOutput(s statemachine.State) map[string]any {
	return map[string]any{"completed_steps": append([]string(nil), s.Steps...)}
}

// StepStarted appends step_started once a worker has taken up the step's
// lease. Rejects with errs.ErrUnexpectedStep unless the step is currently
// scheduled.
func (c *Coordinator) StepStarted(ctx context.Context, step, leaseID, workerID string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.StepStarted")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if statemachine.Terminal(c.state) || c.state.StepStates[step] != statemachine.StepScheduled {
		return errs.ErrUnexpectedStep
	}

	e := event.New(c.workflowID, event.TypeStepStarted, c.logical.Next(), &event.StepStartedAttributes{
		Step:     step,
		LeaseID:  leaseID,
		WorkerID: workerID,
	})
	e.Sequence = int64(c.state.Version)

	return c.appendAndApplyLocked(ctx, e)
}

// StepCompleted is the commit gate for a successful step report. If
// idempotencyKey is non-empty and already seen, it returns
// errs.ErrDuplicate without touching the WAL. If the step's current state
// is not scheduled or running, it returns errs.ErrUnexpectedStep.
// Otherwise it appends step_completed with the idempotency key in
// metadata.
func (c *Coordinator) StepCompleted(ctx context.Context, step string, result any, durationMs int64, idempotencyKey string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.StepCompleted")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if idempotencyKey != "" && statemachine.IdempotencyKeyExists(c.state, idempotencyKey) {
		c.metrics.Counter("coordinator.duplicate", metrics.Tags{"event_type": "step_completed"}, 1)
		return errs.ErrDuplicate
	}

	if !c.admitsCompletionLocked(step) {
		return errs.ErrUnexpectedStep
	}

	opts := []event.Option{}
	if idempotencyKey != "" {
		opts = append(opts, event.WithMetadata(event.MetadataIdempotencyKey, idempotencyKey))
	}

	e := event.New(c.workflowID, event.TypeStepCompleted, c.logical.Next(), &event.StepCompletedAttributes{
		Step:       step,
		Result:     result,
		DurationMs: durationMs,
	}, opts...)
	e.Sequence = int64(c.state.Version)

	return c.appendAndApplyLocked(ctx, e)
}

// StepFailed is the failure-reporting analogue of StepCompleted.
// retryable governs whether the state machine leaves the workflow
// waiting or marks it terminally failed.
func (c *Coordinator) StepFailed(ctx context.Context, step string, errMsg string, retryable bool, idempotencyKey string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.StepFailed")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if idempotencyKey != "" && statemachine.IdempotencyKeyExists(c.state, idempotencyKey) {
		c.metrics.Counter("coordinator.duplicate", metrics.Tags{"event_type": "step_failed"}, 1)
		return errs.ErrDuplicate
	}

	if !c.admitsCompletionLocked(step) {
		return errs.ErrUnexpectedStep
	}

	opts := []event.Option{}
	if idempotencyKey != "" {
		opts = append(opts, event.WithMetadata(event.MetadataIdempotencyKey, idempotencyKey))
	}

	e := event.New(c.workflowID, event.TypeStepFailed, c.logical.Next(), &event.StepFailedAttributes{
		Step:      step,
		Error:     errMsg,
		Retryable: retryable,
	}, opts...)
	e.Sequence = int64(c.state.Version)

	return c.appendAndApplyLocked(ctx, e)
}

// admitsCompletionLocked reports whether step is currently scheduled or
// running — the only step states a completion/failure report may
// transition out of — and the workflow overall is not already terminal.
func (c *Coordinator) admitsCompletionLocked(step string) bool {
	if statemachine.Terminal(c.state) {
		return false
	}
	switch c.state.StepStates[step] {
	case statemachine.StepScheduled, statemachine.StepRunning:
		return true
	default:
		return false
	}
}

// Cancel appends workflow_cancelled, unless the workflow is already
// terminal.
func (c *Coordinator) Cancel(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.Cancel")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if statemachine.Terminal(c.state) {
		return errs.ErrAlreadyTerminal
	}

	e := event.New(c.workflowID, event.TypeWorkflowCancelled, c.logical.Next(), &event.WorkflowCancelledAttributes{})
	e.Sequence = int64(c.state.Version)

	return c.appendAndApplyLocked(ctx, e)
}

// appendAndApplyLocked writes e to the WAL BEFORE updating in-memory
// state (spec section 4.4's ordering rule). If the WAL append fails, the
// state update is skipped entirely and errs.ErrDiskFailure is returned
// unchanged.
func (c *Coordinator) appendAndApplyLocked(ctx context.Context, e event.Event) error {
	if _, err := c.wal.Append(ctx, e); err != nil {
		c.logger.Error("wal append failed, coordinator state unchanged",
			axiomlog.WorkflowIDKey, c.workflowID,
			axiomlog.EventTypeKey, string(e.EventType),
			"error", err,
		)
		return errs.ErrDiskFailure
	}

	c.state = statemachine.Apply(c.state, e)

	return nil
}
