// Package workerruntime implements the worker execution protocol (spec
// section 4.7): poll for a task, run the registered handler under a
// step-level timeout, and report completion or failure carrying the
// lease id and fencing token the task was issued with. It generalizes
// the teacher's ActivityWorker poll/dispatch/handleTask loop
// (internal/worker/activity.go) from an in-process activity executor
// into a handler registry driven purely by step name, the shape this
// spec's untrusted, external workers need.
package workerruntime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"

	"github.com/axiom-workflow-engine/axiom/internal/dispatcher"
	"github.com/axiom-workflow-engine/axiom/internal/errs"
	"github.com/axiom-workflow-engine/axiom/internal/event"
	"github.com/axiom-workflow-engine/axiom/metrics"
)

// Handler executes one step attempt and returns its result. A non-nil,
// non-retryable error is reported as a terminal step failure; wrap an
// error with Retryable to ask for a retry instead.
type Handler func(ctx context.Context, task dispatcher.Task) (result any, err error)

// retryableError marks a Handler error as eligible for retry.
type retryableError struct{ err error }

func (r retryableError) Error() string { return r.err.Error() }
func (r retryableError) Unwrap() error { return r.err }

// Retryable wraps err so the runtime reports step_failed with
// Retryable=true instead of failing the workflow outright.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

func isRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

// Requester is the subset of *dispatcher.Dispatcher a Runtime needs —
// named so tests can substitute a fake without pulling in the full
// dispatcher/queue/lease wiring.
type Requester interface {
	RequestTask(ctx context.Context, workerID string) (*dispatcher.Task, error)
	ReportCompleted(ctx context.Context, task dispatcher.Task, result any, durationMs int64, idempotencyKey string) error
	ReportFailed(ctx context.Context, task dispatcher.Task, errMsg string, retryable bool, idempotencyKey string) error
}

// Options configures a Runtime, the functional-options pattern used
// throughout this module (see the root package's Options for the full
// engine-level config surface).
type Options struct {
	Pollers              int
	PollInterval         time.Duration
	StepExecutionTimeout time.Duration
	Logger               *slog.Logger
	Tracer               trace.Tracer
	Metrics              metrics.Client
}

// Option mutates Options.
type Option func(*Options)

func WithPollers(n int) Option                       { return func(o *Options) { o.Pollers = n } }
func WithPollInterval(d time.Duration) Option         { return func(o *Options) { o.PollInterval = d } }
func WithStepExecutionTimeout(d time.Duration) Option { return func(o *Options) { o.StepExecutionTimeout = d } }
func WithLogger(l *slog.Logger) Option                { return func(o *Options) { o.Logger = l } }
func WithTracer(t trace.Tracer) Option                { return func(o *Options) { o.Tracer = t } }
func WithMetrics(m metrics.Client) Option             { return func(o *Options) { o.Metrics = m } }

// DefaultOptions mirrors the teacher's worker.DefaultOptions — sane
// standalone defaults, every field overridable via an Option.
func DefaultOptions() Options {
	return Options{
		Pollers:              1,
		PollInterval:         time.Second,
		StepExecutionTimeout: 30 * time.Second,
		Logger:               slog.Default(),
		Tracer:               trace.NewNoopTracerProvider().Tracer("axiom/workerruntime"),
		Metrics:              metrics.NewNoopClient(),
	}
}

// ApplyOptions folds opts onto a copy of DefaultOptions.
func ApplyOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Runtime is a workerID's poll loop, dispatching each pulled task to the
// handler registered for its step name.
type Runtime struct {
	workerID  string
	requester Requester
	handlers  map[string]Handler
	options   Options

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Runtime. Register handlers with RegisterHandler before
// calling Start.
func New(workerID string, requester Requester, opts ...Option) *Runtime {
	return &Runtime{
		workerID:  workerID,
		requester: requester,
		handlers:  map[string]Handler{},
		options:   ApplyOptions(opts...),
	}
}

// RegisterHandler binds step to a Handler. Calling it after Start is a
// race; register everything up front.
func (r *Runtime) RegisterHandler(step string, h Handler) {
	r.handlers[step] = h
}

// Start launches the configured number of poll goroutines. Call Stop (or
// cancel ctx) and then WaitForCompletion to drain in-flight tasks before
// exiting.
func (r *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for i := 0; i < r.options.Pollers; i++ {
		r.wg.Add(1)
		go r.runPoll(ctx)
	}
}

// Stop signals every poll goroutine to exit after its current task.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// WaitForCompletion blocks until every poll goroutine has returned.
func (r *Runtime) WaitForCompletion() {
	r.wg.Wait()
}

// runPoll pulls tasks in a loop, retreating with exponential backoff
// whenever RequestTask fails for a reason other than an empty queue —
// a transport error talking to the dispatcher, say — so a flaky
// connection doesn't spin the poller hot. The teacher's own poll loop
// (internal/worker/activity.go) logs and immediately retries on error;
// this runtime's workers are separate, untrusted processes so a backoff
// is the safer default against a dispatcher that is down, not merely
// empty.
func (r *Runtime) runPoll(ctx context.Context) {
	defer r.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.options.PollInterval
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever; the caller cancels ctx to stop us

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := r.requester.RequestTask(ctx, r.workerID)
		switch {
		case errors.Is(err, errs.ErrNoTask):
			b.Reset()
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.options.PollInterval):
			}
			continue
		case err != nil:
			wait := b.NextBackOff()
			r.options.Logger.Warn("request_task failed, backing off", "error", err, "wait", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		b.Reset()
		r.handleTask(ctx, *task)
	}
}

func (r *Runtime) handleTask(ctx context.Context, task dispatcher.Task) {
	ctx, span := r.options.Tracer.Start(ctx, "workerruntime.handleTask")
	defer span.End()

	handler, ok := r.handlers[task.Step]
	if !ok {
		r.options.Logger.Error("no handler registered for step", "step", task.Step)
		_ = r.requester.ReportFailed(ctx, task, "no handler registered for step "+task.Step, false, "")
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, r.options.StepExecutionTimeout)
	defer cancel()

	// Grounded on the teacher's ActivityWorker wrapping the whole activity
	// execution in a metrics.Timer; here it spans the handler call itself
	// so workerruntime.step_duration_ms reflects the step's real run time
	// regardless of whether it ends up completed or failed.
	timer := metrics.Timer(r.options.Metrics, "workerruntime.step_duration_ms", metrics.Tags{"step": task.Step})
	start := time.Now()
	result, err := handler(execCtx, task)
	durationMs := time.Since(start).Milliseconds()
	timer.Stop()

	// Derived independently of the coordinator so a retried report (e.g.
	// the worker's ack was lost after the coordinator already committed)
	// carries the same key the first attempt did, letting StepCompleted's
	// idempotency check catch the duplicate before it touches the WAL.
	idempotencyKey := event.IdempotencyKey(task.WorkflowID, task.Step, task.Attempt)

	if err != nil {
		retryable := isRetryable(err) || errors.Is(execCtx.Err(), context.DeadlineExceeded)
		if reportErr := r.requester.ReportFailed(ctx, task, err.Error(), retryable, idempotencyKey); reportErr != nil {
			r.options.Logger.Warn("report_failed rejected", "error", reportErr)
		}
		r.options.Metrics.Counter("workerruntime.step_failed", metrics.Tags{"step": task.Step}, 1)
		return
	}

	if reportErr := r.requester.ReportCompleted(ctx, task, result, durationMs, idempotencyKey); reportErr != nil {
		r.options.Logger.Warn("report_completed rejected", "error", reportErr)
	}
}
