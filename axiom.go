// Package axiom is the engine's top-level facade: it wires the WAL
// service, the coordinator registry, the lease manager, the task queue,
// and the dispatcher into one Engine, the way the teacher's
// backend.Options/worker.Worker/client.Client trio wires a backend,
// worker pollers, and a client facade around a shared options struct.
package axiom

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/axiom-workflow-engine/axiom/internal/coordinator"
	"github.com/axiom-workflow-engine/axiom/internal/dispatcher"
	"github.com/axiom-workflow-engine/axiom/internal/lease"
	"github.com/axiom-workflow-engine/axiom/internal/logicalclock"
	"github.com/axiom-workflow-engine/axiom/internal/queue"
	"github.com/axiom-workflow-engine/axiom/internal/statemachine"
	"github.com/axiom-workflow-engine/axiom/internal/wal"
	"github.com/axiom-workflow-engine/axiom/internal/workerruntime"
	"github.com/axiom-workflow-engine/axiom/metrics"
)

// Options configures an Engine. Every field has a sane default in
// DefaultOptions; override via the With* functions.
type Options struct {
	DataDir              string
	SegmentMaxBytes      int64
	FsyncOnWrite         bool
	LeaseDuration        time.Duration
	WorkerTimeout        time.Duration
	WorkerPollInterval   time.Duration
	StepExecutionTimeout time.Duration

	Logger         *slog.Logger
	Metrics        metrics.Client
	TracerProvider trace.TracerProvider
}

// DefaultOptions mirrors the teacher's backend.DefaultOptions: every
// dependency gets a usable, observable-but-inert default so Options{}
// plus a handful of Withs is always enough to start an Engine.
func DefaultOptions() Options {
	return Options{
		DataDir:              "./data",
		SegmentMaxBytes:      wal.DefaultMaxSegmentBytes,
		FsyncOnWrite:         true,
		LeaseDuration:        time.Minute,
		WorkerTimeout:        time.Minute,
		WorkerPollInterval:   time.Second,
		StepExecutionTimeout: 30 * time.Second,

		Logger:         slog.Default(),
		Metrics:        metrics.NewNoopClient(),
		TracerProvider: trace.NewNoopTracerProvider(),
	}
}

// Option mutates Options.
type Option func(*Options)

func WithDataDir(dir string) Option               { return func(o *Options) { o.DataDir = dir } }
func WithSegmentMaxBytes(n int64) Option          { return func(o *Options) { o.SegmentMaxBytes = n } }
func WithFsyncOnWrite(b bool) Option              { return func(o *Options) { o.FsyncOnWrite = b } }
func WithLeaseDuration(d time.Duration) Option    { return func(o *Options) { o.LeaseDuration = d } }
func WithWorkerTimeout(d time.Duration) Option    { return func(o *Options) { o.WorkerTimeout = d } }
func WithWorkerPollInterval(d time.Duration) Option {
	return func(o *Options) { o.WorkerPollInterval = d }
}
func WithStepExecutionTimeout(d time.Duration) Option {
	return func(o *Options) { o.StepExecutionTimeout = d }
}
func WithLogger(l *slog.Logger) Option                 { return func(o *Options) { o.Logger = l } }
func WithMetrics(m metrics.Client) Option              { return func(o *Options) { o.Metrics = m } }
func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *Options) { o.TracerProvider = tp } }

// ApplyOptions folds opts onto a copy of DefaultOptions.
func ApplyOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNoopClient()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = trace.NewNoopTracerProvider()
	}
	return o
}

// Engine owns every process-wide component: the WAL, the coordinator
// registry, the lease manager, the task queue, and the dispatcher. One
// Engine corresponds to one data_dir.
type Engine struct {
	options Options

	wal        *wal.Service
	logical    *logicalclock.Clock
	queue      *queue.Queue
	leases     *lease.Manager
	registry   *coordinator.Registry
	dispatcher *dispatcher.Dispatcher
}

// New opens the WAL at options.DataDir and wires every other component
// around it. Call Close to release the WAL's file handles.
func New(opts ...Option) (*Engine, error) {
	options := ApplyOptions(opts...)

	tracer := options.TracerProvider.Tracer("github.com/axiom-workflow-engine/axiom")

	w, err := wal.Open(options.DataDir, options.SegmentMaxBytes,
		wal.WithLogger(options.Logger),
		wal.WithTracer(tracer),
		wal.WithFsync(options.FsyncOnWrite),
		wal.WithMetrics(options.Metrics),
	)
	if err != nil {
		return nil, err
	}

	c := clock.New()
	q := queue.New(c)
	leases := lease.NewManager(c)
	logical := logicalclock.New()

	registry := coordinator.NewRegistry(w, logical, nil, options.Logger, tracer, options.Metrics)

	disp := dispatcher.New(q, leases, dispatcher.NewCommitters(registry), c, options.LeaseDuration,
		dispatcher.WithLogger(options.Logger),
		dispatcher.WithTracer(tracer),
		dispatcher.WithMetrics(options.Metrics),
	)
	registry.SetScheduler(disp)

	return &Engine{
		options:    options,
		wal:        w,
		logical:    logical,
		queue:      q,
		leases:     leases,
		registry:   registry,
		dispatcher: disp,
	}, nil
}

// CreateWorkflow starts a new workflow: it registers a coordinator for
// workflowID, appends workflow_created, and immediately schedules the
// first runnable step.
func (e *Engine) CreateWorkflow(ctx context.Context, workflowID, name string, input map[string]any, steps []string) error {
	c, err := e.registry.GetOrCreate(ctx, workflowID)
	if err != nil {
		return err
	}

	if err := c.Create(ctx, name, input, steps); err != nil {
		return err
	}

	return c.Advance(ctx)
}

// GetWorkflowState returns the current derived state for workflowID.
func (e *Engine) GetWorkflowState(ctx context.Context, workflowID string) (statemachine.State, error) {
	c, err := e.registry.GetOrCreate(ctx, workflowID)
	if err != nil {
		return statemachine.State{}, err
	}
	return c.State(), nil
}

// CancelWorkflow appends workflow_cancelled for workflowID.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	c, err := e.registry.GetOrCreate(ctx, workflowID)
	if err != nil {
		return err
	}
	return c.Cancel(ctx)
}

// RetryStep re-schedules a step that failed retryably, per the operator-
// driven retry decision recorded in DESIGN.md.
func (e *Engine) RetryStep(ctx context.Context, workflowID, step string) error {
	c, err := e.registry.GetOrCreate(ctx, workflowID)
	if err != nil {
		return err
	}
	return c.Retry(ctx, step)
}

// Advance drives a workflow's state machine forward by one step after a
// worker reports a result — typically called right after ReportCompleted
// by whatever wraps the Dispatcher (a server handler, a test, cmd/axiomd).
func (e *Engine) Advance(ctx context.Context, workflowID string) error {
	c, err := e.registry.GetOrCreate(ctx, workflowID)
	if err != nil {
		return err
	}
	return c.Advance(ctx)
}

// NewWorkerRuntime builds a workerruntime.Runtime wired to this Engine's
// dispatcher, carrying over the engine-level WorkerPollInterval and
// StepExecutionTimeout config. Callers register step handlers on the
// returned Runtime before calling Start — this is purely a convenience
// for running a worker in the same process as the Engine; an
// out-of-process worker talks to the Dispatcher surface over whatever
// transport fronts it instead.
func (e *Engine) NewWorkerRuntime(workerID string, opts ...workerruntime.Option) *workerruntime.Runtime {
	base := []workerruntime.Option{
		workerruntime.WithPollInterval(e.options.WorkerPollInterval),
		workerruntime.WithStepExecutionTimeout(e.options.StepExecutionTimeout),
		workerruntime.WithLogger(e.options.Logger),
		workerruntime.WithMetrics(e.options.Metrics),
	}
	return workerruntime.New(workerID, e.dispatcher, append(base, opts...)...)
}

// Dispatcher exposes the worker-facing RequestTask/ReportCompleted/
// ReportFailed surface, so a worker runtime or transport layer (gRPC,
// HTTP, in-process) can be built directly against it.
func (e *Engine) Dispatcher() *dispatcher.Dispatcher {
	return e.dispatcher
}

// SweepExpiredLeases requeues tasks behind leases whose workers have
// gone silent. Callers run this on a timer sized to options.WorkerTimeout.
func (e *Engine) SweepExpiredLeases() {
	e.dispatcher.SweepExpiredLeases()
}

// Stats is a point-in-time observability snapshot, grounded in the
// teacher's backend.Stats / sqliteBackend.GetStats.
type Stats struct {
	ActiveWorkflows int
	QueueDepth      int
	PendingTasks    int
}

// GetStats returns a snapshot of engine-wide counters.
func (e *Engine) GetStats() Stats {
	return Stats{
		ActiveWorkflows: e.registry.Len(),
		QueueDepth:      e.queue.Depth(),
		PendingTasks:    len(e.queue.ListPending()),
	}
}

// Close releases the WAL's file handles.
func (e *Engine) Close() error {
	return e.wal.Close()
}
