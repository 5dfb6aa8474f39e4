package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/axiom-workflow-engine/axiom/internal/logicalclock"
	"github.com/axiom-workflow-engine/axiom/internal/wal"
	"github.com/axiom-workflow-engine/axiom/metrics"
)

// Registry locates the Coordinator owning a given workflow_id, creating
// one (hydrated from the WAL) on first access. Creation is racy-safe by
// compare-and-insert, per the architecture spec's design note: "A
// registry (hash map keyed by workflow_id) locates the coordinator for a
// workflow; creation is racy-safe by compare-and-insert."
type Registry struct {
	wal       *wal.Service
	logical   *logicalclock.Clock
	scheduler Scheduler
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   metrics.Client

	mu    sync.Mutex
	byID  map[string]*Coordinator
	build map[string]chan struct{} // in-flight construction barriers
}

// NewRegistry constructs a Registry. Every Coordinator it creates shares
// the same WAL service, logical clock, scheduler, and observability
// dependencies.
func NewRegistry(w *wal.Service, logical *logicalclock.Clock, scheduler Scheduler, logger *slog.Logger, tracer trace.Tracer, mclient metrics.Client) *Registry {
	return &Registry{
		wal:       w,
		logical:   logical,
		scheduler: scheduler,
		logger:    logger,
		tracer:    tracer,
		metrics:   mclient,
		byID:      map[string]*Coordinator{},
		build:     map[string]chan struct{}{},
	}
}

// GetOrCreate returns the Coordinator for workflowID, constructing and
// hydrating one if this is the first access. Concurrent callers racing on
// the same unseen workflowID block on a single hydrate; none observes a
// partially-built Coordinator.
func (r *Registry) GetOrCreate(ctx context.Context, workflowID string) (*Coordinator, error) {
	for {
		r.mu.Lock()
		if c, ok := r.byID[workflowID]; ok {
			r.mu.Unlock()
			return c, nil
		}
		if wait, building := r.build[workflowID]; building {
			r.mu.Unlock()
			<-wait
			continue
		}

		barrier := make(chan struct{})
		r.build[workflowID] = barrier
		r.mu.Unlock()

		c := New(workflowID, r.wal, r.logical, r.scheduler, r.logger, r.tracer, r.metrics)
		err := c.Hydrate(ctx)

		r.mu.Lock()
		if err == nil {
			r.byID[workflowID] = c
		}
		delete(r.build, workflowID)
		r.mu.Unlock()
		close(barrier)

		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// SetScheduler installs the Scheduler used by coordinators created from
// this point forward — it exists to break the construction-order cycle
// between a Registry and the Dispatcher that typically backs its
// Scheduler: build the Registry, build the Dispatcher from the
// Registry's Committers view, then wire it back with SetScheduler.
// Coordinators already constructed keep whatever scheduler they were
// built with.
func (r *Registry) SetScheduler(s Scheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduler = s
}

// Get returns the already-registered Coordinator for workflowID, if any.
func (r *Registry) Get(workflowID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[workflowID]
	return c, ok
}

// Register inserts a freshly Create()-d Coordinator so later GetOrCreate
// calls for the same workflowID reuse it instead of re-hydrating.
func (r *Registry) Register(c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.workflowID] = c
}

// Len reports how many coordinators the registry currently holds, for
// observability.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
