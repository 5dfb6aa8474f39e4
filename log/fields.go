// Package log defines the structured logging attribute keys shared across
// the engine's owners, so a WAL append and the coordinator transition it
// belongs to show up under matching keys in any slog handler.
package log

const (
	NamespaceKey = "axiom"

	WorkflowIDKey = NamespaceKey + ".workflow.id"
	StepKey       = NamespaceKey + ".step"
	AttemptKey    = NamespaceKey + ".attempt"

	EventTypeKey = NamespaceKey + ".event.type"
	EventIDKey   = NamespaceKey + ".event.id"
	SequenceKey  = NamespaceKey + ".sequence"

	SegmentIDKey = NamespaceKey + ".wal.segment_id"
	OffsetKey    = NamespaceKey + ".wal.offset"

	LeaseIDKey       = NamespaceKey + ".lease.id"
	FencingTokenKey  = NamespaceKey + ".lease.fencing_token"
	TaskIDKey        = NamespaceKey + ".task.id"
	WorkerIDKey      = NamespaceKey + ".worker.id"
	DurationMsKey    = NamespaceKey + ".duration_ms"
	IdempotencyKey   = NamespaceKey + ".idempotency_key"
)
