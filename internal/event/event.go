// Package event defines the canonical event envelope — the universal unit
// of durable state change flowing through the WAL, the state machine, and
// the coordinator. Nothing in this package performs I/O.
package event

import "github.com/google/uuid"

// Type is the closed enumeration of event kinds the engine ever appends.
type Type string

const (
	TypeWorkflowCreated   Type = "workflow_created"
	TypeStepScheduled     Type = "step_scheduled"
	TypeStepStarted       Type = "step_started"
	TypeStepCompleted     Type = "step_completed"
	TypeStepFailed        Type = "step_failed"
	TypeWorkflowCompleted Type = "workflow_completed"
	TypeWorkflowFailed    Type = "workflow_failed"
	TypeWorkflowCancelled Type = "workflow_cancelled"
)

// SchemaVersion tracks the current, monotonic schema_version emitted for
// each event type. Bump the entry when a payload shape changes in a
// backward-incompatible way; DeserializeAttributes dispatches purely on
// Type, so older readers only need to understand fields that still exist.
var SchemaVersion = map[Type]int{
	TypeWorkflowCreated:   1,
	TypeStepScheduled:     1,
	TypeStepStarted:       1,
	TypeStepCompleted:     1,
	TypeStepFailed:        1,
	TypeWorkflowCompleted: 1,
	TypeWorkflowFailed:    1,
	TypeWorkflowCancelled: 1,
}

// MetadataIdempotencyKey is the metadata map key carrying the derived
// idempotency fingerprint on commit-class events (step_completed,
// step_failed).
const MetadataIdempotencyKey = "idempotency_key"

// Event is the durable envelope. Payload holds the event-type-specific
// fields (see the Attributes types in payloads.go); Metadata is a
// non-semantic string map, the only place business-meaning idempotency
// keys are allowed to live.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     Type              `json:"event_type"`
	SchemaVersion int               `json:"schema_version"`
	WorkflowID    string            `json:"workflow_id"`
	Sequence      int64             `json:"sequence"`
	CausationID   string            `json:"causation_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     int64             `json:"timestamp"`
	Payload       any               `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Option mutates an Event at construction time.
type Option func(*Event)

func WithCausationID(id string) Option {
	return func(e *Event) { e.CausationID = id }
}

func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

func WithMetadata(key, value string) Option {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = map[string]string{}
		}
		e.Metadata[key] = value
	}
}

// New builds an Event with a fresh event_id and the current schema version
// for typ. The caller is responsible for setting Sequence before it is
// handed to the WAL — sequence assignment is the coordinator's job, not
// this constructor's, since it depends on the workflow's current version.
func New(workflowID string, typ Type, timestamp int64, payload any, opts ...Option) Event {
	e := Event{
		EventID:       uuid.NewString(),
		EventType:     typ,
		SchemaVersion: SchemaVersion[typ],
		WorkflowID:    workflowID,
		Timestamp:     timestamp,
		Payload:       payload,
	}

	for _, opt := range opts {
		opt(&e)
	}

	return e
}

// IdempotencyKey returns the metadata idempotency key carried by the
// event, if any.
func (e Event) IdempotencyKey() (string, bool) {
	if e.Metadata == nil {
		return "", false
	}
	k, ok := e.Metadata[MetadataIdempotencyKey]
	return k, ok
}

// IsTerminal reports whether this event type ends a workflow's history.
func (e Event) IsTerminal() bool {
	switch e.EventType {
	case TypeWorkflowCompleted, TypeWorkflowFailed, TypeWorkflowCancelled:
		return true
	default:
		return false
	}
}
