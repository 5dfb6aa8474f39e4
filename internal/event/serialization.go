package event

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// UnmarshalJSON decodes the envelope, then re-decodes Payload into the
// concrete attributes type for EventType — the same deferred-attributes
// trick the teacher's history package uses for its own Event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := &struct {
		Payload json.RawMessage `json:"payload"`
		*alias
	}{
		alias: (*alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return errors.Wrap(err, "decoding event envelope")
	}

	payload, err := DeserializeAttributes(e.EventType, aux.Payload)
	if err != nil {
		return err
	}

	e.Payload = payload

	return nil
}

// Serialize renders an Event to its canonical, self-describing wire bytes.
// This is the payload that gets framed into a WAL entry by the wal
// package — deterministic and replay-independent of the writing process.
func Serialize(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "serializing event")
	}
	return b, nil
}

// Deserialize is the inverse of Serialize.
func Deserialize(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, errors.Wrap(err, "deserializing event")
	}
	return e, nil
}

// DeserializeAttributes decodes raw JSON into the concrete payload type
// for the given event Type. Unknown types are an error: the enumeration
// in spec section 3 is closed.
func DeserializeAttributes(typ Type, raw json.RawMessage) (any, error) {
	var attr any

	switch typ {
	case TypeWorkflowCreated:
		attr = &WorkflowCreatedAttributes{}
	case TypeStepScheduled:
		attr = &StepScheduledAttributes{}
	case TypeStepStarted:
		attr = &StepStartedAttributes{}
	case TypeStepCompleted:
		attr = &StepCompletedAttributes{}
	case TypeStepFailed:
		attr = &StepFailedAttributes{}
	case TypeWorkflowCompleted:
		attr = &WorkflowCompletedAttributes{}
	case TypeWorkflowFailed:
		attr = &WorkflowFailedAttributes{}
	case TypeWorkflowCancelled:
		attr = &WorkflowCancelledAttributes{}
	default:
		return nil, errors.Errorf("unknown event type %q when deserializing payload", typ)
	}

	if len(raw) == 0 {
		return attr, nil
	}

	if err := json.Unmarshal(raw, attr); err != nil {
		return nil, errors.Wrapf(err, "decoding payload for event type %q", typ)
	}

	return attr, nil
}
