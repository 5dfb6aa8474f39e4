// Package statemachine implements the pure event-fold described in spec
// section 4.3: apply(state, event) -> state, plus hydrate, which folds a
// sorted event list from scratch. Nothing here performs I/O, generates an
// id, or reads the wall clock — the same purity discipline the teacher
// enforces on its own internal/core.state.WorkflowState transitions,
// generalized from "advance a deterministic replay" to "fold a durable
// event log."
package statemachine

import (
	"sort"

	"github.com/axiom-workflow-engine/axiom/internal/event"
)

// OverallState is the workflow's overall lifecycle state.
type OverallState string

const (
	StatePending   OverallState = "pending"
	StateRunning   OverallState = "running"
	StateWaiting   OverallState = "waiting"
	StateCompleted OverallState = "completed"
	StateFailed    OverallState = "failed"
	StateCancelled OverallState = "cancelled"
)

// StepState is a single step's state.
type StepState string

const (
	StepPending   StepState = "pending"
	StepScheduled StepState = "scheduled"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
)

// State is the derived workflow state. It is never stored directly —
// only the events that produce it are durable.
type State struct {
	WorkflowID        string
	Name              string
	Input             map[string]any
	Steps             []string
	StepStates        map[string]StepState
	StepErrors        map[string]string
	CurrentStepIndex  int
	Overall           OverallState
	Output            any
	Error             string
	Version           int
	ScheduledAttempts map[string]int // count of step_scheduled events per step, for attempt numbering
	idempotencyKeys   map[string]struct{}
}

// clone returns a deep-enough copy of s so Apply never mutates its input —
// callers that hold a reference to the prior state (e.g. for a failed
// WAL append) must keep seeing the old value.
func (s State) clone() State {
	ns := s
	ns.StepStates = cloneStepMap(s.StepStates)
	ns.StepErrors = cloneErrMap(s.StepErrors)
	ns.ScheduledAttempts = cloneIntMap(s.ScheduledAttempts)
	ns.idempotencyKeys = cloneKeySet(s.idempotencyKeys)
	ns.Steps = append([]string(nil), s.Steps...)
	return ns
}

func cloneStepMap(m map[string]StepState) map[string]StepState {
	out := make(map[string]StepState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneErrMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneKeySet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// Apply folds a single event into state, returning the new state. It is a
// pure function: same (state, event) in, same state out, always.
func Apply(s State, e event.Event) State {
	ns := s.clone()
	ns.Version++

	switch e.EventType {
	case event.TypeWorkflowCreated:
		attrs := e.Payload.(*event.WorkflowCreatedAttributes)
		ns.WorkflowID = e.WorkflowID
		ns.Name = attrs.Name
		ns.Input = attrs.Input
		ns.Steps = append([]string(nil), attrs.Steps...)
		ns.StepStates = make(map[string]StepState, len(attrs.Steps))
		ns.StepErrors = map[string]string{}
		ns.ScheduledAttempts = map[string]int{}
		ns.idempotencyKeys = map[string]struct{}{}
		for _, step := range attrs.Steps {
			ns.StepStates[step] = StepPending
		}
		ns.Overall = StatePending

	case event.TypeStepScheduled:
		attrs := e.Payload.(*event.StepScheduledAttributes)
		ns.StepStates[attrs.Step] = StepScheduled
		ns.ScheduledAttempts[attrs.Step] = attrs.Attempt
		ns.Overall = StateRunning

	case event.TypeStepStarted:
		attrs := e.Payload.(*event.StepStartedAttributes)
		ns.StepStates[attrs.Step] = StepRunning

	case event.TypeStepCompleted:
		attrs := e.Payload.(*event.StepCompletedAttributes)
		ns.StepStates[attrs.Step] = StepCompleted
		ns.CurrentStepIndex = indexOf(ns.Steps, attrs.Step) + 1
		if allCompleted(ns) {
			ns.Overall = StateWaiting
		} else {
			ns.Overall = StateRunning
		}

	case event.TypeStepFailed:
		attrs := e.Payload.(*event.StepFailedAttributes)
		ns.StepStates[attrs.Step] = StepFailed
		ns.StepErrors[attrs.Step] = attrs.Error
		if attrs.Retryable {
			ns.Overall = StateWaiting
		} else {
			ns.Overall = StateFailed
			ns.Error = attrs.Error
		}

	case event.TypeWorkflowCompleted:
		attrs := e.Payload.(*event.WorkflowCompletedAttributes)
		ns.Output = attrs.Output
		ns.Overall = StateCompleted

	case event.TypeWorkflowFailed:
		attrs := e.Payload.(*event.WorkflowFailedAttributes)
		ns.Error = attrs.Reason
		ns.Overall = StateFailed

	case event.TypeWorkflowCancelled:
		ns.Overall = StateCancelled
	}

	if key, ok := e.IdempotencyKey(); ok {
		ns.idempotencyKeys[key] = struct{}{}
	}

	return ns
}

// Hydrate folds events, sorted by Sequence, over a zero-value State.
func Hydrate(workflowID string, events []event.Event) State {
	sorted := append([]event.Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	s := State{WorkflowID: workflowID}
	for _, e := range sorted {
		s = Apply(s, e)
	}
	return s
}

// NextRunnableStep returns the first step still pending, when the overall
// state is non-terminal. The empty string and false are returned
// otherwise.
func NextRunnableStep(s State) (string, bool) {
	if Terminal(s) {
		return "", false
	}
	for _, step := range s.Steps {
		if s.StepStates[step] == StepPending {
			return step, true
		}
	}
	return "", false
}

// Terminal reports whether s's overall state admits no further events.
func Terminal(s State) bool {
	switch s.Overall {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// AllStepsCompleted reports whether every step has reached StepCompleted.
func AllStepsCompleted(s State) bool {
	return allCompleted(s)
}

func allCompleted(s State) bool {
	for _, step := range s.Steps {
		if s.StepStates[step] != StepCompleted {
			return false
		}
	}
	return len(s.Steps) > 0
}

// IdempotencyKeyExists reports whether any applied event carried this key.
func IdempotencyKeyExists(s State, key string) bool {
	_, ok := s.idempotencyKeys[key]
	return ok
}

// ScheduledAttempts returns how many times step has been scheduled so
// far — the coordinator uses this to number the next attempt.
func ScheduledAttempts(s State, step string) int {
	return s.ScheduledAttempts[step]
}

func indexOf(steps []string, step string) int {
	for i, s := range steps {
		if s == step {
			return i
		}
	}
	return -1
}
