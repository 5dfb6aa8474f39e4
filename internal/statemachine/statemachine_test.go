package statemachine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiom-workflow-engine/axiom/internal/event"
	"github.com/axiom-workflow-engine/axiom/internal/statemachine"
)

func seq(e event.Event, n int64) event.Event {
	e.Sequence = n
	return e
}

func TestHydrate_HappyPathSingleStep(t *testing.T) {
	events := []event.Event{
		seq(event.New("wf-1", event.TypeWorkflowCreated, 0, &event.WorkflowCreatedAttributes{
			Name: "flow_A", Input: map[string]any{"x": float64(1)}, Steps: []string{"s1"},
		}), 0),
		seq(event.New("wf-1", event.TypeStepScheduled, 1, &event.StepScheduledAttributes{Step: "s1", Attempt: 1}), 1),
		seq(event.New("wf-1", event.TypeStepCompleted, 2, &event.StepCompletedAttributes{Step: "s1", Result: true, DurationMs: 100}), 2),
		seq(event.New("wf-1", event.TypeWorkflowCompleted, 3, &event.WorkflowCompletedAttributes{Output: map[string]any{"completed_steps": []any{"s1"}}}), 3),
	}

	s := statemachine.Hydrate("wf-1", events)

	require.Equal(t, statemachine.StateCompleted, s.Overall)
	require.Equal(t, 4, s.Version)
	require.Equal(t, statemachine.StepCompleted, s.StepStates["s1"])
	require.True(t, statemachine.Terminal(s))
	require.True(t, statemachine.AllStepsCompleted(s))
}

func TestHydrate_OutOfOrderInputSortedBySequence(t *testing.T) {
	e0 := seq(event.New("wf-1", event.TypeWorkflowCreated, 0, &event.WorkflowCreatedAttributes{Steps: []string{"s1", "s2"}}), 0)
	e1 := seq(event.New("wf-1", event.TypeStepScheduled, 1, &event.StepScheduledAttributes{Step: "s1", Attempt: 1}), 1)

	s1 := statemachine.Hydrate("wf-1", []event.Event{e0, e1})
	s2 := statemachine.Hydrate("wf-1", []event.Event{e1, e0})

	require.Equal(t, s1, s2)
}

func TestNextRunnableStep(t *testing.T) {
	e0 := seq(event.New("wf-1", event.TypeWorkflowCreated, 0, &event.WorkflowCreatedAttributes{Steps: []string{"s1", "s2"}}), 0)
	s := statemachine.Hydrate("wf-1", []event.Event{e0})

	step, ok := statemachine.NextRunnableStep(s)
	require.True(t, ok)
	require.Equal(t, "s1", step)
}

func TestNextRunnableStep_NoneWhenTerminal(t *testing.T) {
	e0 := seq(event.New("wf-1", event.TypeWorkflowCreated, 0, &event.WorkflowCreatedAttributes{Steps: []string{"s1"}}), 0)
	e1 := seq(event.New("wf-1", event.TypeWorkflowCancelled, 1, &event.WorkflowCancelledAttributes{}), 1)

	s := statemachine.Hydrate("wf-1", []event.Event{e0, e1})

	_, ok := statemachine.NextRunnableStep(s)
	require.False(t, ok)
	require.True(t, statemachine.Terminal(s))
}

func TestApply_StepFailedRetryableGoesToWaiting(t *testing.T) {
	e0 := seq(event.New("wf-1", event.TypeWorkflowCreated, 0, &event.WorkflowCreatedAttributes{Steps: []string{"s1"}}), 0)
	e1 := seq(event.New("wf-1", event.TypeStepScheduled, 1, &event.StepScheduledAttributes{Step: "s1", Attempt: 1}), 1)
	e2 := seq(event.New("wf-1", event.TypeStepFailed, 2, &event.StepFailedAttributes{Step: "s1", Error: "boom", Retryable: true}), 2)

	s := statemachine.Hydrate("wf-1", []event.Event{e0, e1, e2})

	require.Equal(t, statemachine.StateWaiting, s.Overall)
	require.Equal(t, statemachine.StepFailed, s.StepStates["s1"])
	require.False(t, statemachine.Terminal(s))
}

func TestApply_StepFailedNonRetryableIsTerminal(t *testing.T) {
	e0 := seq(event.New("wf-1", event.TypeWorkflowCreated, 0, &event.WorkflowCreatedAttributes{Steps: []string{"s1"}}), 0)
	e1 := seq(event.New("wf-1", event.TypeStepScheduled, 1, &event.StepScheduledAttributes{Step: "s1", Attempt: 1}), 1)
	e2 := seq(event.New("wf-1", event.TypeStepFailed, 2, &event.StepFailedAttributes{Step: "s1", Error: "boom", Retryable: false}), 2)

	s := statemachine.Hydrate("wf-1", []event.Event{e0, e1, e2})

	require.Equal(t, statemachine.StateFailed, s.Overall)
	require.True(t, statemachine.Terminal(s))
}

func TestIdempotencyKeyExists(t *testing.T) {
	e0 := seq(event.New("wf-1", event.TypeWorkflowCreated, 0, &event.WorkflowCreatedAttributes{Steps: []string{"s1"}}), 0)
	e1 := seq(event.New("wf-1", event.TypeStepCompleted, 1, &event.StepCompletedAttributes{Step: "s1"},
		event.WithMetadata(event.MetadataIdempotencyKey, "k42")), 1)

	s := statemachine.Hydrate("wf-1", []event.Event{e0, e1})

	require.True(t, statemachine.IdempotencyKeyExists(s, "k42"))
	require.False(t, statemachine.IdempotencyKeyExists(s, "other"))
}

func TestApply_IsPure(t *testing.T) {
	e0 := seq(event.New("wf-1", event.TypeWorkflowCreated, 0, &event.WorkflowCreatedAttributes{Steps: []string{"s1"}}), 0)

	before := statemachine.State{}
	after1 := statemachine.Apply(before, e0)
	after2 := statemachine.Apply(before, e0)

	require.Equal(t, after1, after2)
	require.Equal(t, statemachine.State{}, before)
}
