package wal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/axiom-workflow-engine/axiom/internal/event"
	"github.com/axiom-workflow-engine/axiom/internal/wal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEvent(workflowID string, seq int64, typ event.Type, payload any) event.Event {
	e := event.New(workflowID, typ, int64(seq), payload)
	e.Sequence = seq
	return e
}

func TestService_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	svc, err := wal.Open(dir, 0)
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()

	e0 := newEvent("wf-1", 0, event.TypeWorkflowCreated, &event.WorkflowCreatedAttributes{Name: "flow", Steps: []string{"s1"}})
	_, err = svc.Append(ctx, e0)
	require.NoError(t, err)

	e1 := newEvent("wf-1", 1, event.TypeStepScheduled, &event.StepScheduledAttributes{Step: "s1", Attempt: 1})
	offset, err := svc.Append(ctx, e1)
	require.NoError(t, err)
	require.Equal(t, svc.CurrentOffset(), offset)

	events, err := svc.Replay("wf-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(0), events[0].Sequence)
	require.Equal(t, int64(1), events[1].Sequence)
}

func TestService_ReplayFiltersByWorkflow(t *testing.T) {
	dir := t.TempDir()

	svc, err := wal.Open(dir, 0)
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	_, err = svc.Append(ctx, newEvent("wf-1", 0, event.TypeWorkflowCreated, &event.WorkflowCreatedAttributes{Steps: []string{"s1"}}))
	require.NoError(t, err)
	_, err = svc.Append(ctx, newEvent("wf-2", 0, event.TypeWorkflowCreated, &event.WorkflowCreatedAttributes{Steps: []string{"s1"}}))
	require.NoError(t, err)

	events, err := svc.Replay("wf-2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "wf-2", events[0].WorkflowID)
}

func TestService_RotatesWhenSegmentFull(t *testing.T) {
	dir := t.TempDir()

	// A tiny max size forces rotation after the first entry.
	svc, err := wal.Open(dir, 40)
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		_, err = svc.Append(ctx, newEvent("wf-1", i, event.TypeStepScheduled, &event.StepScheduledAttributes{Step: "s1", Attempt: int(i) + 1}))
		require.NoError(t, err)
	}

	events, err := svc.Replay("wf-1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		require.Equal(t, int64(i), e.Sequence)
	}
}

func TestService_ReopenAfterRestartPreservesOffsetAndHistory(t *testing.T) {
	dir := t.TempDir()

	svc, err := wal.Open(dir, 64)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Append(ctx, newEvent("wf-1", 0, event.TypeWorkflowCreated, &event.WorkflowCreatedAttributes{Steps: []string{"s1"}}))
	require.NoError(t, err)
	offsetBefore := svc.CurrentOffset()
	require.NoError(t, svc.Close())

	reopened, err := wal.Open(dir, 64)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, offsetBefore, reopened.CurrentOffset())

	events, err := reopened.Replay("wf-1")
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = reopened.Append(ctx, newEvent("wf-1", 1, event.TypeStepScheduled, &event.StepScheduledAttributes{Step: "s1", Attempt: 1}))
	require.NoError(t, err)

	events, err = reopened.Replay("wf-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestService_SubscribeReceivesAfterAppend(t *testing.T) {
	dir := t.TempDir()

	svc, err := wal.Open(dir, 0)
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifications := svc.Subscribe(ctx, 4)

	_, err = svc.Append(context.Background(), newEvent("wf-1", 0, event.TypeWorkflowCreated, &event.WorkflowCreatedAttributes{Steps: []string{"s1"}}))
	require.NoError(t, err)

	select {
	case n := <-notifications:
		require.Equal(t, "wf-1", n.Event.WorkflowID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestService_SubscribePrunedOnContextDone(t *testing.T) {
	dir := t.TempDir()

	svc, err := wal.Open(dir, 0)
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	notifications := svc.Subscribe(ctx, 4)
	cancel()

	require.Eventually(t, func() bool {
		_, ok := <-notifications
		return !ok
	}, time.Second, 10*time.Millisecond)
}
