package workerruntime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/axiom-workflow-engine/axiom/internal/dispatcher"
	"github.com/axiom-workflow-engine/axiom/internal/errs"
	"github.com/axiom-workflow-engine/axiom/internal/workerruntime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRequester hands out a fixed sequence of tasks and records reports,
// standing in for the full dispatcher/queue/lease wiring so the runtime
// can be tested in isolation.
type fakeRequester struct {
	mu        sync.Mutex
	tasks     []dispatcher.Task
	completed []string
	failed    []string
	retryable []bool
}

func (f *fakeRequester) RequestTask(ctx context.Context, workerID string) (*dispatcher.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return nil, errs.ErrNoTask
	}
	t := f.tasks[0]
	f.tasks = f.tasks[1:]
	return &t, nil
}

func (f *fakeRequester) ReportCompleted(ctx context.Context, task dispatcher.Task, result any, durationMs int64, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, task.TaskID)
	return nil
}

func (f *fakeRequester) ReportFailed(ctx context.Context, task dispatcher.Task, errMsg string, retryable bool, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, task.TaskID)
	f.retryable = append(f.retryable, retryable)
	return nil
}

func TestRuntime_HandlerSuccessReportsCompleted(t *testing.T) {
	fr := &fakeRequester{tasks: []dispatcher.Task{
		{TaskID: "t1", WorkflowID: "wf-1", Step: "only", Attempt: 1, LeaseID: "l1", FencingToken: 1},
	}}

	rt := workerruntime.New("worker-1", fr, workerruntime.WithPollInterval(time.Millisecond))
	rt.RegisterHandler("only", func(ctx context.Context, task dispatcher.Task) (any, error) {
		return "ok", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)

	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return len(fr.completed) == 1
	}, time.Second, time.Millisecond)

	cancel()
	rt.Stop()
	rt.WaitForCompletion()

	require.Equal(t, []string{"t1"}, fr.completed)
}

func TestRuntime_HandlerErrorReportsFailedNonRetryable(t *testing.T) {
	fr := &fakeRequester{tasks: []dispatcher.Task{
		{TaskID: "t1", WorkflowID: "wf-1", Step: "only", Attempt: 1, LeaseID: "l1", FencingToken: 1},
	}}

	rt := workerruntime.New("worker-1", fr, workerruntime.WithPollInterval(time.Millisecond))
	rt.RegisterHandler("only", func(ctx context.Context, task dispatcher.Task) (any, error) {
		return nil, errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)

	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return len(fr.failed) == 1
	}, time.Second, time.Millisecond)

	cancel()
	rt.Stop()
	rt.WaitForCompletion()

	require.Equal(t, []string{"t1"}, fr.failed)
	require.Equal(t, []bool{false}, fr.retryable)
}

func TestRuntime_RetryableHandlerErrorReportsRetryable(t *testing.T) {
	fr := &fakeRequester{tasks: []dispatcher.Task{
		{TaskID: "t1", WorkflowID: "wf-1", Step: "only", Attempt: 1, LeaseID: "l1", FencingToken: 1},
	}}

	rt := workerruntime.New("worker-1", fr, workerruntime.WithPollInterval(time.Millisecond))
	rt.RegisterHandler("only", func(ctx context.Context, task dispatcher.Task) (any, error) {
		return nil, workerruntime.Retryable(errors.New("transient"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)

	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return len(fr.failed) == 1
	}, time.Second, time.Millisecond)

	cancel()
	rt.Stop()
	rt.WaitForCompletion()

	require.Equal(t, []bool{true}, fr.retryable)
}

func TestRuntime_NoHandlerRegisteredReportsFailed(t *testing.T) {
	fr := &fakeRequester{tasks: []dispatcher.Task{
		{TaskID: "t1", WorkflowID: "wf-1", Step: "unknown-step", Attempt: 1, LeaseID: "l1", FencingToken: 1},
	}}

	rt := workerruntime.New("worker-1", fr, workerruntime.WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)

	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return len(fr.failed) == 1
	}, time.Second, time.Millisecond)

	cancel()
	rt.Stop()
	rt.WaitForCompletion()
}

func TestRuntime_StepExecutionTimeoutReportsRetryable(t *testing.T) {
	fr := &fakeRequester{tasks: []dispatcher.Task{
		{TaskID: "t1", WorkflowID: "wf-1", Step: "slow", Attempt: 1, LeaseID: "l1", FencingToken: 1},
	}}

	rt := workerruntime.New("worker-1", fr,
		workerruntime.WithPollInterval(time.Millisecond),
		workerruntime.WithStepExecutionTimeout(10*time.Millisecond),
	)
	rt.RegisterHandler("slow", func(ctx context.Context, task dispatcher.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)

	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return len(fr.failed) == 1
	}, time.Second, time.Millisecond)

	cancel()
	rt.Stop()
	rt.WaitForCompletion()

	require.Equal(t, []bool{true}, fr.retryable)
}
