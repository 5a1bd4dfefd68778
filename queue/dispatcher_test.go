package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/taskmill/corerunner/core"
	"github.com/taskmill/corerunner/internal/config"
	"github.com/taskmill/corerunner/internal/memrepo"
	"github.com/taskmill/corerunner/ipc"
	"github.com/taskmill/corerunner/pool"
)

// fakeExecutor answers every Execute call with a pre-scripted pool.Result,
// optionally pushing progress frames first.
type fakeExecutor struct {
	result    pool.Result
	progress  []ipc.Progress
	execCtxs  []ipc.ExecContext
	cancelled []string
}

func (f *fakeExecutor) Execute(ctx context.Context, ref core.TaskRef, input any, execCtx ipc.ExecContext, onProgress func(ipc.Progress)) pool.Result {
	f.execCtxs = append(f.execCtxs, execCtx)
	if onProgress != nil {
		for _, p := range f.progress {
			onProgress(p)
		}
	}
	return f.result
}

func (f *fakeExecutor) Cancel(executionID string) bool {
	f.cancelled = append(f.cancelled, executionID)
	return true
}

// fakeDeliverer records every call it receives.
type fakeDeliverer struct {
	calls []*core.Job
	tasks []*core.Task
}

func (f *fakeDeliverer) Deliver(ctx context.Context, task *core.Task, job *core.Job, exec *core.Execution) {
	f.calls = append(f.calls, job)
	f.tasks = append(f.tasks, task)
}

func seedTaskAndJob(t *testing.T, repo *memrepo.Repo, dests []core.OutputDestination) *core.Job {
	t.Helper()
	task := repo.PutTask(&core.Task{Name: "addition", Enabled: true, SourceRef: core.TaskRef{Version: 1}})
	job, err := repo.Jobs().Enqueue(context.Background(), core.NewJob{
		TaskID:             task.ID,
		Priority:           core.PriorityNormal,
		MaxRetries:         2,
		ScheduledFor:       time.Now().Add(-time.Second),
		OutputDestinations: dests,
	})
	require.NoError(t, err)
	dequeued, err := repo.Jobs().DequeueReady(context.Background(), 1, time.Now())
	require.NoError(t, err)
	require.Len(t, dequeued, 1)
	require.Equal(t, job.ID, dequeued[0].ID)
	return dequeued[0]
}

// TestDispatcherProcessCompletesJob covers the happy path: a successful
// execution completes the job and triggers delivery.
func TestDispatcherProcessCompletesJob(t *testing.T) {
	repo := memrepo.New()
	job := seedTaskAndJob(t, repo, []core.OutputDestination{{OnFailure: true}})
	exec := &fakeExecutor{result: pool.Result{Output: map[string]any{"sum": float64(15)}}}
	deliverer := &fakeDeliverer{}

	d := NewDispatcher(repo.Jobs(), repo.Tasks(), repo.Executions(), exec, deliverer, config.QueueConfig{}, nil)
	d.process(context.Background(), job)

	got, err := repo.Jobs().Transition(context.Background(), job.ID, core.JobTransition{From: core.JobCompleted, To: core.JobCompleted})
	require.NoError(t, err)
	require.Equal(t, core.JobCompleted, got.Status)
	require.Len(t, deliverer.calls, 1)
}

// TestDispatcherRetriesRetriableFailure covers the retry path: a
// retriable failure under the retry budget moves the job to Retrying with
// an incremented retry count and a future scheduled_for.
func TestDispatcherRetriesRetriableFailure(t *testing.T) {
	repo := memrepo.New()
	job := seedTaskAndJob(t, repo, nil)
	exec := &fakeExecutor{result: pool.Result{Err: core.NewTaskError(core.KindNetworkError, "dial failed", nil)}}

	d := NewDispatcher(repo.Jobs(), repo.Tasks(), repo.Executions(), exec, nil, config.QueueConfig{RetryDelaySeconds: 1, MaxRetryDelaySeconds: 60}, nil)
	before := time.Now()
	d.process(context.Background(), job)

	stored, err := repo.Jobs().Transition(context.Background(), job.ID, core.JobTransition{From: core.JobRetrying, To: core.JobRetrying})
	require.NoError(t, err)
	require.Equal(t, core.JobRetrying, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
	require.True(t, stored.ScheduledFor.After(before))
}

// TestDispatcherFailsNonRetriableExhaustsBudget covers both a
// non-retriable error and a retriable one that has exhausted MaxRetries:
// both terminate the job as Failed.
func TestDispatcherFailsNonRetriableExhaustsBudget(t *testing.T) {
	repo := memrepo.New()
	job := seedTaskAndJob(t, repo, []core.OutputDestination{{OnFailure: true}})
	exec := &fakeExecutor{result: pool.Result{Err: core.NewTaskError(core.KindValidationError, "bad schema", nil)}}
	deliverer := &fakeDeliverer{}

	d := NewDispatcher(repo.Jobs(), repo.Tasks(), repo.Executions(), exec, deliverer, config.QueueConfig{}, nil)
	d.process(context.Background(), job)

	stored, err := repo.Jobs().Transition(context.Background(), job.ID, core.JobTransition{From: core.JobFailed, To: core.JobFailed})
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, stored.Status)
	require.Len(t, deliverer.calls, 1, "a Failed job is still delivered by default")

	repo2 := memrepo.New()
	exhausted := seedTaskAndJob(t, repo2, nil)
	exhausted.RetryCount = exhausted.MaxRetries
	retriable := &fakeExecutor{result: pool.Result{Err: core.NewTaskError(core.KindNetworkError, "dial failed", nil)}}

	d2 := NewDispatcher(repo2.Jobs(), repo2.Tasks(), repo2.Executions(), retriable, nil, config.QueueConfig{}, nil)
	d2.process(context.Background(), exhausted)

	stored2, err := repo2.Jobs().Transition(context.Background(), exhausted.ID, core.JobTransition{From: core.JobFailed, To: core.JobFailed})
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, stored2.Status)
}

// TestDispatcherRevertsToQueuedOnExecutorBusy covers ExecutorBusy
// handling: the job is put back to Queued untouched, and the
// never-dispatched execution record is voided to Cancelled.
func TestDispatcherRevertsToQueuedOnExecutorBusy(t *testing.T) {
	repo := memrepo.New()
	job := seedTaskAndJob(t, repo, nil)
	exec := &fakeExecutor{result: pool.Result{Err: core.NewTaskError(core.KindExecutorBusy, "queue full", nil)}}

	d := NewDispatcher(repo.Jobs(), repo.Tasks(), repo.Executions(), exec, nil, config.QueueConfig{}, nil)
	d.process(context.Background(), job)

	stored, err := repo.Jobs().Transition(context.Background(), job.ID, core.JobTransition{From: core.JobQueued, To: core.JobQueued})
	require.NoError(t, err)
	require.Equal(t, core.JobQueued, stored.Status)
	require.Nil(t, stored.ExecutionID)

	voided, err := repo.Executions().FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, core.ExecutionCancelled, voided.Status)
}

// TestDispatcherRecordsExecutionLifecycle pins the Execution record's
// monotone path on success: Pending -> Running (started_at set) ->
// Completed (completed_at, output, derived duration), with the job's
// execution_id set exactly once at the terminal transition and the task
// record handed to the deliverer.
func TestDispatcherRecordsExecutionLifecycle(t *testing.T) {
	repo := memrepo.New()
	job := seedTaskAndJob(t, repo, []core.OutputDestination{{OnFailure: true}})
	exec := &fakeExecutor{result: pool.Result{Output: map[string]any{"sum": float64(15)}}}
	deliverer := &fakeDeliverer{}

	d := NewDispatcher(repo.Jobs(), repo.Tasks(), repo.Executions(), exec, deliverer, config.QueueConfig{}, nil)
	d.process(context.Background(), job)

	stored, err := repo.Executions().FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, core.ExecutionCompleted, stored.Status)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.DurationMS)
	require.Equal(t, map[string]any{"sum": float64(15)}, stored.Output)

	gotJob, err := repo.Jobs().Transition(context.Background(), job.ID, core.JobTransition{From: core.JobCompleted, To: core.JobCompleted})
	require.NoError(t, err)
	require.NotNil(t, gotJob.ExecutionID)
	require.Equal(t, stored.ID, *gotJob.ExecutionID)

	require.Len(t, exec.execCtxs, 1)
	require.Equal(t, stored.UUID.String(), exec.execCtxs[0].ExecutionID)

	require.Len(t, deliverer.tasks, 1)
	require.Equal(t, "addition", deliverer.tasks[0].Name)
}

// TestDispatcherRecordsProgress verifies Progress frames pushed mid-flight
// land on the Execution record while it is Running.
func TestDispatcherRecordsProgress(t *testing.T) {
	repo := memrepo.New()
	job := seedTaskAndJob(t, repo, nil)
	half := 0.5
	exec := &fakeExecutor{
		result:   pool.Result{Output: "done"},
		progress: []ipc.Progress{{Pct: &half, Step: "halfway"}},
	}

	d := NewDispatcher(repo.Jobs(), repo.Tasks(), repo.Executions(), exec, nil, config.QueueConfig{}, nil)
	d.process(context.Background(), job)

	stored, err := repo.Executions().FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, stored.Progress)
	require.Equal(t, "halfway", stored.Progress.Step)
	require.NotNil(t, stored.Progress.Pct)
	require.Equal(t, half, *stored.Progress.Pct)
}

// TestDispatcherLoadFailedRetriesOnlyByOptIn: LoadFailed is non-retriable
// unless the task opts in.
func TestDispatcherLoadFailedRetriesOnlyByOptIn(t *testing.T) {
	for _, optIn := range []bool{false, true} {
		repo := memrepo.New()
		task := repo.PutTask(&core.Task{Name: "flaky-source", Enabled: true, RetryOnLoadFailure: optIn, SourceRef: core.TaskRef{Version: 1}})
		job, err := repo.Jobs().Enqueue(context.Background(), core.NewJob{TaskID: task.ID, MaxRetries: 2, ScheduledFor: time.Now().Add(-time.Second)})
		require.NoError(t, err)
		dequeued, err := repo.Jobs().DequeueReady(context.Background(), 1, time.Now())
		require.NoError(t, err)
		require.Len(t, dequeued, 1)

		exec := &fakeExecutor{result: pool.Result{Err: core.NewTaskError(core.KindLoadFailed, "source unavailable", nil)}}
		d := NewDispatcher(repo.Jobs(), repo.Tasks(), repo.Executions(), exec, nil, config.QueueConfig{RetryDelaySeconds: 1}, nil)
		d.process(context.Background(), dequeued[0])

		want := core.JobFailed
		if optIn {
			want = core.JobRetrying
		}
		stored, err := repo.Jobs().Transition(context.Background(), job.ID, core.JobTransition{From: want, To: want})
		require.NoError(t, err)
		require.Equal(t, want, stored.Status)
	}
}

// TestDispatcherCancelQueuedJob verifies cancelling a job still in
// Queued transitions it directly to Cancelled without dispatch.
func TestDispatcherCancelQueuedJob(t *testing.T) {
	repo := memrepo.New()
	task := repo.PutTask(&core.Task{Name: "addition", Enabled: true, SourceRef: core.TaskRef{Version: 1}})
	job, err := repo.Jobs().Enqueue(context.Background(), core.NewJob{TaskID: task.ID, ScheduledFor: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	d := NewDispatcher(repo.Jobs(), repo.Tasks(), repo.Executions(), &fakeExecutor{}, nil, config.QueueConfig{}, nil)
	require.NoError(t, d.Cancel(context.Background(), job.ID))

	stored, err := repo.Jobs().Transition(context.Background(), job.ID, core.JobTransition{From: core.JobCancelled, To: core.JobCancelled})
	require.NoError(t, err)
	require.Equal(t, core.JobCancelled, stored.Status)
}

// TestDispatcherCancelledOutcomeTerminatesJob verifies a Cancelled result
// from the pool finishes both the execution and the job as Cancelled, with
// no retry despite remaining budget.
func TestDispatcherCancelledOutcomeTerminatesJob(t *testing.T) {
	repo := memrepo.New()
	job := seedTaskAndJob(t, repo, nil)
	exec := &fakeExecutor{result: pool.Result{Err: core.NewTaskError(core.KindCancelled, "cancelled while running", nil)}}

	d := NewDispatcher(repo.Jobs(), repo.Tasks(), repo.Executions(), exec, nil, config.QueueConfig{}, nil)
	d.process(context.Background(), job)

	storedJob, err := repo.Jobs().Transition(context.Background(), job.ID, core.JobTransition{From: core.JobCancelled, To: core.JobCancelled})
	require.NoError(t, err)
	require.Equal(t, core.JobCancelled, storedJob.Status)

	storedExec, err := repo.Executions().FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, core.ExecutionCancelled, storedExec.Status)
}

// TestDispatcherFailWithoutExecutionOnUnknownTask covers task resolution
// failing before any Execution can be created.
func TestDispatcherFailWithoutExecutionOnUnknownTask(t *testing.T) {
	repo := memrepo.New()
	job, err := repo.Jobs().Enqueue(context.Background(), core.NewJob{TaskID: 999, ScheduledFor: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	dequeued, err := repo.Jobs().DequeueReady(context.Background(), 1, time.Now())
	require.NoError(t, err)
	require.Len(t, dequeued, 1)

	d := NewDispatcher(repo.Jobs(), repo.Tasks(), repo.Executions(), &fakeExecutor{}, nil, config.QueueConfig{}, nil)
	d.process(context.Background(), dequeued[0])

	stored, err := repo.Jobs().Transition(context.Background(), job.ID, core.JobTransition{From: core.JobFailed, To: core.JobFailed})
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, stored.Status)
	require.Equal(t, core.KindTaskNotFound, stored.Error.Kind)
}
