package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmill/corerunner/core"
	"github.com/taskmill/corerunner/internal/config"
	"github.com/taskmill/corerunner/internal/corelog"
	"github.com/taskmill/corerunner/ipc"
	"github.com/taskmill/corerunner/pool"
)

// Executor is the subset of *pool.Pool the dispatcher needs; a narrow
// interface so tests can substitute a fake without spinning up real worker
// subprocesses.
type Executor interface {
	Execute(ctx context.Context, ref core.TaskRef, input any, execCtx ipc.ExecContext, onProgress func(ipc.Progress)) pool.Result
	Cancel(executionID string) bool
}

// Deliverer fans a finished Execution out to a Job's OutputDestinations.
// Implemented by the delivery package; the dispatcher only needs to kick
// it off, not wait on it.
type Deliverer interface {
	Deliver(ctx context.Context, task *core.Task, job *core.Job, exec *core.Execution)
}

// Dispatcher is the drain half of the job queue: it pulls ready Jobs,
// submits them to the pool, and applies the result.
type Dispatcher struct {
	jobs      core.JobRepository
	tasks     core.TaskRepository
	execs     core.ExecutionRepository
	pool      Executor
	deliverer Deliverer
	cfg       config.QueueConfig
	log       *corelog.Logger

	mu       sync.Mutex
	inflight map[int64]string // job ID -> execution UUID, while dispatched
}

func NewDispatcher(jobs core.JobRepository, tasks core.TaskRepository, execs core.ExecutionRepository, p Executor, deliverer Deliverer, cfg config.QueueConfig, log *corelog.Logger) *Dispatcher {
	if log == nil {
		log = corelog.Discard()
	}
	return &Dispatcher{
		jobs:      jobs,
		tasks:     tasks,
		execs:     execs,
		pool:      p,
		deliverer: deliverer,
		cfg:       cfg,
		log:       log,
		inflight:  make(map[int64]string),
	}
}

// Run recovers orphaned Processing jobs once at startup, then ticks
// dispatch at cfg.DispatchTickInterval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.cfg.OrphanTimeout > 0 {
		n, err := d.jobs.RecoverOrphans(ctx, time.Now().Add(-d.cfg.OrphanTimeout))
		if err != nil {
			d.log.Err().Err(err).Log("dispatcher: recover orphans")
		} else if n > 0 {
			d.log.Info().Int("count", n).Log("dispatcher: recovered orphaned jobs")
		}
	}

	interval := d.cfg.DispatchTickInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	batchSize := d.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	jobs, err := d.jobs.DequeueReady(ctx, batchSize, time.Now())
	if err != nil {
		d.log.Err().Err(err).Log("dispatcher: dequeue ready")
		return
	}

	for _, job := range jobs {
		d.process(ctx, job)
	}
}

// Cancel cancels a job wherever it currently is: a running invocation is
// cancelled through the pool (its Execute return path then finishes the
// job as Cancelled), a waiting job transitions straight to Cancelled
// without dispatch.
func (d *Dispatcher) Cancel(ctx context.Context, jobID int64) error {
	d.mu.Lock()
	execID, running := d.inflight[jobID]
	d.mu.Unlock()

	if running && d.pool.Cancel(execID) {
		return nil
	}
	if _, err := d.jobs.Transition(ctx, jobID, core.JobTransition{From: core.JobQueued, To: core.JobCancelled}); err == nil {
		return nil
	}
	_, err := d.jobs.Transition(ctx, jobID, core.JobTransition{From: core.JobRetrying, To: core.JobCancelled})
	return err
}

// process runs one dequeued (now Processing) Job to completion and applies
// its outcome: completed, failed, retried, cancelled, or reverted to
// Queued on ExecutorBusy.
func (d *Dispatcher) process(ctx context.Context, job *core.Job) {
	task, err := d.tasks.FindByID(ctx, job.TaskID)
	if err != nil {
		d.failWithoutExecution(ctx, job, core.NewTaskError(core.KindTaskNotFound, err.Error(), err))
		return
	}

	exec, err := d.execs.Create(ctx, core.NewExecution{UUID: uuid.NewString(), TaskID: job.TaskID, Input: job.Input})
	if err != nil {
		d.log.Err().Err(err).Log("dispatcher: create execution record")
		d.revertToQueued(ctx, job)
		return
	}

	d.mu.Lock()
	d.inflight[job.ID] = exec.UUID.String()
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, job.ID)
		d.mu.Unlock()
	}()

	startedAt := time.Now()
	if _, err := d.execs.UpdateStatus(ctx, exec.ID, core.ExecutionRunning, core.ExecutionUpdate{StartedAt: &startedAt}); err != nil {
		d.log.Err().Err(err).Log("dispatcher: mark execution running")
	}

	result := d.pool.Execute(ctx, task.SourceRef, job.Input, ipc.ExecContext{
		ExecutionID: exec.UUID.String(),
		JobID:       job.UUID.String(),
		TimeoutMS:   d.executionTimeout().Milliseconds(),
	}, func(p ipc.Progress) {
		prog := &core.Progress{Pct: p.Pct, Step: p.Step, Note: p.Note}
		if _, err := d.execs.UpdateStatus(ctx, exec.ID, core.ExecutionRunning, core.ExecutionUpdate{Progress: prog}); err != nil {
			d.log.Debug().Err(err).Log("dispatcher: record progress")
		}
	})
	completedAt := time.Now()

	if result.Err != nil && result.Err.Kind == core.KindExecutorBusy {
		// The invocation never ran; void the execution record and put the
		// job back with scheduled_for untouched.
		if _, err := d.execs.UpdateStatus(ctx, exec.ID, core.ExecutionCancelled, core.ExecutionUpdate{CompletedAt: &completedAt}); err != nil {
			d.log.Err().Err(err).Log("dispatcher: void execution on busy pool")
		}
		d.revertToQueued(ctx, job)
		return
	}

	if result.Err == nil {
		if _, err := d.execs.UpdateStatus(ctx, exec.ID, core.ExecutionCompleted, core.ExecutionUpdate{
			Output:      result.Output,
			CompletedAt: &completedAt,
		}); err != nil {
			d.log.Err().Err(err).Log("dispatcher: update execution completed")
		}
		d.finishJob(ctx, task, job, exec.ID, core.JobCompleted, nil)
		return
	}

	if result.Err.Kind == core.KindCancelled {
		if _, err := d.execs.UpdateStatus(ctx, exec.ID, core.ExecutionCancelled, core.ExecutionUpdate{CompletedAt: &completedAt}); err != nil {
			d.log.Err().Err(err).Log("dispatcher: update execution cancelled")
		}
		d.finishJob(ctx, task, job, exec.ID, core.JobCancelled, nil)
		return
	}

	if result.Err.Kind == core.KindLoadFailed && task.RetryOnLoadFailure {
		// LoadFailed is retriable only by explicit per-task opt-in.
		result.Err.Retriable = true
	}

	d.handleFailure(ctx, task, job, exec, result.Err, completedAt)
}

func (d *Dispatcher) handleFailure(ctx context.Context, task *core.Task, job *core.Job, exec *core.Execution, te *core.TaskError, completedAt time.Time) {
	execErr := &core.ExecutionError{Kind: te.Kind, Message: te.Message, Retriable: te.Retriable, OccurredAt: completedAt}

	if _, err := d.execs.UpdateStatus(ctx, exec.ID, core.ExecutionFailed, core.ExecutionUpdate{
		Error:       execErr,
		CompletedAt: &completedAt,
	}); err != nil {
		d.log.Err().Err(err).Log("dispatcher: update execution failed")
	}

	if te.Retriable && job.RetryCount < job.MaxRetries {
		retryCount := job.RetryCount + 1
		scheduledFor := time.Now().Add(backoff(retryCount, d.cfg.RetryDelaySeconds, d.cfg.MaxRetryDelaySeconds))
		if _, err := d.jobs.Transition(ctx, job.ID, core.JobTransition{
			From: core.JobProcessing,
			To:   core.JobRetrying,
			Fields: core.JobUpdate{
				RetryCount:   &retryCount,
				ScheduledFor: &scheduledFor,
				Error:        execErr,
			},
		}); err != nil {
			d.log.Err().Err(err).Log("dispatcher: transition to retrying")
		}
		return
	}

	d.finishJob(ctx, task, job, exec.ID, core.JobFailed, execErr)
}

// finishJob applies a terminal job transition and kicks off delivery; a
// Failed job is still delivered unless a destination opts out via
// OnFailure.
func (d *Dispatcher) finishJob(ctx context.Context, task *core.Task, job *core.Job, execID int64, status core.JobStatus, execErr *core.ExecutionError) {
	updated, err := d.jobs.Transition(ctx, job.ID, core.JobTransition{
		From: core.JobProcessing,
		To:   status,
		Fields: core.JobUpdate{
			ExecutionID: &execID,
			Error:       execErr,
		},
	})
	if err != nil {
		d.log.Err().Err(err).Log("dispatcher: terminal transition")
		return
	}

	if d.deliverer == nil || len(updated.OutputDestinations) == 0 {
		return
	}
	exec, err := d.execs.FindByID(ctx, execID)
	if err != nil {
		d.log.Err().Err(err).Log("dispatcher: reload execution for delivery")
		return
	}
	d.deliverer.Deliver(ctx, task, updated, exec)
}

// failWithoutExecution handles a failure that occurs before any Execution
// could be created (task resolution itself failed).
func (d *Dispatcher) failWithoutExecution(ctx context.Context, job *core.Job, te *core.TaskError) {
	execErr := &core.ExecutionError{Kind: te.Kind, Message: te.Message, Retriable: te.Retriable, OccurredAt: time.Now()}
	if _, err := d.jobs.Transition(ctx, job.ID, core.JobTransition{
		From:   core.JobProcessing,
		To:     core.JobFailed,
		Fields: core.JobUpdate{Error: execErr},
	}); err != nil {
		d.log.Err().Err(err).Log("dispatcher: transition to failed (no execution)")
	}
}

// revertToQueued undoes the repository's speculative Processing
// transition when the pool had no capacity, leaving scheduled_for
// untouched so the job simply retries on the next tick.
func (d *Dispatcher) revertToQueued(ctx context.Context, job *core.Job) {
	if _, err := d.jobs.Transition(ctx, job.ID, core.JobTransition{
		From: core.JobProcessing,
		To:   core.JobQueued,
	}); err != nil {
		d.log.Err().Err(err).Log("dispatcher: revert to queued")
	}
}

func (d *Dispatcher) executionTimeout() time.Duration {
	if d.cfg.ExecutionTimeout > 0 {
		return d.cfg.ExecutionTimeout
	}
	return 30 * time.Second
}
