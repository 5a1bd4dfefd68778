package core

import (
	"context"
	"time"
)

// TaskRepository resolves and lists Task records. Implemented externally;
// this core only consumes it.
type TaskRepository interface {
	FindByRef(ctx context.Context, ref TaskRef) (*Task, error)
	// FindByID resolves the internal Task.ID a Job/Execution carries back
	// to its full record (including SourceRef, the TaskRef a dispatch
	// actually sends over IPC).
	FindByID(ctx context.Context, id int64) (*Task, error)
	List(ctx context.Context, filter TaskFilter) ([]*Task, error)
}

// TaskFilter narrows TaskRepository.List. Zero value matches everything.
type TaskFilter struct {
	Name    string
	Enabled *bool
}

// NewExecution is the set of fields supplied when recording a fresh
// execution; ID/QueuedAt are assigned by the repository.
type NewExecution struct {
	UUID   string
	TaskID int64
	Input  any
}

// ExecutionRepository persists Execution state transitions. It is
// responsible for enforcing the monotone status invariant:
// UpdateStatus must reject a transition that would move a terminal
// execution, or skip Running before a terminal state.
type ExecutionRepository interface {
	Create(ctx context.Context, e NewExecution) (*Execution, error)
	UpdateStatus(ctx context.Context, id int64, status ExecutionStatus, fields ExecutionUpdate) (*Execution, error)
	FindByID(ctx context.Context, id int64) (*Execution, error)
}

// ExecutionUpdate carries the optional fields set alongside a status
// transition (output, error, timestamps, progress). Only fields relevant
// to the target status need be set; the repository derives DurationMS.
type ExecutionUpdate struct {
	Output      any
	Error       *ExecutionError
	StartedAt   *time.Time
	CompletedAt *time.Time
	Progress    *Progress
}

// NewJob is the set of fields supplied when enqueuing.
type NewJob struct {
	UUID               string
	TaskID             int64
	Input              any
	Priority           Priority
	MaxRetries         int
	ScheduledFor       time.Time
	OutputDestinations []OutputDestination
}

// JobTransition names an expected (from -> to) status move; the repository
// must apply it atomically (CAS) and reject if the job is not currently
// in `From`.
type JobTransition struct {
	From   JobStatus
	To     JobStatus
	Fields JobUpdate
}

// JobUpdate carries the optional fields set alongside a job transition.
type JobUpdate struct {
	RetryCount   *int
	ScheduledFor *time.Time
	ExecutionID  *int64
	Error        *ExecutionError
}

// JobRepository persists Job state. DequeueReady and Transition must be
// atomic at the repository boundary.
type JobRepository interface {
	Enqueue(ctx context.Context, j NewJob) (*Job, error)
	// DequeueReady returns up to limit jobs with status in
	// {Queued, Retrying} and ScheduledFor <= now, ordered by
	// (priority desc, scheduled_for asc, id asc), atomically transitioning
	// each returned job to Processing.
	DequeueReady(ctx context.Context, limit int, now time.Time) ([]*Job, error)
	Transition(ctx context.Context, id int64, t JobTransition) (*Job, error)
	// RecoverOrphans resets Processing jobs older than olderThan back to
	// Queued with RetryCount incremented, treated as WorkerCrashed.
	// Returns the number of jobs reset. Idempotent: a second call with no
	// new orphans returns 0.
	RecoverOrphans(ctx context.Context, olderThan time.Time) (int, error)
}

// ScheduleRepository persists Schedule state.
type ScheduleRepository interface {
	ListEnabled(ctx context.Context) ([]*Schedule, error)
	UpdateRuns(ctx context.Context, id int64, lastRun, nextRun time.Time) (*Schedule, error)
}

// Repository aggregates the four repositories this core requires.
type Repository interface {
	Tasks() TaskRepository
	Executions() ExecutionRepository
	Jobs() JobRepository
	Schedules() ScheduleRepository
}

// TaskContent is what a TaskSource resolves a TaskRef to.
type TaskContent struct {
	Code         string
	InputSchema  []byte
	OutputSchema []byte
	Metadata     map[string]string
}

// TaskSource resolves task content on a worker cache miss.
// Failures map to TaskNotFound or LoadFailed by the caller.
type TaskSource interface {
	Resolve(ctx context.Context, ref TaskRef) (*TaskContent, error)
}
