// Package memrepo is an in-memory core.Repository: a development/reference
// fixture for running the coordinator without a real persistence backend
// wired up, the way internal/filetasksource stands in for a real
// core.TaskSource. Production deployments supply their own repository.
//
// It still enforces every repository-boundary invariant: monotone
// Execution status, atomic DequeueReady/Transition CAS, idempotent orphan
// recovery.
package memrepo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmill/corerunner/core"
)

// Repo is a single process-local store for Task, Execution, Job, and
// Schedule records, guarded by one mutex. Good enough for tests and a
// single-node demo; explicitly not a concurrency model for a real
// deployment.
type Repo struct {
	mu sync.Mutex

	tasks      map[int64]*core.Task
	tasksByRef map[core.TaskRef]int64
	nextTaskID int64

	execs      map[int64]*core.Execution
	nextExecID int64

	jobs      map[int64]*core.Job
	nextJobID int64

	schedules      map[int64]*core.Schedule
	nextScheduleID int64
}

// New returns an empty Repo.
func New() *Repo {
	return &Repo{
		tasks:      make(map[int64]*core.Task),
		tasksByRef: make(map[core.TaskRef]int64),
		execs:      make(map[int64]*core.Execution),
		jobs:       make(map[int64]*core.Job),
		schedules:  make(map[int64]*core.Schedule),
	}
}

func (r *Repo) Tasks() core.TaskRepository           { return (*taskRepo)(r) }
func (r *Repo) Executions() core.ExecutionRepository { return (*execRepo)(r) }
func (r *Repo) Jobs() core.JobRepository             { return (*jobRepo)(r) }
func (r *Repo) Schedules() core.ScheduleRepository   { return (*scheduleRepo)(r) }

// PutTask seeds a Task record directly (test/demo setup helper; not part
// of core.TaskRepository, which is read-only from this core's point of
// view).
func (r *Repo) PutTask(t *core.Task) *core.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextTaskID++
	t.ID = r.nextTaskID
	cp := *t
	r.tasks[cp.ID] = &cp
	r.tasksByRef[cp.SourceRef] = cp.ID
	out := cp
	return &out
}

// PutSchedule seeds a Schedule record directly (demo/test setup helper).
func (r *Repo) PutSchedule(s *core.Schedule) *core.Schedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextScheduleID++
	s.ID = r.nextScheduleID
	cp := *s
	r.schedules[cp.ID] = &cp
	out := cp
	return &out
}

type taskRepo Repo

func (r *taskRepo) FindByRef(ctx context.Context, ref core.TaskRef) (*core.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.tasksByRef[ref]
	if !ok {
		return nil, fmt.Errorf("memrepo: %w: ref %+v", core.ErrTaskNotFound, ref)
	}
	cp := *r.tasks[id]
	return &cp, nil
}

func (r *taskRepo) FindByID(ctx context.Context, id int64) (*core.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("memrepo: %w: id %d", core.ErrTaskNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (r *taskRepo) List(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Task
	for _, t := range r.tasks {
		if filter.Name != "" && t.Name != filter.Name {
			continue
		}
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type execRepo Repo

func (r *execRepo) Create(ctx context.Context, e core.NewExecution) (*core.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextExecID++
	id := r.nextExecID
	u, err := parseOrNewUUID(e.UUID)
	if err != nil {
		return nil, fmt.Errorf("memrepo: parse execution uuid: %w", err)
	}
	exec := &core.Execution{
		ID:       id,
		UUID:     u,
		TaskID:   e.TaskID,
		Status:   core.ExecutionPending,
		Input:    e.Input,
		QueuedAt: time.Now(),
	}
	r.execs[id] = exec
	cp := *exec
	return &cp, nil
}

// UpdateStatus enforces the monotone status invariant: a
// terminal execution never reverts, and a transition may not skip Running
// before reaching a terminal state for the first time.
func (r *execRepo) UpdateStatus(ctx context.Context, id int64, status core.ExecutionStatus, fields core.ExecutionUpdate) (*core.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.execs[id]
	if !ok {
		return nil, fmt.Errorf("memrepo: execution %d not found", id)
	}
	if exec.Status.Terminal() {
		return nil, fmt.Errorf("memrepo: execution %d is terminal (%s), cannot move to %s", id, exec.Status, status)
	}
	if status.Terminal() && exec.Status == core.ExecutionPending {
		return nil, fmt.Errorf("memrepo: execution %d cannot skip Running en route to %s", id, status)
	}
	if status == core.ExecutionPending && exec.Status != core.ExecutionPending {
		return nil, fmt.Errorf("memrepo: execution %d cannot move back from %s to %s", id, exec.Status, status)
	}

	exec.Status = status
	if fields.StartedAt != nil {
		exec.StartedAt = fields.StartedAt
	}
	if fields.CompletedAt != nil {
		exec.CompletedAt = fields.CompletedAt
		if exec.StartedAt != nil {
			d := fields.CompletedAt.Sub(*exec.StartedAt).Milliseconds()
			exec.DurationMS = &d
		}
	}
	if fields.Output != nil {
		exec.Output = fields.Output
	}
	if fields.Error != nil {
		exec.Error = fields.Error
	}
	if fields.Progress != nil {
		exec.Progress = fields.Progress
	}

	cp := *exec
	return &cp, nil
}

func (r *execRepo) FindByID(ctx context.Context, id int64) (*core.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[id]
	if !ok {
		return nil, fmt.Errorf("memrepo: execution %d not found", id)
	}
	cp := *exec
	return &cp, nil
}

type jobRepo Repo

func (r *jobRepo) Enqueue(ctx context.Context, j core.NewJob) (*core.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextJobID++
	id := r.nextJobID
	u, err := parseOrNewUUID(j.UUID)
	if err != nil {
		return nil, fmt.Errorf("memrepo: parse job uuid: %w", err)
	}
	job := &core.Job{
		ID:                 id,
		UUID:               u,
		TaskID:             j.TaskID,
		Input:              j.Input,
		Priority:           j.Priority,
		Status:             core.JobQueued,
		MaxRetries:         j.MaxRetries,
		ScheduledFor:       j.ScheduledFor,
		OutputDestinations: j.OutputDestinations,
	}
	r.jobs[id] = job
	cp := *job
	return &cp, nil
}

// DequeueReady selects ready jobs (priority desc, scheduled_for asc, id
// asc) and flips them to Processing in the same mutex-held pass, so no
// two callers can ever dequeue the same job.
func (r *jobRepo) DequeueReady(ctx context.Context, limit int, now time.Time) ([]*core.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	var candidates []*core.Job
	for _, j := range r.jobs {
		if (j.Status == core.JobQueued || j.Status == core.JobRetrying) && !j.ScheduledFor.After(now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.ScheduledFor.Before(b.ScheduledFor)
		}
		return a.ID < b.ID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*core.Job, len(candidates))
	for i, j := range candidates {
		j.Status = core.JobProcessing
		cp := *j
		out[i] = &cp
	}
	return out, nil
}

// Transition applies a CAS move from t.From to t.To, rejecting (and
// returning an error for) a job not currently in From — the repository's
// enforcement of the strictly ordered Queued -> Processing ->
// terminal|Retrying job lifecycle.
func (r *jobRepo) Transition(ctx context.Context, id int64, t core.JobTransition) (*core.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("memrepo: job %d not found", id)
	}
	if job.Status != t.From {
		return nil, fmt.Errorf("memrepo: job %d is %s, not %s: rejecting transition to %s", id, job.Status, t.From, t.To)
	}

	job.Status = t.To
	if t.Fields.RetryCount != nil {
		job.RetryCount = *t.Fields.RetryCount
	}
	if t.Fields.ScheduledFor != nil {
		job.ScheduledFor = *t.Fields.ScheduledFor
	}
	if t.Fields.ExecutionID != nil && job.ExecutionID == nil {
		job.ExecutionID = t.Fields.ExecutionID
	}
	if t.Fields.Error != nil {
		job.Error = t.Fields.Error
	}

	cp := *job
	return &cp, nil
}

// RecoverOrphans resets Processing jobs older than olderThan back to
// Queued, idempotently: a job already moved out of Processing by a prior
// call (or by a live dispatcher) is left alone.
func (r *jobRepo) RecoverOrphans(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, j := range r.jobs {
		if j.Status != core.JobProcessing {
			continue
		}
		if !j.ScheduledFor.Before(olderThan) {
			continue
		}
		j.Status = core.JobQueued
		j.RetryCount++
		n++
	}
	return n, nil
}

type scheduleRepo Repo

func (r *scheduleRepo) ListEnabled(ctx context.Context) ([]*core.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Schedule
	for _, s := range r.schedules {
		if !s.Enabled {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *scheduleRepo) UpdateRuns(ctx context.Context, id int64, lastRun, nextRun time.Time) (*core.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, fmt.Errorf("memrepo: schedule %d not found", id)
	}
	s.LastRun = &lastRun
	s.NextRun = &nextRun
	cp := *s
	return &cp, nil
}

// parseOrNewUUID parses s if non-empty, else mints a fresh uuid.UUID; the
// repository interface lets callers supply a pre-generated UUID (the
// scheduler and dispatcher both do, so Job.UUID is known before the
// repository call returns) but tolerates "" for ad-hoc test fixtures.
func parseOrNewUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(s)
}
