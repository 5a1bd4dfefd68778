// Package queue implements the job dispatcher and cron scheduler: two
// cooperating loops that produce and
// drain Jobs respectively.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/taskmill/corerunner/core"
	"github.com/taskmill/corerunner/internal/config"
	"github.com/taskmill/corerunner/internal/corelog"
)

// cronParser accepts both the standard 5-field form and a 6-field form
// with a leading seconds field.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler owns Schedules: for each enabled one, it keeps next_run
// advancing and fires a Job when due.
type Scheduler struct {
	schedules  core.ScheduleRepository
	jobs       core.JobRepository
	cfg        config.SchedulerConfig
	maxRetries int
	log        *corelog.Logger
}

func NewScheduler(schedules core.ScheduleRepository, jobs core.JobRepository, cfg config.SchedulerConfig, maxRetries int, log *corelog.Logger) *Scheduler {
	if log == nil {
		log = corelog.Discard()
	}
	return &Scheduler{schedules: schedules, jobs: jobs, cfg: cfg, maxRetries: maxRetries, log: log}
}

// Run ticks at cfg.TickInterval (default 1s) until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		s.log.Err().Err(err).Log("scheduler: list enabled schedules")
		return
	}

	now := time.Now()
	for _, sched := range schedules {
		if sched.NextRun != nil && sched.NextRun.After(now) {
			continue
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.log.Err().Str("schedule_id", fmt.Sprint(sched.ID)).Err(err).Log("scheduler: fire")
		}
	}
}

// fire computes the schedule's next firing after now — collapsing any
// number of missed occurrences during downtime into exactly one Job —
// writes (last_run, next_run), and enqueues the Job.
func (s *Scheduler) fire(ctx context.Context, sched *core.Schedule, now time.Time) error {
	loc, err := resolveLocation(sched.Timezone)
	if err != nil {
		return fmt.Errorf("resolve timezone %q: %w", sched.Timezone, err)
	}

	schedule, err := cronParser.Parse(sched.Cron)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", sched.Cron, err)
	}

	next := schedule.Next(now.In(loc))

	if _, err := s.schedules.UpdateRuns(ctx, sched.ID, now, next); err != nil {
		return fmt.Errorf("update runs: %w", err)
	}

	_, err = s.jobs.Enqueue(ctx, core.NewJob{
		UUID:               uuid.NewString(),
		TaskID:             sched.TaskID,
		Input:              sched.Input,
		Priority:           core.PriorityNormal,
		MaxRetries:         s.maxRetries,
		ScheduledFor:       now,
		OutputDestinations: sched.OutputDestinations,
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func resolveLocation(tz string) (*time.Location, error) {
	if tz == "" || tz == "local" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
