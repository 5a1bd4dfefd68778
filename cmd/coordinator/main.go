// Command coordinator runs the task execution core's coordinator process:
// the worker pool, job dispatcher, cron scheduler, and output delivery
// fanout, wired against an in-memory repository and filesystem task
// source. Production deployments swap
// internal/memrepo for a real core.Repository and
// internal/filetasksource for their own core.TaskSource — both are
// out-of-scope external collaborators this core only consumes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/logiface"
	"github.com/taskmill/corerunner/delivery"
	"github.com/taskmill/corerunner/internal/config"
	"github.com/taskmill/corerunner/internal/corelog"
	"github.com/taskmill/corerunner/internal/memrepo"
	"github.com/taskmill/corerunner/pool"
	"github.com/taskmill/corerunner/queue"
)

func main() {
	var (
		workerExecutable = flag.String("worker-executable", "", "path to the worker subprocess binary")
		taskDir          = flag.String("task-dir", "", "filesystem task source root, passed through to each worker")
		configPath       = flag.String("config", "", "optional YAML config file")
	)
	flag.Parse()

	if *workerExecutable == "" {
		fmt.Fprintln(os.Stderr, "coordinator: -worker-executable is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coordinator: load config:", err)
		os.Exit(1)
	}
	cfg.Pool.WorkerExecutable = *workerExecutable

	log := corelog.New(os.Stderr, logiface.LevelInformational)
	repo := memrepo.New()

	var workerArgs []string
	if *taskDir != "" {
		workerArgs = []string{"-task-dir", *taskDir}
	}
	spawner := pool.DefaultSpawner(cfg.Pool.WorkerExecutable, workerArgs, cfg.IPC.MaxFrameBytes)

	p := pool.New(cfg.Pool, spawner, log)
	defer p.Close()

	fanout := delivery.New(cfg.Delivery, nil, func(jobID, execID int64, a delivery.Attempt) {
		log.Debug().Int64("job_id", jobID).Int64("execution_id", execID).Str("state", string(a.State)).Log("coordinator: delivery attempt")
	}, log)
	defer fanout.Close()

	dispatcher := queue.NewDispatcher(repo.Jobs(), repo.Tasks(), repo.Executions(), p, fanout, cfg.Queue, log)
	scheduler := queue.NewScheduler(repo.Schedules(), repo.Jobs(), cfg.Scheduler, cfg.Queue.DefaultMaxRetries, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- dispatcher.Run(ctx) }()
	go func() { errCh <- scheduler.Run(ctx) }()

	<-ctx.Done()
	log.Info().Log("coordinator: shutting down")
	for i := 0; i < 2; i++ {
		<-errCh
	}
}
