// Command worker is the task execution core's worker subprocess: it
// speaks framed IPC over
// stdin/stdout and runs task JS single-threadedly against goja.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/logiface"
	"github.com/taskmill/corerunner/internal/config"
	"github.com/taskmill/corerunner/internal/corelog"
	"github.com/taskmill/corerunner/internal/filetasksource"
	"github.com/taskmill/corerunner/ipc"
	"github.com/taskmill/corerunner/worker"
)

func main() {
	var (
		taskDir         = flag.String("task-dir", "", "filesystem task source root (dev/reference adapter)")
		validateSchemas = flag.Bool("validate-schemas", true, "validate task output against its output schema")
		configPath      = flag.String("config", "", "optional YAML config file")
	)
	flag.Parse()

	workerID := os.Getenv("TASKCORE_WORKER_ID")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", os.Getpid())
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: load config:", err)
		os.Exit(1)
	}

	log := corelog.New(os.Stderr, logiface.LevelInformational)

	if *taskDir == "" {
		fmt.Fprintln(os.Stderr, "worker: -task-dir is required")
		os.Exit(1)
	}
	source := filetasksource.New(*taskDir)

	engine, err := worker.New(worker.Config{
		WorkerID:        workerID,
		Source:          source,
		CacheSize:       worker.DefaultCacheSize,
		Fetch:           worker.FetchConfig{Timeout: 0, MaxRedirects: 5},
		ValidateSchemas: *validateSchemas,
	}, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: init engine:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	transport := ipc.New(os.Stdin, os.Stdout, nil, cfg.IPC.MaxFrameBytes)
	defer transport.Close()

	if err := engine.Run(ctx, transport); err != nil {
		log.Err().Str("worker_id", workerID).Err(err).Log("worker: fatal IPC error")
		os.Exit(2)
	}
}
