// Package worker implements the worker-process side of the task execution
// core: a long-lived child that loads task JS, runs it single-threadedly
// against a goja runtime, and speaks the framed IPC protocol back to its
// coordinator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/taskmill/corerunner/core"
	"github.com/taskmill/corerunner/internal/corelog"
	"github.com/taskmill/corerunner/ipc"
)

// Config is a worker process's startup configuration.
type Config struct {
	WorkerID        string
	Source          core.TaskSource
	CacheSize       int
	Fetch           FetchConfig
	ValidateSchemas bool
}

// Engine runs one worker process's read-execute-respond loop against a
// single goja.Runtime and task cache. A worker is single-threaded: Run
// never invokes two tasks concurrently.
type Engine struct {
	cfg     Config
	log     *corelog.Logger
	runtime *goja.Runtime
	cache   *taskCache

	startedAt      time.Time
	tasksCompleted int64
}

// New builds an Engine: one goja.Runtime lives for the worker's whole
// life, with the host error constructors bound once. fetch is rebound
// fresh per invocation since it closes over per-execution recording state.
func New(cfg Config, log *corelog.Logger) (*Engine, error) {
	if log == nil {
		log = corelog.Discard()
	}
	if cfg.Source == nil {
		return nil, errors.New("worker: Config.Source is required")
	}

	runtime := goja.New()
	runtime.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := bindErrorConstructors(runtime); err != nil {
		return nil, fmt.Errorf("worker: bind error constructors: %w", err)
	}

	cache, err := newTaskCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("worker: new task cache: %w", err)
	}

	return &Engine{cfg: cfg, log: log, runtime: runtime, cache: cache, startedAt: time.Now()}, nil
}

// Run sends Ready, then loops read -> dispatch -> respond until the
// transport is exhausted or a Shutdown is processed. The returned error
// is nil on a clean Shutdown or transport close; non-nil errors indicate
// an IPC protocol violation.
func (e *Engine) Run(ctx context.Context, t *ipc.Transport) error {
	if _, err := t.SendRequest(ipc.Ready{
		WorkerID: e.cfg.WorkerID,
		Capabilities: map[string]string{
			"engine":           "goja",
			"validate_schemas": boolStr(e.cfg.ValidateSchemas),
			"cache_size":       fmt.Sprint(e.cfg.CacheSize),
		},
	}); err != nil {
		return fmt.Errorf("worker: send ready: %w", err)
	}

	for {
		corrID, msg, err := t.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, core.ErrChannelClosed) {
				return nil
			}
			return fmt.Errorf("worker: recv: %w", err)
		}

		switch m := msg.(type) {
		case ipc.ExecuteTask:
			resp := e.handleExecuteTask(ctx, m)
			if sendErr := t.Send(corrID, resp); sendErr != nil {
				return fmt.Errorf("worker: send response: %w", sendErr)
			}
		case ipc.ValidateTask:
			resp := e.handleValidateTask(ctx, m)
			if sendErr := t.Send(corrID, resp); sendErr != nil {
				return fmt.Errorf("worker: send response: %w", sendErr)
			}
		case ipc.HealthCheck:
			if sendErr := t.Send(corrID, e.healthStatus()); sendErr != nil {
				return fmt.Errorf("worker: send health status: %w", sendErr)
			}
		case ipc.Shutdown:
			return e.handleShutdown(ctx, m, t)
		default:
			e.log.Warning().Str("type", fmt.Sprintf("%T", msg)).Log("worker: unexpected message type")
		}
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (e *Engine) healthStatus() ipc.HealthStatus {
	return ipc.HealthStatus{
		Busy:           false, // Run is single-threaded; a HealthCheck is only ever read between tasks
		TasksCompleted: e.tasksCompleted,
		UptimeMS:       time.Since(e.startedAt).Milliseconds(),
	}
}

func (e *Engine) handleShutdown(ctx context.Context, m ipc.Shutdown, t *ipc.Transport) error {
	e.log.Debug().Str("worker_id", e.cfg.WorkerID).Log("worker: shutdown requested")
	if !m.Graceful {
		return nil
	}
	// Graceful: the loop has already finished any in-flight task (Run
	// processes one message at a time), so there is nothing further to
	// drain beyond the deadline's bookkeeping.
	_ = m.DeadlineMS
	return nil
}

// handleExecuteTask implements the invocation sequence's steps
// 1-4 in order: load, validate input, invoke, validate output.
func (e *Engine) handleExecuteTask(ctx context.Context, m ipc.ExecuteTask) ipc.Message {
	ref, err := parseTaskRef(m.TaskRef)
	if err != nil {
		return taskErrorMessage(core.NewTaskError(core.KindTaskNotFound, err.Error(), err), nil)
	}

	ct, err := e.loadTask(ctx, ref)
	if err != nil {
		return taskErrorMessage(core.AsTaskError(err), nil)
	}

	if err := ct.inputSchema.validate(m.Input); err != nil {
		return taskErrorMessage(core.NewTaskError(core.KindValidationError, err.Error(), err), nil)
	}

	inv := &invocationFetch{cfg: e.cfg.Fetch}
	if m.Context.TraceEnabled {
		inv.recorder = newHarRecorder()
	}
	if len(m.Context.ReplayHAR) > 0 {
		inv.replay = newHarReplay(m.Context.ReplayHAR)
	}
	if err := bindFetch(e.runtime, inv); err != nil {
		return taskErrorMessage(core.NewTaskError(core.KindExecutionError, err.Error(), err), nil)
	}

	result, err := ct.program.invoke(e.runtime, m.Input)
	if err != nil {
		return taskErrorMessage(core.AsTaskError(err), drainOrNil(inv.recorder))
	}

	if e.cfg.ValidateSchemas && ct.outputSchema != nil {
		if err := ct.outputSchema.validate(result); err != nil {
			return taskErrorMessage(core.NewTaskError(core.KindValidationError, err.Error(), err), drainOrNil(inv.recorder))
		}
	}

	e.tasksCompleted++
	return ipc.TaskResult{OK: result, HAR: drainOrNil(inv.recorder)}
}

func (e *Engine) handleValidateTask(ctx context.Context, m ipc.ValidateTask) ipc.Message {
	ref, err := parseTaskRef(m.TaskRef)
	if err != nil {
		return ipc.ValidationError{Message: err.Error()}
	}
	if _, err := e.loadTask(ctx, ref); err != nil {
		return ipc.ValidationError{Message: core.AsTaskError(err).Error()}
	}
	return ipc.ValidationResult{OK: true}
}

// loadTask resolves and compiles ref, consulting the cache first.
func (e *Engine) loadTask(ctx context.Context, ref core.TaskRef) (*compiledTask, error) {
	if ct, ok := e.cache.lookupByRef(ref); ok {
		return ct, nil
	}

	content, err := e.cfg.Source.Resolve(ctx, ref)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return nil, core.NewTaskError(core.KindTaskNotFound, err.Error(), err)
		}
		return nil, core.NewTaskError(core.KindLoadFailed, err.Error(), err)
	}

	fp := fingerprintOf(ref, content.Code)
	if ct, ok := e.cache.get(fp); ok {
		e.cache.rememberRef(ref, fp)
		return ct, nil
	}

	program, err := compileTaskCode(e.runtime, ref.UUID.String(), content.Code)
	if err != nil {
		return nil, core.NewTaskError(core.KindLoadFailed, err.Error(), err)
	}
	inputSchema, err := compileSchema(ref.UUID.String()+"#input", content.InputSchema)
	if err != nil {
		return nil, core.NewTaskError(core.KindLoadFailed, err.Error(), err)
	}
	outputSchema, err := compileSchema(ref.UUID.String()+"#output", content.OutputSchema)
	if err != nil {
		return nil, core.NewTaskError(core.KindLoadFailed, err.Error(), err)
	}

	ct := &compiledTask{
		ref:          ref,
		program:      program,
		inputSchema:  inputSchema,
		outputSchema: outputSchema,
	}
	e.cache.put(fp, ct)
	e.cache.rememberRef(ref, fp)
	return ct, nil
}

func parseTaskRef(w ipc.TaskRefWire) (core.TaskRef, error) {
	id, err := uuid.Parse(w.UUID)
	if err != nil {
		return core.TaskRef{}, fmt.Errorf("worker: parse task_ref.uuid: %w", err)
	}
	return core.TaskRef{UUID: id, Version: w.Version}, nil
}

func taskErrorMessage(te *core.TaskError, har []ipc.HarEntry) ipc.TaskError {
	return ipc.TaskError{Kind: te.Kind, Message: te.Message, Retriable: te.Retriable, HAR: har}
}

func drainOrNil(r *harRecorder) []ipc.HarEntry {
	if r == nil {
		return nil
	}
	return r.drain()
}
