// Package pool implements the Worker Pool / Executor: it owns a set of
// worker subprocesses, load-balances dispatch across them, tracks
// in-flight correlation ids, and handles timeouts, crashes, and health
// checks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"
	"github.com/taskmill/corerunner/core"
	"github.com/taskmill/corerunner/internal/config"
	"github.com/taskmill/corerunner/internal/corelog"
	"github.com/taskmill/corerunner/ipc"
)

// State is a worker's lifecycle state.
type State string

const (
	StateStarting   State = "starting"
	StateIdle       State = "idle"
	StateBusy       State = "busy"
	StateRestarting State = "restarting"
	StateDead       State = "dead"
)

// ErrQueueFull is returned (wrapped in an ExecutorBusy TaskError) when the
// in-memory dispatch queue is at max_pending.
var ErrQueueFull = errors.New("pool: dispatch queue full")

// Spawner starts a worker subprocess and returns its transport. The
// default implementation (DefaultSpawner) runs cfg.WorkerExecutable via
// os/exec; tests supply a fake.
type Spawner func(ctx context.Context, workerID string) (*ipc.Transport, Handle, error)

// Handle is whatever the Spawner needs to force-terminate a worker; the
// default spawner's Handle wraps an *os.Process.
type Handle interface {
	Kill() error
	Wait() error
}

// Result is what Execute returns: either Output (success) or Err (a
// *core.TaskError), never both.
type Result struct {
	Output any
	HAR    []ipc.HarEntry
	Err    *core.TaskError
}

// request is one queued or in-flight dispatch.
type request struct {
	ref        core.TaskRef
	input      any
	execCtx    ipc.ExecContext
	reply      chan Result
	queued     time.Time
	onProgress func(ipc.Progress)
}

// Pool owns N worker slots and a FIFO overflow queue.
type Pool struct {
	cfg     config.PoolConfig
	spawner Spawner
	log     *corelog.Logger
	limiter *catrate.Limiter

	mu      sync.Mutex
	slots   []*slot
	pending map[uuid.UUID]*pendingCall
	queue   []*request

	closed    chan struct{}
	closeOnce sync.Once
}

type pendingCall struct {
	req      *request
	slot     *slot
	deadline time.Time
	timer    *time.Timer
}

// New constructs a Pool and starts WorkerCount slots (0 resolves to
// runtime.NumCPU()).
func New(cfg config.PoolConfig, spawner Spawner, log *corelog.Logger) *Pool {
	if log == nil {
		log = corelog.Discard()
	}
	n := cfg.WorkerCount
	if n <= 0 {
		n = numCPU()
	}

	p := &Pool{
		cfg:     cfg,
		spawner: spawner,
		log:     log,
		limiter: catrate.NewLimiter(map[time.Duration]int{cfg.RestartWindow: cfg.MaxRestartAttempts}),
		pending: make(map[uuid.UUID]*pendingCall),
		closed:  make(chan struct{}),
	}

	p.slots = make([]*slot, n)
	for i := range p.slots {
		p.slots[i] = newSlot(i, p)
	}
	for _, s := range p.slots {
		s.start(context.Background())
	}

	go p.healthCheckLoop()

	return p
}

// Execute dispatches (task_ref, input) to an Idle worker (or queues it),
// and blocks until a TaskResult/TaskError arrives, the context deadline
// passes, or the queue overflows. onProgress, if non-nil, is invoked for
// every Progress frame the worker pushes while this invocation is in
// flight; it must not block.
func (p *Pool) Execute(ctx context.Context, ref core.TaskRef, input any, execCtx ipc.ExecContext, onProgress func(ipc.Progress)) Result {
	req := &request{ref: ref, input: input, execCtx: execCtx, reply: make(chan Result, 1), queued: time.Now(), onProgress: onProgress}

	if err := p.submit(req); err != nil {
		return Result{Err: core.NewTaskError(core.KindExecutorBusy, err.Error(), err)}
	}

	select {
	case res := <-req.reply:
		return res
	case <-ctx.Done():
		p.cancelRequest(req)
		return Result{Err: core.NewTaskError(core.KindCancelled, ctx.Err().Error(), ctx.Err())}
	}
}

// submit picks an Idle slot via the default load-balancing strategy, or
// enqueues req FIFO if none is available, bounded by max_pending.
func (p *Pool) submit(req *request) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s := p.pickIdleLocked(); s != nil {
		p.dispatchLocked(s, req)
		return nil
	}

	if len(p.queue) >= p.cfg.MaxPending {
		return ErrQueueFull
	}
	p.queue = append(p.queue, req)
	return nil
}

// pickIdleLocked implements the default selection strategy: least-loaded
// (minimum total_tasks) with tie-break by least-recently-used (oldest
// last_activity). Callers must hold p.mu.
func (p *Pool) pickIdleLocked() *slot {
	var best *slot
	for _, s := range p.slots {
		s.mu.Lock()
		state := s.state
		totalTasks := s.totalTasks
		lastActivity := s.lastActivity
		s.mu.Unlock()

		if state != StateIdle {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		best.mu.Lock()
		bestTotal, bestActivity := best.totalTasks, best.lastActivity
		best.mu.Unlock()
		if totalTasks < bestTotal || (totalTasks == bestTotal && lastActivity.Before(bestActivity)) {
			best = s
		}
	}
	return best
}

// dispatchLocked sends req to s, recording the pending correlation.
// Callers must hold p.mu.
func (p *Pool) dispatchLocked(s *slot, req *request) {
	corrID := uuid.New()

	s.mu.Lock()
	s.state = StateBusy
	s.correlationID = corrID
	s.busySince = time.Now()
	transport := s.transport
	s.mu.Unlock()

	deadline := time.Now().Add(dispatchTimeout(req.execCtx))
	pc := &pendingCall{req: req, slot: s, deadline: deadline}
	pc.timer = time.AfterFunc(time.Until(deadline), func() { p.onTimeout(corrID) })
	p.pending[corrID] = pc

	if err := transport.Send(corrID, ipc.ExecuteTask{
		TaskRef: ipc.TaskRefWire{UUID: req.ref.UUID.String(), Version: req.ref.Version},
		Input:   req.input,
		Context: req.execCtx,
	}); err != nil {
		delete(p.pending, corrID)
		pc.timer.Stop()
		go p.onWorkerDead(s, fmt.Errorf("pool: send ExecuteTask: %w", err))
		req.reply <- Result{Err: core.NewTaskError(core.KindWorkerCrashed, err.Error(), err)}
	}
}

func dispatchTimeout(ec ipc.ExecContext) time.Duration {
	if ec.TimeoutMS > 0 {
		return time.Duration(ec.TimeoutMS) * time.Millisecond
	}
	return 30 * time.Second
}

// onResponse is called by a slot's read loop when a TaskResult/TaskError
// response is received for a pending correlation.
func (p *Pool) onResponse(corrID uuid.UUID, msg ipc.Message) {
	p.mu.Lock()
	pc, ok := p.pending[corrID]
	if ok {
		delete(p.pending, corrID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	pc.timer.Stop()

	s := pc.slot
	s.mu.Lock()
	s.totalTasks++
	s.lastActivity = time.Now()
	s.lastTaskDurationMS = time.Since(s.busySince).Milliseconds()
	switch v := msg.(type) {
	case ipc.TaskError:
		s.totalFailures++
		kind := v.Kind
		switch kind {
		case core.KindValidationError, core.KindTaskNotFound, core.KindLoadFailed, core.KindExecutionError,
			core.KindNetworkError, core.KindTimeout, core.KindWorkerCrashed, core.KindCancelled,
			core.KindExecutorBusy, core.KindTemplateError, core.KindDeliveryError, core.KindRepositoryError:
		default:
			kind = core.KindExecutionError
		}
		pc.req.reply <- Result{Err: &core.TaskError{Kind: kind, Message: v.Message, Retriable: v.Retriable}, HAR: v.HAR}
	case ipc.TaskResult:
		pc.req.reply <- Result{Output: v.OK, HAR: v.HAR}
	default:
		s.totalFailures++
		pc.req.reply <- Result{Err: core.NewTaskError(core.KindExecutionError, fmt.Sprintf("pool: unexpected response type %T", msg), nil)}
	}
	s.state = StateIdle
	s.correlationID = uuid.Nil
	s.mu.Unlock()

	p.drainQueue()
}

// onProgress routes a Progress frame to the in-flight request it belongs
// to. Unsolicited pushes use a sender-generated id, so the slot's current
// correlation id (not the frame's) identifies the invocation.
func (p *Pool) onProgress(s *slot, prog ipc.Progress) {
	s.mu.Lock()
	corrID := s.correlationID
	s.mu.Unlock()
	if corrID == uuid.Nil {
		return
	}

	p.mu.Lock()
	pc, ok := p.pending[corrID]
	p.mu.Unlock()
	if ok && pc.req.onProgress != nil {
		pc.req.onProgress(prog)
	}
}

// onTimeout force-kills the worker handling corrID and delivers a Timeout
// error.
func (p *Pool) onTimeout(corrID uuid.UUID) {
	p.mu.Lock()
	pc, ok := p.pending[corrID]
	if ok {
		delete(p.pending, corrID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.log.Warning().Str("correlation_id", corrID.String()).Log("pool: dispatch timeout, force-killing worker")
	pc.slot.forceKill()
	pc.req.reply <- Result{Err: core.NewTaskError(core.KindTimeout, "execution deadline exceeded", nil)}
	p.restartSlot(pc.slot)
}

// Cancel cancels the invocation carrying executionID in its ExecContext,
// whether it is still queued or already running. Cancellation is
// cooperative up to the IPC boundary: the reply slot is closed promptly
// with Cancelled, and a running worker — single-threaded, so unable to
// yield mid-task — is force-killed and restarted. Returns false if no
// such invocation is queued or in flight.
func (p *Pool) Cancel(executionID string) bool {
	p.mu.Lock()
	for i, q := range p.queue {
		if q.execCtx.ExecutionID == executionID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.mu.Unlock()
			q.reply <- Result{Err: core.NewTaskError(core.KindCancelled, "cancelled before dispatch", nil)}
			return true
		}
	}
	var pc *pendingCall
	for id, c := range p.pending {
		if c.req.execCtx.ExecutionID == executionID {
			pc = c
			delete(p.pending, id)
			break
		}
	}
	p.mu.Unlock()

	if pc == nil {
		return false
	}
	pc.timer.Stop()
	pc.req.reply <- Result{Err: core.NewTaskError(core.KindCancelled, "cancelled while running", nil)}
	pc.slot.forceKill()
	p.restartSlot(pc.slot)
	return true
}

// cancelRequest handles a caller-side context cancellation for a request
// that may still be queued or already dispatched.
func (p *Pool) cancelRequest(req *request) {
	p.mu.Lock()
	for i, q := range p.queue {
		if q == req {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	var corrID uuid.UUID
	var pc *pendingCall
	for id, c := range p.pending {
		if c.req == req {
			corrID, pc = id, c
			break
		}
	}
	if pc != nil {
		delete(p.pending, corrID)
	}
	p.mu.Unlock()

	if pc == nil {
		return
	}
	pc.timer.Stop()
	pc.slot.forceKill()
	p.restartSlot(pc.slot)
}

// onWorkerDead handles a slot whose transport failed: read error, process
// exit, stall, or two missed health checks.
func (p *Pool) onWorkerDead(s *slot, cause error) {
	s.mu.Lock()
	s.state = StateDead
	corrID := s.correlationID
	s.mu.Unlock()

	p.log.Err().Str("worker_id", s.id()).Err(cause).Log("pool: worker dead")

	if corrID != uuid.Nil {
		p.mu.Lock()
		pc, ok := p.pending[corrID]
		if ok {
			delete(p.pending, corrID)
		}
		p.mu.Unlock()
		if ok {
			pc.timer.Stop()
			pc.req.reply <- Result{Err: core.NewTaskError(core.KindWorkerCrashed, cause.Error(), cause)}
		}
	}

	p.restartSlot(s)
}

// restartSlot respawns s after an exponential backoff, bounded by
// max_restart_delay and gated by the rolling-window restart-attempt
// limiter.
func (p *Pool) restartSlot(s *slot) {
	s.mu.Lock()
	if s.restartPending {
		// A force-kill tears the transport down, so the read loop's
		// onWorkerDead lands here a second time for the same crash.
		s.mu.Unlock()
		return
	}
	s.restartPending = true
	s.state = StateRestarting
	attempt := s.restartAttempts
	s.mu.Unlock()

	if !p.cfg.RestartOnCrash {
		s.mu.Lock()
		s.state = StateDead
		s.mu.Unlock()
		return
	}

	if _, ok := p.limiter.Allow(s.id()); !ok {
		p.log.Err().Str("worker_id", s.id()).Log("pool: restart ceiling exceeded, leaving worker dead")
		s.mu.Lock()
		s.state = StateDead
		s.mu.Unlock()
		return
	}

	delay := backoffDelay(attempt, p.cfg.MaxRestartDelay)
	time.AfterFunc(delay, func() {
		select {
		case <-p.closed:
			return
		default:
		}
		s.mu.Lock()
		s.restartAttempts++
		s.restartPending = false
		s.mu.Unlock()
		s.start(context.Background())
	})
}

func backoffDelay(attempt int, max time.Duration) time.Duration {
	d := time.Second << attempt
	if d <= 0 || d > max {
		d = max
	}
	return d
}

// drainQueue dispatches as many queued requests as there are Idle slots.
func (p *Pool) drainQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 {
		s := p.pickIdleLocked()
		if s == nil {
			return
		}
		req := p.queue[0]
		p.queue = p.queue[1:]
		p.dispatchLocked(s, req)
	}
}

// Close stops health checks and force-kills every worker.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.Lock()
		slots := append([]*slot(nil), p.slots...)
		p.mu.Unlock()
		for _, s := range slots {
			s.forceKill()
		}
	})
	return nil
}

// Snapshot reports the state of every slot, for metrics/debugging.
type Snapshot struct {
	ID                 string
	State              State
	TotalTasks         int64
	TotalFailures      int64
	LastTaskDurationMS int64
	LastActivity       time.Time
}

func (p *Pool) Snapshot() []Snapshot {
	p.mu.Lock()
	slots := append([]*slot(nil), p.slots...)
	p.mu.Unlock()

	out := make([]Snapshot, len(slots))
	for i, s := range slots {
		s.mu.Lock()
		out[i] = Snapshot{
			ID:                 s.id(),
			State:              s.state,
			TotalTasks:         s.totalTasks,
			TotalFailures:      s.totalFailures,
			LastTaskDurationMS: s.lastTaskDurationMS,
			LastActivity:       s.lastActivity,
		}
		s.mu.Unlock()
	}
	return out
}
