package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmill/corerunner/core"
	"github.com/taskmill/corerunner/ipc"
)

// slot is one worker subprocess's pool-side bookkeeping.
type slot struct {
	index int
	pool  *Pool

	mu                 sync.Mutex
	state              State
	transport          *ipc.Transport
	handle             Handle
	correlationID      uuid.UUID
	busySince          time.Time
	totalTasks         int64
	totalFailures      int64
	lastTaskDurationMS int64
	lastActivity       time.Time
	healthStrikes      int
	healthPending      uuid.UUID // corrID of an outstanding HealthCheck, or uuid.Nil
	restartAttempts    int
	restartPending     bool
}

func newSlot(index int, p *Pool) *slot {
	return &slot{index: index, pool: p, state: StateStarting, lastActivity: time.Now()}
}

func (s *slot) id() string { return fmt.Sprintf("worker-%d", s.index) }

// start spawns (or respawns) the worker subprocess, waits for Ready, and
// launches the read loop.
func (s *slot) start(ctx context.Context) {
	s.mu.Lock()
	s.state = StateStarting
	s.mu.Unlock()

	transport, handle, err := s.pool.spawner(ctx, s.id())
	if err != nil {
		s.pool.log.Err().Str("worker_id", s.id()).Err(err).Log("pool: spawn failed")
		go s.pool.onWorkerDead(s, fmt.Errorf("pool: spawn: %w", err))
		return
	}

	// First frame must be Ready.
	_, msg, err := transport.Recv()
	if err != nil {
		s.pool.log.Err().Str("worker_id", s.id()).Err(err).Log("pool: did not receive Ready")
		go s.pool.onWorkerDead(s, fmt.Errorf("pool: await ready: %w", err))
		return
	}
	if _, ok := msg.(ipc.Ready); !ok {
		go s.pool.onWorkerDead(s, fmt.Errorf("pool: expected Ready, got %T", msg))
		return
	}

	s.mu.Lock()
	s.transport = transport
	s.handle = handle
	s.state = StateIdle
	s.correlationID = uuid.Nil
	s.healthStrikes = 0
	s.healthPending = uuid.Nil
	s.lastActivity = time.Now()
	s.mu.Unlock()

	go s.readLoop(transport)

	s.pool.drainQueue()
}

// readLoop consumes every frame from transport and routes it: responses
// to ExecuteTask correlate with a pending call, a HealthStatus reply to the
// outstanding ping resets the strike count, Progress goes to the in-flight
// call's observer, and Log frames are ignored.
func (s *slot) readLoop(transport *ipc.Transport) {
	for {
		corrID, msg, err := transport.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, core.ErrChannelClosed) {
				s.pool.onWorkerDead(s, fmt.Errorf("pool: worker stream closed: %w", err))
				return
			}
			s.pool.onWorkerDead(s, fmt.Errorf("pool: malformed frame: %w", err))
			return
		}

		switch msg.(type) {
		case ipc.TaskResult, ipc.TaskError:
			s.pool.onResponse(corrID, msg)
		case ipc.HealthStatus:
			s.mu.Lock()
			if s.healthPending == corrID {
				s.healthStrikes = 0
				s.healthPending = uuid.Nil
			}
			s.mu.Unlock()
		case ipc.Progress:
			s.pool.onProgress(s, msg.(ipc.Progress))
		case ipc.Log:
			// Free-form worker logging; stderr carries the human copy.
		default:
			s.pool.log.Warning().Str("worker_id", s.id()).Str("type", fmt.Sprintf("%T", msg)).Log("pool: unexpected message from worker")
		}
	}
}

// forceKill terminates the worker process unconditionally (SIGKILL
// equivalent).
func (s *slot) forceKill() {
	s.mu.Lock()
	h := s.handle
	t := s.transport
	s.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	if h != nil {
		_ = h.Kill()
	}
}

// sendHealthCheck fires a HealthCheck at an Idle worker; a missed response
// within health_check_timeout increments a strike.
func (s *slot) sendHealthCheck(timeout time.Duration) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	transport := s.transport
	s.mu.Unlock()

	corrID, err := transport.SendRequest(ipc.HealthCheck{})
	if err != nil {
		s.pool.onWorkerDead(s, fmt.Errorf("pool: send health check: %w", err))
		return
	}

	s.mu.Lock()
	s.healthPending = corrID
	s.mu.Unlock()

	time.AfterFunc(timeout, func() {
		s.mu.Lock()
		if s.healthPending != corrID {
			// acknowledged before the timeout fired
			s.mu.Unlock()
			return
		}
		s.healthPending = uuid.Nil
		s.healthStrikes++
		strikes := s.healthStrikes
		dead := strikes >= 2
		if dead {
			s.state = StateDead
		}
		s.mu.Unlock()
		if dead {
			s.pool.onWorkerDead(s, errors.New("pool: missed two consecutive health checks"))
		}
	})
}
