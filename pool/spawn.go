package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/taskmill/corerunner/ipc"
)

func numCPU() int { return runtime.NumCPU() }

// processHandle adapts *os.Process to Handle.
type processHandle struct {
	cmd *exec.Cmd
}

func (h processHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h processHandle) Wait() error { return h.cmd.Wait() }

// DefaultSpawner builds a Spawner that execs executable with args,
// wiring stdin/stdout as the framed IPC channel and stderr free-form to
// the current process's stderr.
func DefaultSpawner(executable string, args []string, maxFrameBytes uint32) Spawner {
	return func(ctx context.Context, workerID string) (*ipc.Transport, Handle, error) {
		if executable == "" {
			return nil, nil, fmt.Errorf("pool: worker_executable is not configured")
		}

		cmd := exec.CommandContext(ctx, executable, args...)
		cmd.Env = append(os.Environ(), "TASKCORE_WORKER_ID="+workerID)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("pool: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("pool: stdout pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, nil, fmt.Errorf("pool: start worker: %w", err)
		}

		transport := ipc.New(stdout, stdin, multiCloser{stdin, stdout}, maxFrameBytes)
		return transport, processHandle{cmd: cmd}, nil
	}
}

type multiCloser struct {
	in  io.Closer
	out io.Closer
}

func (m multiCloser) Close() error {
	err1 := m.in.Close()
	if err2 := m.out.Close(); err2 != nil && err1 == nil {
		err1 = err2
	}
	return err1
}
