package supervisor

import (
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/process"

	"github.com/google/uuid"
)

// ProcessHandle is the ownership token for one spawned server. At most one
// live handle exists per Supervisor.
type ProcessHandle struct {
	ID        string
	PID       int
	StartedAt time.Time

	cmd *exec.Cmd

	stopRequested atomic.Bool

	readyOnce sync.Once
	ready     chan struct{}

	done       chan struct{}
	exitStatus process.ExitStatus
}

func newProcessHandle(cmd *exec.Cmd) *ProcessHandle {
	return &ProcessHandle{
		ID:        uuid.NewString(),
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Ready is closed when the server prints its startup marker.
func (h *ProcessHandle) Ready() <-chan struct{} {
	return h.ready
}

// Done is closed after the child has exited and all of its output was observed.
func (h *ProcessHandle) Done() <-chan struct{} {
	return h.done
}

// ExitStatus is valid once Done is closed.
func (h *ProcessHandle) ExitStatus() (process.ExitStatus, bool) {
	select {
	case <-h.done:
		return h.exitStatus, true
	default:
		return process.ExitStatus{}, false
	}
}

// StopRequested reports whether termination was initiated by Stop
func (h *ProcessHandle) StopRequested() bool {
	return h.stopRequested.Load()
}

func (h *ProcessHandle) markReady() {
	h.readyOnce.Do(func() {
		close(h.ready)
	})
}

func (h *ProcessHandle) exited(status process.ExitStatus) {
	h.exitStatus = status
	close(h.done)
}
