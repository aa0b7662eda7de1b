//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SendTerminationSignal sends SIGTERM to the process group of pid, falling
// back to the process itself when it leads no group.
func SendTerminationSignal(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// KillProcessGroup sends SIGKILL to the process group of pid.
func KillProcessGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	return err
}

// IsProcessRunning reports whether pid refers to a live process.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid PID: %d", pid)
	}

	// FindProcess always succeeds on Unix; signal 0 probes existence
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	err = proc.Signal(unix.Signal(0))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, unix.ESRCH):
		return false, nil
	case errors.Is(err, unix.EPERM):
		return true, nil
	default:
		return false, err
	}
}
