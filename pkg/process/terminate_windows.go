//go:build windows

package process

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/windows"
)

const stillActive = 259

// GenerateConsoleCtrlEvent is not safe to interleave with itself
var consoleOperationLock sync.Mutex

// SendTerminationSignal delivers Ctrl-Break to the process group created for pid.
func SendTerminationSignal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}

	consoleOperationLock.Lock()
	defer consoleOperationLock.Unlock()

	if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid)); err != nil {
		return fmt.Errorf("failed to send Ctrl+Break to PID %d: %w", pid, err)
	}
	return nil
}

// KillProcessGroup terminates pid. Windows has no group kill without job objects.
func KillProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// IsProcessRunning reports whether pid refers to a live process.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid PID: %d", pid)
	}

	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false, nil
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false, err
	}
	return exitCode == stillActive, nil
}
