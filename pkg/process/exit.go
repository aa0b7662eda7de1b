package process

import (
	"fmt"
	"os"
	"syscall"
)

// ExitStatus describes how a child terminated. Code is -1 when the child
// was terminated by a signal, in which case Signal names it.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Exited bool   `json:"exited"`
	Err    error  `json:"-"` // wait failure unrelated to the child's own status
}

// ExitStatusFromState converts the result of (*exec.Cmd).Wait.
func ExitStatusFromState(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: waitErr}
	}

	status := ExitStatus{
		Code:   state.ExitCode(),
		Exited: state.Exited(),
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}

// Success reports a clean exit with code 0.
func (s ExitStatus) Success() bool {
	return s.Exited && s.Code == 0 && s.Err == nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return fmt.Sprintf("terminated by signal %s", s.Signal)
	case s.Err != nil:
		return fmt.Sprintf("wait failed: %v", s.Err)
	default:
		return fmt.Sprintf("exited with code %d", s.Code)
	}
}
