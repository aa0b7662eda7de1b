package supervisor

// State is the lifecycle state of the supervised server
type State string

const (
	StateIdle     State = "idle"     // never started
	StateStarting State = "starting" // spawned, waiting for the startup marker
	StateRunning  State = "running"  // startup marker seen
	StateStopping State = "stopping" // termination signal being sent
	StateStopped  State = "stopped"  // stopped on request or exited with code 0
	StateFailed   State = "failed"   // spawn failed or exited abnormally
)

// hasHandle reports whether a live ProcessHandle accompanies the state
func (s State) hasHandle() bool {
	return s == StateStarting || s == StateRunning
}

// canStartFromState validates if starting is allowed from the current state
func canStartFromState(current State) bool {
	switch current {
	case StateIdle, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// StateChangeFunc is invoked after every transition, outside the supervisor lock
type StateChangeFunc func(from, to State)
