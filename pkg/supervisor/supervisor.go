package supervisor

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"
	"github.com/core-tools/hsu-appshell/pkg/pidfile"
	"github.com/core-tools/hsu-appshell/pkg/process"
)

const (
	DefaultReadyMarker     = "Running on http://"
	DefaultGracefulTimeout = 5 * time.Second
	DefaultPIDFileName     = "server"

	defaultErrorBuffer = 8
)

type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// OutputFunc receives every line the server writes, in order per stream.
type OutputFunc func(stream Stream, line string)

type Options struct {
	// Substring of a stdout line that moves Starting to Running
	ReadyMarker string

	// How long StopAndWait waits after the termination signal before killing
	GracefulTimeout time.Duration

	// Optional PID file, written on spawn and removed on exit
	PIDFile     *pidfile.Manager
	PIDFileName string

	OnStateChange StateChangeFunc
	OnOutput      OutputFunc

	// Capacity of the Errors channel; reports beyond it are logged and dropped
	ErrorBuffer int
}

// Status is a point-in-time snapshot for status endpoints
type Status struct {
	State     State               `json:"state"`
	RunID     string              `json:"run_id,omitempty"`
	PID       int                 `json:"pid,omitempty"`
	StartedAt *time.Time          `json:"started_at,omitempty"`
	ReadyAt   *time.Time          `json:"ready_at,omitempty"`
	LastExit  *process.ExitStatus `json:"last_exit,omitempty"`
}

// Supervisor owns the lifecycle of a single server child process.
// Start, Stop and the observers may be called from any goroutine.
type Supervisor struct {
	options Options
	logger  logging.Logger

	errors chan error

	mutex    sync.Mutex
	state    State
	handle   *ProcessHandle
	readyAt  time.Time
	lastExit *process.ExitStatus
}

func New(options Options, logger logging.Logger) *Supervisor {
	if options.ReadyMarker == "" {
		options.ReadyMarker = DefaultReadyMarker
	}
	if options.GracefulTimeout <= 0 {
		options.GracefulTimeout = DefaultGracefulTimeout
	}
	if options.PIDFileName == "" {
		options.PIDFileName = DefaultPIDFileName
	}
	if options.ErrorBuffer <= 0 {
		options.ErrorBuffer = defaultErrorBuffer
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Supervisor{
		options: options,
		logger:  logger,
		errors:  make(chan error, options.ErrorBuffer),
		state:   StateIdle,
	}
}

// Start launches the server described by config. While a handle is live the
// call is a no-op returning that handle. Precondition and spawn failures are
// returned directly; a precondition failure leaves the state unchanged.
func (s *Supervisor) Start(ctx context.Context, config process.ServerProcessConfig) (*ProcessHandle, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil)
	}

	s.mutex.Lock()

	if s.handle != nil {
		h := s.handle
		s.mutex.Unlock()
		s.logger.Infof("Server already started, run: %s, PID: %d", h.ID, h.PID)
		return h, nil
	}

	if !canStartFromState(s.state) {
		state := s.state
		s.mutex.Unlock()
		return nil, errors.NewConflictError("cannot start server in state '"+string(state)+"'", nil).
			WithContext("current_state", string(state))
	}

	if err := ctx.Err(); err != nil {
		s.mutex.Unlock()
		return nil, errors.NewCancelledError("start cancelled", err)
	}

	s.logger.Infof("Starting server, executable: %s, args: %v, working directory: %s",
		config.ExecutablePath, config.Args, config.WorkingDirectory)

	if err := process.Prepare(config, s.logger); err != nil {
		s.mutex.Unlock()
		return nil, err
	}

	from := s.state
	s.state = StateStarting
	s.readyAt = time.Time{}

	h, stdout, stderr, err := s.spawn(config)
	if err != nil {
		s.state = StateFailed
		s.mutex.Unlock()

		s.notify(from, StateStarting)
		s.notify(StateStarting, StateFailed)
		s.logger.Errorf("Failed to start server, executable: %s, error: %v", config.ExecutablePath, err)
		return nil, err
	}

	s.handle = h
	s.mutex.Unlock()

	s.notify(from, StateStarting)
	s.logger.Infof("Server process started, run: %s, PID: %d", h.ID, h.PID)

	if s.options.PIDFile != nil {
		if err := s.options.PIDFile.Write(s.options.PIDFileName, h.PID); err != nil {
			s.logger.Warnf("Failed to write server PID file: %v", err)
		}
	}

	go s.observe(h, stdout, stderr)

	return h, nil
}

func (s *Supervisor) spawn(config process.ServerProcessConfig) (*ProcessHandle, io.ReadCloser, io.ReadCloser, error) {
	cmd := process.NewCommand(context.Background(), config)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, errors.NewSpawnError("failed to create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, errors.NewSpawnError("failed to create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, errors.NewSpawnError("failed to spawn server process", err).
			WithContext("path", config.ExecutablePath)
	}

	return newProcessHandle(cmd), stdout, stderr, nil
}

// observe runs the stream observers and then the exit observer, which fires
// only after both streams reached EOF.
func (s *Supervisor) observe(h *ProcessHandle, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readStream(h, StreamStdout, stdout)
	}()
	go func() {
		defer wg.Done()
		s.readStream(h, StreamStderr, stderr)
	}()
	wg.Wait()

	waitErr := h.cmd.Wait()
	s.handleExit(h, process.ExitStatusFromState(h.cmd.ProcessState, waitErr))
}

// markReady promotes Starting to Running on the first marker. The
// handle's Ready channel closes only after observers were notified.
func (s *Supervisor) markReady(h *ProcessHandle) {
	s.mutex.Lock()
	promote := s.handle == h && s.state == StateStarting
	if promote {
		s.state = StateRunning
		s.readyAt = time.Now()
	}
	s.mutex.Unlock()

	if promote {
		s.logger.Infof("Server started successfully, run: %s, PID: %d", h.ID, h.PID)
		s.notify(StateStarting, StateRunning)
	}
	h.markReady()
}

// removePIDFile leaves the file alone when it already belongs to a newer run
func (s *Supervisor) removePIDFile(h *ProcessHandle) {
	if s.options.PIDFile == nil {
		return
	}
	if pid, err := s.options.PIDFile.Read(s.options.PIDFileName); err != nil || pid != h.PID {
		return
	}
	if err := s.options.PIDFile.Remove(s.options.PIDFileName); err != nil {
		s.logger.Warnf("Failed to remove server PID file: %v", err)
	}
}

func (s *Supervisor) handleExit(h *ProcessHandle, status process.ExitStatus) {
	s.removePIDFile(h)

	s.mutex.Lock()
	current := s.handle == h
	s.lastExit = &status

	if h.StopRequested() || !current {
		s.mutex.Unlock()
		h.exited(status)
		s.logger.Infof("Server process exited after stop request, run: %s, PID: %d, %s", h.ID, h.PID, status)
		return
	}

	from := s.state
	s.handle = nil
	if status.Success() {
		s.state = StateStopped
	} else {
		s.state = StateFailed
	}
	to := s.state
	s.mutex.Unlock()

	h.exited(status)
	s.notify(from, to)

	if to == StateStopped {
		s.logger.Infof("Server process exited, run: %s, PID: %d, %s", h.ID, h.PID, status)
		return
	}

	s.logger.Errorf("Server process exited unexpectedly, run: %s, PID: %d, %s", h.ID, h.PID, status)
	s.report(errors.NewAbnormalExitError("server process "+status.String(), status.Err).
		WithContext("exit_code", status.Code).
		WithContext("signal", status.Signal).
		WithContext("pid", h.PID).
		WithContext("run_id", h.ID))
}

func (s *Supervisor) report(err error) {
	select {
	case s.errors <- err:
	default:
		s.logger.Errorf("Error channel full, dropping: %v", err)
	}
}

// Stop sends the termination signal and releases the handle without waiting
// for the child to exit. Without a live handle it does nothing.
func (s *Supervisor) Stop() {
	s.stop()
}

// StopAndWait stops the server and waits for the child to exit, killing its
// process group once GracefulTimeout has elapsed.
func (s *Supervisor) StopAndWait(ctx context.Context) error {
	h := s.stop()
	if h == nil {
		return nil
	}

	timer := time.NewTimer(s.options.GracefulTimeout)
	defer timer.Stop()

	select {
	case <-h.Done():
		return nil
	case <-timer.C:
		s.logger.Warnf("Server did not exit within %v, killing, PID: %d", s.options.GracefulTimeout, h.PID)
	case <-ctx.Done():
		s.logger.Warnf("Stop cancelled, killing server, PID: %d", h.PID)
	}

	if err := process.KillProcessGroup(h.PID); err != nil {
		s.logger.Warnf("Failed to kill server process group, PID: %d, error: %v", h.PID, err)
	}

	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("server did not exit", ctx.Err()).WithContext("pid", h.PID)
	}
}

func (s *Supervisor) stop() *ProcessHandle {
	s.mutex.Lock()
	h := s.handle
	if h == nil {
		s.mutex.Unlock()
		s.logger.Debugf("Stop requested, no server running")
		return nil
	}
	h.stopRequested.Store(true)
	s.handle = nil
	from := s.state
	s.state = StateStopping
	s.mutex.Unlock()

	s.notify(from, StateStopping)
	s.logger.Infof("Stopping server, run: %s, PID: %d", h.ID, h.PID)

	if err := process.SendTerminationSignal(h.PID); err != nil {
		s.logger.Warnf("Failed to send termination signal, killing, PID: %d, error: %v", h.PID, err)
		if err := process.KillProcessGroup(h.PID); err != nil {
			s.logger.Warnf("Failed to kill server process group, PID: %d, error: %v", h.PID, err)
		}
	}

	s.mutex.Lock()
	changed := s.state == StateStopping
	if changed {
		s.state = StateStopped
	}
	s.mutex.Unlock()

	if changed {
		s.notify(StateStopping, StateStopped)
	}
	return h
}

func (s *Supervisor) notify(from, to State) {
	s.logger.Debugf("Server state: %s->%s", from, to)
	if s.options.OnStateChange != nil {
		s.options.OnStateChange(from, to)
	}
}

func (s *Supervisor) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// IsServerStarted reports whether the server printed its startup marker and
// is still running.
func (s *Supervisor) IsServerStarted() bool {
	return s.State() == StateRunning
}

// Handle returns the live handle or nil
func (s *Supervisor) Handle() *ProcessHandle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.handle
}

// Errors delivers each abnormal exit exactly once.
func (s *Supervisor) Errors() <-chan error {
	return s.errors
}

func (s *Supervisor) Status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	status := Status{State: s.state}
	if s.handle != nil && s.state.hasHandle() {
		startedAt := s.handle.StartedAt
		status.RunID = s.handle.ID
		status.PID = s.handle.PID
		status.StartedAt = &startedAt
	}
	if !s.readyAt.IsZero() && s.state == StateRunning {
		readyAt := s.readyAt
		status.ReadyAt = &readyAt
	}
	if s.lastExit != nil {
		lastExit := *s.lastExit
		status.LastExit = &lastExit
	}
	return status
}
