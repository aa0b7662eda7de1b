package shell

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/config"
	"github.com/core-tools/hsu-appshell/pkg/control"
	"github.com/core-tools/hsu-appshell/pkg/domain"
	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"
	"github.com/core-tools/hsu-appshell/pkg/pidfile"
	"github.com/core-tools/hsu-appshell/pkg/process"
	"github.com/core-tools/hsu-appshell/pkg/readiness"
	"github.com/core-tools/hsu-appshell/pkg/supervisor"

	"google.golang.org/grpc/health"
)

const (
	TitleConnectionIssue   = "Server Connection Issue"
	MessageConnectionIssue = "Could not connect to the server. The application may not work correctly."
	TitleLauncherNotFound  = "Launcher not found"
	TitleStartFailed       = "Failed to start server"
	TitleServerExited      = "Server exited"

	// Added to the graceful timeout when stopping the server on shutdown
	shutdownGrace = 2 * time.Second
)

type Options struct {
	Config      *config.AppConfig
	Server      process.ServerProcessConfig
	LoadingPage string

	// Defaults: NewLogPresenter, readiness.NewProber
	Presenter Presenter
	Prober    readiness.Prober

	// Optional; a server left behind by a previous run is terminated on Run
	PIDFile *pidfile.Manager

	// Additional observer of server state changes
	OnStateChange supervisor.StateChangeFunc
}

// App is the shell around the server: it starts the server, shows the window
// once it is reachable, keeps it running per the restart policy and stops it
// on shutdown.
type App struct {
	options    Options
	logger     logging.Logger
	supervisor *supervisor.Supervisor
	health     *health.Server

	// Serializes manual and policy restarts
	restartMutex sync.Mutex

	mutex    sync.Mutex
	restarts int
	failures int
}

var _ domain.Contract = (*App)(nil)

func NewApp(options Options, logger logging.Logger) (*App, error) {
	if err := config.ValidateConfig(options.Config); err != nil {
		return nil, err
	}
	if options.Server.ExecutablePath == "" {
		return nil, errors.NewValidationError("server executable path is required", nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if options.Presenter == nil {
		options.Presenter = NewLogPresenter(logger)
	}
	if options.Prober == nil {
		options.Prober = readiness.NewProber(logging.FromLogger(logPrefix("readiness"), logger))
	}

	healthServer := health.NewServer()
	publisher := control.NewStatusPublisher(healthServer, "")
	onStateChange := func(from, to supervisor.State) {
		publisher.OnStateChange(from, to)
		if options.OnStateChange != nil {
			options.OnStateChange(from, to)
		}
	}

	sup := supervisor.New(supervisor.Options{
		ReadyMarker:     options.Config.Server.ReadyMarker,
		GracefulTimeout: options.Config.Server.GracefulTimeout.Std(),
		PIDFile:         options.PIDFile,
		OnStateChange:   onStateChange,
	}, logging.FromLogger(logPrefix("supervisor"), logger))

	return &App{
		options:    options,
		logger:     logger,
		supervisor: sup,
		health:     healthServer,
	}, nil
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func (a *App) Supervisor() *supervisor.Supervisor {
	return a.supervisor
}

// Run blocks until ctx is done, then stops the server. A server that cannot
// be started is reported to the presenter and returned as an error.
func (a *App) Run(ctx context.Context) error {
	cfg := a.options.Config
	a.logger.Infof("Application starting, name: %s, mode: %s, server: %s", cfg.App.Name, cfg.App.Mode, cfg.ServerURL())

	a.cleanupStale()

	stopControl, err := a.startControl()
	if err != nil {
		return err
	}
	defer stopControl()

	h, err := a.startServer(ctx)
	if err != nil {
		_ = a.shutdown()
		return err
	}

	a.options.Presenter.ShowWindow(a.options.LoadingPage, cfg.ServerURL())
	a.awaitReadiness(ctx, h)

	a.supervise(ctx)

	return a.shutdown()
}

func (a *App) cleanupStale() {
	if a.options.PIDFile == nil {
		return
	}
	terminated, err := a.options.PIDFile.CleanupStale(supervisor.DefaultPIDFileName)
	if err != nil {
		a.logger.Warnf("Failed to clean up stale server: %v", err)
		return
	}
	if terminated {
		a.logger.Warnf("Terminated server left behind by a previous run")
	}
}

func (a *App) startControl() (func(), error) {
	cfg := a.options.Config.Control
	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if cfg.GRPCAddress != "" {
		grpcServer, err := control.NewGRPCServer(cfg.GRPCAddress, a.health, logging.FromLogger(logPrefix("control"), a.logger))
		if err != nil {
			return nil, err
		}
		go func() {
			if err := grpcServer.Serve(); err != nil {
				a.logger.Errorf("Control gRPC server: %v", err)
			}
		}()
		stops = append(stops, grpcServer.Stop)
	}

	if cfg.HTTPAddress != "" {
		controlLogger := logging.FromLogger(logPrefix("control"), a.logger)
		httpServer, err := control.NewHTTPServer(cfg.HTTPAddress, control.NewHTTPHandler(a, controlLogger), controlLogger)
		if err != nil {
			stopAll()
			return nil, err
		}
		go func() {
			if err := httpServer.Serve(); err != nil {
				a.logger.Errorf("Control HTTP server: %v", err)
			}
		}()
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				a.logger.Warnf("Control HTTP server shutdown: %v", err)
			}
		})
	}

	return stopAll, nil
}

func (a *App) startServer(ctx context.Context) (*supervisor.ProcessHandle, error) {
	h, err := a.supervisor.Start(ctx, a.options.Server)
	if err == nil {
		return h, nil
	}

	switch {
	case errors.IsPreconditionError(err):
		message := err.Error()
		if path, ok := errors.ContextValueOf(err, "path"); ok {
			message = fmt.Sprintf("Required file not found at: %v", path)
		}
		a.options.Presenter.ShowError(TitleLauncherNotFound, message)
	case errors.IsCancelledError(err):
	default:
		a.options.Presenter.ShowError(TitleStartFailed, err.Error())
	}
	return nil, err
}

// awaitReadiness reports whether the server answered within the retry budget.
// Only the outcome is surfaced; the supervisor's state comes from the
// startup marker. Polling ends early when h exits, its exit is reported by
// supervise instead.
func (a *App) awaitReadiness(ctx context.Context, h *supervisor.ProcessHandle) bool {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.Done():
			cancel()
		case <-probeCtx.Done():
		}
	}()

	report := a.options.Prober.Probe(probeCtx, a.options.Config.ReadinessTarget())
	if report.Ready {
		a.logger.Infof("Server reachable after %d attempt(s), %v", report.Attempts, report.Elapsed)
		a.mutex.Lock()
		a.failures = 0
		a.mutex.Unlock()
		return true
	}
	if report.Cancelled {
		if ctx.Err() == nil {
			a.logger.Warnf("Server exited before it became reachable, run: %s", h.ID)
		}
		return false
	}

	a.logger.Warnf("Server not reachable after %d attempt(s): %v", report.Attempts, report.LastErr)
	a.options.Presenter.ShowWarning(TitleConnectionIssue, MessageConnectionIssue)
	return false
}

func (a *App) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-a.supervisor.Errors():
			a.options.Presenter.ShowError(TitleServerExited, exitMessage(err))
			h := a.restartAfterFailure(ctx)
			if h == nil {
				continue
			}
			a.awaitReadiness(ctx, h)
		}
	}
}

// restartAfterFailure returns the new handle, or nil when no restart happened
func (a *App) restartAfterFailure(ctx context.Context) *supervisor.ProcessHandle {
	policy := a.options.Config.Restart
	if policy.Policy != config.RestartOnFailure {
		a.logger.Warnf("Server is down, restart policy: %s", policy.Policy)
		return nil
	}

	a.mutex.Lock()
	if a.failures >= policy.MaxRetries {
		failures := a.failures
		a.mutex.Unlock()
		a.logger.Errorf("Server is down, giving up after %d restart(s)", failures)
		return nil
	}
	a.failures++
	attempt := a.failures
	a.mutex.Unlock()

	delay := RestartDelay(policy, attempt)
	a.logger.Infof("Restarting server in %v, attempt %d of %d", delay, attempt, policy.MaxRetries)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}

	a.restartMutex.Lock()
	defer a.restartMutex.Unlock()

	if a.supervisor.Handle() != nil {
		a.logger.Infof("Server already running, skipping policy restart")
		return nil
	}
	h, err := a.startServer(ctx)
	if err != nil {
		a.logger.Errorf("Restart failed: %v", err)
		return nil
	}
	a.countRestart()
	return h
}

// RestartDelay is RetryDelay * BackoffRate^(attempt-1)
func RestartDelay(options config.RestartOptions, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(options.BackoffRate, float64(attempt-1))
	return time.Duration(float64(options.RetryDelay.Std()) * factor)
}

func exitMessage(err error) string {
	if signal, ok := errors.ContextValueOf(err, "signal"); ok && signal != "" {
		return fmt.Sprintf("Server process terminated by signal %v", signal)
	}
	if code, ok := errors.ContextValueOf(err, "exit_code"); ok {
		return fmt.Sprintf("Server process exited with code %v", code)
	}
	return err.Error()
}

func (a *App) countRestart() {
	a.mutex.Lock()
	a.restarts++
	a.mutex.Unlock()
}

func (a *App) shutdown() error {
	a.logger.Infof("Application is quitting...")

	ctx, cancel := context.WithTimeout(context.Background(), a.options.Config.Server.GracefulTimeout.Std()+shutdownGrace)
	defer cancel()

	if err := a.supervisor.StopAndWait(ctx); err != nil {
		a.logger.Errorf("Failed to stop server: %v", err)
		return err
	}
	return nil
}

// Status implements domain.Contract
func (a *App) Status(ctx context.Context) (domain.ServerStatus, error) {
	st := a.supervisor.Status()

	a.mutex.Lock()
	restarts := a.restarts
	a.mutex.Unlock()

	return domain.ServerStatus{
		State:     string(st.State),
		Ready:     st.State == supervisor.StateRunning,
		URL:       a.options.Config.ServerURL(),
		RunID:     st.RunID,
		PID:       st.PID,
		StartedAt: st.StartedAt,
		ReadyAt:   st.ReadyAt,
		LastExit:  st.LastExit,
		Restarts:  restarts,
	}, nil
}

// Restart implements domain.Contract: stop the server, wait for it to exit and
// start it again.
func (a *App) Restart(ctx context.Context) error {
	a.restartMutex.Lock()
	defer a.restartMutex.Unlock()

	a.logger.Infof("Server restart requested")
	if err := a.supervisor.StopAndWait(ctx); err != nil {
		return err
	}
	if _, err := a.startServer(ctx); err != nil {
		return err
	}

	a.mutex.Lock()
	a.restarts++
	a.failures = 0
	a.mutex.Unlock()
	return nil
}
