package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"
	"github.com/core-tools/hsu-appshell/pkg/process"
)

const DefaultAppName = "hsu-appshell"

// ServiceContext selects the OS directory family for runtime files
type ServiceContext string

const (
	SystemService  ServiceContext = "system"
	UserService    ServiceContext = "user"
	SessionService ServiceContext = "session"
)

type Config struct {
	// If empty, an OS-appropriate directory for ServiceContext is used
	BaseDirectory   string         `yaml:"base_directory,omitempty"`
	ServiceContext  ServiceContext `yaml:"service_context,omitempty"`
	AppName         string         `yaml:"app_name,omitempty"`
	UseSubdirectory bool           `yaml:"use_subdirectory,omitempty"`

	// How long CleanupStale waits after SIGTERM before killing
	TerminateTimeout time.Duration `yaml:"terminate_timeout,omitempty"`
}

// Manager owns the PID file of the supervised server so that a server left
// behind by a crashed shell can be found and terminated on the next start.
type Manager struct {
	config Config
	logger logging.Logger
}

func NewManager(config Config, logger logging.Logger) *Manager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}
	if config.TerminateTimeout <= 0 {
		config.TerminateTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{
		config: config,
		logger: logger,
	}
}

// PIDFilePath returns <dir>/<name>.pid
func (m *Manager) PIDFilePath(name string) string {
	return filepath.Join(m.runtimeDirectory(), name+".pid")
}

// LogDirectoryPath returns the directory the application log lives in.
func (m *Manager) LogDirectoryPath() string {
	if m.config.BaseDirectory != "" {
		return filepath.Join(m.config.BaseDirectory, "logs")
	}
	base := m.logBaseDirectory()
	if m.config.UseSubdirectory {
		return filepath.Join(base, m.config.AppName, "logs")
	}
	return filepath.Join(base, "logs")
}

func (m *Manager) Write(name string, pid int) error {
	path := m.PIDFilePath(name)

	if err := ensureDirectory(filepath.Dir(path)); err != nil {
		m.logger.Errorf("PID file directory not usable, path: %s, error: %v", path, err)
		return err
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		m.logger.Errorf("Failed to write PID file, path: %s, pid: %d, error: %v", path, pid, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}

	m.logger.Debugf("PID file written, path: %s, pid: %d", path, pid)
	return nil
}

func (m *Manager) Read(name string) (int, error) {
	path := m.PIDFilePath(name)

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}

	text := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in file", err).WithContext("pid_file", path).WithContext("content", text)
	}
	return pid, nil
}

// Remove deletes the PID file; a missing file is not an error.
func (m *Manager) Remove(name string) error {
	path := m.PIDFilePath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	return nil
}

// CleanupStale terminates the process recorded in name's PID file if it is
// still alive and removes the file. It reports whether a process was found.
func (m *Manager) CleanupStale(name string) (bool, error) {
	pid, err := m.Read(name)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return false, nil
		}
		m.logger.Warnf("Discarding unreadable PID file, name: %s, error: %v", name, err)
		return false, m.Remove(name)
	}

	running, err := process.IsProcessRunning(pid)
	if err != nil || !running {
		m.logger.Debugf("PID file is stale, name: %s, pid: %d", name, pid)
		return false, m.Remove(name)
	}

	m.logger.Warnf("Found server left over from a previous run, terminating, pid: %d", pid)

	if err := process.SendTerminationSignal(pid); err != nil {
		m.logger.Warnf("Failed to signal leftover server, pid: %d, error: %v", pid, err)
	}

	if !waitForExit(pid, m.config.TerminateTimeout) {
		m.logger.Warnf("Leftover server did not exit in %v, killing, pid: %d", m.config.TerminateTimeout, pid)
		if err := process.KillProcessGroup(pid); err != nil {
			return true, errors.NewProcessError("failed to kill leftover server", err).WithContext("pid", pid)
		}
	}

	return true, m.Remove(name)
}

func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if running, _ := process.IsProcessRunning(pid); !running {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func ensureDirectory(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
		}
	case err != nil:
		return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
	case !info.IsDir():
		return errors.NewValidationError("PID file path is not a directory", nil).WithContext("path", dir)
	}
	return nil
}

func (m *Manager) runtimeDirectory() string {
	base := m.config.BaseDirectory
	if base == "" {
		switch m.config.ServiceContext {
		case SystemService:
			base = systemRuntimeDirectory()
		case SessionService:
			base = sessionRuntimeDirectory()
		default:
			base = userRuntimeDirectory()
		}
	}
	if m.config.UseSubdirectory {
		return filepath.Join(base, m.config.AppName)
	}
	return base
}

func (m *Manager) logBaseDirectory() string {
	switch m.config.ServiceContext {
	case SystemService:
		if runtime.GOOS == "windows" {
			return programData()
		}
		return "/var/log"
	case SessionService:
		return os.TempDir()
	default:
		return userDataDirectory()
	}
}

func systemRuntimeDirectory() string {
	switch runtime.GOOS {
	case "windows":
		return programData()
	case "darwin":
		return "/var/run"
	default:
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func userRuntimeDirectory() string {
	switch runtime.GOOS {
	case "windows", "darwin":
		return userDataDirectory()
	default:
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
			return dir
		}
		return os.TempDir()
	}
}

func sessionRuntimeDirectory() string {
	if runtime.GOOS == "linux" {
		dir := fmt.Sprintf("/run/user/%d", os.Getuid())
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
	}
	return os.TempDir()
}

// userDataDirectory is where a desktop app keeps per-user state
// (%LOCALAPPDATA%, ~/Library/Application Support, $XDG_DATA_HOME).
func userDataDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return dir
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support")
		}
	default:
		if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
			return dir
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share")
		}
	}
	return os.TempDir()
}

func programData() string {
	if dir := os.Getenv("PROGRAMDATA"); dir != "" {
		return dir
	}
	return "C:\\ProgramData"
}
