package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"
)

// NewCommand builds the exec.Cmd for config: merged environment, working
// directory, optional shell wrapping and a dedicated process group.
// The caller attaches pipes and starts it.
func NewCommand(ctx context.Context, config ServerProcessConfig) *exec.Cmd {
	name, args := commandLine(config)

	var cmd *exec.Cmd
	if ctx != nil {
		cmd = exec.CommandContext(ctx, name, args...)
	} else {
		cmd = exec.Command(name, args...)
	}

	workDir := config.WorkingDirectory
	if workDir == "" {
		if absPath, err := filepath.Abs(config.ExecutablePath); err == nil {
			workDir = filepath.Dir(absPath)
		}
	}
	cmd.Dir = workDir
	cmd.Env = MergeEnvironment(os.Environ(), config.Environment)

	setupProcessAttributes(cmd)
	if config.UseShell {
		setupShellCommandLine(cmd, shellWords(config))
	}

	return cmd
}

func commandLine(config ServerProcessConfig) (string, []string) {
	if !config.UseShell {
		return config.ExecutablePath, append([]string(nil), config.Args...)
	}
	return shellCommand(shellWords(config))
}

func shellWords(config ServerProcessConfig) []string {
	return append([]string{config.ExecutablePath}, config.Args...)
}

// Prepare validates the preconditions of config and applies the execute-bit
// recovery step when requested.
func Prepare(config ServerProcessConfig, logger logging.Logger) error {
	if err := Validate(config); err != nil {
		logger.Errorf("Launch precondition failed: %v", err)
		return err
	}
	if !config.EnsureExecutable {
		return nil
	}
	fixed, err := EnsureExecutable(config.ExecutablePath)
	if err != nil {
		return err
	}
	if fixed {
		logger.Infof("Set executable permission on %s", config.ExecutablePath)
	}
	return nil
}

// EnsureExecutable makes path executable when it is not. It reports whether
// the mode was changed. On Windows executability follows the extension.
func EnsureExecutable(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, errors.NewPreconditionError("file does not exist", err).WithContext("path", path)
	}

	if runtime.GOOS == "windows" {
		return false, nil
	}

	mode := info.Mode()
	if mode&0o111 != 0 {
		return false, nil
	}

	if err := os.Chmod(path, mode|0o111); err != nil {
		return false, errors.NewPermissionError("failed to make file executable", err).WithContext("path", path)
	}
	return true, nil
}

// quoteWord quotes s for a POSIX shell
func quoteWord(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
