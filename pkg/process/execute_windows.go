//go:build windows

package process

import (
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

// setupProcessAttributes starts the child in a new process group so that
// Ctrl-Break can be delivered to it without touching the shell itself.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// cmd.exe resolves bare executables and .bat/.cmd launchers the way a user shell does
func shellCommand(words []string) (string, []string) {
	return "cmd.exe", []string{"/d", "/s", "/c", shellLine(words)}
}

// setupShellCommandLine passes the command line to cmd.exe verbatim. With /s
// cmd strips exactly the outer quote pair, so quoted paths with spaces survive.
func setupShellCommandLine(cmd *exec.Cmd, words []string) {
	cmd.SysProcAttr.CmdLine = shellCommandLine(words)
}

func shellCommandLine(words []string) string {
	return "cmd.exe /d /s /c " + shellLine(words)
}

func shellLine(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = syscall.EscapeArg(w)
	}
	return `"` + strings.Join(quoted, " ") + `"`
}
