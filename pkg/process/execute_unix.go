//go:build !windows

package process

import (
	"os/exec"
	"strings"
	"syscall"
)

// setupProcessAttributes puts the child in its own process group so that a
// termination signal sent to -pid reaches the whole server tree.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func shellCommand(words []string) (string, []string) {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = quoteWord(w)
	}
	return "/bin/sh", []string{"-c", strings.Join(quoted, " ")}
}

// setupShellCommandLine is a no-op: /bin/sh receives the line as one argument.
func setupShellCommandLine(cmd *exec.Cmd, words []string) {}
