//go:build windows

package engine

import (
	"os/exec"
	"syscall"
)

// configureCommand passes the command line verbatim so the Script argument
// keeps its inner quotes instead of being re-escaped by os/exec.
func configureCommand(cmd *exec.Cmd, scriptPath string) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine: CommandLine(cmd.Path, scriptPath),
	}
}
