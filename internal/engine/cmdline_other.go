//go:build !windows

package engine

import "os/exec"

// configureCommand is a no-op: argv reaches the engine unchanged.
func configureCommand(_ *exec.Cmd, _ string) {}
