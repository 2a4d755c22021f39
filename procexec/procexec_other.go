//go:build !unix

package procexec

import (
	"errors"
	"os"
	"os/exec"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
)

func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup falls back to killing the direct child; there are no process groups to target.
func signalGroup(cmd *exec.Cmd, _ signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
