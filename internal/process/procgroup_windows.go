//go:build windows

package process

import (
	"os"
	"os/exec"
)

// Windows has no process groups reachable from os/exec; only the direct
// child is terminated.

var terminateSignal = os.Kill

func setupProcessGroup(cmd *exec.Cmd) {}

func setupDetached(cmd *exec.Cmd) {}

func signalGroup(pid int, sig os.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}
