//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

var terminateSignal = unix.SIGTERM

// setupProcessGroup puts the child in its own process group and makes context
// cancellation signal the whole group, so wrapper scripts and their children
// go down together.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := signalGroup(cmd.Process.Pid, terminateSignal); err != nil {
			return os.ErrProcessDone
		}
		return nil
	}
}

// setupDetached starts the child in a new session, detached from our
// process group and controlling terminal.
func setupDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// signalGroup sends sig to the process group led by pid.
// A group that no longer exists is reported as an error.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
