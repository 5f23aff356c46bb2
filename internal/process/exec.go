package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// ExecLauncher implements Launcher with os/exec.
//
// The child runs in its own process group and writes stdout and stderr to a
// single OS pipe, so the combined stream keeps the order in which the child
// wrote it.
type ExecLauncher struct {
	logger *slog.Logger
}

// NewExecLauncher creates a launcher. A nil logger discards log output.
func NewExecLauncher(logger *slog.Logger) *ExecLauncher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ExecLauncher{logger: logger}
}

// Start launches spec and returns its handle.
// A failure is always a *LaunchError; Aborted is set when ctx was already done.
func (l *ExecLauncher) Start(ctx context.Context, spec RunSpec) (Handle, error) {
	if spec.Runtime == "" {
		return nil, &LaunchError{Op: "start", Err: ErrNoRuntime}
	}

	cmd := exec.CommandContext(ctx, spec.Runtime, spec.Args...)
	cmd.Dir = spec.Options.Dir
	cmd.Env = spec.Options.Environ()

	outRead, outWrite, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Op: "start", Err: fmt.Errorf("output pipe: %w", err)}
	}
	cmd.Stdout = outWrite
	cmd.Stderr = outWrite

	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		outRead.Close()
		outWrite.Close()
		return nil, &LaunchError{Op: "start", Err: err, Aborted: ctx.Err() != nil}
	}

	// Close parent's write-end so the reader sees EOF when the child exits.
	outWrite.Close()

	l.logger.Debug("process_started",
		"runtime", spec.Runtime,
		"pid", cmd.Process.Pid,
	)

	return &execHandle{
		ctx:    ctx,
		cmd:    cmd,
		output: outRead,
	}, nil
}

// StartDetached launches spec without waiting for it.
// Standard streams are discarded. The process is reaped in the background so
// it never lingers as a zombie; nothing ever waits on the result.
func (l *ExecLauncher) StartDetached(spec RunSpec) error {
	if spec.Runtime == "" {
		return &LaunchError{Op: "start_detached", Err: ErrNoRuntime}
	}

	cmd := exec.Command(spec.Runtime, spec.Args...)
	cmd.Dir = spec.Options.Dir
	cmd.Env = spec.Options.Environ()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	setupDetached(cmd)

	if err := cmd.Start(); err != nil {
		return &LaunchError{Op: "start_detached", Err: err}
	}

	pid := cmd.Process.Pid
	go func() {
		_ = cmd.Wait()
	}()

	l.logger.Debug("detached_process_started",
		"runtime", spec.Runtime,
		"pid", pid,
	)
	return nil
}

// execHandle is the Handle returned by ExecLauncher.
type execHandle struct {
	ctx    context.Context
	cmd    *exec.Cmd
	output *os.File

	killed   atomic.Bool
	waitOnce sync.Once
	status   ExitStatus
}

func (h *execHandle) Output() io.Reader {
	return h.output
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Kill() bool {
	if h.killed.Load() {
		return true
	}
	if err := signalGroup(h.cmd.Process.Pid, terminateSignal); err != nil {
		return false
	}
	h.killed.Store(true)
	return true
}

func (h *execHandle) Wait() ExitStatus {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		h.output.Close()
		h.status = classifyWait(err, h.cmd.ProcessState, h.ctx.Err())
	})
	return h.status
}

// classifyWait converts the result of cmd.Wait into an ExitStatus.
// A process that failed while its context was cancelled is reported as aborted.
func classifyWait(err error, state *os.ProcessState, ctxErr error) ExitStatus {
	status := ExitStatus{Code: exitCode(state)}
	if err == nil {
		return status
	}

	if ctxErr != nil {
		status.Err = &LaunchError{Op: "wait", Err: errors.Join(ctxErr, err), Aborted: true}
		return status
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Normal termination with a non-zero code, or killed by someone else.
		return status
	}

	status.Err = &LaunchError{Op: "wait", Err: err}
	return status
}

// exitCode returns the exit code from a process state, or nil if the process
// did not exit normally.
func exitCode(state *os.ProcessState) *int {
	if state == nil || !state.Exited() {
		return nil
	}
	code := state.ExitCode()
	return &code
}
