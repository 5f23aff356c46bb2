// Package process provides abstractions for launching the test-runner process.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// SpawnOptions describes how a RunSpec is spawned.
type SpawnOptions struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string `yaml:"dir" json:"dir,omitempty"`

	// Env holds environment overrides applied on top of os.Environ().
	Env map[string]string `yaml:"env" json:"env,omitempty"`
}

// Environ returns os.Environ() with the overrides applied.
// Overrides are appended in key order so the result is deterministic.
func (o SpawnOptions) Environ() []string {
	env := os.Environ()
	if len(o.Env) == 0 {
		return env
	}

	keys := make([]string, 0, len(o.Env))
	for k := range o.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		env = append(env, k+"="+o.Env[k])
	}
	return env
}

// RunSpec is the {runtime, args, options} triple describing one launch.
// It is produced once per run and must not be modified afterwards.
type RunSpec struct {
	Runtime string
	Args    []string
	Options SpawnOptions
}

// Clone returns a deep copy of the spec.
func (s RunSpec) Clone() RunSpec {
	out := RunSpec{
		Runtime: s.Runtime,
		Args:    append([]string(nil), s.Args...),
		Options: SpawnOptions{Dir: s.Options.Dir},
	}
	if s.Options.Env != nil {
		out.Options.Env = make(map[string]string, len(s.Options.Env))
		for k, v := range s.Options.Env {
			out.Options.Env[k] = v
		}
	}
	return out
}

// Builder creates the RunSpec for a test run.
// This interface keeps the supervisor independent of how the command line is assembled.
type Builder interface {
	// Build returns the launch description. It is called once per run.
	Build(ctx context.Context) (RunSpec, error)

	// Name returns a human-readable name for the builder.
	Name() string
}

// CoverageProvider is implemented by builders that associate a coverage
// file with the run.
type CoverageProvider interface {
	CoverageFile() string
}

// ExitStatus is the terminal state of a launched process.
type ExitStatus struct {
	// Code is the exit code, or nil if the process did not exit normally
	// (killed by a signal, or never waited successfully).
	Code *int

	// Err is set when the process terminated abnormally. It is a *LaunchError.
	Err error
}

// Handle is a started process.
type Handle interface {
	// Output returns the combined stdout/stderr stream. It reaches EOF once
	// every writer of the stream has exited.
	Output() io.Reader

	// Wait blocks until the process exits. It must be called once, after
	// Output has been drained.
	Wait() ExitStatus

	// Kill signals the process group to terminate. It returns true if the
	// signal was delivered now or by an earlier call.
	Kill() bool

	// PID returns the process id.
	PID() int
}

// Launcher starts processes.
type Launcher interface {
	// Start launches spec. Cancelling ctx terminates the process group.
	Start(ctx context.Context, spec RunSpec) (Handle, error)

	// StartDetached launches spec with discarded standard streams in its own
	// session and does not wait for it. Only Dir and Env of spec.Options apply.
	StartDetached(spec RunSpec) error
}

// LaunchError is returned by launchers for start and wait failures.
// Aborted reports whether the failure was caused by cancellation of the
// launch context rather than a genuine fault.
type LaunchError struct {
	Op      string
	Err     error
	Aborted bool
}

func (e *LaunchError) Error() string {
	if e.Aborted {
		return fmt.Sprintf("%s: aborted: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsAbort reports whether err is a LaunchError caused by cancellation.
func IsAbort(err error) bool {
	var le *LaunchError
	return errors.As(err, &le) && le.Aborted
}

// ErrNoRuntime is returned when a RunSpec has no runtime.
var ErrNoRuntime = errors.New("run spec has no runtime")
