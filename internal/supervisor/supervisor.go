package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/fallback"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/process"
)

// readChunkSize is the size of a single read from the output stream.
const readChunkSize = 32 * 1024

// ErrAlreadyRun is returned in the Result of a second Run call.
var ErrAlreadyRun = errors.New("supervisor: run already started")

// Callbacks contains optional hooks that are not part of the event stream.
type Callbacks struct {
	// OnStateChange is called when the run moves between states. It runs
	// with the supervisor lock held and must not call back into it.
	OnStateChange func(runID string, oldState, newState State)

	// OnFallback is called after a fallback kill was attempted. err is nil
	// when the killer accepted the request. For a fallback.AsyncKiller it is
	// called from the killer's goroutine once the outcome is known, which
	// may be after close.
	OnFallback func(runID string, mode fallback.Mode, err error)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Builder  process.Builder
	Launcher process.Launcher

	// Killer performs the container fallback kill on Abort.
	// Defaults to a CLI killer using Launcher.
	Killer fallback.Killer

	Logger    *slog.Logger
	Callbacks Callbacks

	// RunID identifies the run in events and logs. Generated when empty.
	RunID string
}

// Result summarises a completed run.
type Result struct {
	RunID string

	// ExitCode is nil when the process never exited normally.
	ExitCode *int
	Output   string
	Lines    int

	// Aborted reports whether cancellation was requested during the run.
	Aborted bool

	// Err is the first error surfaced as an error event, if any.
	Err error

	Started   time.Time
	FirstLine time.Time
	Finished  time.Time
}

// Duration returns the wall time of the run.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Success reports a clean zero exit without abort or error.
func (r Result) Success() bool {
	return r.Err == nil && !r.Aborted && r.ExitCode != nil && *r.ExitCode == 0
}

// Supervisor owns exactly one test-runner process.
// It streams the process output as line events, supports idempotent abort,
// and publishes a single close event when the run ends.
type Supervisor struct {
	id        string
	builder   process.Builder
	launcher  process.Launcher
	killer    fallback.Killer
	logger    *slog.Logger
	callbacks Callbacks

	// mu guards all fields below. Events are queued under mu so the queue
	// order always matches the order of state transitions.
	mu          sync.Mutex
	state       State
	abort       AbortState
	spec        *process.RunSpec
	handle      process.Handle
	cancel      context.CancelFunc
	fallbackRan bool
	output      strings.Builder
	lines       LineBuffer
	lineCount   int
	firstLine   time.Time
	firstErr    error

	subs        []subscription
	nextSub     int
	queue       []Event
	dispatching bool

	// closed is closed once the close event was delivered.
	closed chan struct{}
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	launcher := cfg.Launcher
	if launcher == nil {
		launcher = process.NewExecLauncher(logger)
	}

	killer := cfg.Killer
	if killer == nil {
		killer = fallback.NewCLIKiller(launcher)
	}

	id := cfg.RunID
	if id == "" {
		id = uuid.NewString()
	}

	return &Supervisor{
		id:        id,
		builder:   cfg.Builder,
		launcher:  launcher,
		killer:    killer,
		logger:    logger.With("run_id", id),
		callbacks: cfg.Callbacks,
		state:     StateCreated,
		closed:    make(chan struct{}),
	}
}

// ID returns the run identifier.
func (s *Supervisor) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Requested reports whether Abort has been called.
func (s *Supervisor) Requested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort.Requested()
}

// CoverageFile returns the coverage report path of the builder, or "" when
// the builder does not produce one.
func (s *Supervisor) CoverageFile() string {
	if cp, ok := s.builder.(process.CoverageProvider); ok {
		return cp.CoverageFile()
	}
	return ""
}

// Spec returns the command built for this run. ok is false until the
// builder has returned.
func (s *Supervisor) Spec() (spec process.RunSpec, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spec == nil {
		return process.RunSpec{}, false
	}
	return s.spec.Clone(), true
}

// Done is closed after the close event has been delivered.
func (s *Supervisor) Done() <-chan struct{} {
	return s.closed
}

// Subscribe registers h for all subsequent events. The returned function
// removes the subscription.
func (s *Supervisor) Subscribe(h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscription{id: id, h: h})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Run builds and runs the command, blocking until the close event has been
// delivered. It never panics on process failures; every outcome is reported
// in the Result and through events. Cancelling ctx is equivalent to Abort.
func (s *Supervisor) Run(ctx context.Context) Result {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return Result{RunID: s.id, Err: ErrAlreadyRun}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	started := time.Now()
	s.setStateLocked(StateStarting)
	s.enqueueLocked(Event{Kind: EventStart, Builder: s.builder})
	requested := s.abort.Requested()
	s.mu.Unlock()
	s.drain()

	defer cancel()
	stop := context.AfterFunc(ctx, func() { s.Abort() })
	defer stop()

	if requested {
		s.logger.Info("run_aborted_before_start")
		return s.finish(started, process.ExitStatus{})
	}

	spec, err := s.builder.Build(runCtx)
	if err != nil {
		return s.finish(started, process.ExitStatus{Err: &process.LaunchError{
			Op:      "build",
			Err:     err,
			Aborted: runCtx.Err() != nil,
		}})
	}

	s.mu.Lock()
	s.spec = &spec
	s.mu.Unlock()

	handle, err := s.launcher.Start(runCtx, spec)
	if err != nil {
		return s.finish(started, process.ExitStatus{Err: err})
	}

	s.mu.Lock()
	s.handle = handle
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	s.logger.Info("run_started",
		"builder", s.builder.Name(),
		"runtime", spec.Runtime,
		"pid", handle.PID(),
	)

	s.pump(handle.Output())

	return s.finish(started, handle.Wait())
}

// pump reads the combined output stream until it is closed.
func (s *Supervisor) pump(r io.Reader) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.consume(string(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("output_read_failed", "error", err)
			}
			break
		}
	}

	s.mu.Lock()
	if line, ok := s.lines.Flush(); ok {
		s.enqueueLineLocked(line)
	}
	s.mu.Unlock()
	s.drain()
}

func (s *Supervisor) consume(chunk string) {
	s.mu.Lock()
	s.output.WriteString(chunk)
	for _, line := range s.lines.Feed(chunk) {
		s.enqueueLineLocked(line)
	}
	s.mu.Unlock()
	s.drain()
}

func (s *Supervisor) enqueueLineLocked(line string) {
	if s.lineCount == 0 {
		s.firstLine = time.Now()
	}
	s.lineCount++
	s.enqueueLocked(Event{Kind: EventLine, Line: line})
}

// finish classifies the exit status and publishes the terminal events.
func (s *Supervisor) finish(started time.Time, status process.ExitStatus) Result {
	s.mu.Lock()
	if status.Err != nil {
		if s.abort.Requested() && process.IsAbort(status.Err) {
			s.emitAbortLocked()
		} else {
			s.firstErr = status.Err
			s.enqueueLocked(Event{Kind: EventError, Err: status.Err})
		}
	}
	if s.abort.Requested() {
		s.emitAbortLocked()
	}

	output := s.output.String()
	s.setStateLocked(StateClosed)
	s.enqueueLocked(Event{Kind: EventClose, ExitCode: status.Code, Output: output})

	result := Result{
		RunID:     s.id,
		ExitCode:  status.Code,
		Output:    output,
		Lines:     s.lineCount,
		Aborted:   s.abort.Requested(),
		Err:       s.firstErr,
		Started:   started,
		FirstLine: s.firstLine,
		Finished:  time.Now(),
	}
	s.mu.Unlock()

	s.drain()
	<-s.closed

	s.logger.Info("run_closed",
		"exit_code", formatCode(result.ExitCode),
		"aborted", result.Aborted,
		"lines", result.Lines,
		"duration", result.Duration().String(),
	)
	if result.Err != nil {
		s.logger.Warn("run_failed", "error", result.Err)
	}

	return result
}

// Abort cancels the run. It returns true when the local process was
// signalled by this call. Abort is idempotent and safe for concurrent use.
//
// Before Run it only marks the run so Run spawns nothing. After close it
// only records the request.
func (s *Supervisor) Abort() bool {
	s.mu.Lock()
	first := s.abort.Request()
	if s.state == StateCreated || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}

	cancel := s.cancel
	handle := s.handle
	var spec *process.RunSpec
	if !s.fallbackRan && s.spec != nil {
		s.fallbackRan = true
		spec = s.spec
	}
	s.emitAbortLocked()
	s.mu.Unlock()

	if first {
		s.logger.Info("abort_requested")
	}

	if cancel != nil {
		cancel()
	}
	killed := false
	if handle != nil {
		killed = handle.Kill()
	}

	// Fallback first: delivery may block on subscribers.
	if spec != nil {
		s.fallbackKill(*spec)
	}

	s.drain()
	return killed
}

// fallbackKill terminates test runners inside the container the command
// was executed in. Failures are reported only through the OnFallback hook.
func (s *Supervisor) fallbackKill(spec process.RunSpec) {
	target, ok := fallback.DeriveTarget(spec.Runtime, spec.Args)
	if !ok {
		return
	}

	if ak, ok := s.killer.(fallback.AsyncKiller); ok {
		ak.KillAsync(context.Background(), target, spec.Options, func(err error) {
			s.reportFallback(target, err)
		})
		return
	}
	s.reportFallback(target, s.killer.Kill(context.Background(), target, spec.Options))
}

func (s *Supervisor) reportFallback(target fallback.Target, err error) {
	s.logger.Debug("fallback_kill",
		"mode", s.killer.Mode(),
		"container", target.Name,
		"error", err,
	)
	if s.callbacks.OnFallback != nil {
		s.callbacks.OnFallback(s.id, s.killer.Mode(), err)
	}
}

func (s *Supervisor) emitAbortLocked() {
	if s.abort.MarkEmitted() {
		s.enqueueLocked(Event{Kind: EventAbort})
	}
}

func (s *Supervisor) setStateLocked(newState State) {
	old := s.state
	s.state = newState
	if s.callbacks.OnStateChange != nil && old != newState {
		s.callbacks.OnStateChange(s.id, old, newState)
	}
}

func (s *Supervisor) enqueueLocked(ev Event) {
	ev.RunID = s.id
	ev.Time = time.Now()
	s.queue = append(s.queue, ev)
}

// drain delivers queued events. Only one goroutine delivers at a time; a
// call made while another goroutine (or a handler) is delivering returns
// immediately and its events are delivered by the active drainer.
func (s *Supervisor) drain() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true

	for len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		subs := append([]subscription(nil), s.subs...)
		s.mu.Unlock()

		for _, sub := range subs {
			sub.h(ev)
		}
		if ev.Kind == EventClose {
			close(s.closed)
		}

		s.mu.Lock()
	}

	s.dispatching = false
	s.mu.Unlock()
}

func formatCode(code *int) string {
	if code == nil {
		return "null"
	}
	return fmt.Sprint(*code)
}
