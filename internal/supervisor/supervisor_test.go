package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/fallback"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/process"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeHandle is a process whose output and exit are driven by the test.
type fakeHandle struct {
	pr         *io.PipeReader
	pw         *io.PipeWriter
	exit       chan process.ExitStatus
	once       sync.Once
	kills      atomic.Int32
	killResult bool
}

func newFakeHandle() *fakeHandle {
	pr, pw := io.Pipe()
	return &fakeHandle{pr: pr, pw: pw, exit: make(chan process.ExitStatus, 1), killResult: true}
}

func (h *fakeHandle) Output() io.Reader { return h.pr }
func (h *fakeHandle) PID() int          { return 4242 }

func (h *fakeHandle) Wait() process.ExitStatus {
	return <-h.exit
}

func (h *fakeHandle) Kill() bool {
	h.kills.Add(1)
	return h.killResult
}

func (h *fakeHandle) write(t *testing.T, s string) {
	t.Helper()
	if _, err := h.pw.Write([]byte(s)); err != nil {
		t.Fatalf("write output: %v", err)
	}
}

// finish closes the output stream and sets the exit status. Only the first
// call has an effect.
func (h *fakeHandle) finish(status process.ExitStatus) {
	h.once.Do(func() {
		h.pw.Close()
		h.exit <- status
	})
}

func (h *fakeHandle) exitWith(code int) {
	h.finish(process.ExitStatus{Code: &code})
}

type fakeLauncher struct {
	mu       sync.Mutex
	handle   *fakeHandle
	startErr error
	starts   []process.RunSpec
	detached []process.RunSpec
	started  chan struct{}
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{handle: newFakeHandle(), started: make(chan struct{})}
}

// Start behaves like the exec launcher: a cancelled context terminates the
// process and Wait reports an aborted error.
func (l *fakeLauncher) Start(ctx context.Context, spec process.RunSpec) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts = append(l.starts, spec)
	if l.startErr != nil {
		return nil, l.startErr
	}
	if ctx.Err() != nil {
		return nil, &process.LaunchError{Op: "start", Err: ctx.Err(), Aborted: true}
	}

	h := l.handle
	go func() {
		<-ctx.Done()
		h.finish(process.ExitStatus{Err: &process.LaunchError{Op: "wait", Err: ctx.Err(), Aborted: true}})
	}()
	close(l.started)
	return h, nil
}

func (l *fakeLauncher) StartDetached(spec process.RunSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detached = append(l.detached, spec)
	return nil
}

func (l *fakeLauncher) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.starts)
}

func (l *fakeLauncher) detachedSpawns() []process.RunSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]process.RunSpec(nil), l.detached...)
}

func (l *fakeLauncher) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-l.started:
	case <-time.After(5 * time.Second):
		t.Fatal("process was never started")
	}
}

type failingKiller struct{ err error }

func (k failingKiller) Kill(context.Context, fallback.Target, process.SpawnOptions) error {
	return k.err
}

func (k failingKiller) Mode() fallback.Mode { return fallback.ModeCLI }

// asyncKiller reports its outcome from a goroutine, like the API killer.
type asyncKiller struct{ err error }

func (k asyncKiller) Kill(context.Context, fallback.Target, process.SpawnOptions) error {
	return nil
}

func (k asyncKiller) KillAsync(_ context.Context, _ fallback.Target, _ process.SpawnOptions, done func(error)) {
	go func() {
		time.Sleep(10 * time.Millisecond)
		done(k.err)
	}()
}

func (k asyncKiller) Mode() fallback.Mode { return fallback.ModeAPI }

// recorder collects events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == EventLine {
			out = append(out, ev.Line)
		}
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// waitFor blocks until n events of kind have been delivered.
func (r *recorder) waitFor(t *testing.T, kind EventKind, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for r.count(kind) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %v events, got %v", n, kind, r.kinds())
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// =============================================================================
// Test Helpers
// =============================================================================

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dockerBuilder() *process.StaticBuilder {
	return process.NewStaticBuilder(&process.CommandConfig{
		Runtime: "docker",
		Args:    []string{"exec", "-t", "ripm", "/bin/sh", "-c", "vendor/bin/phpunit"},
		Options: process.SpawnOptions{Dir: "/srv/app"},
	})
}

func phpBuilder() *process.StaticBuilder {
	return process.NewStaticBuilder(&process.CommandConfig{
		Runtime: "vendor/bin/phpunit",
		Args:    []string{"--colors=never"},
	})
}

func newTestSupervisor(b process.Builder, l *fakeLauncher) (*Supervisor, *recorder) {
	s := New(Config{
		Builder:  b,
		Launcher: l,
		Logger:   newTestLogger(),
		RunID:    "run-1",
	})
	rec := &recorder{}
	s.Subscribe(rec.handle)
	return s, rec
}

func runAsync(s *Supervisor) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- s.Run(context.Background()) }()
	return ch
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return Result{}
	}
}

// =============================================================================
// Table-Driven Tests: LineBuffer
// =============================================================================

func TestLineBuffer(t *testing.T) {
	tests := []struct {
		name      string
		chunks    []string
		wantLines []string
		wantFlush string
		wantOK    bool
	}{
		{"single_line", []string{"ok\n"}, []string{"ok"}, "", false},
		{"crlf", []string{"a\r\nb\r\n"}, []string{"a", "b"}, "", false},
		{"split_across_chunks", []string{"PHPUn", "it 11\nTim", "e: 1s"}, []string{"PHPUnit 11"}, "Time: 1s", true},
		{"crlf_split_between_chunks", []string{"a\r", "\nb"}, []string{"a"}, "b", true},
		{"lone_cr_kept", []string{"50%\r75%\n"}, []string{"50%\r75%"}, "", false},
		{"empty_lines", []string{"\n\n"}, []string{"", ""}, "", false},
		{"no_terminator", []string{"partial"}, nil, "partial", true},
		{"empty_chunks", []string{"", "", ""}, nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b LineBuffer
			var got []string
			for _, c := range tt.chunks {
				got = append(got, b.Feed(c)...)
			}
			if !reflect.DeepEqual(got, tt.wantLines) {
				t.Errorf("lines = %q, want %q", got, tt.wantLines)
			}
			line, ok := b.Flush()
			if ok != tt.wantOK || line != tt.wantFlush {
				t.Errorf("Flush() = (%q, %v), want (%q, %v)", line, ok, tt.wantFlush, tt.wantOK)
			}
			if _, ok := b.Flush(); ok {
				t.Error("second Flush() returned a line")
			}
		})
	}
}

// =============================================================================
// Tests: State and AbortState
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
	if !StateRunning.IsActive() || StateClosed.IsActive() || !StateClosed.IsTerminal() {
		t.Error("IsActive/IsTerminal mismatch")
	}
}

func TestAbortState(t *testing.T) {
	var a AbortState
	if a.MarkEmitted() {
		t.Fatal("MarkEmitted() before Request() must be false")
	}
	if !a.Request() {
		t.Fatal("first Request() = false")
	}
	if a.Request() {
		t.Error("second Request() = true")
	}
	if !a.MarkEmitted() {
		t.Fatal("first MarkEmitted() = false")
	}
	if a.MarkEmitted() {
		t.Error("second MarkEmitted() = true")
	}
	if !a.Requested() || !a.Emitted() {
		t.Error("flags were cleared")
	}
}

// =============================================================================
// Tests: Run
// =============================================================================

func TestRun_StreamsLinesInOrder(t *testing.T) {
	l := newFakeLauncher()
	s, rec := newTestSupervisor(dockerBuilder(), l)

	done := runAsync(s)
	l.waitStarted(t)

	l.handle.write(t, "PHPUnit 11.0\n..")
	l.handle.write(t, ".F\r\nTests: 4")
	l.handle.write(t, ", Failures: 1")
	l.handle.exitWith(1)

	res := waitResult(t, done)

	wantLines := []string{"PHPUnit 11.0", "...F", "Tests: 4, Failures: 1"}
	if got := rec.lines(); !reflect.DeepEqual(got, wantLines) {
		t.Errorf("lines = %q, want %q", got, wantLines)
	}

	wantKinds := []EventKind{EventStart, EventLine, EventLine, EventLine, EventClose}
	if got := rec.kinds(); !reflect.DeepEqual(got, wantKinds) {
		t.Errorf("events = %v, want %v", got, wantKinds)
	}

	closeEv := rec.last()
	wantOutput := "PHPUnit 11.0\n...F\r\nTests: 4, Failures: 1"
	if closeEv.Output != wantOutput {
		t.Errorf("close output = %q, want %q", closeEv.Output, wantOutput)
	}
	if closeEv.ExitCode == nil || *closeEv.ExitCode != 1 {
		t.Errorf("close exit code = %v, want 1", closeEv.ExitCode)
	}
	if closeEv.RunID != "run-1" {
		t.Errorf("RunID = %q", closeEv.RunID)
	}

	if res.Lines != 3 || res.Output != wantOutput || res.Aborted || res.Err != nil {
		t.Errorf("result = %+v", res)
	}
	if res.Success() {
		t.Error("exit code 1 must not be a success")
	}
	if res.FirstLine.IsZero() || res.FirstLine.Before(res.Started) {
		t.Errorf("FirstLine = %v, Started = %v", res.FirstLine, res.Started)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v", s.State())
	}
}

func TestRun_StartEventCarriesBuilder(t *testing.T) {
	l := newFakeLauncher()
	b := dockerBuilder()
	s, rec := newTestSupervisor(b, l)

	done := runAsync(s)
	l.waitStarted(t)
	l.handle.exitWith(0)
	res := waitResult(t, done)

	rec.mu.Lock()
	first := rec.events[0]
	rec.mu.Unlock()
	if first.Kind != EventStart || first.Builder != b {
		t.Errorf("first event = %+v, want start with builder", first)
	}
	if !res.Success() {
		t.Errorf("result = %+v, want success", res)
	}
	if got := l.starts[0].Options.Dir; got != "/srv/app" {
		t.Errorf("spawn dir = %q", got)
	}
}

func TestRun_FailureBeforeSpawn(t *testing.T) {
	tests := []struct {
		name      string
		builder   process.Builder
		startErr  error
		wantStart int
	}{
		{
			name:      "build_error",
			builder:   process.NewStaticBuilder(&process.CommandConfig{}),
			wantStart: 0,
		},
		{
			name:      "spawn_error",
			builder:   phpBuilder(),
			startErr:  &process.LaunchError{Op: "start", Err: errors.New("executable file not found")},
			wantStart: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newFakeLauncher()
			l.startErr = tt.startErr
			s, rec := newTestSupervisor(tt.builder, l)

			res := s.Run(context.Background())

			want := []EventKind{EventStart, EventError, EventClose}
			if got := rec.kinds(); !reflect.DeepEqual(got, want) {
				t.Fatalf("events = %v, want %v", got, want)
			}
			if rec.last().ExitCode != nil {
				t.Errorf("close exit code = %v, want nil", *rec.last().ExitCode)
			}
			if res.Err == nil || res.Aborted {
				t.Errorf("result = %+v, want error without abort", res)
			}
			if l.startCount() != tt.wantStart {
				t.Errorf("starts = %d, want %d", l.startCount(), tt.wantStart)
			}
		})
	}
}

func TestRun_SecondCallPublishesNothing(t *testing.T) {
	l := newFakeLauncher()
	s, rec := newTestSupervisor(phpBuilder(), l)

	done := runAsync(s)
	l.waitStarted(t)
	l.handle.exitWith(0)
	waitResult(t, done)

	before := len(rec.kinds())
	res := s.Run(context.Background())
	if !errors.Is(res.Err, ErrAlreadyRun) {
		t.Errorf("second Run() err = %v, want ErrAlreadyRun", res.Err)
	}
	if after := len(rec.kinds()); after != before {
		t.Errorf("second Run() published %d events", after-before)
	}
}

// =============================================================================
// Tests: Abort
// =============================================================================

func TestAbort_DuringRun(t *testing.T) {
	l := newFakeLauncher()
	s, rec := newTestSupervisor(dockerBuilder(), l)

	done := runAsync(s)
	l.waitStarted(t)
	l.handle.write(t, "Runtime: PHP 8.3\n")
	rec.waitFor(t, EventLine, 1)

	if !s.Abort() {
		t.Error("Abort() = false, want true for a running process")
	}
	res := waitResult(t, done)

	want := []EventKind{EventStart, EventLine, EventAbort, EventClose}
	if got := rec.kinds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if rec.last().ExitCode != nil {
		t.Errorf("close exit code = %v, want nil", *rec.last().ExitCode)
	}
	if !res.Aborted || res.Err != nil {
		t.Errorf("result = %+v, want aborted without error", res)
	}
	if l.handle.kills.Load() != 1 {
		t.Errorf("Kill() calls = %d, want 1", l.handle.kills.Load())
	}

	spawns := l.detachedSpawns()
	if len(spawns) != 1 {
		t.Fatalf("fallback spawns = %d, want 1", len(spawns))
	}
	wantArgs := []string{"exec", "ripm", fallback.Shell, "-c", fallback.KillScript}
	if spawns[0].Runtime != "docker" || !reflect.DeepEqual(spawns[0].Args, wantArgs) {
		t.Errorf("fallback = %s %q, want docker %q", spawns[0].Runtime, spawns[0].Args, wantArgs)
	}
	if spawns[0].Options.Dir != "/srv/app" {
		t.Errorf("fallback dir = %q, want /srv/app", spawns[0].Options.Dir)
	}
}

func TestAbort_ConcurrentCallsEmitOnce(t *testing.T) {
	l := newFakeLauncher()
	s, rec := newTestSupervisor(dockerBuilder(), l)

	done := runAsync(s)
	l.waitStarted(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Abort()
		}()
	}
	wg.Wait()
	waitResult(t, done)

	if n := rec.count(EventAbort); n != 1 {
		t.Errorf("abort events = %d, want 1", n)
	}
	if n := rec.count(EventClose); n != 1 {
		t.Errorf("close events = %d, want 1", n)
	}
	if n := len(l.detachedSpawns()); n != 1 {
		t.Errorf("fallback spawns = %d, want 1", n)
	}
	kinds := rec.kinds()
	if kinds[len(kinds)-2] != EventAbort {
		t.Errorf("abort must directly precede close: %v", kinds)
	}
}

func TestAbort_BeforeRun(t *testing.T) {
	l := newFakeLauncher()
	s, rec := newTestSupervisor(dockerBuilder(), l)

	if s.Abort() {
		t.Error("Abort() before Run = true")
	}
	if len(rec.kinds()) != 0 {
		t.Errorf("Abort() before Run published %v", rec.kinds())
	}

	res := s.Run(context.Background())

	want := []EventKind{EventStart, EventAbort, EventClose}
	if got := rec.kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if l.startCount() != 0 {
		t.Error("an aborted run must not spawn the process")
	}
	if !res.Aborted || res.ExitCode != nil {
		t.Errorf("result = %+v", res)
	}
	if n := len(l.detachedSpawns()); n != 0 {
		t.Errorf("fallback spawns = %d, want 0", n)
	}
}

func TestAbort_AfterClose(t *testing.T) {
	l := newFakeLauncher()
	s, rec := newTestSupervisor(dockerBuilder(), l)

	done := runAsync(s)
	l.waitStarted(t)
	l.handle.exitWith(0)
	waitResult(t, done)

	before := rec.kinds()
	if s.Abort() {
		t.Error("Abort() after close = true")
	}
	if got := rec.kinds(); !reflect.DeepEqual(got, before) {
		t.Errorf("Abort() after close published events: %v", got[len(before):])
	}
	if !s.Requested() {
		t.Error("Requested() = false after Abort()")
	}
	if n := len(l.detachedSpawns()); n != 0 {
		t.Errorf("fallback spawns = %d, want 0", n)
	}
}

func TestAbort_NoFallbackForLocalRuntime(t *testing.T) {
	l := newFakeLauncher()
	s, rec := newTestSupervisor(phpBuilder(), l)

	done := runAsync(s)
	l.waitStarted(t)
	s.Abort()
	waitResult(t, done)

	if n := len(l.detachedSpawns()); n != 0 {
		t.Errorf("fallback spawns = %d, want 0 for a non-container runtime", n)
	}
	if rec.count(EventAbort) != 1 {
		t.Errorf("events = %v", rec.kinds())
	}
}

func TestAbort_ProcessExitsNormallyAfterRequest(t *testing.T) {
	l := newFakeLauncher()
	l.handle.killResult = false
	s, rec := newTestSupervisor(phpBuilder(), l)

	// The exit may be observed before or after the request. Either way the
	// run closes once with at most one abort.
	done := runAsync(s)
	l.waitStarted(t)
	l.handle.exitWith(0)

	s.Abort()
	res := waitResult(t, done)

	if rec.count(EventAbort) > 1 || rec.count(EventError) != 0 {
		t.Errorf("events = %v", rec.kinds())
	}
	if rec.count(EventClose) != 1 {
		t.Errorf("close events = %d, want 1", rec.count(EventClose))
	}
	if res.Aborted && rec.count(EventAbort) != 1 {
		t.Errorf("aborted result without abort event: %v", rec.kinds())
	}
}

func TestAbort_FromHandler(t *testing.T) {
	l := newFakeLauncher()
	s, rec := newTestSupervisor(dockerBuilder(), l)
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventLine && ev.Line == "FAILURES!" {
			s.Abort()
		}
	})

	done := runAsync(s)
	l.waitStarted(t)
	l.handle.write(t, "FAILURES!\n")
	waitResult(t, done)

	want := []EventKind{EventStart, EventLine, EventAbort, EventClose}
	if got := rec.kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRun_ParentContextCancelAborts(t *testing.T) {
	l := newFakeLauncher()
	s, rec := newTestSupervisor(dockerBuilder(), l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- s.Run(ctx) }()
	l.waitStarted(t)

	cancel()
	res := waitResult(t, done)

	if !res.Aborted {
		t.Error("parent cancel must mark the run aborted")
	}
	if rec.count(EventAbort) != 1 || rec.count(EventError) != 0 {
		t.Errorf("events = %v", rec.kinds())
	}
	if n := len(l.detachedSpawns()); n != 1 {
		t.Errorf("fallback spawns = %d, want 1", n)
	}
}

func TestAbort_FallbackCallback(t *testing.T) {
	tests := []struct {
		name    string
		killer  fallback.Killer
		wantErr bool
	}{
		{"accepted", nil, false},
		{"rejected", failingKiller{err: errors.New("docker missing")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newFakeLauncher()
			var calls atomic.Int32
			var gotErr atomic.Value
			s := New(Config{
				Builder:  dockerBuilder(),
				Launcher: l,
				Killer:   tt.killer,
				Logger:   newTestLogger(),
				Callbacks: Callbacks{
					OnFallback: func(runID string, mode fallback.Mode, err error) {
						calls.Add(1)
						if err != nil {
							gotErr.Store(err)
						}
					},
				},
			})
			rec := &recorder{}
			s.Subscribe(rec.handle)

			done := runAsync(s)
			l.waitStarted(t)
			s.Abort()
			waitResult(t, done)

			if calls.Load() != 1 {
				t.Errorf("OnFallback calls = %d, want 1", calls.Load())
			}
			if (gotErr.Load() != nil) != tt.wantErr {
				t.Errorf("fallback error = %v, wantErr %v", gotErr.Load(), tt.wantErr)
			}
			if rec.count(EventError) != 0 {
				t.Error("fallback failures must not surface as error events")
			}
		})
	}
}

func TestAbort_AsyncFallbackOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"started", nil},
		{"create_failed", errors.New("no such container: ripm")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newFakeLauncher()
			outcomes := make(chan error, 2)
			s := New(Config{
				Builder:  dockerBuilder(),
				Launcher: l,
				Killer:   asyncKiller{err: tt.err},
				Logger:   newTestLogger(),
				Callbacks: Callbacks{
					OnFallback: func(runID string, mode fallback.Mode, err error) {
						if mode != fallback.ModeAPI {
							t.Errorf("mode = %q, want api", mode)
						}
						outcomes <- err
					},
				},
			})

			done := runAsync(s)
			l.waitStarted(t)
			s.Abort()
			waitResult(t, done)

			select {
			case err := <-outcomes:
				if !errors.Is(err, tt.err) {
					t.Errorf("OnFallback err = %v, want %v", err, tt.err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("OnFallback was never called")
			}
			select {
			case err := <-outcomes:
				t.Errorf("second OnFallback call with %v", err)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestAbort_FallbackNotHeldBySubscriber(t *testing.T) {
	l := newFakeLauncher()
	s, _ := newTestSupervisor(dockerBuilder(), l)

	release := make(chan struct{})
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventAbort {
			<-release
		}
	})

	done := runAsync(s)
	l.waitStarted(t)

	aborted := make(chan struct{})
	go func() {
		s.Abort()
		close(aborted)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(l.detachedSpawns()) == 0 {
		if time.Now().After(deadline) {
			close(release)
			t.Fatal("fallback kill waited on a blocked abort subscriber")
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	waitResult(t, done)
	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("Abort() did not return")
	}
	if n := len(l.detachedSpawns()); n != 1 {
		t.Errorf("fallback spawns = %d, want 1", n)
	}
}

// =============================================================================
// Tests: Subscribe and accessors
// =============================================================================

func TestSubscribe_Unsubscribe(t *testing.T) {
	l := newFakeLauncher()
	s, rec := newTestSupervisor(phpBuilder(), l)

	other := &recorder{}
	unsubscribe := s.Subscribe(other.handle)

	done := runAsync(s)
	l.waitStarted(t)
	l.handle.write(t, "one\n")

	other.waitFor(t, EventLine, 1)
	unsubscribe()

	l.handle.write(t, "two\n")
	l.handle.exitWith(0)
	waitResult(t, done)

	if got := other.lines(); !reflect.DeepEqual(got, []string{"one"}) {
		t.Errorf("unsubscribed handler lines = %q, want [one]", got)
	}
	if got := rec.lines(); !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Errorf("subscribed handler lines = %q", got)
	}
}

func TestCoverageFile(t *testing.T) {
	b := process.NewStaticBuilder(&process.CommandConfig{
		Runtime:      "vendor/bin/phpunit",
		CoverageFile: "build/coverage.xml",
	})
	s := New(Config{Builder: b, Launcher: newFakeLauncher()})
	if got := s.CoverageFile(); got != "build/coverage.xml" {
		t.Errorf("CoverageFile() = %q", got)
	}
	if s.ID() == "" {
		t.Error("ID() must be generated when RunID is empty")
	}
}

func TestSpec(t *testing.T) {
	l := newFakeLauncher()
	s, _ := newTestSupervisor(dockerBuilder(), l)

	if _, ok := s.Spec(); ok {
		t.Error("Spec() before Run must report ok=false")
	}

	done := runAsync(s)
	l.waitStarted(t)
	l.handle.exitWith(0)
	waitResult(t, done)

	spec, ok := s.Spec()
	if !ok || spec.Runtime != "docker" || spec.Options.Dir != "/srv/app" {
		t.Fatalf("Spec() = %+v, %v", spec, ok)
	}
	spec.Args[0] = "changed"
	if again, _ := s.Spec(); again.Args[0] != "exec" {
		t.Error("Spec() shares its args with the supervisor")
	}
}

func TestCallbacks_StateChanges(t *testing.T) {
	l := newFakeLauncher()
	var mu sync.Mutex
	var states []State
	s := New(Config{
		Builder:  phpBuilder(),
		Launcher: l,
		Callbacks: Callbacks{
			OnStateChange: func(_ string, _, newState State) {
				mu.Lock()
				states = append(states, newState)
				mu.Unlock()
			},
		},
	})

	done := runAsync(s)
	l.waitStarted(t)
	l.handle.exitWith(0)
	waitResult(t, done)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateStarting, StateRunning, StateClosed}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}
