// Package orchestrator runs supervised test runs one after another and
// re-exposes their events to upstream subscribers.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/fallback"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/logging"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/metrics"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/process"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/report"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/stats"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/supervisor"
)

const (
	// publishTimeout bounds delivery of one run report.
	publishTimeout = 5 * time.Second

	// reportTailLines is the number of output lines carried in a report.
	reportTailLines = 20
)

var (
	// ErrCancelled is returned by Run after Cancel was called.
	ErrCancelled = errors.New("orchestrator: cancelled")

	// ErrBusy is returned by Run while another run is active.
	ErrBusy = errors.New("orchestrator: run already active")
)

// Options configures an Orchestrator. Only Builder is required.
type Options struct {
	Builder  process.Builder
	Launcher process.Launcher
	Killer   fallback.Killer
	Logger   *slog.Logger

	// Optional sinks; nil disables each.
	Metrics   *metrics.Collector
	Stats     *stats.Tracker
	Publisher report.Publisher
	Output    *logging.OutputHandler

	// Timeout aborts a run after this long. Zero disables it.
	Timeout time.Duration

	// Repeat is the number of runs performed by RunAll.
	Repeat        int
	StopOnFailure bool
}

// Orchestrator creates one supervisor per run and forwards its events.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	active    *supervisor.Supervisor
	cancelled bool
	subs      []subscription
	nextSub   int
}

type subscription struct {
	id int
	h  supervisor.Handler
}

// runState is the forwarding state of one managed run. It is only touched
// from the supervisor's event delivery, which is sequential.
type runState struct {
	abort   supervisor.AbortState
	started time.Time
	sawLine bool
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Publisher == nil {
		opts.Publisher = report.NopPublisher{}
	}
	if opts.Repeat < 1 {
		opts.Repeat = 1
	}
	return &Orchestrator{
		opts:   opts,
		logger: opts.Logger,
	}
}

// Subscribe registers h for the events of every subsequent run. Abort is
// forwarded at most once per run. The returned function removes h.
func (o *Orchestrator) Subscribe(h supervisor.Handler) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSub
	o.nextSub++
	o.subs = append(o.subs, subscription{id: id, h: h})

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, sub := range o.subs {
			if sub.id == id {
				o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

// Cancel aborts the active run and prevents further runs. It reports
// whether a run was active. Safe to call any number of times.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	o.cancelled = true
	sup := o.active
	o.mu.Unlock()

	if sup == nil {
		return false
	}
	sup.Abort()
	return true
}

// Cancelled reports whether Cancel has been called.
func (o *Orchestrator) Cancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// Active returns the supervisor of the run in progress, or nil.
func (o *Orchestrator) Active() *supervisor.Supervisor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Run performs one supervised run and records its outcome. The error is
// non-nil only when the run was not started.
func (o *Orchestrator) Run(ctx context.Context) (supervisor.Result, error) {
	sup := supervisor.New(supervisor.Config{
		Builder:  o.opts.Builder,
		Launcher: o.opts.Launcher,
		Killer:   o.opts.Killer,
		Logger:   o.logger,
		Callbacks: supervisor.Callbacks{
			OnFallback: o.onFallback,
		},
	})
	unsubscribe := sup.Subscribe(o.forward(&runState{}))
	defer unsubscribe()

	o.mu.Lock()
	switch {
	case o.cancelled:
		o.mu.Unlock()
		return supervisor.Result{RunID: sup.ID()}, ErrCancelled
	case o.active != nil:
		o.mu.Unlock()
		return supervisor.Result{RunID: sup.ID()}, ErrBusy
	}
	o.active = sup
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.active = nil
		o.mu.Unlock()
	}()

	if o.opts.Output != nil {
		o.opts.Output.Reset()
	}

	if o.opts.Timeout > 0 {
		timer := time.AfterFunc(o.opts.Timeout, func() {
			o.logger.Warn("run_timeout",
				"run_id", sup.ID(),
				"timeout", o.opts.Timeout.String(),
			)
			sup.Abort()
		})
		defer timer.Stop()
	}

	res := sup.Run(ctx)
	o.record(ctx, sup, res)
	return res, nil
}

// RunAll performs up to Repeat runs sequentially. It stops early when a run
// was aborted, when the orchestrator or ctx is cancelled, and with
// StopOnFailure after the first unsuccessful run.
func (o *Orchestrator) RunAll(ctx context.Context) ([]supervisor.Result, error) {
	results := make([]supervisor.Result, 0, o.opts.Repeat)

	for i := 0; i < o.opts.Repeat; i++ {
		if ctx.Err() != nil {
			o.logger.Info("repeat_cancelled", "completed", i, "target", o.opts.Repeat)
			break
		}

		res, err := o.Run(ctx)
		if errors.Is(err, ErrCancelled) {
			o.logger.Info("repeat_cancelled", "completed", i, "target", o.opts.Repeat)
			break
		}
		if err != nil {
			return results, err
		}
		results = append(results, res)

		if o.opts.Repeat > 1 {
			o.logger.Info("repeat_progress",
				"completed", i+1,
				"target", o.opts.Repeat,
				"outcome", report.Outcome(res.ExitCode, res.Aborted, res.Err),
			)
		}

		if res.Aborted {
			break
		}
		if o.opts.StopOnFailure && !res.Success() {
			o.logger.Info("stop_on_failure", "run_id", res.RunID)
			break
		}
	}

	return results, nil
}

// HandleSignals cancels the orchestrator on SIGINT or SIGTERM until the
// returned stop function is called.
func (o *Orchestrator) HandleSignals() (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				o.logger.Info("received_signal", "signal", sig.String())
				o.Cancel()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
}

// forward returns the handler attached to one managed run.
func (o *Orchestrator) forward(rs *runState) supervisor.Handler {
	return func(ev supervisor.Event) {
		switch ev.Kind {
		case supervisor.EventStart:
			rs.started = ev.Time
			if o.opts.Metrics != nil {
				o.opts.Metrics.RunStarted()
			}

		case supervisor.EventLine:
			if o.opts.Metrics != nil {
				if !rs.sawLine {
					o.opts.Metrics.RecordFirstLine(ev.Time.Sub(rs.started))
				}
				o.opts.Metrics.LineObserved()
			}
			rs.sawLine = true
			if o.opts.Output != nil {
				o.opts.Output.HandleLine(ev.RunID, ev.Line)
			}

		case supervisor.EventAbort:
			if !rs.abort.Request() {
				return
			}
			rs.abort.MarkEmitted()

		case supervisor.EventError:
			o.logger.Warn("run_error", "run_id", ev.RunID, "error", ev.Err)
		}

		o.publish(ev)
	}
}

func (o *Orchestrator) publish(ev supervisor.Event) {
	o.mu.Lock()
	subs := make([]subscription, len(o.subs))
	copy(subs, o.subs)
	o.mu.Unlock()

	for _, sub := range subs {
		sub.h(ev)
	}
}

func (o *Orchestrator) onFallback(runID string, mode fallback.Mode, err error) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordFallback(string(mode), err)
	}
	if err != nil {
		o.logger.Debug("fallback_kill_failed", "run_id", runID, "mode", mode, "error", err)
	}
}

// record feeds a closed run into metrics, stats and the report publisher.
func (o *Orchestrator) record(ctx context.Context, sup *supervisor.Supervisor, res supervisor.Result) {
	var firstLine time.Duration
	if !res.FirstLine.IsZero() {
		firstLine = res.FirstLine.Sub(res.Started)
	}

	if o.opts.Metrics != nil {
		o.opts.Metrics.RunClosed(res.ExitCode, res.Aborted, res.Err != nil, res.Duration())
	}

	if o.opts.Stats != nil {
		o.opts.Stats.Record(stats.RunRecord{
			RunID:           res.RunID,
			ExitCode:        res.ExitCode,
			Aborted:         res.Aborted,
			Errored:         res.Err != nil,
			Lines:           res.Lines,
			Duration:        res.Duration(),
			TimeToFirstLine: firstLine,
		})
	}

	rep := BuildReport(res, sup.CoverageFile())
	if spec, ok := sup.Spec(); ok {
		rep.Runtime = spec.Runtime
		rep.Args = spec.Args
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := o.opts.Publisher.Publish(pubCtx, rep); err != nil {
		o.logger.Warn("report_publish_failed", "run_id", res.RunID, "error", err)
	}
}

// BuildReport converts a run result into a report. Runtime and Args are
// left for the caller.
func BuildReport(res supervisor.Result, coverageFile string) report.RunReport {
	rep := report.RunReport{
		RunID:        res.RunID,
		Outcome:      report.Outcome(res.ExitCode, res.Aborted, res.Err),
		ExitCode:     res.ExitCode,
		Aborted:      res.Aborted,
		Lines:        res.Lines,
		StartedAt:    res.Started,
		FinishedAt:   res.Finished,
		DurationMs:   res.Duration().Milliseconds(),
		CoverageFile: coverageFile,
		OutputTail:   tailLines(res.Output, reportTailLines),
	}
	if res.Err != nil {
		rep.Error = res.Err.Error()
	}
	return rep
}

// tailLines returns the last n lines of output.
func tailLines(output string, n int) []string {
	output = strings.TrimRight(output, "\r\n")
	if output == "" {
		return nil
	}
	lines := strings.Split(output, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// ExitCode is like the package-level ExitCode, except that cancelling
// before any run started gives 130 like an aborted run.
func (o *Orchestrator) ExitCode(results []supervisor.Result) int {
	if len(results) == 0 && o.Cancelled() {
		return 130
	}
	return ExitCode(results)
}

// ExitCode maps a sequence of results to a process exit code. The first
// unsuccessful run decides: aborted runs give 130, process errors and
// signal deaths give 1, otherwise the runner's own exit code is used.
// No runs at all give 1.
func ExitCode(results []supervisor.Result) int {
	if len(results) == 0 {
		return 1
	}
	for _, res := range results {
		switch {
		case res.Success():
			continue
		case res.Aborted:
			return 130
		case res.Err != nil, res.ExitCode == nil:
			return 1
		default:
			return *res.ExitCode
		}
	}
	return 0
}
