package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/config"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/fallback"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/logging"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/metrics"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/orchestrator"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/preflight"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/process"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/report"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/stats"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/supervisor"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/tui"
)

const (
	// shutdownTimeout bounds the metrics server shutdown.
	shutdownTimeout = 5 * time.Second

	// summaryTailLines is the output tail printed in the exit summary.
	summaryTailLines = 10
)

// exitError carries a process exit code out of RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	// cobra falls back to os.Args for a nil slice.
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cfg := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "phpunit-supervisor [flags] -- <runtime> [args...]",
		Short: "Run PHPUnit, Pest or Paratest with streaming output and clean abort",
		Long: `phpunit-supervisor runs a PHP test runner, streams its output line by line
and aborts it cleanly. When the runner is started through docker exec or
docker compose exec, aborting also kills the test process inside the container.

Examples:
  phpunit-supervisor -- vendor/bin/phpunit --testdox
  phpunit-supervisor --timeout 10m -- docker compose exec -T app vendor/bin/pest
  phpunit-supervisor --run-file phpunit-run.yaml --repeat 5 --stop-on-failure`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := execute(cmd, cfg, args)
			if err != nil || code != 0 {
				return &exitError{code: code, err: err}
			}
			return nil
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.Flags().SetInterspersed(false)
	config.BindFlags(cmd.Flags(), cfg)
	cmd.SetUsageFunc(func(c *cobra.Command) error {
		fmt.Fprintf(c.OutOrStderr(), "Usage:\n  %s\n\n%s", c.UseLine(), config.FlagUsages(c.Flags()))
		return nil
	})

	return cmd
}

// execute performs one invocation. A non-nil error is reported to the user;
// the code is returned either way.
func execute(cmd *cobra.Command, cfg *config.Config, args []string) (int, error) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	config.SplitCommand(cfg, args)
	if cfg.RunFile != "" {
		rf, err := config.LoadRunFile(cfg.RunFile)
		if err != nil {
			return 1, err
		}
		config.ApplyRunFile(cfg, rf)
	}
	if err := config.Validate(cfg); err != nil {
		return 1, fmt.Errorf("configuration error: %w", err)
	}

	builder := process.NewStaticBuilder(cfg.CommandConfig())
	if cfg.PrintCmd {
		fmt.Fprintln(stdout, "# Test runner command:")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, builder.CommandString())
		return 0, nil
	}

	// When the viewer is shown, logs would corrupt the screen.
	useTUI := tui.ShouldEnable(cmd.Flags().Changed("tui"), cfg.TUI, stdoutFile(stdout))
	logger := logging.Discard()
	if !useTUI {
		logger = logging.New(logging.Config{
			Format:  cfg.LogFormat,
			Level:   cfg.LogLevel,
			Verbose: cfg.Verbose,
			Output:  stderr,
		})
	}
	logging.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	mode, err := fallback.ParseMode(cfg.FallbackMode)
	if err != nil {
		return 1, err
	}
	launcher := process.NewExecLauncher(logger)

	var (
		killer fallback.Killer
		pinger preflight.Pinger
	)
	switch mode {
	case fallback.ModeAPI:
		api := fallback.NewAPIKiller(logger, cfg.APITimeout)
		defer api.Close()
		killer, pinger = api, api
	case fallback.ModeOff:
		killer = fallback.NopKiller{}
	default:
		killer = fallback.NewCLIKiller(launcher)
	}

	if !cfg.SkipPreflight {
		result := preflight.RunAll(ctx, preflight.Options{
			Runtime:      cfg.Runtime,
			Args:         cfg.Args,
			Dir:          cfg.Dir,
			FallbackMode: mode,
			Docker:       pinger,
		})
		if !result.Passed || cfg.Verbose {
			preflight.PrintResults(stderr, result)
		}
		if !result.Passed {
			return 1, errors.New("preflight checks failed (use --skip-preflight to bypass)")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Runtime:      cfg.Runtime,
		FallbackMode: string(mode),
	}, registry)

	if cfg.MetricsAddr != "" {
		server := metrics.NewServer(cfg.MetricsAddr, registry, logger)
		if err := server.Start(); err != nil {
			return 1, err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics_server_shutdown_failed", "error", err)
			}
		}()
	}

	var publisher report.Publisher = report.NopPublisher{}
	if cfg.ReportsEnabled() {
		kp, err := report.NewKafkaPublisher(report.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return 1, err
		}
		publisher = kp
	}
	defer publisher.Close()

	output := logging.NewOutputHandler(logger, cfg.Verbose)
	tracker := stats.NewTracker()

	orch := orchestrator.New(orchestrator.Options{
		Builder:       builder,
		Launcher:      launcher,
		Killer:        killer,
		Logger:        logger,
		Metrics:       collector,
		Stats:         tracker,
		Publisher:     publisher,
		Output:        output,
		Timeout:       cfg.Timeout,
		Repeat:        cfg.Repeat,
		StopOnFailure: cfg.StopOnFailure,
	})

	logger.Info("starting",
		"version", version,
		"command", builder.CommandString(),
		"dir", cfg.Dir,
		"fallback_mode", mode,
		"repeat", cfg.Repeat,
		"timeout", cfg.Timeout,
		"metrics_addr", cfg.MetricsAddr,
	)

	stopSignals := orch.HandleSignals()
	start := time.Now()
	var results []supervisor.Result
	if useTUI {
		results, err = runWithTUI(ctx, orch, cfg, builder.CommandString())
	} else {
		unsubscribe := orch.Subscribe(echoLines(stdout))
		results, err = orch.RunAll(ctx)
		unsubscribe()
	}
	stopSignals()
	if err != nil && !errors.Is(err, orchestrator.ErrCancelled) {
		logger.Error("run_failed", "error", err)
	}

	fmt.Fprint(stdout, stats.FormatSummary(tracker.Snapshot(), stats.SummaryConfig{
		Command:      builder.CommandString(),
		Duration:     time.Since(start),
		MetricsAddr:  cfg.MetricsAddr,
		CoverageFile: cfg.CoverageFile,
		RecentOutput: output.RecentLines(summaryTailLines),
	}))

	return orch.ExitCode(results), nil
}

// runWithTUI drives the runs behind the live viewer. Leaving the viewer
// cancels any remaining runs.
func runWithTUI(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, command string) ([]supervisor.Result, error) {
	model := tui.New(tui.Config{
		Command:     command,
		Repeat:      cfg.Repeat,
		MetricsAddr: cfg.MetricsAddr,
		Canceller:   orch,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	unsubscribe := orch.Subscribe(tui.Forward(p))
	defer unsubscribe()

	var (
		results []supervisor.Result
		runErr  error
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		results, runErr = orch.RunAll(ctx)
		tui.SendDone(p)
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		slog.Default().Warn("tui_error", "error", err)
	}
	orch.Cancel()
	<-done

	return results, runErr
}

// echoLines copies runner output to w.
func echoLines(w io.Writer) supervisor.Handler {
	return func(ev supervisor.Event) {
		if ev.Kind == supervisor.EventLine {
			fmt.Fprintln(w, ev.Line)
		}
	}
}

// stdoutFile returns w as a file when it is one, for terminal detection.
func stdoutFile(w io.Writer) *os.File {
	f, _ := w.(*os.File)
	return f
}
