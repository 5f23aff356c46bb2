// Package metrics provides Prometheus metrics for phpunit-supervisor.
//
// Metrics are grouped by concern:
//   - Runs: starts, closes by exit category, aborts, errors, durations
//   - Output: streamed line counts and time to first line
//   - Fallback: container kill attempts by mode and result
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "phpunit_supervisor"

// Exit categories used for the exits counter.
const (
	ExitSuccess = "success"
	ExitFailure = "failure"
	ExitSignal  = "signal"
	ExitAborted = "aborted"
)

// Fallback results used for the fallback counter.
const (
	FallbackSpawned = "spawned"
	FallbackFailed  = "failed"
)

// Collector manages all Prometheus metrics for the supervisor.
type Collector struct {
	// --- Runs ---
	info        *prometheus.GaugeVec
	runsStarted prometheus.Counter
	runsAborted prometheus.Counter
	runErrors   prometheus.Counter
	exits       *prometheus.CounterVec
	runDuration prometheus.Histogram
	activeRuns  prometheus.Gauge

	// --- Output ---
	outputLines prometheus.Counter
	firstLine   prometheus.Histogram

	// --- Fallback ---
	fallbackKills *prometheus.CounterVec

	gatherer prometheus.Gatherer

	// Timing
	startTime time.Time

	// For summary generation
	mu          sync.Mutex
	active      int
	peakActive  int
	totalStarts int64
	totalAborts int64
	totalErrors int64
	totalLines  int64
	exitCodes   map[int]int64
	categories  map[string]int64
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Runtime      string
	FallbackMode string
}

// NewCollector creates a new metrics collector on the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// When registry also implements prometheus.Gatherer it is used by Dump and
// Snapshot; otherwise the default gatherer is used.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Information about the supervised command (value always 1)",
			},
			[]string{"runtime", "fallback_mode"},
		),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total test runs started",
		}),
		runsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_aborted_total",
			Help:      "Total test runs that were aborted",
		}),
		runErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_errors_total",
			Help:      "Total test runs that ended with a process error",
		}),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_exits_total",
				Help:      "Closed test runs by exit category",
			},
			[]string{"category"},
		),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of test runs",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Currently running test runs",
		}),
		outputLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_lines_total",
			Help:      "Total output lines streamed from test runners",
		}),
		firstLine: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_line_seconds",
			Help:      "Time from run start until the first output line",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		fallbackKills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_kills_total",
				Help:      "Container fallback kill attempts",
			},
			[]string{"mode", "result"},
		),
		startTime:  time.Now(),
		exitCodes:  make(map[int]int64),
		categories: make(map[string]int64),
	}

	registry.MustRegister(
		c.info,
		c.runsStarted,
		c.runsAborted,
		c.runErrors,
		c.exits,
		c.runDuration,
		c.activeRuns,
		c.outputLines,
		c.firstLine,
		c.fallbackKills,
	)

	if g, ok := registry.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}

	c.info.WithLabelValues(cfg.Runtime, cfg.FallbackMode).Set(1)

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// RunStarted records a run start and raises the active gauge.
func (c *Collector) RunStarted() {
	c.runsStarted.Inc()
	c.activeRuns.Inc()

	c.mu.Lock()
	c.totalStarts++
	c.active++
	if c.active > c.peakActive {
		c.peakActive = c.active
	}
	c.mu.Unlock()
}

// RunClosed records the outcome of a run and lowers the active gauge.
// exitCode is nil when the process did not exit normally.
func (c *Collector) RunClosed(exitCode *int, aborted, failed bool, duration time.Duration) {
	category := ExitCategory(exitCode, aborted)

	c.exits.WithLabelValues(category).Inc()
	c.runDuration.Observe(duration.Seconds())
	c.activeRuns.Dec()
	if aborted {
		c.runsAborted.Inc()
	}
	if failed {
		c.runErrors.Inc()
	}

	c.mu.Lock()
	c.active--
	c.categories[category]++
	if exitCode != nil {
		c.exitCodes[*exitCode]++
	}
	if aborted {
		c.totalAborts++
	}
	if failed {
		c.totalErrors++
	}
	c.mu.Unlock()
}

// LineObserved counts one streamed output line.
func (c *Collector) LineObserved() {
	c.outputLines.Inc()

	c.mu.Lock()
	c.totalLines++
	c.mu.Unlock()
}

// RecordFirstLine records the delay until the first output line of a run.
func (c *Collector) RecordFirstLine(d time.Duration) {
	c.firstLine.Observe(d.Seconds())
}

// RecordFallback records a container fallback kill attempt.
func (c *Collector) RecordFallback(mode string, err error) {
	result := FallbackSpawned
	if err != nil {
		result = FallbackFailed
	}
	c.fallbackKills.WithLabelValues(mode, result).Inc()
}

// ExitCategory classifies a closed run.
func ExitCategory(exitCode *int, aborted bool) string {
	switch {
	case aborted:
		return ExitAborted
	case exitCode == nil:
		return ExitSignal
	case *exitCode == 0:
		return ExitSuccess
	case *exitCode > 128:
		return ExitSignal
	default:
		return ExitFailure
	}
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration    time.Duration
	TotalStarts int64
	TotalAborts int64
	TotalErrors int64
	TotalLines  int64
	PeakActive  int
	ExitCodes   map[int]int64
	ByCategory  map[string]int64
}

// GenerateSummary creates a summary of all runs recorded so far.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:    time.Since(c.startTime),
		TotalStarts: c.totalStarts,
		TotalAborts: c.totalAborts,
		TotalErrors: c.totalErrors,
		TotalLines:  c.totalLines,
		PeakActive:  c.peakActive,
		ExitCodes:   make(map[int]int64, len(c.exitCodes)),
		ByCategory:  make(map[string]int64, len(c.categories)),
	}
	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}
	for cat, count := range c.categories {
		s.ByCategory[cat] = count
	}
	return s
}

// TotalStarts returns the total number of run starts.
func (c *Collector) TotalStarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalStarts
}

// Active returns the number of runs currently active.
func (c *Collector) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
