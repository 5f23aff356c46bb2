// Package stats aggregates statistics across test runs and renders the exit
// summary.
package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// digestCompression bounds each digest to roughly 100 centroids.
const digestCompression = 100

// RunRecord describes one closed run.
type RunRecord struct {
	RunID    string
	ExitCode *int
	Aborted  bool
	Errored  bool
	Lines    int
	Duration time.Duration

	// TimeToFirstLine is zero when the run produced no output.
	TimeToFirstLine time.Duration
}

// Passed reports a zero exit without abort or error.
func (r RunRecord) Passed() bool {
	return !r.Aborted && !r.Errored && r.ExitCode != nil && *r.ExitCode == 0
}

// Tracker accumulates run records. It is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	runs    int
	passed  int
	failed  int
	aborted int
	errored int
	lines   int64

	maxDuration time.Duration
	durations   *tdigest.TDigest
	firstLines  *tdigest.TDigest

	exitCodes map[int]int
	records   []RunRecord
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		durations:  tdigest.NewWithCompression(digestCompression),
		firstLines: tdigest.NewWithCompression(digestCompression),
		exitCodes:  make(map[int]int),
	}
}

// Record adds a closed run.
func (t *Tracker) Record(r RunRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runs++
	t.lines += int64(r.Lines)

	switch {
	case r.Aborted:
		t.aborted++
	case r.Errored:
		t.errored++
	case r.Passed():
		t.passed++
	default:
		t.failed++
	}

	if r.ExitCode != nil {
		t.exitCodes[*r.ExitCode]++
	}

	t.durations.Add(float64(r.Duration.Nanoseconds()), 1)
	if r.Duration > t.maxDuration {
		t.maxDuration = r.Duration
	}
	if r.TimeToFirstLine > 0 {
		t.firstLines.Add(float64(r.TimeToFirstLine.Nanoseconds()), 1)
	}

	t.records = append(t.records, r)
}

// Snapshot is a point-in-time copy of the tracker.
type Snapshot struct {
	Runs    int
	Passed  int
	Failed  int
	Aborted int
	Errored int
	Lines   int64

	DurationP50  time.Duration
	DurationP95  time.Duration
	DurationMax  time.Duration
	FirstLineP50 time.Duration

	ExitCodes map[int]int
	Records   []RunRecord
}

// Snapshot returns the current aggregates.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Runs:         t.runs,
		Passed:       t.passed,
		Failed:       t.failed,
		Aborted:      t.aborted,
		Errored:      t.errored,
		Lines:        t.lines,
		DurationP50:  quantile(t.durations, 0.50),
		DurationP95:  quantile(t.durations, 0.95),
		DurationMax:  t.maxDuration,
		FirstLineP50: quantile(t.firstLines, 0.50),
		ExitCodes:    make(map[int]int, len(t.exitCodes)),
		Records:      append([]RunRecord(nil), t.records...),
	}
	for code, n := range t.exitCodes {
		s.ExitCodes[code] = n
	}
	return s
}

// AllPassed reports whether at least one run was recorded and every run passed.
func (s Snapshot) AllPassed() bool {
	return s.Runs > 0 && s.Passed == s.Runs
}

func quantile(d *tdigest.TDigest, q float64) time.Duration {
	if d.Count() == 0 {
		return 0
	}
	return time.Duration(d.Quantile(q))
}
