// Package report publishes a summary of every closed test run.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Outcome values of a RunReport.
const (
	OutcomePassed  = "passed"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
	OutcomeErrored = "errored"
)

// RunReport describes a closed test run.
type RunReport struct {
	RunID        string    `json:"run_id"`
	Runtime      string    `json:"runtime"`
	Args         []string  `json:"args,omitempty"`
	Outcome      string    `json:"outcome"`
	ExitCode     *int      `json:"exit_code"`
	Aborted      bool      `json:"aborted"`
	Error        string    `json:"error,omitempty"`
	Lines        int       `json:"lines"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DurationMs   int64     `json:"duration_ms"`
	CoverageFile string    `json:"coverage_file,omitempty"`
	OutputTail   []string  `json:"output_tail,omitempty"`
}

// Outcome classifies a run the same way the exit summary does.
func Outcome(exitCode *int, aborted bool, err error) string {
	switch {
	case aborted:
		return OutcomeAborted
	case err != nil:
		return OutcomeErrored
	case exitCode != nil && *exitCode == 0:
		return OutcomePassed
	default:
		return OutcomeFailed
	}
}

// Encode serializes a report as JSON.
func Encode(r RunReport) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return payload, nil
}

// Publisher delivers run reports.
type Publisher interface {
	Publish(ctx context.Context, r RunReport) error
	Close() error
}

// NopPublisher discards reports.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, RunReport) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
