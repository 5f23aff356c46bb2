package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Command is the supervised command line
	Command string

	// Duration is the total wall time across all runs
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// CoverageFile is the coverage report written by the runner, if any
	CoverageFile string

	// RecentOutput holds the last lines of output of the final run
	RecentOutput []string
}

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════════════════════════\n"
	ruleLight = "───────────────────────────────────────────────────────────────────────────────\n"
)

// FormatSummary formats aggregated run stats for display at program exit.
//
// The summary includes:
// - Command and run duration
// - Outcome counts
// - Duration percentiles
// - Exit codes
// - Tail of the final run's output
func FormatSummary(s Snapshot, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                        phpunit-supervisor Exit Summary\n")
	b.WriteString(ruleHeavy)
	b.WriteString("\n")

	if cfg.Command != "" {
		fmt.Fprintf(&b, "Command:                %s\n", cfg.Command)
	}
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Runs:                   %d\n\n", s.Runs)

	section(&b, "Outcomes")
	fmt.Fprintf(&b, "  Passed:               %d\n", s.Passed)
	fmt.Fprintf(&b, "  Failed:               %d\n", s.Failed)
	fmt.Fprintf(&b, "  Aborted:              %d\n", s.Aborted)
	fmt.Fprintf(&b, "  Errored:              %d\n", s.Errored)
	fmt.Fprintf(&b, "  Output Lines:         %s\n\n", FormatNumber(s.Lines))

	if s.Runs > 0 {
		section(&b, "Run Duration")
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatMs(s.DurationP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatMs(s.DurationP95))
		fmt.Fprintf(&b, "  Max:                  %s\n", FormatMs(s.DurationMax))
		if s.FirstLineP50 > 0 {
			fmt.Fprintf(&b, "  First Line P50:       %s\n", FormatMs(s.FirstLineP50))
		}
		b.WriteString("\n")
	}

	if len(s.ExitCodes) > 0 {
		section(&b, "Exit Codes")

		// Sort exit codes for consistent output
		codes := make([]int, 0, len(s.ExitCodes))
		for code := range s.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), s.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	if len(cfg.RecentOutput) > 0 {
		section(&b, "Last Output")
		for _, line := range cfg.RecentOutput {
			fmt.Fprintf(&b, "  %s\n", line)
		}
		b.WriteString("\n")
	}

	if cfg.CoverageFile != "" {
		fmt.Fprintf(&b, "Coverage report:        %s\n", cfg.CoverageFile)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(ruleHeavy)

	return b.String()
}

func section(b *strings.Builder, title string) {
	b.WriteString(ruleLight)
	pad := (len([]rune(ruleLight)) - 1 - len(title)) / 2
	if pad < 0 {
		pad = 0
	}
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(ruleLight)
	b.WriteString("\n")
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(passed)"
	case 1:
		return "(failures)"
	case 2:
		return "(exception)"
	case 130:
		return "(SIGINT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
