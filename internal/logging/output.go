package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept for the exit summary.
	MaxBufferedLines = 100
)

// OutputHandler logs lines streamed from a test runner and keeps the most
// recent ones for the exit summary.
type OutputHandler struct {
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	mu     sync.Mutex
	buffer []string
	bufIdx int
	counts map[string]int
}

// NewOutputHandler creates a handler. In non-verbose mode only lines
// classified as warnings are logged.
func NewOutputHandler(logger *slog.Logger, verbose bool) *OutputHandler {
	return &OutputHandler{
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
		counts:  make(map[string]int),
	}
}

// HandleLine processes a single line of runner output.
func (h *OutputHandler) HandleLine(runID, line string) {
	if len(line) > MaxLineLength {
		cut := MaxLineLength
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	for _, pattern := range FailurePatterns {
		if strings.Contains(line, pattern) {
			h.counts[pattern]++
		}
	}
	h.mu.Unlock()

	level := ClassifyLine(line)
	if !h.verbose && level < slog.LevelWarn {
		return
	}

	h.logger.Log(context.Background(), level, "runner_output",
		"run_id", runID,
		"line", line,
	)
}

// Reset clears the recent lines and failure counts, typically between
// repeated runs.
func (h *OutputHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.buffer {
		h.buffer[i] = ""
	}
	h.bufIdx = 0
	h.counts = make(map[string]int)
}

// ClassifyLine determines the log level for a line of PHPUnit, Pest or
// Paratest output.
func ClassifyLine(line string) slog.Level {
	trimmed := strings.TrimSpace(line)
	lower := strings.ToLower(trimmed)

	// Failure banners and fatal errors
	if strings.HasPrefix(trimmed, "FAILURES!") ||
		strings.HasPrefix(trimmed, "ERRORS!") ||
		strings.HasPrefix(trimmed, "FAIL ") ||
		strings.HasPrefix(trimmed, "⨯") ||
		strings.HasPrefix(trimmed, "✘") ||
		strings.Contains(lower, "fatal error") ||
		strings.Contains(lower, "uncaught exception") {
		return slog.LevelWarn
	}

	// Result lines
	if strings.HasPrefix(trimmed, "OK (") ||
		strings.HasPrefix(trimmed, "Tests:") ||
		strings.HasPrefix(trimmed, "Time:") ||
		strings.HasPrefix(trimmed, "PASS ") {
		return slog.LevelInfo
	}

	// Progress dots and everything else
	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)

	// Read from circular buffer in order
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}

	return lines
}

// FailurePatterns are counted across the lines handled since the last Reset.
var FailurePatterns = []string{
	"FAILURES!",
	"ERRORS!",
	"Fatal error",
	"Deprecated",
	"Risky",
	"Incomplete",
	"Skipped",
}

// CountFailures returns how often each failure pattern was seen.
func (h *OutputHandler) CountFailures() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]int, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}
