package tui

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/logging"
)

// chromeLines is the height taken by everything except the output tail:
// header, command box, section header, stats line and footer.
const chromeLines = 11

// render builds the full view.
func (m Model) render() string {
	sections := []string{
		m.renderHeader(),
		m.renderCommand(),
		m.renderOutput(),
		m.renderStats(),
		m.renderFooter(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderHeader renders the title bar.
func (m Model) renderHeader() string {
	status := m.status.String()
	if m.done {
		status = "done: " + status
	}
	title := fmt.Sprintf(" phpunit-supervisor │ %s │ Run %d/%d │ Elapsed: %s ",
		status, m.run, m.repeat, formatDuration(m.Elapsed()))
	return headerStyle.Width(m.width).Render(title)
}

// renderCommand renders the command being supervised.
func (m Model) renderCommand() string {
	cmd := m.command
	if limit := m.width - 6; limit > 3 && lipgloss.Width(cmd) > limit {
		cmd = truncate(cmd, limit)
	}
	lines := []string{RenderKeyValue("Command", cmd)}
	if m.runID != "" {
		lines = append(lines, RenderKeyValue("Run ID", m.runID))
	}
	return boxStyle.Width(maxInt(m.width-2, 20)).Render(strings.Join(lines, "\n"))
}

// renderOutput renders the tail of the current run's output, sized to fit
// the window.
func (m Model) renderOutput() string {
	title := "Output"
	if m.failuresOnly {
		title = "Output (failures only)"
	}
	header := sectionHeaderStyle.Render(title)

	visible := m.visibleLines()
	if len(visible) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, header, dimStyle.Render("  (no output yet)"))
	}

	rows := make([]string, 0, len(visible)+1)
	rows = append(rows, header)
	for _, line := range visible {
		rows = append(rows, styleLine(truncate(line, maxInt(m.width-2, 10))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// visibleLines returns the lines that fit in the output section.
func (m Model) visibleLines() []string {
	lines := m.lines
	if m.failuresOnly {
		filtered := make([]string, 0, len(lines))
		for _, l := range lines {
			if logging.ClassifyLine(l) >= slog.LevelWarn {
				filtered = append(filtered, l)
			}
		}
		lines = filtered
	}

	n := m.height - chromeLines
	if n < 1 {
		n = 1
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// styleLine colours a line by its classification.
func styleLine(line string) string {
	switch logging.ClassifyLine(line) {
	case slog.LevelWarn:
		return lineFailStyle.Render(line)
	case slog.LevelInfo:
		return linePassStyle.Render(line)
	default:
		return lineStyle.Render(line)
	}
}

// renderStats renders per-run and cumulative counters.
func (m Model) renderStats() string {
	exit := "-"
	if m.exitCode != nil {
		exit = fmt.Sprintf("%d", *m.exitCode)
	}

	parts := []string{
		StatusStyle(m.status).Render(strings.ToUpper(m.status.String())),
		RenderKeyValue("Lines", fmt.Sprintf("%d", m.lineCount)),
		RenderKeyValue("Failures", fmt.Sprintf("%d", m.failures)),
		RenderKeyValue("Exit", exit),
		RenderKeyValue("Passed", fmt.Sprintf("%d", m.passed)),
		RenderKeyValue("Failed", fmt.Sprintf("%d", m.failed)),
		RenderKeyValue("Aborted", fmt.Sprintf("%d", m.aborted)),
	}
	line := strings.Join(parts, "  ")
	if m.lastErr != nil {
		line += "\n" + statusError.Render("Error: "+m.lastErr.Error())
	}
	return line
}

// renderFooter renders the footer with keyboard shortcuts.
func (m Model) renderFooter() string {
	quit := "q: abort"
	if m.done || m.cancelRequested {
		quit = "q: quit"
	}
	shortcuts := []string{quit, "f: failures only"}
	left := strings.Join(shortcuts, " │ ")

	right := ""
	if m.metricsAddr != "" {
		right = "Metrics: http://" + m.metricsAddr + "/metrics"
	}

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}
	return footerStyle.Render(left + strings.Repeat(" ", padding) + right)
}

// truncate shortens s to at most n runes, marking the cut with "…".
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
