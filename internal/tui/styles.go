// Package tui provides a live terminal viewer for a supervised test run.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It displays:
//   - Run status, run number and elapsed time
//   - The tail of the streamed test-runner output
//   - Line and failure counts
package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Color Palette
// =============================================================================

// Colors based on a modern dark theme
var (
	// Primary colors
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	// Status colors
	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorInfo    = lipgloss.Color("#3B82F6") // Blue

	// Neutral colors
	colorText      = lipgloss.Color("#E5E7EB") // Light gray
	colorTextMuted = lipgloss.Color("#9CA3AF") // Medium gray
	colorTextDim   = lipgloss.Color("#6B7280") // Dark gray
	colorBorder    = lipgloss.Color("#374151") // Border gray
)

// =============================================================================
// Base Styles
// =============================================================================

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	lineStyle = lipgloss.NewStyle().
			Foreground(colorText)

	lineFailStyle = lipgloss.NewStyle().
			Foreground(colorError)

	linePassStyle = lipgloss.NewStyle().
			Foreground(colorSuccess)
)

// =============================================================================
// Status Indicator Styles
// =============================================================================

var (
	statusOK = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	statusWarning = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	statusError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	statusInfo = lipgloss.NewStyle().
			Foreground(colorInfo).
			Bold(true)
)

// =============================================================================
// Layout Styles
// =============================================================================

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)
)

// StatusStyle returns the style used for a run status label.
func StatusStyle(s Status) lipgloss.Style {
	switch s {
	case StatusPassed:
		return statusOK
	case StatusFailed, StatusErrored:
		return statusError
	case StatusAborting, StatusAborted:
		return statusWarning
	default:
		return statusInfo
	}
}

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return labelStyle.Render(label+": ") + valueStyle.Render(value)
}
