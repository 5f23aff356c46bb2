package tui

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/logging"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/supervisor"
)

// maxTailLines bounds the output kept for display.
const maxTailLines = 500

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the elapsed time.
type TickMsg time.Time

// EventMsg carries one supervisor event.
type EventMsg struct {
	Event supervisor.Event
}

// DoneMsg signals that all runs have finished.
type DoneMsg struct{}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Status
// =============================================================================

// Status is the display state of the current run.
type Status int

const (
	StatusWaiting Status = iota
	StatusRunning
	StatusAborting
	StatusPassed
	StatusFailed
	StatusAborted
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusAborting:
		return "aborting"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	case StatusErrored:
		return "errored"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// =============================================================================
// Model
// =============================================================================

// Canceller aborts the active run.
type Canceller interface {
	Cancel() bool
}

// Config holds TUI configuration.
type Config struct {
	Command     string
	Repeat      int
	MetricsAddr string
	Canceller   Canceller
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	command     string
	repeat      int
	metricsAddr string
	canceller   Canceller

	// Current run
	status    Status
	runID     string
	run       int
	exitCode  *int
	lines     []string
	lineCount int
	failures  int
	lastErr   error

	// Totals across runs
	passed  int
	failed  int
	aborted int

	startTime    time.Time
	now          time.Time
	failuresOnly bool
	done         bool

	// cancelRequested is set by the first quit key.
	cancelRequested bool

	// Display options
	width  int
	height int

	// Quit flag
	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	repeat := cfg.Repeat
	if repeat < 1 {
		repeat = 1
	}
	now := time.Now()
	return Model{
		command:     cfg.Command,
		repeat:      repeat,
		metricsAddr: cfg.MetricsAddr,
		canceller:   cfg.Canceller,
		startTime:   now,
		now:         now,
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			// The first press aborts; a second one, or any press after
			// the runs have finished, quits.
			if m.done || m.cancelRequested {
				m.quitting = true
				return m, tea.Quit
			}
			m.cancelRequested = true
			if m.status == StatusRunning || m.status == StatusWaiting {
				m.status = StatusAborting
			}
			return m, cancelCmd(m.canceller)
		case "f":
			m.failuresOnly = !m.failuresOnly
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()

	case EventMsg:
		m = m.apply(msg.Event)
		return m, nil

	case DoneMsg:
		m.done = true
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// apply folds one supervisor event into the model.
func (m Model) apply(ev supervisor.Event) Model {
	switch ev.Kind {
	case supervisor.EventStart:
		m.run++
		m.runID = ev.RunID
		m.status = StatusRunning
		m.exitCode = nil
		m.lastErr = nil
		m.lines = nil
		m.lineCount = 0
		m.failures = 0

	case supervisor.EventLine:
		m.lineCount++
		if logging.ClassifyLine(ev.Line) >= slog.LevelWarn {
			m.failures++
		}
		m.lines = append(m.lines, ev.Line)
		if len(m.lines) > maxTailLines {
			m.lines = append([]string(nil), m.lines[len(m.lines)-maxTailLines:]...)
		}

	case supervisor.EventAbort:
		m.status = StatusAborted

	case supervisor.EventError:
		m.lastErr = ev.Err

	case supervisor.EventClose:
		m.exitCode = ev.ExitCode
		switch {
		case m.status == StatusAborted:
			m.aborted++
		case m.lastErr != nil:
			m.status = StatusErrored
			m.failed++
		case ev.ExitCode != nil && *ev.ExitCode == 0:
			m.status = StatusPassed
			m.passed++
		default:
			m.status = StatusFailed
			m.failed++
		}
	}
	return m
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.render()
}

// =============================================================================
// Commands
// =============================================================================

// cancelCmd cancels off the event loop. Cancel delivers the abort event
// synchronously, and its handler sends to this program.
func cancelCmd(c Canceller) tea.Cmd {
	if c == nil {
		return nil
	}
	return func() tea.Msg {
		c.Cancel()
		return nil
	}
}

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the viewer started.
func (m Model) Elapsed() time.Duration {
	return m.now.Sub(m.startTime)
}

// Status returns the status of the current run.
func (m Model) Status() Status {
	return m.status
}

// Lines returns the retained output lines of the current run.
func (m Model) Lines() []string {
	return m.lines
}

// =============================================================================
// Helpers for external use
// =============================================================================

// Forward returns a handler that sends every event to p.
func Forward(p *tea.Program) supervisor.Handler {
	return func(ev supervisor.Event) {
		if p != nil {
			p.Send(EventMsg{Event: ev})
		}
	}
}

// SendDone tells the TUI that all runs have finished.
func SendDone(p *tea.Program) {
	if p != nil {
		p.Send(DoneMsg{})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// ShouldEnable decides whether to show the viewer. An explicit flag wins;
// otherwise it is shown when out is a terminal.
func ShouldEnable(flagSet, flagValue bool, out *os.File) bool {
	if flagSet {
		return flagValue
	}
	if out == nil {
		return false
	}
	return term.IsTerminal(int(out.Fd()))
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
