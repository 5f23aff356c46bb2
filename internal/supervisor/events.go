package supervisor

import (
	"time"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/process"
)

// EventKind identifies a supervisor event.
type EventKind int

const (
	// EventStart is published first, before the command is built.
	EventStart EventKind = iota

	// EventLine carries one complete output line.
	EventLine

	// EventAbort is published at most once, when cancellation is detected.
	EventAbort

	// EventError carries a process error that was not caused by cancellation.
	EventError

	// EventClose is the terminal event, published exactly once.
	EventClose
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventLine:
		return "line"
	case EventAbort:
		return "abort"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is published to subscribers. Only the fields relevant to Kind are set.
type Event struct {
	Kind  EventKind
	RunID string
	Time  time.Time

	// Builder is set on EventStart.
	Builder process.Builder

	// Line is set on EventLine.
	Line string

	// Err is set on EventError.
	Err error

	// ExitCode and Output are set on EventClose. ExitCode is nil when the
	// process did not exit normally.
	ExitCode *int
	Output   string
}

// Handler receives events. Handlers run on the goroutine that is draining
// the event queue and must not block for long. A handler may call Abort;
// the resulting events are delivered after the handler returns.
type Handler func(Event)

type subscription struct {
	id int
	h  Handler
}
