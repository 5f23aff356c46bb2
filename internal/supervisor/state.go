// Package supervisor runs a single test-runner process and publishes its
// lifecycle as events.
package supervisor

// State represents the lifecycle position of a supervised run.
type State int

const (
	// StateCreated is the initial state before Run is called.
	StateCreated State = iota

	// StateStarting indicates the command is being built and spawned.
	StateStarting

	// StateRunning indicates the process is running and its output is streamed.
	StateRunning

	// StateClosed indicates the terminal close event has been published.
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsActive returns true if the run has started and not yet closed.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning
}

// IsTerminal returns true if the run has closed.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// AbortState tracks cancellation of a run.
// Both flags are monotonic: once set they are never cleared, and emitted
// implies requested.
type AbortState struct {
	requested bool
	emitted   bool
}

// Request marks cancellation as requested. It returns true on the first call.
func (a *AbortState) Request() bool {
	if a.requested {
		return false
	}
	a.requested = true
	return true
}

// MarkEmitted records that the abort notification is being published. It
// returns true only on the first call, and only after Request.
func (a *AbortState) MarkEmitted() bool {
	if !a.requested || a.emitted {
		return false
	}
	a.emitted = true
	return true
}

// Requested reports whether cancellation was requested.
func (a AbortState) Requested() bool { return a.requested }

// Emitted reports whether the abort notification was published.
func (a AbortState) Emitted() bool { return a.emitted }
