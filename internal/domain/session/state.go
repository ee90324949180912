// Package session models the lifecycle of one cmi5 session: the phase state
// machine, the durable record that survives a restart, and the store
// contract for persisting it.
package session

// Phase is the lifecycle phase of a session.
type Phase int

const (
	// PhaseUninitialized is the zero state before Initialize runs.
	PhaseUninitialized Phase = iota
	// PhaseRestoring covers store restoration and the fresh-launch sequence.
	PhaseRestoring
	// PhaseActiveConnected means a credential exists and delivery is live.
	PhaseActiveConnected
	// PhaseActiveStandalone means no record store: content runs, submissions
	// are queued for local debugging only and never flushed.
	PhaseActiveStandalone
	// PhaseTerminating covers the ordered completion sequence.
	PhaseTerminating
	// PhaseTerminated is the end state of a completed attempt.
	PhaseTerminated
	// PhaseHalted is the absorbing failure state entered when the record
	// store reports the session no longer exists.
	PhaseHalted
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseRestoring:
		return "restoring"
	case PhaseActiveConnected:
		return "active-connected"
	case PhaseActiveStandalone:
		return "active-standalone"
	case PhaseTerminating:
		return "terminating"
	case PhaseTerminated:
		return "terminated"
	case PhaseHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// transitions is the set of legal phase moves. Halted is reachable from any
// active phase and absorbing; nothing leaves Terminated or Halted.
var transitions = map[Phase][]Phase{
	PhaseUninitialized:    {PhaseRestoring},
	PhaseRestoring:        {PhaseActiveConnected, PhaseActiveStandalone},
	PhaseActiveConnected:  {PhaseTerminating, PhaseHalted},
	PhaseActiveStandalone: {PhaseTerminated},
	PhaseTerminating:      {PhaseTerminated, PhaseHalted},
}

// CanTransition reports whether moving from one phase to another is legal.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Connected reports whether the phase has a live record store connection.
func (p Phase) Connected() bool {
	return p == PhaseActiveConnected || p == PhaseTerminating
}

// Active reports whether the session is in any active phase.
func (p Phase) Active() bool {
	return p == PhaseActiveConnected || p == PhaseActiveStandalone
}

// Accepting reports whether producer submissions are taken into the queue.
// Halted accepts the call but drops the statement; Terminated accepts
// nothing new.
func (p Phase) Accepting() bool {
	return p == PhaseActiveConnected || p == PhaseActiveStandalone
}
