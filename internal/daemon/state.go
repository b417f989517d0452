package daemon

import "sync/atomic"

// State is the daemon lifecycle state. Crashed is only ever observed from
// the outside (a daemon that can still report its own state is not
// crashed); it lives here so status probes and the metrics gauge share
// one vocabulary.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// stateVar is an atomic State holder.
type stateVar struct {
	v atomic.Int32
}

func (s *stateVar) Load() State { return State(s.v.Load()) }

func (s *stateVar) Store(state State) { s.v.Store(int32(state)) }

// Transition moves from one expected state to the next, reporting whether
// the swap happened.
func (s *stateVar) Transition(from, to State) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}
