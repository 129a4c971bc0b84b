package clip

import "time"

// State is a step of a run.
type State int

const (
	StateStart State = iota
	StateFetching
	StatePatching
	StateCaching
	StateLaunching
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateFetching:
		return "fetch"
	case StatePatching:
		return "patch"
	case StateCaching:
		return "cache"
	case StateLaunching:
		return "launch"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transition is reported to the observer on every state change.
type Transition struct {
	RunID string
	From  State
	To    State
	// Err is set when To is StateFailed.
	Err error
	At  time.Time
}

// Observer receives transitions in order on the run's goroutine.
type Observer func(Transition)
