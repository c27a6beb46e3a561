package carserver

// State is one of the car server's six lifecycle states (spec §3).
type State int

const (
	Uninitialized State = iota
	Connected
	Initialized
	Running
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Connected:
		return "Connected"
	case Initialized:
		return "Initialized"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// transitions is the restricted transition table (spec §3): a state may
// move only to the states listed here. Error and Stopped are reachable
// from any state (an error or a shutdown request can interrupt any phase);
// everything else follows the handshake/run/retry cycle exactly.
var transitions = map[State][]State{
	Uninitialized: {Connected, Error, Stopped},
	Connected:     {Initialized, Error, Stopped},
	Initialized:   {Running, Error, Stopped},
	Running:       {Error, Stopped},
	Error:         {Uninitialized, Stopped},
	Stopped:       {Uninitialized, Error},
}

// CanTransition reports whether moving from from to to is permitted.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
