package service

import "fmt"

// State is a transfer lifecycle state.
type State int

const (
	StateInitialized State = iota
	StateStarted
	StateTransferred
	StatePrepared
	StateFinishing
	StateFinished
	StateCanceled
	StateAborted
	StateFailed
)

var stateNames = [...]string{
	StateInitialized: "initialized",
	StateStarted:     "started",
	StateTransferred: "transferred",
	StatePrepared:    "prepared",
	StateFinishing:   "finishing",
	StateFinished:    "finished",
	StateCanceled:    "canceled",
	StateAborted:     "aborted",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateCanceled, StateAborted, StateFailed:
		return true
	}
	return false
}

// Moving reports whether frames have flowed and the transfer has not yet
// entered finishing: Started, Transferred or Prepared.
func (s State) Moving() bool {
	return s == StateStarted || s == StateTransferred || s == StatePrepared
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown transfer state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid transfer state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
