package bot

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of one bot instance.
type State int

const (
	Starting State = iota
	Running
	Backoff
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Backoff:
		return "backoff"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == Stopped || s == Failed }

// Event drives a State transition.
type Event int

const (
	EventLoggedIn Event = iota
	EventLoginFailed
	EventTickFailed
	EventBackoffElapsed
	EventThresholdReached
	EventStopRequested
)

func (e Event) String() string {
	switch e {
	case EventLoggedIn:
		return "logged_in"
	case EventLoginFailed:
		return "login_failed"
	case EventTickFailed:
		return "tick_failed"
	case EventBackoffElapsed:
		return "backoff_elapsed"
	case EventThresholdReached:
		return "threshold_reached"
	case EventStopRequested:
		return "stop_requested"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ErrInvalidTransition is returned by Next for an event the state does not accept.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State]map[Event]State{
	Starting: {
		EventLoggedIn:      Running,
		EventLoginFailed:   Failed,
		EventStopRequested: Stopped,
	},
	Running: {
		EventTickFailed:    Backoff,
		EventStopRequested: Stopped,
	},
	Backoff: {
		EventBackoffElapsed:   Running,
		EventThresholdReached: Failed,
		EventStopRequested:    Stopped,
	},
}

// Next returns the state reached from s on e.
func (s State) Next(e Event) (State, error) {
	if to, ok := transitions[s][e]; ok {
		return to, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, e)
}
