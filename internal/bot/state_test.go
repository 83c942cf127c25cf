package bot

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
		to   State
	}{
		{Starting, EventLoggedIn, Running},
		{Starting, EventLoginFailed, Failed},
		{Running, EventTickFailed, Backoff},
		{Running, EventStopRequested, Stopped},
		{Backoff, EventBackoffElapsed, Running},
		{Backoff, EventThresholdReached, Failed},
		{Backoff, EventStopRequested, Stopped},
	}
	for _, c := range cases {
		got, err := c.from.Next(c.ev)
		if err != nil || got != c.to {
			t.Fatalf("%s on %s: got %s %v, want %s", c.from, c.ev, got, err, c.to)
		}
	}
}

func TestTerminalStatesRejectEvents(t *testing.T) {
	for _, s := range []State{Stopped, Failed} {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
		for _, e := range []Event{EventLoggedIn, EventTickFailed, EventBackoffElapsed, EventStopRequested} {
			if got, err := s.Next(e); !errors.Is(err, ErrInvalidTransition) || got != s {
				t.Fatalf("%s on %s: %s %v", s, e, got, err)
			}
		}
	}
	if _, err := Running.Next(EventThresholdReached); err == nil {
		t.Fatal("running cannot fail without passing through backoff")
	}
}
