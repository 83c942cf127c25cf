package cmdlog

import (
	"errors"
	"testing"
)

func TestRunPassesErrorThrough(t *testing.T) {
	want := errors.New("boom")
	if err := Run("test", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("got %v", err)
	}
	called := false
	if err := Run("test", func() error { called = true; return nil }); err != nil || !called {
		t.Fatalf("ok path: %v %v", err, called)
	}
}
