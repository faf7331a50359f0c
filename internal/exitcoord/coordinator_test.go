package exitcoord

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newTestCoordinator() *Coordinator {
	return NewCoordinator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAtExitHooksRunExactlyOnce(t *testing.T) {
	c := newTestCoordinator()

	type call struct{ onSignal, profileStopped bool }
	var calls []call
	for i := 0; i < 3; i++ {
		c.RegisterAtExit(func(onSignal, profileStopped bool) {
			calls = append(calls, call{onSignal, profileStopped})
		}, nil, nil)
	}

	c.DoExit(false)
	c.DoExit(false)
	c.DoExit(true)

	if len(calls) != 3 {
		t.Fatalf("hooks ran %d times, want 3", len(calls))
	}
	for _, got := range calls {
		if got.onSignal {
			t.Fatal("onSignal must be false on the non-signal path")
		}
	}
}

func TestProfileStoppedFlag(t *testing.T) {
	c := newTestCoordinator()
	c.SetProfileStopper(func() bool { return true })

	var sawProfileStopped bool
	c.RegisterAtExit(func(_, profileStopped bool) {
		sawProfileStopped = profileStopped
	}, nil, nil)

	c.DoExit(false)
	if !sawProfileStopped {
		t.Fatal("profileStopped must be true when the stopper stopped one")
	}
}

func TestProfileNotStoppedOnSignalPath(t *testing.T) {
	c := newTestCoordinator()
	stopperCalled := false
	c.SetProfileStopper(func() bool { stopperCalled = true; return true })

	c.RegisterAtExit(func(onSignal, profileStopped bool) {
		if !onSignal {
			t.Error("expected the signal path")
		}
		if profileStopped {
			t.Error("profile must not be stopped on the signal path")
		}
	}, nil, nil)

	c.DoExit(true)
	if stopperCalled {
		t.Fatal("profile stopper must not run on the signal path")
	}
}

func TestExitErrorSlots(t *testing.T) {
	c := newTestCoordinator()
	if c.GetExitError() != nil {
		t.Fatal("no error recorded yet")
	}

	c.SetExitError(errors.New("fatal"))
	if got := c.GetExitError(); got == nil || got.Message != "fatal" {
		t.Fatalf("got %+v, want the final error", got)
	}

	// The pre-fatal slot takes precedence.
	c.SaveExitError(errors.New("pre-fatal"))
	if got := c.GetExitError(); got == nil || got.Message != "pre-fatal" {
		t.Fatalf("got %+v, want the saved error", got)
	}
	if got := c.GetExitError(); got.Stack == "" {
		t.Fatal("captured error must carry a stack")
	}

	c.ClearSavedExitError()
	if got := c.GetExitError(); got == nil || got.Message != "fatal" {
		t.Fatalf("got %+v, want the final error after clearing", got)
	}
}

func TestExitCode(t *testing.T) {
	c := newTestCoordinator()
	if c.ExitCode() != 0 {
		t.Fatal("default exit code must be 0")
	}
	c.SetExitCode(7)
	if c.ExitCode() != 7 {
		t.Fatalf("exit code: got %d, want 7", c.ExitCode())
	}
}

func TestHookStateReleased(t *testing.T) {
	c := newTestCoordinator()
	released := false
	state := &struct{}{}
	c.RegisterAtExit(func(bool, bool) {}, state, func(s any) {
		if s != state {
			t.Errorf("released wrong state")
		}
		released = true
	})
	c.DoExit(false)
	if !released {
		t.Fatal("hook state must be released after the hook list runs")
	}
}
