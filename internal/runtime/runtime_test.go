package runtime

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop := NewLoop(logger)
	loop.Start()
	t.Cleanup(loop.Shutdown)
	return loop
}

func spawnWorker(t *testing.T, loop *Loop, name string) *Inst {
	t.Helper()
	inst := loop.Registry().Add(name)
	go inst.Loop().Run()
	return inst
}

func TestThreadIDUniqueness(t *testing.T) {
	loop := newTestLoop(t)
	seen := map[uint64]bool{}
	var insts []*Inst
	for i := 0; i < 50; i++ {
		inst := loop.Registry().Add("w")
		if seen[inst.ID()] {
			t.Fatalf("duplicate thread id %d", inst.ID())
		}
		seen[inst.ID()] = true
		insts = append(insts, inst)
	}
	// Removal must not free ids for reuse.
	for _, inst := range insts {
		loop.Registry().Remove(inst)
	}
	inst := loop.Registry().Add("w")
	defer loop.Registry().Remove(inst)
	if seen[inst.ID()] {
		t.Fatalf("thread id %d was reused", inst.ID())
	}
}

func TestMainThreadTagging(t *testing.T) {
	loop := newTestLoop(t)
	first := loop.Registry().Add("main")
	second := loop.Registry().Add("worker")
	defer loop.Registry().Remove(first)
	defer loop.Registry().Remove(second)

	if !first.IsMain() {
		t.Fatal("first thread must be tagged main")
	}
	if second.IsMain() {
		t.Fatal("second thread must not be tagged main")
	}
	if loop.Registry().Main() != first {
		t.Fatal("Main() must return the first thread")
	}
}

func TestDispatchEventLoopRunsExactlyOnce(t *testing.T) {
	loop := newTestLoop(t)
	inst := spawnWorker(t, loop, "w")
	defer loop.Registry().Remove(inst)

	var mu sync.Mutex
	runs := 0
	done := make(chan struct{})
	err := Dispatch(inst, DispatchEventLoop, func(*Inst) {
		mu.Lock()
		runs++
		mu.Unlock()
		close(done)
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command never ran")
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("command ran %d times, want 1", runs)
	}
}

func TestDispatchToRemovedThreadReturnsNotAlive(t *testing.T) {
	loop := newTestLoop(t)
	inst := spawnWorker(t, loop, "w")
	loop.Registry().Remove(inst)

	called := false
	err := Dispatch(inst, DispatchInterrupt, func(*Inst) { called = true })
	if err != ErrNotAlive {
		t.Fatalf("got %v, want ErrNotAlive", err)
	}
	if called {
		t.Fatal("callback must not be invoked on a removed thread")
	}
}

func TestDispatchInvalidDiscipline(t *testing.T) {
	loop := newTestLoop(t)
	inst := spawnWorker(t, loop, "w")
	defer loop.Registry().Remove(inst)

	if err := Dispatch(inst, Discipline(42), func(*Inst) {}); err != ErrInvalidDiscipline {
		t.Fatalf("got %v, want ErrInvalidDiscipline", err)
	}
}

func TestRemoveDrainsQueuedCommandsWithoutRunning(t *testing.T) {
	loop := newTestLoop(t)
	// Never start the worker loop: queued commands must be dropped at
	// removal, not executed.
	inst := loop.Registry().Add("w")

	ran := false
	if err := Dispatch(inst, DispatchEventLoop, func(*Inst) { ran = true }); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	loop.Registry().Remove(inst)
	time.Sleep(50 * time.Millisecond)
	if ran {
		t.Fatal("drained command must not run")
	}
}

func TestDispatchInterruptRunsAtCheckpoint(t *testing.T) {
	loop := newTestLoop(t)
	inst := spawnWorker(t, loop, "w")
	defer loop.Registry().Remove(inst)

	entered := make(chan struct{})
	release := make(chan struct{})
	ranInterrupt := make(chan struct{})
	sawNoScript := false

	inst.Loop().Submit(func() {
		close(entered)
		<-release
		inst.Loop().Checkpoint()
	})

	<-entered
	err := Dispatch(inst, DispatchInterrupt, func(target *Inst) {
		sawNoScript = target.Loop().NoScript()
		close(ranInterrupt)
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	close(release)

	select {
	case <-ranInterrupt:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt command never ran")
	}
	if !sawNoScript {
		t.Fatal("script execution must be disallowed during an interrupt")
	}
}

func TestDispatchInterruptOnlyNeedsHandlerStack(t *testing.T) {
	loop := newTestLoop(t)
	inst := spawnWorker(t, loop, "w")
	defer loop.Registry().Remove(inst)

	ran := make(chan struct{})
	if err := Dispatch(inst, DispatchInterruptOnly, func(*Inst) { close(ran) }); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// The command must not fire at a plain loop boundary.
	inst.Loop().Submit(func() {})
	select {
	case <-ran:
		t.Fatal("interrupt-only command ran outside a handler checkpoint")
	case <-time.After(100 * time.Millisecond):
	}

	// It fires once a handler reaches a checkpoint.
	inst.Loop().Submit(func() { inst.Loop().Checkpoint() })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt-only command never ran at a checkpoint")
	}
}

func TestScopeAfterTeardown(t *testing.T) {
	loop := newTestLoop(t)
	inst := spawnWorker(t, loop, "w")
	loop.Registry().Remove(inst)

	sc := inst.Scope()
	defer sc.Close()
	if sc.Success() {
		t.Fatal("scope on a torn-down thread must not succeed")
	}
}

func TestAgentIDFormat(t *testing.T) {
	loop := newTestLoop(t)
	id := loop.AgentID()
	if len(id) != 40 {
		t.Fatalf("agent id %q: got %d chars, want 40", id, len(id))
	}
	if id != loop.AgentID() {
		t.Fatal("agent id must be stable for the process lifetime")
	}
}

func TestIDPools(t *testing.T) {
	loop := newTestLoop(t)
	loop.Flush(nil)

	span := loop.PopSpanID()
	if len(span) != 16 {
		t.Fatalf("span id %q: got %d chars, want 16", span, len(span))
	}
	trace := loop.PopTraceID()
	if len(trace) != 32 {
		t.Fatalf("trace id %q: got %d chars, want 32", trace, len(trace))
	}
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := loop.PopSpanID()
		if seen[id] {
			t.Fatalf("duplicate span id %q", id)
		}
		seen[id] = true
	}
}

func TestQueueAfterFiresAtOrAfterDeadline(t *testing.T) {
	loop := newTestLoop(t)
	start := time.Now()
	fired := make(chan time.Time, 1)
	loop.QueueAfter(50*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if at.Sub(start) < 50*time.Millisecond {
			t.Fatalf("fired early: %v", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer callback never fired")
	}
}

func TestCustomCommand(t *testing.T) {
	loop := newTestLoop(t)
	inst := spawnWorker(t, loop, "w")
	defer loop.Registry().Remove(inst)

	inst.RegisterCustomCommand("ping", func(args string) (string, error) {
		return `"pong:` + args + `"`, nil
	})

	got := make(chan CustomCommandResult, 1)
	err := loop.CustomCommand(inst, "req-1", "ping", "x", func(res CustomCommandResult) {
		got <- res
	})
	if err != nil {
		t.Fatalf("CustomCommand: %v", err)
	}
	select {
	case res := <-got:
		if res.Status != 0 || res.Value != `"pong:x"` || res.RequestID != "req-1" {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("custom command never completed")
	}

	// Unknown commands report 422 exactly once.
	err = loop.CustomCommand(inst, "req-2", "nope", "", func(res CustomCommandResult) {
		got <- res
	})
	if err != nil {
		t.Fatalf("CustomCommand: %v", err)
	}
	select {
	case res := <-got:
		if res.Status != 422 {
			t.Fatalf("unknown command status: got %d, want 422", res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unknown command never reported")
	}
}
