package profile

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nodesource/nsagent/internal/runtime"
)

func newTestSetup(t *testing.T) (*runtime.Loop, *Controller, *runtime.Inst) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop := runtime.NewLoop(logger)
	loop.Start()
	t.Cleanup(loop.Shutdown)
	c := NewController(loop)
	inst := loop.Registry().Add("w")
	go inst.Loop().Run()
	return loop, c, inst
}

// recordingSink captures the streamed chunks and completion.
type recordingSink struct {
	mu     sync.Mutex
	chunks [][]byte
	ends   int
	err    error
	done   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{})}
}

func (s *recordingSink) OnChunk(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.chunks = append(s.chunks, c)
}

func (s *recordingSink) OnEnd(err error) {
	s.mu.Lock()
	s.ends++
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("profile never completed")
	}
}

// verifyStream checks the chunk protocol: one or more non-empty chunks
// followed by exactly one empty terminator.
func (s *recordingSink) verifyStream(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ends != 1 {
		t.Fatalf("OnEnd called %d times, want 1", s.ends)
	}
	if s.err != nil {
		t.Fatalf("unexpected error: %v", s.err)
	}
	if len(s.chunks) < 2 {
		t.Fatalf("got %d chunks, want at least data + terminator", len(s.chunks))
	}
	for i, c := range s.chunks[:len(s.chunks)-1] {
		if len(c) == 0 {
			t.Fatalf("chunk %d is empty before the terminator", i)
		}
	}
	if len(s.chunks[len(s.chunks)-1]) != 0 {
		t.Fatal("stream must end with an empty chunk")
	}
}

func TestCPUProfileEarlyStop(t *testing.T) {
	loop, c, inst := newTestSetup(t)
	sink := newRecordingSink()

	if err := c.TakeCPUProfile(inst, 5*time.Second, sink); err != nil {
		t.Fatalf("TakeCPUProfile: %v", err)
	}
	// Generate work so the profile has samples, then stop early.
	busy := make(chan struct{})
	inst.Loop().Submit(func() {
		deadline := time.Now().Add(100 * time.Millisecond)
		x := 0
		for time.Now().Before(deadline) {
			x++
		}
		_ = x
		close(busy)
	})
	<-busy
	if err := c.StopCPUProfile(inst); err != nil {
		t.Fatalf("StopCPUProfile: %v", err)
	}
	sink.wait(t)
	sink.verifyStream(t)

	loop.Registry().Remove(inst)
}

func TestCPUProfileAtMostOnePerThread(t *testing.T) {
	loop, c, inst := newTestSetup(t)
	defer loop.Registry().Remove(inst)
	sink := newRecordingSink()

	if err := c.TakeCPUProfile(inst, time.Second, sink); err != nil {
		t.Fatalf("TakeCPUProfile: %v", err)
	}
	if err := c.TakeCPUProfile(inst, time.Second, newRecordingSink()); err != runtime.ErrAlreadyRunning {
		t.Fatalf("second profile: got %v, want ErrAlreadyRunning", err)
	}
	if err := c.StopCPUProfile(inst); err != nil {
		t.Fatalf("StopCPUProfile: %v", err)
	}
	sink.wait(t)
}

func TestCPUProfileCompletesOnThreadRemoval(t *testing.T) {
	loop, c, inst := newTestSetup(t)
	sink := newRecordingSink()

	if err := c.TakeCPUProfile(inst, time.Minute, sink); err != nil {
		t.Fatalf("TakeCPUProfile: %v", err)
	}
	// Let the profiler actually start on the worker.
	time.Sleep(100 * time.Millisecond)
	loop.Registry().Remove(inst)
	sink.wait(t)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.ends != 1 {
		t.Fatalf("OnEnd called %d times, want 1", sink.ends)
	}
}

func TestHeapSnapshot(t *testing.T) {
	loop, c, inst := newTestSetup(t)
	defer loop.Registry().Remove(inst)
	sink := newRecordingSink()

	if err := c.TakeHeapSnapshot(inst, false, sink); err != nil {
		t.Fatalf("TakeHeapSnapshot: %v", err)
	}
	sink.wait(t)
	sink.verifyStream(t)

	sink.mu.Lock()
	var full []byte
	for _, chunk := range sink.chunks {
		full = append(full, chunk...)
	}
	sink.mu.Unlock()

	var snap heapSnapshot
	if err := json.Unmarshal(full, &snap); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if snap.ThreadID != inst.ID() {
		t.Fatalf("snapshot thread id: got %d, want %d", snap.ThreadID, inst.ID())
	}
	if snap.HeapUsed == 0 {
		t.Fatal("snapshot must report heap usage")
	}
}

func TestHeapSnapshotRedaction(t *testing.T) {
	loop, c, inst := newTestSetup(t)
	defer loop.Registry().Remove(inst)
	sink := newRecordingSink()

	if err := c.TakeHeapSnapshot(inst, true, sink); err != nil {
		t.Fatalf("TakeHeapSnapshot: %v", err)
	}
	sink.wait(t)

	sink.mu.Lock()
	var full []byte
	for _, chunk := range sink.chunks {
		full = append(full, chunk...)
	}
	sink.mu.Unlock()

	var snap heapSnapshot
	if err := json.Unmarshal(full, &snap); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	for _, rec := range snap.Records {
		for _, frame := range rec.Stack {
			if frame != "<redacted>" {
				t.Fatalf("unredacted frame %q", frame)
			}
		}
	}
}

func TestHeapSnapshotDisabledByConfig(t *testing.T) {
	loop, c, inst := newTestSetup(t)
	defer loop.Registry().Remove(inst)

	if err := loop.UpdateConfig(`{"disableSnapshots": true}`); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if err := c.TakeHeapSnapshot(inst, false, newRecordingSink()); err != runtime.ErrInvalid {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}

func TestHeapTrackingStop(t *testing.T) {
	loop, c, inst := newTestSetup(t)
	defer loop.Registry().Remove(inst)
	sink := newRecordingSink()

	if err := c.StartTrackingHeapObjects(inst, false, 0, sink); err != nil {
		t.Fatalf("StartTrackingHeapObjects: %v", err)
	}
	time.Sleep(700 * time.Millisecond)
	if err := c.StopTrackingHeapObjects(inst); err != nil {
		t.Fatalf("StopTrackingHeapObjects: %v", err)
	}
	sink.wait(t)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.ends != 1 {
		t.Fatalf("OnEnd called %d times, want 1", sink.ends)
	}
	if len(sink.chunks) < 2 {
		t.Fatalf("expected periodic samples plus final snapshot, got %d chunks", len(sink.chunks))
	}
}

func TestHeapTrackingForceDrainOnRemoval(t *testing.T) {
	loop, c, inst := newTestSetup(t)
	sink := newRecordingSink()

	if err := c.StartTrackingHeapObjects(inst, false, 0, sink); err != nil {
		t.Fatalf("StartTrackingHeapObjects: %v", err)
	}
	loop.Registry().Remove(inst)
	sink.wait(t)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.ends != 1 {
		t.Fatalf("OnEnd called %d times, want 1", sink.ends)
	}
}

func TestStopMainProfileSync(t *testing.T) {
	loop, c, inst := newTestSetup(t)
	defer loop.Registry().Remove(inst)

	if c.StopMainProfileSync() {
		t.Fatal("no profile is running yet")
	}
	sink := newRecordingSink()
	if err := c.TakeCPUProfile(inst, time.Minute, sink); err != nil {
		t.Fatalf("TakeCPUProfile: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if !c.StopMainProfileSync() {
		t.Fatal("expected an in-flight profile to be stopped")
	}
	sink.wait(t)
}
