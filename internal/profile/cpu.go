package profile

import (
	"bytes"
	"fmt"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/nodesource/nsagent/internal/runtime"
)

// The Go engine supports one CPU profile at a time; the active job keeps its
// output buffer here.
var cpuMu sync.Mutex
var cpuBuf *bytes.Buffer

// TakeCPUProfile starts a CPU profile on the target worker for the given
// duration. The profile starts under an interrupt on the worker, a stop is
// scheduled on the agent loop, and the serialized profile streams through
// sink. Returns ErrAlreadyRunning when a CPU profile is already in flight on
// the thread.
func (c *Controller) TakeCPUProfile(inst *runtime.Inst, duration time.Duration, sink Sink) error {
	j, err := c.register(inst.ID(), JobCPU, sink)
	if err != nil {
		return err
	}

	err = runtime.Dispatch(inst, runtime.DispatchInterrupt, func(target *runtime.Inst) {
		cpuMu.Lock()
		if cpuBuf != nil {
			cpuMu.Unlock()
			c.completeStreamingQueued(j, nil, runtime.ErrAlreadyRunning)
			return
		}
		buf := &bytes.Buffer{}
		if err := pprof.StartCPUProfile(buf); err != nil {
			cpuMu.Unlock()
			c.completeStreamingQueued(j, nil, fmt.Errorf("starting cpu profile: %w", err))
			return
		}
		cpuBuf = buf
		cpuMu.Unlock()
	})
	if err != nil {
		c.unregister(j)
		return err
	}

	j.stopTimer = c.loop.QueueAfter(duration, func() {
		c.stopCPUJob(inst, j)
	})
	return nil
}

// StopCPUProfile schedules an early stop, identical to the timeout path.
func (c *Controller) StopCPUProfile(inst *runtime.Inst) error {
	j := c.lookup(inst.ID(), JobCPU)
	if j == nil {
		return runtime.ErrInvalid
	}
	c.loop.Queue(func() { c.stopCPUJob(inst, j) })
	return nil
}

// StopCPUProfileSync stops and serializes on the calling goroutine. It must
// be called from the target worker itself.
func (c *Controller) StopCPUProfileSync(inst *runtime.Inst) error {
	loop := inst.Loop()
	if loop == nil {
		return runtime.ErrNotAlive
	}
	if !loop.OnLoopGoroutine() {
		return runtime.ErrNotOwningThread
	}
	j := c.lookup(inst.ID(), JobCPU)
	if j == nil {
		return runtime.ErrInvalid
	}
	c.stopCPUSyncJob(j)
	return nil
}

// StopMainProfileSync stops any CPU profile running on the main thread from
// whatever goroutine shutdown happens on. Reports whether a profile was
// stopped. Used by the exit coordinator.
func (c *Controller) StopMainProfileSync() bool {
	main := c.loop.Registry().Main()
	if main == nil {
		return false
	}
	j := c.lookup(main.ID(), JobCPU)
	if j == nil {
		return false
	}
	c.stopCPUSyncJob(j)
	return true
}

// stopCPUJob re-enters the worker under an interrupt to stop the engine
// profiler, then streams the result. Runs on the agent goroutine.
func (c *Controller) stopCPUJob(inst *runtime.Inst, j *job) {
	err := runtime.Dispatch(inst, runtime.DispatchInterrupt, func(*runtime.Inst) {
		data := collectCPUProfile()
		c.completeStreamingQueued(j, data, nil)
	})
	if err != nil {
		// The worker went away; the teardown path owns completion.
		return
	}
}

// stopCPUSyncJob stops the profiler and delivers on the calling goroutine.
func (c *Controller) stopCPUSyncJob(j *job) {
	data := collectCPUProfile()
	c.completeStreaming(j, data, nil)
}

// collectCPUProfile stops the engine profiler and returns the serialized
// profile, or nil when no profile was active.
func collectCPUProfile() []byte {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuBuf == nil {
		return nil
	}
	pprof.StopCPUProfile()
	data := cpuBuf.Bytes()
	cpuBuf = nil
	return data
}
