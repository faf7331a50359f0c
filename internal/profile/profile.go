// Package profile orchestrates CPU profiles, heap snapshots, heap sampling
// and heap-object tracking on behalf of external consumers. Jobs target one
// worker, stream their result in fixed-size chunks and complete exactly
// once, whether they run to term, are stopped early, or their worker is
// removed mid-flight.
package profile

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodesource/nsagent/internal/runtime"
)

// ChunkSize is the streaming chunk size.
const ChunkSize = 64 * 1024

// JobType identifies the profiling mode. At most one job of each type may be
// in flight per thread.
type JobType int

const (
	JobCPU JobType = iota
	JobHeapSnapshot
	JobHeapSampling
	JobHeapTracking
)

// Sink receives a streamed profile. Chunks arrive on the agent goroutine,
// terminated by one empty chunk; OnEnd is called exactly once per job.
type Sink interface {
	OnChunk(chunk []byte)
	OnEnd(err error)
}

// SinkFuncs adapts two functions to the Sink interface.
type SinkFuncs struct {
	Chunk func([]byte)
	End   func(error)
}

// OnChunk implements Sink.
func (s SinkFuncs) OnChunk(chunk []byte) {
	if s.Chunk != nil {
		s.Chunk(chunk)
	}
}

// OnEnd implements Sink.
func (s SinkFuncs) OnEnd(err error) {
	if s.End != nil {
		s.End(err)
	}
}

// job tracks one in-flight profile.
type job struct {
	id       string
	typ      JobType
	threadID uint64
	sink     Sink

	once sync.Once

	stopTimer *time.Timer

	// heap tracking state
	trackTicker *time.Ticker
	trackStop   chan struct{}
	redact      bool
}

// Controller owns every in-flight profiling job. It registers with the
// registry so jobs on an exiting worker are force-stopped synchronously
// before the worker's context goes away.
type Controller struct {
	loop *runtime.Loop

	mu   sync.Mutex
	jobs map[uint64]map[JobType]*job
}

// NewController creates the controller and hooks worker teardown.
func NewController(loop *runtime.Loop) *Controller {
	c := &Controller{
		loop: loop,
		jobs: map[uint64]map[JobType]*job{},
	}
	loop.Registry().OnPreRemove(c.forceStopThread)
	return c
}

// register reserves the (thread, type) slot. Returns ErrAlreadyRunning when
// occupied.
func (c *Controller) register(threadID uint64, typ JobType, sink Sink) (*job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byType := c.jobs[threadID]
	if byType == nil {
		byType = map[JobType]*job{}
		c.jobs[threadID] = byType
	}
	if _, busy := byType[typ]; busy {
		return nil, runtime.ErrAlreadyRunning
	}
	j := &job{
		id:       uuid.NewString(),
		typ:      typ,
		threadID: threadID,
		sink:     sink,
	}
	byType[typ] = j
	return j, nil
}

// lookup returns the in-flight job of the given type, if any.
func (c *Controller) lookup(threadID uint64, typ JobType) *job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[threadID][typ]
}

// unregister releases the job's slot.
func (c *Controller) unregister(j *job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if byType := c.jobs[j.threadID]; byType != nil && byType[j.typ] == j {
		delete(byType, j.typ)
		if len(byType) == 0 {
			delete(c.jobs, j.threadID)
		}
	}
}

// completeStreaming delivers data in fixed-size chunks followed by the empty
// terminator chunk, then the single completion call. Runs on the agent
// goroutine.
func (c *Controller) completeStreaming(j *job, data []byte, err error) {
	j.once.Do(func() {
		c.unregister(j)
		if j.stopTimer != nil {
			j.stopTimer.Stop()
		}
		if err != nil {
			j.sink.OnEnd(err)
			return
		}
		for len(data) > 0 {
			n := len(data)
			if n > ChunkSize {
				n = ChunkSize
			}
			j.sink.OnChunk(data[:n])
			data = data[n:]
		}
		j.sink.OnChunk(nil)
		j.sink.OnEnd(nil)
	})
}

// completeStreamingQueued defers completion onto the agent goroutine.
func (c *Controller) completeStreamingQueued(j *job, data []byte, err error) {
	c.loop.Queue(func() {
		c.completeStreaming(j, data, err)
	})
}

// forceStopThread runs synchronously while a worker is being removed; every
// job on the thread is completed before the teardown proceeds.
func (c *Controller) forceStopThread(inst *runtime.Inst) {
	c.mu.Lock()
	byType := c.jobs[inst.ID()]
	jobs := make([]*job, 0, len(byType))
	for _, j := range byType {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	for _, j := range jobs {
		switch j.typ {
		case JobCPU:
			c.stopCPUSyncJob(j)
		case JobHeapTracking:
			c.stopTrackingSyncJob(j)
		default:
			// Pending snapshot or sampling jobs cannot produce data once
			// the worker is gone.
			c.completeStreaming(j, nil, runtime.ErrNotAlive)
		}
	}
}
