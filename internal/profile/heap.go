package profile

import (
	"encoding/json"
	"fmt"
	goruntime "runtime"
	"time"

	"github.com/nodesource/nsagent/internal/metrics"
	"github.com/nodesource/nsagent/internal/runtime"
)

const trackingSampleInterval = 500 * time.Millisecond

// heapRecord is one sampled allocation site in a snapshot.
type heapRecord struct {
	InUseBytes   int64    `json:"inUseBytes"`
	InUseObjects int64    `json:"inUseObjects"`
	AllocBytes   int64    `json:"allocBytes"`
	AllocObjects int64    `json:"allocObjects"`
	Stack        []string `json:"stack"`
}

// heapSnapshot is the serialized form of a heap snapshot or one tracking
// sample.
type heapSnapshot struct {
	Timestamp float64      `json:"timestamp"`
	ThreadID  uint64       `json:"threadId"`
	HeapTotal uint64       `json:"heapTotal"`
	HeapUsed  uint64       `json:"heapUsed"`
	Objects   uint64       `json:"objects"`
	Records   []heapRecord `json:"records"`
}

// TakeHeapSnapshot serializes the heap under an interrupt on the target
// worker and streams the result. redact clears every string value before
// serialization. Rejected with ErrInvalid while snapshots are disabled by
// configuration.
func (c *Controller) TakeHeapSnapshot(inst *runtime.Inst, redact bool, sink Sink) error {
	if c.loop.DisableSnapshots() {
		return runtime.ErrInvalid
	}
	j, err := c.register(inst.ID(), JobHeapSnapshot, sink)
	if err != nil {
		return err
	}
	j.redact = redact

	err = runtime.Dispatch(inst, runtime.DispatchInterrupt, func(target *runtime.Inst) {
		data, err := buildHeapSnapshot(target.ID(), redact)
		c.completeStreamingQueued(j, data, err)
	})
	if err != nil {
		c.unregister(j)
		return err
	}
	return nil
}

// TakeHeapSampling samples allocations for the given duration, then streams
// the sampled profile.
func (c *Controller) TakeHeapSampling(inst *runtime.Inst, duration time.Duration, sink Sink) error {
	j, err := c.register(inst.ID(), JobHeapSampling, sink)
	if err != nil {
		return err
	}

	j.stopTimer = c.loop.QueueAfter(duration, func() {
		err := runtime.Dispatch(inst, runtime.DispatchInterrupt, func(target *runtime.Inst) {
			data, err := buildHeapSnapshot(target.ID(), false)
			c.completeStreamingQueued(j, data, err)
		})
		if err != nil {
			// Worker removal already completed the job.
			return
		}
	})
	return nil
}

// StartTrackingHeapObjects starts a tracking job that emits one sample chunk
// per interval until stopped explicitly, by the optional duration, or by the
// worker's removal, which drains synchronously.
func (c *Controller) StartTrackingHeapObjects(inst *runtime.Inst, redact bool, duration time.Duration, sink Sink) error {
	if c.loop.DisableSnapshots() {
		return runtime.ErrInvalid
	}
	j, err := c.register(inst.ID(), JobHeapTracking, sink)
	if err != nil {
		return err
	}
	j.redact = redact
	j.trackStop = make(chan struct{})
	j.trackTicker = time.NewTicker(trackingSampleInterval)

	threadID := inst.ID()
	go func() {
		for {
			select {
			case <-j.trackTicker.C:
				data, err := buildHeapSnapshot(threadID, redact)
				if err != nil {
					continue
				}
				c.loop.Queue(func() { j.sink.OnChunk(data) })
			case <-j.trackStop:
				return
			}
		}
	}()

	if duration > 0 {
		j.stopTimer = c.loop.QueueAfter(duration, func() {
			c.stopTrackingJob(j)
		})
	}
	return nil
}

// StopTrackingHeapObjects finishes an in-flight tracking job with a final
// snapshot.
func (c *Controller) StopTrackingHeapObjects(inst *runtime.Inst) error {
	j := c.lookup(inst.ID(), JobHeapTracking)
	if j == nil {
		return runtime.ErrInvalid
	}
	c.loop.Queue(func() { c.stopTrackingJob(j) })
	return nil
}

func (c *Controller) stopTrackingJob(j *job) {
	j.trackTicker.Stop()
	select {
	case <-j.trackStop:
	default:
		close(j.trackStop)
	}
	data, err := buildHeapSnapshot(j.threadID, j.redact)
	c.completeStreaming(j, data, err)
}

// stopTrackingSyncJob drains a tracking job on the removing goroutine so
// cleanup is not deferred past the worker's teardown.
func (c *Controller) stopTrackingSyncJob(j *job) {
	j.trackTicker.Stop()
	select {
	case <-j.trackStop:
	default:
		close(j.trackStop)
	}
	data, err := buildHeapSnapshot(j.threadID, j.redact)
	c.completeStreaming(j, data, err)
}

// buildHeapSnapshot serializes the sampled heap state. With redact set,
// every string value is replaced before serialization.
func buildHeapSnapshot(threadID uint64, redact bool) ([]byte, error) {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	records := sampleHeapRecords(redact)

	snap := heapSnapshot{
		Timestamp: metrics.NowMillis(),
		ThreadID:  threadID,
		HeapTotal: m.HeapSys,
		HeapUsed:  m.HeapAlloc,
		Objects:   m.HeapObjects,
		Records:   records,
	}
	data, err := json.Marshal(&snap)
	if err != nil {
		return nil, fmt.Errorf("serializing heap snapshot: %w", err)
	}
	return data, nil
}

func sampleHeapRecords(redact bool) []heapRecord {
	n, _ := goruntime.MemProfile(nil, true)
	if n == 0 {
		return nil
	}
	prof := make([]goruntime.MemProfileRecord, n+50)
	n, ok := goruntime.MemProfile(prof, true)
	if !ok {
		return nil
	}
	prof = prof[:n]

	records := make([]heapRecord, 0, len(prof))
	for i := range prof {
		r := &prof[i]
		rec := heapRecord{
			InUseBytes:   r.InUseBytes(),
			InUseObjects: r.InUseObjects(),
			AllocBytes:   r.AllocBytes,
			AllocObjects: r.AllocObjects,
		}
		frames := goruntime.CallersFrames(r.Stack())
		for {
			frame, more := frames.Next()
			name := frame.Function
			if redact {
				name = "<redacted>"
			}
			rec.Stack = append(rec.Stack, name)
			if !more {
				break
			}
		}
		records = append(records, rec)
	}
	return records
}
