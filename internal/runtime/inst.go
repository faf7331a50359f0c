package runtime

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/nodesource/nsagent/internal/metrics"
	"github.com/nodesource/nsagent/internal/tracing"
)

// Counter slots shared between a worker and cross-thread readers. Writers are
// always the owning worker; counters are monotonic, so readers tolerate
// relaxed loads.
const (
	SlotHTTPClientCount = iota
	SlotHTTPServerCount
	SlotHTTPClientAbortCount
	SlotHTTPServerAbortCount
	SlotDNSCount
	SlotPipeServerCreatedCount
	SlotPipeServerDestroyedCount
	SlotPipeSocketCreatedCount
	SlotPipeSocketDestroyedCount
	SlotTCPServerCreatedCount
	SlotTCPServerDestroyedCount
	SlotTCPSocketCreatedCount
	SlotTCPSocketDestroyedCount
	SlotUDPSocketCreatedCount
	SlotUDPSocketDestroyedCount
	SlotPromiseCreatedCount
	SlotPromiseResolvedCount
	SlotCount
)

// GC classification indices.
const (
	gcCount = iota
	gcMajor
	gcFull
	gcForced
	gcFieldCount
)

// GCKind classifies one garbage-collection cycle.
type GCKind int

const (
	GCRegular GCKind = iota
	GCForced
	GCFull
	GCMajor
)

// CommandFunc is work dispatched onto a worker. It receives the target Inst.
type CommandFunc func(*Inst)

// loopSink is the agent loop as seen from a worker: the cross-thread queues
// that datapoints and span fragments land on.
type loopSink interface {
	enqueueDatapoint(metrics.Datapoint)
	enqueueSpanFragment(tracing.Fragment)
}

type atomicFloat64 struct{ bits atomic.Uint64 }

func (a *atomicFloat64) Store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomicFloat64) Load() float64   { return math.Float64frombits(a.bits.Load()) }

// Inst is the per-worker instrumentation state. It is created before the
// worker runs its first handler and torn down by the registry after the
// worker's final cleanup. Cross-thread access to teardown-sensitive fields is
// serialized by the scope lock: commands take the read side, teardown takes
// the write side.
type Inst struct {
	id     uint64
	isMain bool
	sink   loopSink

	scopeMu sync.RWMutex
	alive   bool
	loop    *EventLoop

	counters      [SlotCount]atomic.Uint64
	traceFlags    atomic.Uint32
	metricsPaused atomic.Bool

	eloopCmds         tsQueue[CommandFunc]
	interruptCmds     tsQueue[CommandFunc]
	interruptOnlyCmds tsQueue[CommandFunc]

	gcFields [gcFieldCount]atomic.Uint64
	gcRingMu sync.Mutex
	gcRing   *metrics.Ring

	// Quantile buckets, written and consumed on the agent goroutine only.
	// The refreshed percentiles are published through the atomics below so
	// the worker can copy them into a metrics snapshot without locking.
	dnsBucket    metrics.Bucket
	clientBucket metrics.Bucket
	serverBucket metrics.Bucket

	dnsMedian    atomicFloat64
	dns99Ptile   atomicFloat64
	clientMedian atomicFloat64
	client99     atomicFloat64
	serverMedian atomicFloat64
	server99     atomicFloat64

	infoMu       sync.Mutex
	name         string
	moduleInfo   map[string]string
	startupTimes map[string]float64

	customMu       sync.Mutex
	customHandlers map[string]CustomCommandHandler

	makecallbacks   atomic.Uint64
	fsHandlesOpened atomic.Uint64
	fsHandlesClosed atomic.Uint64

	promiseTracking atomic.Bool
	reportedBlocked atomic.Bool
}

func newInst(id uint64, isMain bool, sink loopSink) *Inst {
	inst := &Inst{
		id:           id,
		isMain:       isMain,
		sink:         sink,
		alive:        true,
		gcRing:       metrics.NewRing(metrics.GCRingSize),
		moduleInfo:   map[string]string{},
		startupTimes: map[string]float64{},
	}
	inst.loop = newEventLoop(inst)
	return inst
}

// ID returns the worker's thread id. Unique for the process lifetime.
func (i *Inst) ID() uint64 { return i.id }

// IsMain reports whether this is the main thread.
func (i *Inst) IsMain() bool { return i.isMain }

// Loop returns the worker's event loop, or nil after teardown.
func (i *Inst) Loop() *EventLoop {
	i.scopeMu.RLock()
	defer i.scopeMu.RUnlock()
	return i.loop
}

// Scope is a guard that keeps the worker's execution context alive for the
// duration of a critical section.
type Scope struct {
	inst *Inst
	ok   bool
}

// Success reports whether the context was still alive when the scope was
// taken. Operations on a dead scope must not touch the loop.
func (s *Scope) Success() bool { return s.ok }

// Close releases the scope.
func (s *Scope) Close() {
	s.inst.scopeMu.RUnlock()
}

// Scope acquires the scope lock. The caller must Close it.
func (i *Inst) Scope() *Scope {
	i.scopeMu.RLock()
	return &Scope{inst: i, ok: i.alive}
}

// teardown invalidates the instance. Runs with no commands executing: the
// write lock waits for every in-flight scope.
func (i *Inst) teardown() {
	i.scopeMu.Lock()
	i.alive = false
	i.loop = nil
	i.scopeMu.Unlock()
}

// RecordCounter adds delta to one of the shared counter slots. Must be called
// from the owning worker.
func (i *Inst) RecordCounter(slot int, delta uint64) {
	i.counters[slot].Add(delta)
}

// Counter reads a counter slot. Safe from any goroutine.
func (i *Inst) Counter(slot int) uint64 {
	return i.counters[slot].Load()
}

// TraceFlags returns the worker's span-type enable mask.
func (i *Inst) TraceFlags() uint32 { return i.traceFlags.Load() }

// SetTraceFlags replaces the worker's span-type enable mask.
func (i *Inst) SetTraceFlags(flags uint32) { i.traceFlags.Store(flags) }

// PromiseTracking reports whether promise lifecycle counters are active on
// this worker.
func (i *Inst) PromiseTracking() bool { return i.promiseTracking.Load() }

// SetPromiseTracking toggles the worker's promise lifecycle counters.
func (i *Inst) SetPromiseTracking(on bool) { i.promiseTracking.Store(on) }

// MetricsPaused reports whether periodic sampling is suspended.
func (i *Inst) MetricsPaused() bool { return i.metricsPaused.Load() }

// SetMetricsPaused suspends or resumes periodic sampling.
func (i *Inst) SetMetricsPaused(paused bool) { i.metricsPaused.Store(paused) }

// PushSpanFragment queues a span fragment for the assembler. Enqueue is
// infallible; fragments produced after teardown are dropped by the assembler
// once the span expires.
func (i *Inst) PushSpanFragment(f tracing.Fragment) {
	f.ThreadID = i.id
	i.sink.enqueueSpanFragment(f)
}

// PushDatapoint queues one duration measurement. The timestamp is derived
// from the process time origin plus the monotonic clock.
func (i *Inst) PushDatapoint(kind metrics.DatapointKind, value float64) {
	i.sink.enqueueDatapoint(metrics.Datapoint{
		ThreadID:  i.id,
		Timestamp: metrics.NowMillis(),
		Kind:      kind,
		Value:     value,
	})
}

// RecordGC records one garbage-collection cycle of durUs microseconds. It
// updates the classification counters, the percentile ring and emits a
// datapoint.
func (i *Inst) RecordGC(kind GCKind, durUs float64) {
	i.gcFields[gcCount].Add(1)
	dpKind := metrics.KindGCRegular
	switch kind {
	case GCForced:
		i.gcFields[gcForced].Add(1)
		dpKind = metrics.KindGCForced
	case GCFull:
		i.gcFields[gcFull].Add(1)
		dpKind = metrics.KindGCFull
	case GCMajor:
		i.gcFields[gcMajor].Add(1)
		dpKind = metrics.KindGCMajor
	}

	i.gcRingMu.Lock()
	i.gcRing.Push(durUs)
	i.gcRingMu.Unlock()

	i.PushDatapoint(dpKind, durUs)
}

// IncMakeCallback counts one callback invocation. Used by blocked-loop
// reports to correlate notifications.
func (i *Inst) IncMakeCallback() { i.makecallbacks.Add(1) }

// IncFSHandlesOpened counts one opened file handle.
func (i *Inst) IncFSHandlesOpened() { i.fsHandlesOpened.Add(1) }

// IncFSHandlesClosed counts one closed file handle.
func (i *Inst) IncFSHandlesClosed() { i.fsHandlesClosed.Add(1) }

// ThreadName returns the worker's name.
func (i *Inst) ThreadName() string {
	i.infoMu.Lock()
	defer i.infoMu.Unlock()
	return i.name
}

// SetThreadName names the worker.
func (i *Inst) SetThreadName(name string) {
	i.infoMu.Lock()
	i.name = name
	i.infoMu.Unlock()
}

// SetStartupTime records a named startup mark at the given offset from the
// process time origin, in milliseconds.
func (i *Inst) SetStartupTime(name string, millis float64) {
	i.infoMu.Lock()
	i.startupTimes[name] = millis
	i.infoMu.Unlock()
}

// StartupTimes returns a copy of the recorded startup marks.
func (i *Inst) StartupTimes() map[string]float64 {
	i.infoMu.Lock()
	defer i.infoMu.Unlock()
	out := make(map[string]float64, len(i.startupTimes))
	for k, v := range i.startupTimes {
		out[k] = v
	}
	return out
}

// SetModuleInfo records info about a loaded module.
func (i *Inst) SetModuleInfo(path, info string) {
	i.infoMu.Lock()
	i.moduleInfo[path] = info
	i.infoMu.Unlock()
}

// ModuleInfo returns a copy of the recorded module info.
func (i *Inst) ModuleInfo() map[string]string {
	i.infoMu.Lock()
	defer i.infoMu.Unlock()
	out := make(map[string]string, len(i.moduleInfo))
	for k, v := range i.moduleInfo {
		out[k] = v
	}
	return out
}

// pushBucketSample adds a raw sample to the worker's quantile bucket for
// kind. Agent goroutine only.
func (i *Inst) pushBucketSample(kind metrics.DatapointKind, value float64) {
	switch kind {
	case metrics.KindDNS:
		i.dnsBucket.Push(value)
	case metrics.KindHTTPClient:
		i.clientBucket.Push(value)
	case metrics.KindHTTPServer:
		i.serverBucket.Push(value)
	}
}

// publishQuantiles recomputes the HTTP/DNS percentiles from the pending
// buckets, publishes them and clears the buckets. Agent goroutine only.
func (i *Inst) publishQuantiles() {
	med, p99 := i.dnsBucket.Percentiles()
	i.dnsMedian.Store(med)
	i.dns99Ptile.Store(p99)
	i.dnsBucket.Reset()

	med, p99 = i.clientBucket.Percentiles()
	i.clientMedian.Store(med)
	i.client99.Store(p99)
	i.clientBucket.Reset()

	med, p99 = i.serverBucket.Percentiles()
	i.serverMedian.Store(med)
	i.server99.Store(p99)
	i.serverBucket.Reset()
}

// gcPercentiles returns (median, p99) of the recent GC durations in
// microseconds.
func (i *Inst) gcPercentiles() (median, p99 float64) {
	i.gcRingMu.Lock()
	defer i.gcRingMu.Unlock()
	return i.gcRing.Percentile(0.5), i.gcRing.Percentile(0.99)
}

// runOnLoop queues fn for the worker's next event-loop tick and wakes the
// loop. Caller holds a live scope.
func (i *Inst) runOnLoop(fn CommandFunc) {
	i.eloopCmds.push(fn)
	i.loop.wakeup()
}

// runOnInterrupt queues fn for the next safe interrupt point, waking the loop
// and requesting a checkpoint so whichever comes first delivers it.
func (i *Inst) runOnInterrupt(fn CommandFunc) {
	i.interruptCmds.push(fn)
	i.loop.requestInterrupt()
	i.loop.wakeup()
}

// runOnInterruptOnly queues fn for the next cooperative checkpoint inside a
// handler, where the worker's call stack is beneath it.
func (i *Inst) runOnInterruptOnly(fn CommandFunc) {
	i.interruptOnlyCmds.push(fn)
	i.loop.requestInterrupt()
}

// drainCommandsWithoutRunning empties all three command queues. Used at
// teardown: queued commands are dropped, never executed.
func (i *Inst) drainCommandsWithoutRunning() {
	i.eloopCmds.drain()
	i.interruptCmds.drain()
	i.interruptOnlyCmds.drain()
}

// CollectThreadMetrics fills stor with a full snapshot. It must run on the
// owning worker goroutine, either directly or inside an interrupt command.
func (i *Inst) CollectThreadMetrics(stor *metrics.ThreadStor) error {
	sc := i.Scope()
	defer sc.Close()
	if !sc.Success() {
		return ErrNotAlive
	}
	loop := i.loop
	if !loop.OnLoopGoroutine() {
		return ErrNotOwningThread
	}

	stor.ThreadID = i.id
	stor.ThreadName = i.ThreadName()
	stor.Timestamp = uint64(metrics.NowMillis())

	loop.collectLoopStats(stor)
	collectHeapStats(stor)

	stor.GCCount = i.gcFields[gcCount].Load()
	stor.GCForcedCount = i.gcFields[gcForced].Load()
	stor.GCFullCount = i.gcFields[gcFull].Load()
	stor.GCMajorCount = i.gcFields[gcMajor].Load()
	stor.GCDurUsMedian, stor.GCDurUs99Ptile = i.gcPercentiles()

	stor.DNSCount = i.Counter(SlotDNSCount)
	stor.HTTPClientCount = i.Counter(SlotHTTPClientCount)
	stor.HTTPClientAbortCount = i.Counter(SlotHTTPClientAbortCount)
	stor.HTTPServerCount = i.Counter(SlotHTTPServerCount)
	stor.HTTPServerAbortCount = i.Counter(SlotHTTPServerAbortCount)
	stor.PipeServerCreatedCount = i.Counter(SlotPipeServerCreatedCount)
	stor.PipeServerDestroyedCount = i.Counter(SlotPipeServerDestroyedCount)
	stor.PipeSocketCreatedCount = i.Counter(SlotPipeSocketCreatedCount)
	stor.PipeSocketDestroyedCount = i.Counter(SlotPipeSocketDestroyedCount)
	stor.TCPServerCreatedCount = i.Counter(SlotTCPServerCreatedCount)
	stor.TCPServerDestroyedCount = i.Counter(SlotTCPServerDestroyedCount)
	stor.TCPSocketCreatedCount = i.Counter(SlotTCPSocketCreatedCount)
	stor.TCPSocketDestroyedCount = i.Counter(SlotTCPSocketDestroyedCount)
	stor.UDPSocketCreatedCount = i.Counter(SlotUDPSocketCreatedCount)
	stor.UDPSocketDestroyedCount = i.Counter(SlotUDPSocketDestroyedCount)
	stor.PromiseCreatedCount = i.Counter(SlotPromiseCreatedCount)
	stor.PromiseResolvedCount = i.Counter(SlotPromiseResolvedCount)
	stor.FSHandlesOpenedCount = i.fsHandlesOpened.Load()
	stor.FSHandlesClosedCount = i.fsHandlesClosed.Load()

	stor.DNSMedian = i.dnsMedian.Load()
	stor.DNS99Ptile = i.dns99Ptile.Load()
	stor.HTTPClientMedian = i.clientMedian.Load()
	stor.HTTPClient99Ptile = i.client99.Load()
	stor.HTTPServerMedian = i.serverMedian.Load()
	stor.HTTPServer99Ptile = i.server99.Load()

	return nil
}
