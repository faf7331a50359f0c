package runtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodesource/nsagent/internal/config"
	"github.com/nodesource/nsagent/internal/metrics"
	"github.com/nodesource/nsagent/internal/tracing"
)

const (
	blockedTimerPeriod = 100 * time.Millisecond
	defaultRefresh     = 3 * time.Second

	dispatchPeriod  = 100 * time.Millisecond
	dispatchMaxSize = 100
)

// ThreadHookFunc observes worker creation and removal.
type ThreadHookFunc func(*Inst)

// ConfigHookFunc receives the full configuration JSON after every effective
// change.
type ConfigHookFunc func(configJSON string)

// BlockedHookFunc receives blocked/unblocked notification bodies.
type BlockedHookFunc func(inst *Inst, body string)

// StreamHookFunc receives datapoint batches.
type StreamHookFunc func(batch []metrics.Datapoint)

// LogWriteInfo describes one log line routed through the agent.
type LogWriteInfo struct {
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// LogWriteHookFunc observes log lines.
type LogWriteHookFunc func(inst *Inst, info LogWriteInfo)

type blockedHook struct {
	threshold time.Duration
	fn        BlockedHookFunc
}

type streamHook struct {
	flags uint32
	fn    StreamHookFunc
}

// Loop is the agent service goroutine. It owns the thread registry, the span
// assembler, every hook list, the cross-thread dispatch queues and all
// periodic timers. Everything hook-visible runs on this single goroutine,
// except thread-added and thread-removed hooks, which run on the caller of
// Registry.Add and Registry.Remove.
type Loop struct {
	logger  *slog.Logger
	agentID string

	registry  *Registry
	assembler *tracing.Assembler
	store     *config.Store

	queue tsQueue[func()]
	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}

	datapoints tsQueue[metrics.Datapoint]
	fragments  tsQueue[tracing.Fragment]

	spanIDs  *idPool
	traceIDs *idPool

	configHooks    hookList[ConfigHookFunc]
	threadAdded    hookList[ThreadHookFunc]
	threadRemoved  hookList[ThreadHookFunc]
	blockedHooks   hookList[blockedHook]
	unblockedHooks hookList[BlockedHookFunc]
	logWriteHooks  hookList[LogWriteHookFunc]
	streamHooks    hookList[streamHook]

	minBlockedThreshold atomic.Int64
	refreshPeriod       atomic.Int64

	infoMu sync.Mutex
	info   string
	tags   []string

	// transportConfig receives transport-relevant config subtrees; wired by
	// the embedding agent so the loop stays transport-agnostic.
	transportMu     sync.Mutex
	transportConfig func(key string, value json.RawMessage)

	startOnce    sync.Once
	shutdownOnce sync.Once
}

// NewLoop creates the agent loop. Call Start to launch its goroutine.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		logger:  logger,
		agentID: randomHex(agentIDBytes),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		store:   config.NewStore(),
	}
	l.assembler = tracing.NewAssembler(metrics.TimeOrigin(), 0)
	l.registry = newRegistry(l)
	l.spanIDs = newIDPool(spanIDBytes, func() { l.Queue(func() { l.spanIDs.refill() }) })
	l.traceIDs = newIDPool(traceIDBytes, func() { l.Queue(func() { l.traceIDs.refill() }) })
	l.minBlockedThreshold.Store(int64(^uint64(0) >> 1))
	l.refreshPeriod.Store(int64(defaultRefresh))
	return l
}

// AgentID returns the process-lifetime-unique agent identifier: 20 random
// bytes, hex encoded.
func (l *Loop) AgentID() string { return l.agentID }

// Registry returns the thread registry.
func (l *Loop) Registry() *Registry { return l.registry }

// Assembler returns the span assembler. Its mutating methods must only be
// used from the loop goroutine.
func (l *Loop) Assembler() *tracing.Assembler { return l.assembler }

// Logger returns the loop's logger.
func (l *Loop) Logger() *slog.Logger { return l.logger }

// Start launches the service goroutine. Safe to call once.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Shutdown force-completes pending spans, releases every hook list and stops
// the goroutine. Safe to call once the loop has started; later calls are
// no-ops.
func (l *Loop) Shutdown() {
	l.shutdownOnce.Do(func() {
		l.Flush(func() {
			l.drainDatapoints()
			l.drainFragments()
			l.assembler.EndPendingSpans(metrics.NowMillis())
		})
		close(l.stop)
		l.wakeup()
		<-l.done

		l.configHooks.destroy()
		l.threadAdded.destroy()
		l.threadRemoved.destroy()
		l.blockedHooks.destroy()
		l.unblockedHooks.destroy()
		l.logWriteHooks.destroy()
		l.streamHooks.destroy()
	})
}

// Queue schedules fn for execution on the agent goroutine.
func (l *Loop) Queue(fn func()) {
	l.queue.push(fn)
	l.wakeup()
}

// QueueAfter schedules fn to run on the agent goroutine at or after delay,
// measured from now. A backlogged loop runs it on the first drain past the
// deadline.
func (l *Loop) QueueAfter(delay time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(delay, func() { l.Queue(fn) })
}

// Flush runs fn on the agent goroutine and waits for it. Used for shutdown
// barriers and tests.
func (l *Loop) Flush(fn func()) {
	doneCh := make(chan struct{})
	l.Queue(func() {
		if fn != nil {
			fn()
		}
		close(doneCh)
	})
	<-doneCh
}

func (l *Loop) wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)

	blockedTicker := time.NewTicker(blockedTimerPeriod)
	defer blockedTicker.Stop()
	refreshTicker := time.NewTicker(time.Duration(l.refreshPeriod.Load()))
	defer refreshTicker.Stop()
	dispatchTicker := time.NewTicker(dispatchPeriod)
	defer dispatchTicker.Stop()

	// Warm the id pools before any worker asks.
	l.spanIDs.refill()
	l.traceIDs.refill()

	for {
		select {
		case <-l.stop:
			for _, fn := range l.queue.drain() {
				fn()
			}
			return
		case <-l.wake:
			for _, fn := range l.queue.drain() {
				fn()
			}
		case <-blockedTicker.C:
			l.checkBlockedLoops()
		case <-refreshTicker.C:
			l.refreshQuantiles()
			refreshTicker.Reset(time.Duration(l.refreshPeriod.Load()))
		case <-dispatchTicker.C:
			l.dispatchDatapoints()
			l.dispatchFragments()
			l.assembler.Expire()
		}
	}
}

// ---- cross-thread queues (loopSink) ----

func (l *Loop) enqueueDatapoint(dp metrics.Datapoint) {
	if l.datapoints.push(dp) > dispatchMaxSize {
		l.Queue(l.dispatchDatapoints)
	}
}

func (l *Loop) enqueueSpanFragment(f tracing.Fragment) {
	if l.fragments.push(f) > dispatchMaxSize {
		l.Queue(l.dispatchFragments)
	}
}

// dispatchDatapoints drains one bounded batch: quantile buckets first, then
// subscriber fan-out filtered by kind mask.
func (l *Loop) dispatchDatapoints() {
	batch := l.datapoints.drainN(dispatchMaxSize)
	if len(batch) == 0 {
		return
	}
	for _, dp := range batch {
		if inst := l.registry.Lookup(dp.ThreadID); inst != nil {
			inst.pushBucketSample(dp.Kind, dp.Value)
		}
	}
	l.streamHooks.forEach(func(e hookEntry[streamHook]) {
		var filtered []metrics.Datapoint
		for _, dp := range batch {
			if e.fn.flags&uint32(dp.Kind) != 0 {
				filtered = append(filtered, dp)
			}
		}
		if len(filtered) > 0 {
			e.fn.fn(filtered)
		}
	})
}

func (l *Loop) drainDatapoints() {
	for l.datapoints.size() > 0 {
		l.dispatchDatapoints()
	}
}

func (l *Loop) dispatchFragments() {
	for _, f := range l.fragments.drainN(dispatchMaxSize) {
		l.assembler.AddFragment(f)
	}
}

func (l *Loop) drainFragments() {
	for l.fragments.size() > 0 {
		l.dispatchFragments()
	}
}

func (l *Loop) refreshQuantiles() {
	for _, inst := range l.registry.Snapshot() {
		inst.publishQuantiles()
	}
}

// RefreshQuantilesNow forces a quantile refresh on the agent goroutine and
// waits for it.
func (l *Loop) RefreshQuantilesNow() {
	l.Flush(func() {
		l.drainDatapoints()
		l.refreshQuantiles()
	})
}

// DispatchNow drains both cross-thread queues on the agent goroutine and
// waits.
func (l *Loop) DispatchNow() {
	l.Flush(func() {
		l.drainDatapoints()
		l.drainFragments()
	})
}

// ---- id pools ----

// PopSpanID returns a pre-generated 8-byte hex span id.
func (l *Loop) PopSpanID() string { return l.spanIDs.pop() }

// PopTraceID returns a pre-generated 16-byte hex trace id.
func (l *Loop) PopTraceID() string { return l.traceIDs.pop() }

// ---- hook registration ----

// OnConfig registers a configuration-changed hook. state is released when
// the hook list is destroyed or the hook removed.
func (l *Loop) OnConfig(fn ConfigHookFunc, state any, release func(any)) uint64 {
	return l.configHooks.add(fn, state, release)
}

// OnThreadAdded registers a worker-creation hook.
func (l *Loop) OnThreadAdded(fn ThreadHookFunc, state any, release func(any)) uint64 {
	return l.threadAdded.add(fn, state, release)
}

// OnThreadRemoved registers a worker-removal hook.
func (l *Loop) OnThreadRemoved(fn ThreadHookFunc, state any, release func(any)) uint64 {
	return l.threadRemoved.add(fn, state, release)
}

// OnBlockedLoop registers a blocked-loop hook with its reporting threshold.
func (l *Loop) OnBlockedLoop(threshold time.Duration, fn BlockedHookFunc, state any, release func(any)) uint64 {
	id := l.blockedHooks.add(blockedHook{threshold: threshold, fn: fn}, state, release)
	l.recomputeBlockedThreshold()
	return id
}

// OnUnblockedLoop registers an unblocked-loop hook.
func (l *Loop) OnUnblockedLoop(fn BlockedHookFunc, state any, release func(any)) uint64 {
	return l.unblockedHooks.add(fn, state, release)
}

// OnLogWrite registers a log-write hook.
func (l *Loop) OnLogWrite(fn LogWriteHookFunc, state any, release func(any)) uint64 {
	return l.logWriteHooks.add(fn, state, release)
}

// RemoveBlockedLoopHook unregisters a blocked-loop hook.
func (l *Loop) RemoveBlockedLoopHook(id uint64) {
	l.blockedHooks.remove(id)
	l.recomputeBlockedThreshold()
}

func (l *Loop) recomputeBlockedThreshold() {
	min := int64(^uint64(0) >> 1)
	l.blockedHooks.forEach(func(e hookEntry[blockedHook]) {
		if int64(e.fn.threshold) < min {
			min = int64(e.fn.threshold)
		}
	})
	if cfg := l.store.BlockedLoopThreshold(); cfg > 0 && int64(cfg) < min {
		min = int64(cfg)
	}
	l.minBlockedThreshold.Store(min)
}

// OnMetricsStream registers a datapoint-stream subscriber with its kind
// mask.
func (l *Loop) OnMetricsStream(flags uint32, fn StreamHookFunc, state any, release func(any)) uint64 {
	return l.streamHooks.add(streamHook{flags: flags, fn: fn}, state, release)
}

// RemoveMetricsStreamHook unregisters a datapoint-stream subscriber.
func (l *Loop) RemoveMetricsStreamHook(id uint64) {
	l.streamHooks.remove(id)
}

// WriteLog routes one log line to every log-write hook on the agent
// goroutine.
func (l *Loop) WriteLog(inst *Inst, info LogWriteInfo) {
	if l.logWriteHooks.empty() {
		return
	}
	if info.Timestamp == 0 {
		info.Timestamp = metrics.NowMillis()
	}
	l.Queue(func() {
		l.logWriteHooks.forEach(func(e hookEntry[LogWriteHookFunc]) {
			e.fn(inst, info)
		})
	})
}

// ---- thread lifecycle fan-out ----

func (l *Loop) notifyThreadAdded(inst *Inst) {
	l.threadAdded.forEach(func(e hookEntry[ThreadHookFunc]) {
		e.fn(inst)
	})
}

func (l *Loop) notifyThreadRemoved(inst *Inst) {
	l.threadRemoved.forEach(func(e hookEntry[ThreadHookFunc]) {
		e.fn(inst)
	})
}

func (l *Loop) endThreadSpansOnExit(threadID uint64) {
	l.Flush(func() {
		l.drainFragments()
		l.assembler.EndThreadSpans(threadID, tracing.EndExit, metrics.NowMillis())
	})
}

// ---- process info ----

// StoreInfo caches the process-info JSON handed out to consumers.
func (l *Loop) StoreInfo(info string) {
	l.infoMu.Lock()
	l.info = info
	l.infoMu.Unlock()
}

// Info returns the cached process-info JSON.
func (l *Loop) Info() string {
	l.infoMu.Lock()
	defer l.infoMu.Unlock()
	return l.info
}

// Tags returns the configured tags.
func (l *Loop) Tags() []string {
	l.infoMu.Lock()
	defer l.infoMu.Unlock()
	out := make([]string, len(l.tags))
	copy(out, l.tags)
	return out
}

// SetTransportConfigurator wires the callback that receives
// transport-relevant configuration subtrees.
func (l *Loop) SetTransportConfigurator(fn func(key string, value json.RawMessage)) {
	l.transportMu.Lock()
	l.transportConfig = fn
	l.transportMu.Unlock()
}
