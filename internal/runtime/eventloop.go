package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodesource/nsagent/internal/metrics"
)

// EventLoop drives one worker: a single goroutine that alternates between
// waiting for work and running queued handlers. Instrumentation never
// suspends inside a handler; agent commands are delivered only at iteration
// boundaries or at cooperative checkpoints the handler opts into.
type EventLoop struct {
	inst *Inst

	wake     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	jobs tsQueue[func()]

	interruptPending atomic.Bool
	noScript         atomic.Bool

	gid atomic.Uint64

	// Provider times: entry/exit instants of the handler currently or most
	// recently executing, in monotonic nanoseconds since the time origin.
	// Read by the blocked-loop detector.
	providerEntry atomic.Int64
	providerExit  atomic.Int64

	loopCount     atomic.Uint64
	eventsWaiting atomic.Uint64

	// Iteration bookkeeping, owned by the loop goroutine. Snapshots are read
	// on the same goroutine via interrupt commands.
	stats loopStats

	res      *metrics.Responsiveness
	estLag   *metrics.EWMA
	avgTasks *metrics.EWMA
}

type loopStats struct {
	idleTime        time.Duration
	iterations      uint64
	iterWithEvents  uint64
	eventsProcessed uint64
	providerDelay   time.Duration
	processingDelay time.Duration
	prevProcessing  time.Duration
	busyTime        time.Duration
	startMono       time.Time
}

func newEventLoop(inst *Inst) *EventLoop {
	return &EventLoop{
		inst:     inst,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		res:      metrics.NewResponsiveness(),
		estLag:   metrics.NewEWMA(1),
		avgTasks: metrics.NewEWMA(1),
	}
}

// Submit queues a handler for execution on the loop. This is how the
// embedder hands "script" work to the worker.
func (l *EventLoop) Submit(job func()) {
	l.jobs.push(job)
	l.eventsWaiting.Store(uint64(l.jobs.size()))
	l.wakeup()
}

// wakeup is the cross-thread async signal: it nudges the loop out of its
// wait without blocking the caller.
func (l *EventLoop) wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// requestInterrupt asks the loop to run pending interrupt commands at its
// next safe point.
func (l *EventLoop) requestInterrupt() {
	l.interruptPending.Store(true)
}

// Stop asks the loop goroutine to exit after the current iteration and waits
// for it. A loop that never ran stops immediately.
func (l *EventLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stopped) })
	l.wakeup()
	if l.running.Load() {
		<-l.done
	}
}

// OnLoopGoroutine reports whether the caller runs on the loop goroutine.
func (l *EventLoop) OnLoopGoroutine() bool {
	return curGoroutineID() == l.gid.Load()
}

// NoScript reports whether handler execution is currently disallowed, i.e.
// an interrupt command is running.
func (l *EventLoop) NoScript() bool {
	return l.noScript.Load()
}

// Checkpoint is the cooperative safe point handlers call during long-running
// work. It delivers pending interrupt and interrupt-only commands with
// script execution disallowed.
func (l *EventLoop) Checkpoint() {
	pending := l.interruptPending.Swap(false)
	if !pending && l.inst.interruptOnlyCmds.size() == 0 {
		return
	}
	l.noScript.Store(true)
	for _, fn := range l.interruptCmdsForCheckpoint() {
		fn(l.inst)
	}
	l.noScript.Store(false)
}

func (l *EventLoop) interruptCmdsForCheckpoint() []CommandFunc {
	cmds := l.inst.interruptCmds.drain()
	// Interrupt-only commands run exclusively here, with the handler's
	// stack beneath them.
	return append(cmds, l.inst.interruptOnlyCmds.drain()...)
}

// Run executes the loop until Stop. It must be called exactly once, from the
// goroutine dedicated to this worker.
func (l *EventLoop) Run() {
	defer close(l.done)
	l.running.Store(true)
	l.gid.Store(curGoroutineID())
	l.stats.startMono = time.Now()
	now := nowMono()
	l.providerEntry.Store(now)
	l.providerExit.Store(now)

	for {
		iterStart := time.Now()

		// Idle phase: wait for work.
		if l.jobs.size() == 0 {
			idleStart := time.Now()
			select {
			case <-l.wake:
			case <-l.stopped:
				return
			}
			l.stats.idleTime += time.Since(idleStart)
		} else {
			select {
			case <-l.wake:
			default:
			}
		}

		select {
		case <-l.stopped:
			return
		default:
		}

		// Safe point: loop-tick commands, then interrupt commands.
		l.runBoundaryCommands()

		// Handler phase.
		jobs := l.jobs.drain()
		waiting := len(jobs)
		l.eventsWaiting.Store(0)
		processStart := time.Now()
		for _, job := range jobs {
			l.providerEntry.Store(nowMono())
			l.inst.IncMakeCallback()
			job()
			l.providerExit.Store(nowMono())
			l.stats.eventsProcessed++
		}
		processing := time.Since(processStart)
		l.stats.busyTime += processing

		l.finishIteration(iterStart, processing, waiting)
	}
}

func (l *EventLoop) runBoundaryCommands() {
	for _, fn := range l.inst.eloopCmds.drain() {
		fn(l.inst)
	}
	if l.interruptPending.Swap(false) {
		l.noScript.Store(true)
		for _, fn := range l.inst.interruptCmds.drain() {
			fn(l.inst)
		}
		l.noScript.Store(false)
	}
}

// finishIteration updates the per-iteration metrics the same way the
// original event-loop hook does: rolling responsiveness averages over the
// iteration duration, aggregate provider/processing delays under a uniform
// arrival assumption, and the unblocked edge of the blocked-loop detector.
func (l *EventLoop) finishIteration(iterStart time.Time, processing time.Duration, waiting int) {
	iterDur := time.Since(iterStart)
	dt := iterDur.Seconds()

	l.stats.iterations++
	l.loopCount.Add(1)
	if waiting > 0 {
		l.stats.iterWithEvents++
	}

	lagMs := float64(iterDur-processing) / float64(time.Millisecond)
	l.res.Update(dt, lagMs)
	l.estLag.Update(dt, lagMs)
	l.avgTasks.Update(dt, float64(waiting))

	if waiting > 0 {
		l.stats.providerDelay += l.stats.prevProcessing * time.Duration(waiting) / 2
		l.stats.processingDelay += processing * time.Duration(waiting-1) / 2
	}
	l.stats.prevProcessing = processing

	// One unblocked notification per contiguous block.
	if l.inst.reportedBlocked.Swap(false) {
		if sink, ok := l.inst.sink.(blockedSink); ok {
			blockedFor := time.Duration(nowMono() - l.providerEntry.Load())
			sink.reportUnblocked(l.inst, blockedFor, l.loopCount.Load(), l.inst.makecallbacks.Load())
		}
	}
}

// blockedSink is implemented by the agent loop to receive unblocked-edge
// notifications from workers.
type blockedSink interface {
	reportUnblocked(inst *Inst, blockedFor time.Duration, loopID, callbackCounter uint64)
}

// collectLoopStats fills the event-loop portion of a metrics snapshot. Loop
// goroutine only.
func (l *EventLoop) collectLoopStats(stor *metrics.ThreadStor) {
	elapsed := time.Since(l.stats.startMono)

	stor.LoopIdleTime = uint64(l.stats.idleTime / time.Millisecond)
	stor.LoopIterations = l.stats.iterations
	stor.LoopIterWithEvents = l.stats.iterWithEvents
	stor.EventsProcessed = l.stats.eventsProcessed
	stor.EventsWaiting = uint64(l.jobs.size())
	stor.ProviderDelay = uint64(l.stats.providerDelay / time.Millisecond)
	stor.ProcessingDelay = uint64(l.stats.processingDelay / time.Millisecond)
	stor.LoopTotalCount = l.loopCount.Load()
	stor.ActiveHandles = uint64(l.jobs.size())
	stor.ActiveRequests = 0

	vals := l.res.Values()
	stor.Res5s = vals[0]
	stor.Res1m = vals[1]
	stor.Res5m = vals[2]
	stor.Res15m = vals[3]
	stor.LoopEstimatedLag = l.estLag.Value()
	stor.LoopAvgTasks = l.avgTasks.Value()

	if elapsed > 0 {
		stor.LoopIdlePercent = float64(l.stats.idleTime) / float64(elapsed) * 100
		stor.LoopUtilization = float64(l.stats.busyTime) / float64(elapsed)
	}
}

// ProviderTimes returns the last handler entry and exit instants in
// monotonic nanoseconds since the time origin. Safe from any goroutine while
// a scope is held.
func (l *EventLoop) ProviderTimes() (entry, exit int64) {
	return l.providerEntry.Load(), l.providerExit.Load()
}

// LoopCount returns the number of completed iterations.
func (l *EventLoop) LoopCount() uint64 { return l.loopCount.Load() }

// nowMono returns monotonic nanoseconds since the process time origin.
func nowMono() int64 {
	return int64(metrics.SinceOrigin() * float64(time.Millisecond))
}
