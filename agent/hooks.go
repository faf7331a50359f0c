package agent

import (
	"time"

	"github.com/nodesource/nsagent/internal/runtime"
	"github.com/nodesource/nsagent/internal/tracing"
)

// OnConfig registers a hook that receives the full configuration JSON after
// every effective change. Returns a removal id.
func (a *Agent) OnConfig(fn func(configJSON string)) uint64 {
	return a.loop.OnConfig(fn, nil, nil)
}

// OnThreadAdded registers a worker-creation hook. It fires with a handle to
// the new thread before the thread runs user work.
func (a *Agent) OnThreadAdded(fn func(*Thread)) uint64 {
	return a.loop.OnThreadAdded(func(inst *runtime.Inst) {
		fn(&Thread{agent: a, inst: inst})
	}, nil, nil)
}

// OnThreadRemoved registers a worker-removal hook.
func (a *Agent) OnThreadRemoved(fn func(*Thread)) uint64 {
	return a.loop.OnThreadRemoved(func(inst *runtime.Inst) {
		fn(&Thread{agent: a, inst: inst})
	}, nil, nil)
}

// OnBlockedLoop registers a blocked-event-loop hook with its reporting
// threshold. The body is the notification JSON including the captured
// stack.
func (a *Agent) OnBlockedLoop(threshold time.Duration, fn func(t *Thread, body string)) uint64 {
	return a.loop.OnBlockedLoop(threshold, func(inst *runtime.Inst, body string) {
		fn(&Thread{agent: a, inst: inst}, body)
	}, nil, nil)
}

// OnUnblockedLoop registers the matching unblocked hook.
func (a *Agent) OnUnblockedLoop(fn func(t *Thread, body string)) uint64 {
	return a.loop.OnUnblockedLoop(func(inst *runtime.Inst, body string) {
		fn(&Thread{agent: a, inst: inst}, body)
	}, nil, nil)
}

// OnSpan registers a completed-span subscriber filtered by a span-type
// bitmask. Worker trace masks follow the union of subscriber masks.
func (a *Agent) OnSpan(typeMask uint32, fn func(SpanStor)) uint64 {
	id := a.loop.Assembler().AddHook(typeMask, func(stor tracing.SpanStor) {
		fn(stor)
	})
	a.loop.TraceFlagsChanged()
	return id
}

// RemoveSpanHook unregisters a span subscriber and narrows worker masks
// accordingly.
func (a *Agent) RemoveSpanHook(id uint64) {
	a.loop.Assembler().RemoveHook(id)
	a.loop.TraceFlagsChanged()
}

// OnDatapoints registers a datapoint-stream subscriber filtered by a kind
// bitmask. Batches arrive on the agent goroutine in production order per
// thread.
func (a *Agent) OnDatapoints(kindMask uint32, fn func([]Datapoint)) uint64 {
	return a.loop.OnMetricsStream(kindMask, fn, nil, nil)
}

// RemoveDatapointsHook unregisters a datapoint subscriber.
func (a *Agent) RemoveDatapointsHook(id uint64) {
	a.loop.RemoveMetricsStreamHook(id)
}

// OnLogWrite registers a log-write hook.
func (a *Agent) OnLogWrite(fn func(t *Thread, severity, message string)) uint64 {
	return a.loop.OnLogWrite(func(inst *runtime.Inst, info runtime.LogWriteInfo) {
		var th *Thread
		if inst != nil {
			th = &Thread{agent: a, inst: inst}
		}
		fn(th, info.Severity, info.Message)
	}, nil, nil)
}

// WriteLog routes one log line through the log-write hooks.
func (a *Agent) WriteLog(t *Thread, severity, message string) {
	var inst *runtime.Inst
	if t != nil {
		inst = t.inst
	}
	a.loop.WriteLog(inst, runtime.LogWriteInfo{Severity: severity, Message: message})
}
