package agent

import (
	"sync/atomic"
	"time"

	"github.com/nodesource/nsagent/internal/metrics"
	"github.com/nodesource/nsagent/internal/runtime"
	"github.com/nodesource/nsagent/internal/tracing"
)

// Counter slots writable through Thread.RecordCounter.
const (
	SlotHTTPClientCount      = runtime.SlotHTTPClientCount
	SlotHTTPServerCount      = runtime.SlotHTTPServerCount
	SlotHTTPClientAbortCount = runtime.SlotHTTPClientAbortCount
	SlotHTTPServerAbortCount = runtime.SlotHTTPServerAbortCount
	SlotDNSCount             = runtime.SlotDNSCount
	SlotPromiseCreatedCount  = runtime.SlotPromiseCreatedCount
	SlotPromiseResolvedCount = runtime.SlotPromiseResolvedCount
)

// Discipline selects how a command reaches its target thread.
type Discipline = runtime.Discipline

const (
	DispatchEventLoop     = runtime.DispatchEventLoop
	DispatchInterrupt     = runtime.DispatchInterrupt
	DispatchInterruptOnly = runtime.DispatchInterruptOnly
)

// Thread is one instrumented worker: an event loop plus the per-thread
// state sampled by the agent.
type Thread struct {
	agent *Agent
	inst  *runtime.Inst
}

// StartThread registers a new worker and launches its event loop goroutine.
// The first thread started is the main thread.
func (a *Agent) StartThread(name string) *Thread {
	inst := a.loop.Registry().Add(name)
	go inst.Loop().Run()
	return &Thread{agent: a, inst: inst}
}

// RemoveThread tears the worker down: in-flight profiles are force-stopped,
// queued commands are drained without running, and the thread's context is
// invalidated.
func (a *Agent) RemoveThread(t *Thread) {
	a.loop.Registry().Remove(t.inst)
}

// Thread returns a handle for a live thread id, or nil.
func (a *Agent) Thread(id uint64) *Thread {
	inst := a.loop.Registry().Lookup(id)
	if inst == nil {
		return nil
	}
	return &Thread{agent: a, inst: inst}
}

// MainThread returns the main thread handle, or nil.
func (a *Agent) MainThread() *Thread {
	inst := a.loop.Registry().Main()
	if inst == nil {
		return nil
	}
	return &Thread{agent: a, inst: inst}
}

// Threads returns handles for every live thread, ordered by id.
func (a *Agent) Threads() []*Thread {
	insts := a.loop.Registry().Snapshot()
	out := make([]*Thread, len(insts))
	for i, inst := range insts {
		out[i] = &Thread{agent: a, inst: inst}
	}
	return out
}

// RunCommand dispatches fn onto the thread under the given discipline. fn
// receives the target thread handle.
func (a *Agent) RunCommand(t *Thread, d Discipline, fn func(*Thread)) error {
	return runtime.Dispatch(t.inst, d, func(inst *runtime.Inst) {
		fn(&Thread{agent: a, inst: inst})
	})
}

// QueueCallback runs fn on the agent service goroutine.
func (a *Agent) QueueCallback(fn func()) { a.loop.Queue(fn) }

// QueueCallbackTimeout runs fn on the agent service goroutine at or after
// the delay.
func (a *Agent) QueueCallbackTimeout(fn func(), delay time.Duration) {
	a.loop.QueueAfter(delay, fn)
}

// ID returns the thread id.
func (t *Thread) ID() uint64 { return t.inst.ID() }

// IsMain reports whether this is the main thread.
func (t *Thread) IsMain() bool { return t.inst.IsMain() }

// Name returns the thread name.
func (t *Thread) Name() string { return t.inst.ThreadName() }

// SetName names the thread.
func (t *Thread) SetName(name string) { t.inst.SetThreadName(name) }

// Submit hands work to the thread's event loop. This is how the embedder
// runs script-level callbacks.
func (t *Thread) Submit(job func()) {
	if loop := t.inst.Loop(); loop != nil {
		loop.Submit(job)
	}
}

// Checkpoint is the cooperative safe point long-running handlers call so
// interrupt commands can be delivered mid-callback.
func (t *Thread) Checkpoint() {
	if loop := t.inst.Loop(); loop != nil {
		loop.Checkpoint()
	}
}

// RecordCounter bumps one of the shared counter slots. Owning thread only.
func (t *Thread) RecordCounter(slot int, delta uint64) {
	t.inst.RecordCounter(slot, delta)
}

// Counter reads one of the shared counter slots. Safe from any goroutine.
func (t *Thread) Counter(slot int) uint64 { return t.inst.Counter(slot) }

// PushDatapoint records one duration measurement.
func (t *Thread) PushDatapoint(kind DatapointKind, value float64) {
	t.inst.PushDatapoint(kind, value)
}

// RecordGC records one garbage-collection cycle.
func (t *Thread) RecordGC(kind GCKind, durUs float64) {
	t.inst.RecordGC(kind, durUs)
}

// SetStartupTime records a named startup mark at the current instant.
func (t *Thread) SetStartupTime(name string) {
	t.inst.SetStartupTime(name, metrics.SinceOrigin())
}

// RegisterCustomCommand installs a handler for a named command on this
// thread.
func (t *Thread) RegisterCustomCommand(name string, handler runtime.CustomCommandHandler) {
	t.inst.RegisterCustomCommand(name, handler)
}

// CustomCommand routes a named command onto the thread; the callback fires
// exactly once on the agent goroutine.
func (a *Agent) CustomCommand(t *Thread, reqID, command, args string, cb runtime.CustomCommandCallback) error {
	return a.loop.CustomCommand(t.inst, reqID, command, args, cb)
}

// TraceFlags returns the thread's current span-type enable mask.
func (t *Thread) TraceFlags() uint32 { return t.inst.TraceFlags() }

// ---- span production ----

// nextLocalSpanID allocates 32-bit local span ids, unique for the process
// lifetime.
var nextLocalSpanID atomic.Uint32

// Span is an in-progress span on one thread. A nil-enabled span (type
// filtered out by the trace mask) swallows every call, so producers never
// branch.
type Span struct {
	thread  *Thread
	id      uint32
	enabled bool
}

// StartSpan opens a span of the given type. Returns a disabled span when
// the type is masked off; all methods on it are no-ops.
func (t *Thread) StartSpan(typ SpanType, name string) *Span {
	if t.inst.TraceFlags()&uint32(typ) == 0 {
		return &Span{}
	}
	s := &Span{
		thread:  t,
		id:      nextLocalSpanID.Add(1),
		enabled: true,
	}
	s.push(tracing.Fragment{Type: tracing.FragStart, Num: metrics.SinceOrigin()})
	s.push(tracing.Fragment{Type: tracing.FragType, Num: float64(typ)})
	if name != "" {
		s.push(tracing.Fragment{Type: tracing.FragName, Str: name})
	}
	s.push(tracing.Fragment{Type: tracing.FragThreadID, Num: float64(t.ID())})
	if threadName := t.Name(); threadName != "" {
		s.push(tracing.Fragment{Type: tracing.FragThreadName, Str: threadName})
	}
	return s
}

// StartSpanWithIds opens a span carrying OTel-compatible trace/span ids
// drawn from the agent's pre-generated pools.
func (t *Thread) StartSpanWithIds(typ SpanType, name, parentID string) *Span {
	s := t.StartSpan(typ, name)
	if !s.enabled {
		return s
	}
	ids := t.agent.PopTraceID() + ":" + t.agent.PopSpanID()
	if parentID != "" {
		ids += ":" + parentID
	}
	s.push(tracing.Fragment{Type: tracing.FragOtelIds, Str: ids})
	return s
}

func (s *Span) push(f tracing.Fragment) {
	f.SpanID = s.id
	s.thread.inst.PushSpanFragment(f)
}

// SetKind sets the span kind.
func (s *Span) SetKind(kind SpanKind) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragKind, Num: float64(kind)})
	}
}

// SetName renames the span.
func (s *Span) SetName(name string) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragName, Str: name})
	}
}

// SetStatus records the span status.
func (s *Span) SetStatus(code StatusCode, msg string) {
	if !s.enabled {
		return
	}
	s.push(tracing.Fragment{Type: tracing.FragStatusCode, Num: float64(code)})
	if msg != "" {
		s.push(tracing.Fragment{Type: tracing.FragStatusMsg, Str: msg})
	}
}

// AddEvent appends a timestamped event payload.
func (s *Span) AddEvent(event string) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragEvent, Str: event})
	}
}

// AddCustomAttrs appends a JSON blob of custom attributes.
func (s *Span) AddCustomAttrs(attrsJSON string) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragCustomAttrs, Str: attrsJSON})
	}
}

// SetHTTPMethod sets the http.method attribute.
func (s *Span) SetHTTPMethod(method string) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragHTTPMethod, Str: method})
	}
}

// SetHTTPURL sets the http.url attribute.
func (s *Span) SetHTTPURL(url string) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragHTTPURL, Str: url})
	}
}

// SetHTTPStatusCode sets the http.status_code attribute.
func (s *Span) SetHTTPStatusCode(code int) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragHTTPStatusCode, Num: float64(code)})
	}
}

// SetHTTPStatusText sets the http.status_text attribute.
func (s *Span) SetHTTPStatusText(text string) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragHTTPStatusText, Str: text})
	}
}

// SetDNSHostname sets the dns.hostname attribute.
func (s *Span) SetDNSHostname(hostname string) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragDNSHostname, Str: hostname})
	}
}

// SetDNSOpType sets the dns.op_type attribute.
func (s *Span) SetDNSOpType(op tracing.DNSOpType) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragDNSOpType, Num: float64(op)})
	}
}

// SetDNSRRType sets the dns.rrtype attribute.
func (s *Span) SetDNSRRType(rr string) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragDNSRRType, Str: rr})
	}
}

// SetDNSPort sets the dns.port attribute.
func (s *Span) SetDNSPort(port int) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragDNSPort, Num: float64(port)})
	}
}

// SetDNSAddress sets the dns.address attribute.
func (s *Span) SetDNSAddress(addr string) {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragDNSAddress, Str: addr})
	}
}

// End closes the span; the completed span reaches matching subscribers on
// the agent goroutine.
func (s *Span) End() {
	if s.enabled {
		s.push(tracing.Fragment{Type: tracing.FragEnd, Num: metrics.SinceOrigin()})
	}
}

// EndWithReason closes the span with an explicit end reason.
func (s *Span) EndWithReason(reason EndReason) {
	if !s.enabled {
		return
	}
	s.push(tracing.Fragment{Type: tracing.FragEndReason, Num: float64(reason)})
	s.push(tracing.Fragment{Type: tracing.FragEnd, Num: metrics.SinceOrigin()})
}
