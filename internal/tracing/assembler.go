package tracing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodesource/nsagent/internal/metrics"
)

// DefaultExpiry is how long a span may stay open before it is force-completed
// with reason Expired.
const DefaultExpiry = 5 * time.Minute

// HookFunc receives completed spans on the agent goroutine.
type HookFunc func(SpanStor)

type traceHook struct {
	id    uint64
	flags uint32
	fn    HookFunc
}

// Assembler turns span fragments into completed spans. Fragments for a span
// may arrive in any order after its Start; the span is delivered exactly once,
// when its End fragment arrives, when it expires, or when the process exits.
//
// AddFragment, EndPendingSpans and Expire must run on the agent goroutine.
// Hook registration is safe from any goroutine.
type Assembler struct {
	timeOrigin float64
	pending    *lruMap[uint32, *span]

	mu     sync.Mutex
	hooks  []traceHook
	nextID uint64
	flags  atomic.Uint32
}

// NewAssembler creates an assembler. timeOrigin is the process start in
// milliseconds since the Unix epoch; Start/End fragments carry offsets from
// it. A zero expiry means DefaultExpiry.
func NewAssembler(timeOrigin float64, expiry time.Duration) *Assembler {
	if expiry == 0 {
		expiry = DefaultExpiry
	}
	a := &Assembler{timeOrigin: timeOrigin}
	a.pending = newLRUMap[uint32, *span](expiry, a.expireSpan)
	return a
}

// AddHook registers a subscriber for span types matching flags. The returned
// id removes it again via RemoveHook.
func (a *Assembler) AddHook(flags uint32, fn HookFunc) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.hooks = append(a.hooks, traceHook{id: a.nextID, flags: flags, fn: fn})
	a.recomputeFlagsLocked()
	return a.nextID
}

// RemoveHook unregisters a subscriber.
func (a *Assembler) RemoveHook(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.hooks {
		if a.hooks[i].id == id {
			a.hooks = append(a.hooks[:i], a.hooks[i+1:]...)
			break
		}
	}
	a.recomputeFlagsLocked()
}

func (a *Assembler) recomputeFlagsLocked() {
	var flags uint32
	for _, h := range a.hooks {
		flags |= h.flags
	}
	a.flags.Store(flags)
}

// Flags returns the union of all subscriber type masks. It feeds the
// trace-enable bitmask pushed to workers.
func (a *Assembler) Flags() uint32 {
	return a.flags.Load()
}

// Pending returns the number of open spans.
func (a *Assembler) Pending() int {
	return a.pending.size()
}

// AddFragment applies one fragment. Fragments for unknown spans that are not
// Start fragments are dropped: the span either never opened or already
// expired.
func (a *Assembler) AddFragment(f Fragment) {
	sp, ok := a.pending.get(f.SpanID)
	if !ok {
		if f.Type != FragStart {
			return
		}
		sp = newSpan(f.ThreadID)
		a.pending.insert(f.SpanID, sp)
	}

	a.apply(sp, f)

	if f.Type == FragEnd {
		sp.stor.Duration = sp.stor.End - sp.stor.Start
		a.deliver(sp.stor)
		a.pending.erase(f.SpanID)
		a.pending.clean()
	}
}

// Expire evicts spans that have been open longer than the expiry, delivering
// them with reason Expired.
func (a *Assembler) Expire() {
	a.pending.clean()
}

// EndPendingSpans force-completes every open span with reason Exit. Called
// once during shutdown.
func (a *Assembler) EndPendingSpans(nowMillis float64) {
	a.pending.each(func(_ uint32, sp *span) {
		sp.stor.EndReason = EndExit
		sp.stor.End = nowMillis
		sp.stor.Duration = sp.stor.End - sp.stor.Start
		a.deliver(sp.stor)
	})
	a.pending.clear()
}

// EndThreadSpans force-completes open spans belonging to the given thread
// with the given reason. Used when the main thread goes away before the
// process does.
func (a *Assembler) EndThreadSpans(threadID uint64, reason EndReason, nowMillis float64) {
	var done []uint32
	a.pending.each(func(id uint32, sp *span) {
		if sp.stor.ThreadID != threadID {
			return
		}
		sp.stor.EndReason = reason
		sp.stor.End = nowMillis
		sp.stor.Duration = sp.stor.End - sp.stor.Start
		a.deliver(sp.stor)
		done = append(done, id)
	})
	for _, id := range done {
		a.pending.erase(id)
	}
}

func (a *Assembler) expireSpan(sp *span) {
	sp.stor.EndReason = EndExpired
	sp.stor.End = metrics.NowMillis()
	sp.stor.Duration = sp.stor.End - sp.stor.Start
	a.deliver(sp.stor)
}

func (a *Assembler) deliver(stor SpanStor) {
	a.mu.Lock()
	hooks := make([]traceHook, len(a.hooks))
	copy(hooks, a.hooks)
	a.mu.Unlock()

	for _, h := range hooks {
		if h.flags&uint32(stor.Type) != 0 {
			h.fn(stor)
		}
	}
}

func (a *Assembler) apply(sp *span, f Fragment) {
	switch f.Type {
	case FragStart:
		sp.stor.Start = a.timeOrigin + f.Num
	case FragEnd:
		sp.stor.End = a.timeOrigin + f.Num
	case FragEndReason:
		sp.stor.EndReason = EndReason(f.Num)
	case FragKind:
		sp.stor.Kind = SpanKind(f.Num)
	case FragType:
		sp.stor.Type = SpanType(f.Num)
	case FragOtelIds:
		traceID, spanID, parentID, ok := splitOtelIds(f.Str)
		if !ok {
			return
		}
		sp.stor.TraceID = traceID
		sp.stor.SpanID = spanID
		if parentID != "" {
			sp.stor.ParentID = parentID
		}
	case FragName:
		sp.stor.Name = f.Str
	case FragStatusCode:
		sp.stor.StatusCode = StatusCode(f.Num)
	case FragStatusMsg:
		sp.stor.StatusMsg = f.Str
	case FragEvent:
		sp.stor.Events = append(sp.stor.Events, f.Str)
	case FragCustomAttrs:
		sp.stor.ExtraAttrs = append(sp.stor.ExtraAttrs, f.Str)
	default:
		key, ok := attrKeys[f.Type]
		if !ok {
			return
		}
		if numericAttrs[f.Type] {
			sp.stor.Attributes[key] = f.Num
		} else {
			sp.stor.Attributes[key] = f.Str
		}
	}
}
