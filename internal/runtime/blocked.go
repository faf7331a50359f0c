package runtime

import (
	"encoding/json"
	"time"
)

// BlockedBody is the JSON payload of a blocked-loop notification.
type BlockedBody struct {
	ThreadID        uint64       `json:"threadId"`
	BlockedFor      float64      `json:"blocked_for"`
	LoopID          uint64       `json:"loop_id"`
	CallbackCounter uint64       `json:"callback_cntr"`
	Stack           []StackFrame `json:"stack"`
}

// UnblockedBody is the JSON payload of an unblocked-loop notification.
type UnblockedBody struct {
	ThreadID        uint64  `json:"threadId"`
	BlockedFor      float64 `json:"blocked_for"`
	LoopID          uint64  `json:"loop_id"`
	CallbackCounter uint64  `json:"callback_cntr"`
}

// checkBlockedLoops runs every 100ms on the agent goroutine. A worker is
// blocked while a handler has been executing longer than the smallest
// subscriber threshold; each contiguous block is reported once.
func (l *Loop) checkBlockedLoops() {
	if l.blockedHooks.empty() {
		return
	}
	threshold := time.Duration(l.minBlockedThreshold.Load())
	now := nowMono()

	for _, inst := range l.registry.Snapshot() {
		sc := inst.Scope()
		if !sc.Success() {
			sc.Close()
			continue
		}
		loop := inst.loop
		entry, exit := loop.ProviderTimes()
		sc.Close()

		// A handler is executing while its entry is newer than the last
		// exit.
		if entry <= exit {
			continue
		}
		blockedFor := time.Duration(now - entry)
		if blockedFor < threshold {
			continue
		}
		if inst.reportedBlocked.Swap(true) {
			continue
		}

		body := BlockedBody{
			ThreadID:        inst.ID(),
			BlockedFor:      float64(blockedFor) / float64(time.Millisecond),
			LoopID:          loop.LoopCount(),
			CallbackCounter: inst.makecallbacks.Load(),
			Stack:           goroutineStack(loop.gid.Load()),
		}
		encoded, err := json.Marshal(&body)
		if err != nil {
			l.logger.Error("encoding blocked-loop body", "error", err)
			continue
		}

		l.logger.Warn("event loop blocked",
			"thread_id", inst.ID(),
			"blocked_for_ms", body.BlockedFor,
		)

		l.blockedHooks.forEach(func(e hookEntry[blockedHook]) {
			if blockedFor >= e.fn.threshold {
				e.fn.fn(inst, string(encoded))
			}
		})
	}
}

// reportUnblocked is called from a worker's loop goroutine right after a
// previously reported block ends. The notification is assembled and fanned
// out on the agent goroutine.
func (l *Loop) reportUnblocked(inst *Inst, blockedFor time.Duration, loopID, callbackCounter uint64) {
	body := UnblockedBody{
		ThreadID:        inst.ID(),
		BlockedFor:      float64(blockedFor) / float64(time.Millisecond),
		LoopID:          loopID,
		CallbackCounter: callbackCounter,
	}
	l.Queue(func() {
		encoded, err := json.Marshal(&body)
		if err != nil {
			l.logger.Error("encoding unblocked-loop body", "error", err)
			return
		}
		l.unblockedHooks.forEach(func(e hookEntry[BlockedHookFunc]) {
			e.fn(inst, string(encoded))
		})
	})
}
