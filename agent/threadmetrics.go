package agent

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/nodesource/nsagent/internal/metrics"
	"github.com/nodesource/nsagent/internal/runtime"
)

// ThreadMetrics retrieves per-thread metric snapshots. The rolling fields
// (CPU-style deltas) are carried between updates of the same instance, so
// reuse one instance per thread per consumer.
type ThreadMetrics struct {
	agent *Agent
	inst  *runtime.Inst

	updating atomic.Bool
	mu       sync.Mutex
	stor     metrics.ThreadStor
}

// NewThreadMetrics creates a metrics object bound to a live thread.
func (a *Agent) NewThreadMetrics(t *Thread) *ThreadMetrics {
	return &ThreadMetrics{agent: a, inst: t.inst}
}

// ThreadID returns the bound thread's id.
func (tm *ThreadMetrics) ThreadID() uint64 { return tm.inst.ID() }

// Update snapshots the thread's metrics via an interrupt command on the
// target thread; cb fires on the agent goroutine once the snapshot is in
// place. A second Update while one is in flight returns ErrBusy.
func (tm *ThreadMetrics) Update(cb func(*ThreadMetrics, error)) error {
	if tm.updating.Swap(true) {
		return ErrBusy
	}

	err := runtime.Dispatch(tm.inst, runtime.DispatchInterrupt, func(target *runtime.Inst) {
		stor := &metrics.ThreadStor{}
		tm.mu.Lock()
		stor.PrevIdleTime = tm.stor.PrevIdleTime
		stor.PrevCallTime = tm.stor.PrevCallTime
		tm.mu.Unlock()

		collectErr := target.CollectThreadMetrics(stor)
		tm.agent.loop.Queue(func() {
			if collectErr == nil {
				tm.mu.Lock()
				tm.stor = *stor
				tm.mu.Unlock()
			}
			tm.updating.Store(false)
			cb(tm, collectErr)
		})
	})
	if err != nil {
		tm.updating.Store(false)
		return err
	}
	return nil
}

// UpdateSync snapshots on the calling goroutine. Restricted to the thread
// that owns the metrics; other callers get ErrNotOwningThread.
func (tm *ThreadMetrics) UpdateSync() error {
	if tm.updating.Swap(true) {
		return ErrBusy
	}
	defer tm.updating.Store(false)

	stor := &metrics.ThreadStor{}
	tm.mu.Lock()
	stor.PrevIdleTime = tm.stor.PrevIdleTime
	stor.PrevCallTime = tm.stor.PrevCallTime
	tm.mu.Unlock()

	if err := tm.inst.CollectThreadMetrics(stor); err != nil {
		return err
	}
	tm.mu.Lock()
	tm.stor = *stor
	tm.mu.Unlock()
	return nil
}

// Get returns the last snapshot.
func (tm *ThreadMetrics) Get() ThreadStor {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.stor
}

// ToJSON returns the last snapshot serialized.
func (tm *ThreadMetrics) ToJSON() (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	b, err := json.Marshal(&tm.stor)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
