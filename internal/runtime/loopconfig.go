package runtime

import "time"

// transportKeys are the configuration subtrees handed to the transport
// configurator when present in a diff.
var transportKeys = []string{"statsd", "statsdBucket", "statsdTags", "otlp"}

// ConfigSnapshot returns the current configuration JSON.
func (l *Loop) ConfigSnapshot() string { return l.store.Snapshot() }

// ConfigVersion returns the current configuration version. Lock-free.
func (l *Loop) ConfigVersion() uint32 { return l.store.Version() }

// Interval returns the configured metrics-pipeline period.
func (l *Loop) Interval() time.Duration { return l.store.Interval() }

// PauseMetrics reports whether metric sampling is suspended.
func (l *Loop) PauseMetrics() bool { return l.store.PauseMetrics() }

// RedactSnapshots reports whether heap snapshots must redact strings.
func (l *Loop) RedactSnapshots() bool { return l.store.RedactSnapshots() }

// DisableSnapshots reports whether snapshot requests are rejected.
func (l *Loop) DisableSnapshots() bool { return l.store.DisableSnapshots() }

// UpdateConfig merges a configuration patch and fans out the derived
// actions. A patch that changes nothing neither advances the version nor
// fires hooks. Accepts a JSON object, raw JSON or a JSON string; malformed
// input is rejected without touching the current configuration.
func (l *Loop) UpdateConfig(patch any) error {
	changed, err := l.store.Update(patch)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}

	changedSet := map[string]bool{}
	for _, key := range changed {
		changedSet[key] = true
	}

	l.logger.Info("configuration updated",
		"version", l.store.Version(),
		"changed", changed,
	)

	if changedSet["interval"] {
		l.refreshPeriod.Store(int64(l.store.Interval()))
	}

	if changedSet["pauseMetrics"] {
		paused := l.store.PauseMetrics()
		for _, inst := range l.registry.Snapshot() {
			inst.SetMetricsPaused(paused)
		}
	}

	if changedSet["promiseTracking"] {
		tracking := l.store.PromiseTracking()
		for _, inst := range l.registry.Snapshot() {
			if err := Dispatch(inst, DispatchInterruptOnly, func(target *Inst) {
				target.SetPromiseTracking(tracking)
			}); err != nil {
				l.logger.Warn("promise tracking broadcast failed",
					"thread_id", inst.ID(), "error", err)
			}
		}
	}

	if changedSet["tracingEnabled"] || changedSet["tracingModulesBlacklist"] {
		l.broadcastTraceFlags()
	}

	if changedSet["blockedLoopThreshold"] {
		l.recomputeBlockedThreshold()
	}

	if changedSet["tags"] {
		l.infoMu.Lock()
		l.tags = l.store.Tags()
		l.infoMu.Unlock()
	}

	l.transportMu.Lock()
	configurator := l.transportConfig
	l.transportMu.Unlock()
	if configurator != nil {
		for _, key := range transportKeys {
			if changedSet[key] {
				value, _ := l.store.Get(key)
				configurator(key, value)
			}
		}
	}

	snapshot := l.store.Snapshot()
	l.Queue(func() {
		l.configHooks.forEach(func(e hookEntry[ConfigHookFunc]) {
			e.fn(snapshot)
		})
	})

	return nil
}

// traceFlags computes the effective span-type mask pushed to workers: the
// union of subscriber masks, gated by the master switch and pruned by the
// blacklist.
func (l *Loop) traceFlags() uint32 {
	if !l.store.TracingEnabled() {
		return 0
	}
	return l.assembler.Flags() &^ l.store.TracingBlacklist()
}

// broadcastTraceFlags recomputes the mask and pushes it to every worker via
// an interrupt-only command, so the update lands while the worker is
// executing script and takes effect for the very next span decision.
func (l *Loop) broadcastTraceFlags() {
	flags := l.traceFlags()
	for _, inst := range l.registry.Snapshot() {
		if err := Dispatch(inst, DispatchInterruptOnly, func(target *Inst) {
			target.SetTraceFlags(flags)
		}); err != nil {
			l.logger.Warn("trace flag broadcast failed",
				"thread_id", inst.ID(), "error", err)
		}
	}
}

// TraceFlagsChanged is called by the assembler's owner when subscribers come
// and go so worker masks track the union.
func (l *Loop) TraceFlagsChanged() {
	l.broadcastTraceFlags()
}
