package agent

import (
	"time"
)

// TakeCPUProfile profiles the thread for the given duration, streaming the
// serialized profile through sink in fixed-size chunks followed by an empty
// terminator. At most one CPU profile per thread.
func (a *Agent) TakeCPUProfile(t *Thread, duration time.Duration, sink ProfileSink) error {
	return a.profiles.TakeCPUProfile(t.inst, duration, sink)
}

// StopCPUProfile stops an in-flight CPU profile early; the delivery path is
// identical to the timeout path.
func (a *Agent) StopCPUProfile(t *Thread) error {
	return a.profiles.StopCPUProfile(t.inst)
}

// StopCPUProfileSync stops and serializes synchronously. Must be called
// from the target thread itself.
func (a *Agent) StopCPUProfileSync(t *Thread) error {
	return a.profiles.StopCPUProfileSync(t.inst)
}

// TakeHeapSnapshot serializes the heap and streams it through sink. With
// redact set, string values are cleared before serialization. Rejected while
// `disableSnapshots` is configured.
func (a *Agent) TakeHeapSnapshot(t *Thread, redact bool, sink ProfileSink) error {
	return a.profiles.TakeHeapSnapshot(t.inst, redact || a.loop.RedactSnapshots(), sink)
}

// TakeHeapSampling samples allocations for the duration, then streams the
// sampled profile.
func (a *Agent) TakeHeapSampling(t *Thread, duration time.Duration, sink ProfileSink) error {
	return a.profiles.TakeHeapSampling(t.inst, duration, sink)
}

// StartTrackingHeapObjects emits one heap sample per interval until stopped
// explicitly, by the optional duration, or by thread removal (which drains
// synchronously).
func (a *Agent) StartTrackingHeapObjects(t *Thread, redact bool, duration time.Duration, sink ProfileSink) error {
	return a.profiles.StartTrackingHeapObjects(t.inst, redact || a.loop.RedactSnapshots(), duration, sink)
}

// StopTrackingHeapObjects finishes a tracking job with a final snapshot.
func (a *Agent) StopTrackingHeapObjects(t *Thread) error {
	return a.profiles.StopTrackingHeapObjects(t.inst)
}
