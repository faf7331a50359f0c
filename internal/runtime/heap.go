package runtime

import (
	goruntime "runtime"
	"runtime/debug"

	"github.com/nodesource/nsagent/internal/metrics"
)

// collectHeapStats fills the heap portion of a metrics snapshot from the Go
// runtime. Workers share one heap, so these figures are process-wide; they
// are sampled on the worker so the snapshot is internally consistent with
// the loop stats taken in the same interrupt.
func collectHeapStats(stor *metrics.ThreadStor) {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	stor.HeapTotal = m.HeapSys
	stor.HeapUsed = m.HeapAlloc
	stor.TotalHeapSizeExecutable = 0
	stor.TotalPhysicalSize = m.Sys
	stor.TotalAvailableSize = m.HeapIdle
	stor.MallocedMemory = m.Alloc
	stor.PeakMallocedMemory = m.TotalAlloc
	stor.ExternalMem = m.StackSys + m.MSpanSys + m.MCacheSys

	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < int64(^uint64(0)>>1) {
		stor.HeapSizeLimit = uint64(limit)
	}
	stor.NumberOfNativeContexts = uint64(goruntime.NumGoroutine())
	stor.NumberOfDetachedContexts = 0
}
