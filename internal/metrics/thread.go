package metrics

import "encoding/json"

// ThreadStor holds one snapshot of every per-worker metric. Field names in
// JSON match the payloads the console consumes.
type ThreadStor struct {
	ThreadID   uint64 `json:"threadId"`
	ThreadName string `json:"threadName"`
	Timestamp  uint64 `json:"timestamp"`

	ActiveHandles  uint64 `json:"activeHandles"`
	ActiveRequests uint64 `json:"activeRequests"`

	HeapTotal                uint64 `json:"heapTotal"`
	TotalHeapSizeExecutable  uint64 `json:"totalHeapSizeExecutable"`
	TotalPhysicalSize        uint64 `json:"totalPhysicalSize"`
	TotalAvailableSize       uint64 `json:"totalAvailableSize"`
	HeapUsed                 uint64 `json:"heapUsed"`
	HeapSizeLimit            uint64 `json:"heapSizeLimit"`
	MallocedMemory           uint64 `json:"mallocedMemory"`
	ExternalMem              uint64 `json:"externalMem"`
	PeakMallocedMemory       uint64 `json:"peakMallocedMemory"`
	NumberOfNativeContexts   uint64 `json:"numberOfNativeContexts"`
	NumberOfDetachedContexts uint64 `json:"numberOfDetachedContexts"`

	GCCount       uint64 `json:"gcCount"`
	GCForcedCount uint64 `json:"gcForcedCount"`
	GCFullCount   uint64 `json:"gcFullCount"`
	GCMajorCount  uint64 `json:"gcMajorCount"`

	DNSCount             uint64 `json:"dnsCount"`
	HTTPClientAbortCount uint64 `json:"httpClientAbortCount"`
	HTTPClientCount      uint64 `json:"httpClientCount"`
	HTTPServerAbortCount uint64 `json:"httpServerAbortCount"`
	HTTPServerCount      uint64 `json:"httpServerCount"`

	LoopIdleTime       uint64 `json:"loopIdleTime"`
	LoopIterations     uint64 `json:"loopIterations"`
	LoopIterWithEvents uint64 `json:"loopIterWithEvents"`
	EventsProcessed    uint64 `json:"eventsProcessed"`
	EventsWaiting      uint64 `json:"eventsWaiting"`
	ProviderDelay      uint64 `json:"providerDelay"`
	ProcessingDelay    uint64 `json:"processingDelay"`
	LoopTotalCount     uint64 `json:"loopTotalCount"`

	PipeServerCreatedCount   uint64 `json:"pipeServerCreatedCount"`
	PipeServerDestroyedCount uint64 `json:"pipeServerDestroyedCount"`
	PipeSocketCreatedCount   uint64 `json:"pipeSocketCreatedCount"`
	PipeSocketDestroyedCount uint64 `json:"pipeSocketDestroyedCount"`
	TCPServerCreatedCount    uint64 `json:"tcpServerCreatedCount"`
	TCPServerDestroyedCount  uint64 `json:"tcpServerDestroyedCount"`
	TCPSocketCreatedCount    uint64 `json:"tcpSocketCreatedCount"`
	TCPSocketDestroyedCount  uint64 `json:"tcpSocketDestroyedCount"`
	UDPSocketCreatedCount    uint64 `json:"udpSocketCreatedCount"`
	UDPSocketDestroyedCount  uint64 `json:"udpSocketDestroyedCount"`

	PromiseCreatedCount  uint64 `json:"promiseCreatedCount"`
	PromiseResolvedCount uint64 `json:"promiseResolvedCount"`
	FSHandlesOpenedCount uint64 `json:"fsHandlesOpenedCount"`
	FSHandlesClosedCount uint64 `json:"fsHandlesClosedCount"`

	GCDurUs99Ptile    float64 `json:"gcDurUs99Ptile"`
	GCDurUsMedian     float64 `json:"gcDurUsMedian"`
	DNS99Ptile        float64 `json:"dns99Ptile"`
	DNSMedian         float64 `json:"dnsMedian"`
	HTTPClient99Ptile float64 `json:"httpClient99Ptile"`
	HTTPClientMedian  float64 `json:"httpClientMedian"`
	HTTPServer99Ptile float64 `json:"httpServer99Ptile"`
	HTTPServerMedian  float64 `json:"httpServerMedian"`

	LoopUtilization  float64 `json:"loopUtilization"`
	Res5s            float64 `json:"res5s"`
	Res1m            float64 `json:"res1m"`
	Res5m            float64 `json:"res5m"`
	Res15m           float64 `json:"res15m"`
	LoopAvgTasks     float64 `json:"loopAvgTasks"`
	LoopEstimatedLag float64 `json:"loopEstimatedLag"`
	LoopIdlePercent  float64 `json:"loopIdlePercent"`

	// Carried between successive samplings of the same worker; never
	// serialized.
	PrevIdleTime uint64 `json:"-"`
	PrevCallTime uint64 `json:"-"`
	CurrentTime  uint64 `json:"-"`
}

// ToJSON serializes the snapshot.
func (s *ThreadStor) ToJSON() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
