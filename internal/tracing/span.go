package tracing

import "encoding/json"

// SpanType classifies a span. Values are bits so subscriber filters can
// combine them.
type SpanType uint32

const (
	SpanNone       SpanType = 0
	SpanDNS        SpanType = 1 << 0
	SpanGC         SpanType = 1 << 1
	SpanHTTPClient SpanType = 1 << 2
	SpanHTTPServer SpanType = 1 << 3
	SpanCustom     SpanType = 1 << 4
)

// String returns the wire name of the type.
func (t SpanType) String() string {
	switch t {
	case SpanDNS:
		return "dns"
	case SpanGC:
		return "gc"
	case SpanHTTPClient:
		return "http_client"
	case SpanHTTPServer:
		return "http_server"
	case SpanCustom:
		return "custom"
	}
	return "None"
}

// SpanKind mirrors the OpenTelemetry span kinds.
type SpanKind uint32

const (
	KindInternal SpanKind = 0
	KindServer   SpanKind = 1
	KindClient   SpanKind = 2
	KindProducer SpanKind = 3
	KindConsumer SpanKind = 4
)

// StatusCode is the span completion status.
type StatusCode uint32

const (
	StatusUnset StatusCode = 0
	StatusOk    StatusCode = 1
	StatusError StatusCode = 2
)

// EndReason records why a span completed.
type EndReason uint32

const (
	EndOk EndReason = iota
	EndError
	EndTimeout
	EndExit
	EndExpired
)

var endReasonNames = [...]string{"Ok", "Error", "Timeout", "Exit", "Expired"}

// String returns the reason name used on the wire.
func (r EndReason) String() string {
	if int(r) < len(endReasonNames) {
		return endReasonNames[r]
	}
	return "Ok"
}

// MarshalJSON encodes the reason by name.
func (r EndReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// DNSOpType identifies which DNS operation a span covers.
type DNSOpType uint32

const (
	DNSLookup DNSOpType = iota
	DNSLookupService
	DNSResolve
	DNSReverse
)

// SpanStor is a completed span as delivered to subscribers. Timestamps are
// milliseconds since the Unix epoch.
type SpanStor struct {
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id"`
	TraceID    string         `json:"trace_id"`
	Name       string         `json:"name"`
	ThreadID   uint64         `json:"thread_id"`
	Start      float64        `json:"start"`
	End        float64        `json:"end"`
	Duration   float64        `json:"duration"`
	Kind       SpanKind       `json:"kind"`
	Type       SpanType       `json:"type"`
	StatusCode StatusCode     `json:"status_code"`
	StatusMsg  string         `json:"status_msg,omitempty"`
	EndReason  EndReason      `json:"end_reason"`
	Attributes map[string]any `json:"attributes"`
	ExtraAttrs []string       `json:"extra_attrs,omitempty"`
	Events     []string       `json:"events,omitempty"`
}

// span is a partially assembled span held by the assembler until its end
// fragment arrives.
type span struct {
	stor SpanStor
	open bool
}

func newSpan(threadID uint64) *span {
	return &span{
		stor: SpanStor{
			ParentID:   "0000000000000000",
			Kind:       KindInternal,
			Type:       SpanNone,
			StatusCode: StatusUnset,
			EndReason:  EndOk,
			ThreadID:   threadID,
			Attributes: map[string]any{},
		},
		open: true,
	}
}
