package tracing

import "strings"

// FragmentType identifies the span field a fragment updates.
type FragmentType uint32

const (
	FragStart FragmentType = iota
	FragEnd
	FragEndReason
	FragKind
	FragType
	FragOtelIds
	FragName
	FragStatusCode
	FragStatusMsg
	FragEvent
	FragCustomAttrs

	// Typed attribute fragments. Each writes one well-known key into the
	// span's attributes object.
	FragThreadName
	FragThreadID
	FragDNSOpType
	FragDNSHostname
	FragDNSRRType
	FragDNSPort
	FragDNSAddress
	FragHTTPMethod
	FragHTTPURL
	FragHTTPStatusCode
	FragHTTPStatusText
)

// Fragment is one incremental span update produced on a worker. Numeric
// fragments use Num, string fragments use Str. Start/End carry milliseconds
// relative to the process time origin in Num.
type Fragment struct {
	SpanID   uint32
	ThreadID uint64
	Type     FragmentType
	Num      float64
	Str      string
}

// attrKeys maps typed attribute fragments to their JSON keys.
var attrKeys = map[FragmentType]string{
	FragThreadName:     "thread.name",
	FragThreadID:       "thread.id",
	FragDNSOpType:      "dns.op_type",
	FragDNSHostname:    "dns.hostname",
	FragDNSRRType:      "dns.rrtype",
	FragDNSPort:        "dns.port",
	FragDNSAddress:     "dns.address",
	FragHTTPMethod:     "http.method",
	FragHTTPURL:        "http.url",
	FragHTTPStatusCode: "http.status_code",
	FragHTTPStatusText: "http.status_text",
}

// numericAttrs are the typed attributes whose value is Num.
var numericAttrs = map[FragmentType]bool{
	FragThreadID:       true,
	FragDNSOpType:      true,
	FragDNSPort:        true,
	FragHTTPStatusCode: true,
}

// splitOtelIds decodes a "traceid:spanid[:parentid]" value.
func splitOtelIds(s string) (traceID, spanID, parentID string, ok bool) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return "", "", "", false
	}
	traceID, spanID = parts[0], parts[1]
	if len(parts) == 3 {
		parentID = parts[2]
	}
	return traceID, spanID, parentID, true
}
