package otlp

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"

	"github.com/nodesource/nsagent/internal/tracing"
	"github.com/nodesource/nsagent/internal/transport"
)

func newTestExporter() *Exporter {
	return NewExporter("nsagent-test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestUnconfiguredExporter(t *testing.T) {
	e := newTestExporter()
	assert.Equal(t, transport.StatusUnconfigured, e.Status())

	err := e.ExportSpan(tracing.SpanStor{Name: "x"})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), e.Dropped())

	written := e.Write([][]byte{[]byte(`{"name":"y"}`)})
	assert.Equal(t, 0, written)
}

func TestWriteRejectsInvalidJSON(t *testing.T) {
	e := newTestExporter()
	written := e.Write([][]byte{[]byte("nope")})
	assert.Equal(t, 0, written)
	assert.Equal(t, uint64(1), e.Dropped())
}

func TestMapKind(t *testing.T) {
	assert.Equal(t, trace.SpanKindServer, mapKind(tracing.KindServer))
	assert.Equal(t, trace.SpanKindClient, mapKind(tracing.KindClient))
	assert.Equal(t, trace.SpanKindProducer, mapKind(tracing.KindProducer))
	assert.Equal(t, trace.SpanKindConsumer, mapKind(tracing.KindConsumer))
	assert.Equal(t, trace.SpanKindInternal, mapKind(tracing.KindInternal))
}

func TestMillisToTime(t *testing.T) {
	at := millisToTime(1700000000000)
	assert.Equal(t, int64(1700000000), at.Unix())

	// Zero timestamps fall back to now rather than the epoch.
	assert.WithinDuration(t, time.Now(), millisToTime(0), time.Second)
}

func TestSetupInvalidEndpoint(t *testing.T) {
	e := newTestExporter()
	assert.Error(t, e.Setup(""))
	assert.Equal(t, transport.StatusUnconfigured, e.Status())
}
