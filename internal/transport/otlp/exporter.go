// Package otlp bridges completed spans onto OpenTelemetry and ships them
// through the OTLP/gRPC exporter.
package otlp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nodesource/nsagent/internal/tracing"
	"github.com/nodesource/nsagent/internal/transport"
)

// DefaultPort is the OTLP/gRPC port.
const DefaultPort = 4317

// Exporter converts completed spans to OTel spans and exports them over
// OTLP/gRPC.
type Exporter struct {
	logger      *slog.Logger
	serviceName string

	mu       sync.Mutex
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer

	status  atomic.Int32
	dropped atomic.Uint64
}

// NewExporter creates an unconfigured exporter.
func NewExporter(serviceName string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Exporter{logger: logger, serviceName: serviceName}
	e.status.Store(int32(transport.StatusUnconfigured))
	return e
}

// Status returns the connection state.
func (e *Exporter) Status() transport.Status {
	return transport.Status(e.status.Load())
}

// Setup (re)configures the collector endpoint. A previous provider is shut
// down first.
func (e *Exporter) Setup(addr string) error {
	ep, err := transport.ParseEndpoint(addr, DefaultPort)
	if err != nil {
		return err
	}

	e.status.Store(int32(transport.StatusInitializing))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(e.serviceName),
		),
	)
	if err != nil {
		e.status.Store(int32(transport.StatusUnconfigured))
		return err
	}

	e.status.Store(int32(transport.StatusConnecting))
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(ep.Addr()),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(10*time.Second),
		otlptracegrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: time.Second,
			MaxInterval:     5 * time.Second,
			MaxElapsedTime:  30 * time.Second,
		}),
	)
	if err != nil {
		e.status.Store(int32(transport.StatusUnconfigured))
		return fmt.Errorf("creating OTLP exporter for %s: %w", ep.String(), err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	e.mu.Lock()
	old := e.provider
	e.provider = provider
	e.tracer = provider.Tracer(e.serviceName)
	e.mu.Unlock()

	if old != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := old.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("shutting down previous OTLP provider", "error", err)
		}
	}

	e.status.Store(int32(transport.StatusReady))
	e.logger.Info("OTLP exporter ready", "endpoint", ep.String())
	return nil
}

// Write satisfies the transport interface: each message is a serialized
// completed span.
func (e *Exporter) Write(messages [][]byte) int {
	written := 0
	for _, msg := range messages {
		var stor tracing.SpanStor
		if err := json.Unmarshal(msg, &stor); err != nil {
			e.dropped.Add(1)
			continue
		}
		if err := e.ExportSpan(stor); err != nil {
			continue
		}
		written++
	}
	return written
}

// Dropped returns the number of spans lost while unready or undecodable.
func (e *Exporter) Dropped() uint64 {
	return e.dropped.Load()
}

// ExportSpan converts one completed span and hands it to the batcher.
func (e *Exporter) ExportSpan(stor tracing.SpanStor) error {
	e.mu.Lock()
	tracer := e.tracer
	e.mu.Unlock()
	if tracer == nil {
		e.dropped.Add(1)
		return fmt.Errorf("otlp exporter not configured")
	}

	attrs := make([]attribute.KeyValue, 0, len(stor.Attributes)+4)
	attrs = append(attrs,
		attribute.String("nsolid.span_id", stor.SpanID),
		attribute.String("nsolid.trace_id", stor.TraceID),
		attribute.String("nsolid.parent_id", stor.ParentID),
		attribute.String("nsolid.span_type", stor.Type.String()),
		attribute.String("nsolid.end_reason", stor.EndReason.String()),
		attribute.Int64("thread.id", int64(stor.ThreadID)),
	)
	for key, value := range stor.Attributes {
		switch v := value.(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		default:
			attrs = append(attrs, attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}

	start := millisToTime(stor.Start)
	end := millisToTime(stor.End)
	_, span := tracer.Start(context.Background(), stor.Name,
		trace.WithTimestamp(start),
		trace.WithSpanKind(mapKind(stor.Kind)),
		trace.WithAttributes(attrs...),
	)
	for _, event := range stor.Events {
		span.AddEvent(event)
	}
	switch stor.StatusCode {
	case tracing.StatusOk:
		span.SetStatus(codes.Ok, stor.StatusMsg)
	case tracing.StatusError:
		span.SetStatus(codes.Error, stor.StatusMsg)
	}
	span.End(trace.WithTimestamp(end))
	return nil
}

// Shutdown flushes and stops the provider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	provider := e.provider
	e.provider = nil
	e.tracer = nil
	e.mu.Unlock()
	e.status.Store(int32(transport.StatusUnconfigured))
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

func millisToTime(ms float64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(int64(ms))
}

func mapKind(kind tracing.SpanKind) trace.SpanKind {
	switch kind {
	case tracing.KindServer:
		return trace.SpanKindServer
	case tracing.KindClient:
		return trace.SpanKindClient
	case tracing.KindProducer:
		return trace.SpanKindProducer
	case tracing.KindConsumer:
		return trace.SpanKindConsumer
	}
	return trace.SpanKindInternal
}
