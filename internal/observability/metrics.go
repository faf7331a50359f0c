package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AgentMetrics exposes the agent's own operational counters through the
// OTel meter, surfaced on the prometheus endpoint.
type AgentMetrics struct {
	meter metric.Meter

	spansCompleted      metric.Int64Counter
	datapointsDelivered metric.Int64Counter
	commandsDispatched  metric.Int64Counter
	commandErrors       metric.Int64Counter
	transportDrops      metric.Int64Counter
	blockedLoops        metric.Int64Counter
}

// NewAgentMetrics creates the instrument set.
func NewAgentMetrics(meter metric.Meter) (*AgentMetrics, error) {
	am := &AgentMetrics{meter: meter}

	var err error
	am.spansCompleted, err = meter.Int64Counter(
		"nsolid_spans_completed_total",
		metric.WithDescription("Completed trace spans delivered to subscribers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	am.datapointsDelivered, err = meter.Int64Counter(
		"nsolid_datapoints_delivered_total",
		metric.WithDescription("Metric datapoints delivered to stream subscribers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	am.commandsDispatched, err = meter.Int64Counter(
		"nsolid_commands_dispatched_total",
		metric.WithDescription("Cross-thread commands dispatched"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	am.commandErrors, err = meter.Int64Counter(
		"nsolid_command_errors_total",
		metric.WithDescription("Cross-thread command dispatch failures"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	am.transportDrops, err = meter.Int64Counter(
		"nsolid_transport_drops_total",
		metric.WithDescription("Messages dropped by transports under back-pressure"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	am.blockedLoops, err = meter.Int64Counter(
		"nsolid_blocked_loops_total",
		metric.WithDescription("Blocked event-loop notifications emitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return am, nil
}

// CountSpan records one completed span of the given type.
func (am *AgentMetrics) CountSpan(ctx context.Context, spanType string) {
	am.spansCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("span_type", spanType),
	))
}

// CountDatapoints records delivered datapoints.
func (am *AgentMetrics) CountDatapoints(ctx context.Context, n int) {
	am.datapointsDelivered.Add(ctx, int64(n))
}

// CountCommand records one dispatched command and its outcome.
func (am *AgentMetrics) CountCommand(ctx context.Context, discipline string, err error) {
	am.commandsDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("discipline", discipline),
	))
	if err != nil {
		am.commandErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("discipline", discipline),
		))
	}
}

// CountTransportDrops records messages lost to back-pressure.
func (am *AgentMetrics) CountTransportDrops(ctx context.Context, channel string, n uint64) {
	am.transportDrops.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

// CountBlockedLoop records one blocked-loop notification.
func (am *AgentMetrics) CountBlockedLoop(ctx context.Context, threadID uint64) {
	am.blockedLoops.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("thread_id", int64(threadID)),
	))
}
