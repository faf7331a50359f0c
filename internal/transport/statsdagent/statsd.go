// Package statsdagent publishes process and thread metric snapshots over the
// statsd line protocol.
package statsdagent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/nodesource/nsagent/internal/metrics"
	"github.com/nodesource/nsagent/internal/transport"
)

// DefaultPort is the conventional statsd port.
const DefaultPort = 8125

// statsdClient is the subset of the datadog-go client the agent uses;
// narrowed for tests.
type statsdClient interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Close() error
}

// Agent ships metric snapshots to a statsd daemon. Gauges are written under
// `<bucket>.<scope>.<metric>`, where scope is "process" or
// "thread.<thread-id>".
type Agent struct {
	logger *slog.Logger

	mu     sync.Mutex
	client statsdClient
	bucket string
	tags   []string

	status  atomic.Int32
	dropped atomic.Uint64

	// newClient is swapped by tests to avoid real sockets.
	newClient func(addr string, bucket string, tags []string) (statsdClient, error)
}

// NewAgent creates an unconfigured statsd agent.
func NewAgent(logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{logger: logger}
	a.newClient = func(addr, bucket string, tags []string) (statsdClient, error) {
		opts := []statsd.Option{}
		if bucket != "" {
			opts = append(opts, statsd.WithNamespace(bucket+"."))
		}
		if len(tags) > 0 {
			opts = append(opts, statsd.WithTags(tags))
		}
		return statsd.New(addr, opts...)
	}
	a.status.Store(int32(transport.StatusUnconfigured))
	return a
}

// Status returns the connection state.
func (a *Agent) Status() transport.Status {
	return transport.Status(a.status.Load())
}

// SetBucket sets the metric name prefix. Takes effect on the next Setup.
func (a *Agent) SetBucket(bucket string) {
	a.mu.Lock()
	a.bucket = bucket
	a.mu.Unlock()
}

// SetTags sets the tags appended to every metric. Takes effect on the next
// Setup.
func (a *Agent) SetTags(tags []string) {
	a.mu.Lock()
	a.tags = append([]string(nil), tags...)
	a.mu.Unlock()
}

// Setup (re)configures the daemon address. Transport is UDP; a bare host
// gets the conventional port.
func (a *Agent) Setup(addr string) error {
	ep, err := transport.ParseEndpoint(addr, DefaultPort)
	if err != nil {
		return err
	}

	a.status.Store(int32(transport.StatusInitializing))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}

	a.status.Store(int32(transport.StatusConnecting))
	// datadog-go infers UDP from a bare host:port.
	dialAddr := ep.Addr()
	client, err := a.newClient(dialAddr, a.bucket, a.tags)
	if err != nil {
		a.status.Store(int32(transport.StatusUnconfigured))
		return fmt.Errorf("statsd client: %w", err)
	}
	a.client = client
	a.status.Store(int32(transport.StatusReady))
	a.logger.Info("statsd transport ready", "endpoint", ep.String())
	return nil
}

// Close shuts the client down.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	a.status.Store(int32(transport.StatusUnconfigured))
}

// Write satisfies the transport interface: each message must be a JSON
// object of metric name to numeric value, shipped as gauges under the
// "raw" scope. Unready transports drop and count.
func (a *Agent) Write(messages [][]byte) int {
	written := 0
	for _, msg := range messages {
		var fields map[string]float64
		if err := json.Unmarshal(msg, &fields); err != nil {
			a.dropped.Add(1)
			continue
		}
		if err := a.sendGauges("raw", fields); err != nil {
			continue
		}
		written++
	}
	return written
}

// Dropped returns the number of messages lost while unready or undecodable.
func (a *Agent) Dropped() uint64 {
	return a.dropped.Load()
}

// SendProcessMetrics ships one process-wide snapshot.
func (a *Agent) SendProcessMetrics(stor *metrics.ProcessStor) error {
	fields, err := numericFields(stor)
	if err != nil {
		return err
	}
	return a.sendGauges("process", fields)
}

// SendThreadMetrics ships one per-thread snapshot scoped by thread id.
func (a *Agent) SendThreadMetrics(stor *metrics.ThreadStor) error {
	fields, err := numericFields(stor)
	if err != nil {
		return err
	}
	return a.sendGauges(fmt.Sprintf("thread.%d", stor.ThreadID), fields)
}

func (a *Agent) sendGauges(scope string, fields map[string]float64) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		a.dropped.Add(1)
		return errUnready
	}
	for name, value := range fields {
		if err := client.Gauge(scope+"."+name, value, nil, 1); err != nil {
			return err
		}
	}
	return nil
}

var errUnready = fmt.Errorf("statsd transport not ready")

// numericFields flattens a metrics snapshot to its numeric JSON fields.
func numericFields(stor any) (map[string]float64, error) {
	raw, err := json.Marshal(stor)
	if err != nil {
		return nil, err
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	fields := make(map[string]float64, len(all))
	for k, v := range all {
		if f, ok := v.(float64); ok {
			fields[k] = f
		}
	}
	return fields, nil
}
