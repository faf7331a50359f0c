package statsdagent

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodesource/nsagent/internal/metrics"
	"github.com/nodesource/nsagent/internal/transport"
)

// fakeClient records gauges in place of a real statsd socket.
type fakeClient struct {
	mu     sync.Mutex
	gauges map[string]float64
	closed bool
}

func (f *fakeClient) Gauge(name string, value float64, tags []string, rate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gauges == nil {
		f.gauges = map[string]float64{}
	}
	f.gauges[name] = value
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestAgent() (*Agent, *fakeClient) {
	a := NewAgent(slog.New(slog.NewTextHandler(io.Discard, nil)))
	fake := &fakeClient{}
	a.newClient = func(addr, bucket string, tags []string) (statsdClient, error) {
		return fake, nil
	}
	return a, fake
}

func TestStatusLifecycle(t *testing.T) {
	a, _ := newTestAgent()
	assert.Equal(t, transport.StatusUnconfigured, a.Status())

	require.NoError(t, a.Setup("udp://localhost:8125"))
	assert.Equal(t, transport.StatusReady, a.Status())

	a.Close()
	assert.Equal(t, transport.StatusUnconfigured, a.Status())
}

func TestSendThreadMetrics(t *testing.T) {
	a, fake := newTestAgent()
	require.NoError(t, a.Setup("localhost"))

	stor := &metrics.ThreadStor{
		ThreadID:         3,
		HTTPClientCount:  7,
		HTTPClientMedian: 20,
	}
	require.NoError(t, a.SendThreadMetrics(stor))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, float64(7), fake.gauges["thread.3.httpClientCount"])
	assert.Equal(t, float64(20), fake.gauges["thread.3.httpClientMedian"])
}

func TestSendProcessMetrics(t *testing.T) {
	a, fake := newTestAgent()
	require.NoError(t, a.Setup("localhost"))

	stor := &metrics.ProcessStor{RSS: 1024, Load1m: 0.5}
	require.NoError(t, a.SendProcessMetrics(stor))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, float64(1024), fake.gauges["process.rss"])
	assert.Equal(t, float64(0.5), fake.gauges["process.load1m"])
}

func TestUnreadyDropsAndCounts(t *testing.T) {
	a, _ := newTestAgent()
	err := a.SendProcessMetrics(&metrics.ProcessStor{RSS: 1})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), a.Dropped())

	written := a.Write([][]byte{[]byte(`{"x": 1}`)})
	assert.Equal(t, 0, written)
	assert.Equal(t, uint64(2), a.Dropped())
}

func TestWriteRawGauges(t *testing.T) {
	a, fake := newTestAgent()
	require.NoError(t, a.Setup("localhost"))

	written := a.Write([][]byte{[]byte(`{"latency": 12.5}`), []byte("not json")})
	assert.Equal(t, 1, written)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 12.5, fake.gauges["raw.latency"])
}
