package pubsub

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nodesource/nsagent/internal/transport"
)

// defaultHighWaterMark is the per-channel outbound queue depth before
// messages are dropped.
const defaultHighWaterMark = 1000

// channel is one socket of the pub/sub transport with its own endpoint,
// high-water-mark and connection lifecycle.
type channel struct {
	name        string
	defaultPort int
	hwm         int
	logger      *slog.Logger

	// onFrame, when set, receives inbound frames (command channel only).
	onFrame func([]byte)

	mu       sync.Mutex
	status   transport.Status
	endpoint *transport.Endpoint
	queue    chan []byte
	stop     chan struct{}
	wg       sync.WaitGroup

	dropped atomic.Uint64
}

func newChannel(name string, defaultPort, hwm int, logger *slog.Logger) *channel {
	if hwm <= 0 {
		hwm = defaultHighWaterMark
	}
	return &channel{
		name:        name,
		defaultPort: defaultPort,
		hwm:         hwm,
		logger:      logger.With("channel", name),
	}
}

// Status returns the channel's connection state.
func (c *channel) Status() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *channel) setStatus(s transport.Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Endpoint returns the active endpoint, or nil while unconfigured.
func (c *channel) Endpoint() *transport.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Dropped returns the number of messages lost to back-pressure or
// unreadiness.
func (c *channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Setup (re)configures the endpoint. Any previous connection is torn down
// first.
func (c *channel) Setup(addr string) error {
	ep, err := transport.ParseEndpoint(addr, c.defaultPort)
	if err != nil {
		return err
	}

	c.teardown()

	c.mu.Lock()
	c.endpoint = ep
	c.status = transport.StatusInitializing
	c.queue = make(chan []byte, c.hwm)
	c.stop = make(chan struct{})
	queue, stop := c.queue, c.stop
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ep, queue, stop)
	return nil
}

// teardown stops the connection goroutine, dropping anything still queued.
func (c *channel) teardown() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.queue = nil
	c.status = transport.StatusUnconfigured
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		c.wg.Wait()
	}
}

// Write enqueues messages without blocking; messages beyond the high-water
// mark or on an unconfigured channel are dropped and counted. Returns the
// number accepted.
func (c *channel) Write(messages [][]byte) int {
	c.mu.Lock()
	queue := c.queue
	c.mu.Unlock()

	if queue == nil {
		c.dropped.Add(uint64(len(messages)))
		return 0
	}
	accepted := 0
	for _, msg := range messages {
		select {
		case queue <- msg:
			accepted++
		default:
			c.dropped.Add(1)
		}
	}
	return accepted
}

// run owns the channel's connection: dial with exponential backoff, then
// pump queued frames until torn down.
func (c *channel) run(ep *transport.Endpoint, queue chan []byte, stop chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		c.setStatus(transport.StatusConnecting)
		conn, err := c.dial(ep, stop)
		if err != nil {
			return
		}
		c.setStatus(transport.StatusReady)
		c.logger.Debug("channel connected", "endpoint", ep.String())

		if c.onFrame != nil {
			go c.readLoop(conn)
		}

		if !c.writeLoop(conn, queue, stop) {
			conn.Close()
			return
		}
		conn.Close()
		c.setStatus(transport.StatusConnecting)
	}
}

func (c *channel) dial(ep *transport.Endpoint, stop chan struct{}) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		conn, err := net.DialTimeout(ep.Protocol, ep.Addr(), 5*time.Second)
		if err == nil {
			return conn, nil
		}
		wait := bo.NextBackOff()
		c.logger.Debug("dial failed, retrying", "endpoint", ep.String(), "error", err, "retry_in", wait)
		select {
		case <-time.After(wait):
		case <-stop:
			return nil, err
		}
	}
}

// writeLoop pumps frames until the connection breaks (returns true to
// reconnect) or teardown is requested (returns false).
func (c *channel) writeLoop(conn net.Conn, queue chan []byte, stop chan struct{}) bool {
	for {
		select {
		case <-stop:
			return false
		case msg := <-queue:
			if err := writeFrame(conn, msg); err != nil {
				c.logger.Debug("write failed, reconnecting", "error", err)
				c.dropped.Add(1)
				return true
			}
		}
	}
}

func (c *channel) readLoop(conn net.Conn) {
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		c.onFrame(frame)
	}
}
