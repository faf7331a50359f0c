// Package pubsub implements the binary command/data/bulk pub/sub transport:
// three independently connected, length-prefix framed channels with
// per-channel high-water-marks, endpoint negotiation and an optional
// heartbeat.
package pubsub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nodesource/nsagent/internal/transport"
)

// Default ports for the three channels.
const (
	DefaultCommandPort = 9001
	DefaultDataPort    = 9002
	DefaultBulkPort    = 9003
)

// CommandHandler receives decoded command-channel messages.
type CommandHandler func(*transport.CommandMessage)

// Config configures the client.
type Config struct {
	AgentID string

	// Command is required; Data and Bulk fall back to the command host on
	// their default ports until negotiated.
	Command string
	Data    string
	Bulk    string

	CommandHWM int
	DataHWM    int
	BulkHWM    int

	// HeartbeatInterval enables periodic heartbeat envelopes on the
	// command channel when positive.
	HeartbeatInterval time.Duration

	OnCommand CommandHandler
	Logger    *slog.Logger
}

// Client is the three-channel pub/sub transport.
type Client struct {
	cfg    Config
	logger *slog.Logger

	command *channel
	data    *channel
	bulk    *channel

	mu sync.Mutex
	// configuredCommand remembers the host the console handed us, for the
	// negotiated-endpoint rewrite rule.
	configuredCommand *transport.Endpoint

	heartbeatStop chan struct{}
}

// NewClient creates an unconfigured client. Call Setup to connect.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger,
	}
	c.command = newChannel("command", DefaultCommandPort, cfg.CommandHWM, cfg.Logger)
	c.data = newChannel("data", DefaultDataPort, cfg.DataHWM, cfg.Logger)
	c.bulk = newChannel("bulk", DefaultBulkPort, cfg.BulkHWM, cfg.Logger)
	c.command.onFrame = c.handleFrame
	return c
}

// Status reports the command channel's state; the data and bulk channels
// connect independently and keep their own states.
func (c *Client) Status() transport.Status {
	return c.command.Status()
}

// Write publishes messages on the data channel.
func (c *Client) Write(messages [][]byte) int {
	return c.data.Write(messages)
}

// WriteCommand publishes messages on the command channel.
func (c *Client) WriteCommand(messages [][]byte) int {
	return c.command.Write(messages)
}

// WriteBulk publishes messages on the bulk channel.
func (c *Client) WriteBulk(messages [][]byte) int {
	return c.bulk.Write(messages)
}

// Dropped returns per-channel drop counts.
func (c *Client) Dropped() (command, data, bulk uint64) {
	return c.command.Dropped(), c.data.Dropped(), c.bulk.Dropped()
}

// Setup configures the command endpoint and derives data/bulk endpoints
// from it until negotiation overrides them. Any previous connections are
// torn down.
func (c *Client) Setup(addr string) error {
	if addr == "" {
		addr = c.cfg.Command
	}
	ep, err := transport.ParseEndpoint(addr, DefaultCommandPort)
	if err != nil {
		return fmt.Errorf("command endpoint: %w", err)
	}

	c.mu.Lock()
	c.configuredCommand = ep
	c.mu.Unlock()

	if err := c.command.Setup(ep.String()); err != nil {
		return err
	}

	dataAddr := c.cfg.Data
	if dataAddr == "" {
		dataAddr = fmt.Sprintf("%s://%s:%d", ep.Protocol, ep.Hostname, DefaultDataPort)
	}
	if err := c.data.Setup(dataAddr); err != nil {
		return err
	}

	bulkAddr := c.cfg.Bulk
	if bulkAddr == "" {
		bulkAddr = fmt.Sprintf("%s://%s:%d", ep.Protocol, ep.Hostname, DefaultBulkPort)
	}
	if err := c.bulk.Setup(bulkAddr); err != nil {
		return err
	}

	if c.cfg.HeartbeatInterval > 0 {
		c.startHeartbeat()
	}
	return nil
}

// Close tears down all three channels and the heartbeat.
func (c *Client) Close() {
	c.mu.Lock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.mu.Unlock()
	c.command.teardown()
	c.data.teardown()
	c.bulk.teardown()
}

func (c *Client) startHeartbeat() {
	c.mu.Lock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				msg := transport.NewCommandMessage(c.cfg.AgentID, "heartbeat", nil, nil)
				encoded, err := msg.Encode()
				if err != nil {
					continue
				}
				c.command.Write([][]byte{encoded})
			case <-stop:
				return
			}
		}
	}()
}

// handleFrame decodes inbound command messages, applies endpoint
// negotiation internally, and forwards everything to the configured
// handler.
func (c *Client) handleFrame(frame []byte) {
	var msg transport.CommandMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Warn("dropping undecodable command frame", "error", err)
		return
	}

	if msg.Command == "configure" {
		c.negotiateEndpoints(msg.Body)
	}

	if c.cfg.OnCommand != nil {
		c.cfg.OnCommand(&msg)
	}
}

// negotiateEndpoints applies data/bulk endpoints received from the peer.
// Negotiated endpoints override configured ones for data and bulk but never
// for command. A negotiated host equal to the configured command host is
// rewritten to the host the command channel actually connected to.
func (c *Client) negotiateEndpoints(body json.RawMessage) {
	var cfg struct {
		Data string `json:"data"`
		Bulk string `json:"bulk"`
	}
	if err := json.Unmarshal(body, &cfg); err != nil {
		return
	}

	c.mu.Lock()
	configured := c.configuredCommand
	c.mu.Unlock()
	active := c.command.Endpoint()

	apply := func(ch *channel, addr string, defaultPort int) {
		if addr == "" {
			return
		}
		ep, err := transport.ParseEndpoint(addr, defaultPort)
		if err != nil {
			c.logger.Warn("ignoring invalid negotiated endpoint", "addr", addr, "error", err)
			return
		}
		if configured != nil && active != nil && ep.Hostname == configured.Hostname {
			ep.Hostname = active.Hostname
		}
		if err := ch.Setup(ep.String()); err != nil {
			c.logger.Warn("negotiated endpoint setup failed", "addr", ep.String(), "error", err)
		}
	}

	apply(c.data, cfg.Data, DefaultDataPort)
	apply(c.bulk, cfg.Bulk, DefaultBulkPort)
}
