package pubsub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodesource/nsagent/internal/transport"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello")))
	require.NoError(t, writeFrame(&buf, nil))
	require.NoError(t, writeFrame(&buf, []byte("world")))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Len(t, got, 0)

	got, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	_, err = readFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

// frameServer accepts one connection and collects inbound frames.
type frameServer struct {
	ln     net.Listener
	mu     sync.Mutex
	frames [][]byte
	conns  []net.Conn
}

func newFrameServer(t *testing.T) *frameServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &frameServer{ln: ln}
	go s.accept()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *frameServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go func() {
			for {
				frame, err := readFrame(conn)
				if err != nil {
					return
				}
				s.mu.Lock()
				s.frames = append(s.frames, frame)
				s.mu.Unlock()
			}
		}()
	}
}

func (s *frameServer) addr() string {
	return s.ln.Addr().String()
}

func (s *frameServer) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *frameServer) sendToClient(t *testing.T, payload []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no client connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.mu.Lock()
	conn := s.conns[0]
	s.mu.Unlock()
	require.NoError(t, writeFrame(conn, payload))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientWritesFramesToAllChannels(t *testing.T) {
	command := newFrameServer(t)
	data := newFrameServer(t)
	bulk := newFrameServer(t)

	client := NewClient(Config{
		AgentID: "agent-1",
		Command: command.addr(),
		Data:    data.addr(),
		Bulk:    bulk.addr(),
		Logger:  quietLogger(),
	})
	require.NoError(t, client.Setup(""))
	defer client.Close()

	waitFor(t, "command ready", func() bool { return client.Status() == transport.StatusReady })

	client.WriteCommand([][]byte{[]byte("cmd")})
	client.Write([][]byte{[]byte("d1"), []byte("d2")})
	client.WriteBulk([][]byte{[]byte("chunk")})

	waitFor(t, "command frame", func() bool { return command.frameCount() == 1 })
	waitFor(t, "data frames", func() bool { return data.frameCount() == 2 })
	waitFor(t, "bulk frame", func() bool { return bulk.frameCount() == 1 })
}

func TestClientStatusLifecycle(t *testing.T) {
	client := NewClient(Config{Logger: quietLogger()})
	assert.Equal(t, transport.StatusUnconfigured, client.Status())

	server := newFrameServer(t)
	require.NoError(t, client.Setup(server.addr()))
	defer client.Close()

	waitFor(t, "ready", func() bool { return client.Status() == transport.StatusReady })
}

func TestClientDropsBeyondHighWaterMark(t *testing.T) {
	// No listener: the channel queues until the HWM, then counts drops.
	client := NewClient(Config{
		Command:    "127.0.0.1:1", // nothing listens on port 1
		CommandHWM: 4,
		DataHWM:    4,
		BulkHWM:    4,
		Logger:     quietLogger(),
	})
	require.NoError(t, client.Setup(""))
	defer client.Close()

	msgs := make([][]byte, 10)
	for i := range msgs {
		msgs[i] = []byte{byte(i)}
	}
	accepted := client.Write(msgs)
	assert.Equal(t, 4, accepted)
	_, dataDropped, _ := client.Dropped()
	assert.Equal(t, uint64(6), dataDropped)
}

func TestClientWriteUnconfiguredDropsSilently(t *testing.T) {
	client := NewClient(Config{Logger: quietLogger()})
	accepted := client.Write([][]byte{[]byte("x")})
	assert.Equal(t, 0, accepted)
	_, dropped, _ := client.Dropped()
	assert.Equal(t, uint64(1), dropped)
}

func TestEndpointNegotiation(t *testing.T) {
	command := newFrameServer(t)
	oldData := newFrameServer(t)
	newData := newFrameServer(t)

	var mu sync.Mutex
	var seen []string
	client := NewClient(Config{
		AgentID: "agent-1",
		Command: command.addr(),
		Data:    oldData.addr(),
		Bulk:    oldData.addr(),
		OnCommand: func(msg *transport.CommandMessage) {
			mu.Lock()
			seen = append(seen, msg.Command)
			mu.Unlock()
		},
		Logger: quietLogger(),
	})
	require.NoError(t, client.Setup(""))
	defer client.Close()

	waitFor(t, "ready", func() bool { return client.Status() == transport.StatusReady })

	// The peer negotiates a new data endpoint.
	body, _ := json.Marshal(map[string]string{"data": newData.addr()})
	configure := transport.NewCommandMessage("console", "configure", nil, body)
	encoded, err := configure.Encode()
	require.NoError(t, err)
	command.sendToClient(t, encoded)

	waitFor(t, "handler saw configure", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "configure"
	})
	waitFor(t, "data channel moved", func() bool {
		ep := client.data.Endpoint()
		return ep != nil && ep.Addr() == newData.addr()
	})

	client.Write([][]byte{[]byte("after-move")})
	waitFor(t, "frame on new endpoint", func() bool { return newData.frameCount() == 1 })
}

func TestNegotiatedSameHostRewrite(t *testing.T) {
	command := newFrameServer(t)

	client := NewClient(Config{
		Command: command.addr(),
		Logger:  quietLogger(),
	})
	require.NoError(t, client.Setup(""))
	defer client.Close()
	waitFor(t, "ready", func() bool { return client.Status() == transport.StatusReady })

	// Negotiate a data endpoint that names the configured command host: the
	// client must keep talking to the host it actually connected to.
	configuredHost := client.configuredCommand.Hostname
	body, _ := json.Marshal(map[string]string{
		"data": fmt.Sprintf("tcp://%s:9555", configuredHost),
	})
	configure := transport.NewCommandMessage("console", "configure", nil, body)
	encoded, err := configure.Encode()
	require.NoError(t, err)
	command.sendToClient(t, encoded)

	waitFor(t, "data endpoint rewritten", func() bool {
		ep := client.data.Endpoint()
		return ep != nil && ep.Port == 9555 && ep.Hostname == client.command.Endpoint().Hostname
	})
}

func TestHeartbeat(t *testing.T) {
	command := newFrameServer(t)
	client := NewClient(Config{
		AgentID:           "agent-1",
		Command:           command.addr(),
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            quietLogger(),
	})
	require.NoError(t, client.Setup(""))
	defer client.Close()

	waitFor(t, "heartbeats", func() bool { return command.frameCount() >= 2 })

	command.mu.Lock()
	frame := command.frames[0]
	command.mu.Unlock()
	var msg transport.CommandMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, "heartbeat", msg.Command)
	assert.Equal(t, "agent-1", msg.AgentID)
}
