package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		addr        string
		defaultPort int
		want        Endpoint
	}{
		{
			name:        "full form",
			addr:        "tcp://console.example.com:9701",
			defaultPort: 9001,
			want:        Endpoint{Protocol: "tcp", Hostname: "console.example.com", Port: 9701},
		},
		{
			name:        "no protocol defaults to tcp",
			addr:        "console.example.com:9701",
			defaultPort: 9001,
			want:        Endpoint{Protocol: "tcp", Hostname: "console.example.com", Port: 9701},
		},
		{
			name:        "no port uses default",
			addr:        "tcp://console.example.com",
			defaultPort: 9002,
			want:        Endpoint{Protocol: "tcp", Hostname: "console.example.com", Port: 9002},
		},
		{
			name:        "bare port means localhost",
			addr:        "9003",
			defaultPort: 9001,
			want:        Endpoint{Protocol: "tcp", Hostname: "localhost", Port: 9003},
		},
		{
			name:        "invalid port falls back to default",
			addr:        "host:abc",
			defaultPort: 9001,
			want:        Endpoint{Protocol: "tcp", Hostname: "host:abc", Port: 9001},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoint(tt.addr, tt.defaultPort)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}

	_, err := ParseEndpoint("", 9001)
	assert.Error(t, err)
}

func TestEndpointString(t *testing.T) {
	ep := &Endpoint{Protocol: "tcp", Hostname: "localhost", Port: 9001}
	assert.Equal(t, "tcp://localhost:9001", ep.String())
	assert.Equal(t, "localhost:9001", ep.Addr())
}

func TestCommandMessageEncoding(t *testing.T) {
	reqID := "req-42"
	msg := NewCommandMessage("agent-1", "info", &reqID, json.RawMessage(`{"k":1}`))
	encoded, err := msg.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, "agent-1", decoded["agentId"])
	assert.Equal(t, "req-42", decoded["requestId"])
	assert.Equal(t, "info", decoded["command"])
	recorded, ok := decoded["recorded"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, recorded, "seconds")
	assert.Contains(t, recorded, "nanoseconds")
}

func TestErrorMessageEncoding(t *testing.T) {
	msg := NewErrorMessage("agent-1", "snapshot", nil, "snapshots disabled", 422)
	encoded, err := msg.Encode()
	require.NoError(t, err)

	var decoded struct {
		Error *ErrorBody `json:"error"`
		Body  any        `json:"body"`
	}
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.NotNil(t, decoded.Error)
	assert.Equal(t, 422, decoded.Error.Code)
	assert.Equal(t, "snapshots disabled", decoded.Error.Message)
	assert.Nil(t, decoded.Body)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "unconfigured", StatusUnconfigured.String())
	assert.Equal(t, "ready", StatusReady.String())
	assert.Equal(t, "buffering", StatusBuffering.String())
}
