// Package transport defines the wire-neutral publishing abstraction the
// agent core fans results out through, plus the endpoint syntax shared by
// every concrete transport.
package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is a transport's connection state. Within one connection attempt it
// only moves forward.
type Status int

const (
	StatusUnconfigured Status = iota
	StatusInitializing
	StatusConnecting
	StatusReady
	StatusBuffering
)

var statusNames = [...]string{"unconfigured", "initializing", "connecting", "ready", "buffering"}

// String returns the wire name of the status.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unconfigured"
}

// Transport is a publishing destination. Write never blocks; a transport
// under back-pressure drops per its configured high-water-mark and counts
// the loss.
type Transport interface {
	Status() Status
	Write(messages [][]byte) int
	Setup(endpoint string) error
}

// Endpoint is a parsed `<proto>://<host>:<port>` address. When the protocol
// is omitted TCP is assumed; when the port is omitted the caller's default
// applies; a bare number is a port on localhost.
type Endpoint struct {
	Protocol string
	Hostname string
	Port     int
}

// ParseEndpoint parses addr, falling back to defaultPort when no valid port
// is present.
func ParseEndpoint(addr string, defaultPort int) (*Endpoint, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty endpoint")
	}

	protocol := "tcp"
	rest := addr
	if i := strings.Index(addr, "://"); i >= 0 {
		protocol = addr[:i]
		rest = addr[i+3:]
	} else if port, err := strconv.Atoi(addr); err == nil && port > 0 {
		// A bare number is a port on localhost.
		return &Endpoint{Protocol: protocol, Hostname: "localhost", Port: port}, nil
	}

	hostname := rest
	port := defaultPort
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		if p, err := strconv.Atoi(rest[i+1:]); err == nil && p > 0 {
			hostname = rest[:i]
			port = p
		}
	}
	if hostname == "" {
		return nil, fmt.Errorf("endpoint %q has no hostname", addr)
	}

	return &Endpoint{Protocol: protocol, Hostname: hostname, Port: port}, nil
}

// String formats the endpoint back to `<proto>://<host>:<port>`.
func (e *Endpoint) String() string {
	return e.Protocol + "://" + e.Hostname + ":" + strconv.Itoa(e.Port)
}

// Addr returns the dialable `host:port` form.
func (e *Endpoint) Addr() string {
	return e.Hostname + ":" + strconv.Itoa(e.Port)
}
