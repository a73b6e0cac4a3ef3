package realtime

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ConnectionState is the lifecycle state of the client's single logical connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets snapshots render the state by name in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrInvalidEndpoint is wrapped by Endpoint.Validate failures.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint identifies the monitoring backend's streaming server.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidEndpoint)
	}
	if strings.ContainsAny(e.Host, "/?# ") {
		return fmt.Errorf("%w: host %q contains invalid characters", ErrInvalidEndpoint, e.Host)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidEndpoint, e.Port)
	}
	return nil
}

// URL returns the unencrypted websocket address, ws://host:port.
func (e Endpoint) URL() string {
	return "ws://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Config tunes the connection state machine.
type Config struct {
	HeartbeatPeriod      time.Duration
	MaxReconnectAttempts int
	MaxBackoff           time.Duration
	HistoryCapacity      int
}

func DefaultConfig() Config {
	return Config{
		HeartbeatPeriod:      30 * time.Second,
		MaxReconnectAttempts: 5,
		MaxBackoff:           30 * time.Second,
		HistoryCapacity:      100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = d.HeartbeatPeriod
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = d.HistoryCapacity
	}
	return c
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(2^n seconds, max).
func Backoff(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 31 {
		return max
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > max {
		return max
	}
	return d
}
