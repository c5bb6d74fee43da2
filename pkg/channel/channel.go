// Package channel defines the duplex event channel the SDK talks through and
// ships a WebSocket implementation of it.
//
// # Event Protocol Overview
//
// All frames are JSON-encoded with the following structure:
//
//	{
//	    "event": "event_name",
//	    "data": ...  // Optional, event-specific payload
//	}
//
// Lifecycle events (connect, disconnect, connect_error, reconnect,
// reconnect_attempt) are produced locally by the channel and delivered
// through the same handler table as events coming from the server.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Lifecycle events fired by a Channel.
const (
	// EventConnect fires when a connection is established.
	// Data: none
	EventConnect = "connect"

	// EventDisconnect fires when an established connection is lost or closed.
	// Data: reason string
	EventDisconnect = "disconnect"

	// EventConnectError fires when a connection attempt fails.
	// Data: error message string
	EventConnectError = "connect_error"

	// EventReconnect fires after a successful reconnection attempt.
	// Data: attempt number
	EventReconnect = "reconnect"

	// EventReconnectAttempt fires before each reconnection attempt.
	// Data: attempt number
	EventReconnectAttempt = "reconnect_attempt"

	// EventReconnectFailed fires when MaxReconnectAttempts is exhausted.
	// Data: none
	EventReconnectFailed = "reconnect_failed"
)

// Disconnect reasons reported with EventDisconnect.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

var (
	// ErrNotConnected is returned by Emit when there is no live connection.
	ErrNotConnected = errors.New("channel not connected")

	// ErrSendBufferFull is returned by Emit when the outbound buffer is full.
	ErrSendBufferFull = errors.New("channel send buffer full")

	// ErrClosed is returned when the channel has been disconnected for good.
	ErrClosed = errors.New("channel closed")
)

// Handler receives the raw JSON payload of an event.
type Handler func(data json.RawMessage)

// Channel is an opaque bidirectional event connection to the remote service.
// Implementations keep one handler per event name: On replaces any handler
// previously registered for that event.
type Channel interface {
	// Connect starts connecting (and reconnecting) in the background.
	// It is a no-op if the channel is already running.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down and stops reconnecting.
	Disconnect() error

	// Emit sends an event with a JSON-serializable payload.
	Emit(event string, payload any) error

	// On registers the handler for an event, replacing any previous one.
	On(event string, h Handler)

	// Off removes the handler for an event.
	Off(event string)

	// OffAll removes every registered handler.
	OffAll()
}

// Frame is the wire envelope for every event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseFrame parses raw message bytes into a Frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Event == "" {
		return Frame{}, errors.New("frame without event name")
	}
	return f, nil
}

// EncodeFrame builds the wire representation of an event.
func EncodeFrame(event string, payload any) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Data = data
	}
	return json.Marshal(f)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Options configures connection and reconnection behaviour.
type Options struct {
	// URL is the ws:// or wss:// endpoint. http(s) URLs are converted.
	URL string

	// Header is sent with every handshake request.
	Header http.Header

	// ConnectTimeout bounds each dial attempt.
	// Default: 20 seconds
	ConnectTimeout time.Duration

	// MaxReconnectAttempts stops reconnecting after this many failed attempts.
	// Zero means unlimited.
	MaxReconnectAttempts int

	// ReconnectionDelay is the initial delay before reconnecting.
	// Default: 1 second
	ReconnectionDelay time.Duration

	// ReconnectionDelayMax caps the reconnection delay.
	// Default: 5 seconds
	ReconnectionDelayMax time.Duration

	// RandomizationFactor jitters each delay by +/- this fraction.
	// Default: 0.5
	RandomizationFactor float64

	// PingInterval is the interval between WebSocket ping frames.
	// Default: 25 seconds
	PingInterval time.Duration

	// PingTimeout is how long to wait past PingInterval for any inbound
	// traffic before the connection is considered dead.
	// Default: 20 seconds
	PingTimeout time.Duration

	// WriteWait is the time allowed to write a single frame.
	// Default: 10 seconds
	WriteWait time.Duration

	// EmitRate limits outbound frames per second. Zero disables limiting.
	EmitRate float64

	// EmitBurst is the burst size allowed by the emit limiter.
	// Default: 10 (only used when EmitRate > 0)
	EmitBurst int

	// SendBufferSize is the size of the outbound frame buffer.
	// Default: 256
	SendBufferSize int

	// MaxFrameSize is the maximum size of an inbound frame in bytes.
	// Default: 1MB
	MaxFrameSize int64
}

// DefaultOptions returns the defaults used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:       20 * time.Second,
		ReconnectionDelay:    1 * time.Second,
		ReconnectionDelayMax: 5 * time.Second,
		RandomizationFactor:  0.5,
		PingInterval:         25 * time.Second,
		PingTimeout:          20 * time.Second,
		WriteWait:            10 * time.Second,
		EmitBurst:            10,
		SendBufferSize:       256,
		MaxFrameSize:         1 << 20,
	}
}

// withDefaults fills zero-valued fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ReconnectionDelay <= 0 {
		o.ReconnectionDelay = d.ReconnectionDelay
	}
	if o.ReconnectionDelayMax <= 0 {
		o.ReconnectionDelayMax = d.ReconnectionDelayMax
	}
	if o.ReconnectionDelayMax < o.ReconnectionDelay {
		o.ReconnectionDelayMax = o.ReconnectionDelay
	}
	if o.RandomizationFactor < 0 || o.RandomizationFactor > 1 {
		o.RandomizationFactor = d.RandomizationFactor
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = d.PingTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.EmitBurst <= 0 {
		o.EmitBurst = d.EmitBurst
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = d.SendBufferSize
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = d.MaxFrameSize
	}
	return o
}
