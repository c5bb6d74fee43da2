package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// WebSocket is a Channel backed by a gorilla/websocket connection.
// It reconnects on its own with exponential backoff until Disconnect is
// called or MaxReconnectAttempts is exhausted.
//
// Handlers run on the connection's reader goroutine, one at a time.
// It is safe for concurrent use.
type WebSocket struct {
	opts     Options
	url      string
	logger   *slog.Logger
	dialer   *websocket.Dialer
	handlers *Handlers
	limiter  *rate.Limiter

	mu      sync.Mutex
	running bool
	gen     uint64
	cancel  context.CancelFunc
	send    chan []byte // nil while not connected
}

// NormalizeURL converts http(s) URLs to ws(s) and rejects anything else
// that is not already a WebSocket URL.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return u.String(), nil
}

// NewWebSocket creates a WebSocket channel. It does not connect.
func NewWebSocket(opts Options, logger *slog.Logger) (*WebSocket, error) {
	opts = opts.withDefaults()
	u, err := NormalizeURL(opts.URL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &WebSocket{
		opts:     opts,
		url:      u,
		logger:   logger,
		handlers: NewHandlers(),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.ConnectTimeout,
		},
	}
	if opts.EmitRate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(opts.EmitRate), opts.EmitBurst)
	}
	return w, nil
}

// URL returns the normalized endpoint.
func (w *WebSocket) URL() string {
	return w.url
}

// On implements Channel.
func (w *WebSocket) On(event string, h Handler) {
	w.handlers.Set(event, h)
}

// Off implements Channel.
func (w *WebSocket) Off(event string) {
	w.handlers.Remove(event)
}

// OffAll implements Channel.
func (w *WebSocket) OffAll() {
	w.handlers.Clear()
}

// Connect implements Channel. The connection is supervised in the
// background; ctx bounds the lifetime of the whole supervisor.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.gen++
	w.cancel = cancel
	go w.run(runCtx, cancel, w.gen)
	return nil
}

// Disconnect implements Channel. A disconnect event with
// ReasonClientDisconnect is fired if a connection was live.
// It does not wait for the reader goroutine, so it is safe to call from a
// handler.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()
	w.cancel = nil
	return nil
}

// Emit implements Channel. It never blocks: frames are queued for the
// writer and ErrSendBufferFull is returned when the queue is full.
func (w *WebSocket) Emit(event string, payload any) error {
	data, err := EncodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.send == nil {
		return ErrNotConnected
	}
	select {
	case w.send <- data:
		return nil
	default:
		w.logger.Warn("Send buffer full, dropping frame", "event", event)
		return ErrSendBufferFull
	}
}

func (w *WebSocket) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.ReconnectionDelay
	b.MaxInterval = w.opts.ReconnectionDelayMax
	b.RandomizationFactor = w.opts.RandomizationFactor
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run supervises the connection: dial, serve until it drops, back off,
// repeat.
func (w *WebSocket) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer func() {
		cancel()
		w.mu.Lock()
		// A newer Connect may already own the channel.
		if w.gen == gen {
			w.running = false
			w.cancel = nil
		}
		w.mu.Unlock()
	}()

	b := w.newBackOff()
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			w.logger.Debug("Reconnect attempt", "attempt", attempt, "url", w.url)
			w.handlers.Dispatch(EventReconnectAttempt, mustJSON(attempt))
		}

		conn, err := w.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Debug("Connect failed", "url", w.url, "error", err)
			w.handlers.Dispatch(EventConnectError, mustJSON(err.Error()))
			if w.opts.MaxReconnectAttempts > 0 && attempt >= w.opts.MaxReconnectAttempts {
				w.logger.Warn("Giving up reconnecting", "attempts", attempt)
				w.handlers.Dispatch(EventReconnectFailed, nil)
				return
			}
			attempt++
			if !sleep(ctx, b.NextBackOff()) {
				return
			}
			continue
		}

		reconnected := attempt
		attempt = 0
		b.Reset()

		reason := w.serve(ctx, conn, reconnected)
		w.logger.Debug("Disconnected", "url", w.url, "reason", reason)
		w.handlers.Dispatch(EventDisconnect, mustJSON(reason))

		if ctx.Err() != nil {
			return
		}
		attempt = 1
		if !sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, w.opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := w.dialer.DialContext(dialCtx, w.url, w.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	return conn, nil
}

// serve pumps one live connection and returns the disconnect reason.
// reconnected is the attempt number that produced this connection, or
// zero for the first connection.
func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn, reconnected int) string {
	send := make(chan []byte, w.opts.SendBufferSize)
	stop := make(chan struct{})
	writerDone := make(chan struct{})

	liveness := w.opts.PingInterval + w.opts.PingTimeout
	conn.SetReadLimit(w.opts.MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(liveness))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(liveness))
	})

	w.mu.Lock()
	w.send = send
	w.mu.Unlock()

	go w.writePump(ctx, conn, send, stop, writerDone)

	w.handlers.Dispatch(EventConnect, nil)
	if reconnected > 0 {
		w.handlers.Dispatch(EventReconnect, mustJSON(reconnected))
	}

	err := w.readLoop(conn, liveness)

	w.mu.Lock()
	if w.send == send {
		w.send = nil
	}
	w.mu.Unlock()
	close(stop)
	<-writerDone
	conn.Close()

	return disconnectReason(ctx, err)
}

func (w *WebSocket) readLoop(conn *websocket.Conn, liveness time.Duration) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(liveness))

		frame, err := ParseFrame(data)
		if err != nil {
			w.logger.Warn("Dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		if !w.handlers.Dispatch(frame.Event, frame.Data) {
			w.logger.Debug("No handler for event", "event", frame.Event)
		}
	}
}

// writePump owns all writes to conn: queued frames, keepalive pings and the
// final close frame.
func (w *WebSocket) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, stop <-chan struct{}, done chan<- struct{}) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(w.opts.WriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return
		case <-stop:
			return
		case message := <-send:
			if w.limiter != nil {
				if err := w.limiter.Wait(ctx); err != nil {
					continue
				}
			}
			conn.SetWriteDeadline(time.Now().Add(w.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				w.logger.Debug("Write failed", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(w.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func disconnectReason(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return ReasonClientDisconnect
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonPingTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ReasonTransportClose
	}
	return ReasonTransportError
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
