package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/fullmetal/pkg/channel"
	"github.com/inercia/fullmetal/pkg/fullmetal"
	"github.com/inercia/fullmetal/pkg/sessioncrypto"
)

// Inbound payloads, as the SDK sends them.
type authenticateRequest struct {
	UserType    string `json:"userType"`
	Credentials struct {
		APIKey string `json:"apiKey"`
	} `json:"credentials"`
}

type promptRequest struct {
	Prompt    string         `json:"prompt"`
	RefID     string         `json:"refId"`
	Options   map[string]any `json:"options"`
	Encrypted bool           `json:"encrypted"`
}

// Outbound payloads.
type responseMessage struct {
	Response  string `json:"response"`
	RefID     string `json:"refId"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

type queueMessage struct {
	RefID    string `json:"refId"`
	Position int    `json:"position"`
}

type errorMessage struct {
	Message       string `json:"message"`
	StopExecution bool   `json:"stopExecution"`
}

// Prompt options the server interprets instead of answering.
const (
	// OptionError makes the server reply with an error event.
	OptionError = "devserver.error"
	// OptionStopExecution flags that error as stopExecution.
	OptionStopExecution = "devserver.stopExecution"
)

// conn is one client connection. Reads happen on the serving goroutine;
// writes go through send and the write pump.
type conn struct {
	s      *Server
	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger
	limit  *rate.Limiter

	mu            sync.Mutex
	authenticated bool
	responder     *sessioncrypto.Responder
	inflight      sync.WaitGroup
}

func newConn(s *Server, ws *websocket.Conn, ip string) *conn {
	c := &conn{
		s:      s,
		ws:     ws,
		send:   make(chan []byte, s.opts.SendBufferSize),
		logger: s.opts.Logger.With("client_ip", ip),
	}
	if s.opts.PromptRate > 0 {
		c.limit = rate.NewLimiter(rate.Limit(s.opts.PromptRate), s.opts.PromptBurst)
	}
	return c
}

func (c *conn) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// emit queues an event. It drops the event when the buffer is full.
func (c *conn) emit(event string, payload any) {
	frame, err := channel.EncodeFrame(event, payload)
	if err != nil {
		c.logger.Error("Failed to encode frame", "event", event, "error", err)
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("Send buffer full, dropping event", "event", event)
	}
}

func (c *conn) emitError(message string, stop bool) {
	c.emit(fullmetal.EventError, errorMessage{Message: message, StopExecution: stop})
}

func (c *conn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	pumpDone := make(chan struct{})
	go c.writePump(ctx, pumpDone)

	c.logger.Debug("Client connected")
	c.readLoop(ctx)
	cancel()
	c.inflight.Wait()
	<-pumpDone
	c.logger.Debug("Client disconnected")
}

func (c *conn) readLoop(ctx context.Context) {
	opts := c.s.opts
	c.ws.SetReadLimit(opts.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Read error", "error", err)
			}
			return
		}
		// Client heartbeats count as activity.
		c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))

		frame, err := channel.ParseFrame(data)
		if err != nil {
			c.emitError("malformed frame", false)
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *conn) writePump(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(done)
	}()

	wait := c.s.opts.WriteWait
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(wait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(wait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wait))
			return
		}
	}
}

func (c *conn) dispatch(ctx context.Context, f channel.Frame) {
	switch f.Event {
	case fullmetal.EventAuthenticate:
		c.handleAuthenticate(f.Data)
	case fullmetal.EventPrompt:
		c.handlePrompt(ctx, f.Data)
	case fullmetal.EventPing:
		c.emit(fullmetal.EventPong, f.Data)
	case sessioncrypto.EventClientPublicKey:
		c.handleClientKey(f.Data)
	default:
		c.logger.Debug("Unknown event", "event", f.Event)
		c.emitError("unknown event "+f.Event, false)
	}
}

func (c *conn) handleAuthenticate(data json.RawMessage) {
	var req authenticateRequest
	if err := json.Unmarshal(data, &req); err != nil || !c.s.acceptKey(req.Credentials.APIKey) {
		c.mu.Lock()
		c.authenticated = false
		c.mu.Unlock()
		c.logger.Info("Authentication failed", "user_type", req.UserType)
		c.emit(fullmetal.EventAuthenticationFailed, errorMessage{Message: "invalid api key"})
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	c.logger.Info("Client authenticated", "user_type", req.UserType)
	c.emit(fullmetal.EventAuthenticated, map[string]string{"userType": req.UserType})
}

func (c *conn) handleClientKey(data json.RawMessage) {
	var key string
	if err := json.Unmarshal(data, &key); err != nil {
		c.emitError("client public key must be a string", false)
		return
	}
	r, err := sessioncrypto.NewResponder()
	if err == nil {
		err = r.Accept(key)
	}
	if err != nil {
		c.logger.Debug("Key exchange failed", "error", err)
		c.emitError("key exchange failed: "+err.Error(), false)
		return
	}

	c.mu.Lock()
	c.responder = r
	c.mu.Unlock()
	c.emit(sessioncrypto.EventAgentPublicKey, r.PublicKey())
}

func (c *conn) handlePrompt(ctx context.Context, data json.RawMessage) {
	if !c.isAuthenticated() {
		c.emitError("not authenticated", false)
		return
	}
	var req promptRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.emitError("malformed prompt", false)
		return
	}
	if c.limit != nil && !c.limit.Allow() {
		c.emitError("rate limit exceeded", false)
		return
	}
	if msg, ok := req.Options[OptionError].(string); ok {
		stop, _ := req.Options[OptionStopExecution].(bool)
		c.emitError(msg, stop)
		return
	}

	c.mu.Lock()
	responder := c.responder
	c.mu.Unlock()

	prompt := req.Prompt
	if req.Encrypted {
		if responder == nil {
			c.emitError("encrypted prompt without key exchange", false)
			return
		}
		pt, err := responder.Decrypt(req.Prompt)
		if err != nil {
			c.emitError("cannot decrypt prompt", false)
			return
		}
		prompt = string(pt)
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.answer(ctx, req, prompt, responder)
	}()
}

func (c *conn) answer(ctx context.Context, req promptRequest, prompt string, responder *sessioncrypto.Responder) {
	opts := c.s.opts
	if opts.QueueUpdates {
		c.emit(fullmetal.EventResponseQueued, queueMessage{RefID: req.RefID, Position: 0})
	}
	if opts.ResponseDelay > 0 {
		t := time.NewTimer(opts.ResponseDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	text, err := opts.Respond(ctx, prompt, req.Options)
	if err != nil {
		c.emitError(err.Error(), false)
		return
	}

	msg := responseMessage{Response: text, RefID: req.RefID}
	if req.Encrypted {
		ct, err := responder.Encrypt([]byte(text))
		if err != nil {
			c.emitError("cannot encrypt response", false)
			return
		}
		msg = responseMessage{Response: ct, RefID: req.RefID, Encrypted: true}
	}
	c.logger.Debug("Sending response", "ref_id", req.RefID, "encrypted", msg.Encrypted)
	c.emit(fullmetal.EventResponse, msg)
}
