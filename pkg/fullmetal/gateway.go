package fullmetal

import (
	"context"
	"encoding/json"
	"maps"

	"github.com/google/uuid"
)

// PendingPrompt is a prompt held until authentication completes. At most
// one is held; a newer one replaces it.
type PendingPrompt struct {
	Prompt  string
	RefID   string
	Options map[string]any
}

// Gateway gates outbound prompts on the authentication state and
// dispatches inbound responses, queue updates and errors. It shares the
// manager's lock.
type Gateway struct {
	m *manager
}

func newPending(prompt, refID string, options map[string]any) *PendingPrompt {
	if refID == "" {
		refID = uuid.NewString()
	}
	opts := maps.Clone(options)
	if opts == nil {
		opts = map[string]any{}
	}
	return &PendingPrompt{Prompt: prompt, RefID: refID, Options: opts}
}

// SendPrompt emits a prompt right away, whatever the authentication state.
// An empty refID is replaced by a generated one; the refID used is
// returned. With encryption enabled the key exchange runs first, so this
// call may block up to the key exchange timeout and must not be made from
// a client callback.
func (g *Gateway) SendPrompt(ctx context.Context, prompt, refID string, options map[string]any) (string, error) {
	p := newPending(prompt, refID, options)

	g.m.mu.Lock()
	err := g.m.usableLocked()
	g.m.mu.Unlock()
	if err != nil {
		return p.RefID, err
	}
	return p.RefID, g.send(ctx, p)
}

// SendPromptAfterAuthentication sends like SendPrompt when authenticated.
// Otherwise it stores the prompt as the pending prompt, replacing any
// earlier one, and returns at once. The pending prompt is sent exactly once
// when the next authenticated event arrives.
func (g *Gateway) SendPromptAfterAuthentication(prompt, refID string, options map[string]any) (string, error) {
	p := newPending(prompt, refID, options)

	m := g.m
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return p.RefID, err
	}
	if m.state == StateAuthenticated {
		ctx := m.ctx
		m.mu.Unlock()
		return p.RefID, g.send(ctx, p)
	}
	replaced := m.pending
	m.pending = p
	m.mu.Unlock()

	if replaced != nil {
		m.logger.Debug("Pending prompt replaced", "ref_id", p.RefID, "replaced_ref_id", replaced.RefID)
	} else {
		m.logger.Debug("Prompt deferred until authenticated", "ref_id", p.RefID)
	}
	return p.RefID, nil
}

// Pending returns a copy of the pending prompt, or nil.
func (g *Gateway) Pending() *PendingPrompt {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if g.m.pending == nil {
		return nil
	}
	p := *g.m.pending
	p.Options = maps.Clone(p.Options)
	return &p
}

// flushLocked sends the pending prompt from the authenticated handler.
// Encrypted prompts need a key exchange, whose answer arrives on the same
// channel goroutine, so they are sent from a new goroutine.
func (g *Gateway) flushLocked(p *PendingPrompt) error {
	if !g.m.cfg.encryptPrompts {
		return g.emit(plainPayload(p))
	}
	ctx := g.m.ctx
	go func() {
		if err := g.send(ctx, p); err != nil {
			g.m.reportLocal(err, map[string]any{"ref_id": p.RefID})
		}
	}()
	return nil
}

func (g *Gateway) send(ctx context.Context, p *PendingPrompt) error {
	if !g.m.cfg.encryptPrompts {
		return g.emit(plainPayload(p))
	}
	payload, err := g.encryptedPayload(ctx, p)
	if err != nil {
		return err
	}
	return g.emit(payload)
}

func plainPayload(p *PendingPrompt) promptPayload {
	return promptPayload{Prompt: p.Prompt, RefID: p.RefID, Options: p.Options}
}

func (g *Gateway) encryptedPayload(ctx context.Context, p *PendingPrompt) (promptPayload, error) {
	if err := g.m.crypto.PerformKeyExchange(ctx, g.m.cfg.keyExchangeTimeout); err != nil {
		return promptPayload{}, &Error{Kind: KindCrypto, Op: "key_exchange", Err: err}
	}
	ct, err := g.m.crypto.Encrypt([]byte(p.Prompt))
	if err != nil {
		return promptPayload{}, &Error{Kind: KindCrypto, Op: "encrypt", Err: err}
	}
	return promptPayload{Prompt: ct, RefID: p.RefID, Options: p.Options, Encrypted: true}, nil
}

func (g *Gateway) emit(payload promptPayload) error {
	if err := g.m.ch.Emit(EventPrompt, payload); err != nil {
		return &Error{Kind: KindTransport, Op: EventPrompt, Err: err}
	}
	return nil
}

// OnResponse sets the response handler. Responses arriving while no
// handler is set are dropped.
func (g *Gateway) OnResponse(fn func(Response)) {
	g.m.cb.setResponse(fn)
}

// OnResponseQueue sets the queue position handler.
func (g *Gateway) OnResponseQueue(fn func(QueueUpdate)) {
	g.m.cb.setQueue(fn)
}

// OnError sets the error handler. It may be called from timer goroutines
// as well as the channel goroutine.
func (g *Gateway) OnError(fn func(error)) {
	g.m.cb.setError(fn)
}

func (g *Gateway) handleResponse(data json.RawMessage) {
	resp := Response{Raw: data}
	var p responsePayload
	if err := json.Unmarshal(data, &p); err == nil && (p.Response != nil || p.RefID != "") {
		resp = Response{RefID: p.RefID, Raw: p.Response, Encrypted: p.Encrypted}
	}

	if resp.Encrypted {
		var ct string
		if err := json.Unmarshal(resp.Raw, &ct); err != nil {
			g.m.reportLocal(&Error{Kind: KindProtocol, Op: EventResponse, Message: "encrypted response is not a string"},
				map[string]any{"ref_id": resp.RefID})
			return
		}
		pt, err := g.m.crypto.Decrypt(ct)
		if err != nil {
			g.m.reportLocal(&Error{Kind: KindCrypto, Op: "decrypt", Err: err}, map[string]any{"ref_id": resp.RefID})
			return
		}
		raw, _ := json.Marshal(string(pt))
		resp.Raw = raw
	}

	fn := g.m.cb.onResponse()
	if fn == nil {
		g.m.logger.Debug("Dropping response without handler", "ref_id", resp.RefID)
		return
	}
	fn(resp)
}

func (g *Gateway) handleQueue(data json.RawMessage) {
	if fn := g.m.cb.onQueue(); fn != nil {
		fn(parseQueueUpdate(data))
	}
}

// handleServerError runs the error handler before telemetry. A
// stopExecution error then terminates the session; the handler cannot
// prevent it.
func (g *Gateway) handleServerError(data json.RawMessage) {
	var p errorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		p = errorPayload{Message: payloadText(data)}
	}
	e := &Error{Kind: KindProtocol, Op: EventError, Message: p.Message, StopExecution: p.StopExecution}

	g.m.reportServer(e, nil)
	if p.StopExecution {
		g.m.terminate(CauseStopExecution, e)
	}
}
