package fullmetal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/fullmetal/pkg/channel"
	"github.com/inercia/fullmetal/pkg/sessioncrypto"
)

// managerConfig is the resolved subset of Options the manager needs.
type managerConfig struct {
	restartOnDisconnect bool
	doRestart           bool
	retryDelay          time.Duration
	heartbeatInterval   time.Duration
	keyExchangeTimeout  time.Duration
	authRetryLimit      int
	encryptPrompts      bool
}

// effects are callbacks collected under the lock and run after it is
// released.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// manager owns the channel and drives the connection state machine.
// mu guards the state, the pending prompt and all timers; the gateway
// shares it. Channel handlers and user callbacks never run with mu held.
type manager struct {
	ch       channel.Channel
	crypto   *sessioncrypto.Session
	creds    *Credentials
	cfg      managerConfig
	logger   *slog.Logger
	reporter Reporter
	cb       *callbacks
	gw       *Gateway

	mu           sync.Mutex
	ctx          context.Context
	state        ConnectionState
	opened       bool
	closed       bool
	terminated   bool
	restart      bool
	pending      *PendingPrompt
	retryTimer   *time.Timer
	retryGen     uint64
	authTimer    *time.Timer
	authGen      uint64
	connLive     bool
	authFailures int
	hbStop       chan struct{}
	lastPong     time.Time

	done     chan struct{}
	doneOnce sync.Once
}

func newManager(ch channel.Channel, creds *Credentials, cfg managerConfig, logger *slog.Logger, reporter Reporter) *manager {
	m := &manager{
		ch:       ch,
		crypto:   sessioncrypto.NewSession(ch),
		creds:    creds,
		cfg:      cfg,
		logger:   logger,
		reporter: reporter,
		cb:       &callbacks{},
		ctx:      context.Background(),
		state:    StateDisconnected,
		restart:  cfg.doRestart,
		done:     make(chan struct{}),
	}
	m.gw = &Gateway{m: m}
	return m
}

// registerHandlers installs one handler per event. The channel's handler
// table is single-slot, so calling this again replaces rather than adds.
func (m *manager) registerHandlers() {
	m.ch.On(channel.EventConnect, func(json.RawMessage) { m.handleConnect() })
	m.ch.On(channel.EventDisconnect, m.handleDisconnect)
	m.ch.On(channel.EventConnectError, m.handleConnectError)
	m.ch.On(channel.EventReconnect, m.handleReconnect)
	m.ch.On(channel.EventReconnectAttempt, m.handleReconnectAttempt)
	m.ch.On(channel.EventReconnectFailed, m.handleReconnectFailed)
	m.ch.On(EventAuthenticated, func(json.RawMessage) { m.handleAuthenticated() })
	m.ch.On(EventAuthenticationFailed, m.handleAuthenticationFailed)
	m.ch.On(EventPong, m.handlePong)
	m.ch.On(sessioncrypto.EventAgentPublicKey, m.handleAgentPublicKey)
	m.ch.On(EventResponse, m.gw.handleResponse)
	m.ch.On(EventResponseQueued, m.gw.handleQueue)
	m.ch.On(EventError, m.gw.handleServerError)
}

func (m *manager) open(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.terminated:
		m.mu.Unlock()
		return ErrSessionTerminated
	case m.opened:
		m.mu.Unlock()
		return nil
	}
	m.opened = true
	m.ctx = ctx
	m.registerHandlers()
	var fx effects
	m.setStateLocked(StateConnecting, &fx)
	m.mu.Unlock()
	fx.run()

	m.logger.Info("Connecting")
	if err := m.ch.Connect(ctx); err != nil {
		e := &Error{Kind: KindTransport, Op: "connect", Err: err}
		m.reportLocal(e, nil)
		return e
	}
	return nil
}

// setStateLocked moves the state machine and queues the state-change
// callback. Invalid transitions are logged and refused.
func (m *manager) setStateLocked(to ConnectionState, fx *effects) bool {
	from := m.state
	if !canTransition(from, to) {
		m.logger.Warn("Ignoring invalid state transition", "from", from, "to", to)
		return false
	}
	if from == to {
		return true
	}
	m.state = to
	m.logger.Debug("State changed", "from", from, "to", to)
	if fn := m.cb.onStateChange(); fn != nil {
		fx.add(func() { fn(from, to) })
	}
	return true
}

// usableLocked returns the error every operation fails with once the
// session is over.
func (m *manager) usableLocked() error {
	if m.closed {
		return ErrClosed
	}
	if m.terminated {
		return ErrSessionTerminated
	}
	return nil
}

func (m *manager) handleConnect() {
	m.mu.Lock()
	if m.usableLocked() != nil {
		m.mu.Unlock()
		return
	}
	var fx effects
	m.stopRetryLocked()
	m.stopAuthTimerLocked()
	m.setStateLocked(StateConnected, &fx)
	m.connLive = true
	keyErr := m.crypto.NewSessionKey()
	m.startHeartbeatLocked()
	authErr := m.authenticateLocked(&fx)
	m.mu.Unlock()
	fx.run()

	m.logger.Info("Connected")
	if keyErr != nil {
		m.reportLocal(&Error{Kind: KindCrypto, Op: "session_key", Err: keyErr}, nil)
	}
	if authErr != nil {
		m.reportLocal(&Error{Kind: KindTransport, Op: EventAuthenticate, Err: authErr}, nil)
	}
}

// authenticateLocked emits the authenticate request and moves to
// Authenticating. On emit failure the state stays Connected.
func (m *manager) authenticateLocked(fx *effects) error {
	err := m.ch.Emit(EventAuthenticate, authenticatePayload{
		UserType:    m.creds.UserType(),
		Credentials: m.creds,
	})
	if err != nil {
		return err
	}
	m.logger.Debug("Authenticating", "credentials", m.creds)
	m.setStateLocked(StateAuthenticating, fx)
	return nil
}

func (m *manager) handleAuthenticated() {
	m.mu.Lock()
	if m.usableLocked() != nil {
		m.mu.Unlock()
		return
	}
	var fx effects
	if !m.setStateLocked(StateAuthenticated, &fx) {
		m.mu.Unlock()
		return
	}
	m.authFailures = 0
	m.stopAuthTimerLocked()
	p := m.pending
	m.pending = nil
	var flushErr error
	if p != nil {
		flushErr = m.gw.flushLocked(p)
	}
	m.mu.Unlock()
	fx.run()

	m.logger.Info("Authenticated")
	if p != nil {
		m.logger.Debug("Flushed pending prompt", "ref_id", p.RefID)
	}
	if flushErr != nil {
		m.reportLocal(flushErr, map[string]any{"ref_id": p.RefID})
	}
	if fn := m.cb.onAuthenticated(); fn != nil {
		fn()
	}
}

func (m *manager) handleAuthenticationFailed(data json.RawMessage) {
	authErr := &Error{Kind: KindAuthentication, Op: EventAuthenticationFailed, Message: payloadText(data)}

	m.mu.Lock()
	if m.usableLocked() != nil {
		m.mu.Unlock()
		return
	}
	var fx effects
	m.setStateLocked(StateConnected, &fx)
	m.authFailures++
	attempt := m.authFailures
	exhausted := attempt > m.cfg.authRetryLimit
	if !exhausted {
		m.stopAuthTimerLocked()
		gen := m.authGen
		m.authTimer = time.AfterFunc(m.cfg.retryDelay, func() { m.retryAuthentication(gen) })
	}
	m.mu.Unlock()
	fx.run()

	m.logger.Warn("Authentication failed", "attempt", attempt, "limit", m.cfg.authRetryLimit, "message", authErr.Message)
	m.reportLocal(authErr, map[string]any{"attempt": attempt})
	if exhausted {
		m.terminate(CauseAuthentication, authErr)
	}
}

// retryAuthentication runs when the auth timer of generation gen fires. A
// timer stopped or replaced after it fired finds a newer generation and
// does nothing.
func (m *manager) retryAuthentication(gen uint64) {
	m.mu.Lock()
	if gen != m.authGen {
		m.mu.Unlock()
		return
	}
	m.authTimer = nil
	if m.usableLocked() != nil || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	var fx effects
	err := m.authenticateLocked(&fx)
	m.mu.Unlock()
	fx.run()

	if err != nil {
		m.reportLocal(&Error{Kind: KindTransport, Op: EventAuthenticate, Err: err}, nil)
	}
}

func (m *manager) handleDisconnect(data json.RawMessage) {
	m.disconnected(payloadText(data))
}

// disconnected is the disconnect path shared by the channel event and
// close. Each connection is consumed once: it publishes one termination
// when RestartOnDisconnect and the restart flag are both set, and a
// disconnect event that races close finds the connection already gone.
func (m *manager) disconnected(reason string) {
	m.mu.Lock()
	live := m.connLive
	m.connLive = false
	var fx effects
	m.setStateLocked(StateDisconnected, &fx)
	m.stopHeartbeatLocked()
	m.stopAuthTimerLocked()
	m.crypto.Reset()
	restart := m.restart
	signal := live && m.cfg.restartOnDisconnect && restart
	m.mu.Unlock()
	fx.run()

	if !live {
		return
	}
	m.logger.Info("Disconnected", "reason", reason)
	if signal {
		m.publishTermination(Termination{Cause: CauseDisconnect, Reason: reason, Restart: restart})
	}
}

func (m *manager) handleConnectError(data json.RawMessage) {
	msg := payloadText(data)

	m.mu.Lock()
	if m.usableLocked() != nil {
		m.mu.Unlock()
		return
	}
	var fx effects
	if m.state != StateReconnecting {
		m.setStateLocked(StateReconnecting, &fx)
	}
	scheduled := m.scheduleRetryLocked()
	m.mu.Unlock()
	fx.run()

	m.reportLocal(&Error{Kind: KindTransport, Op: channel.EventConnectError, Message: msg},
		map[string]any{"retry_scheduled": scheduled})
}

func (m *manager) handleReconnect(data json.RawMessage) {
	attempt := parseAttempt(data)

	m.mu.Lock()
	if m.usableLocked() != nil {
		m.mu.Unlock()
		return
	}
	st := m.state
	m.mu.Unlock()

	m.logger.Info("Reconnected", "attempt", attempt)
	switch st {
	case StateConnected, StateAuthenticating, StateAuthenticated:
		// The channel already fired connect for this connection.
		return
	}
	m.handleConnect()
}

func (m *manager) handleReconnectAttempt(data json.RawMessage) {
	m.mu.Lock()
	if m.usableLocked() != nil {
		m.mu.Unlock()
		return
	}
	var fx effects
	if m.state != StateReconnecting {
		m.setStateLocked(StateReconnecting, &fx)
	}
	m.mu.Unlock()
	fx.run()

	m.logger.Debug("Reconnect attempt", "attempt", parseAttempt(data))
}

func (m *manager) handleReconnectFailed(json.RawMessage) {
	m.mu.Lock()
	if m.usableLocked() != nil {
		m.mu.Unlock()
		return
	}
	scheduled := m.scheduleRetryLocked()
	m.mu.Unlock()

	m.reportLocal(&Error{Kind: KindTransport, Op: channel.EventReconnectFailed, Message: "reconnection attempts exhausted"},
		map[string]any{"retry_scheduled": scheduled})
}

// scheduleRetryLocked arms the manual retry timer unless one is already
// armed. It reports whether a new timer was created.
func (m *manager) scheduleRetryLocked() bool {
	if m.retryTimer != nil {
		return false
	}
	gen := m.retryGen
	m.retryTimer = time.AfterFunc(m.cfg.retryDelay, func() { m.retryConnect(gen) })
	return true
}

func (m *manager) retryConnect(gen uint64) {
	m.mu.Lock()
	if gen != m.retryGen {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	if m.usableLocked() != nil {
		m.mu.Unlock()
		return
	}
	switch m.state {
	case StateConnected, StateAuthenticating, StateAuthenticated:
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	m.logger.Debug("Retrying connection")
	if err := m.ch.Connect(ctx); err != nil {
		m.reportLocal(&Error{Kind: KindTransport, Op: "retry", Err: err}, nil)
	}
}

// stopRetryLocked stops the retry timer and retires its generation, so a
// callback that already fired is ignored.
func (m *manager) stopRetryLocked() {
	m.retryGen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *manager) stopAuthTimerLocked() {
	m.authGen++
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
}

func (m *manager) startHeartbeatLocked() {
	m.stopHeartbeatLocked()
	if m.cfg.heartbeatInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	m.hbStop = stop
	go m.heartbeat(stop, m.cfg.heartbeatInterval)
}

func (m *manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

func (m *manager) heartbeat(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if err := m.ch.Emit(EventPing, now.UnixMilli()); err != nil {
				m.logger.Debug("Heartbeat ping failed", "error", err)
			}
		}
	}
}

func (m *manager) handlePong(json.RawMessage) {
	m.mu.Lock()
	m.lastPong = time.Now()
	m.mu.Unlock()
}

func (m *manager) handleAgentPublicKey(data json.RawMessage) {
	if err := m.crypto.HandlePeerKey(data); err != nil {
		m.reportLocal(&Error{Kind: KindCrypto, Op: sessioncrypto.EventAgentPublicKey, Err: err}, nil)
		return
	}
	m.logger.Debug("Key exchange completed")
}

// close tears the session down. The disconnect path then runs once locally
// so restart decides whether a termination is published.
func (m *manager) close(restart bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.restart = restart
	wasTerminated := m.terminated
	m.stopRetryLocked()
	m.stopAuthTimerLocked()
	m.stopHeartbeatLocked()
	m.pending = nil
	m.mu.Unlock()

	m.ch.OffAll()
	m.crypto.Destroy()
	err := m.ch.Disconnect()
	if !wasTerminated {
		m.disconnected(channel.ReasonClientDisconnect)
	}
	m.finish()

	if err != nil {
		return &Error{Kind: KindTransport, Op: "disconnect", Err: err}
	}
	return nil
}

// terminate ends the session after a fatal error.
func (m *manager) terminate(cause TerminationCause, err error) {
	m.mu.Lock()
	if m.terminated || m.closed {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	m.connLive = false
	restart := m.restart
	m.stopRetryLocked()
	m.stopAuthTimerLocked()
	m.stopHeartbeatLocked()
	m.pending = nil
	var fx effects
	m.setStateLocked(StateDisconnected, &fx)
	m.mu.Unlock()
	fx.run()

	m.ch.OffAll()
	m.crypto.Destroy()
	if dErr := m.ch.Disconnect(); dErr != nil {
		m.logger.Debug("Disconnect after termination failed", "error", dErr)
	}
	m.logger.Error("Session terminated", "cause", cause, "error", err)
	m.finish()
	m.publishTermination(Termination{Cause: cause, Restart: restart, Err: err})
}

func (m *manager) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

func (m *manager) publishTermination(t Termination) {
	m.logger.Warn("Termination signalled", "cause", t.Cause, "reason", t.Reason, "restart", t.Restart)
	if fn := m.cb.onTerminated(); fn != nil {
		fn(t)
	}
}

func (m *manager) reportContext(extras map[string]any) (context.Context, map[string]any) {
	m.mu.Lock()
	ctx := m.ctx
	state := m.state
	m.mu.Unlock()

	out := make(map[string]any, len(extras)+1)
	for k, v := range extras {
		out[k] = v
	}
	out["state"] = state.String()
	return ctx, out
}

// reportLocal forwards an error caught by the client to telemetry, then to
// the error handler.
func (m *manager) reportLocal(err error, extras map[string]any) {
	ctx, extras := m.reportContext(extras)
	m.reporter.Report(ctx, err, extras)
	if fn := m.cb.onError(); fn != nil {
		fn(err)
	}
}

// reportServer delivers a service error event to the error handler first,
// then to telemetry.
func (m *manager) reportServer(err error, extras map[string]any) {
	if fn := m.cb.onError(); fn != nil {
		fn(err)
	}
	ctx, extras := m.reportContext(extras)
	m.reporter.Report(ctx, err, extras)
}

func (m *manager) currentState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *manager) lastPongAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}
