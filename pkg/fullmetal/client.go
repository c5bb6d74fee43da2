package fullmetal

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/fullmetal/pkg/channel"
	"github.com/inercia/fullmetal/pkg/sessioncrypto"
)

// Defaults applied by New.
const (
	DefaultURL                = "ws://localhost:5000/ws"
	DefaultUserType           = "client"
	DefaultRetryDelay         = 5 * time.Second
	DefaultHeartbeatInterval  = 25 * time.Second
	DefaultKeyExchangeTimeout = sessioncrypto.DefaultKeyExchangeTimeout
	DefaultAuthRetryLimit     = 3
)

// Options configures a Client.
type Options struct {
	// APIKey is required.
	APIKey string

	// DoRestart is the initial restart flag. Nil means true.
	DoRestart *bool

	// RestartOnDisconnect publishes a Termination on every disconnect while
	// the restart flag is set.
	RestartOnDisconnect bool

	// UserType is sent with authenticate. Default: "client".
	UserType string

	// Extra fields are forwarded verbatim inside the credentials object.
	Extra map[string]any

	// URL of the service. Default: DefaultURL. Ignored with WithChannel.
	URL string

	// Channel tunes the WebSocket channel. Ignored with WithChannel.
	Channel channel.Options

	// RetryDelay is the fixed delay for manual reconnect and
	// re-authentication retries. Default: 5 seconds.
	RetryDelay time.Duration

	// HeartbeatInterval is the interval between ping events.
	// Default: 25 seconds. Negative disables the heartbeat.
	HeartbeatInterval time.Duration

	// KeyExchangeTimeout bounds PerformKeyExchange. Default: 10 seconds.
	KeyExchangeTimeout time.Duration

	// AuthRetryLimit is how many authentication failures are retried before
	// the session terminates. Default: 3. Negative means no retries.
	AuthRetryLimit int

	// EncryptPrompts encrypts every prompt after a key exchange and
	// decrypts encrypted responses.
	EncryptPrompts bool
}

// Bool returns a pointer to b, for Options.DoRestart.
func Bool(b bool) *bool {
	return &b
}

// Option customises a Client beyond Options.
type Option func(*Client)

// WithChannel uses ch instead of dialing a WebSocket.
func WithChannel(ch channel.Channel) Option {
	return func(c *Client) {
		c.ch = ch
	}
}

// WithReporter sets the telemetry sink. Default: LogReporter.
func WithReporter(r Reporter) Option {
	return func(c *Client) {
		c.reporter = r
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Client is the fullmetal SDK entry point. It keeps an authenticated,
// auto-reconnecting connection and exposes the prompt API over it.
// It is safe for concurrent use.
type Client struct {
	*Gateway

	id       string
	ch       channel.Channel
	reporter Reporter
	logger   *slog.Logger
	m        *manager
	cfg      managerConfig
}

// New validates opts and wires a Client. It does not connect; call Open.
func New(opts Options, options ...Option) (*Client, error) {
	creds, err := NewCredentials(opts.APIKey, opts.UserType, opts.Extra)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Op: "new", Err: ErrMissingAPIKey}
	}

	c := &Client{id: uuid.NewString()}
	for _, o := range options {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("client_id", c.id)
	if c.reporter == nil {
		c.reporter = LogReporter{Logger: c.logger}
	}

	if c.ch == nil {
		chOpts := opts.Channel
		chOpts.URL = opts.URL
		if chOpts.URL == "" {
			chOpts.URL = DefaultURL
		}
		ws, err := channel.NewWebSocket(chOpts, c.logger)
		if err != nil {
			return nil, &Error{Kind: KindConfiguration, Op: "new", Message: "invalid url", Err: err}
		}
		c.ch = ws
	}

	c.cfg = resolveConfig(opts)
	c.m = newManager(c.ch, creds, c.cfg, c.logger, c.reporter)
	c.Gateway = c.m.gw
	return c, nil
}

func resolveConfig(opts Options) managerConfig {
	cfg := managerConfig{
		restartOnDisconnect: opts.RestartOnDisconnect,
		doRestart:           true,
		retryDelay:          opts.RetryDelay,
		heartbeatInterval:   opts.HeartbeatInterval,
		keyExchangeTimeout:  opts.KeyExchangeTimeout,
		authRetryLimit:      opts.AuthRetryLimit,
		encryptPrompts:      opts.EncryptPrompts,
	}
	if opts.DoRestart != nil {
		cfg.doRestart = *opts.DoRestart
	}
	if cfg.retryDelay <= 0 {
		cfg.retryDelay = DefaultRetryDelay
	}
	if cfg.heartbeatInterval == 0 {
		cfg.heartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.keyExchangeTimeout <= 0 {
		cfg.keyExchangeTimeout = DefaultKeyExchangeTimeout
	}
	switch {
	case cfg.authRetryLimit == 0:
		cfg.authRetryLimit = DefaultAuthRetryLimit
	case cfg.authRetryLimit < 0:
		cfg.authRetryLimit = 0
	}
	return cfg
}

// Dial is New followed by Open.
func Dial(ctx context.Context, opts Options, options ...Option) (*Client, error) {
	c, err := New(opts, options...)
	if err != nil {
		return nil, err
	}
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Open registers the channel handlers and starts connecting. ctx bounds
// the lifetime of the connection, not just the first attempt.
func (c *Client) Open(ctx context.Context) error {
	return c.m.open(ctx)
}

// ID identifies this client instance in logs and telemetry.
func (c *Client) ID() string {
	return c.id
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return c.m.currentState()
}

// IsAuthenticated reports whether the server has acknowledged authentication
// on the current connection.
func (c *Client) IsAuthenticated() bool {
	return c.State() == StateAuthenticated
}

// LastPong returns when the last pong arrived, or the zero time.
func (c *Client) LastPong() time.Time {
	return c.m.lastPongAt()
}

// OnAuthenticated sets the handler run after every successful authentication.
func (c *Client) OnAuthenticated(fn func()) {
	c.m.cb.setAuthenticated(fn)
}

// OnTerminated sets the termination handler. See Termination.
func (c *Client) OnTerminated(fn func(Termination)) {
	c.m.cb.setTerminated(fn)
}

// OnStateChange sets the state transition observer.
func (c *Client) OnStateChange(fn StateChangeFunc) {
	c.m.cb.setStateChange(fn)
}

// Done is closed once the client is closed or the session is fatally
// terminated.
func (c *Client) Done() <-chan struct{} {
	return c.m.done
}

// PerformKeyExchange negotiates the peer key for the current connection,
// bounded by Options.KeyExchangeTimeout and ctx.
func (c *Client) PerformKeyExchange(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.m.crypto.PerformKeyExchange(ctx, c.cfg.keyExchangeTimeout); err != nil {
		return &Error{Kind: KindCrypto, Op: "key_exchange", Err: err}
	}
	return nil
}

// Encrypt seals plaintext for the service. It fails with an error matching
// sessioncrypto.ErrNoPeerKey until PerformKeyExchange has succeeded.
func (c *Client) Encrypt(plaintext string) (string, error) {
	ct, err := c.m.crypto.Encrypt([]byte(plaintext))
	if err != nil {
		return "", &Error{Kind: KindCrypto, Op: "encrypt", Err: err}
	}
	return ct, nil
}

// Decrypt opens a message the service sealed for this connection.
func (c *Client) Decrypt(ciphertext string) (string, error) {
	pt, err := c.m.crypto.Decrypt(ciphertext)
	if err != nil {
		return "", &Error{Kind: KindCrypto, Op: "decrypt", Err: err}
	}
	return string(pt), nil
}

// DisconnectConnection stops timers, unregisters every handler and closes
// the channel. restart becomes the restart flag for the final disconnect,
// so with RestartOnDisconnect a true value publishes one Termination.
func (c *Client) DisconnectConnection(restart bool) error {
	return c.m.close(restart)
}

// Close is DisconnectConnection(false).
func (c *Client) Close() error {
	return c.m.close(false)
}

func (c *Client) usable() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.m.usableLocked()
}
