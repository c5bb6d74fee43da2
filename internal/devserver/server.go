// Package devserver is a local stand-in for the Fullmetal prompt service.
//
// It speaks the same event protocol as the real service over a WebSocket:
// authentication, prompts and responses, queue updates, heartbeats and the
// session key handshake. Prompts are answered by a Respond function, an
// echo by default. `fullmetal devserver` runs it, and the SDK tests dial it.
package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RespondFunc produces the answer to a prompt.
type RespondFunc func(ctx context.Context, prompt string, options map[string]any) (string, error)

// Echo answers every prompt with "echo: <prompt>".
func Echo(_ context.Context, prompt string, _ map[string]any) (string, error) {
	return "echo: " + prompt, nil
}

// Options configures a Server.
type Options struct {
	// APIKeys lists the accepted keys. Empty accepts any non-empty key.
	APIKeys []string

	// Respond answers prompts. Default: Echo.
	Respond RespondFunc

	// QueueUpdates sends a responseQueuedNumber event before each response.
	QueueUpdates bool

	// ResponseDelay is waited before each response.
	ResponseDelay time.Duration

	// PromptRate limits prompts per second per connection. 0 is unlimited.
	PromptRate  float64
	PromptBurst int

	// PingPeriod is the WebSocket ping interval. Default: 30s
	PingPeriod time.Duration
	// PongWait is how long to wait for a ping answer. Default: 60s
	PongWait time.Duration
	// WriteWait bounds each write. Default: 10s
	WriteWait time.Duration
	// SendBufferSize bounds queued outbound frames. Default: 256
	SendBufferSize int
	// MaxMessageSize bounds inbound frames. Default: 1 MiB
	MaxMessageSize int64

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Respond == nil {
		o.Respond = Echo
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.PromptBurst <= 0 {
		o.PromptBurst = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Server serves the event protocol on any path. It is an http.Handler.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New returns a Server.
func New(opts Options) *Server {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local development tool: any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*conn]struct{}),
	}
}

func (s *Server) acceptKey(key string) bool {
	if key == "" {
		return false
	}
	return len(s.opts.APIKeys) == 0 || slices.Contains(s.opts.APIKeys, key)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	c := newConn(s, ws, clientIP(r))
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
	}()
	c.serve(s.ctx)
}

// Handler serves the protocol at /ws and a liveness probe at /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Drop closes every open connection without a close handshake, as a crashed
// or restarted service would. The server keeps accepting connections.
func (s *Server) Drop() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// Emit sends an event to every authenticated connection.
func (s *Server) Emit(event string, payload any) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if c.isAuthenticated() {
			c.emit(event, payload)
		}
	}
}

// Close stops accepting connections, closes the open ones and waits for
// their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.Drop()
	s.wg.Wait()
}

// ListenAndServe serves Handler on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
