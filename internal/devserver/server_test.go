package devserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/fullmetal/pkg/channel"
	"github.com/inercia/fullmetal/pkg/fullmetal"
)

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	s := New(opts)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return s, strings.Replace(hs.URL, "http://", "ws://", 1) + "/ws"
}

func dial(t *testing.T, url string, mutate func(*fullmetal.Options)) *fullmetal.Client {
	t.Helper()
	opts := fullmetal.Options{
		APIKey:            "dev-key",
		URL:               url,
		RetryDelay:        50 * time.Millisecond,
		HeartbeatInterval: -1,
		Channel: channel.Options{
			ReconnectionDelay:    10 * time.Millisecond,
			ReconnectionDelayMax: 50 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := fullmetal.New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type responses struct {
	mu   sync.Mutex
	got  []fullmetal.Response
	errs []error
	ch   chan struct{}
}

func collect(c *fullmetal.Client) *responses {
	r := &responses{ch: make(chan struct{}, 16)}
	c.OnResponse(func(resp fullmetal.Response) {
		r.mu.Lock()
		r.got = append(r.got, resp)
		r.mu.Unlock()
		r.ch <- struct{}{}
	})
	c.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
		r.ch <- struct{}{}
	})
	return r
}

func (r *responses) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a response or error")
	}
}

func (r *responses) last() (fullmetal.Response, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var resp fullmetal.Response
	if len(r.got) > 0 {
		resp = r.got[len(r.got)-1]
	}
	return resp, append([]error(nil), r.errs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServer_PromptRoundTrip(t *testing.T) {
	_, url := startServer(t, Options{})
	c := dial(t, url, nil)
	r := collect(c)

	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	refID, err := c.SendPromptAfterAuthentication("hello", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	r.wait(t)

	resp, errs := r.last()
	if len(errs) != 0 {
		t.Fatalf("errors = %v", errs)
	}
	if resp.RefID != refID || resp.Text() != "echo: hello" {
		t.Errorf("response = %+v (%q)", resp, resp.Text())
	}
	if !c.IsAuthenticated() {
		t.Errorf("State() = %v", c.State())
	}
}

func TestServer_EncryptedPrompts(t *testing.T) {
	_, url := startServer(t, Options{})
	c := dial(t, url, func(o *fullmetal.Options) { o.EncryptPrompts = true })
	r := collect(c)

	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SendPromptAfterAuthentication("secret", "ref-1", nil); err != nil {
		t.Fatal(err)
	}
	r.wait(t)

	resp, errs := r.last()
	if len(errs) != 0 {
		t.Fatalf("errors = %v", errs)
	}
	if resp.RefID != "ref-1" || !resp.Encrypted || resp.Text() != "echo: secret" {
		t.Errorf("response = %+v (%q)", resp, resp.Text())
	}

	ct, err := c.Encrypt("local")
	if err != nil {
		t.Fatalf("Encrypt after exchange: %v", err)
	}
	if ct == "" || strings.Contains(ct, "local") {
		t.Errorf("ciphertext = %q", ct)
	}
}

func TestServer_AuthenticationFailureTerminates(t *testing.T) {
	_, url := startServer(t, Options{APIKeys: []string{"the-key"}})
	c := dial(t, url, func(o *fullmetal.Options) {
		o.APIKey = "wrong"
		o.AuthRetryLimit = 1
	})

	terminated := make(chan fullmetal.Termination, 1)
	c.OnTerminated(func(tm fullmetal.Termination) { terminated <- tm })
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case tm := <-terminated:
		if tm.Cause != fullmetal.CauseAuthentication || !tm.Fatal() {
			t.Errorf("termination = %+v", tm)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no termination")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after fatal termination")
	}
}

func TestServer_StopExecution(t *testing.T) {
	_, url := startServer(t, Options{})
	c := dial(t, url, nil)
	r := collect(c)
	terminated := make(chan fullmetal.Termination, 1)
	c.OnTerminated(func(tm fullmetal.Termination) { terminated <- tm })

	c.Open(context.Background())
	c.SendPromptAfterAuthentication("x", "", map[string]any{
		OptionError:         "quota exhausted",
		OptionStopExecution: true,
	})
	r.wait(t)

	_, errs := r.last()
	var ferr *fullmetal.Error
	if len(errs) != 1 || !errors.As(errs[0], &ferr) || !ferr.StopExecution || ferr.Message != "quota exhausted" {
		t.Fatalf("errors = %v", errs)
	}
	select {
	case tm := <-terminated:
		if tm.Cause != fullmetal.CauseStopExecution {
			t.Errorf("termination = %+v", tm)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no termination")
	}
}

func TestServer_QueueUpdates(t *testing.T) {
	_, url := startServer(t, Options{QueueUpdates: true})
	c := dial(t, url, nil)
	r := collect(c)
	queued := make(chan fullmetal.QueueUpdate, 1)
	c.OnResponseQueue(func(u fullmetal.QueueUpdate) { queued <- u })

	c.Open(context.Background())
	refID, _ := c.SendPromptAfterAuthentication("q", "", nil)

	select {
	case u := <-queued:
		if u.RefID != refID || u.Position != 0 {
			t.Errorf("queue update = %+v", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no queue update")
	}
	r.wait(t)
}

func TestServer_ReconnectAfterDrop(t *testing.T) {
	s, url := startServer(t, Options{})
	c := dial(t, url, nil)
	r := collect(c)

	var mu sync.Mutex
	authCount := 0
	c.OnAuthenticated(func() {
		mu.Lock()
		authCount++
		mu.Unlock()
	})
	c.Open(context.Background())
	waitFor(t, "first authentication", c.IsAuthenticated)

	s.Drop()
	waitFor(t, "re-authentication", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return authCount >= 2 && c.IsAuthenticated()
	})

	if _, err := c.SendPrompt(context.Background(), "again", "", nil); err != nil {
		t.Fatal(err)
	}
	r.wait(t)
	if resp, _ := r.last(); resp.Text() != "echo: again" {
		t.Errorf("response after reconnect = %q", resp.Text())
	}
}

func TestServer_Heartbeat(t *testing.T) {
	_, url := startServer(t, Options{})
	c := dial(t, url, func(o *fullmetal.Options) { o.HeartbeatInterval = 20 * time.Millisecond })
	c.Open(context.Background())

	waitFor(t, "pong", func() bool { return !c.LastPong().IsZero() })
}

func TestServer_RateLimit(t *testing.T) {
	_, url := startServer(t, Options{PromptRate: 0.001, PromptBurst: 1})
	c := dial(t, url, nil)
	r := collect(c)
	c.Open(context.Background())
	waitFor(t, "authentication", c.IsAuthenticated)

	c.SendPrompt(context.Background(), "one", "", nil)
	r.wait(t)
	c.SendPrompt(context.Background(), "two", "", nil)
	r.wait(t)

	_, errs := r.last()
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "rate limit") {
		t.Errorf("errors = %v", errs)
	}
}

func TestServer_RejectsUnauthenticatedPrompt(t *testing.T) {
	_, url := startServer(t, Options{})

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	frame, _ := channel.EncodeFrame(fullmetal.EventPrompt, map[string]string{"prompt": "x", "refId": "r"})
	ws.WriteMessage(websocket.TextMessage, frame)

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	f, err := channel.ParseFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Event != fullmetal.EventError || !strings.Contains(string(f.Data), "not authenticated") {
		t.Errorf("frame = %s %s", f.Event, f.Data)
	}
}

func TestServer_HealthzAndClose(t *testing.T) {
	s := New(Options{})
	hs := httptest.NewServer(s.Handler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	s.Close()
	s.Close()
	url := strings.Replace(hs.URL, "http://", "ws://", 1) + "/ws"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("dial after Close succeeded")
	}
	if s.ConnCount() != 0 {
		t.Errorf("ConnCount() = %d", s.ConnCount())
	}
}

func TestAcceptKey(t *testing.T) {
	open := New(Options{})
	restricted := New(Options{APIKeys: []string{"a", "b"}})
	tests := []struct {
		s    *Server
		key  string
		want bool
	}{
		{open, "", false},
		{open, "anything", true},
		{restricted, "b", true},
		{restricted, "c", false},
	}
	for _, tt := range tests {
		if got := tt.s.acceptKey(tt.key); got != tt.want {
			t.Errorf("acceptKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
