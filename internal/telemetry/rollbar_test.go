package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/inercia/fullmetal/internal/config"
	"github.com/inercia/fullmetal/pkg/fullmetal"
)

type itemServer struct {
	*httptest.Server
	mu     sync.Mutex
	items  []string
	tokens []string
}

func newItemServer(t *testing.T) *itemServer {
	s := &itemServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.items = append(s.items, string(body))
		s.tokens = append(s.tokens, r.Header.Get("X-Rollbar-Access-Token"))
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"err":0,"result":{"id":null,"uuid":"x"}}`)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *itemServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.items...)
}

func (s *itemServer) receivedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func TestRollbar_Report(t *testing.T) {
	srv := newItemServer(t)
	rb, err := NewRollbar(RollbarOptions{
		Token:    "tok-123",
		Endpoint: srv.URL + "/api/1/item/",
		Sync:     true,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rb.Close()

	reportErr := &fullmetal.Error{Kind: fullmetal.KindTransport, Op: "connect_error", Message: "dial refused"}
	rb.Report(context.Background(), reportErr, map[string]any{"state": "reconnecting"})
	rb.Report(context.Background(), nil, nil)

	items := srv.received()
	if len(items) != 1 {
		t.Fatalf("received %d items, want 1", len(items))
	}
	if tokens := srv.receivedTokens(); tokens[0] != "tok-123" {
		t.Errorf("access token header = %q, want %q", tokens[0], "tok-123")
	}
	for _, want := range []string{"dial refused", "reconnecting", "connect_error", `"error"`, DefaultEnvironment} {
		if !strings.Contains(items[0], want) {
			t.Errorf("item missing %q: %s", want, items[0])
		}
	}
}

func TestNewRollbar_RequiresToken(t *testing.T) {
	if _, err := NewRollbar(RollbarOptions{}, nil); err == nil {
		t.Error("NewRollbar without token succeeded")
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain", errors.New("x"), "error"},
		{"transport", &fullmetal.Error{Kind: fullmetal.KindTransport}, "error"},
		{"stop execution", &fullmetal.Error{Kind: fullmetal.KindProtocol, StopExecution: true}, "critical"},
		{"terminated", fullmetal.ErrSessionTerminated, "critical"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Level(tt.err); got != tt.want {
				t.Errorf("Level() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	r, closeFn, err := FromConfig(config.TelemetryConfig{}, "dev", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(fullmetal.LogReporter); !ok {
		t.Errorf("reporter without token = %T, want LogReporter", r)
	}
	if err := closeFn(); err != nil {
		t.Error(err)
	}

	r, closeFn, err = FromConfig(config.TelemetryConfig{RollbarToken: "t", Environment: "test"}, "dev", nil)
	if err != nil {
		t.Fatal(err)
	}
	multi, ok := r.(fullmetal.MultiReporter)
	if !ok || len(multi) != 2 {
		t.Fatalf("reporter with token = %#v", r)
	}
	if _, ok := multi[1].(*Rollbar); !ok {
		t.Errorf("second reporter = %T", multi[1])
	}
	closeFn()
}
