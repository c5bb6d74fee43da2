package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoServer answers every frame with "echo:<event>" carrying the same data.
// A frame with event "close" makes the server drop the connection.
func echoServer(t *testing.T, accepted *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accepted.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := ParseFrame(data)
			if err != nil {
				continue
			}
			if f.Event == "close" {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
				return
			}
			out, _ := json.Marshal(Frame{Event: "echo:" + f.Event, Data: f.Data})
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
}

func testOptions(server *httptest.Server) Options {
	return Options{
		URL:                  "ws" + strings.TrimPrefix(server.URL, "http"),
		ConnectTimeout:       2 * time.Second,
		ReconnectionDelay:    10 * time.Millisecond,
		ReconnectionDelayMax: 20 * time.Millisecond,
		PingInterval:         time.Second,
		PingTimeout:          time.Second,
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestWebSocket_ConnectEmitReceive(t *testing.T) {
	var accepted atomic.Int32
	server := echoServer(t, &accepted)
	defer server.Close()

	ws, err := NewWebSocket(testOptions(server), nil)
	if err != nil {
		t.Fatalf("NewWebSocket() error = %v", err)
	}

	connected := make(chan struct{}, 1)
	echoed := make(chan string, 1)
	ws.On(EventConnect, func(json.RawMessage) {
		// Emitting from the connect handler is how authentication starts.
		if err := ws.Emit("authenticate", map[string]string{"userType": "client"}); err != nil {
			t.Errorf("Emit() from connect handler error = %v", err)
		}
		connected <- struct{}{}
	})
	ws.On("echo:authenticate", func(data json.RawMessage) {
		echoed <- string(data)
	})

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ws.Disconnect()

	waitFor(t, connected, "connect")
	got := waitFor(t, echoed, "echo")
	if got != `{"userType":"client"}` {
		t.Errorf("echo payload = %s", got)
	}
}

func TestWebSocket_EmitWhileDisconnected(t *testing.T) {
	ws, err := NewWebSocket(Options{URL: "ws://127.0.0.1:1"}, nil)
	if err != nil {
		t.Fatalf("NewWebSocket() error = %v", err)
	}
	if err := ws.Emit("ping", 1); err != ErrNotConnected {
		t.Errorf("Emit() error = %v, want ErrNotConnected", err)
	}
}

func TestWebSocket_ReconnectsAfterServerClose(t *testing.T) {
	var accepted atomic.Int32
	server := echoServer(t, &accepted)
	defer server.Close()

	ws, err := NewWebSocket(testOptions(server), nil)
	if err != nil {
		t.Fatalf("NewWebSocket() error = %v", err)
	}

	connects := make(chan struct{}, 4)
	reasons := make(chan string, 4)
	reconnects := make(chan int, 4)
	ws.On(EventConnect, func(json.RawMessage) { connects <- struct{}{} })
	ws.On(EventDisconnect, func(data json.RawMessage) {
		var reason string
		json.Unmarshal(data, &reason)
		reasons <- reason
	})
	ws.On(EventReconnect, func(data json.RawMessage) {
		var n int
		json.Unmarshal(data, &n)
		reconnects <- n
	})

	ws.Connect(context.Background())
	defer ws.Disconnect()

	waitFor(t, connects, "first connect")
	if err := ws.Emit("close", nil); err != nil {
		t.Fatalf("Emit(close) error = %v", err)
	}

	if reason := waitFor(t, reasons, "disconnect"); reason != ReasonTransportClose {
		t.Errorf("disconnect reason = %q, want %q", reason, ReasonTransportClose)
	}
	waitFor(t, connects, "second connect")
	if n := waitFor(t, reconnects, "reconnect"); n != 1 {
		t.Errorf("reconnect attempt = %d, want 1", n)
	}
	if accepted.Load() != 2 {
		t.Errorf("server accepted %d connections, want 2", accepted.Load())
	}
}

func TestWebSocket_DisconnectReason(t *testing.T) {
	var accepted atomic.Int32
	server := echoServer(t, &accepted)
	defer server.Close()

	ws, _ := NewWebSocket(testOptions(server), nil)
	connected := make(chan struct{}, 1)
	reasons := make(chan string, 1)
	ws.On(EventConnect, func(json.RawMessage) { connected <- struct{}{} })
	ws.On(EventDisconnect, func(data json.RawMessage) {
		var reason string
		json.Unmarshal(data, &reason)
		reasons <- reason
	})

	ws.Connect(context.Background())
	waitFor(t, connected, "connect")
	ws.Disconnect()

	if reason := waitFor(t, reasons, "disconnect"); reason != ReasonClientDisconnect {
		t.Errorf("reason = %q, want %q", reason, ReasonClientDisconnect)
	}
}

func TestWebSocket_ConnectErrorAndGiveUp(t *testing.T) {
	// Grab a free port and close it so dials are refused.
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	ws, _ := NewWebSocket(Options{
		URL:                  url,
		ConnectTimeout:       time.Second,
		ReconnectionDelay:    5 * time.Millisecond,
		ReconnectionDelayMax: 5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, nil)

	var connectErrors, attempts atomic.Int32
	failed := make(chan struct{})
	ws.On(EventConnectError, func(json.RawMessage) { connectErrors.Add(1) })
	ws.On(EventReconnectAttempt, func(json.RawMessage) { attempts.Add(1) })
	ws.On(EventReconnectFailed, func(json.RawMessage) { close(failed) })

	ws.Connect(context.Background())
	waitFor(t, failed, "reconnect_failed")

	if got := connectErrors.Load(); got != 3 {
		t.Errorf("connect_error count = %d, want 3", got)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("reconnect_attempt count = %d, want 2", got)
	}
}

func TestWebSocket_ConnectIsIdempotent(t *testing.T) {
	var accepted atomic.Int32
	server := echoServer(t, &accepted)
	defer server.Close()

	ws, _ := NewWebSocket(testOptions(server), nil)
	connected := make(chan struct{}, 2)
	ws.On(EventConnect, func(json.RawMessage) { connected <- struct{}{} })

	ws.Connect(context.Background())
	ws.Connect(context.Background())
	defer ws.Disconnect()

	waitFor(t, connected, "connect")
	select {
	case <-connected:
		t.Fatal("second Connect opened another connection")
	case <-time.After(100 * time.Millisecond):
	}
	if accepted.Load() != 1 {
		t.Errorf("accepted = %d, want 1", accepted.Load())
	}
}
