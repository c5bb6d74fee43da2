package channel

import (
	"encoding/json"
	"testing"
)

func TestHandlers_SetReplaces(t *testing.T) {
	h := NewHandlers()

	var first, second int
	h.Set("response", func(json.RawMessage) { first++ })
	h.Set("response", func(json.RawMessage) { second++ })

	if h.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", h.Len())
	}
	if !h.Dispatch("response", nil) {
		t.Fatal("Dispatch() = false, want true")
	}
	if first != 0 || second != 1 {
		t.Errorf("calls = (%d, %d), want (0, 1)", first, second)
	}
}

func TestHandlers_RepeatedRegistrationDoesNotGrow(t *testing.T) {
	h := NewHandlers()
	events := []string{EventConnect, EventDisconnect, EventConnectError, EventReconnect, EventReconnectAttempt}

	for round := 0; round < 5; round++ {
		for _, ev := range events {
			h.Set(ev, func(json.RawMessage) {})
		}
	}
	if h.Len() != len(events) {
		t.Errorf("Len() = %d, want %d", h.Len(), len(events))
	}
}

func TestHandlers_RemoveAndClear(t *testing.T) {
	h := NewHandlers()
	h.Set("a", func(json.RawMessage) {})
	h.Set("b", func(json.RawMessage) {})

	h.Remove("a")
	if h.Has("a") {
		t.Error("Has(a) = true after Remove")
	}
	if h.Dispatch("a", nil) {
		t.Error("Dispatch(a) = true after Remove")
	}

	h.Set("b", nil)
	if h.Has("b") {
		t.Error("Set(b, nil) should remove the handler")
	}

	h.Set("c", func(json.RawMessage) {})
	h.Clear()
	if h.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", h.Len())
	}
}

func TestHandlers_DispatchPassesPayload(t *testing.T) {
	h := NewHandlers()
	var got string
	h.Set("pong", func(data json.RawMessage) { got = string(data) })

	h.Dispatch("pong", json.RawMessage(`123`))
	if got != "123" {
		t.Errorf("payload = %q, want %q", got, "123")
	}
}

func TestHandlers_HandlerMayReRegister(t *testing.T) {
	h := NewHandlers()
	calls := 0
	h.Set("x", func(json.RawMessage) {
		calls++
		h.Set("x", func(json.RawMessage) { calls += 10 })
	})

	h.Dispatch("x", nil)
	h.Dispatch("x", nil)
	if calls != 11 {
		t.Errorf("calls = %d, want 11", calls)
	}
}
