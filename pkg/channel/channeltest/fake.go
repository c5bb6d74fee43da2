// Package channeltest provides an in-memory channel.Channel for tests.
package channeltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/inercia/fullmetal/pkg/channel"
)

// Emission is one recorded Emit call.
type Emission struct {
	Event   string
	Payload json.RawMessage
}

// Decode unmarshals the recorded payload into v.
func (e Emission) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Fake records emitted events and lets tests fire inbound events
// synchronously. It never fires anything by itself.
type Fake struct {
	handlers *channel.Handlers

	mu          sync.Mutex
	emitted     []Emission
	connects    int
	disconnects int
	emitErr     error
}

var _ channel.Channel = (*Fake)(nil)

// New creates an empty Fake.
func New() *Fake {
	return &Fake{handlers: channel.NewHandlers()}
}

// Connect records the call.
func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

// Disconnect records the call.
func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

// Emit records the event. The payload is stored as JSON so tests compare
// exactly what would go over the wire.
func (f *Fake) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, Emission{Event: event, Payload: data})
	return nil
}

func (f *Fake) On(event string, h channel.Handler) { f.handlers.Set(event, h) }
func (f *Fake) Off(event string)                   { f.handlers.Remove(event) }
func (f *Fake) OffAll()                            { f.handlers.Clear() }

// FailEmits makes every subsequent Emit return err. Pass nil to reset.
func (f *Fake) FailEmits(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitErr = err
}

// Fire dispatches an inbound event with payload marshalled to JSON.
// It reports whether a handler was registered.
func (f *Fake) Fire(event string, payload any) bool {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("channeltest: marshal %s payload: %v", event, err))
		}
		data = b
	}
	return f.handlers.Dispatch(event, data)
}

// Emitted returns a copy of all recorded emissions.
func (f *Fake) Emitted() []Emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Emission, len(f.emitted))
	copy(out, f.emitted)
	return out
}

// EmittedEvents returns the recorded emissions for one event name.
func (f *Fake) EmittedEvents(event string) []Emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Emission
	for _, e := range f.emitted {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded emissions.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = nil
}

// Connects returns how many times Connect was called.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Disconnects returns how many times Disconnect was called.
func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// HandlerCount returns the number of registered handlers.
func (f *Fake) HandlerCount() int {
	return f.handlers.Len()
}

// HasHandler reports whether event has a handler.
func (f *Fake) HasHandler(event string) bool {
	return f.handlers.Has(event)
}
