package channel

import (
	"testing"
	"time"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantEvent string
		wantData  string
		wantErr   bool
	}{
		{
			name:      "with data",
			input:     `{"event":"response","data":{"response":"hi","refId":"r1"}}`,
			wantEvent: "response",
			wantData:  `{"response":"hi","refId":"r1"}`,
		},
		{
			name:      "without data",
			input:     `{"event":"authenticated"}`,
			wantEvent: "authenticated",
		},
		{
			name:      "string data",
			input:     `{"event":"agentPublicKey","data":"abc"}`,
			wantEvent: "agentPublicKey",
			wantData:  `"abc"`,
		},
		{name: "missing event", input: `{"data":1}`, wantErr: true},
		{name: "invalid json", input: `{not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFrame() error = %v", err)
			}
			if f.Event != tt.wantEvent {
				t.Errorf("Event = %q, want %q", f.Event, tt.wantEvent)
			}
			if string(f.Data) != tt.wantData {
				t.Errorf("Data = %s, want %s", f.Data, tt.wantData)
			}
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	data, err := EncodeFrame("ping", int64(1700000000000))
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	if string(data) != `{"event":"ping","data":1700000000000}` {
		t.Errorf("EncodeFrame() = %s", data)
	}

	data, err = EncodeFrame("authenticated", nil)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	if string(data) != `{"event":"authenticated"}` {
		t.Errorf("EncodeFrame(nil) = %s", data)
	}

	if _, err := EncodeFrame("bad", make(chan int)); err == nil {
		t.Error("expected error for unencodable payload")
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:5000", want: "ws://localhost:5000"},
		{in: "https://api.example.com/ws", want: "wss://api.example.com/ws"},
		{in: "ws://localhost:5000/ws", want: "ws://localhost:5000/ws"},
		{in: "wss://host/path?x=1", want: "wss://host/path?x=1"},
		{in: "ftp://host", wantErr: true},
		{in: "localhost:5000", wantErr: true},
		{in: "ws://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeURL(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeURL(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestOptions_WithDefaults(t *testing.T) {
	o := Options{ReconnectionDelay: 10 * time.Second, ReconnectionDelayMax: time.Second, RandomizationFactor: 3}.withDefaults()

	if o.ReconnectionDelayMax != 10*time.Second {
		t.Errorf("ReconnectionDelayMax = %v, want it raised to ReconnectionDelay", o.ReconnectionDelayMax)
	}
	if o.RandomizationFactor != 0.5 {
		t.Errorf("RandomizationFactor = %v, want 0.5", o.RandomizationFactor)
	}
	d := DefaultOptions()
	if o.ConnectTimeout != d.ConnectTimeout || o.PingInterval != d.PingInterval || o.SendBufferSize != d.SendBufferSize {
		t.Errorf("zero fields not defaulted: %+v", o)
	}
	if o.MaxReconnectAttempts != 0 {
		t.Errorf("MaxReconnectAttempts = %d, want 0 (unlimited)", o.MaxReconnectAttempts)
	}
}
