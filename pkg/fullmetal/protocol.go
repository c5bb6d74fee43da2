package fullmetal

import (
	"encoding/json"
	"strings"
)

// Wire events exchanged with the service. Channel lifecycle events live in
// package channel and the handshake events in package sessioncrypto.
const (
	// Client -> service.
	EventAuthenticate = "authenticate"
	EventPrompt       = "prompt"
	EventPing         = "ping"

	// Service -> client.
	EventAuthenticated        = "authenticated"
	EventAuthenticationFailed = "authenticationFailed"
	EventResponse             = "response"
	EventResponseQueued       = "responseQueuedNumber"
	EventError                = "error"
	EventPong                 = "pong"
)

type authenticatePayload struct {
	UserType    string       `json:"userType"`
	Credentials *Credentials `json:"credentials"`
}

type promptPayload struct {
	Prompt    string         `json:"prompt"`
	RefID     string         `json:"refId"`
	Options   map[string]any `json:"options"`
	Encrypted bool           `json:"encrypted,omitempty"`
}

type responsePayload struct {
	Response  json.RawMessage `json:"response"`
	RefID     string          `json:"refId"`
	Encrypted bool            `json:"encrypted"`
}

type errorPayload struct {
	Message       string `json:"message"`
	StopExecution bool   `json:"stopExecution"`
}

// Response is one inbound response event.
type Response struct {
	RefID string
	// Raw is the response value as sent by the service, or the decrypted
	// plaintext as a JSON string when Encrypted is set.
	Raw       json.RawMessage
	Encrypted bool
}

// Text returns the response as text: the unquoted value for JSON strings,
// the raw JSON otherwise.
func (r Response) Text() string {
	var s string
	if err := json.Unmarshal(r.Raw, &s); err == nil {
		return s
	}
	return string(r.Raw)
}

// Decode unmarshals the response value into v.
func (r Response) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// QueueUpdate is a queue position report. The payload shape is defined by
// the service, so Raw is always set and Position/RefID are filled when
// recognisable.
type QueueUpdate struct {
	Raw      json.RawMessage
	Position int
	RefID    string
}

func parseQueueUpdate(data json.RawMessage) QueueUpdate {
	u := QueueUpdate{Raw: data}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		u.Position = n
		return u
	}
	var obj struct {
		Position     *int   `json:"position"`
		QueueNumber  *int   `json:"queueNumber"`
		QueuedNumber *int   `json:"queuedNumber"`
		RefID        string `json:"refId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		u.RefID = obj.RefID
		switch {
		case obj.Position != nil:
			u.Position = *obj.Position
		case obj.QueueNumber != nil:
			u.Position = *obj.QueueNumber
		case obj.QueuedNumber != nil:
			u.Position = *obj.QueuedNumber
		}
	}
	return u
}

// payloadText extracts a message from a payload that may be a JSON string,
// an object with a message or error field, or anything else.
func payloadText(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return strings.TrimSpace(string(data))
}

func parseAttempt(data json.RawMessage) int {
	var n int
	_ = json.Unmarshal(data, &n)
	return n
}
