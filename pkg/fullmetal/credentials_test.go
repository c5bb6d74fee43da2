package fullmetal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestCredentials_Redaction(t *testing.T) {
	creds, err := NewCredentials("super-secret-key", "", map[string]any{"team": "a"})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("auth", "credentials", creds)
	jsonLogger := slog.New(slog.NewJSONHandler(&buf, nil))
	jsonLogger.Info("auth", "credentials", creds)

	outputs := map[string]string{
		"log":    buf.String(),
		"String": creds.String(),
		"%v":     fmt.Sprintf("%v", creds),
	}
	for name, out := range outputs {
		if strings.Contains(out, "super-secret-key") {
			t.Errorf("%s output leaks the api key: %s", name, out)
		}
	}
	if !strings.Contains(buf.String(), redacted) {
		t.Errorf("log output has no redaction marker: %s", buf.String())
	}
}

func TestCredentials_MarshalJSON(t *testing.T) {
	extra := map[string]any{"team": "a", "apiKey": "ignored"}
	creds, err := NewCredentials("k1", "", extra)
	if err != nil {
		t.Fatal(err)
	}
	// Later changes by the caller do not leak in.
	extra["team"] = "b"

	data, err := json.Marshal(creds)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	json.Unmarshal(data, &got)
	if got["apiKey"] != "k1" || got["team"] != "a" || len(got) != 2 {
		t.Errorf("credentials JSON = %s", data)
	}
	if creds.UserType() != DefaultUserType {
		t.Errorf("UserType() = %q, want %q", creds.UserType(), DefaultUserType)
	}

	// Extra returns a copy.
	creds.Extra()["team"] = "c"
	if creds.Extra()["team"] != "a" {
		t.Error("Extra() exposes internal map")
	}
}

func TestNewCredentials_EmptyKey(t *testing.T) {
	_, err := NewCredentials("", "client", nil)
	if !errors.Is(err, ErrMissingAPIKey) || KindOf(err) != KindConfiguration {
		t.Errorf("NewCredentials(\"\") error = %v", err)
	}
}
