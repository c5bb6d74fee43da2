package fullmetal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"

	"github.com/awnumar/memguard"
)

const redacted = "[REDACTED]"

// Credentials are sent with every authenticate request. They are immutable
// once built; the API key is held in a memguard enclave and never appears
// in logs or String output.
type Credentials struct {
	apiKey   *memguard.Enclave
	userType string
	extra    map[string]any
}

// NewCredentials seals apiKey and copies extra. extra entries are sent
// alongside the key; an "apiKey" entry in extra is ignored.
func NewCredentials(apiKey, userType string, extra map[string]any) (*Credentials, error) {
	if apiKey == "" {
		return nil, &Error{Kind: KindConfiguration, Op: "credentials", Err: ErrMissingAPIKey}
	}
	if userType == "" {
		userType = DefaultUserType
	}
	e := maps.Clone(extra)
	delete(e, "apiKey")
	return &Credentials{
		apiKey:   memguard.NewEnclave([]byte(apiKey)),
		userType: userType,
		extra:    e,
	}, nil
}

// UserType returns the user type sent with authenticate.
func (c *Credentials) UserType() string {
	return c.userType
}

// Extra returns a copy of the passthrough fields.
func (c *Credentials) Extra() map[string]any {
	return maps.Clone(c.extra)
}

// MarshalJSON renders the credentials object of the authenticate payload:
// {"apiKey": ..., <extra>...}.
func (c *Credentials) MarshalJSON() ([]byte, error) {
	lb, err := c.apiKey.Open()
	if err != nil {
		return nil, fmt.Errorf("open api key: %w", err)
	}
	defer lb.Destroy()

	m := make(map[string]any, len(c.extra)+1)
	for k, v := range c.extra {
		m[k] = v
	}
	m["apiKey"] = string(lb.Bytes())
	return json.Marshal(m)
}

// String never includes the API key.
func (c *Credentials) String() string {
	return fmt.Sprintf("Credentials{userType: %s, apiKey: %s}", c.userType, redacted)
}

// LogValue implements slog.LogValuer.
func (c *Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_type", c.userType),
		slog.String("api_key", redacted),
		slog.Int("extra_fields", len(c.extra)),
	)
}
