// Package config loads the fullmetal CLI configuration.
//
// Configuration comes from, in increasing priority: built-in defaults, the
// YAML file ($FULLMETAL_CONFIG or <appdir>/config.yaml), and environment
// variables, which may themselves be loaded from .env files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/inercia/fullmetal/internal/appdir"
	"github.com/inercia/fullmetal/pkg/channel"
	"github.com/inercia/fullmetal/pkg/fullmetal"
)

// Environment variables read by ApplyEnv and LoadDefault.
const (
	EnvConfig       = "FULLMETAL_CONFIG"
	EnvAPIKey       = "FULLMETAL_API_KEY"
	EnvURL          = "FULLMETAL_URL"
	EnvUserType     = "FULLMETAL_USER_TYPE"
	EnvLogLevel     = "FULLMETAL_LOG_LEVEL"
	EnvRollbarToken = "ROLLBAR_ACCESS_TOKEN"
	EnvRollbarEnv   = "ROLLBAR_ENVIRONMENT"
)

const redacted = "[REDACTED]"

// Duration is a time.Duration written as "5s" in YAML. A bare integer is
// seconds.
type Duration time.Duration

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ServerConfig is the "server" section.
type ServerConfig struct {
	URL                  string            `yaml:"url,omitempty"`
	Headers              map[string]string `yaml:"headers,omitempty"`
	ConnectTimeout       Duration          `yaml:"connect_timeout,omitempty"`
	MaxReconnectAttempts int               `yaml:"max_reconnect_attempts,omitempty"`
	ReconnectionDelay    Duration          `yaml:"reconnection_delay,omitempty"`
	ReconnectionDelayMax Duration          `yaml:"reconnection_delay_max,omitempty"`
	RandomizationFactor  float64           `yaml:"randomization_factor,omitempty"`
	PingInterval         Duration          `yaml:"ping_interval,omitempty"`
	PingTimeout          Duration          `yaml:"ping_timeout,omitempty"`
	// RetryDelay is the manual retry delay after connect errors and
	// authentication failures.
	RetryDelay Duration `yaml:"retry_delay,omitempty"`
	// EmitRate limits outbound events per second. 0 is unlimited.
	EmitRate float64 `yaml:"emit_rate,omitempty"`
}

// AuthConfig is the "auth" section.
type AuthConfig struct {
	APIKey   string         `yaml:"api_key,omitempty"`
	UserType string         `yaml:"user_type,omitempty"`
	Extra    map[string]any `yaml:"extra,omitempty"`
}

// SessionConfig is the "session" section.
type SessionConfig struct {
	RestartOnDisconnect bool `yaml:"restart_on_disconnect,omitempty"`
	// DoRestart nil means true.
	DoRestart          *bool    `yaml:"do_restart,omitempty"`
	EncryptPrompts     bool     `yaml:"encrypt_prompts,omitempty"`
	KeyExchangeTimeout Duration `yaml:"key_exchange_timeout,omitempty"`
	AuthRetryLimit     int      `yaml:"auth_retry_limit,omitempty"`
	// HeartbeatInterval negative disables the heartbeat.
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
}

// TelemetryConfig is the "telemetry" section. An empty token disables
// Rollbar.
type TelemetryConfig struct {
	RollbarToken string `yaml:"rollbar_token,omitempty"`
	Environment  string `yaml:"environment,omitempty"`
}

// LoggingConfig is the "logging" section.
type LoggingConfig struct {
	Level      string   `yaml:"level,omitempty"`
	FileLevel  string   `yaml:"file_level,omitempty"`
	File       string   `yaml:"file,omitempty"`
	MaxSizeMB  int      `yaml:"max_size_mb,omitempty"`
	MaxBackups int      `yaml:"max_backups,omitempty"`
	Compress   bool     `yaml:"compress,omitempty"`
	JSON       bool     `yaml:"json,omitempty"`
	Components []string `yaml:"components,omitempty"`
}

// Hook is a shell command run at a lifecycle point.
type Hook struct {
	Name    string   `yaml:"name,omitempty"`
	Command string   `yaml:"command,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// HooksConfig is the "hooks" section.
type HooksConfig struct {
	// OnTerminated runs for every session Termination.
	OnTerminated Hook `yaml:"on_terminated,omitempty"`
	// OnExit runs once when the CLI shuts down.
	OnExit Hook `yaml:"on_exit,omitempty"`
}

// Prompt is a named prompt shortcut.
type Prompt struct {
	Name        string `yaml:"name"`
	Prompt      string `yaml:"prompt"`
	Description string `yaml:"description,omitempty"`
}

// Config is the complete CLI configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	Auth      AuthConfig      `yaml:"auth,omitempty"`
	Session   SessionConfig   `yaml:"session,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	Hooks     HooksConfig     `yaml:"hooks,omitempty"`
	Prompts   []Prompt        `yaml:"prompts,omitempty"`
	// PromptsDir holds markdown prompt files. Default: <appdir>/prompts.
	PromptsDir string `yaml:"prompts_dir,omitempty"`

	path string
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{URL: fullmetal.DefaultURL},
		Auth:    AuthConfig{UserType: fullmetal.DefaultUserType},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Parse decodes YAML over the defaults. Unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// DefaultPath returns $FULLMETAL_CONFIG, or config.yaml in the data
// directory. explicit reports whether the environment chose the path.
func DefaultPath() (path string, explicit bool, err error) {
	if p := os.Getenv(EnvConfig); p != "" {
		return p, true, nil
	}
	p, err := appdir.ConfigPath()
	return p, false, err
}

// LoadDefault loads the file at DefaultPath. A missing default file yields
// Default(); a missing file named by $FULLMETAL_CONFIG is an error.
func LoadDefault() (*Config, error) {
	path, explicit, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		cfg.path = path
		return cfg, nil
	}
	return cfg, err
}

// LoadEnvFiles loads dotenv files into the process environment without
// overriding variables that are already set. Missing files are skipped.
// With no arguments it loads ./.env and the data directory's .env.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
		if p, err := appdir.EnvPath(); err == nil {
			files = append(files, p)
		}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment. getenv is os.Getenv when
// nil.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Auth.APIKey, EnvAPIKey)
	set(&c.Auth.UserType, EnvUserType)
	set(&c.Server.URL, EnvURL)
	set(&c.Logging.Level, EnvLogLevel)
	set(&c.Telemetry.RollbarToken, EnvRollbarToken)
	set(&c.Telemetry.Environment, EnvRollbarEnv)
}

// Validate checks values that would otherwise fail later.
func (c *Config) Validate() error {
	if c.Server.URL != "" {
		if _, err := channel.NormalizeURL(c.Server.URL); err != nil {
			return fmt.Errorf("server.url: %w", err)
		}
	}
	if f := c.Server.RandomizationFactor; f < 0 || f > 1 {
		return fmt.Errorf("server.randomization_factor must be in [0, 1], got %v", f)
	}
	if c.Server.EmitRate < 0 {
		return fmt.Errorf("server.emit_rate must not be negative")
	}
	seen := make(map[string]bool, len(c.Prompts))
	for i, p := range c.Prompts {
		if p.Name == "" {
			return fmt.Errorf("prompts[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("prompts[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string { return c.path }

// ClientOptions maps the configuration onto SDK options. Zero values are
// left for the SDK to default.
func (c *Config) ClientOptions() fullmetal.Options {
	var header http.Header
	if len(c.Server.Headers) > 0 {
		header = make(http.Header, len(c.Server.Headers))
		for k, v := range c.Server.Headers {
			header.Set(k, v)
		}
	}

	return fullmetal.Options{
		APIKey:              c.Auth.APIKey,
		UserType:            c.Auth.UserType,
		Extra:               c.Auth.Extra,
		URL:                 c.Server.URL,
		DoRestart:           c.Session.DoRestart,
		RestartOnDisconnect: c.Session.RestartOnDisconnect,
		RetryDelay:          c.Server.RetryDelay.Duration(),
		HeartbeatInterval:   c.Session.HeartbeatInterval.Duration(),
		KeyExchangeTimeout:  c.Session.KeyExchangeTimeout.Duration(),
		AuthRetryLimit:      c.Session.AuthRetryLimit,
		EncryptPrompts:      c.Session.EncryptPrompts,
		Channel: channel.Options{
			Header:               header,
			ConnectTimeout:       c.Server.ConnectTimeout.Duration(),
			MaxReconnectAttempts: c.Server.MaxReconnectAttempts,
			ReconnectionDelay:    c.Server.ReconnectionDelay.Duration(),
			ReconnectionDelayMax: c.Server.ReconnectionDelayMax.Duration(),
			RandomizationFactor:  c.Server.RandomizationFactor,
			PingInterval:         c.Server.PingInterval.Duration(),
			PingTimeout:          c.Server.PingTimeout.Duration(),
			EmitRate:             c.Server.EmitRate,
		},
	}
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Auth.APIKey != "" {
		cp.Auth.APIKey = redacted
	}
	if cp.Telemetry.RollbarToken != "" {
		cp.Telemetry.RollbarToken = redacted
	}
	return &cp
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
