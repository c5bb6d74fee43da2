// Package logging configures slog for the fullmetal CLI.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// fileWriter is the rotated log file, if any.
	fileWriter   *lumberjack.Logger
	fileWriterMu sync.Mutex

	// allowedComponents is nil when every component is logged.
	allowedComponents map[string]bool
	componentsMu      sync.RWMutex
)

// Component names used across the CLI.
const (
	ComponentClient    = "client"
	ComponentChannel   = "channel"
	ComponentCrypto    = "crypto"
	ComponentCLI       = "cli"
	ComponentShutdown  = "shutdown"
	ComponentTelemetry = "telemetry"
	ComponentConfig    = "config"
	ComponentDevServer = "devserver"
)

// FileConfig configures the rotated log file.
type FileConfig struct {
	// Path of the log file. Empty disables file logging.
	Path string

	// MaxSizeMB before rotation. Default: 10
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept. Default: 3
	MaxBackups int

	// Compress rotated files.
	Compress bool
}

// Config holds logging configuration.
type Config struct {
	// Level is the console level (debug, info, warn, error).
	Level string
	// FileLevel is the file level. Empty means Level.
	FileLevel string
	// File enables a rotated log file next to the console output.
	File *FileConfig
	// JSON switches both outputs to JSON.
	JSON bool
	// Components limits output to these components. Empty logs everything.
	Components []string
	// Console receives console output. Default: os.Stderr
	Console io.Writer
}

// Initialize installs the global logger and makes it the slog default.
func Initialize(cfg Config) error {
	consoleLevel := ParseLevel(cfg.Level)
	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		fileLevel = ParseLevel(cfg.FileLevel)
	}
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	componentsMu.Lock()
	if len(cfg.Components) > 0 {
		allowedComponents = make(map[string]bool, len(cfg.Components))
		for _, c := range cfg.Components {
			allowedComponents[strings.TrimSpace(c)] = true
		}
	} else {
		allowedComponents = nil
	}
	componentsMu.Unlock()

	fileWriterMu.Lock()
	defer fileWriterMu.Unlock()

	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
	if cfg.File != nil && cfg.File.Path != "" {
		maxSize := cfg.File.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.File.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		fileWriter = &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   cfg.File.Compress,
		}
	}

	newHandler := func(w io.Writer, level slog.Level) slog.Handler {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.JSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	var handler slog.Handler
	switch {
	case fileWriter != nil && fileLevel != consoleLevel:
		handler = &multiHandler{handlers: []slog.Handler{
			newHandler(console, consoleLevel),
			newHandler(fileWriter, fileLevel),
		}}
	case fileWriter != nil:
		handler = newHandler(io.MultiWriter(console, fileWriter), consoleLevel)
	default:
		handler = newHandler(console, consoleLevel)
	}

	logger := slog.New(handler)
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
	slog.SetDefault(logger)
	return nil
}

// multiHandler fans records out to handlers with different levels.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Get returns the global logger, or slog.Default() before Initialize.
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close flushes and closes the log file, if any.
func Close() error {
	fileWriterMu.Lock()
	defer fileWriterMu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

// ParseLevel converts a level name to slog.Level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isComponentAllowed(component string) bool {
	componentsMu.RLock()
	defer componentsMu.RUnlock()
	if allowedComponents == nil {
		return true
	}
	return allowedComponents[component]
}

// componentFilterHandler drops records of components not in the allowed set.
type componentFilterHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return isComponentAllowed(h.component) && h.inner.Enabled(ctx, level)
}

func (h *componentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if !isComponentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithAttrs(attrs), component: h.component}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithGroup(name), component: h.component}
}

// WithComponent returns a logger tagged with component. It is silent when
// component filtering excludes it.
func WithComponent(component string) *slog.Logger {
	base := Get()
	return slog.New(&componentFilterHandler{
		inner:     base.Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	})
}

// Client returns the logger handed to the SDK client.
func Client() *slog.Logger { return WithComponent(ComponentClient) }

// Channel returns the logger for the WebSocket channel.
func Channel() *slog.Logger { return WithComponent(ComponentChannel) }

// Crypto returns the logger for key exchange events.
func Crypto() *slog.Logger { return WithComponent(ComponentCrypto) }

// CLI returns the logger for command handlers.
func CLI() *slog.Logger { return WithComponent(ComponentCLI) }

// Shutdown returns the logger for shutdown events.
func Shutdown() *slog.Logger { return WithComponent(ComponentShutdown) }

// Telemetry returns the logger for error reporting.
func Telemetry() *slog.Logger { return WithComponent(ComponentTelemetry) }

// ConfigLogger returns the logger for configuration loading and reloads.
func ConfigLogger() *slog.Logger { return WithComponent(ComponentConfig) }

// DevServer returns the logger for the local development server.
func DevServer() *slog.Logger { return WithComponent(ComponentDevServer) }

// WithRequest tags a logger with the prompt correlation id.
func WithRequest(base *slog.Logger, refID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("ref_id", refID)
}

// WithEndpoint tags a logger with the service URL and user type.
func WithEndpoint(base *slog.Logger, url, userType string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("url", url, "user_type", userType)
}
