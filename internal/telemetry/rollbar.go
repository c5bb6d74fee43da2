// Package telemetry sends client errors to Rollbar.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/rollbar/rollbar-go"

	"github.com/inercia/fullmetal/internal/config"
	"github.com/inercia/fullmetal/pkg/fullmetal"
)

// DefaultEnvironment is used when no environment is configured.
const DefaultEnvironment = "development"

// RollbarOptions configures a Rollbar reporter.
type RollbarOptions struct {
	Token       string
	Environment string
	CodeVersion string
	// Endpoint overrides the Rollbar API endpoint.
	Endpoint string
	// Sync sends each item before Report returns.
	Sync bool
}

// Rollbar is a fullmetal.Reporter backed by a Rollbar client.
type Rollbar struct {
	client *rollbar.Client
	logger *slog.Logger
}

// NewRollbar returns a reporter. The token is required.
func NewRollbar(opts RollbarOptions, logger *slog.Logger) (*Rollbar, error) {
	if opts.Token == "" {
		return nil, errors.New("rollbar token is required")
	}
	if opts.Environment == "" {
		opts.Environment = DefaultEnvironment
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()

	var client *rollbar.Client
	if opts.Sync {
		client = rollbar.NewSync(opts.Token, opts.Environment, opts.CodeVersion, host, "")
	} else {
		client = rollbar.NewAsync(opts.Token, opts.Environment, opts.CodeVersion, host, "")
	}
	if opts.Endpoint != "" {
		client.SetEndpoint(opts.Endpoint)
	}
	return &Rollbar{client: client, logger: logger}, nil
}

// Level maps an error to a Rollbar level: fatal errors are critical.
func Level(err error) string {
	if fullmetal.IsFatal(err) {
		return rollbar.CRIT
	}
	return rollbar.ERR
}

// Report sends err with extras and the error kind as custom data.
func (r *Rollbar) Report(ctx context.Context, err error, extras map[string]any) {
	if err == nil {
		return
	}
	custom := make(map[string]any, len(extras)+1)
	for k, v := range extras {
		custom[k] = v
	}
	var ferr *fullmetal.Error
	if errors.As(err, &ferr) {
		custom["kind"] = ferr.Kind.String()
		if ferr.Op != "" {
			custom["op"] = ferr.Op
		}
	}
	level := Level(err)
	r.logger.Debug("Reporting error to Rollbar", "level", level, "error", err)
	r.client.ErrorWithExtrasAndContext(ctx, level, err, custom)
}

// Close flushes queued items and stops the client.
func (r *Rollbar) Close() error {
	r.client.Wait()
	return r.client.Close()
}

// FromConfig builds the CLI reporter: always logger, plus Rollbar when a
// token is configured. The returned close function flushes Rollbar.
func FromConfig(cfg config.TelemetryConfig, version string, logger *slog.Logger) (fullmetal.Reporter, func() error, error) {
	logReporter := fullmetal.LogReporter{Logger: logger}
	if cfg.RollbarToken == "" {
		return logReporter, func() error { return nil }, nil
	}
	rb, err := NewRollbar(RollbarOptions{
		Token:       cfg.RollbarToken,
		Environment: cfg.Environment,
		CodeVersion: version,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: %w", err)
	}
	return fullmetal.MultiReporter{logReporter, rb}, rb.Close, nil
}
