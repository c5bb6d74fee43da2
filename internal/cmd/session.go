package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inercia/fullmetal/internal/config"
	"github.com/inercia/fullmetal/internal/hooks"
	"github.com/inercia/fullmetal/internal/logging"
	"github.com/inercia/fullmetal/internal/telemetry"
	"github.com/inercia/fullmetal/pkg/fullmetal"
)

// Exit codes for session terminations. A supervisor restarts on 75.
const (
	ExitRestart        = 75 // EX_TEMPFAIL
	ExitAuthentication = 77 // EX_NOPERM
	ExitStopExecution  = 70 // EX_SOFTWARE
)

// terminationExitCode maps a termination to the process exit code. exit is
// false when the CLI should keep running.
func terminationExitCode(t fullmetal.Termination) (code int, exit bool) {
	switch t.Cause {
	case fullmetal.CauseAuthentication:
		return ExitAuthentication, true
	case fullmetal.CauseStopExecution:
		return ExitStopExecution, true
	case fullmetal.CauseDisconnect:
		if t.Restart {
			return ExitRestart, true
		}
	}
	return 0, false
}

// session is an SDK client wired to the CLI's telemetry, hooks and shutdown
// handling.
type session struct {
	client   *fullmetal.Client
	shutdown *hooks.ShutdownManager
	logger   *slog.Logger
}

// newSession builds the client from c. The client is not opened yet; the
// caller sets its handlers first.
func newSession(c *config.Config) (*session, error) {
	opts := c.ClientOptions()
	logger := logging.WithEndpoint(logging.Client(), opts.URL, opts.UserType)

	reporter, closeReporter, err := telemetry.FromConfig(c.Telemetry, Version, logging.Telemetry())
	if err != nil {
		return nil, err
	}
	client, err := fullmetal.New(opts,
		fullmetal.WithLogger(logger),
		fullmetal.WithReporter(reporter),
	)
	if err != nil {
		closeReporter()
		if errors.Is(err, fullmetal.ErrMissingAPIKey) {
			return nil, fmt.Errorf("%w: run 'fullmetal login', set %s or auth.api_key", err, config.EnvAPIKey)
		}
		return nil, err
	}

	sm := hooks.NewShutdownManager()
	sm.SetExitHook(c.Hooks.OnExit)
	sm.AddCleanup(func(reason string) {
		if err := client.Close(); err != nil {
			logger.Debug("Close failed", "error", err)
		}
	})
	sm.AddCleanup(func(string) {
		if err := closeReporter(); err != nil {
			logger.Debug("Flushing telemetry failed", "error", err)
		}
	})

	onTerminated := c.Hooks.OnTerminated
	client.OnTerminated(func(t fullmetal.Termination) {
		// Hooks and shutdown block, so they run outside the SDK callback.
		go func() {
			hooks.RunTerminated(onTerminated, t)
			if code, exit := terminationExitCode(t); exit {
				sm.ShutdownWithCode("terminated:"+t.Cause.String(), code)
			}
		}()
	})

	return &session{client: client, shutdown: sm, logger: logger}, nil
}

// start installs signal handling and opens the connection.
func (s *session) start(ctx context.Context) error {
	s.shutdown.Start()
	if err := s.client.Open(ctx); err != nil {
		s.shutdown.ShutdownWithCode("open failed", 1)
		return err
	}
	return nil
}

// stop shuts down with reason unless a shutdown already happened, and
// returns the resulting exit error, if any.
func (s *session) stop(reason string) error {
	s.shutdown.Shutdown(reason)
	if code := s.shutdown.ExitCode(); code != 0 {
		return &ExitError{Code: code, Reason: s.shutdown.Reason()}
	}
	return nil
}
