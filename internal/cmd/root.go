// Package cmd provides the CLI commands for fullmetal.
package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/fullmetal/internal/appdir"
	"github.com/inercia/fullmetal/internal/config"
	"github.com/inercia/fullmetal/internal/logging"
	"github.com/inercia/fullmetal/internal/secrets"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string
	logJSON       bool
	serverURL     string

	// Loaded configuration, with environment and flag overrides applied
	cfg *config.Config
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("%s (exit status %d)", e.Reason, e.Code)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fullmetal",
	Short: "fullmetal - a client for the Fullmetal prompt service",
	Long: `fullmetal keeps an authenticated connection to a Fullmetal prompt
service and sends prompts over it.

Use 'fullmetal prompt' for a single request, 'fullmetal chat' for an
interactive session and 'fullmetal login' to store the API key.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		return setup()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Reason != "" {
			fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", exitErr)
		}
		return exitErr.Code
	}
	fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	return 1
}

func init() {
	rootCmd.Version = Version

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $FULLMETAL_CONFIG or <data dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config, info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'client,channel'). Empty means all components.")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "Service URL (overrides config and $FULLMETAL_URL)")
}

// setup loads .env files and the configuration, then initializes logging.
func setup() error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	if err := appdir.EnsureDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.ApplyEnv(nil)
	applyFlags(cfg)

	if err := logging.Initialize(loggingConfig(cfg)); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logging.ConfigLogger()
	if cfg.Path() != "" {
		logger.Debug("Configuration loaded", "path", cfg.Path())
	}

	// Fall back to the keychain for the API key.
	if cfg.Auth.APIKey == "" {
		key, err := secrets.APIKey()
		switch {
		case err == nil:
			cfg.Auth.APIKey = key
			logger.Debug("Using API key from the system keychain")
		case !errors.Is(err, secrets.ErrNotFound) && !errors.Is(err, secrets.ErrNotSupported):
			logger.Warn("Cannot read API key from keychain", "error", err)
		}
	}
	return nil
}

// applyFlags applies command-line overrides. Priority:
// flag > environment > config file.
func applyFlags(c *config.Config) {
	if serverURL != "" {
		c.Server.URL = serverURL
	}
	switch {
	case logLevel != "":
		c.Logging.Level = logLevel
	case debug:
		c.Logging.Level = "debug"
	}
	if logFile != "" {
		c.Logging.File = logFile
	}
	if logJSON {
		c.Logging.JSON = true
	}
	if components := splitList(logComponents); len(components) > 0 {
		c.Logging.Components = components
	}
}

func loggingConfig(c *config.Config) logging.Config {
	lc := logging.Config{
		Level:      c.Logging.Level,
		FileLevel:  c.Logging.FileLevel,
		JSON:       c.Logging.JSON,
		Components: c.Logging.Components,
	}
	if c.Logging.File != "" {
		lc.File = &logging.FileConfig{
			Path:       c.Logging.File,
			MaxSizeMB:  c.Logging.MaxSizeMB,
			MaxBackups: c.Logging.MaxBackups,
			Compress:   c.Logging.Compress,
		}
	}
	return lc
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
