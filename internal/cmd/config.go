package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/inercia/fullmetal/config"
	"github.com/inercia/fullmetal/internal/appdir"
	"github.com/inercia/fullmetal/internal/config"
	"github.com/inercia/fullmetal/internal/fileutil"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage fullmetal configuration",
	Long: `Manage fullmetal configuration files.

Use the subcommands to create or inspect the configuration.`,
}

// configInitCmd represents the config init subcommand
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file",
	Long: `Create a default configuration file and deploy the builtin prompts.

This command writes the embedded default configuration (config.default.yaml)
to <data dir>/config.yaml, or to --output, and copies the builtin prompts
to <data dir>/prompts/builtin.

Examples:
  fullmetal config init                        # Create <data dir>/config.yaml
  fullmetal config init --output ./fm.yaml     # Create ./fm.yaml
  fullmetal config init --force                # Overwrite existing files`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := cfg.Redacted().Marshal()
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file and data directory paths",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := appdir.Dir()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		path := cfg.Path()
		status := "exists"
		if _, err := os.Stat(path); err != nil {
			status = "not found, using defaults"
		}
		fmt.Fprintf(out, "Config file: %s (%s)\n", path, status)
		fmt.Fprintf(out, "Data dir:    %s\n", dir)
		fmt.Fprintf(out, "Prompts dir: %s\n", cfg.ResolvedPromptsDir())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)

	configInitCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"File to write the configuration to (default: <data dir>/config.yaml)")
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing files without prompting")
}

// writeDefaultConfig writes the embedded defaults to path. It reports false
// when path exists and force is not set.
func writeDefaultConfig(path string, force bool) (bool, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := fileutil.WriteFileAtomic(path, embeddedconfig.DefaultConfigYAML, 0o600); err != nil {
		return false, fmt.Errorf("failed to write configuration file: %w", err)
	}
	return true, nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := configOutputPath
	if path == "" {
		var err error
		if path, err = appdir.ConfigPath(); err != nil {
			return err
		}
	}

	written, err := writeDefaultConfig(path, configForce)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(out, "✅ Configuration file created: %s\n", path)
	} else {
		fmt.Fprintf(out, "⚠️  Configuration file already exists: %s\n", path)
		fmt.Fprintln(out, "Use --force to overwrite the existing file.")
	}

	builtinDir := filepath.Join(cfg.ResolvedPromptsDir(), embeddedconfig.BuiltinDirName)
	result, err := embeddedconfig.DeployBuiltinPrompts(builtinDir, configForce)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Builtin prompts in %s: %d deployed, %d kept\n",
		builtinDir, len(result.Deployed), len(result.Skipped))
	for _, e := range result.Errors {
		fmt.Fprintf(out, "  ✗ %s\n", e)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set server.url in the configuration file")
	fmt.Fprintln(out, "  2. Run 'fullmetal login' or set "+config.EnvAPIKey)
	fmt.Fprintln(out, "  3. Run 'fullmetal chat'")
	return nil
}
