package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/inercia/fullmetal/config"
	"github.com/inercia/fullmetal/internal/config"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage saved prompts",
	Long: `Manage saved prompts.

Saved prompts come from the "prompts" list in the configuration and from
markdown files in the prompts directory (prompts_dir, default
<data dir>/prompts). A file replaces a configured prompt of the same name.

Example prompt file (prompts/review.md):

  ---
  name: review
  description: "Review a change"
  ---

  Review the following change for bugs and style issues.`,
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved prompts",
	Long: `List saved prompts from the configuration and the prompts directory.

Disabled prompt files (enabled: false) are not shown.`,
	Args: cobra.NoArgs,
	RunE: runPromptsList,
}

var (
	updateBuiltinDryRun bool
	updateBuiltinForce  bool
)

var promptsUpdateBuiltinCmd = &cobra.Command{
	Use:   "update-builtin",
	Short: "Update builtin prompts from embedded files",
	Long: `Update the builtin prompts in <prompts dir>/builtin/ with the
versions embedded in the fullmetal binary.

This command will overwrite any local modifications to builtin prompts.
Use --dry-run to see what would be updated without making changes.
Use --force to skip the confirmation prompt.`,
	Args: cobra.NoArgs,
	RunE: runPromptsUpdateBuiltin,
}

func init() {
	rootCmd.AddCommand(promptsCmd)
	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsUpdateBuiltinCmd)

	promptsUpdateBuiltinCmd.Flags().BoolVar(&updateBuiltinDryRun, "dry-run", false,
		"Show what would be updated without making changes")
	promptsUpdateBuiltinCmd.Flags().BoolVarP(&updateBuiltinForce, "force", "f", false,
		"Skip confirmation prompt and overwrite without asking")
}

func runPromptsList(cmd *cobra.Command, args []string) error {
	set, err := cfg.AllPrompts()
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Prompts directory: %s\n\n", cfg.ResolvedPromptsDir())
	printPromptTable(out, set)
	return nil
}

// printPromptTable writes set as an aligned table.
func printPromptTable(out io.Writer, set *config.PromptSet) {
	if set.Len() == 0 {
		fmt.Fprintln(out, "No prompts found. Add prompts to the configuration or .md files to the prompts directory.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	fmt.Fprintln(w, "----\t-----------")
	for _, name := range set.Names() {
		p, _ := set.Get(name)
		desc := p.Description
		if desc == "" {
			desc = "-"
		}
		// Truncate long descriptions
		if len(desc) > 50 {
			desc = desc[:47] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\n", name, desc)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d prompt(s)\n", set.Len())
}

func runPromptsUpdateBuiltin(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	builtinDir := filepath.Join(cfg.ResolvedPromptsDir(), embeddedconfig.BuiltinDirName)
	fmt.Fprintf(out, "Builtin prompts directory: %s\n\n", builtinDir)

	embeddedFiles, err := embeddedconfig.ListEmbeddedPrompts()
	if err != nil {
		return fmt.Errorf("failed to list embedded prompts: %w", err)
	}
	if len(embeddedFiles) == 0 {
		fmt.Fprintln(out, "No embedded prompts found.")
		return nil
	}

	if updateBuiltinDryRun {
		fmt.Fprintln(out, "Dry run mode - no changes will be made.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "The following prompts would be deployed:")
		for _, f := range embeddedFiles {
			if _, err := os.Stat(filepath.Join(builtinDir, f)); err == nil {
				fmt.Fprintf(out, "  [overwrite] %s\n", f)
			} else {
				fmt.Fprintf(out, "  [new]       %s\n", f)
			}
		}
		fmt.Fprintf(out, "\nTotal: %d prompt(s)\n", len(embeddedFiles))
		return nil
	}

	// Confirm before overwriting (unless --force is set)
	if !updateBuiltinForce {
		fmt.Fprintln(out, "WARNING: This will overwrite any local modifications to builtin prompts.")
		fmt.Fprint(out, "Continue? [y/N] ")

		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	result, err := embeddedconfig.DeployBuiltinPrompts(builtinDir, true)
	if err != nil {
		return fmt.Errorf("failed to deploy builtin prompts: %w", err)
	}

	if len(result.Deployed) > 0 {
		fmt.Fprintln(out, "\nDeployed prompts:")
		for _, f := range result.Deployed {
			fmt.Fprintf(out, "  ✓ %s\n", f)
		}
	}
	if len(result.Errors) > 0 {
		fmt.Fprintln(out, "\nErrors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  ✗ %s\n", e)
		}
	}

	fmt.Fprintf(out, "\nTotal: %d deployed, %d errors\n", len(result.Deployed), len(result.Errors))
	return nil
}
