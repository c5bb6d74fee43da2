package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/inercia/fullmetal/internal/secrets"
)

var loginStdin bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the API key in the system keychain",
	Long: `Store the service API key in the system keychain, where the other
commands find it when neither auth.api_key nor $FULLMETAL_API_KEY is set.

The key is read from the terminal without echo, or from standard input
with --stdin. The keychain is only available on macOS.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the API key from the system keychain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := secrets.DeleteAPIKey()
		switch {
		case errors.Is(err, secrets.ErrNotFound):
			fmt.Fprintln(cmd.OutOrStdout(), "No API key stored.")
			return nil
		case err != nil:
			return fmt.Errorf("failed to remove API key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✅ API key removed from the keychain")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().BoolVar(&loginStdin, "stdin", false, "Read the API key from standard input")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if !secrets.IsSupported() {
		return fmt.Errorf("%w: set auth.api_key or $FULLMETAL_API_KEY instead", secrets.ErrNotSupported)
	}

	var key string
	var err error
	fd := int(os.Stdin.Fd())
	if loginStdin || !term.IsTerminal(fd) {
		key, err = readKey(os.Stdin)
	} else {
		fmt.Fprint(cmd.OutOrStdout(), "API key: ")
		var b []byte
		b, err = term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		key = strings.TrimSpace(string(b))
	}
	if err != nil {
		return fmt.Errorf("failed to read API key: %w", err)
	}

	if err := secrets.SetAPIKey(key); err != nil {
		return fmt.Errorf("failed to store API key: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✅ API key stored in the keychain")
	return nil
}

// readKey returns the first line of r.
func readKey(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
