package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/inercia/fullmetal/internal/config"
	"github.com/inercia/fullmetal/internal/logging"
	"github.com/inercia/fullmetal/pkg/fullmetal"
)

var (
	// prompt-specific flags
	promptName    string
	promptTimeout time.Duration
	promptRaw     bool
)

// promptCmd represents the prompt command
var promptCmd = &cobra.Command{
	Use:   "prompt [text...]",
	Short: "Send a single prompt and print the response",
	Long: `Connect, authenticate, send one prompt and print its response.

The prompt is the arguments joined by spaces, or standard input when the
only argument is "-". --name sends a saved prompt; extra arguments are
appended to it.

Examples:
  fullmetal prompt "What is the capital of France?"
  git diff | fullmetal prompt -
  fullmetal prompt --name summarize < notes.txt

Exit codes: 0 on success, 1 on errors, 70 when the service stopped the
session, 75 when a restart was requested and 77 when authentication failed.`,
	RunE: runPrompt,
}

func init() {
	rootCmd.AddCommand(promptCmd)

	promptCmd.Flags().StringVarP(&promptName, "name", "n", "", "Send the saved prompt with this name")
	promptCmd.Flags().DurationVar(&promptTimeout, "timeout", 2*time.Minute, "How long to wait for the response (0 waits forever)")
	promptCmd.Flags().BoolVar(&promptRaw, "raw", false, "Print the response as raw JSON")
}

// resolvePromptText builds the prompt from a saved prompt, stdin or args.
func resolvePromptText(args []string, name string, set *config.PromptSet, stdin io.Reader) (string, error) {
	var text string
	switch {
	case name != "":
		p, ok := set.Get(name)
		if !ok {
			return "", fmt.Errorf("unknown prompt %q (see 'fullmetal prompts list')", name)
		}
		text = p.Prompt
		if extra := readArgs(args, stdin); extra != "" {
			text += "\n\n" + extra
		}
	default:
		text = readArgs(args, stdin)
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty prompt")
	}
	return text, nil
}

func readArgs(args []string, stdin io.Reader) string {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
	return strings.Join(args, " ")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	set, err := cfg.AllPrompts()
	if err != nil {
		logging.ConfigLogger().Warn("Failed to load prompt files", "error", err)
	}
	text, err := resolvePromptText(args, promptName, set, os.Stdin)
	if err != nil {
		return err
	}

	s, err := newSession(cfg)
	if err != nil {
		return err
	}

	refID := uuid.NewString()
	logger := logging.WithRequest(s.logger, refID)
	responses := make(chan fullmetal.Response, 1)
	failures := make(chan error, 1)

	s.client.OnResponse(func(resp fullmetal.Response) {
		if resp.RefID != "" && resp.RefID != refID {
			logger.Debug("Ignoring response for another request", "other_ref_id", resp.RefID)
			return
		}
		select {
		case responses <- resp:
		default:
		}
	})
	s.client.OnError(func(err error) {
		// Transport errors are retried by the client; service errors end
		// the request.
		var e *fullmetal.Error
		if errors.As(err, &e) && e.Op == fullmetal.EventError {
			select {
			case failures <- err:
			default:
			}
		}
	})

	ctx := cmd.Context()
	if promptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, promptTimeout)
		defer cancel()
	}

	if err := s.start(ctx); err != nil {
		return err
	}
	if _, err := s.client.SendPromptAfterAuthentication(text, refID, nil); err != nil {
		s.stop("send failed")
		return err
	}
	logger.Debug("Prompt queued", "length", len(text))

	select {
	case resp := <-responses:
		out := cmd.OutOrStdout()
		if promptRaw {
			fmt.Fprintln(out, string(resp.Raw))
		} else {
			fmt.Fprintln(out, resp.Text())
		}
		return s.stop("response received")
	case err := <-failures:
		if fullmetal.IsFatal(err) {
			// The termination handler picks the exit code.
			select {
			case <-s.shutdown.Done():
			case <-time.After(5 * time.Second):
			}
		}
		if exitErr := s.stop("service error"); exitErr != nil {
			return exitErr
		}
		return err
	case <-s.shutdown.Done():
		return s.stop("")
	case <-ctx.Done():
		s.stop("timeout")
		return fmt.Errorf("no response after %s: %w", promptTimeout, ctx.Err())
	}
}
