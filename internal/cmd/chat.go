package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/fullmetal/internal/config"
	"github.com/inercia/fullmetal/internal/logging"
	"github.com/inercia/fullmetal/pkg/fullmetal"
)

var (
	// chat-specific flags
	chatTimeout time.Duration
	chatNoWatch bool
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive prompt session",
	Long: `Start an interactive session with the prompt service.

Each line is sent as a prompt and its response printed before the next
line is read. Saved prompts from the configuration and the prompts
directory are reloaded when they change.

Commands:
  /p <name> [text]  - Send a saved prompt, with optional extra text
  /prompts          - List saved prompts
  /keyexchange      - Negotiate the session encryption key
  /status           - Show the connection state
  /quit, /exit      - Exit
  /help             - Show available commands`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 2*time.Minute, "How long to wait for each response (0 waits forever)")
	chatCmd.Flags().BoolVar(&chatNoWatch, "no-watch", false, "Do not reload prompts when files change")
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/quit", "Exit the chat"},
	{"/exit", "Exit the chat (alias)"},
	{"/q", "Exit the chat (alias)"},
	{"/prompts", "List saved prompts"},
	{"/p", "Send a saved prompt: /p <name> [text]"},
	{"/keyexchange", "Negotiate the session encryption key"},
	{"/status", "Show the connection state"},
}

// chat is an interactive session. Prompts are answered one at a time.
type chat struct {
	s       *session
	out     io.Writer
	timeout time.Duration

	mu      sync.RWMutex
	prompts *config.PromptSet

	responses chan fullmetal.Response
	failures  chan error
	queued    chan fullmetal.QueueUpdate
}

func newChat(s *session, prompts *config.PromptSet, out io.Writer, timeout time.Duration) *chat {
	c := &chat{
		s:         s,
		out:       out,
		timeout:   timeout,
		prompts:   prompts,
		responses: make(chan fullmetal.Response, 16),
		failures:  make(chan error, 16),
		queued:    make(chan fullmetal.QueueUpdate, 16),
	}
	if s != nil {
		s.client.OnResponse(func(r fullmetal.Response) { offer(c.responses, r) })
		s.client.OnResponseQueue(func(u fullmetal.QueueUpdate) { offer(c.queued, u) })
		s.client.OnError(func(err error) {
			var e *fullmetal.Error
			if errors.As(err, &e) && e.Op == fullmetal.EventError {
				offer(c.failures, err)
			}
		})
	}
	return c
}

// offer sends v unless ch is full.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (c *chat) promptSet() *config.PromptSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompts
}

func (c *chat) setPrompts(set *config.PromptSet) {
	c.mu.Lock()
	c.prompts = set
	c.mu.Unlock()
}

// onConfigChange reloads the prompts from a watcher event.
func (c *chat) onConfigChange(ev config.ChangeEvent) {
	logger := logging.ConfigLogger()
	if ev.Err != nil {
		logger.Warn("Ignoring invalid configuration", "error", ev.Err)
		return
	}
	set, err := ev.Config.AllPrompts()
	if err != nil {
		logger.Warn("Failed to reload prompts", "error", err)
		return
	}
	c.setPrompts(set)
	logger.Info("Prompts reloaded", "count", set.Len(), "paths", ev.Paths)
}

// send sends text and prints its response.
func (c *chat) send(ctx context.Context, text string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	// Drop errors left over from an earlier request.
	for len(c.failures) > 0 {
		<-c.failures
	}

	refID := uuid.NewString()
	if _, err := c.s.client.SendPromptAfterAuthentication(text, refID, nil); err != nil {
		return err
	}
	logging.WithRequest(c.s.logger, refID).Debug("Prompt queued", "length", len(text))

	for {
		select {
		case resp := <-c.responses:
			if resp.RefID != "" && resp.RefID != refID {
				continue
			}
			// Updates delivered before the response are still buffered.
			for len(c.queued) > 0 {
				c.printQueued(<-c.queued, refID)
			}
			fmt.Fprintln(c.out, resp.Text())
			return nil
		case u := <-c.queued:
			c.printQueued(u, refID)
		case err := <-c.failures:
			return err
		case <-c.s.client.Done():
			return fullmetal.ErrSessionTerminated
		case <-ctx.Done():
			return fmt.Errorf("no response: %w", ctx.Err())
		}
	}
}

func (c *chat) printQueued(u fullmetal.QueueUpdate, refID string) {
	if u.RefID == "" || u.RefID == refID {
		fmt.Fprintf(c.out, "⏳ Queued at position %d\n", u.Position)
	}
}

// parseSlash splits a slash command into its lowercased name and arguments.
func parseSlash(line string) (name string, args []string, err error) {
	parts, err := shlex.Split(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if err != nil {
		return "", nil, err
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return strings.ToLower(parts[0]), parts[1:], nil
}

// handleCommand runs a slash command. quit is true when the chat should end.
func (c *chat) handleCommand(ctx context.Context, line string) (quit bool) {
	name, args, err := parseSlash(line)
	if err != nil {
		fmt.Fprintf(c.out, "❌ %v\n", err)
		return false
	}

	switch name {
	case "":
		fmt.Fprintln(c.out, "❓ Empty command (use /help for available commands)")
	case "quit", "exit", "q":
		return true
	case "help", "h", "?":
		c.printHelp()
	case "prompts":
		c.printPrompts()
	case "p":
		if len(args) == 0 {
			fmt.Fprintln(c.out, "Usage: /p <name> [text]")
			return false
		}
		p, ok := c.promptSet().Get(args[0])
		if !ok {
			fmt.Fprintf(c.out, "❓ Unknown prompt: %s (use /prompts to list them)\n", args[0])
			return false
		}
		text := p.Prompt
		if len(args) > 1 {
			text += "\n\n" + strings.Join(args[1:], " ")
		}
		if err := c.send(ctx, text); err != nil {
			fmt.Fprintf(c.out, "❌ Error: %v\n", err)
		}
	case "keyexchange":
		if err := c.s.client.PerformKeyExchange(ctx); err != nil {
			fmt.Fprintf(c.out, "❌ Key exchange failed: %v\n", err)
		} else {
			fmt.Fprintln(c.out, "🔐 Session key negotiated")
		}
	case "status":
		c.printStatus()
	default:
		fmt.Fprintf(c.out, "❓ Unknown command: %s (use /help for available commands)\n", name)
	}
	return false
}

func (c *chat) printHelp() {
	fmt.Fprintln(c.out, `
Available commands:
  /p <name> [text]  - Send a saved prompt, with optional extra text
  /prompts          - List saved prompts
  /keyexchange      - Negotiate the session encryption key
  /status           - Show the connection state
  /quit, /exit, /q  - Exit the chat
  /help, /h, /?     - Show this help message

Tips:
  - Quote arguments with spaces: /p translate "to French"
  - Use up/down arrows for command history
  - Use Tab to autocomplete commands and prompt names`)
}

func (c *chat) printPrompts() {
	set := c.promptSet()
	if set.Len() == 0 {
		fmt.Fprintln(c.out, "No saved prompts.")
		return
	}
	for _, name := range set.Names() {
		p, _ := set.Get(name)
		if p.Description != "" {
			fmt.Fprintf(c.out, "  %-20s %s\n", name, p.Description)
		} else {
			fmt.Fprintf(c.out, "  %s\n", name)
		}
	}
}

func (c *chat) printStatus() {
	cl := c.s.client
	fmt.Fprintf(c.out, "Client:   %s\n", cl.ID())
	fmt.Fprintf(c.out, "State:    %s\n", cl.State())
	if pong := cl.LastPong(); !pong.IsZero() {
		fmt.Fprintf(c.out, "Last pong: %s ago\n", time.Since(pong).Round(time.Second))
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	prompts, err := cfg.AllPrompts()
	if err != nil {
		logging.ConfigLogger().Warn("Failed to load prompt files", "error", err)
	}

	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	c := newChat(s, prompts, os.Stdout, chatTimeout)

	if !chatNoWatch {
		if w, err := config.NewWatcher(cfg, logging.ConfigLogger()); err != nil {
			logging.ConfigLogger().Warn("Cannot watch configuration", "error", err)
		} else {
			w.Subscribe(c.onConfigChange)
			w.Start()
			s.shutdown.AddCleanup(func(string) { w.Close() })
		}
	}

	ctx := cmd.Context()
	if err := s.start(ctx); err != nil {
		return err
	}

	// The session can end while readline waits for input.
	var quitting atomic.Bool
	go func() {
		<-s.shutdown.Done()
		if quitting.Load() {
			return
		}
		code := s.shutdown.ExitCode()
		fmt.Fprintf(os.Stderr, "\n\n👋 Session ended: %s\n", s.shutdown.Reason())
		logging.Close()
		os.Exit(code)
	}()

	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "fullmetal> " })
	rl.History.Add("default", readline.NewInMemoryHistory())
	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor, c.promptSet())
	}

	fmt.Println("\n📝 Type your prompt and press Enter. Use /help for commands. Tab completes commands.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\n👋 Goodbye!")
				quitting.Store(true)
				return s.stop("user quit")
			}
			quitting.Store(true)
			s.stop("readline error")
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if c.handleCommand(ctx, line) {
				fmt.Println("👋 Goodbye!")
				quitting.Store(true)
				return s.stop("user quit")
			}
			continue
		}

		fmt.Println()
		if err := c.send(ctx, line); err != nil {
			fmt.Printf("❌ Error: %v\n", err)
		}
		fmt.Println()
	}
}

// matchingCommands returns the slash commands starting with text.
func matchingCommands(text string) (names, descriptions []string) {
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, text) {
			names = append(names, cmd.name)
			descriptions = append(descriptions, cmd.description)
		}
	}
	return names, descriptions
}

// matchingPrompts returns the prompt names starting with prefix.
func matchingPrompts(prefix string, set *config.PromptSet) []string {
	var out []string
	for _, name := range set.Names() {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// completeInput provides tab completion for the chat input: slash commands,
// and prompt names after "/p ".
func completeInput(line string, cursor int, set *config.PromptSet) readline.Completions {
	// Get the text up to the cursor position
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	// Only complete if the line starts with "/"
	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	if rest, ok := strings.CutPrefix(text, "/p "); ok && !strings.Contains(rest, " ") {
		names := matchingPrompts(rest, set)
		if len(names) == 0 {
			return readline.Completions{}
		}
		return readline.CompleteValues(names...).Tag("prompts")
	}

	matches, descriptions := matchingCommands(text)
	if len(matches) == 0 {
		return readline.Completions{}
	}

	// Build value-description pairs for CompleteValuesDescribed
	// Format: value1, desc1, value2, desc2, ...
	pairs := make([]string, 0, len(matches)*2)
	for i, match := range matches {
		pairs = append(pairs, match, descriptions[i])
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/') // Don't add space after completing partial command
}
