package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/fullmetal/internal/devserver"
	"github.com/inercia/fullmetal/internal/logging"
)

var (
	devAddr          string
	devAPIKeys       []string
	devQueueUpdates  bool
	devResponseDelay time.Duration
	devPromptRate    float64
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local echo prompt service",
	Long: `Run a local server speaking the prompt service protocol on /ws.

Every prompt is answered with "echo: <prompt>". It supports
authentication, heartbeats, queue updates and encrypted prompts, so the
other commands can be tried without a real service:

  fullmetal devserver --addr localhost:5000 &
  FULLMETAL_API_KEY=dev fullmetal prompt hello`,
	Args: cobra.NoArgs,
	RunE: runDevserver,
}

func init() {
	rootCmd.AddCommand(devserverCmd)

	devserverCmd.Flags().StringVar(&devAddr, "addr", "localhost:5000", "Listen address")
	devserverCmd.Flags().StringSliceVar(&devAPIKeys, "api-key", nil, "Accepted API keys (default: any non-empty key)")
	devserverCmd.Flags().BoolVar(&devQueueUpdates, "queue-updates", false, "Send a queue position update before each response")
	devserverCmd.Flags().DurationVar(&devResponseDelay, "delay", 0, "Delay before each response")
	devserverCmd.Flags().Float64Var(&devPromptRate, "rate", 0, "Prompts per second allowed per connection (0 is unlimited)")
}

func runDevserver(cmd *cobra.Command, args []string) error {
	logger := logging.DevServer()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := devserver.New(devserver.Options{
		APIKeys:       devAPIKeys,
		QueueUpdates:  devQueueUpdates,
		ResponseDelay: devResponseDelay,
		PromptRate:    devPromptRate,
		Logger:        logger,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "🚀 Dev server listening on ws://%s/ws\n", devAddr)
	logger.Info("Dev server starting", "addr", devAddr)
	if err := devserver.ListenAndServe(ctx, devAddr, s); err != nil {
		return fmt.Errorf("dev server: %w", err)
	}
	logger.Info("Dev server stopped")
	return nil
}
