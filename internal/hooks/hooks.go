// Package hooks runs the CLI's lifecycle commands and coordinates shutdown.
// Hooks are shell commands configured under "hooks" in config.yaml that run
// when a session terminates or when the CLI exits.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/inercia/fullmetal/internal/config"
	"github.com/inercia/fullmetal/internal/logging"
	"github.com/inercia/fullmetal/pkg/fullmetal"
)

// DefaultTimeout bounds a hook without its own timeout.
const DefaultTimeout = 30 * time.Second

// Run executes hook synchronously through "sh -c" with env added to the
// process environment. It returns the exit code, or -1 when the command
// could not run or timed out. An empty command returns 0 without running.
func Run(hook config.Hook, kind string, env map[string]string) int {
	if hook.Command == "" {
		return 0
	}

	logger := logging.CLI().With("hook", kind)
	name := hook.Name
	if name == "" {
		name = kind
	}
	timeout := hook.Timeout.Duration()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", hook.Command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}

	logger.Info("Running hook", "name", name, "command", hook.Command)
	err := cmd.Run()
	if err == nil {
		logger.Debug("Hook completed", "name", name, "exit_code", 0)
		return 0
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		exitCode = exitErr.ExitCode()
	}
	fmt.Fprintf(os.Stderr, "hook %q exited with code %d: %v\n", name, exitCode, err)
	logger.Error("Hook failed", "name", name, "exit_code", exitCode, "error", err)
	return exitCode
}

// TerminationEnv describes t as environment variables for a hook.
func TerminationEnv(t fullmetal.Termination) map[string]string {
	env := map[string]string{
		"FULLMETAL_TERMINATION_CAUSE":   t.Cause.String(),
		"FULLMETAL_TERMINATION_REASON":  t.Reason,
		"FULLMETAL_TERMINATION_RESTART": strconv.FormatBool(t.Restart),
		"FULLMETAL_TERMINATION_FATAL":   strconv.FormatBool(t.Fatal()),
	}
	if t.Err != nil {
		env["FULLMETAL_TERMINATION_ERROR"] = t.Err.Error()
	}
	return env
}

// RunTerminated runs the on_terminated hook for t.
func RunTerminated(hook config.Hook, t fullmetal.Termination) int {
	return Run(hook, "terminated", TerminationEnv(t))
}
