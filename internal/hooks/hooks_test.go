package hooks

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inercia/fullmetal/internal/config"
	"github.com/inercia/fullmetal/pkg/fullmetal"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name string
		hook config.Hook
		want int
	}{
		{"empty", config.Hook{}, 0},
		{"success", config.Hook{Command: "exit 0"}, 0},
		{"exit code", config.Hook{Command: "exit 7"}, 7},
		{"timeout", config.Hook{Command: "sleep 5", Timeout: config.Duration(50 * time.Millisecond)}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Run(tt.hook, "test", nil); got != tt.want {
				t.Errorf("Run() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRun_Env(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env")
	hook := config.Hook{Command: `printf "%s" "$GREETING" > ` + out}

	if code := Run(hook, "test", map[string]string{"GREETING": "hello"}); code != 0 {
		t.Fatalf("Run() = %d", code)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "hello" {
		t.Errorf("hook saw GREETING=%q", data)
	}
}

func TestTerminationEnv(t *testing.T) {
	env := TerminationEnv(fullmetal.Termination{
		Cause:  fullmetal.CauseAuthentication,
		Reason: "bad key",
		Err:    errors.New("denied"),
	})

	want := map[string]string{
		"FULLMETAL_TERMINATION_CAUSE":   fullmetal.CauseAuthentication.String(),
		"FULLMETAL_TERMINATION_REASON":  "bad key",
		"FULLMETAL_TERMINATION_RESTART": "false",
		"FULLMETAL_TERMINATION_FATAL":   "true",
		"FULLMETAL_TERMINATION_ERROR":   "denied",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}

	disconnect := TerminationEnv(fullmetal.Termination{Cause: fullmetal.CauseDisconnect, Restart: true})
	if _, ok := disconnect["FULLMETAL_TERMINATION_ERROR"]; ok {
		t.Error("error variable set without an error")
	}
	if disconnect["FULLMETAL_TERMINATION_FATAL"] != "false" || !strings.EqualFold(disconnect["FULLMETAL_TERMINATION_RESTART"], "true") {
		t.Errorf("disconnect env = %v", disconnect)
	}
}
