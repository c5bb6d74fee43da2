package config

import (
	"os"
	"path/filepath"
	"testing"

	internalconfig "github.com/inercia/fullmetal/internal/config"
)

func TestDefaultConfigYAML_Parses(t *testing.T) {
	cfg, err := internalconfig.Parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("embedded default config does not parse: %v", err)
	}
	if cfg.Server.URL == "" || len(cfg.Prompts) == 0 {
		t.Errorf("embedded default config = %+v", cfg)
	}
}

func TestDeployBuiltinPrompts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "builtin")

	first, err := DeployBuiltinPrompts(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	names, _ := ListEmbeddedPrompts()
	if len(first.Deployed) != len(names) || len(names) == 0 {
		t.Fatalf("deployed %v, embedded %v", first.Deployed, names)
	}

	os.WriteFile(filepath.Join(dir, names[0]), []byte("custom"), 0o644)
	second, err := DeployBuiltinPrompts(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Deployed) != 0 || len(second.Skipped) != len(names) {
		t.Errorf("second deploy = %+v", second)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, names[0])); string(data) != "custom" {
		t.Error("existing prompt overwritten without force")
	}

	forced, _ := DeployBuiltinPrompts(dir, true)
	if len(forced.Deployed) != len(names) {
		t.Errorf("forced deploy = %+v", forced)
	}

	prompts, _, err := internalconfig.LoadPromptsFromDir(dir)
	if err != nil || len(prompts) != len(names) {
		t.Errorf("deployed prompts do not load: %v %v", prompts, err)
	}
}
