package config

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/inercia/fullmetal/internal/fileutil"
)

// DeployResult lists what DeployBuiltinPrompts did.
type DeployResult struct {
	Deployed []string
	Skipped  []string
	Errors   []error
}

// DeployBuiltinPrompts writes the builtin prompts into targetDir. Existing
// files are kept unless force is set.
func DeployBuiltinPrompts(targetDir string, force bool) (*DeployResult, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", targetDir, err)
	}
	names, err := ListEmbeddedPrompts()
	if err != nil {
		return nil, err
	}

	result := &DeployResult{}
	for _, name := range names {
		dst := filepath.Join(targetDir, name)
		if _, err := os.Stat(dst); err == nil && !force {
			result.Skipped = append(result.Skipped, name)
			continue
		}
		content, err := fs.ReadFile(BuiltinPromptsFS, path.Join(BuiltinPromptsDir, name))
		if err == nil {
			err = fileutil.WriteFileAtomic(dst, content, 0o644)
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", name, err))
			continue
		}
		result.Deployed = append(result.Deployed, name)
	}
	return result, nil
}

// ListEmbeddedPrompts returns the builtin prompt file names.
func ListEmbeddedPrompts() ([]string, error) {
	entries, err := fs.ReadDir(BuiltinPromptsFS, BuiltinPromptsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded prompts: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
