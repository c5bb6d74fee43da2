package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/inercia/fullmetal/internal/appdir"
)

// PromptsDirName is the default prompts directory inside the data directory.
const PromptsDirName = "prompts"

const frontMatterDelimiter = "---"

// promptFrontMatter is the YAML header of a prompt file.
type promptFrontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
}

// ParsePromptFile parses a markdown prompt file:
//
//	---
//	name: review
//	description: Ask for a code review
//	---
//
//	Review the following change...
//
// Without front-matter the whole file is the prompt and the name is the file
// name without extension. ok is false for files marked "enabled: false".
func ParsePromptFile(path string, data []byte) (p Prompt, ok bool, err error) {
	content := strings.TrimSpace(string(data))
	var fm promptFrontMatter

	if strings.HasPrefix(content, frontMatterDelimiter) {
		lines := strings.Split(content, "\n")
		end := 0
		for i := 1; i < len(lines); i++ {
			if strings.TrimSpace(lines[i]) == frontMatterDelimiter {
				end = i
				break
			}
		}
		// Without a closing delimiter the file is all content.
		if end > 0 {
			if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &fm); err != nil {
				return Prompt{}, false, fmt.Errorf("failed to parse front-matter in %s: %w", path, err)
			}
			content = strings.TrimSpace(strings.Join(lines[end+1:], "\n"))
		}
	}

	if fm.Enabled != nil && !*fm.Enabled {
		return Prompt{}, false, nil
	}
	name := fm.Name
	if name == "" {
		base := filepath.Base(path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return Prompt{Name: name, Prompt: content, Description: fm.Description}, true, nil
}

// LoadPromptsFromDir loads every enabled .md file under dir, sorted by name.
// A missing directory yields no prompts. Unparseable files are skipped and
// returned as skipped paths.
func LoadPromptsFromDir(dir string) (prompts []Prompt, skipped []string, err error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil, nil
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			skipped = append(skipped, path)
			return nil
		}
		p, ok, err := ParsePromptFile(path, data)
		if err != nil {
			skipped = append(skipped, path)
			return nil
		}
		if ok {
			prompts = append(prompts, p)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to walk prompts directory %s: %w", dir, err)
	}

	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts, skipped, nil
}

// ResolvedPromptsDir returns PromptsDir, or <appdir>/prompts when unset.
func (c *Config) ResolvedPromptsDir() string {
	if c.PromptsDir != "" {
		return c.PromptsDir
	}
	dir, err := appdir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, PromptsDirName)
}

// PromptSet is the merged set of named prompts.
type PromptSet struct {
	byName map[string]Prompt
	names  []string
}

// AllPrompts merges the config's prompts with the prompt files. A file
// replaces a config prompt of the same name.
func (c *Config) AllPrompts() (*PromptSet, error) {
	set := &PromptSet{byName: make(map[string]Prompt)}
	for _, p := range c.Prompts {
		set.add(p)
	}
	if dir := c.ResolvedPromptsDir(); dir != "" {
		files, _, err := LoadPromptsFromDir(dir)
		if err != nil {
			return set, err
		}
		for _, p := range files {
			set.add(p)
		}
	}
	sort.Strings(set.names)
	return set, nil
}

func (s *PromptSet) add(p Prompt) {
	if _, exists := s.byName[p.Name]; !exists {
		s.names = append(s.names, p.Name)
	}
	s.byName[p.Name] = p
}

// Get returns the prompt called name.
func (s *PromptSet) Get(name string) (Prompt, bool) {
	if s == nil {
		return Prompt{}, false
	}
	p, ok := s.byName[name]
	return p, ok
}

// Names returns the prompt names in order.
func (s *PromptSet) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// Len returns the number of prompts.
func (s *PromptSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}
