// Package config embeds the default fullmetal configuration and the builtin
// prompt files.
package config

import (
	"embed"
)

// DefaultConfigYAML is written by `fullmetal config init`.
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte

// BuiltinPromptsFS holds the builtin prompts deployed to
// <appdir>/prompts/builtin.
//
//go:embed prompts/builtin/*.md
var BuiltinPromptsFS embed.FS

// BuiltinPromptsDir is the directory of the prompts inside BuiltinPromptsFS.
const BuiltinPromptsDir = "prompts/builtin"

// BuiltinDirName is the subdirectory of the prompts directory that holds the
// deployed builtin prompts.
const BuiltinDirName = "builtin"
