// Package appdir locates the fullmetal data directory, which holds
// config.yaml, an optional .env file and the logs/ subdirectory.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "FULLMETAL_DIR"

	// ConfigFileName is the name of the YAML configuration file.
	ConfigFileName = "config.yaml"

	// EnvFileName is the dotenv file loaded before the environment is read.
	EnvFileName = ".env"

	// LogsDirName is the name of the log subdirectory.
	LogsDirName = "logs"

	// LogFileName is the name of the rotated CLI log file.
	LogFileName = "fullmetal.log"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the data directory:
//  1. $FULLMETAL_DIR, if set
//  2. macOS: ~/Library/Application Support/Fullmetal
//  3. Windows: %APPDATA%\Fullmetal
//  4. elsewhere: $XDG_CONFIG_HOME/fullmetal or ~/.config/fullmetal
//
// It does not create the directory; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if cachedDir != "" {
		return cachedDir, nil
	}
	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Fullmetal"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Fullmetal"), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, "fullmetal"), nil
	}
}

// EnsureDir creates the data directory and its logs/ subdirectory.
func EnsureDir() error {
	logs, err := LogsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(logs, 0o700); err != nil {
		return fmt.Errorf("failed to create fullmetal directory %s: %w", logs, err)
	}
	return nil
}

func join(elem ...string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, elem...)...), nil
}

// ConfigPath returns the path of config.yaml.
func ConfigPath() (string, error) { return join(ConfigFileName) }

// EnvPath returns the path of the data directory's .env file.
func EnvPath() (string, error) { return join(EnvFileName) }

// LogsDir returns the path of the logs/ subdirectory.
func LogsDir() (string, error) { return join(LogsDirName) }

// LogPath returns the path of the CLI log file.
func LogPath() (string, error) { return join(LogsDirName, LogFileName) }

// ResetCache clears the cached directory. Tests use it after changing DirEnv.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
