// Package config loads procvisor settings from defaults, a YAML file and PROCVISOR_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HomeEnv overrides the state directory. When set, the config file, the
// journal and the default output directory all live beneath it.
const HomeEnv = "PROCVISOR_HOME"

// DefaultConfigDir returns $PROCVISOR_HOME, or ~/.procvisor when unset.
func DefaultConfigDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return ExpandPath(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".procvisor"), nil
}

func inConfigDir(name string) (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// DefaultConfigPath returns <config dir>/config.yaml.
func DefaultConfigPath() (string, error) { return inConfigDir("config.yaml") }

// DefaultDataPath returns <config dir>/journal.db.
func DefaultDataPath() (string, error) { return inConfigDir("journal.db") }

// DefaultOutputDir returns the directory that receives child stdout/stderr
// files when process.output_dir is unset.
func DefaultOutputDir() (string, error) { return inConfigDir("output") }

// ExpandPath resolves a leading ~ to the user's home directory and then
// substitutes $VAR and ${VAR} references. Unset variables expand to "".
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		path = home + path[1:]
	}

	path = os.ExpandEnv(path)
	if path == "" {
		return "", nil
	}
	return filepath.Clean(path), nil
}
