package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const homeEnvVar = "OVERMIND_HOME"

// Home returns the overmind home directory. Priority order:
//  1. OVERMIND_HOME environment variable
//  2. .overmind under the project root (detected by a .overmind-root
//     marker or the module's go.mod)
//  3. .overmind under the current working directory
//
// The directory is created if it does not exist.
func Home() (string, error) {
	if home := os.Getenv(homeEnvVar); home != "" {
		return home, nil
	}

	base, err := findProjectRoot()
	if err != nil {
		base, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
	}

	home := filepath.Join(base, ".overmind")
	if err := os.MkdirAll(home, 0o755); err != nil {
		return "", fmt.Errorf("create overmind home directory: %w", err)
	}
	return home, nil
}

// findProjectRoot walks up from the working directory looking for a
// .overmind-root marker or a go.mod naming this module.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		if _, err := os.Stat(filepath.Join(current, ".overmind-root")); err == nil {
			return current, nil
		}
		if data, err := os.ReadFile(filepath.Join(current, "go.mod")); err == nil {
			if strings.Contains(string(data), "github.com/harrison/overmind") {
				return current, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", fmt.Errorf("project root not found")
}

// SessionsDir returns the session state directory under the overmind home,
// creating it if needed.
func SessionsDir() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create sessions directory: %w", err)
	}
	return dir, nil
}

// ResultsDBPath returns the path of the sqlite results database under the
// overmind home.
func ResultsDBPath() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "results.db"), nil
}
