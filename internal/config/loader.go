package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Conventional config directory names.
const (
	GlobalDirName  = ".autopilot"
	ProjectDirName = ".autopilot"
)

// configNames are tried in order inside a config directory.
var configNames = []string{"config.json", "config.yaml", "config.yml"}

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*OrchestratorConfig, error) {
	// Start with defaults
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Project config has the highest precedence
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.autopilot/config.{json,yaml,yml}
// Project: .autopilot/config.{json,yaml,yml} (relative to cwd)
func LoadDefault() (*OrchestratorConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	return Load(FindConfig(filepath.Join(homeDir, GlobalDirName)), FindConfig(ProjectDirName))
}

// FindConfig returns the first config file present in dir, or "".
func FindConfig(dir string) string {
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// mergeConfigFile decodes a config file over base. Maps gain or replace
// entries key by key; scalar settings are replaced only when present.
func mergeConfigFile(base *OrchestratorConfig, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if isYAML(path) {
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := yaml.Unmarshal(data, base); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
