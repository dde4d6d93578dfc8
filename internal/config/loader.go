package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"localrouter/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/localrouter"
	configFileName = "config.yaml"

	// EnvVar switches the data directory for tests. A value starting
	// with "test" appends the remainder as a directory suffix, so test
	// runs never touch the real configuration or keychain entries.
	EnvVar = "LOCALROUTER_ENV"
)

// GetDefaultConfigPath returns the user configuration directory,
// honoring LOCALROUTER_ENV test mode.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user home directory: %w", err)
	}

	dir := filepath.Join(homeDir, userConfigDir)
	if suffix, ok := TestModeSuffix(); ok {
		dir = dir + "-test" + suffix
	}
	return dir, nil
}

// TestModeSuffix reports whether LOCALROUTER_ENV activates test mode and
// returns the directory suffix after the "test" prefix.
func TestModeSuffix() (string, bool) {
	env := os.Getenv(EnvVar)
	if !strings.HasPrefix(env, "test") {
		return "", false
	}
	return strings.TrimPrefix(env, "test"), true
}

// LoadConfig loads configuration from a single directory. A missing
// config.yaml is not an error; defaults apply.
func LoadConfig(configPath string) (LocalRouterConfig, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		return LocalRouterConfig{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return LocalRouterConfig{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}
	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)

	if err := Validate(&config); err != nil {
		return LocalRouterConfig{}, err
	}

	return config, nil
}

// LoadLayeredConfig loads the user configuration and overlays the
// project configuration (./.localrouter/config.yaml) when present.
// Later layers win per top-level section.
func LoadLayeredConfig() (LocalRouterConfig, error) {
	userPath, err := GetDefaultConfigPath()
	if err != nil {
		return LocalRouterConfig{}, err
	}

	config, err := LoadConfig(userPath)
	if err != nil {
		return LocalRouterConfig{}, err
	}

	projectPath := filepath.Join(".localrouter", configFileName)
	data, err := os.ReadFile(projectPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return LocalRouterConfig{}, fmt.Errorf("error reading project config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return LocalRouterConfig{}, fmt.Errorf("error loading project config from %s: %w", projectPath, err)
	}
	logging.Info("ConfigLoader", "Applied project configuration from %s", projectPath)

	if err := Validate(&config); err != nil {
		return LocalRouterConfig{}, err
	}

	return config, nil
}
