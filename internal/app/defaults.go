package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - NAS_CONFIG_PATH: config file location (default: ~/.config/nas.toml)
//   - NAS_HOME: base directory for nas data (default: ~/.local/share/nas)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"store_root":  filepath.Join(baseDir, "store"),
	}, nil
}

// getConfigPath returns the config file path, checking NAS_CONFIG_PATH env var first,
// then falling back to the default ~/.config/nas.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("NAS_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "nas.toml"), nil
}

// getBaseDir returns the base directory for nas data, checking NAS_HOME env var first,
// then falling back to the XDG default ~/.local/share/nas.
func getBaseDir() (string, error) {
	if path := os.Getenv("NAS_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "nas"), nil
}
