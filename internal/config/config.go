// Package config provides configuration directory management for sshcored.
package config

import (
	"os"
	"path/filepath"
)

// GetConfigDir returns the configuration directory for sshcored.
// It follows platform-specific conventions:
// - Windows: %APPDATA%\sshcored
// - Unix-like: $XDG_CONFIG_HOME/sshcored or $HOME/.config/sshcored
func GetConfigDir() (string, error) {
	var configDir string

	// Check for XDG_CONFIG_HOME first (cross-platform standard)
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, "sshcored")
	} else if appData := os.Getenv("APPDATA"); appData != "" {
		// Windows: use APPDATA
		configDir = filepath.Join(appData, "sshcored")
	} else if homeDir, err := os.UserHomeDir(); err == nil {
		// Unix-like: use ~/.config/sshcored
		configDir = filepath.Join(homeDir, ".config", "sshcored")
	} else {
		return "", err
	}

	// Ensure the directory exists
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return configDir, nil
}

// GetUserDBPath returns the full path to the user database file in the config directory.
func GetUserDBPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "users.json"), nil
}

// GetHostKeyPath returns the full path to the persisted ed25519 host
// key file in the config directory.
func GetHostKeyPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "host_ed25519_key"), nil
}
