package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// DataDir returns the keyshell data directory: $KEYSHELL_DATA_DIR, else
// $XDG_DATA_HOME/keyshell, else ~/.local/share/keyshell.
func DataDir() string {
	if envDir := os.Getenv("KEYSHELL_DATA_DIR"); envDir != "" {
		return envDir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "keyshell")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/var/lib", "keyshell")
	}
	return filepath.Join(home, ".local", "share", "keyshell")
}

// ConfigDir returns $XDG_CONFIG_HOME/keyshell, else ~/.config/keyshell.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "keyshell")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/etc", "keyshell")
	}
	return filepath.Join(home, ".config", "keyshell")
}

// DefaultSocketPath returns $XDG_RUNTIME_DIR/keyshell.sock, falling back to a
// per-user path in /tmp.
func DefaultSocketPath() string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "keyshell.sock")
	}
	return filepath.Join("/tmp", "keyshell-"+strconv.Itoa(os.Getuid())+".sock")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// SupportedConfigFormats returns the config file extensions searched for.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the current directory, the config directory and
// /etc/keyshell, in that order. It returns "" if nothing is found.
func FindConfigFile() string {
	for _, dir := range []string{".", ConfigDir(), "/etc/keyshell"} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
