package identity

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.affinity-chat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".affinity-chat")
}

// Dir returns the identity-specific data directory.
func Dir(id string) string {
	return filepath.Join(BaseDir(), "identities", id)
}

// CacheDBPath returns the durable message cache path for an identity.
func CacheDBPath(id string) string {
	return filepath.Join(Dir(id), "cache.db")
}

// LogPath returns the daemon log file path for an identity.
func LogPath(id string) string {
	return filepath.Join(Dir(id), "logs", "chatd.log")
}

// EnsureDir creates the identity directory tree, including the log
// directory.
func EnsureDir(id string) error {
	return os.MkdirAll(filepath.Join(Dir(id), "logs"), 0o700)
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}
