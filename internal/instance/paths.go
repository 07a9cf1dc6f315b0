package instance

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.souq.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".souq")
}

// Dir returns the instance-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "instances", name)
}

// SocketPath returns the UDS socket path of the daemon's control plane.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for an instance.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the SQLite database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "souq.db")
}

// EnvPath returns the optional .env file holding deploy secrets.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// LogDir returns the log directory for an instance.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "souqd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the instance directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
