package instance

import (
	"os"

	"github.com/matheus3301/souq/internal/config"
)

const DefaultName = "main"

// Resolve determines the active instance name using precedence:
// 1. flagOverride (--instance flag)
// 2. config.toml default_instance
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultInstance != "" {
		return cfg.DefaultInstance
	}
	return DefaultName
}

// ListenAddr returns the gateway address clients should dial: SOUQ_LISTEN_ADDR,
// then config.toml listen_addr, then the default.
func ListenAddr() string {
	if v := os.Getenv("SOUQ_LISTEN_ADDR"); v != "" {
		return v
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.ListenAddr != "" {
		return cfg.ListenAddr
	}
	return config.Defaults().ListenAddr
}
