package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config represents the global ~/.souq/config.toml.
type Config struct {
	DefaultInstance string   `toml:"default_instance"`
	ListenAddr      string   `toml:"listen_addr" envconfig:"LISTEN_ADDR"`
	PrivilegedRoles []string `toml:"privileged_roles" envconfig:"PRIVILEGED_ROLES"`
	// SummaryPush disables the proactive usersWithLastMessage push when false.
	SummaryPush  *bool `toml:"summary_push"`
	WSSendBuffer int   `toml:"ws_send_buffer"`
	// AllowedOrigins are host patterns accepted on WebSocket upgrades.
	AllowedOrigins []string `toml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	Notify         Notify   `toml:"notify" ignored:"true"`
}

// Notify configures the push notification outbox.
type Notify struct {
	// Backend is one of "log", "onesignal", "amqp".
	Backend         string        `toml:"backend" envconfig:"NOTIFY_BACKEND"`
	PollInterval    time.Duration `toml:"poll_interval"`
	OneSignalAppID  string        `toml:"onesignal_app_id" envconfig:"ONESIGNAL_APP_ID"`
	OneSignalAPIKey string        `toml:"-" envconfig:"ONESIGNAL_API_KEY"`
	AMQPURL         string        `toml:"-" envconfig:"AMQP_URL"`
	AMQPExchange    string        `toml:"amqp_exchange" envconfig:"AMQP_EXCHANGE"`
}

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	push := true
	return &Config{
		ListenAddr:      "127.0.0.1:1100",
		PrivilegedRoles: []string{"admin"},
		SummaryPush:     &push,
		WSSendBuffer:    64,
		AllowedOrigins:  []string{"*"},
		Notify: Notify{
			Backend:      "log",
			PollInterval: 500 * time.Millisecond,
			AMQPExchange: "notification.internal",
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve loads the file at path over the defaults (a missing file is not an
// error), then applies a .env file from envFile if present, then SOUQ_*
// environment variables.
func Resolve(path, envFile string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process("souq", cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := envconfig.Process("souq", &cfg.Notify); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if len(c.PrivilegedRoles) == 0 {
		return errors.New("privileged_roles must name at least one role")
	}
	switch c.Notify.Backend {
	case "", "log":
	case "onesignal":
		if c.Notify.OneSignalAppID == "" || c.Notify.OneSignalAPIKey == "" {
			return errors.New("notify backend onesignal needs SOUQ_ONESIGNAL_APP_ID and SOUQ_ONESIGNAL_API_KEY")
		}
	case "amqp":
		if c.Notify.AMQPURL == "" {
			return errors.New("notify backend amqp needs SOUQ_AMQP_URL")
		}
	default:
		return fmt.Errorf("unknown notify backend %q", c.Notify.Backend)
	}
	return nil
}

// SummaryPushEnabled reports whether summaries are pushed after every message.
func (c *Config) SummaryPushEnabled() bool {
	return c.SummaryPush == nil || *c.SummaryPush
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
