package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/lyo-realtime/internal/notify"
	"github.com/alexjbarnes/lyo-realtime/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for lyo-realtime.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Backend endpoints. The WebSocket URL is the base the bearer token
	// and client metadata are appended to.
	WSURL  string `env:"LYO_WS_URL"`
	APIURL string `env:"LYO_API_URL"`

	// Optional sign-in used on first start when no credential is cached.
	Email    string `env:"LYO_EMAIL"`
	Password string `env:"LYO_PASSWORD"`

	// Optional credential seed. Written to the state store on start when
	// present, replacing whatever is cached.
	AccessToken  string `env:"LYO_ACCESS_TOKEN"`
	RefreshToken string `env:"LYO_REFRESH_TOKEN"`

	// Device name sent as client metadata. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// StatePath is the bbolt database file. Defaults to
	// ~/.lyo-realtime/state.db.
	StatePath string `env:"STATE_PATH"`

	// Connection tuning.
	ConnectTimeout       time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatMaxMissed   int           `env:"HEARTBEAT_MAX_MISSED" envDefault:"2"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	ReconnectBackoffCap  time.Duration `env:"RECONNECT_BACKOFF_CAP" envDefault:"30s"`

	// Connectivity probing. ProbeAddr defaults to the host:port of WSURL.
	ProbeInterval time.Duration `env:"CONNECTIVITY_PROBE_INTERVAL" envDefault:"15s"`
	ProbeAddr     string        `env:"CONNECTIVITY_PROBE_ADDR"`

	// Notification settings.
	NotifyAuthorized    bool     `env:"NOTIFY_AUTHORIZED" envDefault:"true"`
	NotifyDisabledTypes []string `env:"NOTIFY_DISABLED_TYPES" envSeparator:","`
	NotifyQuietStart    string   `env:"NOTIFY_QUIET_START" envDefault:"22:00"`
	NotifyQuietEnd      string   `env:"NOTIFY_QUIET_END" envDefault:"07:00"`
	NotifyRulesFile     string   `env:"NOTIFY_RULES_FILE"`

	// Local control server (HTTP + MCP).
	EnableControl     bool   `env:"ENABLE_CONTROL" envDefault:"false"`
	ControlListenAddr string `env:"CONTROL_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	ControlTokenHash  string `env:"CONTROL_TOKEN_HASH"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "lyo-realtime"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	} else {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	if cfg.ProbeAddr == "" {
		addr, err := probeAddrFromURL(cfg.WSURL)
		if err != nil {
			return nil, err
		}

		cfg.ProbeAddr = addr
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.WSURL == "" {
		return fmt.Errorf("LYO_WS_URL is required")
	}

	u, err := url.Parse(c.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("LYO_WS_URL must be a ws:// or wss:// URL")
	}

	if c.APIURL == "" {
		return fmt.Errorf("LYO_API_URL is required")
	}

	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("LYO_API_URL must be an http:// or https:// URL")
	}

	if (c.Email == "") != (c.Password == "") {
		return fmt.Errorf("LYO_EMAIL and LYO_PASSWORD must be set together")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}

	if c.HeartbeatMaxMissed < 1 {
		return fmt.Errorf("HEARTBEAT_MAX_MISSED must be at least 1")
	}

	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}

	if c.ReconnectBackoffCap < time.Second {
		return fmt.Errorf("RECONNECT_BACKOFF_CAP must be at least 1s")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be positive")
	}

	if c.ProbeInterval <= 0 {
		return fmt.Errorf("CONNECTIVITY_PROBE_INTERVAL must be positive")
	}

	if _, err := c.QuietHours(); err != nil {
		return err
	}

	if _, err := c.DisabledTypes(); err != nil {
		return err
	}

	if c.EnableControl && c.ControlTokenHash == "" {
		return fmt.Errorf("CONTROL_TOKEN_HASH is required when the control server is enabled")
	}

	return nil
}

// QuietHours parses the configured quiet window.
func (c *Config) QuietHours() (notify.QuietHours, error) {
	qh, err := notify.ParseQuietHours(c.NotifyQuietStart, c.NotifyQuietEnd)
	if err != nil {
		return notify.QuietHours{}, fmt.Errorf("NOTIFY_QUIET_START/NOTIFY_QUIET_END: %w", err)
	}

	return qh, nil
}

// DisabledTypes parses NOTIFY_DISABLED_TYPES into notification types.
func (c *Config) DisabledTypes() ([]notify.Type, error) {
	var types []notify.Type

	for _, raw := range c.NotifyDisabledTypes {
		if raw == "" {
			continue
		}

		t, err := notify.ParseType(raw)
		if err != nil {
			return nil, fmt.Errorf("NOTIFY_DISABLED_TYPES: %w", err)
		}

		types = append(types, t)
	}

	return types, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// probeAddrFromURL derives a host:port TCP probe target from a ws/wss URL.
func probeAddrFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing LYO_WS_URL: %w", err)
	}

	if u.Port() != "" {
		return u.Host, nil
	}

	port := "80"
	if u.Scheme == "wss" {
		port = "443"
	}

	return net.JoinHostPort(u.Hostname(), port), nil
}
