// Package config loads the nnm configuration: TOML file, .env file, and
// NNM_* environment overrides, in that order of precedence (env wins).
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration wraps time.Duration so values like "8s" or "15m" parse straight
// from TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the main configuration
type Config struct {
	AccountsFile string        `toml:"accounts_file"`
	API          APIConfig     `toml:"api"`
	Rate         RateConfig    `toml:"rate"`
	Session      SessionConfig `toml:"session"`
	Proxy        ProxyConfig   `toml:"proxy"`
}

// APIConfig holds the remote service endpoints and timeouts
type APIConfig struct {
	AuthBase       string   `toml:"auth_base"`
	BeatBase       string   `toml:"beat_base"`
	RequestTimeout Duration `toml:"request_timeout"`
	PingTimeout    Duration `toml:"ping_timeout"`
}

// RateConfig bounds the global outbound call budget
type RateConfig struct {
	MaxConcurrent int      `toml:"max_concurrent"`
	MinInterval   Duration `toml:"min_interval"`
}

// SessionConfig holds the session engine cadence and attempt budgets
type SessionConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	StatusRecheck     Duration `toml:"status_recheck"`
	TokenTTL          Duration `toml:"token_ttl"`
	RefreshCheck      Duration `toml:"refresh_check"`

	AuthAttempts   int      `toml:"auth_attempts"`
	AuthRetryDelay Duration `toml:"auth_retry_delay"`
	ReauthWait     Duration `toml:"reauth_wait"`

	ActivationAttempts   int      `toml:"activation_attempts"`
	ActivationRetryDelay Duration `toml:"activation_retry_delay"`
	ActivationFailWait   Duration `toml:"activation_fail_wait"`

	RenewalAttempts int      `toml:"renewal_attempts"`
	CrashPause      Duration `toml:"crash_pause"`
}

// ProxyConfig holds proxy sourcing settings
type ProxyConfig struct {
	SourceURL string `toml:"source_url"`
	File      string `toml:"file"`
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nnm", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "nnm", "config.toml")
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		AccountsFile: "accounts.json",
		API: APIConfig{
			AuthBase:       "https://naorisprotocol.network/sec-api",
			BeatBase:       "https://beat.naorisprotocol.network",
			RequestTimeout: Duration(15 * time.Second),
			PingTimeout:    Duration(10 * time.Second),
		},
		Rate: RateConfig{
			MaxConcurrent: 5,
			MinInterval:   Duration(time.Second),
		},
		Session: SessionConfig{
			HeartbeatInterval:    Duration(8 * time.Second),
			StatusRecheck:        Duration(60 * time.Second),
			TokenTTL:             Duration(900 * time.Second),
			RefreshCheck:         Duration(60 * time.Second),
			AuthAttempts:         3,
			AuthRetryDelay:       Duration(5 * time.Second),
			ReauthWait:           Duration(10 * time.Second),
			ActivationAttempts:   3,
			ActivationRetryDelay: Duration(5 * time.Second),
			ActivationFailWait:   Duration(10 * time.Second),
			RenewalAttempts:      3,
			CrashPause:           Duration(5 * time.Second),
		},
		Proxy: ProxyConfig{
			SourceURL: "https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/all.txt",
			File:      "proxy.txt",
		},
	}
}

// Load loads configuration from a file, falling back to defaults when the
// file does not exist. A .env file in the working directory is read first;
// NNM_* environment variables override both.
func Load(path string) (*Config, error) {
	// Missing .env is fine; a present but broken one is not.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = DefaultPath()
		// Default path absent just means defaults.
		if _, err := os.Stat(path); err != nil {
			applyEnv(cfg)
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply defaults for missing values
	def := Default()
	if cfg.AccountsFile == "" {
		cfg.AccountsFile = def.AccountsFile
	}
	if cfg.API.AuthBase == "" {
		cfg.API.AuthBase = def.API.AuthBase
	}
	if cfg.API.BeatBase == "" {
		cfg.API.BeatBase = def.API.BeatBase
	}
	if cfg.API.RequestTimeout == 0 {
		cfg.API.RequestTimeout = def.API.RequestTimeout
	}
	if cfg.API.PingTimeout == 0 {
		cfg.API.PingTimeout = def.API.PingTimeout
	}
	if cfg.Rate.MaxConcurrent == 0 {
		cfg.Rate.MaxConcurrent = def.Rate.MaxConcurrent
	}
	if cfg.Rate.MinInterval == 0 {
		cfg.Rate.MinInterval = def.Rate.MinInterval
	}
	fillSessionDefaults(&cfg.Session, &def.Session)
	if cfg.Proxy.SourceURL == "" {
		cfg.Proxy.SourceURL = def.Proxy.SourceURL
	}
	if cfg.Proxy.File == "" {
		cfg.Proxy.File = def.Proxy.File
	}

	applyEnv(cfg)
	return cfg, nil
}

func fillSessionDefaults(s, def *SessionConfig) {
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = def.HeartbeatInterval
	}
	if s.StatusRecheck == 0 {
		s.StatusRecheck = def.StatusRecheck
	}
	if s.TokenTTL == 0 {
		s.TokenTTL = def.TokenTTL
	}
	if s.RefreshCheck == 0 {
		s.RefreshCheck = def.RefreshCheck
	}
	if s.AuthAttempts == 0 {
		s.AuthAttempts = def.AuthAttempts
	}
	if s.AuthRetryDelay == 0 {
		s.AuthRetryDelay = def.AuthRetryDelay
	}
	if s.ReauthWait == 0 {
		s.ReauthWait = def.ReauthWait
	}
	if s.ActivationAttempts == 0 {
		s.ActivationAttempts = def.ActivationAttempts
	}
	if s.ActivationRetryDelay == 0 {
		s.ActivationRetryDelay = def.ActivationRetryDelay
	}
	if s.ActivationFailWait == 0 {
		s.ActivationFailWait = def.ActivationFailWait
	}
	if s.RenewalAttempts == 0 {
		s.RenewalAttempts = def.RenewalAttempts
	}
	if s.CrashPause == 0 {
		s.CrashPause = def.CrashPause
	}
}

// applyEnv overlays NNM_* environment variables on top of the loaded config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NNM_ACCOUNTS_FILE"); v != "" {
		cfg.AccountsFile = v
	}
	if v := os.Getenv("NNM_PROXY_FILE"); v != "" {
		cfg.Proxy.File = v
	}
	if v := os.Getenv("NNM_PROXY_SOURCE_URL"); v != "" {
		cfg.Proxy.SourceURL = v
	}
	if v := os.Getenv("NNM_AUTH_BASE"); v != "" {
		cfg.API.AuthBase = v
	}
	if v := os.Getenv("NNM_BEAT_BASE"); v != "" {
		cfg.API.BeatBase = v
	}
	if v := os.Getenv("NNM_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Rate.MaxConcurrent = n
		}
	}
	if v := os.Getenv("NNM_MIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Rate.MinInterval = Duration(d)
		}
	}
}

// CreateDefault creates a default config file
func CreateDefault() (string, error) {
	path := DefaultPath()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file already exists: %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := Print(Default(), f); err != nil {
		return "", err
	}

	return path, nil
}

// Print writes config to a writer in TOML format
func Print(cfg *Config, w io.Writer) error {
	fmt.Fprintln(w, "# NNM (Naoris Node Manager) Configuration")
	fmt.Fprintln(w)
	return toml.NewEncoder(w).Encode(cfg)
}
