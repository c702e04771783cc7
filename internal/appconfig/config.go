package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/tanaka/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	Store         StoreConfig    `mapstructure:"store" yaml:"store"`
	Engine        EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Settings      SettingsConfig `mapstructure:"settings" yaml:"settings"`
	Vault         VaultConfig    `mapstructure:"vault" yaml:"vault"`
	Host          HostConfig     `mapstructure:"host" yaml:"host"`
	HTTP          HTTPConfig     `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Host event sources.
const (
	HostSourceNone   = "none"
	HostSourceStdin  = "stdin"
	HostSourceFile   = "file"
	HostSourceChrome = "chrome"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// EngineConfig tunes capture and sync timing.
type EngineConfig struct {
	Origin             string `mapstructure:"origin" yaml:"origin"`
	CoalesceWindowMs   int    `mapstructure:"coalesce_window_ms" yaml:"coalesce_window_ms"`
	DebounceMs         int    `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	BackoffBaseMs      int    `mapstructure:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffCapMs       int    `mapstructure:"backoff_cap_ms" yaml:"backoff_cap_ms"`
	CallTimeoutSeconds int    `mapstructure:"call_timeout_seconds" yaml:"call_timeout_seconds"`
}

// CoalesceWindow returns the capture coalescing window.
func (e EngineConfig) CoalesceWindow() time.Duration {
	return time.Duration(e.CoalesceWindowMs) * time.Millisecond
}

// Debounce returns the delay between a local change and its sync.
func (e EngineConfig) Debounce() time.Duration {
	return time.Duration(e.DebounceMs) * time.Millisecond
}

// BackoffBase returns the first retry delay.
func (e EngineConfig) BackoffBase() time.Duration {
	return time.Duration(e.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the retry delay ceiling.
func (e EngineConfig) BackoffCap() time.Duration {
	return time.Duration(e.BackoffCapMs) * time.Millisecond
}

// CallTimeout returns the per-request transport deadline.
func (e EngineConfig) CallTimeout() time.Duration {
	return time.Duration(e.CallTimeoutSeconds) * time.Second
}

// DefaultUserSettings returns the first-run user settings.
func (s SettingsConfig) DefaultUserSettings() schema.UserSettings {
	return schema.UserSettings{ServerURL: s.ServerURL, SyncIntervalMs: s.SyncIntervalMs}
}

// SettingsConfig holds the first-run user settings.
type SettingsConfig struct {
	ServerURL      string `mapstructure:"server_url" yaml:"server_url"`
	SyncIntervalMs int64  `mapstructure:"sync_interval_ms" yaml:"sync_interval_ms"`
}

// VaultConfig configures sealing of the auth token at rest.
type VaultConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	KeyStorePath string `mapstructure:"key_store_path" yaml:"key_store_path"`
}

// HostConfig selects where browser lifecycle events come from.
type HostConfig struct {
	Source   string       `mapstructure:"source" yaml:"source"`
	FeedPath string       `mapstructure:"feed_path" yaml:"feed_path"`
	Chrome   ChromeConfig `mapstructure:"chrome" yaml:"chrome"`
}

// ChromeConfig configures the DevTools host source.
type ChromeConfig struct {
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath  string `mapstructure:"exec_path" yaml:"exec_path"`
	Headless  bool   `mapstructure:"headless" yaml:"headless"`
}

// HTTPConfig configures the HTTP control API.
type HTTPConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
	// Token, when set, is required as a bearer token by the API.
	Token string `mapstructure:"token" yaml:"token"`
}

// SSHConfig configures the SSH command console.
type SSHConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	HostKeyPath    string   `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeys []string `mapstructure:"authorized_keys" yaml:"authorized_keys"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".tanaka")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(base, "state"),
		Store: StoreConfig{
			Backend: "file",
		},
		Engine: EngineConfig{
			CoalesceWindowMs:   250,
			DebounceMs:         1000,
			BackoffBaseMs:      2000,
			BackoffCapMs:       300000,
			CallTimeoutSeconds: 30,
		},
		Settings: SettingsConfig{
			ServerURL:      schema.DefaultServerURL,
			SyncIntervalMs: schema.DefaultSyncIntervalMs,
		},
		Vault: VaultConfig{
			Enabled:      true,
			KeyStorePath: filepath.Join(base, "state", "keys.bundle"),
		},
		Host: HostConfig{
			Source: HostSourceNone,
			Chrome: ChromeConfig{
				Headless: true,
			},
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:27490",
		},
		SSH: SSHConfig{
			Enabled:        false,
			Addr:           "127.0.0.1:27422",
			HostKeyPath:    filepath.Join(base, "ssh_host_key"),
			AuthorizedKeys: []string{},
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tanaka", "config.yaml"), nil
}
