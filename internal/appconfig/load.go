package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/tanaka/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("engine.origin", cfg.Engine.Origin)
	v.SetDefault("engine.coalesce_window_ms", cfg.Engine.CoalesceWindowMs)
	v.SetDefault("engine.debounce_ms", cfg.Engine.DebounceMs)
	v.SetDefault("engine.backoff_base_ms", cfg.Engine.BackoffBaseMs)
	v.SetDefault("engine.backoff_cap_ms", cfg.Engine.BackoffCapMs)
	v.SetDefault("engine.call_timeout_seconds", cfg.Engine.CallTimeoutSeconds)
	v.SetDefault("settings.server_url", cfg.Settings.ServerURL)
	v.SetDefault("settings.sync_interval_ms", cfg.Settings.SyncIntervalMs)
	v.SetDefault("vault.enabled", cfg.Vault.Enabled)
	v.SetDefault("vault.key_store_path", cfg.Vault.KeyStorePath)
	v.SetDefault("host.source", cfg.Host.Source)
	v.SetDefault("host.feed_path", cfg.Host.FeedPath)
	v.SetDefault("host.chrome.remote_url", cfg.Host.Chrome.RemoteURL)
	v.SetDefault("host.chrome.exec_path", cfg.Host.Chrome.ExecPath)
	v.SetDefault("host.chrome.headless", cfg.Host.Chrome.Headless)
	v.SetDefault("http.enabled", cfg.HTTP.Enabled)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.token", cfg.HTTP.Token)
	v.SetDefault("ssh.enabled", cfg.SSH.Enabled)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("ssh.authorized_keys", cfg.SSH.AuthorizedKeys)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if !v.IsSet("state_dir") {
			return Config{}, fmt.Errorf("state_dir is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unsupported store.backend %q", cfg.Store.Backend)
	}
	switch cfg.Host.Source {
	case HostSourceNone, HostSourceStdin, HostSourceChrome:
	case HostSourceFile:
		if strings.TrimSpace(cfg.Host.FeedPath) == "" {
			return fmt.Errorf("host.feed_path is required for host.source %q", HostSourceFile)
		}
	default:
		return fmt.Errorf("unsupported host.source %q", cfg.Host.Source)
	}
	if cfg.Engine.CoalesceWindowMs < 0 || cfg.Engine.DebounceMs < 0 {
		return fmt.Errorf("engine timings must not be negative")
	}
	if cfg.Engine.BackoffBaseMs <= 0 || cfg.Engine.BackoffCapMs < cfg.Engine.BackoffBaseMs {
		return fmt.Errorf("engine.backoff_cap_ms must be >= engine.backoff_base_ms > 0")
	}
	if cfg.Engine.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("engine.call_timeout_seconds must be positive")
	}
	if _, err := schema.NormalizeUserSettings(schema.UserSettings{
		ServerURL:      cfg.Settings.ServerURL,
		SyncIntervalMs: cfg.Settings.SyncIntervalMs,
	}); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if cfg.Engine.Origin != "" {
		if err := schema.ValidateEntityID(cfg.Engine.Origin); err != nil {
			return fmt.Errorf("engine.origin: %w", err)
		}
	}
	return validateHTTPConfig(cfg.HTTP)
}

func validateHTTPConfig(cfg HTTPConfig) error {
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Vault.KeyStorePath = expandEnv(cfg.Vault.KeyStorePath)
	cfg.Host.FeedPath = expandEnv(cfg.Host.FeedPath)
	cfg.Host.Chrome.ExecPath = expandEnv(cfg.Host.Chrome.ExecPath)
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.HTTP.Token = expandEnv(cfg.HTTP.Token)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
