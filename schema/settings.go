package schema

import "time"

const (
	// DefaultServerURL is used at first run.
	DefaultServerURL = "http://127.0.0.1:8000"
	// DefaultSyncIntervalMs is the periodic sync interval at first run.
	DefaultSyncIntervalMs int64 = 5000
	// MinSyncIntervalMs bounds the periodic interval from below.
	MinSyncIntervalMs int64 = 1000
	// MaxSyncIntervalMs bounds the periodic interval from above.
	MaxSyncIntervalMs int64 = 3600000
)

// UserSettings is the user's sync configuration.
type UserSettings struct {
	ServerURL      string `json:"server_url"`
	AuthToken      string `json:"auth_token"`
	SyncIntervalMs int64  `json:"sync_interval_ms"`
	Enabled        bool   `json:"enabled"`
}

// SyncInterval returns the interval as a duration.
func (s UserSettings) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalMs) * time.Millisecond
}

// Redacted returns a copy safe to hand to UI surfaces.
func (s UserSettings) Redacted() UserSettings {
	if s.AuthToken != "" {
		s.AuthToken = "********"
	}
	return s
}

// DefaultUserSettings returns the first-run settings.
func DefaultUserSettings() UserSettings {
	return UserSettings{
		ServerURL:      DefaultServerURL,
		SyncIntervalMs: DefaultSyncIntervalMs,
	}
}

// SettingsPatch is a partial settings update.
type SettingsPatch struct {
	ServerURL      *string `json:"server_url,omitempty"`
	AuthToken      *string `json:"auth_token,omitempty"`
	SyncIntervalMs *int64  `json:"sync_interval_ms,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
}

// Apply returns s with the patch applied.
func (p SettingsPatch) Apply(s UserSettings) UserSettings {
	if p.ServerURL != nil {
		s.ServerURL = *p.ServerURL
	}
	if p.AuthToken != nil {
		s.AuthToken = *p.AuthToken
	}
	if p.SyncIntervalMs != nil {
		s.SyncIntervalMs = *p.SyncIntervalMs
	}
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	return s
}
