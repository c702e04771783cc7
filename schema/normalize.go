package schema

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	// MaxIDLength bounds window and tab identifiers.
	MaxIDLength = 256
	// MaxURLLength bounds tab urls.
	MaxURLLength = 2048
	// MaxTitleLength bounds tab titles; longer titles are truncated.
	MaxTitleLength = 512
)

// ValidateEntityID ensures an id is non-empty, trimmed and bounded.
func ValidateEntityID(id string) error {
	if id == "" || len(id) > MaxIDLength {
		return ErrInvalidID
	}
	if strings.TrimSpace(id) != id {
		return ErrInvalidID
	}
	return nil
}

// TruncateTitle cuts a title to MaxTitleLength bytes on a rune boundary.
func TruncateTitle(title string) string {
	if len(title) <= MaxTitleLength {
		return title
	}
	cut := MaxTitleLength
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return title[:cut]
}

// ValidateChange checks the shape of a change event received from or sent to the server.
func ValidateChange(ev ChangeEvent) error {
	switch ev.EntityType {
	case EntityWindow, EntityTab:
	default:
		return fmt.Errorf("%w: entity type %q", ErrInvalidChange, ev.EntityType)
	}
	switch ev.Operation {
	case OpCreate, OpUpdate, OpMove, OpClose:
	default:
		return fmt.Errorf("%w: operation %q", ErrInvalidChange, ev.Operation)
	}
	if err := ValidateEntityID(ev.EntityID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	if ev.Operation == OpMove && ev.EntityType != EntityTab {
		return fmt.Errorf("%w: move applies to tabs only", ErrInvalidChange)
	}
	if ev.Operation == OpMove && ev.Fields.Position == nil {
		return fmt.Errorf("%w: move without position", ErrInvalidChange)
	}
	if ev.Fields.Position != nil && *ev.Fields.Position < 0 {
		return fmt.Errorf("%w: negative position", ErrInvalidChange)
	}
	if ev.Fields.WindowID != nil {
		if err := ValidateEntityID(string(*ev.Fields.WindowID)); err != nil {
			return fmt.Errorf("%w: window id: %v", ErrInvalidChange, err)
		}
	}
	if ev.Fields.URL != nil && len(*ev.Fields.URL) > MaxURLLength {
		return fmt.Errorf("%w: %w", ErrInvalidChange, ErrURLTooLong)
	}
	if ev.OriginID == "" {
		return fmt.Errorf("%w: missing origin", ErrInvalidChange)
	}
	return nil
}

// ValidateServerURL accepts absolute http and https urls with a host.
func ValidateServerURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ErrInvalidServerURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidServerURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidServerURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidServerURL)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("%w: must not include query or fragment", ErrInvalidServerURL)
	}
	return nil
}

// NormalizeUserSettings trims fields and validates the record.
// Enabling sync requires a valid server url and a token.
func NormalizeUserSettings(s UserSettings) (UserSettings, error) {
	s.ServerURL = strings.TrimRight(strings.TrimSpace(s.ServerURL), "/")
	s.AuthToken = strings.TrimSpace(s.AuthToken)
	if s.SyncIntervalMs == 0 {
		s.SyncIntervalMs = DefaultSyncIntervalMs
	}
	if s.SyncIntervalMs < MinSyncIntervalMs || s.SyncIntervalMs > MaxSyncIntervalMs {
		return UserSettings{}, fmt.Errorf("%w: %dms not in [%d, %d]", ErrInvalidSyncInterval, s.SyncIntervalMs, MinSyncIntervalMs, MaxSyncIntervalMs)
	}
	if s.ServerURL != "" || s.Enabled {
		if err := ValidateServerURL(s.ServerURL); err != nil {
			return UserSettings{}, err
		}
	}
	if s.Enabled && s.AuthToken == "" {
		return UserSettings{}, ErrMissingAuthToken
	}
	return s, nil
}
