package schema

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeUserSettings(t *testing.T) {
	cases := []struct {
		name     string
		settings UserSettings
		err      error
	}{
		{"defaults", DefaultUserSettings(), nil},
		{"enabled", UserSettings{ServerURL: "https://sync.example.com", AuthToken: "t", Enabled: true}, nil},
		{"enabled-without-token", UserSettings{ServerURL: "https://sync.example.com", Enabled: true}, ErrMissingAuthToken},
		{"enabled-without-url", UserSettings{AuthToken: "t", Enabled: true}, ErrInvalidServerURL},
		{"bad-scheme", UserSettings{ServerURL: "ftp://sync.example.com"}, ErrInvalidServerURL},
		{"no-host", UserSettings{ServerURL: "https://"}, ErrInvalidServerURL},
		{"query", UserSettings{ServerURL: "https://sync.example.com/?a=b"}, ErrInvalidServerURL},
		{"interval-low", UserSettings{ServerURL: "https://sync.example.com", SyncIntervalMs: 10}, ErrInvalidSyncInterval},
		{"interval-high", UserSettings{ServerURL: "https://sync.example.com", SyncIntervalMs: MaxSyncIntervalMs + 1}, ErrInvalidSyncInterval},
	}
	for _, tc := range cases {
		_, err := NormalizeUserSettings(tc.settings)
		if tc.err == nil && err != nil {
			t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
		}
		if tc.err != nil && !errors.Is(err, tc.err) {
			t.Fatalf("case %q expected %v, got %v", tc.name, tc.err, err)
		}
	}
}

func TestNormalizeUserSettingsTrims(t *testing.T) {
	got, err := NormalizeUserSettings(UserSettings{ServerURL: " https://sync.example.com/ ", AuthToken: " tok "})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.ServerURL != "https://sync.example.com" {
		t.Fatalf("expected trimmed url, got %q", got.ServerURL)
	}
	if got.AuthToken != "tok" {
		t.Fatalf("expected trimmed token, got %q", got.AuthToken)
	}
	if got.SyncIntervalMs != DefaultSyncIntervalMs {
		t.Fatalf("expected default interval, got %d", got.SyncIntervalMs)
	}
}

func TestValidateChange(t *testing.T) {
	win := WindowID("w1")
	cases := []struct {
		name  string
		ev    ChangeEvent
		valid bool
	}{
		{"tab-create", ChangeEvent{EntityType: EntityTab, EntityID: "t1", Operation: OpCreate, Fields: Fields{WindowID: &win}, OriginID: "a"}, true},
		{"window-close", ChangeEvent{EntityType: EntityWindow, EntityID: "w1", Operation: OpClose, OriginID: "a"}, true},
		{"bad-entity", ChangeEvent{EntityType: "group", EntityID: "g", Operation: OpCreate, OriginID: "a"}, false},
		{"bad-op", ChangeEvent{EntityType: EntityTab, EntityID: "t1", Operation: "upsert", OriginID: "a"}, false},
		{"empty-id", ChangeEvent{EntityType: EntityTab, Operation: OpClose, OriginID: "a"}, false},
		{"window-move", ChangeEvent{EntityType: EntityWindow, EntityID: "w1", Operation: OpMove, Fields: Fields{Position: Ptr(1)}, OriginID: "a"}, false},
		{"move-without-position", ChangeEvent{EntityType: EntityTab, EntityID: "t1", Operation: OpMove, OriginID: "a"}, false},
		{"negative-position", ChangeEvent{EntityType: EntityTab, EntityID: "t1", Operation: OpMove, Fields: Fields{Position: Ptr(-1)}, OriginID: "a"}, false},
		{"long-url", ChangeEvent{EntityType: EntityTab, EntityID: "t1", Operation: OpUpdate, Fields: Fields{URL: Ptr(strings.Repeat("a", MaxURLLength+1))}, OriginID: "a"}, false},
		{"no-origin", ChangeEvent{EntityType: EntityTab, EntityID: "t1", Operation: OpClose}, false},
	}
	for _, tc := range cases {
		err := ValidateChange(tc.ev)
		if tc.valid && err != nil {
			t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Fatalf("case %q expected error, got nil", tc.name)
		}
	}
}

func TestTruncateTitleKeepsRunes(t *testing.T) {
	title := strings.Repeat("a", MaxTitleLength-1) + "é"
	got := TruncateTitle(title)
	if len(got) != MaxTitleLength-1 {
		t.Fatalf("expected cut before multibyte rune, got len %d", len(got))
	}
	if TruncateTitle("short") != "short" {
		t.Fatalf("expected short title untouched")
	}
}
