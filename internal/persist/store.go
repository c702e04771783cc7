package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/schema"
)

// Well-known record keys.
const (
	KeySettings  = "settings"
	KeySyncState = "sync_state"
	KeyOrigin    = "origin"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ErrInvalidKey indicates an empty record key.
var ErrInvalidKey = errors.New("invalid record key")

// Store is a small key-value contract for engine state. Values are JSON documents.
type Store interface {
	// Load decodes the record into out. It reports false when the record is missing.
	Load(ctx context.Context, key string, out any) (bool, error)
	// Save replaces the record atomically.
	Save(ctx context.Context, key string, value any) error
	Close() error
}

// Watchable is implemented by stores whose records live in plain files.
type Watchable interface {
	Path(key string) string
}

// SyncState is the engine state persisted after each cycle and at shutdown.
// Pending holds local changes the server has not acknowledged yet.
type SyncState struct {
	Cursor   schema.Cursor        `json:"cursor"`
	Clock    schema.Clock         `json:"clock"`
	Snapshot schema.Snapshot      `json:"snapshot"`
	Pending  []schema.ChangeEvent `json:"pending,omitempty"`
}

// Open constructs the store for a backend name rooted at dir.
func Open(backend, dir string, logger pslog.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileStoreWithLogger(dir, logger)
	case BackendSQLite:
		return NewSQLiteStore(dir, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
