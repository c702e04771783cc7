package settings

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
	"pkt.systems/tanaka/internal/persist"
	"pkt.systems/tanaka/schema"
)

// Sealer protects the credential at rest.
type Sealer interface {
	Seal(token string) (string, error)
	Open(sealed string) (string, error)
}

// record is the persisted form. The token is stored sealed when a Sealer is configured.
type record struct {
	ServerURL      string `json:"server_url"`
	AuthToken      string `json:"auth_token,omitempty"`
	SealedToken    string `json:"sealed_token,omitempty"`
	SyncIntervalMs int64  `json:"sync_interval_ms"`
	Enabled        bool   `json:"enabled"`
}

// Options configures a Manager.
type Options struct {
	Defaults schema.UserSettings
	Sealer   Sealer
	Logger   pslog.Logger
}

// Listener is notified after every accepted change.
type Listener func(schema.UserSettings)

// Manager owns the validated user settings record.
type Manager struct {
	mu        sync.Mutex
	store     persist.Store
	sealer    Sealer
	current   schema.UserSettings
	listeners map[int]Listener
	nextID    int
	log       pslog.Logger
}

// Load reads persisted settings, writing the defaults on first run.
func Load(ctx context.Context, store persist.Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("settings store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	defaults := opts.Defaults
	if defaults == (schema.UserSettings{}) {
		defaults = schema.DefaultUserSettings()
	}
	m := &Manager{
		store:     store,
		sealer:    opts.Sealer,
		listeners: make(map[int]Listener),
		log:       logger,
	}
	loaded, ok, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		normalized, err := schema.NormalizeUserSettings(defaults)
		if err != nil {
			return nil, fmt.Errorf("default settings: %w", err)
		}
		if err := m.write(ctx, normalized); err != nil {
			return nil, err
		}
		m.log.Info("settings initialized", "server_url", normalized.ServerURL, "enabled", normalized.Enabled)
		loaded = normalized
	}
	m.current = loaded
	return m, nil
}

// Get returns the current settings including the credential.
func (m *Manager) Get() schema.UserSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Update validates and persists a patch, then notifies listeners.
// Invalid patches leave the current settings untouched.
func (m *Manager) Update(ctx context.Context, patch schema.SettingsPatch) (schema.UserSettings, error) {
	m.mu.Lock()
	next, err := schema.NormalizeUserSettings(patch.Apply(m.current))
	if err != nil {
		m.mu.Unlock()
		m.log.Debug("settings update rejected", "err", err)
		return schema.UserSettings{}, err
	}
	if next == m.current {
		m.mu.Unlock()
		return next, nil
	}
	if err := m.write(ctx, next); err != nil {
		m.mu.Unlock()
		return schema.UserSettings{}, err
	}
	m.current = next
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.log.Info("settings updated", "server_url", next.ServerURL, "interval_ms", next.SyncIntervalMs, "enabled", next.Enabled)
	notify(listeners, next)
	return next, nil
}

// OnChange registers a listener and returns a function removing it.
func (m *Manager) OnChange(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Reload re-reads the record and applies it if it changed. Invalid records on
// disk are ignored and the previous settings stay in effect.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	loaded, ok, err := m.read(ctx)
	if err != nil || !ok {
		return false, err
	}
	m.mu.Lock()
	if loaded == m.current {
		m.mu.Unlock()
		return false, nil
	}
	m.current = loaded
	listeners := m.listenersLocked()
	m.mu.Unlock()
	m.log.Info("settings reloaded", "server_url", loaded.ServerURL, "enabled", loaded.Enabled)
	notify(listeners, loaded)
	return true, nil
}

// Watch reloads the settings whenever the backing file changes. It returns
// immediately when the store does not keep records in files.
func (m *Manager) Watch(ctx context.Context) error {
	watchable, ok := m.store.(persist.Watchable)
	if !ok {
		return nil
	}
	path := watchable.Path(persist.KeySettings)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	// The directory is watched because saves replace the file by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	m.log.Debug("settings watch started", "path", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("settings reload failed", "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("settings watch error", "err", err)
		}
	}
}

func (m *Manager) listenersLocked() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []Listener, s schema.UserSettings) {
	for _, fn := range listeners {
		fn(s)
	}
}

func (m *Manager) read(ctx context.Context) (schema.UserSettings, bool, error) {
	var rec record
	ok, err := m.store.Load(ctx, persist.KeySettings, &rec)
	if err != nil || !ok {
		return schema.UserSettings{}, false, err
	}
	token := rec.AuthToken
	if rec.SealedToken != "" {
		if m.sealer == nil {
			return schema.UserSettings{}, false, errors.New("settings token is sealed but no vault is configured")
		}
		token, err = m.sealer.Open(rec.SealedToken)
		if err != nil {
			return schema.UserSettings{}, false, err
		}
	}
	loaded, err := schema.NormalizeUserSettings(schema.UserSettings{
		ServerURL:      rec.ServerURL,
		AuthToken:      token,
		SyncIntervalMs: rec.SyncIntervalMs,
		Enabled:        rec.Enabled,
	})
	if err != nil {
		m.log.Warn("settings record invalid", "err", err)
		return schema.UserSettings{}, false, nil
	}
	return loaded, true, nil
}

func (m *Manager) write(ctx context.Context, s schema.UserSettings) error {
	rec := record{
		ServerURL:      s.ServerURL,
		SyncIntervalMs: s.SyncIntervalMs,
		Enabled:        s.Enabled,
	}
	if m.sealer != nil {
		sealed, err := m.sealer.Seal(s.AuthToken)
		if err != nil {
			return err
		}
		rec.SealedToken = sealed
	} else {
		rec.AuthToken = s.AuthToken
	}
	return m.store.Save(ctx, persist.KeySettings, rec)
}
