package settings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/tanaka/internal/persist"
	"pkt.systems/tanaka/internal/tokenvault"
	"pkt.systems/tanaka/schema"
)

func newFileStore(t *testing.T) *persist.FileStore {
	t.Helper()
	store, err := persist.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestLoadWritesDefaultsOnFirstRun(t *testing.T) {
	store := newFileStore(t)
	m, err := Load(context.Background(), store, Options{})
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultUserSettings(), m.Get())
	assert.FileExists(t, store.Path(persist.KeySettings))
}

func TestUpdateValidatesBeforeEnabling(t *testing.T) {
	m, err := Load(context.Background(), newFileStore(t), Options{})
	require.NoError(t, err)

	_, err = m.Update(context.Background(), schema.SettingsPatch{Enabled: schema.Ptr(true)})
	require.ErrorIs(t, err, schema.ErrMissingAuthToken)
	assert.False(t, m.Get().Enabled)

	_, err = m.Update(context.Background(), schema.SettingsPatch{ServerURL: schema.Ptr("not a url"), AuthToken: schema.Ptr("t"), Enabled: schema.Ptr(true)})
	require.ErrorIs(t, err, schema.ErrInvalidServerURL)

	got, err := m.Update(context.Background(), schema.SettingsPatch{
		ServerURL: schema.Ptr("https://sync.example.com/"),
		AuthToken: schema.Ptr("tok"),
		Enabled:   schema.Ptr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com", got.ServerURL)
	assert.True(t, m.Get().Enabled)
}

func TestUpdateNotifiesListeners(t *testing.T) {
	m, err := Load(context.Background(), newFileStore(t), Options{})
	require.NoError(t, err)

	var seen []schema.UserSettings
	stop := m.OnChange(func(s schema.UserSettings) { seen = append(seen, s) })

	_, err = m.Update(context.Background(), schema.SettingsPatch{SyncIntervalMs: schema.Ptr(int64(10_000))})
	require.NoError(t, err)
	_, err = m.Update(context.Background(), schema.SettingsPatch{SyncIntervalMs: schema.Ptr(int64(10_000))})
	require.NoError(t, err)
	_, err = m.Update(context.Background(), schema.SettingsPatch{SyncIntervalMs: schema.Ptr(int64(1))})
	require.Error(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, int64(10_000), seen[0].SyncIntervalMs)

	stop()
	_, err = m.Update(context.Background(), schema.SettingsPatch{SyncIntervalMs: schema.Ptr(int64(20_000))})
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}

func TestSettingsPersistAcrossLoads(t *testing.T) {
	store := newFileStore(t)
	m, err := Load(context.Background(), store, Options{})
	require.NoError(t, err)
	_, err = m.Update(context.Background(), schema.SettingsPatch{AuthToken: schema.Ptr("tok"), Enabled: schema.Ptr(true)})
	require.NoError(t, err)

	again, err := Load(context.Background(), store, Options{})
	require.NoError(t, err)
	assert.Equal(t, m.Get(), again.Get())
}

func TestTokenSealedAtRest(t *testing.T) {
	store := newFileStore(t)
	vault, err := tokenvault.New(filepath.Join(t.TempDir(), "keys.bundle"))
	require.NoError(t, err)

	m, err := Load(context.Background(), store, Options{Sealer: vault})
	require.NoError(t, err)
	_, err = m.Update(context.Background(), schema.SettingsPatch{AuthToken: schema.Ptr("very-secret"), Enabled: schema.Ptr(true)})
	require.NoError(t, err)

	raw, err := os.ReadFile(store.Path(persist.KeySettings))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "very-secret")

	again, err := Load(context.Background(), store, Options{Sealer: vault})
	require.NoError(t, err)
	assert.Equal(t, "very-secret", again.Get().AuthToken)

	_, err = Load(context.Background(), store, Options{})
	assert.Error(t, err)
}

func TestConfiguredDefaults(t *testing.T) {
	m, err := Load(context.Background(), newFileStore(t), Options{Defaults: schema.UserSettings{ServerURL: "https://tanaka.example.com", SyncIntervalMs: 30_000}})
	require.NoError(t, err)
	assert.Equal(t, "https://tanaka.example.com", m.Get().ServerURL)
	assert.Equal(t, int64(30_000), m.Get().SyncIntervalMs)
}

func writeRecord(t *testing.T, path string, rec record) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestReloadIgnoresInvalidRecord(t *testing.T) {
	store := newFileStore(t)
	m, err := Load(context.Background(), store, Options{})
	require.NoError(t, err)

	writeRecord(t, store.Path(persist.KeySettings), record{ServerURL: "ftp://bad", SyncIntervalMs: 5000})
	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, schema.DefaultServerURL, m.Get().ServerURL)
}

func TestWatchPicksUpExternalEdits(t *testing.T) {
	store := newFileStore(t)
	m, err := Load(context.Background(), store, Options{})
	require.NoError(t, err)

	changes := make(chan schema.UserSettings, 4)
	m.OnChange(func(s schema.UserSettings) { changes <- s })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		writeRecord(t, store.Path(persist.KeySettings), record{ServerURL: "https://edited.example.com", SyncIntervalMs: 7000})
		select {
		case got := <-changes:
			assert.Equal(t, "https://edited.example.com", got.ServerURL)
			assert.Equal(t, int64(7000), got.SyncIntervalMs)
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatalf("settings watch did not report the external edit")
}

func TestWatchWithoutFilesReturns(t *testing.T) {
	store, err := persist.NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()
	m, err := Load(context.Background(), store, Options{})
	require.NoError(t, err)
	require.NoError(t, m.Watch(context.Background()))
	assert.True(t, strings.HasPrefix(m.Get().ServerURL, "http"))
}
