package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
	"pkt.systems/tanaka/internal/logx"
	"pkt.systems/tanaka/internal/persist"
	"pkt.systems/tanaka/internal/settings"
	"pkt.systems/tanaka/internal/tabevents"
	"pkt.systems/tanaka/internal/tanakaapi"
	"pkt.systems/tanaka/internal/tracker"
	"pkt.systems/tanaka/schema"
)

// EngineConfig tunes the engine.
type EngineConfig struct {
	Sync           SyncConfig
	CoalesceWindow time.Duration
	// Origin overrides the persisted origin id.
	Origin schema.OriginID
}

// EngineDeps captures dependencies for the engine.
type EngineDeps struct {
	Store     persist.Store
	Settings  *settings.Manager
	Transport Transport
	EventSink EventSink
	Logger    pslog.Logger
}

// Engine owns the tracker, sync manager and settings of one process.
type Engine struct {
	origin      schema.OriginID
	tracker     *tracker.Tracker
	sync        *SyncManager
	settings    *settings.Manager
	events      *tabevents.Handler
	log         pslog.Logger
	unsubscribe func()
}

// NewEngine restores persisted state and wires the components together.
func NewEngine(ctx context.Context, cfg EngineConfig, deps EngineDeps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("engine: settings manager is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	origin, err := loadOrigin(ctx, deps.Store, cfg.Origin)
	if err != nil {
		return nil, err
	}
	logger = logger.With("origin", string(origin))
	ctx = logx.ContextWithOrigin(pslog.ContextWithLogger(ctx, logger), origin)

	tr := tracker.New(logger)
	var state persist.SyncState
	ok, err := deps.Store.Load(ctx, persist.KeySyncState, &state)
	if err != nil {
		logger.Warn("engine sync state load failed, starting empty", "err", err)
	}
	if ok {
		if err := tr.Restore(state.Snapshot); err != nil {
			logger.Warn("engine sync state restore incomplete", "err", err)
		}
		tr.Observe(state.Clock)
		logx.WithCursor(logger, tr.Cursor()).Info("engine state restored", "windows", len(state.Snapshot.Windows), "tabs", len(state.Snapshot.Tabs), "pending", len(state.Pending))
	}

	e := &Engine{
		origin:   origin,
		tracker:  tr,
		settings: deps.Settings,
		log:      logger,
	}
	mgr, err := NewSyncManager(cfg.Sync, SyncDeps{
		Tracker:       tr,
		Transport:     deps.Transport,
		Store:         deps.Store,
		EventSink:     deps.EventSink,
		Logger:        logger,
		OnAuthFailure: e.disableAfterAuthFailure,
	})
	if err != nil {
		return nil, err
	}
	mgr.Restore(state.Pending)
	handler, err := tabevents.New(tr, mgr, tabevents.Config{
		Origin:         origin,
		CoalesceWindow: cfg.CoalesceWindow,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	e.sync = mgr
	e.events = handler
	e.unsubscribe = deps.Settings.OnChange(mgr.Configure)
	mgr.Configure(deps.Settings.Get())
	return e, nil
}

// disableAfterAuthFailure turns the enabled setting off so that enabling sync
// again is a real settings change, even with the same token.
func (e *Engine) disableAfterAuthFailure(ep tanakaapi.Endpoint) {
	current := e.settings.Get()
	if !current.Enabled || current.AuthToken != ep.Token {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
	defer cancel()
	if _, err := e.settings.Update(ctx, schema.SettingsPatch{Enabled: schema.Ptr(false)}); err != nil {
		e.log.Warn("engine settings disable after auth failure failed", "err", err)
		return
	}
	e.log.Info("engine sync disabled after auth failure")
}

func loadOrigin(ctx context.Context, store persist.Store, override schema.OriginID) (schema.OriginID, error) {
	if override != "" {
		if err := schema.ValidateEntityID(string(override)); err != nil {
			return "", fmt.Errorf("origin: %w", err)
		}
		return override, nil
	}
	var origin schema.OriginID
	ok, err := store.Load(ctx, persist.KeyOrigin, &origin)
	if err != nil {
		return "", err
	}
	if ok && origin != "" {
		return origin, nil
	}
	origin = schema.OriginID(uuid.NewString())
	if err := store.Save(ctx, persist.KeyOrigin, origin); err != nil {
		return "", err
	}
	pslog.Ctx(ctx).Info("engine origin created", "origin", string(origin))
	return origin, nil
}

// Origin returns the id stamped on local writes.
func (e *Engine) Origin() schema.OriginID { return e.origin }

// Status returns the sync status.
func (e *Engine) Status() schema.Status { return e.sync.Status() }

// Snapshot returns a copy of the tracked windows and tabs.
func (e *Engine) Snapshot() schema.Snapshot { return e.tracker.Snapshot() }

// Settings returns the current settings including the credential.
func (e *Engine) Settings() schema.UserSettings { return e.settings.Get() }

// UpdateSettings validates and applies a settings patch.
func (e *Engine) UpdateSettings(ctx context.Context, patch schema.SettingsPatch) (schema.UserSettings, error) {
	return e.settings.Update(ctx, patch)
}

// TriggerSync requests an immediate cycle.
func (e *Engine) TriggerSync() error {
	if !e.sync.Trigger(TriggerManual) {
		return schema.ErrSyncDisabled
	}
	return nil
}

// HandleHostEvent feeds one host notification into the capture pipeline.
func (e *Engine) HandleHostEvent(ev schema.HostEvent) error {
	return e.events.Handle(ev)
}

// Run drives the scheduler, the settings watch and, when host is not nil,
// the host event consumer until ctx is done.
func (e *Engine) Run(ctx context.Context, host <-chan schema.HostEvent) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.sync.Run(ctx) })
	g.Go(func() error { return e.settings.Watch(ctx) })
	if host != nil {
		g.Go(func() error {
			err := e.events.Run(ctx, host)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	e.log.Info("engine running")
	err := g.Wait()
	e.events.Flush()
	e.sync.persistState()
	e.log.Info("engine stopped")
	return err
}

// Close releases the settings subscription and waits for the running cycle.
func (e *Engine) Close() error {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	return e.sync.Close()
}
