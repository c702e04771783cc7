package core

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/internal/persist"
	"pkt.systems/tanaka/internal/tanakaapi"
	"pkt.systems/tanaka/schema"
)

// Transport performs one exchange with the coordination server.
type Transport interface {
	Sync(ctx context.Context, ep tanakaapi.Endpoint, req schema.SyncRequest) (schema.SyncResponse, error)
}

// StateTracker is the part of the window tracker the sync manager drives.
type StateTracker interface {
	Cursor() schema.Cursor
	Snapshot() schema.Snapshot
	ReconcileRemote(deltas []schema.ChangeEvent, cursor schema.Cursor) error
	ResetCursor()
}

// SyncDeps captures dependencies for the sync manager.
type SyncDeps struct {
	Tracker   StateTracker
	Transport Transport
	Store     persist.Store
	EventSink EventSink
	Logger    pslog.Logger
	// OnAuthFailure runs outside the manager lock after the server rejects
	// the credential of ep.
	OnAuthFailure func(ep tanakaapi.Endpoint)
}
