package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/schema"
)

type contextKey int

const (
	originKey contextKey = iota
	windowKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithOrigin annotates the logger with the local origin id if present.
func WithOrigin(ctx context.Context, origin schema.OriginID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if origin != "" {
		if current, ok := ctx.Value(originKey).(schema.OriginID); ok && current == origin {
			return log
		}
		log = log.With("origin", string(origin))
	}
	return log
}

// WithWindow annotates the logger with a window id unless the context already carries it.
func WithWindow(ctx context.Context, windowID schema.WindowID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if windowID != "" {
		if current, ok := ctx.Value(windowKey).(schema.WindowID); ok && current == windowID {
			return log
		}
		log = log.With("window", string(windowID))
	}
	return log
}

// WithChange annotates the logger with the entity a change applies to.
func WithChange(log pslog.Logger, ev schema.ChangeEvent) pslog.Logger {
	if ev.EntityID == "" {
		return log
	}
	key := "tab"
	if ev.EntityType == schema.EntityWindow {
		key = "window"
	}
	return log.With(key, ev.EntityID, "op", string(ev.Operation))
}

// WithCursor annotates the logger with a cursor when it is not the initial one.
func WithCursor(log pslog.Logger, cursor schema.Cursor) pslog.Logger {
	if cursor != schema.InitialCursor {
		log = log.With("cursor", string(cursor))
	}
	return log
}

// ContextWithOrigin stores the origin marker on the context for log de-duplication.
func ContextWithOrigin(ctx context.Context, origin schema.OriginID) context.Context {
	if ctx == nil || origin == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey, origin)
}

// ContextWithWindow stores the window marker on the context for log de-duplication.
func ContextWithWindow(ctx context.Context, windowID schema.WindowID) context.Context {
	if ctx == nil || windowID == "" {
		return ctx
	}
	return context.WithValue(ctx, windowKey, windowID)
}

// ContextWithOriginLogger attaches the logger and origin marker to the context.
func ContextWithOriginLogger(ctx context.Context, log pslog.Logger, origin schema.OriginID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log.With("origin", string(origin)))
	return ContextWithOrigin(ctx, origin)
}
