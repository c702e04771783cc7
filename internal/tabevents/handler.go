package tabevents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/internal/logx"
	"pkt.systems/tanaka/internal/tracker"
	"pkt.systems/tanaka/schema"
)

// DefaultCoalesceWindow is how long tab updates are merged before being forwarded.
const DefaultCoalesceWindow = 250 * time.Millisecond

// Tracker is the part of the window tracker the handler writes to.
type Tracker interface {
	Tick() schema.Clock
	HasWindow(id schema.WindowID) bool
	ApplyLocal(ev schema.ChangeEvent) error
}

// Queue receives finalized local changes for the next sync cycle.
type Queue interface {
	Enqueue(events ...schema.ChangeEvent)
	// Resync asks for a full state fetch after local state diverged.
	Resync()
}

// Config configures a Handler.
type Config struct {
	Origin         schema.OriginID
	CoalesceWindow time.Duration
	Logger         pslog.Logger
	Now            func() time.Time
}

type bufferedUpdate struct {
	event schema.ChangeEvent
	since time.Time
}

// Handler turns host notifications into stamped change events.
type Handler struct {
	mu      sync.Mutex
	tracker Tracker
	queue   Queue
	origin  schema.OriginID
	window  time.Duration
	now     func() time.Time
	log     pslog.Logger

	buffered map[schema.TabID]*bufferedUpdate
	order    []schema.TabID
}

// New constructs a handler feeding tracker and queue.
func New(tracker Tracker, queue Queue, cfg Config) (*Handler, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tabevents: tracker is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("tabevents: queue is required")
	}
	if cfg.Origin == "" {
		return nil, fmt.Errorf("tabevents: origin is required")
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = DefaultCoalesceWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Handler{
		tracker:  tracker,
		queue:    queue,
		origin:   cfg.Origin,
		window:   cfg.CoalesceWindow,
		now:      cfg.Now,
		log:      log,
		buffered: make(map[schema.TabID]*bufferedUpdate),
	}, nil
}

// Handle normalizes and stamps one host notification. Tab updates are
// buffered; any other event first flushes buffered updates to keep causal order.
func (h *Handler) Handle(ev schema.HostEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch ev.Kind {
	case schema.HostTabUpdated, schema.HostTabActivated:
		return h.bufferLocked(ev)
	case schema.HostTabCreated:
		h.flushLocked()
		return h.tabCreatedLocked(ev)
	case schema.HostTabMoved:
		h.flushLocked()
		if ev.Position == nil {
			return fmt.Errorf("%w: move without position", schema.ErrInvalidChange)
		}
		fields := schema.Fields{Position: ev.Position}
		if ev.WindowID != "" {
			if !h.tracker.HasWindow(ev.WindowID) {
				h.emitLocked(h.stampLocked(schema.EntityWindow, string(ev.WindowID), schema.OpCreate, schema.Fields{}))
			}
			fields.WindowID = schema.Ptr(ev.WindowID)
		}
		return h.emitLocked(h.stampLocked(schema.EntityTab, string(ev.TabID), schema.OpMove, fields))
	case schema.HostTabClosed:
		h.flushLocked()
		return h.emitLocked(h.stampLocked(schema.EntityTab, string(ev.TabID), schema.OpClose, schema.Fields{}))
	case schema.HostWindowCreated:
		h.flushLocked()
		return h.emitLocked(h.stampLocked(schema.EntityWindow, string(ev.WindowID), schema.OpCreate, schema.Fields{}))
	case schema.HostWindowFocused:
		h.flushLocked()
		op := schema.OpUpdate
		if !h.tracker.HasWindow(ev.WindowID) {
			op = schema.OpCreate
		}
		return h.emitLocked(h.stampLocked(schema.EntityWindow, string(ev.WindowID), op, schema.Fields{Focused: schema.Ptr(true)}))
	case schema.HostWindowClosed:
		h.flushLocked()
		return h.emitLocked(h.stampLocked(schema.EntityWindow, string(ev.WindowID), schema.OpClose, schema.Fields{}))
	default:
		return fmt.Errorf("%w: host event %q", schema.ErrInvalidChange, ev.Kind)
	}
}

func (h *Handler) tabCreatedLocked(ev schema.HostEvent) error {
	if ev.WindowID == "" {
		return fmt.Errorf("%w: tab %s created without window", schema.ErrUnknownWindow, ev.TabID)
	}
	fields, err := tabFields(ev)
	if err != nil {
		return err
	}
	fields.WindowID = schema.Ptr(ev.WindowID)
	fields.Position = ev.Position
	if !h.tracker.HasWindow(ev.WindowID) {
		if err := h.emitLocked(h.stampLocked(schema.EntityWindow, string(ev.WindowID), schema.OpCreate, schema.Fields{})); err != nil {
			return err
		}
	}
	return h.emitLocked(h.stampLocked(schema.EntityTab, string(ev.TabID), schema.OpCreate, fields))
}

func (h *Handler) bufferLocked(ev schema.HostEvent) error {
	fields, err := tabFields(ev)
	if err != nil {
		return err
	}
	if ev.Kind == schema.HostTabActivated {
		fields.Active = schema.Ptr(true)
	}
	if fields.IsEmpty() {
		return nil
	}
	if err := schema.ValidateEntityID(string(ev.TabID)); err != nil {
		return err
	}
	stamped := h.stampLocked(schema.EntityTab, string(ev.TabID), schema.OpUpdate, fields)
	if pending, ok := h.buffered[ev.TabID]; ok {
		pending.event.Fields = pending.event.Fields.Merge(fields)
		pending.event.Timestamp = stamped.Timestamp
		return nil
	}
	h.buffered[ev.TabID] = &bufferedUpdate{event: stamped, since: h.now()}
	h.order = append(h.order, ev.TabID)
	return nil
}

func tabFields(ev schema.HostEvent) (schema.Fields, error) {
	var fields schema.Fields
	if ev.URL != nil {
		if len(*ev.URL) > schema.MaxURLLength {
			return schema.Fields{}, fmt.Errorf("tab %s: %w", ev.TabID, schema.ErrURLTooLong)
		}
		fields.URL = ev.URL
	}
	if ev.Title != nil {
		fields.Title = schema.Ptr(schema.TruncateTitle(*ev.Title))
	}
	fields.Active = ev.Active
	fields.Pinned = ev.Pinned
	return fields, nil
}

func (h *Handler) stampLocked(kind schema.EntityType, id string, op schema.Operation, fields schema.Fields) schema.ChangeEvent {
	return schema.ChangeEvent{
		EntityType: kind,
		EntityID:   id,
		Operation:  op,
		Fields:     fields,
		Timestamp:  h.tracker.Tick(),
		OriginID:   h.origin,
	}
}

func (h *Handler) emitLocked(ev schema.ChangeEvent) error {
	log := logx.WithChange(h.log, ev)
	if err := h.tracker.ApplyLocal(ev); err != nil {
		log.Warn("tabevents change dropped", "err", err)
		if tracker.IsInvariant(err) {
			h.queue.Resync()
		}
		return err
	}
	h.queue.Enqueue(ev)
	log.Trace("tabevents change captured", "ts", uint64(ev.Timestamp))
	return nil
}

// Flush forwards every buffered update immediately.
func (h *Handler) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushLocked()
}

func (h *Handler) flushLocked() {
	for _, id := range h.order {
		if pending, ok := h.buffered[id]; ok {
			_ = h.emitLocked(pending.event)
		}
	}
	clear(h.buffered)
	h.order = h.order[:0]
}

// flushDue forwards updates whose coalescing window has elapsed at now.
func (h *Handler) flushDue(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	flushed := 0
	kept := h.order[:0]
	for _, id := range h.order {
		pending := h.buffered[id]
		if pending == nil {
			continue
		}
		if now.Sub(pending.since) < h.window {
			kept = append(kept, id)
			continue
		}
		delete(h.buffered, id)
		_ = h.emitLocked(pending.event)
		flushed++
	}
	h.order = kept
	return flushed
}

// Pending reports how many tabs have buffered updates.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buffered)
}

// Run consumes host events until ctx is done or events is closed. It is the
// single consumer of the host stream.
func (h *Handler) Run(ctx context.Context, events <-chan schema.HostEvent) error {
	tick := h.window / 5
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	defer h.Flush()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := h.Handle(ev); err != nil {
				h.log.Debug("tabevents host event rejected", "kind", string(ev.Kind), "err", err)
			}
		case <-ticker.C:
			h.flushDue(h.now())
		}
	}
}
