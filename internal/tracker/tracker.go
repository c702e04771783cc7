package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/schema"
)

// stamp orders writes: higher clock wins, equal clocks fall back to the origin id.
type stamp struct {
	clock  schema.Clock
	origin schema.OriginID
}

func (s stamp) newer(other stamp) bool {
	if s.clock != other.clock {
		return s.clock > other.clock
	}
	return s.origin > other.origin
}

func maxStamp(stamps ...stamp) stamp {
	var out stamp
	for _, s := range stamps {
		if s.newer(out) {
			out = s
		}
	}
	return out
}

type windowRecord struct {
	id      schema.WindowID
	tabs    []schema.TabID
	focused bool
	created stamp
	focus   stamp
}

func (w *windowRecord) lastModified() stamp {
	return maxStamp(w.created, w.focus)
}

type tabRecord struct {
	id        schema.TabID
	windowID  schema.WindowID
	url       string
	title     string
	active    bool
	pinned    bool
	placement stamp
	urlAt     stamp
	titleAt   stamp
	activeAt  stamp
	pinnedAt  stamp
}

func (t *tabRecord) lastModified() stamp {
	return maxStamp(t.placement, t.urlAt, t.titleAt, t.activeAt, t.pinnedAt)
}

// Tracker is the canonical in-memory view of windows and tabs.
type Tracker struct {
	mu            sync.RWMutex
	clock         schema.Clock
	cursor        schema.Cursor
	windows       map[schema.WindowID]*windowRecord
	tabs          map[schema.TabID]*tabRecord
	closedWindows map[schema.WindowID]schema.Clock
	closedTabs    map[schema.TabID]schema.Clock
	log           pslog.Logger
}

// New constructs an empty tracker.
func New(logger pslog.Logger) *Tracker {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Tracker{
		windows:       make(map[schema.WindowID]*windowRecord),
		tabs:          make(map[schema.TabID]*tabRecord),
		closedWindows: make(map[schema.WindowID]schema.Clock),
		closedTabs:    make(map[schema.TabID]schema.Clock),
		log:           logger,
	}
}

// Violation is a change that could not be applied without breaking an invariant.
type Violation struct {
	Change schema.ChangeEvent
	Err    error
}

// InvariantError reports changes skipped during a merge. The caller should
// request a full resync.
type InvariantError struct {
	Violations []Violation
}

func (e *InvariantError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s %s %s: %v", v.Change.Operation, v.Change.EntityType, v.Change.EntityID, v.Err))
	}
	return "local invariant violated: " + strings.Join(parts, "; ")
}

func (e *InvariantError) Unwrap() []error {
	out := make([]error, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Err)
	}
	return out
}

// Tick advances the local Lamport clock and returns the new value.
func (t *Tracker) Tick() schema.Clock {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock++
	return t.clock
}

// Observe folds a received clock value into the local clock.
func (t *Tracker) Observe(c schema.Clock) {
	t.mu.Lock()
	if c > t.clock {
		t.clock = c
	}
	t.mu.Unlock()
}

// Clock returns the current Lamport clock.
func (t *Tracker) Clock() schema.Clock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clock
}

// Cursor returns the last acknowledged remote cursor.
func (t *Tracker) Cursor() schema.Cursor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cursor
}

// ResetCursor drops the cursor so the next cycle requests a full snapshot.
func (t *Tracker) ResetCursor() {
	t.mu.Lock()
	t.cursor = schema.InitialCursor
	t.mu.Unlock()
	t.log.Info("tracker cursor reset")
}

// HasWindow reports whether the window is tracked.
func (t *Tracker) HasWindow(id schema.WindowID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.windows[id]
	return ok
}

// ApplyLocal applies a locally captured change. Replaying the same change is a no-op.
func (t *Tracker) ApplyLocal(ev schema.ChangeEvent) error {
	if err := schema.ValidateChange(ev); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.applyLocked(ev); err != nil {
		t.log.Warn("tracker local change rejected", "entity", ev.EntityType, "id", ev.EntityID, "op", ev.Operation, "err", err)
		return &InvariantError{Violations: []Violation{{Change: ev, Err: err}}}
	}
	return nil
}

// ReconcileRemote merges server deltas in order and advances the cursor in the
// same critical section. When a delta breaks an invariant the remaining deltas
// are still applied, the cursor is reset and an *InvariantError is returned.
func (t *Tracker) ReconcileRemote(deltas []schema.ChangeEvent, cursor schema.Cursor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var violations []Violation
	for _, ev := range deltas {
		if err := schema.ValidateChange(ev); err != nil {
			violations = append(violations, Violation{Change: ev, Err: err})
			continue
		}
		if err := t.applyLocked(ev); err != nil {
			violations = append(violations, Violation{Change: ev, Err: err})
		}
	}
	if len(violations) > 0 {
		t.cursor = schema.InitialCursor
		t.log.Warn("tracker reconcile invariant violated", "deltas", len(deltas), "violations", len(violations))
		return &InvariantError{Violations: violations}
	}
	t.cursor = cursor
	t.log.Debug("tracker reconcile ok", "deltas", len(deltas), "cursor", cursor)
	return nil
}

func (t *Tracker) applyLocked(ev schema.ChangeEvent) error {
	if ev.Timestamp > t.clock {
		t.clock = ev.Timestamp
	}
	at := stamp{clock: ev.Timestamp, origin: ev.OriginID}
	switch ev.EntityType {
	case schema.EntityWindow:
		return t.applyWindowLocked(schema.WindowID(ev.EntityID), ev, at)
	case schema.EntityTab:
		return t.applyTabLocked(schema.TabID(ev.EntityID), ev, at)
	default:
		return schema.ErrInvalidChange
	}
}

func (t *Tracker) applyWindowLocked(id schema.WindowID, ev schema.ChangeEvent, at stamp) error {
	if ev.Operation == schema.OpClose {
		t.closeWindowLocked(id, at)
		return nil
	}
	if _, closed := t.closedWindows[id]; closed {
		return nil
	}
	win := t.windows[id]
	if win == nil {
		win = &windowRecord{id: id, created: at, focus: at}
		t.windows[id] = win
		if ev.Fields.Focused != nil {
			win.focused = *ev.Fields.Focused
		}
		return nil
	}
	if ev.Fields.Focused != nil && at.newer(win.focus) {
		win.focused = *ev.Fields.Focused
		win.focus = at
	}
	return nil
}

// closeWindowLocked removes the window and cascades to its tabs. Close wins
// regardless of clock.
func (t *Tracker) closeWindowLocked(id schema.WindowID, at stamp) {
	if prev, ok := t.closedWindows[id]; !ok || at.clock > prev {
		t.closedWindows[id] = at.clock
	}
	win := t.windows[id]
	if win == nil {
		return
	}
	for _, tabID := range win.tabs {
		delete(t.tabs, tabID)
		if prev, ok := t.closedTabs[tabID]; !ok || at.clock > prev {
			t.closedTabs[tabID] = at.clock
		}
	}
	delete(t.windows, id)
}

func (t *Tracker) applyTabLocked(id schema.TabID, ev schema.ChangeEvent, at stamp) error {
	if ev.Operation == schema.OpClose {
		t.closeTabLocked(id, at)
		return nil
	}
	if _, closed := t.closedTabs[id]; closed {
		return nil
	}
	tab := t.tabs[id]
	if tab == nil {
		return t.createTabLocked(id, ev.Fields, at)
	}
	if ev.Fields.WindowID != nil || ev.Fields.Position != nil {
		if at.newer(tab.placement) {
			target := tab.windowID
			if ev.Fields.WindowID != nil {
				target = *ev.Fields.WindowID
			}
			dest := t.windows[target]
			if closedAt, closed := t.closedWindows[target]; closed && dest == nil {
				// Moving into a closed window: the close cascades to the tab.
				t.closeTabLocked(id, stamp{clock: max(closedAt, at.clock), origin: at.origin})
				return nil
			}
			if dest == nil {
				return fmt.Errorf("%w: tab %s references window %s", schema.ErrUnknownWindow, id, target)
			}
			t.detachLocked(tab)
			pos := len(dest.tabs)
			if ev.Fields.Position != nil {
				pos = *ev.Fields.Position
			}
			t.attachLocked(tab, dest, pos)
			tab.placement = at
		}
	}
	if ev.Fields.URL != nil && at.newer(tab.urlAt) {
		tab.url = *ev.Fields.URL
		tab.urlAt = at
	}
	if ev.Fields.Title != nil && at.newer(tab.titleAt) {
		tab.title = *ev.Fields.Title
		tab.titleAt = at
	}
	if ev.Fields.Active != nil && at.newer(tab.activeAt) {
		tab.active = *ev.Fields.Active
		tab.activeAt = at
	}
	if ev.Fields.Pinned != nil && at.newer(tab.pinnedAt) {
		tab.pinned = *ev.Fields.Pinned
		tab.pinnedAt = at
	}
	return nil
}

func (t *Tracker) createTabLocked(id schema.TabID, fields schema.Fields, at stamp) error {
	if fields.WindowID == nil {
		return fmt.Errorf("%w: tab %s has no window", schema.ErrUnknownWindow, id)
	}
	win := t.windows[*fields.WindowID]
	if closedAt, closed := t.closedWindows[*fields.WindowID]; closed && win == nil {
		// Created in a window that is already closed: the close wins.
		t.closeTabLocked(id, stamp{clock: max(closedAt, at.clock), origin: at.origin})
		return nil
	}
	if win == nil {
		return fmt.Errorf("%w: tab %s references window %s", schema.ErrUnknownWindow, id, *fields.WindowID)
	}
	tab := &tabRecord{
		id:        id,
		placement: at,
		urlAt:     at,
		titleAt:   at,
		activeAt:  at,
		pinnedAt:  at,
	}
	if fields.URL != nil {
		tab.url = *fields.URL
	}
	if fields.Title != nil {
		tab.title = *fields.Title
	}
	if fields.Active != nil {
		tab.active = *fields.Active
	}
	if fields.Pinned != nil {
		tab.pinned = *fields.Pinned
	}
	pos := len(win.tabs)
	if fields.Position != nil {
		pos = *fields.Position
	}
	t.tabs[id] = tab
	t.attachLocked(tab, win, pos)
	return nil
}

func (t *Tracker) closeTabLocked(id schema.TabID, at stamp) {
	if prev, ok := t.closedTabs[id]; !ok || at.clock > prev {
		t.closedTabs[id] = at.clock
	}
	tab := t.tabs[id]
	if tab == nil {
		return
	}
	t.detachLocked(tab)
	delete(t.tabs, id)
}

// detachLocked removes the tab from its window's order. Positions are
// renumbered without touching any clock.
func (t *Tracker) detachLocked(tab *tabRecord) {
	win := t.windows[tab.windowID]
	if win == nil {
		return
	}
	if idx := slices.Index(win.tabs, tab.id); idx >= 0 {
		win.tabs = slices.Delete(win.tabs, idx, idx+1)
	}
}

func (t *Tracker) attachLocked(tab *tabRecord, win *windowRecord, pos int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(win.tabs) {
		pos = len(win.tabs)
	}
	win.tabs = slices.Insert(win.tabs, pos, tab.id)
	tab.windowID = win.id
}

// Snapshot returns a deep copy of the current state, windows sorted by id and
// tabs listed per window in position order.
func (t *Tracker) Snapshot() schema.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := schema.Snapshot{
		Cursor:  t.cursor,
		Clock:   t.clock,
		Windows: make([]schema.Window, 0, len(t.windows)),
		Tabs:    make([]schema.Tab, 0, len(t.tabs)),
	}
	ids := make([]schema.WindowID, 0, len(t.windows))
	for id := range t.windows {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		win := t.windows[id]
		last := win.lastModified()
		snap.Windows = append(snap.Windows, schema.Window{
			ID:           win.id,
			Tabs:         slices.Clone(win.tabs),
			Focused:      win.focused,
			LastModified: last.clock,
			OriginID:     last.origin,
		})
		for pos, tabID := range win.tabs {
			tab := t.tabs[tabID]
			if tab == nil {
				continue
			}
			tabLast := tab.lastModified()
			snap.Tabs = append(snap.Tabs, schema.Tab{
				ID:           tab.id,
				WindowID:     tab.windowID,
				URL:          tab.url,
				Title:        tab.title,
				Position:     pos,
				Active:       tab.active,
				Pinned:       tab.pinned,
				LastModified: tabLast.clock,
				OriginID:     tabLast.origin,
			})
		}
	}
	return snap
}

// Restore replaces the state with a previously persisted snapshot. Every field
// inherits the entity's last modification stamp.
func (t *Tracker) Restore(snap schema.Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows = make(map[schema.WindowID]*windowRecord, len(snap.Windows))
	t.tabs = make(map[schema.TabID]*tabRecord, len(snap.Tabs))
	t.closedWindows = make(map[schema.WindowID]schema.Clock)
	t.closedTabs = make(map[schema.TabID]schema.Clock)
	if snap.Clock > t.clock {
		t.clock = snap.Clock
	}
	t.cursor = snap.Cursor
	for _, w := range snap.Windows {
		at := stamp{clock: w.LastModified, origin: w.OriginID}
		t.windows[w.ID] = &windowRecord{id: w.ID, focused: w.Focused, created: at, focus: at}
	}
	byWindow := make(map[schema.WindowID][]schema.Tab)
	orphans := 0
	for _, tab := range snap.Tabs {
		if _, ok := t.windows[tab.WindowID]; !ok {
			orphans++
			continue
		}
		byWindow[tab.WindowID] = append(byWindow[tab.WindowID], tab)
	}
	for windowID, tabs := range byWindow {
		slices.SortStableFunc(tabs, func(a, b schema.Tab) int { return a.Position - b.Position })
		win := t.windows[windowID]
		for _, tab := range tabs {
			at := stamp{clock: tab.LastModified, origin: tab.OriginID}
			rec := &tabRecord{
				id:        tab.ID,
				url:       tab.URL,
				title:     tab.Title,
				active:    tab.Active,
				pinned:    tab.Pinned,
				placement: at,
				urlAt:     at,
				titleAt:   at,
				activeAt:  at,
				pinnedAt:  at,
			}
			t.tabs[tab.ID] = rec
			t.attachLocked(rec, win, len(win.tabs))
		}
	}
	if orphans > 0 {
		t.cursor = schema.InitialCursor
		t.log.Warn("tracker restore dropped orphan tabs", "count", orphans)
		return fmt.Errorf("%w: %d restored tabs without window", schema.ErrUnknownWindow, orphans)
	}
	t.log.Debug("tracker restore ok", "windows", len(t.windows), "tabs", len(t.tabs), "cursor", t.cursor)
	return nil
}

// IsInvariant reports whether err came from a violated invariant.
func IsInvariant(err error) bool {
	var inv *InvariantError
	return errors.As(err, &inv)
}
