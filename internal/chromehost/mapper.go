package chromehost

import (
	"github.com/chromedp/cdproto/target"
	"pkt.systems/tanaka/schema"
)

const pageTarget = "page"

type pageState struct {
	window schema.WindowID
	url    string
	title  string
}

// Mapper turns DevTools target notifications into host events. It tracks
// which page targets it has announced so repeated notifications are quiet.
type Mapper struct {
	pages   map[target.ID]*pageState
	windows map[schema.WindowID]int
}

// NewMapper constructs an empty Mapper.
func NewMapper() *Mapper {
	return &Mapper{
		pages:   make(map[target.ID]*pageState),
		windows: make(map[schema.WindowID]int),
	}
}

// Tracked reports whether id is a page the mapper announced.
func (m *Mapper) Tracked(id target.ID) bool {
	_, ok := m.pages[id]
	return ok
}

// Created handles a new target hosted in window.
func (m *Mapper) Created(info *target.Info, window schema.WindowID) []schema.HostEvent {
	if info == nil || info.Type != pageTarget || window == "" {
		return nil
	}
	if _, ok := m.pages[info.TargetID]; ok {
		return m.Changed(info, window)
	}
	var out []schema.HostEvent
	if m.windows[window] == 0 {
		out = append(out, schema.HostEvent{Kind: schema.HostWindowCreated, WindowID: window})
	}
	m.windows[window]++
	m.pages[info.TargetID] = &pageState{window: window, url: info.URL, title: info.Title}
	out = append(out, schema.HostEvent{
		Kind:     schema.HostTabCreated,
		WindowID: window,
		TabID:    schema.TabID(info.TargetID),
		URL:      schema.Ptr(info.URL),
		Title:    schema.Ptr(info.Title),
	})
	return out
}

// Changed handles a target info update. window may be empty when unknown.
func (m *Mapper) Changed(info *target.Info, window schema.WindowID) []schema.HostEvent {
	if info == nil {
		return nil
	}
	page, ok := m.pages[info.TargetID]
	if !ok {
		return m.Created(info, window)
	}
	tab := schema.TabID(info.TargetID)
	var out []schema.HostEvent
	if window != "" && window != page.window {
		if m.windows[window] == 0 {
			out = append(out, schema.HostEvent{Kind: schema.HostWindowCreated, WindowID: window})
		}
		position := m.windows[window]
		m.windows[window]++
		previous := page.window
		page.window = window
		// The move goes first so closing the old window does not cascade to it.
		out = append(out, schema.HostEvent{Kind: schema.HostTabMoved, WindowID: window, TabID: tab, Position: schema.Ptr(position)})
		m.release(previous, &out)
	}
	update := schema.HostEvent{Kind: schema.HostTabUpdated, WindowID: page.window, TabID: tab}
	changed := false
	if info.URL != page.url {
		page.url = info.URL
		update.URL = schema.Ptr(info.URL)
		changed = true
	}
	if info.Title != page.title {
		page.title = info.Title
		update.Title = schema.Ptr(info.Title)
		changed = true
	}
	if changed {
		out = append(out, update)
	}
	return out
}

// Destroyed handles a closed target.
func (m *Mapper) Destroyed(id target.ID) []schema.HostEvent {
	page, ok := m.pages[id]
	if !ok {
		return nil
	}
	delete(m.pages, id)
	out := []schema.HostEvent{{Kind: schema.HostTabClosed, WindowID: page.window, TabID: schema.TabID(id)}}
	m.release(page.window, &out)
	return out
}

func (m *Mapper) release(window schema.WindowID, out *[]schema.HostEvent) {
	m.windows[window]--
	if m.windows[window] <= 0 {
		delete(m.windows, window)
		*out = append(*out, schema.HostEvent{Kind: schema.HostWindowClosed, WindowID: window})
	}
}
