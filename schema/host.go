package schema

// HostEventKind is a normalized browser lifecycle notification.
type HostEventKind string

const (
	HostTabCreated    HostEventKind = "tab_created"
	HostTabUpdated    HostEventKind = "tab_updated"
	HostTabMoved      HostEventKind = "tab_moved"
	HostTabActivated  HostEventKind = "tab_activated"
	HostTabClosed     HostEventKind = "tab_closed"
	HostWindowCreated HostEventKind = "window_created"
	HostWindowFocused HostEventKind = "window_focused"
	HostWindowClosed  HostEventKind = "window_closed"
)

// HostEvent is what host sources push into the engine.
type HostEvent struct {
	Kind     HostEventKind `json:"kind"`
	WindowID WindowID      `json:"window_id,omitempty"`
	TabID    TabID         `json:"tab_id,omitempty"`
	URL      *string       `json:"url,omitempty"`
	Title    *string       `json:"title,omitempty"`
	Pinned   *bool         `json:"pinned,omitempty"`
	Active   *bool         `json:"active,omitempty"`
	Position *int          `json:"position,omitempty"`
}
