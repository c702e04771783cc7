package schema

// WindowID identifies a browser window.
type WindowID string

// TabID identifies a browser tab.
type TabID string

// OriginID identifies the client that produced a write.
type OriginID string

// Clock is a Lamport logical clock value.
type Clock uint64

// Cursor is an opaque position in the server's change stream.
// The zero value requests a complete snapshot.
type Cursor string

// InitialCursor is the cursor of a client that has never synced.
const InitialCursor Cursor = ""

// EntityType selects the entity a change applies to.
type EntityType string

const (
	// EntityWindow marks window changes.
	EntityWindow EntityType = "window"
	// EntityTab marks tab changes.
	EntityTab EntityType = "tab"
)

// Operation is the kind of change applied to an entity.
type Operation string

const (
	// OpCreate adds an entity.
	OpCreate Operation = "create"
	// OpUpdate changes attributes of an entity.
	OpUpdate Operation = "update"
	// OpMove changes a tab's window or position.
	OpMove Operation = "move"
	// OpClose removes an entity.
	OpClose Operation = "close"
)

// Window is a browser window with its ordered tabs.
type Window struct {
	ID           WindowID `json:"id"`
	Tabs         []TabID  `json:"tabs"`
	Focused      bool     `json:"focused,omitempty"`
	LastModified Clock    `json:"last_modified"`
	OriginID     OriginID `json:"origin_id,omitempty"`
}

// Tab is a browser tab.
type Tab struct {
	ID           TabID    `json:"id"`
	WindowID     WindowID `json:"window_id"`
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Position     int      `json:"position"`
	Active       bool     `json:"active"`
	Pinned       bool     `json:"pinned"`
	LastModified Clock    `json:"last_modified"`
	OriginID     OriginID `json:"origin_id,omitempty"`
}

// Fields is a partial attribute set. Nil fields are left untouched.
type Fields struct {
	WindowID *WindowID `json:"window_id,omitempty"`
	URL      *string   `json:"url,omitempty"`
	Title    *string   `json:"title,omitempty"`
	Position *int      `json:"position,omitempty"`
	Active   *bool     `json:"active,omitempty"`
	Pinned   *bool     `json:"pinned,omitempty"`
	Focused  *bool     `json:"focused,omitempty"`
}

// IsEmpty reports whether no field is set.
func (f Fields) IsEmpty() bool {
	return f.WindowID == nil && f.URL == nil && f.Title == nil && f.Position == nil &&
		f.Active == nil && f.Pinned == nil && f.Focused == nil
}

// Merge overlays the set fields of next onto f.
func (f Fields) Merge(next Fields) Fields {
	if next.WindowID != nil {
		f.WindowID = next.WindowID
	}
	if next.URL != nil {
		f.URL = next.URL
	}
	if next.Title != nil {
		f.Title = next.Title
	}
	if next.Position != nil {
		f.Position = next.Position
	}
	if next.Active != nil {
		f.Active = next.Active
	}
	if next.Pinned != nil {
		f.Pinned = next.Pinned
	}
	if next.Focused != nil {
		f.Focused = next.Focused
	}
	return f
}

// ChangeEvent is a single change to a window or tab, local or remote.
type ChangeEvent struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Operation  Operation  `json:"operation"`
	Fields     Fields     `json:"fields"`
	Timestamp  Clock      `json:"timestamp"`
	OriginID   OriginID   `json:"origin_id"`
}

// Snapshot is an immutable copy of the tracked state.
type Snapshot struct {
	Cursor  Cursor   `json:"cursor"`
	Clock   Clock    `json:"clock"`
	Windows []Window `json:"windows"`
	Tabs    []Tab    `json:"tabs"`
}

// Window returns the window with the given id.
func (s Snapshot) Window(id WindowID) (Window, bool) {
	for _, w := range s.Windows {
		if w.ID == id {
			return w, true
		}
	}
	return Window{}, false
}

// Tab returns the tab with the given id.
func (s Snapshot) Tab(id TabID) (Tab, bool) {
	for _, t := range s.Tabs {
		if t.ID == id {
			return t, true
		}
	}
	return Tab{}, false
}

// TabsIn returns the tabs of a window in position order.
func (s Snapshot) TabsIn(id WindowID) []Tab {
	w, ok := s.Window(id)
	if !ok {
		return nil
	}
	out := make([]Tab, 0, len(w.Tabs))
	for _, tabID := range w.Tabs {
		if tab, ok := s.Tab(tabID); ok {
			out = append(out, tab)
		}
	}
	return out
}

// Ptr returns a pointer to v. Handy for building Fields.
func Ptr[T any](v T) *T {
	return &v
}
