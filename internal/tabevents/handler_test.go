package tabevents

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/tanaka/internal/tracker"
	"pkt.systems/tanaka/schema"
)

type recordingQueue struct {
	mu      sync.Mutex
	events  []schema.ChangeEvent
	resyncs int
}

func (q *recordingQueue) Resync() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resyncs++
}

func (q *recordingQueue) resyncCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resyncs
}

func (q *recordingQueue) Enqueue(events ...schema.ChangeEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, events...)
}

func (q *recordingQueue) snapshot() []schema.ChangeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]schema.ChangeEvent(nil), q.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newHandler(t *testing.T) (*Handler, *tracker.Tracker, *recordingQueue, *fakeClock) {
	t.Helper()
	tr := tracker.New(nil)
	q := &recordingQueue{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	h, err := New(tr, q, Config{Origin: "local", Now: clock.Now})
	require.NoError(t, err)
	return h, tr, q, clock
}

func created(tab schema.TabID, win schema.WindowID, pos int, url string) schema.HostEvent {
	return schema.HostEvent{Kind: schema.HostTabCreated, TabID: tab, WindowID: win, Position: schema.Ptr(pos), URL: schema.Ptr(url)}
}

func TestCreateInUnknownWindowSynthesizesWindow(t *testing.T) {
	h, tr, q, _ := newHandler(t)
	require.NoError(t, h.Handle(created("a", "w1", 0, "https://a.example")))
	require.NoError(t, h.Handle(created("b", "w1", 1, "https://b.example")))

	events := q.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, schema.EntityWindow, events[0].EntityType)
	assert.Equal(t, schema.OpCreate, events[0].Operation)
	assert.Equal(t, "a", events[1].EntityID)
	assert.Equal(t, "b", events[2].EntityID)
	assert.Less(t, events[0].Timestamp, events[1].Timestamp)
	assert.Less(t, events[1].Timestamp, events[2].Timestamp)

	snap := tr.Snapshot()
	w, ok := snap.Window("w1")
	require.True(t, ok)
	assert.Equal(t, []schema.TabID{"a", "b"}, w.Tabs)
}

func TestUpdatesCoalescePerTab(t *testing.T) {
	h, tr, q, clock := newHandler(t)
	require.NoError(t, h.Handle(created("a", "w1", 0, "https://a.example")))
	before := len(q.snapshot())

	require.NoError(t, h.Handle(schema.HostEvent{Kind: schema.HostTabUpdated, TabID: "a", Title: schema.Ptr("one")}))
	clock.Advance(100 * time.Millisecond)
	require.NoError(t, h.Handle(schema.HostEvent{Kind: schema.HostTabUpdated, TabID: "a", Title: schema.Ptr("two"), URL: schema.Ptr("https://a.example/2")}))
	require.NoError(t, h.Handle(schema.HostEvent{Kind: schema.HostTabUpdated, TabID: "a", Pinned: schema.Ptr(true)}))
	assert.Equal(t, 1, h.Pending())

	assert.Zero(t, h.flushDue(clock.Advance(100*time.Millisecond)))
	assert.Equal(t, 1, h.flushDue(clock.Advance(100*time.Millisecond)))

	events := q.snapshot()[before:]
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, schema.OpUpdate, ev.Operation)
	assert.Equal(t, "two", *ev.Fields.Title)
	assert.Equal(t, "https://a.example/2", *ev.Fields.URL)
	assert.True(t, *ev.Fields.Pinned)
	assert.Equal(t, tr.Clock(), ev.Timestamp)

	tab, _ := tr.Snapshot().Tab("a")
	assert.Equal(t, "two", tab.Title)
}

func TestNonUpdateFlushesBufferedUpdatesFirst(t *testing.T) {
	h, _, q, _ := newHandler(t)
	require.NoError(t, h.Handle(created("a", "w1", 0, "https://a.example")))
	require.NoError(t, h.Handle(schema.HostEvent{Kind: schema.HostTabUpdated, TabID: "a", Title: schema.Ptr("t")}))
	require.NoError(t, h.Handle(schema.HostEvent{Kind: schema.HostTabClosed, TabID: "a"}))

	events := q.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, schema.OpUpdate, events[2].Operation)
	assert.Equal(t, schema.OpClose, events[3].Operation)
	assert.Less(t, events[2].Timestamp, events[3].Timestamp)
	assert.Zero(t, h.Pending())
}

func TestUpdateForUnknownTabRequestsResync(t *testing.T) {
	h, tr, q, _ := newHandler(t)
	require.NoError(t, h.Handle(schema.HostEvent{Kind: schema.HostTabUpdated, TabID: "ghost", Title: schema.Ptr("lost")}))
	h.Flush()

	assert.Equal(t, 1, q.resyncCount())
	assert.Empty(t, q.snapshot())
	_, ok := tr.Snapshot().Tab("ghost")
	assert.False(t, ok)
}

func TestInvalidChangeDoesNotRequestResync(t *testing.T) {
	h, _, q, _ := newHandler(t)
	require.NoError(t, h.Handle(created("a", "w1", 0, "https://a.example")))
	long := "https://a.example/" + strings.Repeat("x", schema.MaxURLLength)
	require.Error(t, h.Handle(schema.HostEvent{Kind: schema.HostTabUpdated, TabID: "a", URL: &long}))
	h.Flush()

	assert.Zero(t, q.resyncCount())
}

func TestActivationBecomesActiveUpdate(t *testing.T) {
	h, tr, _, _ := newHandler(t)
	require.NoError(t, h.Handle(created("a", "w1", 0, "https://a.example")))
	require.NoError(t, h.Handle(schema.HostEvent{Kind: schema.HostTabActivated, TabID: "a", WindowID: "w1"}))
	h.Flush()

	tab, _ := tr.Snapshot().Tab("a")
	assert.True(t, tab.Active)
}

func TestTitleTruncatedAndLongURLRejected(t *testing.T) {
	h, tr, _, _ := newHandler(t)
	ev := created("a", "w1", 0, "https://a.example")
	ev.Title = schema.Ptr(strings.Repeat("x", schema.MaxTitleLength+10))
	require.NoError(t, h.Handle(ev))

	tab, _ := tr.Snapshot().Tab("a")
	assert.Len(t, tab.Title, schema.MaxTitleLength)

	long := strings.Repeat("u", schema.MaxURLLength+1)
	err := h.Handle(schema.HostEvent{Kind: schema.HostTabUpdated, TabID: "a", URL: &long})
	assert.ErrorIs(t, err, schema.ErrURLTooLong)
	assert.Zero(t, h.Pending())
}

func TestMoveAndWindowLifecycle(t *testing.T) {
	h, tr, _, _ := newHandler(t)
	require.NoError(t, h.Handle(created("a", "w1", 0, "https://a.example")))
	require.NoError(t, h.Handle(created("b", "w1", 1, "https://b.example")))
	require.NoError(t, h.Handle(schema.HostEvent{Kind: schema.HostTabMoved, TabID: "b", WindowID: "w2", Position: schema.Ptr(0)}))
	require.NoError(t, h.Handle(schema.HostEvent{Kind: schema.HostWindowFocused, WindowID: "w2"}))

	snap := tr.Snapshot()
	w2, ok := snap.Window("w2")
	require.True(t, ok)
	assert.Equal(t, []schema.TabID{"b"}, w2.Tabs)
	assert.True(t, w2.Focused)

	require.NoError(t, h.Handle(schema.HostEvent{Kind: schema.HostWindowClosed, WindowID: "w1"}))
	snap = tr.Snapshot()
	_, ok = snap.Tab("a")
	assert.False(t, ok)
}

func TestMoveWithoutPositionRejected(t *testing.T) {
	h, _, _, _ := newHandler(t)
	err := h.Handle(schema.HostEvent{Kind: schema.HostTabMoved, TabID: "a"})
	assert.ErrorIs(t, err, schema.ErrInvalidChange)
}

func TestCreateWithoutWindowRejected(t *testing.T) {
	h, _, q, _ := newHandler(t)
	err := h.Handle(schema.HostEvent{Kind: schema.HostTabCreated, TabID: "a"})
	assert.ErrorIs(t, err, schema.ErrUnknownWindow)
	assert.Empty(t, q.snapshot())
}

func TestRunFlushesOnClose(t *testing.T) {
	h, tr, _, _ := newHandler(t)
	events := make(chan schema.HostEvent, 4)
	events <- created("a", "w1", 0, "https://a.example")
	events <- schema.HostEvent{Kind: schema.HostTabUpdated, TabID: "a", Title: schema.Ptr("late")}
	close(events)

	require.NoError(t, h.Run(context.Background(), events))
	tab, _ := tr.Snapshot().Tab("a")
	assert.Equal(t, "late", tab.Title)
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(nil, &recordingQueue{}, Config{Origin: "o"})
	assert.Error(t, err)
	_, err = New(tracker.New(nil), nil, Config{Origin: "o"})
	assert.Error(t, err)
	_, err = New(tracker.New(nil), &recordingQueue{}, Config{})
	assert.Error(t, err)
}
