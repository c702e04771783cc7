package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/tanaka/internal/persist"
	"pkt.systems/tanaka/internal/tanakaapi"
	"pkt.systems/tanaka/internal/tracker"
	"pkt.systems/tanaka/schema"
)

type exchange struct {
	resp schema.SyncResponse
	err  error
}

// scriptedTransport answers calls from a script and records requests.
// Once the script is used up it answers with fallback when set.
// When gate is set, each call blocks until a value is received from it.
type scriptedTransport struct {
	mu       sync.Mutex
	script   []exchange
	fallback *exchange
	requests []schema.SyncRequest
	active   int
	maxSeen  int
	gate     chan struct{}
	started  chan struct{}
}

func (s *scriptedTransport) Sync(ctx context.Context, ep tanakaapi.Endpoint, req schema.SyncRequest) (schema.SyncResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	gate, started := s.gate, s.started
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if len(s.script) == 0 {
		if s.fallback != nil {
			return s.fallback.resp, s.fallback.err
		}
		return schema.SyncResponse{Cursor: "c-default"}, nil
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next.resp, next.err
}

func (s *scriptedTransport) calls() []schema.SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.SyncRequest(nil), s.requests...)
}

type recordingSink struct {
	mu        sync.Mutex
	statuses  []schema.Status
	snapshots int
}

func (r *recordingSink) OnStatus(st schema.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, st)
	r.mu.Unlock()
}

func (r *recordingSink) OnSnapshot(schema.Snapshot) {
	r.mu.Lock()
	r.snapshots++
	r.mu.Unlock()
}

func netErr() error {
	return &tanakaapi.Error{Kind: tanakaapi.KindNetwork, Op: "sync", Err: errors.New("connection refused")}
}

func authErr() error {
	return &tanakaapi.Error{Kind: tanakaapi.KindAuth, Op: "sync", Status: 401, Err: errors.New("unauthorized")}
}

func protoErr() error {
	return &tanakaapi.Error{Kind: tanakaapi.KindProtocol, Op: "sync", Err: errors.New("bad body")}
}

func enabledSettings() schema.UserSettings {
	s := schema.DefaultUserSettings()
	s.AuthToken = "tok"
	s.Enabled = true
	return s
}

type harness struct {
	mgr       *SyncManager
	tracker   *tracker.Tracker
	transport *scriptedTransport
	sink      *recordingSink
	store     persist.Store
}

func newHarness(t *testing.T, script ...exchange) *harness {
	t.Helper()
	store, err := persist.NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	h := &harness{
		tracker:   tracker.New(nil),
		transport: &scriptedTransport{script: script},
		sink:      &recordingSink{},
		store:     store,
	}
	h.mgr, err = NewSyncManager(SyncConfig{}, SyncDeps{
		Tracker:   h.tracker,
		Transport: h.transport,
		Store:     store,
		EventSink: h.sink,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.mgr.Close()
		_ = store.Close()
	})
	return h
}

// enable turns sync on and waits for the kick-off cycle to finish.
func (h *harness) enable() {
	h.mgr.Configure(enabledSettings())
	h.mgr.waitIdle()
}

func windowEvent(id string, ts schema.Clock) schema.ChangeEvent {
	return schema.ChangeEvent{EntityType: schema.EntityWindow, EntityID: id, Operation: schema.OpCreate, Timestamp: ts, OriginID: "local"}
}

func TestStartsDisabledAndIgnoresTriggers(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, schema.StateDisabled, h.mgr.Status().State)
	assert.False(t, h.mgr.Trigger(TriggerManual))
	assert.Empty(t, h.transport.calls())
}

func TestCycleSendsPendingAndAdvancesCursor(t *testing.T) {
	h := newHarness(t,
		exchange{resp: schema.SyncResponse{Cursor: "c1"}},
		exchange{resp: schema.SyncResponse{Cursor: "c2", Changes: []schema.ChangeEvent{windowEvent("w-remote", 9)}}},
	)
	h.enable()
	assert.Equal(t, schema.Cursor("c1"), h.tracker.Cursor())

	a := windowEvent("w1", 1)
	b := windowEvent("w2", 2)
	h.mgr.Enqueue(a, b)
	require.True(t, h.mgr.Trigger(TriggerManual))
	h.mgr.waitIdle()

	calls := h.transport.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, schema.Cursor("c1"), calls[1].Cursor)
	assert.Equal(t, []schema.ChangeEvent{a, b}, calls[1].Changes)

	st := h.mgr.Status()
	assert.Equal(t, schema.StateIdle, st.State)
	assert.Equal(t, schema.Cursor("c2"), st.Cursor)
	assert.Zero(t, st.Pending)
	assert.Nil(t, st.LastError)
	assert.True(t, h.tracker.HasWindow("w-remote"))

	var saved persist.SyncState
	ok, err := h.store.Load(context.Background(), persist.KeySyncState, &saved)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schema.Cursor("c2"), saved.Cursor)
	assert.Len(t, saved.Snapshot.Windows, 1)
}

func TestNetworkFailuresBackOffExponentially(t *testing.T) {
	h := newHarness(t,
		exchange{err: netErr()},
		exchange{err: netErr()},
		exchange{err: netErr()},
		exchange{err: netErr()},
	)
	h.mgr.cfg.BackoffBase = time.Second
	h.mgr.cfg.BackoffCap = 5 * time.Second
	h.mgr.Enqueue(windowEvent("w1", 1))
	h.enable()

	st := h.mgr.Status()
	require.Equal(t, schema.StateBackoff, st.State)
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, time.Second, h.mgr.delay)
	assert.Equal(t, 1, st.Pending)
	require.NotNil(t, st.LastError)
	assert.Equal(t, schema.ErrorNetwork, st.LastError.Category)

	// Periodic and debounce triggers wait for the backoff timer.
	assert.False(t, h.mgr.Trigger(TriggerPeriodic))
	assert.False(t, h.mgr.Trigger(TriggerDebounce))

	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, delay := range want {
		require.True(t, h.mgr.Trigger(TriggerBackoff))
		h.mgr.waitIdle()
		assert.Equal(t, i+2, h.mgr.Status().Attempt)
		assert.Equal(t, delay, h.mgr.delay)
	}

	// Every attempt resent the same batch.
	for _, req := range h.transport.calls() {
		require.Len(t, req.Changes, 1)
		assert.Equal(t, "w1", req.Changes[0].EntityID)
	}

	require.True(t, h.mgr.Trigger(TriggerManual))
	h.mgr.waitIdle()
	st = h.mgr.Status()
	assert.Equal(t, schema.StateIdle, st.State)
	assert.Zero(t, st.Attempt)
	assert.Zero(t, h.mgr.delay)
	assert.Zero(t, st.Pending)
}

func TestAuthFailureDisablesAndParksBatch(t *testing.T) {
	h := newHarness(t,
		exchange{err: authErr()},
		exchange{resp: schema.SyncResponse{Cursor: "c1"}},
	)
	h.mgr.Enqueue(windowEvent("w1", 1))
	h.enable()

	st := h.mgr.Status()
	assert.Equal(t, schema.StateDisabled, st.State)
	require.NotNil(t, st.LastError)
	assert.Equal(t, schema.ErrorAuth, st.LastError.Category)
	assert.Empty(t, h.mgr.Pending())
	assert.Equal(t, 1, st.Pending)
	assert.False(t, h.mgr.Trigger(TriggerManual))

	// A new credential re-enables and sends the parked batch.
	h.mgr.Configure(schema.UserSettings{ServerURL: schema.DefaultServerURL, AuthToken: "fresh", SyncIntervalMs: 5000, Enabled: true})
	h.mgr.waitIdle()
	calls := h.transport.calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1].Changes, 1)
	assert.Equal(t, "w1", calls[1].Changes[0].EntityID)
	assert.Equal(t, schema.StateIdle, h.mgr.Status().State)
	assert.Nil(t, h.mgr.Status().LastError)
}

func TestProtocolErrorRetainsBatchAndKeepsCursor(t *testing.T) {
	h := newHarness(t,
		exchange{resp: schema.SyncResponse{Cursor: "c1"}},
		exchange{err: protoErr()},
		exchange{resp: schema.SyncResponse{Cursor: "c2"}},
	)
	h.enable()

	first := windowEvent("w1", 1)
	h.mgr.Enqueue(first)
	require.True(t, h.mgr.Trigger(TriggerManual))
	h.mgr.waitIdle()

	st := h.mgr.Status()
	assert.Equal(t, schema.StateIdle, st.State)
	assert.Equal(t, schema.Cursor("c1"), st.Cursor)
	require.NotNil(t, st.LastError)
	assert.Equal(t, schema.ErrorProtocol, st.LastError.Category)

	second := windowEvent("w2", 2)
	h.mgr.Enqueue(second)
	require.True(t, h.mgr.Trigger(TriggerManual))
	h.mgr.waitIdle()

	calls := h.transport.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []schema.ChangeEvent{first, second}, calls[2].Changes)
	assert.Equal(t, schema.Cursor("c2"), h.mgr.Status().Cursor)
}

func orphanTab(id string, ts schema.Clock) schema.ChangeEvent {
	return schema.ChangeEvent{
		EntityType: schema.EntityTab,
		EntityID:   id,
		Operation:  schema.OpCreate,
		Fields:     schema.Fields{WindowID: schema.Ptr(schema.WindowID("missing"))},
		Timestamp:  ts,
		OriginID:   "remote",
	}
}

func TestInvariantViolationRequestsFullResync(t *testing.T) {
	orphan := orphanTab("t1", 4)
	h := newHarness(t,
		exchange{resp: schema.SyncResponse{Cursor: "c1"}},
		exchange{resp: schema.SyncResponse{Cursor: "c2", Changes: []schema.ChangeEvent{orphan}}},
		exchange{resp: schema.SyncResponse{Cursor: "c3"}},
	)
	h.enable()
	require.True(t, h.mgr.Trigger(TriggerManual))
	h.mgr.waitIdle()

	calls := h.transport.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, schema.Cursor("c1"), calls[1].Cursor)
	assert.Equal(t, schema.InitialCursor, calls[2].Cursor, "rerun must request a full snapshot")
	assert.Equal(t, schema.Cursor("c3"), h.mgr.Status().Cursor)
}

func TestRepeatedInvariantOnFullResyncBacksOff(t *testing.T) {
	h := newHarness(t)
	h.transport.fallback = &exchange{resp: schema.SyncResponse{Cursor: "c-bad", Changes: []schema.ChangeEvent{orphanTab("t1", 4)}}}
	h.mgr.cfg.BackoffBase = time.Hour
	h.mgr.cfg.BackoffCap = 4 * time.Hour
	h.enable()

	require.Len(t, h.transport.calls(), 1)
	st := h.mgr.Status()
	require.Equal(t, schema.StateBackoff, st.State)
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, time.Hour, h.mgr.delay)
	assert.Equal(t, schema.InitialCursor, st.Cursor)
	require.NotNil(t, st.LastError)
	assert.Equal(t, schema.ErrorInvariant, st.LastError.Category)
	assert.False(t, h.mgr.Trigger(TriggerPeriodic))

	require.True(t, h.mgr.Trigger(TriggerBackoff))
	h.mgr.waitIdle()
	calls := h.transport.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, schema.InitialCursor, calls[1].Cursor)
	assert.Equal(t, schema.StateBackoff, h.mgr.Status().State)
	assert.Equal(t, 2, h.mgr.Status().Attempt)
	assert.Equal(t, 2*time.Hour, h.mgr.delay)
}

func TestInvariantAfterIncrementalCycleResyncsOnceThenBacksOff(t *testing.T) {
	h := newHarness(t, exchange{resp: schema.SyncResponse{Cursor: "c1"}})
	h.transport.fallback = &exchange{resp: schema.SyncResponse{Cursor: "c-bad", Changes: []schema.ChangeEvent{orphanTab("t1", 4)}}}
	h.mgr.cfg.BackoffBase = time.Hour
	h.enable()
	require.Equal(t, schema.StateIdle, h.mgr.Status().State)

	require.True(t, h.mgr.Trigger(TriggerManual))
	h.mgr.waitIdle()

	calls := h.transport.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, schema.Cursor("c1"), calls[1].Cursor)
	assert.Equal(t, schema.InitialCursor, calls[2].Cursor)
	assert.Equal(t, schema.StateBackoff, h.mgr.Status().State)
}

func TestDeltasIntoClosedWindowDoNotLoop(t *testing.T) {
	h := newHarness(t)
	h.transport.fallback = &exchange{resp: schema.SyncResponse{Cursor: "c-full", Changes: []schema.ChangeEvent{
		{EntityType: schema.EntityWindow, EntityID: "w", Operation: schema.OpCreate, Timestamp: 1, OriginID: "b"},
		{EntityType: schema.EntityWindow, EntityID: "w", Operation: schema.OpClose, Timestamp: 2, OriginID: "b"},
		{EntityType: schema.EntityTab, EntityID: "t", Operation: schema.OpCreate, Fields: schema.Fields{WindowID: schema.Ptr(schema.WindowID("w")), URL: schema.Ptr("https://t.example")}, Timestamp: 3, OriginID: "b"},
	}}}
	h.enable()
	require.True(t, h.mgr.Trigger(TriggerManual))
	h.mgr.waitIdle()

	require.Len(t, h.transport.calls(), 2)
	st := h.mgr.Status()
	assert.Equal(t, schema.StateIdle, st.State)
	assert.Nil(t, st.LastError)
	assert.Equal(t, schema.Cursor("c-full"), st.Cursor)
	snap := h.tracker.Snapshot()
	assert.Empty(t, snap.Windows)
	assert.Empty(t, snap.Tabs)
}

func TestResyncFetchesFromInitialCursor(t *testing.T) {
	h := newHarness(t,
		exchange{resp: schema.SyncResponse{Cursor: "c1"}},
		exchange{resp: schema.SyncResponse{Cursor: "c2"}},
	)
	h.enable()
	h.mgr.Resync()
	h.mgr.waitIdle()

	calls := h.transport.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, schema.InitialCursor, calls[1].Cursor)
	assert.Equal(t, schema.Cursor("c2"), h.mgr.Status().Cursor)
}

func TestFailedCyclesPersistQueuedChanges(t *testing.T) {
	h := newHarness(t, exchange{err: netErr()}, exchange{err: authErr()})
	h.mgr.cfg.BackoffBase = time.Hour
	h.mgr.Enqueue(windowEvent("w1", 1))
	h.enable()
	require.Equal(t, schema.StateBackoff, h.mgr.Status().State)

	var saved persist.SyncState
	ok, err := h.store.Load(context.Background(), persist.KeySyncState, &saved)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, saved.Pending, 1)
	assert.Equal(t, "w1", saved.Pending[0].EntityID)

	var endpoints []tanakaapi.Endpoint
	h.mgr.onAuth = func(ep tanakaapi.Endpoint) { endpoints = append(endpoints, ep) }
	h.mgr.Enqueue(windowEvent("w2", 2))
	require.True(t, h.mgr.Trigger(TriggerManual))
	h.mgr.waitIdle()
	require.Equal(t, schema.StateDisabled, h.mgr.Status().State)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "tok", endpoints[0].Token)

	saved = persist.SyncState{}
	_, err = h.store.Load(context.Background(), persist.KeySyncState, &saved)
	require.NoError(t, err)
	require.Len(t, saved.Pending, 2, "parked changes are persisted too")
	assert.Equal(t, "w1", saved.Pending[0].EntityID)
	assert.Equal(t, "w2", saved.Pending[1].EntityID)
}

func TestAtMostOneCycleInFlight(t *testing.T) {
	h := newHarness(t)
	h.enable()

	h.transport.mu.Lock()
	h.transport.gate = make(chan struct{})
	h.transport.started = make(chan struct{}, 8)
	h.transport.mu.Unlock()

	require.True(t, h.mgr.Trigger(TriggerManual))
	<-h.transport.started
	for range 5 {
		assert.True(t, h.mgr.Trigger(TriggerManual))
	}
	assert.Equal(t, schema.StateSyncing, h.mgr.Status().State)

	h.transport.gate <- struct{}{}
	<-h.transport.started
	h.transport.gate <- struct{}{}
	h.mgr.waitIdle()

	// One initial cycle, one triggered, one coalesced rerun.
	assert.Len(t, h.transport.calls(), 3)
	h.transport.mu.Lock()
	assert.Equal(t, 1, h.transport.maxSeen)
	h.transport.mu.Unlock()
}

func TestDisableDuringFlightDiscardsResult(t *testing.T) {
	h := newHarness(t)
	h.enable()

	h.transport.mu.Lock()
	h.transport.gate = make(chan struct{})
	h.transport.started = make(chan struct{}, 1)
	h.transport.script = []exchange{{resp: schema.SyncResponse{Cursor: "late", Changes: []schema.ChangeEvent{windowEvent("w-late", 50)}}}}
	h.transport.mu.Unlock()

	h.mgr.Enqueue(windowEvent("w1", 1))
	require.True(t, h.mgr.Trigger(TriggerManual))
	<-h.transport.started
	epochBefore := h.mgr.Status().Epoch

	disabled := enabledSettings()
	disabled.Enabled = false
	h.mgr.Configure(disabled)
	assert.Equal(t, schema.StateDisabled, h.mgr.Status().State)
	assert.Greater(t, h.mgr.Status().Epoch, epochBefore)

	h.transport.gate <- struct{}{}
	h.mgr.waitIdle()

	assert.False(t, h.tracker.HasWindow("w-late"))
	assert.Equal(t, schema.Cursor("c-default"), h.tracker.Cursor())
	pending := h.mgr.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "w1", pending[0].EntityID)
	assert.Equal(t, schema.StateDisabled, h.mgr.Status().State)
}

func TestRunSchedulesDebouncedCycle(t *testing.T) {
	h := newHarness(t)
	h.mgr.cfg.DebounceDelay = 20 * time.Millisecond
	h.enable()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(ctx) }()

	h.mgr.Enqueue(windowEvent("w1", 1))
	require.Eventually(t, func() bool {
		for _, req := range h.transport.calls() {
			if len(req.Changes) == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, h.mgr.Trigger(TriggerManual))
}

func TestRunRetriesAfterBackoff(t *testing.T) {
	h := newHarness(t, exchange{err: netErr()}, exchange{resp: schema.SyncResponse{Cursor: "c1"}})
	h.mgr.cfg.BackoffBase = 20 * time.Millisecond
	h.mgr.cfg.BackoffCap = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(ctx) }()

	h.mgr.Configure(enabledSettings())
	require.Eventually(t, func() bool {
		return h.mgr.Status().Cursor == "c1" && h.mgr.Status().State == schema.StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestStatusNotificationsReachSink(t *testing.T) {
	h := newHarness(t, exchange{resp: schema.SyncResponse{Cursor: "c1", Changes: []schema.ChangeEvent{windowEvent("w9", 3)}}})
	h.enable()

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	require.NotEmpty(t, h.sink.statuses)
	assert.Equal(t, schema.StateIdle, h.sink.statuses[len(h.sink.statuses)-1].State)
	assert.Equal(t, 1, h.sink.snapshots)
}
