package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/internal/logx"
	"pkt.systems/tanaka/internal/persist"
	"pkt.systems/tanaka/internal/tanakaapi"
	"pkt.systems/tanaka/schema"
)

const (
	// DefaultDebounceDelay is the quiet period after a local change before a cycle starts.
	DefaultDebounceDelay = time.Second
	// DefaultCallTimeout bounds one exchange with the server.
	DefaultCallTimeout = 30 * time.Second
)

// Trigger identifies why a cycle was requested.
type Trigger string

const (
	// TriggerPeriodic fires on the sync interval.
	TriggerPeriodic Trigger = "periodic"
	// TriggerDebounce fires after local changes went quiet.
	TriggerDebounce Trigger = "debounce"
	// TriggerManual is an explicit request, accepted even while backing off.
	TriggerManual Trigger = "manual"
	// TriggerBackoff fires when the retry delay has elapsed.
	TriggerBackoff Trigger = "backoff"
)

// SyncConfig tunes the sync manager.
type SyncConfig struct {
	DebounceDelay time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	CallTimeout   time.Duration
	Now           func() time.Time
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = DefaultDebounceDelay
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// schedule is what the scheduler goroutine needs to arm its timers.
type schedule struct {
	interval   time.Duration
	debounceAt time.Time
	retryAt    time.Time
}

// SyncManager runs sync cycles. At most one cycle is in flight; triggers
// arriving meanwhile collapse into a single rerun.
type SyncManager struct {
	cfg       SyncConfig
	tracker   StateTracker
	transport Transport
	store     persist.Store
	sink      EventSink
	log       pslog.Logger
	onAuth    func(tanakaapi.Endpoint)

	ctx    context.Context
	cancel context.CancelFunc
	cycles sync.WaitGroup
	wake   chan struct{}

	mu         sync.Mutex
	settings   schema.UserSettings
	state      schema.SyncStateName
	pending    []schema.ChangeEvent
	retained   []schema.ChangeEvent
	parked     []schema.ChangeEvent
	inFlight   bool
	rerun      bool
	resync     bool
	epoch      uint64
	attempt    int
	delay      time.Duration
	nextRetry  time.Time
	debounceAt time.Time
	lastSync   time.Time
	lastErr    *schema.SyncError
}

// NewSyncManager constructs a manager in the Disabled state. Configure
// enables it once settings allow.
func NewSyncManager(cfg SyncConfig, deps SyncDeps) (*SyncManager, error) {
	if deps.Tracker == nil {
		return nil, errors.New("sync manager: tracker is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("sync manager: transport is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	sink := deps.EventSink
	if sink == nil {
		sink = nopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncManager{
		cfg:       cfg.withDefaults(),
		tracker:   deps.Tracker,
		transport: deps.Transport,
		store:     deps.Store,
		sink:      sink,
		log:       logger,
		onAuth:    deps.OnAuthFailure,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		settings:  schema.DefaultUserSettings(),
		state:     schema.StateDisabled,
	}, nil
}

// Enqueue appends finalized local changes to the pending queue and arms the debounce timer.
func (m *SyncManager) Enqueue(events ...schema.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	m.pending = append(m.pending, events...)
	m.debounceAt = m.cfg.Now().Add(m.cfg.DebounceDelay)
	m.mu.Unlock()
	m.poke()
}

// Restore puts changes persisted by a previous run back in front of the
// pending queue.
func (m *SyncManager) Restore(events []schema.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	m.pending = slices.Concat(events, m.pending)
	m.mu.Unlock()
}

// Resync drops the cursor so the next cycle fetches full state, and requests
// that cycle. Used when a local change could not be applied.
func (m *SyncManager) Resync() {
	m.mu.Lock()
	m.resync = true
	m.mu.Unlock()
	m.log.Warn("sync full resync requested")
	m.Trigger(TriggerManual)
}

// Configure applies new settings. Disabling bumps the epoch so in-flight
// results are discarded; enabling restores parked changes and kicks a cycle.
func (m *SyncManager) Configure(s schema.UserSettings) {
	m.mu.Lock()
	m.settings = s
	enabled := false
	switch {
	case !s.Enabled && m.state != schema.StateDisabled:
		m.transitionLocked(EventDisable)
		m.epoch++
		m.resetBackoffLocked()
		m.log.Info("sync disabled", "epoch", m.epoch)
	case s.Enabled && m.state == schema.StateDisabled:
		m.transitionLocked(EventEnable)
		m.epoch++
		m.resetBackoffLocked()
		if len(m.parked) > 0 {
			m.pending = slices.Concat(m.parked, m.pending)
			m.parked = nil
		}
		if m.lastErr != nil && m.lastErr.Category == schema.ErrorAuth {
			m.lastErr = nil
		}
		enabled = true
		m.log.Info("sync enabled", "epoch", m.epoch, "server_url", s.ServerURL)
	}
	status := m.statusLocked()
	m.mu.Unlock()

	m.sink.OnStatus(status)
	m.poke()
	if enabled {
		m.Trigger(TriggerManual)
	}
}

// Trigger requests a cycle. It reports whether the request was accepted.
// Periodic and debounce triggers are ignored while backing off.
func (m *SyncManager) Trigger(kind Trigger) bool {
	m.mu.Lock()
	switch m.state {
	case schema.StateDisabled:
		m.mu.Unlock()
		return false
	case schema.StateBackoff:
		if kind == TriggerPeriodic || kind == TriggerDebounce {
			m.mu.Unlock()
			return false
		}
	}
	if kind == TriggerDebounce || kind == TriggerPeriodic {
		m.debounceAt = time.Time{}
	}
	if m.inFlight {
		m.rerun = true
		m.mu.Unlock()
		return true
	}
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.transitionLocked(EventCycleStart)
	m.inFlight = true
	m.nextRetry = time.Time{}
	m.cycles.Add(1)
	status := m.statusLocked()
	m.mu.Unlock()

	m.log.Debug("sync cycle scheduled", "trigger", string(kind))
	m.sink.OnStatus(status)
	go m.cycleLoop()
	return true
}

// Status returns the externally visible state.
func (m *SyncManager) Status() schema.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *SyncManager) statusLocked() schema.Status {
	st := schema.Status{
		State:       m.state,
		LastSyncAt:  m.lastSync,
		Pending:     len(m.pending) + len(m.retained) + len(m.parked),
		Attempt:     m.attempt,
		NextRetryAt: m.nextRetry,
		Cursor:      m.tracker.Cursor(),
		Epoch:       m.epoch,
	}
	if m.lastErr != nil {
		errCopy := *m.lastErr
		st.LastError = &errCopy
	}
	return st
}

func (m *SyncManager) transitionLocked(ev SyncEvent) {
	next, err := ApplyTransition(m.state, ev)
	if err != nil {
		m.log.Warn("sync transition rejected", "state", string(m.state), "event", string(ev), "err", err)
		return
	}
	if next != m.state {
		m.log.Debug("sync state changed", "from", string(m.state), "to", string(next), "event", string(ev))
	}
	m.state = next
}

func (m *SyncManager) resetBackoffLocked() {
	m.attempt = 0
	m.delay = 0
	m.nextRetry = time.Time{}
}

func (m *SyncManager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

type cycleInput struct {
	epoch    uint64
	endpoint tanakaapi.Endpoint
	request  schema.SyncRequest
}

type cycleResult struct {
	again      bool
	persist    bool
	snapshot   bool
	authFailed bool
	endpoint   tanakaapi.Endpoint
	status     schema.Status
}

// cycleLoop is the only goroutine running cycles; it loops while reruns are requested.
func (m *SyncManager) cycleLoop() {
	defer m.cycles.Done()
	for {
		in := m.beginCycle()
		started := m.cfg.Now()
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
		resp, err := m.transport.Sync(ctx, in.endpoint, in.request)
		cancel()
		res := m.finishCycle(in, resp, err, m.cfg.Now().Sub(started))
		m.sink.OnStatus(res.status)
		if res.snapshot {
			m.sink.OnSnapshot(m.tracker.Snapshot())
		}
		if res.persist {
			m.persistState()
		}
		if res.authFailed && m.onAuth != nil {
			m.onAuth(res.endpoint)
		}
		if !res.again {
			return
		}
	}
}

func (m *SyncManager) beginCycle() cycleInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make([]schema.ChangeEvent, 0, len(m.retained)+len(m.pending))
	batch = append(batch, m.retained...)
	batch = append(batch, m.pending...)
	m.retained = nil
	m.pending = nil
	m.rerun = false
	if m.resync {
		m.resync = false
		m.tracker.ResetCursor()
	}
	return cycleInput{
		epoch:    m.epoch,
		endpoint: tanakaapi.Endpoint{URL: m.settings.ServerURL, Token: m.settings.AuthToken},
		request:  schema.SyncRequest{Cursor: m.tracker.Cursor(), Changes: batch},
	}
}

func (m *SyncManager) finishCycle(in cycleInput, resp schema.SyncResponse, err error, elapsed time.Duration) cycleResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := in.request.Changes
	log := logx.WithCursor(m.log, in.request.Cursor).With("epoch", in.epoch, "batch", len(batch))
	var res cycleResult

	if in.epoch != m.epoch {
		m.pending = slices.Concat(batch, m.pending)
		log.Info("sync cycle result discarded", "current_epoch", m.epoch, "err", err)
		return m.endCycleLocked(res)
	}

	now := m.cfg.Now()
	switch kind := tanakaapi.KindOf(err); {
	case err == nil:
		rerr := m.tracker.ReconcileRemote(resp.Changes, resp.Cursor)
		res.persist = true
		res.snapshot = len(resp.Changes) > 0
		m.lastSync = now
		// ReconcileRemote only fails on invariant violations.
		if rerr != nil {
			m.lastErr = &schema.SyncError{Category: schema.ErrorInvariant, Message: rerr.Error(), At: now}
			res.snapshot = true
			if in.request.Cursor == schema.InitialCursor {
				// Full state from the initial cursor is still inconsistent;
				// another immediate resync would fetch the same deltas.
				m.transitionLocked(EventResyncFailed)
				m.attempt++
				m.delay = backoffDelay(m.attempt, m.cfg.BackoffBase, m.cfg.BackoffCap)
				m.nextRetry = now.Add(m.delay)
				log.Error("sync full resync invariant violated, backing off", "attempt", m.attempt, "delay", m.delay, "err", rerr)
				break
			}
			m.transitionLocked(EventInvariant)
			m.resetBackoffLocked()
			m.rerun = true
			log.Warn("sync cycle invariant violated, full resync requested", "err", rerr)
			break
		}
		m.transitionLocked(EventCycleOK)
		m.resetBackoffLocked()
		m.lastErr = nil
		log.Debug("sync cycle ok", "received", len(resp.Changes), "cursor", string(resp.Cursor), "elapsed", elapsed)
	case kind == tanakaapi.KindAuth:
		m.transitionLocked(EventAuthFailed)
		m.epoch++
		m.parked = append(m.parked, batch...)
		m.resetBackoffLocked()
		m.rerun = false
		res.persist = true
		res.authFailed = true
		res.endpoint = in.endpoint
		m.lastErr = &schema.SyncError{Category: schema.ErrorAuth, Message: err.Error(), At: now}
		log.Error("sync cycle auth failed, sync disabled", "err", err)
	case kind == tanakaapi.KindProtocol:
		m.transitionLocked(EventProtocolError)
		m.retained = slices.Concat(batch, m.retained)
		res.persist = true
		m.lastErr = &schema.SyncError{Category: schema.ErrorProtocol, Message: err.Error(), At: now}
		log.Error("sync cycle protocol error", "err", err)
	default:
		m.transitionLocked(EventNetworkFailed)
		m.pending = slices.Concat(batch, m.pending)
		res.persist = true
		m.attempt++
		m.delay = backoffDelay(m.attempt, m.cfg.BackoffBase, m.cfg.BackoffCap)
		m.nextRetry = now.Add(m.delay)
		m.lastErr = &schema.SyncError{Category: schema.ErrorNetwork, Message: err.Error(), At: now}
		log.Warn("sync cycle network error, backing off", "attempt", m.attempt, "delay", m.delay, "err", err)
	}
	return m.endCycleLocked(res)
}

// endCycleLocked decides whether the loop runs again. Reruns only proceed from Idle.
func (m *SyncManager) endCycleLocked(res cycleResult) cycleResult {
	if m.rerun && m.state == schema.StateIdle && m.ctx.Err() == nil {
		m.transitionLocked(EventCycleStart)
		res.again = true
	} else {
		m.rerun = false
		m.inFlight = false
	}
	res.status = m.statusLocked()
	if !res.again {
		m.poke()
	}
	return res
}

// persistState saves the tracker snapshot together with every unacknowledged
// local change, parked ones included.
func (m *SyncManager) persistState() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	queued := slices.Concat(m.parked, m.retained, m.pending)
	m.mu.Unlock()
	snap := m.tracker.Snapshot()
	state := persist.SyncState{Cursor: snap.Cursor, Clock: snap.Clock, Snapshot: snap, Pending: queued}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()
	if err := m.store.Save(ctx, persist.KeySyncState, state); err != nil {
		m.log.Warn("sync state persist failed", "err", err)
	}
}

func (m *SyncManager) scheduleSnapshot() schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan := schedule{
		interval:   m.settings.SyncInterval(),
		debounceAt: m.debounceAt,
	}
	if plan.interval <= 0 {
		plan.interval = time.Duration(schema.DefaultSyncIntervalMs) * time.Millisecond
	}
	m.debounceAt = time.Time{}
	if m.state == schema.StateBackoff {
		plan.retryAt = m.nextRetry
	}
	return plan
}

// Run owns the periodic, debounce and backoff timers until ctx is done. On
// return no cycle is running.
func (m *SyncManager) Run(ctx context.Context) error {
	defer m.shutdown()
	plan := m.scheduleSnapshot()
	interval := plan.interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var debounce, retry *time.Timer
	var debounceC, retryC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		if retry != nil {
			retry.Stop()
		}
	}()
	arm := func(plan schedule) {
		if plan.interval != interval {
			interval = plan.interval
			ticker.Reset(interval)
			m.log.Debug("sync interval changed", "interval", interval)
		}
		if !plan.debounceAt.IsZero() {
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(time.Until(plan.debounceAt))
			debounceC = debounce.C
		}
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
		if !plan.retryAt.IsZero() {
			retry = time.NewTimer(time.Until(plan.retryAt))
			retryC = retry.C
		}
	}
	arm(plan)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Trigger(TriggerPeriodic)
		case <-debounceC:
			debounceC = nil
			m.Trigger(TriggerDebounce)
		case <-retryC:
			retryC = nil
			m.Trigger(TriggerBackoff)
		case <-m.wake:
			arm(m.scheduleSnapshot())
		}
	}
}

// shutdown cancels in-flight calls and waits for the cycle goroutine.
func (m *SyncManager) shutdown() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.cycles.Wait()
}

// Close stops accepting cycles and waits for the running one.
func (m *SyncManager) Close() error {
	m.shutdown()
	return nil
}

// waitIdle blocks until no cycle is running. Used by tests and shutdown paths.
func (m *SyncManager) waitIdle() {
	m.cycles.Wait()
}

// Pending returns a copy of the queued local changes.
func (m *SyncManager) Pending() []schema.ChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.ChangeEvent, 0, len(m.retained)+len(m.pending))
	out = append(out, m.retained...)
	return append(out, m.pending...)
}

func (m *SyncManager) String() string {
	st := m.Status()
	return fmt.Sprintf("sync[%s epoch=%d pending=%d]", st.State, st.Epoch, st.Pending)
}
