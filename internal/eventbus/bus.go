package eventbus

import (
	"context"
	"slices"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/schema"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventStatus carries sync status changes.
	EventStatus EventType = "status"
	// EventSnapshot carries the tracked state after a merge.
	EventSnapshot EventType = "snapshot"
)

// Event represents a UI-facing event emitted by the engine.
type Event struct {
	Type     EventType        `json:"type"`
	Status   *schema.Status   `json:"status,omitempty"`
	Snapshot *schema.Snapshot `json:"snapshot,omitempty"`
}

type subscriber struct {
	ch    chan Event
	types []EventType
}

func (s *subscriber) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Bus fans events out to subscribers. Slow subscribers miss events instead of
// blocking the publisher.
type Bus struct {
	mu    sync.Mutex
	subs  map[*subscriber]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[*subscriber]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the given event types (all types when
// none are given) and returns a channel + cancel.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	sub := &subscriber{ch: make(chan Event, b.depth), types: types}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus subscribe", "subs", count)
	}
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
			if b.log != nil {
				b.log.Debug("eventbus unsubscribe")
			}
		})
	}
}

// OnStatus publishes a status event.
func (b *Bus) OnStatus(status schema.Status) {
	b.publish(Event{Type: EventStatus, Status: &status})
}

// OnSnapshot publishes a snapshot event.
func (b *Bus) OnSnapshot(snapshot schema.Snapshot) {
	b.publish(Event{Type: EventSnapshot, Snapshot: &snapshot})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 && b.log != nil {
		b.log.Trace("eventbus dropped", "type", string(event.Type), "count", dropped)
	}
}
