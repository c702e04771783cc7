package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/schema"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq       uint64           `json:"seq"`
	Type      string           `json:"type"`
	Status    *schema.Status   `json:"status,omitempty"`
	Snapshot  *schema.Snapshot `json:"snapshot,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Hub keeps a bounded event history and broadcasts to stream clients.
type Hub struct {
	mu          sync.Mutex
	seq         uint64
	history     []StreamEvent
	subs        map[chan StreamEvent]struct{}
	historySize int
	log         pslog.Logger
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int, logger pslog.Logger) *Hub {
	if historySize <= 0 {
		historySize = 256
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		subs:        make(map[chan StreamEvent]struct{}),
		historySize: historySize,
		log:         logger,
	}
}

// OnStatus implements core.EventSink.
func (h *Hub) OnStatus(status schema.Status) {
	h.log.Trace("hub status event", "state", string(status.State), "pending", status.Pending)
	h.publish(StreamEvent{Type: "status", Status: &status, Timestamp: time.Now()})
}

// OnSnapshot implements core.EventSink.
func (h *Hub) OnSnapshot(snapshot schema.Snapshot) {
	h.log.Trace("hub snapshot event", "windows", len(snapshot.Windows), "tabs", len(snapshot.Tabs))
	h.publish(StreamEvent{Type: "snapshot", Snapshot: &snapshot, Timestamp: time.Now()})
}

// Subscribe registers a stream subscriber.
func (h *Hub) Subscribe() (<-chan StreamEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan StreamEvent, 256)
	h.subs[ch] = struct{}{}
	h.log.Info("hub subscribe", "subs", len(h.subs))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			remaining := len(h.subs)
			h.mu.Unlock()
			h.log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub
}

// Replay returns events after the provided seq.
func (h *Hub) Replay(after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]StreamEvent, 0, len(h.history))
	for _, event := range h.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	h.log.Debug("hub replay", "after", after, "count", len(events))
	return events
}

func (h *Hub) publish(event StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	event.Seq = h.seq
	h.history = append(h.history, event)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	dropped := 0
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.log.Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}
