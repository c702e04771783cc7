package tanaka

import (
	"pkt.systems/tanaka/core"
	"pkt.systems/tanaka/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnStatus(status schema.Status) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnStatus(status)
	}
}

func (f eventFanout) OnSnapshot(snapshot schema.Snapshot) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSnapshot(snapshot)
	}
}
