package core

import "pkt.systems/tanaka/schema"

// EventSink receives status and snapshot notifications from the engine.
type EventSink interface {
	OnStatus(status schema.Status)
	OnSnapshot(snapshot schema.Snapshot)
}

type nopSink struct{}

func (nopSink) OnStatus(schema.Status)     {}
func (nopSink) OnSnapshot(schema.Snapshot) {}
