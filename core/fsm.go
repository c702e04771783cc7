package core

import (
	"fmt"

	"pkt.systems/tanaka/schema"
)

// SyncEvent is a trigger for a sync state transition.
type SyncEvent string

const (
	// EventCycleStart begins a cycle.
	EventCycleStart SyncEvent = "cycle_start"
	// EventCycleOK ends a cycle whose response was reconciled.
	EventCycleOK SyncEvent = "cycle_ok"
	// EventNetworkFailed ends a cycle with a transient transport failure.
	EventNetworkFailed SyncEvent = "network_failed"
	// EventProtocolError ends a cycle whose response could not be used.
	EventProtocolError SyncEvent = "protocol_error"
	// EventInvariant ends a cycle whose deltas broke a local invariant.
	EventInvariant SyncEvent = "invariant_violated"
	// EventResyncFailed ends a full resync that still broke a local invariant.
	EventResyncFailed SyncEvent = "resync_failed"
	// EventAuthFailed ends a cycle rejected for its credential.
	EventAuthFailed SyncEvent = "auth_failed"
	// EventDisable turns sync off.
	EventDisable SyncEvent = "disable"
	// EventEnable turns sync back on.
	EventEnable SyncEvent = "enable"
)

// transitionTable defines all valid sync state transitions.
// Key: current state → event → new state.
var transitionTable = map[schema.SyncStateName]map[SyncEvent]schema.SyncStateName{
	schema.StateIdle: {
		EventCycleStart: schema.StateSyncing,
		EventAuthFailed: schema.StateDisabled,
		EventDisable:    schema.StateDisabled,
	},
	schema.StateSyncing: {
		EventCycleOK:       schema.StateIdle,
		EventNetworkFailed: schema.StateBackoff,
		EventProtocolError: schema.StateIdle,
		EventInvariant:     schema.StateIdle,
		EventResyncFailed:  schema.StateBackoff,
		EventAuthFailed:    schema.StateDisabled,
		EventDisable:       schema.StateDisabled,
	},
	schema.StateBackoff: {
		EventCycleStart: schema.StateSyncing,
		EventAuthFailed: schema.StateDisabled,
		EventDisable:    schema.StateDisabled,
	},
	schema.StateDisabled: {
		EventEnable: schema.StateIdle,
	},
}

// ApplyTransition returns the next state for the given state and event.
func ApplyTransition(current schema.SyncStateName, event SyncEvent) (schema.SyncStateName, error) {
	events, ok := transitionTable[current]
	if !ok {
		return "", fmt.Errorf("no transitions defined for state %q", current)
	}
	next, ok := events[event]
	if !ok {
		return "", fmt.Errorf("invalid transition: %q + %q", current, event)
	}
	return next, nil
}
