package schema

import "time"

// SyncStateName is a state of the sync manager.
type SyncStateName string

const (
	// StateIdle waits for the next trigger.
	StateIdle SyncStateName = "idle"
	// StateSyncing has a cycle in flight.
	StateSyncing SyncStateName = "syncing"
	// StateBackoff waits for the retry timer after a transient failure.
	StateBackoff SyncStateName = "backoff"
	// StateDisabled does not sync until re-enabled.
	StateDisabled SyncStateName = "disabled"
)

// ErrorCategory classifies the most recent sync failure.
type ErrorCategory string

const (
	// ErrorNone means the last cycle succeeded.
	ErrorNone ErrorCategory = ""
	// ErrorNetwork covers connection failures and timeouts.
	ErrorNetwork ErrorCategory = "transient_network"
	// ErrorProtocol covers malformed or unexpected responses.
	ErrorProtocol ErrorCategory = "protocol"
	// ErrorAuth means the server rejected the credential.
	ErrorAuth ErrorCategory = "auth_fatal"
	// ErrorInvariant means a merge detected an impossible state.
	ErrorInvariant ErrorCategory = "local_invariant"
)

// SyncError describes the most recent failure.
type SyncError struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message,omitempty"`
	At       time.Time     `json:"at"`
}

// Status is the externally visible state of the engine.
type Status struct {
	State       SyncStateName `json:"state"`
	LastSyncAt  time.Time     `json:"last_sync_at,omitempty"`
	LastError   *SyncError    `json:"last_error,omitempty"`
	Pending     int           `json:"pending"`
	Attempt     int           `json:"attempt"`
	NextRetryAt time.Time     `json:"next_retry_at,omitempty"`
	Cursor      Cursor        `json:"cursor"`
	Epoch       uint64        `json:"epoch"`
}
