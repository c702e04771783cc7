package schema

import "errors"

var (
	// ErrInvalidChange indicates a change event with a malformed shape.
	ErrInvalidChange = errors.New("invalid change")
	// ErrInvalidID indicates an empty or over-long entity id.
	ErrInvalidID = errors.New("invalid entity id")
	// ErrURLTooLong indicates a tab url above MaxURLLength.
	ErrURLTooLong = errors.New("url too long")
	// ErrUnknownWindow indicates a tab referencing a window that does not exist.
	ErrUnknownWindow = errors.New("unknown window")
	// ErrInvalidServerURL indicates the server url is not an absolute http(s) url.
	ErrInvalidServerURL = errors.New("invalid server url")
	// ErrMissingAuthToken indicates sync was enabled without a credential.
	ErrMissingAuthToken = errors.New("auth token is required to enable sync")
	// ErrInvalidSyncInterval indicates an interval outside the allowed range.
	ErrInvalidSyncInterval = errors.New("invalid sync interval")
	// ErrSyncDisabled indicates the request needs sync to be enabled.
	ErrSyncDisabled = errors.New("sync disabled")
	// ErrUnknownCommand indicates a control request with an unknown command.
	ErrUnknownCommand = errors.New("unknown command")
)
