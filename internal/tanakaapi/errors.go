package tanakaapi

import (
	"errors"
	"fmt"
)

// Kind classifies transport failures.
type Kind int

const (
	// KindNetwork covers connection failures, timeouts and server errors.
	KindNetwork Kind = iota + 1
	// KindAuth means the credential was rejected.
	KindAuth
	// KindProtocol covers malformed requests or responses.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

var (
	// ErrNetwork matches transient transport failures.
	ErrNetwork = errors.New("tanaka api network error")
	// ErrAuth matches rejected credentials.
	ErrAuth = errors.New("tanaka api auth error")
	// ErrProtocol matches malformed exchanges.
	ErrProtocol = errors.New("tanaka api protocol error")
)

// Error is returned by every client call that fails.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrProtocol:
		return e.Kind == KindProtocol
	}
	return false
}

// KindOf returns the kind of err, or 0 when err is not a transport error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return 0
}
