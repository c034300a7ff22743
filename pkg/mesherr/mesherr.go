// Package mesherr defines the error kinds shared across the mesh core
// (§7): transports, bootstrap, and the peer manager all report failures
// through this one discriminated type so callers can apply the
// propagation policy (absorb internally vs. surface to the caller)
// without string-matching error text.
package mesherr

import (
	"errors"
	"fmt"
)

// Kind discriminates mesh-wide failure modes.
type Kind int

const (
	// KindInvalidInput means caller-provided data violates a documented
	// precondition. Reported to the caller; never retried.
	KindInvalidInput Kind = iota
	// KindInvalidKey means a key's length/shape is wrong, or it is the
	// all-zero key. Reported; never retried.
	KindInvalidKey
	// KindAuthFail means a ciphertext did not authenticate. Never
	// propagated past the frame boundary — the defensive policy is to
	// drop the frame silently, not to punish the sending peer.
	KindAuthFail
	// KindProtocolError means a frame or message failed to parse
	// (version mismatch, truncated header, malformed envelope). Drop
	// and continue.
	KindProtocolError
	// KindTransient means a transport I/O failure, timeout, or server
	// disconnect. Triggers backoff reconnect where supported; surfaced
	// as a transport-error event, not returned to the caller.
	KindTransient
	// KindNoTransport means send found no reachable path to the peer.
	// Surfaced to the caller, which decides whether to queue or drop.
	KindNoTransport
	// KindNotInitialized means the operation was attempted before
	// initialize or after destroy.
	KindNotInitialized
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindInvalidKey:
		return "InvalidKey"
	case KindAuthFail:
		return "AuthFail"
	case KindProtocolError:
		return "ProtocolError"
	case KindTransient:
		return "Transient"
	case KindNoTransport:
		return "NoTransport"
	case KindNotInitialized:
		return "NotInitialized"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// failure mode without parsing error strings.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "send", "connect"
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a mesherr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
