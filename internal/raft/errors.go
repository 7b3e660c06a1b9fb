// Package raft implements the role state machine described in spec.md
// §4.4–§4.6: RaftContext (shared per-server state and single-threaded
// dispatch), the six polymorphic roles, and the leader-side replicator.
package raft

import "fmt"

// ErrorKind is the protocol-level error taxonomy from spec.md §7.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrNoLeader
	ErrIllegalMemberState
	ErrUnknownSession
	ErrClosedSession
	ErrExpiredSession
	ErrCommandFailure
	ErrQueryFailure
	ErrApplicationError
	ErrProtocolError
	ErrConfigurationError
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "NONE"
	case ErrNoLeader:
		return "NO_LEADER"
	case ErrIllegalMemberState:
		return "ILLEGAL_MEMBER_STATE"
	case ErrUnknownSession:
		return "UNKNOWN_SESSION"
	case ErrClosedSession:
		return "CLOSED_SESSION"
	case ErrExpiredSession:
		return "EXPIRED_SESSION"
	case ErrCommandFailure:
		return "COMMAND_FAILURE"
	case ErrQueryFailure:
		return "QUERY_FAILURE"
	case ErrApplicationError:
		return "APPLICATION_ERROR"
	case ErrProtocolError:
		return "PROTOCOL_ERROR"
	case ErrConfigurationError:
		return "CONFIGURATION_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed protocol error carried on an ERROR-status response.
// It wraps an underlying cause (often nil) for logging, while Kind is
// what crosses the wire.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("raft: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("raft: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// IllegalState builds the ILLEGAL_MEMBER_STATE error every role returns
// for an RPC it cannot serve (spec.md §4.5).
func IllegalState(role string, rpc string) *Error {
	return newErr(ErrIllegalMemberState, fmt.Errorf("%s does not handle %s", role, rpc))
}
