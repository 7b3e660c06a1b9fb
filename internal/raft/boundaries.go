package raft

import "context"

// Transport is the network-transport boundary named out of scope in
// spec.md §1: pairs of request/response carriers, one pair per RPC in
// the §6 table. RaftContext and the roles depend only on this interface;
// internal/transport provides an in-memory implementation for tests and
// a gRPC-backed one for real deployments.
type Transport interface {
	Append(ctx context.Context, target string, req *AppendRequest) (*AppendResponse, error)
	Vote(ctx context.Context, target string, req *VoteRequest) (*VoteResponse, error)
	Poll(ctx context.Context, target string, req *PollRequest) (*PollResponse, error)
	Install(ctx context.Context, target string, req *InstallRequest) (*InstallResponse, error)
}

// StateMachine is the state-machine-executor boundary named out of scope
// in spec.md §1. The leader applies committed CommandEntry/QueryEntry
// operations through it; internal/statemachine provides a concrete
// in-memory KV executor.
type StateMachine interface {
	Apply(session, sequence uint64, operation []byte) ([]byte, error)
	Query(session uint64, operation []byte) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// SessionManager is the client-session-subsystem boundary named out of
// scope in spec.md §1: dedup of (session, sequence), session liveness and
// expiry. internal/session provides a concrete in-memory table.
type SessionManager interface {
	// AssignID reserves a fresh session id without registering it, so the
	// leader can put the id in the OpenSessionEntry it replicates; every
	// node then opens the *same* id from the entry instead of each
	// fabricating its own (spec.md §4.6 requires OpenSessionEntry results
	// to be deterministic across the cluster).
	AssignID() (uint64, error)
	OpenWithID(session uint64, clientID string, timeoutMs uint64) error
	Close(session uint64) error
	KeepAlive(sessionIDs []uint64, commandSequences []uint64, eventIndexes []uint64) error
	// Dedup reports a cached result for (session, sequence) if the leader
	// has already applied it (spec.md §4.5 "Command operations ... returns
	// the cached result").
	Dedup(session, sequence uint64) (result []byte, found bool)
	Record(session, sequence uint64, result []byte)
}
