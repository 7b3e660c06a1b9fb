package raft

import (
	"github.com/raftcore/raftd/internal/cluster"
	"github.com/raftcore/raftd/internal/raftlog"
)

// Status is carried on every RPC response, per spec.md §6.
type Status int

const (
	StatusOK Status = iota
	StatusError
)

// AppendRequest / AppendResponse — leader-to-follower log replication.
type AppendRequest struct {
	Term         uint64
	Leader       string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []raftlog.Entry
	CommitIndex  uint64
}

type AppendResponse struct {
	Term      uint64
	Succeeded bool
	LogIndex  uint64
}

// VoteRequest / VoteResponse — binding vote request.
type VoteRequest struct {
	Term         uint64
	Candidate    string
	LastLogIndex uint64
	LastLogTerm  uint64
}

type VoteResponse struct {
	Term  uint64
	Voted bool
}

// PollRequest / PollResponse — non-binding pre-vote, same fields as Vote.
type PollRequest struct {
	Term         uint64
	Candidate    string
	LastLogIndex uint64
	LastLogTerm  uint64
}

type PollResponse struct {
	Term     uint64
	Accepted bool
}

// InstallRequest / InstallResponse — snapshot chunk transfer.
type InstallRequest struct {
	Term          uint64
	Leader        string
	SnapshotIndex uint64
	SnapshotTerm  uint64
	Offset        uint64
	Data          []byte
	Complete      bool
}

type InstallResponse struct {
	Term       uint64
	NextOffset uint64
}

// ConfigureRequest / ConfigureResponse — install a new Configuration.
type ConfigureRequest struct {
	Index     uint64
	Term      uint64
	Timestamp uint64
	Leader    string
	Members   []cluster.Member
}

type ConfigureResponse struct {
	Status Status
	Err    *Error
}

// JoinRequest / LeaveRequest / ReconfigureRequest — membership-change
// entry points that the Leader turns into a ConfigurationEntry.
type JoinRequest struct {
	Member cluster.Member
}

type LeaveRequest struct {
	Member cluster.Member
}

type ReconfigureRequest struct {
	Members []cluster.Member
}

type MembershipResponse struct {
	Status  Status
	Err     *Error
	Index   uint64
	Term    uint64
	Members []cluster.Member
}

// CommandRequest / CommandResponse — linearizable state-machine mutation.
type CommandRequest struct {
	Session   uint64
	Sequence  uint64
	Operation []byte
}

type CommandResponse struct {
	Status     Status
	Err        *Error
	Index      uint64
	EventIndex uint64
	Result     []byte
}

// QueryRequest / QueryResponse — read with selectable consistency.
type QueryRequest struct {
	Session     uint64
	Sequence    uint64
	Operation   []byte
	Consistency raftlog.Consistency
}

type QueryResponse struct {
	Status Status
	Err    *Error
	Index  uint64
	Result []byte
}

// KeepAliveRequest / KeepAliveResponse — session liveness + ack windows.
type KeepAliveRequest struct {
	SessionIDs       []uint64
	CommandSequences []uint64
	EventIndexes     []uint64
}

type KeepAliveResponse struct {
	Status Status
	Err    *Error
}

// OpenSessionRequest / OpenSessionResponse.
type OpenSessionRequest struct {
	ClientID         string
	SessionTimeoutMs uint64
}

type OpenSessionResponse struct {
	Status  Status
	Err     *Error
	Session uint64
}

// CloseSessionRequest / CloseSessionResponse.
type CloseSessionRequest struct {
	Session uint64
}

type CloseSessionResponse struct {
	Status Status
	Err    *Error
}

// MetadataRequest / MetadataResponse — cluster metadata probe.
type MetadataRequest struct{}

type MetadataResponse struct {
	Leader  string
	Members []cluster.Member
}
