package raft

import "github.com/raftcore/raftd/internal/cluster"

// snapshotTransfer accumulates InstallRequest chunks for one snapshot
// transfer, identified by the (snapshotIndex, snapshotTerm) pair the
// leader carries on every chunk of the same transfer (spec.md §4.5).
type snapshotTransfer struct {
	index uint64
	term  uint64
	data  []byte
}

// receiveInstallChunk applies contiguity and identity validation shared by
// every role that accepts snapshot transfers (Follower, Passive), then
// appends req.Data and restores the state machine once Complete is set.
// *t is replaced with nil once the transfer finishes or fails outright.
func receiveInstallChunk(c *RaftContext, t **snapshotTransfer, req *InstallRequest) *InstallResponse {
	cur := *t
	if cur == nil || cur.index != req.SnapshotIndex || cur.term != req.SnapshotTerm {
		if req.Offset != 0 {
			// a chunk for a transfer we never started, or started at a
			// different offset than 0: the leader must restart from offset 0.
			return &InstallResponse{Term: c.CurrentTerm(), NextOffset: 0}
		}
		cur = &snapshotTransfer{index: req.SnapshotIndex, term: req.SnapshotTerm}
		*t = cur
	}

	if req.Offset != uint64(len(cur.data)) {
		// out of order: tell the leader where contiguity actually broke.
		return &InstallResponse{Term: c.CurrentTerm(), NextOffset: uint64(len(cur.data))}
	}
	cur.data = append(cur.data, req.Data...)

	if req.Complete {
		err := c.SM.Restore(cur.data)
		*t = nil
		if err != nil {
			c.log.Error().Err(err).Msg("statemachine.Restore")
			return &InstallResponse{Term: c.CurrentTerm(), NextOffset: req.Offset}
		}
		_ = c.Log.Compact(req.SnapshotIndex)
		c.setCommitIndexLocked(req.SnapshotIndex)
	}
	return &InstallResponse{Term: c.CurrentTerm(), NextOffset: req.Offset + uint64(len(req.Data))}
}

// RoleTag identifies which of the six roles is currently active.
type RoleTag int

const (
	RoleInactive RoleTag = iota
	RoleReserve
	RolePassive
	RoleFollower
	RoleCandidate
	RoleLeader
)

func (t RoleTag) String() string {
	switch t {
	case RoleInactive:
		return "Inactive"
	case RoleReserve:
		return "Reserve"
	case RolePassive:
		return "Passive"
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Role is the RPC handler set every Raft role implements (spec.md §4.5).
// Only one Role is active at a time; RaftContext.transition replaces the
// instance atomically on the server thread (design note: tagged
// interface, not class inheritance).
type Role interface {
	Tag() RoleTag
	Open(c *RaftContext)
	Close()

	OnAppend(c *RaftContext, req *AppendRequest) *AppendResponse
	OnVote(c *RaftContext, req *VoteRequest) *VoteResponse
	OnPoll(c *RaftContext, req *PollRequest) *PollResponse
	OnInstall(c *RaftContext, req *InstallRequest) *InstallResponse
	OnConfigure(c *RaftContext, req *ConfigureRequest) *ConfigureResponse
	OnJoin(c *RaftContext, req *JoinRequest) *MembershipResponse
	OnLeave(c *RaftContext, req *LeaveRequest) *MembershipResponse
	OnReconfigure(c *RaftContext, req *ReconfigureRequest) *MembershipResponse
	OnCommand(c *RaftContext, req *CommandRequest) *CommandResponse
	OnQuery(c *RaftContext, req *QueryRequest) *QueryResponse
	OnKeepAlive(c *RaftContext, req *KeepAliveRequest) *KeepAliveResponse
	OnOpenSession(c *RaftContext, req *OpenSessionRequest) *OpenSessionResponse
	OnCloseSession(c *RaftContext, req *CloseSessionRequest) *CloseSessionResponse
	OnMetadata(c *RaftContext, req *MetadataRequest) *MetadataResponse
}

// baseRole gives every concrete role a default "not valid in this role"
// implementation for each RPC. The client and membership RPCs fail with
// an IllegalState error; Append/Vote/Poll/Install responses have no
// status or error field, so their defaults only refuse and report the
// current term, and OnMetadata returns an empty response. Concrete roles
// embed baseRole and override only the handlers they support.
type baseRole struct{ name string }

func (b baseRole) illegal(rpc string) *Error { return IllegalState(b.name, rpc) }

func (b baseRole) Open(c *RaftContext) {}
func (b baseRole) Close()              {}

func (b baseRole) OnAppend(c *RaftContext, req *AppendRequest) *AppendResponse {
	return &AppendResponse{Term: c.CurrentTerm()}
}

func (b baseRole) OnVote(c *RaftContext, req *VoteRequest) *VoteResponse {
	return &VoteResponse{Term: c.CurrentTerm()}
}

func (b baseRole) OnPoll(c *RaftContext, req *PollRequest) *PollResponse {
	return &PollResponse{Term: c.CurrentTerm()}
}

func (b baseRole) OnInstall(c *RaftContext, req *InstallRequest) *InstallResponse {
	return &InstallResponse{Term: c.CurrentTerm()}
}

func (b baseRole) OnConfigure(c *RaftContext, req *ConfigureRequest) *ConfigureResponse {
	return &ConfigureResponse{Status: StatusError, Err: b.illegal("ConfigureRequest")}
}

func (b baseRole) OnJoin(c *RaftContext, req *JoinRequest) *MembershipResponse {
	return &MembershipResponse{Status: StatusError, Err: b.illegal("JoinRequest")}
}

func (b baseRole) OnLeave(c *RaftContext, req *LeaveRequest) *MembershipResponse {
	return &MembershipResponse{Status: StatusError, Err: b.illegal("LeaveRequest")}
}

func (b baseRole) OnReconfigure(c *RaftContext, req *ReconfigureRequest) *MembershipResponse {
	return &MembershipResponse{Status: StatusError, Err: b.illegal("ReconfigureRequest")}
}

func (b baseRole) OnCommand(c *RaftContext, req *CommandRequest) *CommandResponse {
	return &CommandResponse{Status: StatusError, Err: b.illegal("CommandRequest")}
}

func (b baseRole) OnQuery(c *RaftContext, req *QueryRequest) *QueryResponse {
	return &QueryResponse{Status: StatusError, Err: b.illegal("QueryRequest")}
}

func (b baseRole) OnKeepAlive(c *RaftContext, req *KeepAliveRequest) *KeepAliveResponse {
	return &KeepAliveResponse{Status: StatusError, Err: b.illegal("KeepAliveRequest")}
}

func (b baseRole) OnOpenSession(c *RaftContext, req *OpenSessionRequest) *OpenSessionResponse {
	return &OpenSessionResponse{Status: StatusError, Err: b.illegal("OpenSessionRequest")}
}

func (b baseRole) OnCloseSession(c *RaftContext, req *CloseSessionRequest) *CloseSessionResponse {
	return &CloseSessionResponse{Status: StatusError, Err: b.illegal("CloseSessionRequest")}
}

func (b baseRole) OnMetadata(c *RaftContext, req *MetadataRequest) *MetadataResponse {
	return &MetadataResponse{}
}

// roleForType maps a committed local MemberType to its default role, per
// spec.md §4.5 "State machine of roles": ACTIVE starts as Follower,
// PASSIVE and RESERVE map onto their like-named roles, and anything else
// (including the zero value) starts Inactive until a Configuration names
// this member.
func roleForType(t cluster.MemberType) Role {
	switch t {
	case cluster.MemberActive:
		return newFollower()
	case cluster.MemberPassive:
		return newPassive()
	case cluster.MemberReserve:
		return newReserve()
	default:
		return newInactive()
	}
}
