package raft

import "github.com/raftcore/raftd/internal/cluster"

// follower replicates the leader's log and participates in elections. It
// is the default role for an ACTIVE member (spec.md §4.5), grounded on
// the teacher's HandleAppendEntries/HandleRequestVote (pkg/raft/raft.go)
// generalized onto the six-role state machine.
type follower struct {
	baseRole
	install *snapshotTransfer
}

func newFollower() *follower { return &follower{baseRole{name: "Follower"}} }

func (f *follower) Tag() RoleTag { return RoleFollower }

func (f *follower) Open(c *RaftContext) {
	c.resetElectionTimerLocked()
}

// OnAppend implements spec.md §6's AppendRequest contract: reject stale
// terms, verify the previous-entry match point, truncate on conflict,
// append new entries, then advance commitIndex.
func (f *follower) OnAppend(c *RaftContext, req *AppendRequest) *AppendResponse {
	c.checkThread()

	if req.Term < c.CurrentTerm() {
		return &AppendResponse{Term: c.CurrentTerm(), Succeeded: false}
	}

	c.UpdateTermAndLeader(req.Term, req.Leader)
	c.resetElectionTimerLocked()

	if req.PrevLogIndex > 0 {
		termAt := c.Log.TermAt(req.PrevLogIndex)
		if termAt != req.PrevLogTerm {
			if termAt == 0 {
				return &AppendResponse{Term: c.CurrentTerm(), Succeeded: false, LogIndex: c.LastLogIndex() + 1}
			}
			_ = c.Log.Truncate(req.PrevLogIndex - 1)
			return &AppendResponse{Term: c.CurrentTerm(), Succeeded: false, LogIndex: req.PrevLogIndex}
		}
	}

	for _, e := range req.Entries {
		existingTerm := c.Log.TermAt(e.Index)
		if existingTerm != 0 {
			if existingTerm == e.Term {
				continue
			}
			_ = c.Log.Truncate(e.Index - 1)
		}
		if _, err := c.Log.Append(e); err != nil {
			return &AppendResponse{Term: c.CurrentTerm(), Succeeded: false}
		}
	}

	c.AdvanceCommitIndex(req.CommitIndex)

	return &AppendResponse{Term: c.CurrentTerm(), Succeeded: true, LogIndex: c.LastLogIndex()}
}

// OnVote implements the binding-vote contract of spec.md §4.6: grant iff
// term is current-or-newer, we haven't voted for someone else this term,
// and the candidate's log is at least as up to date as ours.
func (f *follower) OnVote(c *RaftContext, req *VoteRequest) *VoteResponse {
	c.checkThread()

	if req.Term < c.CurrentTerm() {
		return &VoteResponse{Term: c.CurrentTerm(), Voted: false}
	}
	if req.Term > c.CurrentTerm() {
		c.UpdateTermAndLeader(req.Term, "")
	}

	votedFor := c.VotedFor()
	canVote := votedFor == "" || votedFor == req.Candidate
	if canVote && c.UpToDate(req.LastLogIndex, req.LastLogTerm) {
		c.setVotedForLocked(req.Candidate)
		if c.Meta != nil {
			_ = c.Meta.SaveTermAndVote(c.CurrentTerm(), req.Candidate)
		}
		c.resetElectionTimerLocked()
		return &VoteResponse{Term: c.CurrentTerm(), Voted: true}
	}
	return &VoteResponse{Term: c.CurrentTerm(), Voted: false}
}

// OnPoll implements the non-binding pre-vote of spec.md §4.6: same
// up-to-date check as OnVote, but never records votedFor and never resets
// the election timer, since granting a poll carries no commitment.
func (f *follower) OnPoll(c *RaftContext, req *PollRequest) *PollResponse {
	c.checkThread()

	if req.Term < c.CurrentTerm() {
		return &PollResponse{Term: c.CurrentTerm(), Accepted: false}
	}
	if c.UpToDate(req.LastLogIndex, req.LastLogTerm) {
		return &PollResponse{Term: c.CurrentTerm(), Accepted: true}
	}
	return &PollResponse{Term: c.CurrentTerm(), Accepted: false}
}

func (f *follower) OnInstall(c *RaftContext, req *InstallRequest) *InstallResponse {
	c.checkThread()

	if req.Term < c.CurrentTerm() {
		return &InstallResponse{Term: c.CurrentTerm()}
	}
	c.UpdateTermAndLeader(req.Term, req.Leader)
	c.resetElectionTimerLocked()

	return receiveInstallChunk(c, &f.install, req)
}

func (f *follower) OnConfigure(c *RaftContext, req *ConfigureRequest) *ConfigureResponse {
	c.checkThread()
	c.UpdateTermAndLeader(req.Term, req.Leader)
	cfg := c.Cluster.Current()
	if req.Index <= cfg.Index {
		return &ConfigureResponse{Status: StatusOK}
	}
	c.Cluster.Configure(configurationFromRequest(req))
	if c.CommitIndex() >= req.Index {
		if err := c.Cluster.Commit(); err != nil {
			c.log.Error().Err(err).Msg("cluster.Commit")
		}
	}
	return &ConfigureResponse{Status: StatusOK}
}

func (f *follower) OnMetadata(c *RaftContext, req *MetadataRequest) *MetadataResponse {
	return &MetadataResponse{Leader: c.Leader(), Members: c.Cluster.Current().Members}
}

// configurationFromRequest translates a ConfigureRequest into the
// cluster.Configuration shape stored by Cluster/MetaStore.
func configurationFromRequest(req *ConfigureRequest) cluster.Configuration {
	return cluster.Configuration{
		Index:     req.Index,
		Term:      req.Term,
		Timestamp: req.Timestamp,
		Members:   req.Members,
	}
}
