package raft

// passive replicates the leader's log like a follower but never votes and
// never starts an election, per spec.md §4.5's member-type table
// (cluster.MemberType.Votes() is false for PASSIVE). Used for read
// replicas and warm standbys being caught up before promotion to ACTIVE.
type passive struct {
	baseRole
	install *snapshotTransfer
}

func newPassive() *passive { return &passive{baseRole{name: "Passive"}} }

func (p *passive) Tag() RoleTag { return RolePassive }

// OnAppend mirrors follower.OnAppend exactly; passive members replicate
// the log to stay caught up even though they do not vote.
func (p *passive) OnAppend(c *RaftContext, req *AppendRequest) *AppendResponse {
	c.checkThread()

	if req.Term < c.CurrentTerm() {
		return &AppendResponse{Term: c.CurrentTerm(), Succeeded: false}
	}
	c.UpdateTermAndLeader(req.Term, req.Leader)

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

// OnVote always refuses: PASSIVE members are non-voting (spec.md §4.5).
func (p *passive) OnVote(c *RaftContext, req *VoteRequest) *VoteResponse {
	return &VoteResponse{Term: c.CurrentTerm(), Voted: false}
}

func (p *passive) OnPoll(c *RaftContext, req *PollRequest) *PollResponse {
	return &PollResponse{Term: c.CurrentTerm(), Accepted: false}
}

func (p *passive) OnInstall(c *RaftContext, req *InstallRequest) *InstallResponse {
	c.checkThread()
	if req.Term < c.CurrentTerm() {
		return &InstallResponse{Term: c.CurrentTerm()}
	}
	c.UpdateTermAndLeader(req.Term, req.Leader)
	return receiveInstallChunk(c, &p.install, req)
}

func (p *passive) OnConfigure(c *RaftContext, req *ConfigureRequest) *ConfigureResponse {
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

func (p *passive) OnMetadata(c *RaftContext, req *MetadataRequest) *MetadataResponse {
	return &MetadataResponse{Leader: c.Leader(), Members: c.Cluster.Current().Members}
}

