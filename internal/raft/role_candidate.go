package raft

import "context"

// candidate runs the pre-vote-then-vote election protocol of spec.md
// §4.6, grounded on the teacher's startElection/HandleRequestVote
// (pkg/raft/raft.go) split into the poll and vote phases the six-role
// design calls for.
type candidate struct {
	baseRole
	epoch   uint64
	polling bool
}

func newCandidate() *candidate { return &candidate{baseRole: baseRole{name: "Candidate"}} }

func (cd *candidate) Tag() RoleTag { return RoleCandidate }

func (cd *candidate) Open(c *RaftContext) {
	c.resetElectionTimerLocked()
	cd.epoch++
	cd.polling = true
	cd.startRound(c)
}

// startRound runs one pre-vote (poll) round without incrementing the
// term; only a successful poll majority triggers the binding vote round
// that does increment the term. This avoids the disruptive term inflation
// a partitioned node would otherwise cause on rejoining (spec.md §4.6
// "pre-vote").
func (cd *candidate) startRound(c *RaftContext) {
	epoch := cd.epoch
	members := c.Cluster.Current().ActiveIDs()
	quorum := c.Cluster.Current().Quorum()

	req := &PollRequest{
		Term:         c.CurrentTerm() + 1,
		Candidate:    c.ID,
		LastLogIndex: c.LastLogIndex(),
		LastLogTerm:  c.LastLogTerm(),
	}

	if quorum <= 1 {
		c.Submit(func() {
			if cd.epoch != epoch || c.RoleTag() != RoleCandidate {
				return
			}
			cd.beginVote(c)
		})
		return
	}

	results := make(chan bool, len(members))
	for _, m := range members {
		if m == c.ID {
			continue
		}
		go func(target string) {
			ctx, cancel := context.WithTimeout(context.Background(), c.Timers.HeartbeatInterval*3)
			defer cancel()
			resp, err := c.Transport.Poll(ctx, target, req)
			if err != nil || resp == nil {
				results <- false
				return
			}
			if resp.Term > req.Term-1 {
				c.Submit(func() { c.UpdateTermAndLeader(resp.Term, "") })
			}
			results <- resp.Accepted
		}(m)
	}

	go func() {
		got := 1
		for i := 0; i < len(members)-1; i++ {
			if <-results {
				got++
			}
			if got >= quorum {
				break
			}
		}
		won := got >= quorum
		c.Submit(func() {
			if cd.epoch != epoch || c.RoleTag() != RoleCandidate {
				return
			}
			if won {
				cd.beginVote(c)
			}
		})
	}()
}

// beginVote starts the binding vote round: increment the term, vote for
// self, persist, then solicit votes (spec.md §4.6).
func (cd *candidate) beginVote(c *RaftContext) {
	epoch := cd.epoch
	cd.polling = false

	term := c.CurrentTerm() + 1
	c.setTermLocked(term)
	c.setVotedForLocked(c.ID)
	if c.Meta != nil {
		_ = c.Meta.SaveTermAndVote(term, c.ID)
	}
	c.resetElectionTimerLocked()

	members := c.Cluster.Current().ActiveIDs()
	quorum := c.Cluster.Current().Quorum()

	req := &VoteRequest{
		Term:         term,
		Candidate:    c.ID,
		LastLogIndex: c.LastLogIndex(),
		LastLogTerm:  c.LastLogTerm(),
	}

	if quorum <= 1 {
		c.Submit(func() {
			if cd.epoch != epoch || c.RoleTag() != RoleCandidate {
				return
			}
			c.Transition(newLeader())
		})
		return
	}

	results := make(chan *VoteResponse, len(members))
	for _, m := range members {
		if m == c.ID {
			continue
		}
		go func(target string) {
			ctx, cancel := context.WithTimeout(context.Background(), c.Timers.HeartbeatInterval*3)
			defer cancel()
			resp, err := c.Transport.Vote(ctx, target, req)
			if err != nil {
				results <- nil
				return
			}
			results <- resp
		}(m)
	}

	go func() {
		got := 1
		for i := 0; i < len(members)-1; i++ {
			resp := <-results
			if resp == nil {
				continue
			}
			if resp.Term > term {
				c.Submit(func() { c.UpdateTermAndLeader(resp.Term, "") })
				return
			}
			if resp.Voted {
				got++
			}
			if got >= quorum {
				break
			}
		}
		won := got >= quorum
		c.Submit(func() {
			if cd.epoch != epoch || c.RoleTag() != RoleCandidate || c.CurrentTerm() != term {
				return
			}
			if won {
				c.Transition(newLeader())
			}
		})
	}()
}

func (cd *candidate) OnAppend(c *RaftContext, req *AppendRequest) *AppendResponse {
	c.checkThread()
	if req.Term < c.CurrentTerm() {
		return &AppendResponse{Term: c.CurrentTerm(), Succeeded: false}
	}
	c.UpdateTermAndLeader(req.Term, req.Leader)
	if c.RoleTag() == RoleCandidate {
		// equal term: UpdateTermAndLeader does not transition, so step down here
		c.transitionToDefault()
	}
	return c.currentRole().OnAppend(c, req)
}

func (cd *candidate) OnVote(c *RaftContext, req *VoteRequest) *VoteResponse {
	c.checkThread()
	if req.Term <= c.CurrentTerm() {
		return &VoteResponse{Term: c.CurrentTerm(), Voted: false}
	}
	c.UpdateTermAndLeader(req.Term, "")
	return c.currentRole().OnVote(c, req)
}

func (cd *candidate) OnPoll(c *RaftContext, req *PollRequest) *PollResponse {
	c.checkThread()
	if req.Term <= c.CurrentTerm() {
		return &PollResponse{Term: c.CurrentTerm(), Accepted: false}
	}
	if c.UpToDate(req.LastLogIndex, req.LastLogTerm) {
		return &PollResponse{Term: c.CurrentTerm(), Accepted: true}
	}
	return &PollResponse{Term: c.CurrentTerm(), Accepted: false}
}

func (cd *candidate) OnInstall(c *RaftContext, req *InstallRequest) *InstallResponse {
	c.checkThread()
	if req.Term < c.CurrentTerm() {
		return &InstallResponse{Term: c.CurrentTerm()}
	}
	c.UpdateTermAndLeader(req.Term, req.Leader)
	if c.RoleTag() == RoleCandidate {
		c.transitionToDefault()
	}
	return c.currentRole().OnInstall(c, req)
}

func (cd *candidate) OnMetadata(c *RaftContext, req *MetadataRequest) *MetadataResponse {
	return &MetadataResponse{Leader: c.Leader(), Members: c.Cluster.Current().Members}
}
