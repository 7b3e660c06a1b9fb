package raft

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/raftcore/raftd/internal/cluster"
	"github.com/raftcore/raftd/internal/raftlog"
)

var (
	errLeaseNotConfirmed       = errors.New("raft: leader lease not confirmed by a quorum, retry")
	errReadBarrierNotSatisfied = errors.New("raft: read-index barrier not yet satisfied, retry")
)

// leader owns client-facing RPCs and drives replication, grounded on the
// teacher's runLeader/sendHeartbeats/replicateToFollower/updateCommitIndex
// (pkg/raft/raft.go), restructured as a Role that starts one goroutine per
// Append RPC, with at most one such RPC in flight per follower.
type leader struct {
	baseRole
	ticker *time.Ticker
	stopCh chan struct{}
}

func newLeader() *leader { return &leader{baseRole: baseRole{name: "Leader"}} }

func (l *leader) Tag() RoleTag { return RoleLeader }

func (l *leader) Open(c *RaftContext) {
	c.setLeaderLocked(c.ID)

	last := c.LastLogIndex()
	for _, m := range c.Cluster.Current().Members {
		if m.ID == c.ID || !m.ReceivesEntries() {
			continue
		}
		id := m.ID
		c.Cluster.UpdatePeer(id, func(m *cluster.Member) {
			m.NextIndex = last + 1
			m.MatchIndex = 0
		})
	}

	// spec.md §4.6: append a no-op InitializeEntry at the start of a new
	// term so previous-term entries become committable.
	_, _ = c.Log.Append(raftlog.Entry{
		Term: c.CurrentTerm(),
		Kind: raftlog.EntryInitialize,
	})

	l.stopCh = make(chan struct{})
	l.ticker = time.NewTicker(c.Timers.HeartbeatInterval)
	l.broadcastAppend(c)

	ticker := l.ticker
	stop := l.stopCh
	go func() {
		for {
			select {
			case <-ticker.C:
				c.Submit(func() {
					if c.RoleTag() != RoleLeader {
						return
					}
					l.broadcastAppend(c)
				})
			case <-stop:
				return
			}
		}
	}()
}

func (l *leader) Close() {
	if l.ticker != nil {
		l.ticker.Stop()
	}
	if l.stopCh != nil {
		close(l.stopCh)
	}
}

func (l *leader) broadcastAppend(c *RaftContext) {
	for _, id := range c.Cluster.Current().ActiveIDs() {
		if id == c.ID {
			continue
		}
		l.replicateTo(c, id)
	}
	for _, m := range c.Cluster.Current().Members {
		if m.Type == cluster.MemberPassive && m.ID != c.ID {
			l.replicateTo(c, m.ID)
		}
	}
}

// replicationBackoffBase/Max bound the exponential backoff applied after
// consecutive replication failures to one peer (spec.md §4.6).
const (
	replicationBackoffBase = 50 * time.Millisecond
	replicationBackoffMax  = 2 * time.Second
	replicationBackoffCap  = 7 // 2^6 * base already exceeds the max
)

func replicationBackoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > replicationBackoffCap {
		failures = replicationBackoffCap
	}
	d := replicationBackoffBase << uint(failures-1)
	if d > replicationBackoffMax {
		return replicationBackoffMax
	}
	return d
}

// installChunkSize bounds how much snapshot data one InstallRequest chunk
// carries; spec.md §4.5 describes a chunked transfer rather than one
// unbounded message.
const installChunkSize = 32 * 1024

func (l *leader) replicateTo(c *RaftContext, target string) {
	peer, ok := c.Cluster.Peer(target)
	if !ok {
		return
	}
	// spec.md §4.6: collapse redundant pending appends into a single
	// in-flight request per peer, and back off after consecutive failures
	// instead of hammering a peer that just rejected or timed out.
	if peer.AppendPending {
		return
	}
	if backoff := replicationBackoff(peer.FailureCount); backoff > 0 && time.Since(peer.LastHeartbeat) < backoff {
		return
	}

	nextIndex := peer.NextIndex
	if nextIndex == 0 {
		nextIndex = 1
	}
	prevIndex := nextIndex - 1
	prevTerm := c.Log.TermAt(prevIndex)
	if prevIndex > 0 && prevTerm == 0 && c.Log.FirstIndex() > prevIndex {
		// the entry at prevIndex has been compacted away: stream a
		// snapshot instead of an Append this peer can never catch up from.
		l.installTo(c, target)
		return
	}

	var entries []raftlog.Entry
	last := c.LastLogIndex()
	for idx := nextIndex; idx <= last; idx++ {
		e, ok, err := c.Log.Get(idx)
		if err != nil || !ok {
			break
		}
		entries = append(entries, e)
	}

	req := &AppendRequest{
		Term:         c.CurrentTerm(),
		Leader:       c.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		CommitIndex:  c.CommitIndex(),
	}
	term := req.Term

	c.Cluster.UpdatePeer(target, func(m *cluster.Member) { m.AppendPending = true })

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timers.HeartbeatInterval*2)
		defer cancel()
		resp, err := c.Transport.Append(ctx, target, req)
		c.Submit(func() {
			c.Cluster.UpdatePeer(target, func(m *cluster.Member) {
				m.AppendPending = false
				m.LastHeartbeat = time.Now()
			})
			if err != nil {
				c.Cluster.UpdatePeer(target, func(m *cluster.Member) { m.FailureCount++ })
				return
			}
			if c.RoleTag() != RoleLeader || c.CurrentTerm() != term {
				return
			}
			if resp.Term > c.CurrentTerm() {
				c.UpdateTermAndLeader(resp.Term, "")
				return
			}
			if resp.Succeeded {
				newMatch := prevIndex + uint64(len(entries))
				c.Cluster.UpdatePeer(target, func(m *cluster.Member) {
					if newMatch > m.MatchIndex {
						m.MatchIndex = newMatch
					}
					m.NextIndex = newMatch + 1
					m.FailureCount = 0
					m.LastAcked = time.Now()
				})
				l.tryAdvanceCommit(c)
			} else {
				c.Cluster.UpdatePeer(target, func(m *cluster.Member) {
					if resp.LogIndex > 0 {
						m.NextIndex = resp.LogIndex
					} else if m.NextIndex > 1 {
						m.NextIndex--
					}
				})
			}
		})
	}()
}

// installTo streams a full state-machine snapshot to target in
// installChunkSize pieces, for a peer whose nextIndex has fallen behind
// the leader's first retained log index (spec.md §8 scenario 6).
func (l *leader) installTo(c *RaftContext, target string) {
	term := c.CurrentTerm()
	snapshotIndex := c.CommitIndex()
	snapshotTerm := c.Log.TermAt(snapshotIndex)
	data, err := c.SM.Snapshot()
	if err != nil {
		c.log.Error().Err(err).Str("peer", target).Msg("statemachine.Snapshot")
		return
	}

	c.Cluster.UpdatePeer(target, func(m *cluster.Member) { m.AppendPending = true })

	go func() {
		succeeded := false
		var offset uint64
		for attempts := 0; attempts < 10000; attempts++ {
			end := offset + installChunkSize
			complete := end >= uint64(len(data))
			if complete {
				end = uint64(len(data))
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Timers.HeartbeatInterval*4)
			resp, err := c.Transport.Install(ctx, target, &InstallRequest{
				Term:          term,
				Leader:        c.ID,
				SnapshotIndex: snapshotIndex,
				SnapshotTerm:  snapshotTerm,
				Offset:        offset,
				Data:          data[offset:end],
				Complete:      complete,
			})
			cancel()
			if err != nil {
				break
			}
			if resp.Term > term {
				c.Submit(func() {
					c.Cluster.UpdatePeer(target, func(m *cluster.Member) { m.AppendPending = false })
					if resp.Term > c.CurrentTerm() {
						c.UpdateTermAndLeader(resp.Term, "")
					}
				})
				return
			}
			// follower may report a different NextOffset than what we just
			// sent if a prior chunk of this transfer was dropped; resume
			// from the offset it actually has instead of drifting out of sync.
			offset = resp.NextOffset
			if complete && offset >= uint64(len(data)) {
				succeeded = true
				break
			}
		}

		c.Submit(func() {
			c.Cluster.UpdatePeer(target, func(m *cluster.Member) {
				m.AppendPending = false
				m.LastHeartbeat = time.Now()
				if succeeded {
					m.MatchIndex = snapshotIndex
					m.NextIndex = snapshotIndex + 1
					m.FailureCount = 0
				} else {
					m.FailureCount++
				}
			})
			if succeeded && c.RoleTag() == RoleLeader && c.CurrentTerm() == term {
				l.tryAdvanceCommit(c)
			}
		})
	}()
}

// tryAdvanceCommit implements spec.md §5's commit rule: commitIndex may
// only advance to an index whose entry was written in the current term,
// once a quorum of active members' matchIndex reaches it.
func (l *leader) tryAdvanceCommit(c *RaftContext) {
	cfg := c.Cluster.Current()
	matches := make([]uint64, 0, len(cfg.ActiveIDs()))
	for _, id := range cfg.ActiveIDs() {
		if id == c.ID {
			matches = append(matches, c.LastLogIndex())
			continue
		}
		if peer, ok := c.Cluster.Peer(id); ok {
			matches = append(matches, peer.MatchIndex)
		} else {
			matches = append(matches, 0)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	candidate := matches[len(matches)/2]

	if candidate <= c.CommitIndex() {
		return
	}
	if c.Log.TermAt(candidate) != c.CurrentTerm() {
		return
	}
	c.AdvanceCommitIndex(candidate)
}

func (l *leader) OnAppend(c *RaftContext, req *AppendRequest) *AppendResponse {
	c.checkThread()
	if req.Term > c.CurrentTerm() {
		c.UpdateTermAndLeader(req.Term, req.Leader)
		return c.currentRole().OnAppend(c, req)
	}
	return &AppendResponse{Term: c.CurrentTerm(), Succeeded: false}
}

func (l *leader) OnVote(c *RaftContext, req *VoteRequest) *VoteResponse {
	c.checkThread()
	if req.Term > c.CurrentTerm() {
		c.UpdateTermAndLeader(req.Term, "")
		return c.currentRole().OnVote(c, req)
	}
	return &VoteResponse{Term: c.CurrentTerm(), Voted: false}
}

func (l *leader) OnPoll(c *RaftContext, req *PollRequest) *PollResponse {
	c.checkThread()
	// A live leader always rejects polls: it knows the cluster has a
	// leader, so no election is warranted (spec.md §4.6).
	return &PollResponse{Term: c.CurrentTerm(), Accepted: false}
}

func (l *leader) OnConfigure(c *RaftContext, req *ConfigureRequest) *ConfigureResponse {
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

// OnJoin, OnLeave, and OnReconfigure implement spec.md §6's membership
// RPCs as single-step configuration changes (the Non-goals exclude joint
// consensus *policy* beyond one member at a time, not configuration
// changes altogether): each computes the next Configuration from the
// current one and commits it by appending a ConfigurationEntry
// (appendConfiguration); OnConfigure, by contrast, installs a pushed
// configuration directly without appending to the log.
func (l *leader) OnJoin(c *RaftContext, req *JoinRequest) *MembershipResponse {
	c.checkThread()
	cfg := c.Cluster.Current()
	if _, exists := cfg.Member(req.Member.ID); exists {
		return &MembershipResponse{Status: StatusError, Err: newErr(ErrConfigurationError, nil)}
	}
	members := append(append([]cluster.Member(nil), cfg.Members...), req.Member)
	return l.appendConfiguration(c, members)
}

func (l *leader) OnLeave(c *RaftContext, req *LeaveRequest) *MembershipResponse {
	c.checkThread()
	cfg := c.Cluster.Current()
	members := make([]cluster.Member, 0, len(cfg.Members))
	found := false
	for _, m := range cfg.Members {
		if m.ID == req.Member.ID {
			found = true
			continue
		}
		members = append(members, m)
	}
	if !found {
		return &MembershipResponse{Status: StatusError, Err: newErr(ErrConfigurationError, nil)}
	}
	return l.appendConfiguration(c, members)
}

func (l *leader) OnReconfigure(c *RaftContext, req *ReconfigureRequest) *MembershipResponse {
	c.checkThread()
	return l.appendConfiguration(c, req.Members)
}

func (l *leader) appendConfiguration(c *RaftContext, members []cluster.Member) *MembershipResponse {
	e := raftlog.Entry{
		Term:    c.CurrentTerm(),
		Kind:    raftlog.EntryConfiguration,
		Members: members,
	}
	index, err := c.Log.Append(e)
	if err != nil {
		return &MembershipResponse{Status: StatusError, Err: newErr(ErrConfigurationError, err)}
	}
	l.broadcastAppend(c)
	l.tryAdvanceCommit(c)
	return &MembershipResponse{Status: StatusOK, Index: index, Term: c.CurrentTerm(), Members: members}
}

func (l *leader) OnCommand(c *RaftContext, req *CommandRequest) *CommandResponse {
	c.checkThread()

	if cached, ok := c.Sessions.Dedup(req.Session, req.Sequence); ok {
		return &CommandResponse{Status: StatusOK, Result: cached}
	}

	e := raftlog.Entry{
		Term:      c.CurrentTerm(),
		Kind:      raftlog.EntryCommand,
		Session:   req.Session,
		Sequence:  req.Sequence,
		Operation: req.Operation,
	}
	index, err := c.Log.Append(e)
	if err != nil {
		return &CommandResponse{Status: StatusError, Err: newErr(ErrCommandFailure, err)}
	}
	l.broadcastAppend(c)
	l.tryAdvanceCommit(c)

	return &CommandResponse{Status: StatusOK, Index: index}
}

// quorumFreshWithin reports whether a quorum of ACTIVE members (this
// leader counts itself as always fresh) acknowledged an Append within
// window, used to gate LEASE/LINEARIZABLE reads against a leader that has
// lost contact with the cluster but not yet discovered a higher term
// (spec.md §4.5).
func (l *leader) quorumFreshWithin(c *RaftContext, window time.Duration) bool {
	cfg := c.Cluster.Current()
	now := time.Now()
	fresh := 0
	for _, id := range cfg.ActiveIDs() {
		if id == c.ID {
			fresh++
			continue
		}
		if peer, ok := c.Cluster.Peer(id); ok && !peer.LastAcked.IsZero() && now.Sub(peer.LastAcked) <= window {
			fresh++
		}
	}
	return fresh >= cfg.Quorum()
}

// OnQuery answers reads per the consistency level spec.md §4.5 names:
// SEQUENTIAL reads the local state machine with no extra check, LEASE
// trusts a recently-acked quorum in place of a fresh round trip, and
// LINEARIZABLE starts a fresh Append round but answers only if a quorum
// acked within the last heartbeat interval and lastApplied has reached the
// commit index seen on entry. The new round's acks are processed later on
// this thread, so the quorum check counts acks from earlier rounds.
func (l *leader) OnQuery(c *RaftContext, req *QueryRequest) *QueryResponse {
	c.checkThread()

	switch req.Consistency {
	case raftlog.ConsistencyLinearizableLease:
		if !l.quorumFreshWithin(c, c.Timers.ElectionTimeout) {
			return &QueryResponse{Status: StatusError, Err: newErr(ErrNoLeader, errLeaseNotConfirmed)}
		}
	case raftlog.ConsistencyLinearizable:
		barrier := c.CommitIndex()
		l.broadcastAppend(c)
		if !l.quorumFreshWithin(c, c.Timers.HeartbeatInterval) || c.LastApplied() < barrier {
			return &QueryResponse{Status: StatusError, Err: newErr(ErrNoLeader, errReadBarrierNotSatisfied)}
		}
	}

	result, err := c.SM.Query(req.Session, req.Operation)
	if err != nil {
		return &QueryResponse{Status: StatusError, Err: newErr(ErrQueryFailure, err)}
	}
	return &QueryResponse{Status: StatusOK, Index: c.CommitIndex(), Result: result}
}

func (l *leader) OnKeepAlive(c *RaftContext, req *KeepAliveRequest) *KeepAliveResponse {
	c.checkThread()
	if err := c.Sessions.KeepAlive(req.SessionIDs, req.CommandSequences, req.EventIndexes); err != nil {
		return &KeepAliveResponse{Status: StatusError, Err: newErr(ErrUnknownSession, err)}
	}
	return &KeepAliveResponse{Status: StatusOK}
}

func (l *leader) OnOpenSession(c *RaftContext, req *OpenSessionRequest) *OpenSessionResponse {
	c.checkThread()
	session, err := c.Sessions.AssignID()
	if err != nil {
		return &OpenSessionResponse{Status: StatusError, Err: newErr(ErrApplicationError, err)}
	}
	_, _ = c.Log.Append(raftlog.Entry{
		Term:             c.CurrentTerm(),
		Kind:             raftlog.EntryOpenSession,
		Session:          session,
		ClientID:         req.ClientID,
		SessionTimeoutMs: req.SessionTimeoutMs,
	})
	l.broadcastAppend(c)
	l.tryAdvanceCommit(c)
	return &OpenSessionResponse{Status: StatusOK, Session: session}
}

func (l *leader) OnCloseSession(c *RaftContext, req *CloseSessionRequest) *CloseSessionResponse {
	c.checkThread()
	// The actual close happens when the apply loop reaches this entry, the
	// same deferred-mutation pattern OnCommand uses for the state machine,
	// so every node closes the session at the same log position.
	_, _ = c.Log.Append(raftlog.Entry{
		Term:    c.CurrentTerm(),
		Kind:    raftlog.EntryCloseSession,
		Session: req.Session,
	})
	l.broadcastAppend(c)
	l.tryAdvanceCommit(c)
	return &CloseSessionResponse{Status: StatusOK}
}

func (l *leader) OnMetadata(c *RaftContext, req *MetadataRequest) *MetadataResponse {
	return &MetadataResponse{Leader: c.ID, Members: c.Cluster.Current().Members}
}
