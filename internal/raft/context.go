package raft

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/raftcore/raftd/internal/cluster"
	"github.com/raftcore/raftd/internal/meta"
	"github.com/raftcore/raftd/internal/raftlog"
	"github.com/raftcore/raftd/internal/rlog"
)

// Timers holds the durations named in spec.md §6: election timeout is
// randomized in [ElectionTimeout, 2*ElectionTimeout), heartbeat interval
// defaults to 150ms and election timeout to 5x that.
type Timers struct {
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
}

// DefaultTimers matches spec.md §6's stated defaults.
func DefaultTimers() Timers {
	hb := 150 * time.Millisecond
	return Timers{ElectionTimeout: 5 * hb, HeartbeatInterval: hb}
}

// RaftContext is the shared per-server state described in spec.md §4.4:
// terms, commit/last-applied indices, the current role instance,
// election/heartbeat timers, and thread-confined dispatch. Every
// mutating method must run on the server thread — enforced by routing
// all of them through Submit/dispatch rather than calling them directly.
type RaftContext struct {
	ID        string
	Log       *raftlog.Log
	Meta      *meta.Store
	Cluster   *cluster.Cluster
	Transport Transport
	SM        StateMachine
	Sessions  SessionManager
	Timers    Timers

	log zerolog.Logger

	mu sync.RWMutex // guards the fields below for lock-free external reads

	currentTerm      uint64
	votedFor         string
	leaderID         string
	commitIndex      uint64
	lastApplied      uint64
	firstCommitIndex uint64

	role Role

	dispatchCh chan func()
	closeCh    chan struct{}
	closeOnce  sync.Once
	inLoop     bool // true only while executing a function popped from dispatchCh

	electionTimer  *time.Timer
	electionEpoch  uint64 // bumped on every reset, invalidates stale timer fires
	heartbeatTimer *time.Timer

	applyCond   *sync.Cond
	applyClosed bool

	pendingMu  sync.Mutex
	pendingCmd map[uint64]chan *CommandResponse
}

// New creates a RaftContext. The initial role is derived from the local
// member's type in the given (possibly empty) configuration, per
// spec.md §4.5 "State machine of roles": ACTIVE->Follower,
// PASSIVE->Passive, RESERVE->Reserve, absent/INACTIVE->Inactive.
func New(id string, log *raftlog.Log, ms *meta.Store, cl *cluster.Cluster, transport Transport, sm StateMachine, sessions SessionManager, timers Timers) *RaftContext {
	c := &RaftContext{
		ID:         id,
		Log:        log,
		Meta:       ms,
		Cluster:    cl,
		Transport:  transport,
		SM:         sm,
		Sessions:   sessions,
		Timers:     timers,
		dispatchCh: make(chan func(), 256),
		closeCh:    make(chan struct{}),
		pendingCmd: make(map[uint64]chan *CommandResponse),
		log:        rlog.WithComponent("raft").With().Str("node_id", id).Logger(),
	}
	c.applyCond = sync.NewCond(&sync.Mutex{})

	if ms != nil {
		c.currentTerm = ms.CurrentTerm()
		c.votedFor = ms.VotedFor()
	}

	c.role = roleForType(c.Cluster.LocalType())
	return c
}

// Start launches the single-threaded dispatch loop and the apply loop.
func (c *RaftContext) Start() {
	go c.runLoop()
	go c.applyLoop()
	c.Submit(func() {
		c.role.Open(c)
		c.resetElectionTimerLocked()
	})
}

// Stop halts the dispatch loop, releasing the active role's timers.
func (c *RaftContext) Stop() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.applyCond.L.Lock()
		c.applyClosed = true
		c.applyCond.Broadcast()
		c.applyCond.L.Unlock()
	})
}

// Submit posts fn to run on the server thread. Used by RPC handlers,
// timer callbacks, and replicator completions (spec.md §5).
func (c *RaftContext) Submit(fn func()) {
	select {
	case c.dispatchCh <- fn:
	case <-c.closeCh:
	}
}

func (c *RaftContext) runLoop() {
	for {
		select {
		case fn := <-c.dispatchCh:
			c.inLoop = true
			fn()
			c.inLoop = false
		case <-c.closeCh:
			return
		}
	}
}

// checkThread asserts the single-thread invariant (spec.md §4.4).
func (c *RaftContext) checkThread() {
	if !c.inLoop {
		panic("raft: mutating RaftContext method called off the server thread")
	}
}

// --- lock-free-ish external reads (RLock only; mutated exclusively on the
// server thread while holding the write lock briefly to publish) ---

func (c *RaftContext) CurrentTerm() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTerm
}

func (c *RaftContext) VotedFor() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.votedFor
}

func (c *RaftContext) Leader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderID
}

func (c *RaftContext) CommitIndex() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commitIndex
}

func (c *RaftContext) LastApplied() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastApplied
}

func (c *RaftContext) RoleTag() RoleTag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role.Tag()
}

func (c *RaftContext) setTermLocked(term uint64)      { c.mu.Lock(); c.currentTerm = term; c.mu.Unlock() }
func (c *RaftContext) setVotedForLocked(v string)     { c.mu.Lock(); c.votedFor = v; c.mu.Unlock() }
func (c *RaftContext) setLeaderLocked(l string)       { c.mu.Lock(); c.leaderID = l; c.mu.Unlock() }
func (c *RaftContext) setCommitIndexLocked(i uint64)  { c.mu.Lock(); c.commitIndex = i; c.mu.Unlock() }

// LastLogIndex / LastLogTerm read straight from the Log; only called on
// the server thread.
func (c *RaftContext) LastLogIndex() uint64 { return c.Log.LastIndex() }
func (c *RaftContext) LastLogTerm() uint64  { return c.Log.LastTerm() }

// UpToDate implements the GLOSSARY definition: A is at least as up to
// date as local iff A.lastTerm > local.lastTerm, or
// A.lastTerm == local.lastTerm && A.lastIndex >= local.lastIndex.
func (c *RaftContext) UpToDate(lastIndex, lastTerm uint64) bool {
	localTerm := c.LastLogTerm()
	localIndex := c.LastLogIndex()
	if lastTerm != localTerm {
		return lastTerm > localTerm
	}
	return lastIndex >= localIndex
}

// UpdateTermAndLeader implements spec.md §4.4's helper of the same name.
// Must run on the server thread.
func (c *RaftContext) UpdateTermAndLeader(term uint64, leader string) {
	c.checkThread()

	cur := c.CurrentTerm()
	switch {
	case term > cur:
		c.setTermLocked(term)
		c.setVotedForLocked("")
		c.setLeaderLocked("")
		if c.Meta != nil {
			if err := c.Meta.SaveTermAndVote(term, ""); err != nil {
				c.log.Error().Err(err).Msg("meta.SaveTermAndVote")
			}
		}
		c.transitionToDefault()
		if leader != "" {
			c.setLeaderLocked(leader)
		}
	case term == cur:
		if leader != "" {
			c.setLeaderLocked(leader)
		}
	default:
		// term < cur: no change; caller signals rejection.
	}
}

// transitionToDefault moves to Follower, or the role dictated by the
// local member type if not ACTIVE (spec.md §4.4).
func (c *RaftContext) transitionToDefault() {
	c.Transition(roleForType(c.Cluster.LocalType()))
}

// Transition closes the prior role and opens the new one, on the server
// thread. Idempotent if newRole has the same tag and role identity as the
// current one is not enforced (each transition always swaps instances,
// matching "transitions replace the instance atomically").
func (c *RaftContext) Transition(newRole Role) {
	c.checkThread()

	c.mu.Lock()
	old := c.role
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.stopElectionTimerLocked()
	c.stopHeartbeatTimerLocked()

	c.mu.Lock()
	c.role = newRole
	c.mu.Unlock()

	newRole.Open(c)
}

// RequestTransitionForType satisfies cluster.TransitionRequester: Cluster
// calls this when the local member's type changes in a newly installed
// configuration.
func (c *RaftContext) RequestTransitionForType(t cluster.MemberType) {
	c.Submit(func() {
		want := roleForType(t)
		if c.RoleTag() == want.Tag() {
			return
		}
		c.Transition(want)
	})
}

// --- election timer ---

func (c *RaftContext) randomElectionTimeout() time.Duration {
	base := c.Timers.ElectionTimeout
	jitter := time.Duration(rand.Int63n(int64(base)))
	return base + jitter
}

func (c *RaftContext) resetElectionTimerLocked() {
	c.checkThread()
	c.electionEpoch++
	epoch := c.electionEpoch
	if c.electionTimer != nil {
		c.electionTimer.Stop()
	}
	d := c.randomElectionTimeout()
	c.electionTimer = time.AfterFunc(d, func() {
		c.Submit(func() {
			if epoch != c.electionEpoch {
				return // stale fire, superseded by a later reset
			}
			c.onElectionTimeout()
		})
	})
}

func (c *RaftContext) stopElectionTimerLocked() {
	c.electionEpoch++ // invalidate any in-flight fire
	if c.electionTimer != nil {
		c.electionTimer.Stop()
		c.electionTimer = nil
	}
}

func (c *RaftContext) onElectionTimeout() {
	if c.RoleTag() == RoleFollower || c.RoleTag() == RoleCandidate {
		c.Transition(newCandidate())
	}
}

func (c *RaftContext) stopHeartbeatTimerLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
}

// --- completion-token-style RPC entry points ---
//
// Each Handle* method posts the actual work onto the server thread and
// returns a channel the caller receives the result from, matching the
// "handlers return immediately with a completion handle" contract of
// spec.md §9 (design note: completion-based async).

func (c *RaftContext) HandleAppend(req *AppendRequest) <-chan *AppendResponse {
	ch := make(chan *AppendResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnAppend(c, req) })
	return ch
}

func (c *RaftContext) HandleVote(req *VoteRequest) <-chan *VoteResponse {
	ch := make(chan *VoteResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnVote(c, req) })
	return ch
}

func (c *RaftContext) HandlePoll(req *PollRequest) <-chan *PollResponse {
	ch := make(chan *PollResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnPoll(c, req) })
	return ch
}

func (c *RaftContext) HandleInstall(req *InstallRequest) <-chan *InstallResponse {
	ch := make(chan *InstallResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnInstall(c, req) })
	return ch
}

func (c *RaftContext) HandleConfigure(req *ConfigureRequest) <-chan *ConfigureResponse {
	ch := make(chan *ConfigureResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnConfigure(c, req) })
	return ch
}

func (c *RaftContext) HandleJoin(req *JoinRequest) <-chan *MembershipResponse {
	ch := make(chan *MembershipResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnJoin(c, req) })
	return ch
}

func (c *RaftContext) HandleLeave(req *LeaveRequest) <-chan *MembershipResponse {
	ch := make(chan *MembershipResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnLeave(c, req) })
	return ch
}

func (c *RaftContext) HandleReconfigure(req *ReconfigureRequest) <-chan *MembershipResponse {
	ch := make(chan *MembershipResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnReconfigure(c, req) })
	return ch
}

// HandleCommand implements spec.md §4.5's "append, then when committed and
// applied, return the state-machine result" contract. The role's
// OnCommand only appends the entry and reports the index it landed at
// (or responds immediately for errors and deduplicated replays, signaled
// by Index == 0); the actual result is delivered once the apply loop
// reaches that index.
func (c *RaftContext) HandleCommand(req *CommandRequest) <-chan *CommandResponse {
	out := make(chan *CommandResponse, 1)
	c.Submit(func() {
		resp := c.currentRole().OnCommand(c, req)
		if resp.Status != StatusOK || resp.Index == 0 {
			out <- resp
			return
		}
		c.registerPendingCommand(resp.Index, out)
	})
	return out
}

func (c *RaftContext) registerPendingCommand(index uint64, ch chan *CommandResponse) {
	c.pendingMu.Lock()
	c.pendingCmd[index] = ch
	c.pendingMu.Unlock()
}

func (c *RaftContext) resolvePendingCommand(index uint64, resp *CommandResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pendingCmd[index]
	if ok {
		delete(c.pendingCmd, index)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *RaftContext) HandleQuery(req *QueryRequest) <-chan *QueryResponse {
	ch := make(chan *QueryResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnQuery(c, req) })
	return ch
}

func (c *RaftContext) HandleKeepAlive(req *KeepAliveRequest) <-chan *KeepAliveResponse {
	ch := make(chan *KeepAliveResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnKeepAlive(c, req) })
	return ch
}

func (c *RaftContext) HandleOpenSession(req *OpenSessionRequest) <-chan *OpenSessionResponse {
	ch := make(chan *OpenSessionResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnOpenSession(c, req) })
	return ch
}

func (c *RaftContext) HandleCloseSession(req *CloseSessionRequest) <-chan *CloseSessionResponse {
	ch := make(chan *CloseSessionResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnCloseSession(c, req) })
	return ch
}

func (c *RaftContext) HandleMetadata(req *MetadataRequest) <-chan *MetadataResponse {
	ch := make(chan *MetadataResponse, 1)
	c.Submit(func() { ch <- c.currentRole().OnMetadata(c, req) })
	return ch
}

func (c *RaftContext) currentRole() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// --- apply loop ---
//
// Entries are applied to the state machine in strictly increasing index
// order on a separate task that reads from the Log; apply never precedes
// commit (spec.md §5).

func (c *RaftContext) signalApply() {
	c.applyCond.L.Lock()
	c.applyCond.Broadcast()
	c.applyCond.L.Unlock()
}

func (c *RaftContext) applyLoop() {
	for {
		c.applyCond.L.Lock()
		for c.LastApplied() >= c.CommitIndex() && !c.applyClosed {
			c.applyCond.Wait()
		}
		closed := c.applyClosed
		c.applyCond.L.Unlock()
		if closed {
			return
		}

		next := c.LastApplied() + 1
		commit := c.CommitIndex()
		for idx := next; idx <= commit; idx++ {
			e, ok, err := c.Log.Get(idx)
			if err != nil || !ok {
				break
			}
			c.applyEntry(e)
			c.mu.Lock()
			c.lastApplied = idx
			c.mu.Unlock()
		}
	}
}

func (c *RaftContext) applyEntry(e raftlog.Entry) {
	switch e.Kind {
	case raftlog.EntryCommand:
		if c.SM == nil {
			break
		}
		result, err := c.SM.Apply(e.Session, e.Sequence, e.Operation)
		if err != nil {
			c.log.Error().Err(err).Msg("apply command")
			c.resolvePendingCommand(e.Index, &CommandResponse{Status: StatusError, Err: newErr(ErrCommandFailure, err), Index: e.Index})
			break
		}
		if c.Sessions != nil {
			c.Sessions.Record(e.Session, e.Sequence, result)
		}
		c.resolvePendingCommand(e.Index, &CommandResponse{Status: StatusOK, Index: e.Index, Result: result})
	case raftlog.EntryConfiguration:
		cfg := cluster.Configuration{Index: e.Index, Term: e.Term, Timestamp: e.Timestamp, Members: e.Members}
		c.Cluster.Configure(cfg)
		if c.CommitIndex() >= cfg.Index {
			_ = c.Cluster.Commit()
		}
	case raftlog.EntryOpenSession:
		if c.Sessions != nil {
			if err := c.Sessions.OpenWithID(e.Session, e.ClientID, e.SessionTimeoutMs); err != nil {
				c.log.Error().Err(err).Msg("open session")
			}
		}
	case raftlog.EntryCloseSession:
		if c.Sessions != nil {
			c.Sessions.Close(e.Session)
		}
	case raftlog.EntryKeepAlive:
		if c.Sessions != nil {
			c.Sessions.KeepAlive(nil, e.CommandSequences, e.EventIndexes)
		}
	case raftlog.EntryInitialize, raftlog.EntryQuery:
		// no state-machine side effect beyond log placement.
	}
}

// AdvanceCommitIndex sets commitIndex = min(requested, lastIndex) and
// wakes the apply loop, used by Follower.onAppend (spec.md §4.5).
func (c *RaftContext) AdvanceCommitIndex(requested uint64) {
	c.checkThread()
	last := c.LastLogIndex()
	newCommit := requested
	if newCommit > last {
		newCommit = last
	}
	if newCommit > c.CommitIndex() {
		c.setCommitIndexLocked(newCommit)
		c.signalApply()
	}
}

