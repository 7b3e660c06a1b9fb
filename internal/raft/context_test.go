package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftcore/raftd/internal/cluster"
	"github.com/raftcore/raftd/internal/meta"
	"github.com/raftcore/raftd/internal/raftlog"
)

// transitionProxy breaks the Cluster/RaftContext construction cycle: Cluster
// needs a TransitionRequester before RaftContext exists, so tests close over
// a pointer assigned once RaftContext is built, the same pattern cmd/raftd
// uses at startup.
type transitionProxy struct{ rc **RaftContext }

func (p transitionProxy) RequestTransitionForType(t cluster.MemberType) {
	if *p.rc != nil {
		(*p.rc).RequestTransitionForType(t)
	}
}

type noopTransport struct{}

func (noopTransport) Append(ctx context.Context, target string, req *AppendRequest) (*AppendResponse, error) {
	return nil, fmt.Errorf("noopTransport: no peer %s", target)
}
func (noopTransport) Vote(ctx context.Context, target string, req *VoteRequest) (*VoteResponse, error) {
	return nil, fmt.Errorf("noopTransport: no peer %s", target)
}
func (noopTransport) Poll(ctx context.Context, target string, req *PollRequest) (*PollResponse, error) {
	return nil, fmt.Errorf("noopTransport: no peer %s", target)
}
func (noopTransport) Install(ctx context.Context, target string, req *InstallRequest) (*InstallResponse, error) {
	return nil, fmt.Errorf("noopTransport: no peer %s", target)
}

// echoSM is a minimal StateMachine double: Apply keeps a copy of the last
// operation bytes and returns them, Query returns the last applied payload.
type echoSM struct {
	mu   sync.Mutex
	last []byte
}

func (m *echoSM) Apply(session, sequence uint64, operation []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = append([]byte(nil), operation...)
	return m.last, nil
}
func (m *echoSM) Query(session uint64, operation []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}
func (m *echoSM) Snapshot() ([]byte, error)    { return nil, nil }
func (m *echoSM) Restore(data []byte) error { return nil }

// recordingSessions is a SessionManager double that records every id it is
// asked to open, so tests can assert the leader assigns exactly one id per
// OpenSessionEntry and every apply installs under that same id.
type recordingSessions struct {
	mu       sync.Mutex
	nextID   uint64
	opened   []uint64
	closed   []uint64
	dedupe   map[uint64]map[uint64][]byte
}

func newRecordingSessions() *recordingSessions {
	return &recordingSessions{dedupe: make(map[uint64]map[uint64][]byte)}
}

func (s *recordingSessions) AssignID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}
func (s *recordingSessions) OpenWithID(session uint64, clientID string, timeoutMs uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, session)
	return nil
}
func (s *recordingSessions) Close(session uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, session)
	return nil
}
func (s *recordingSessions) KeepAlive(sessionIDs, commandSequences, eventIndexes []uint64) error {
	return nil
}
func (s *recordingSessions) Dedup(session, sequence uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.dedupe[session]; ok {
		if r, ok := m[sequence]; ok {
			return r, true
		}
	}
	return nil, false
}
func (s *recordingSessions) Record(session, sequence uint64, result []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupe[session] == nil {
		s.dedupe[session] = make(map[uint64][]byte)
	}
	s.dedupe[session][sequence] = result
}

// newSingleNodeHarness builds a one-member ACTIVE cluster so the candidate's
// quorum<=1 fast path wins every election immediately, letting tests drive
// a live Leader without a multi-process network.
type harness struct {
	rc *RaftContext
	sm *echoSM
}

func newSingleNodeHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	log, err := raftlog.Open(raftlog.DefaultOptions(dir + "/log"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	metaStore, err := meta.Open(dir + "/meta")
	require.NoError(t, err)

	var rc *RaftContext
	cl := cluster.New("n1", metaStore, transitionProxy{&rc})
	cl.Configure(cluster.Configuration{
		Index: 1,
		Term:  1,
		Members: []cluster.Member{
			{ID: "n1", Type: cluster.MemberActive},
		},
	})

	sm := &echoSM{}
	timers := Timers{ElectionTimeout: 15 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond}
	rc = New("n1", log, metaStore, cl, noopTransport{}, sm, newRecordingSessions(), timers)
	rc.Start()
	t.Cleanup(rc.Stop)

	return &harness{rc: rc, sm: sm}
}

func waitForRole(t *testing.T, c *RaftContext, tag RoleTag) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.RoleTag() == tag {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for role %s, last seen %s", tag, c.RoleTag())
}

func TestNewPicksRoleFromLocalMemberType(t *testing.T) {
	dir := t.TempDir()
	log, err := raftlog.Open(raftlog.DefaultOptions(dir + "/log"))
	require.NoError(t, err)
	defer log.Close()
	metaStore, err := meta.Open(dir + "/meta")
	require.NoError(t, err)

	var rc *RaftContext
	cl := cluster.New("n1", metaStore, transitionProxy{&rc})
	rc = New("n1", log, metaStore, cl, noopTransport{}, &echoSM{}, newRecordingSessions(), DefaultTimers())
	assert.Equal(t, RoleInactive, rc.RoleTag())
}

func TestSingleNodeClusterElectsItselfLeader(t *testing.T) {
	h := newSingleNodeHarness(t)
	waitForRole(t, h.rc, RoleLeader)
	assert.Equal(t, "n1", h.rc.Leader())
}

func TestHandleCommandAppliesAndReturnsResult(t *testing.T) {
	h := newSingleNodeHarness(t)
	waitForRole(t, h.rc, RoleLeader)

	ch := h.rc.HandleCommand(&CommandRequest{Session: 1, Sequence: 1, Operation: []byte("payload")})
	select {
	case resp := <-ch:
		require.Equal(t, StatusOK, resp.Status)
		assert.Equal(t, []byte("payload"), resp.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command result")
	}
}

func TestHandleCommandDedupesReplays(t *testing.T) {
	h := newSingleNodeHarness(t)
	waitForRole(t, h.rc, RoleLeader)

	first := <-h.rc.HandleCommand(&CommandRequest{Session: 5, Sequence: 1, Operation: []byte("a")})
	require.Equal(t, StatusOK, first.Status)

	replay := <-h.rc.HandleCommand(&CommandRequest{Session: 5, Sequence: 1, Operation: []byte("a")})
	require.Equal(t, StatusOK, replay.Status)
	assert.Equal(t, first.Result, replay.Result)
	assert.Zero(t, replay.Index, "a deduped replay must not append a new entry")
}

func TestHandleOpenSessionAssignsIDOnceAndAppliesSameID(t *testing.T) {
	h := newSingleNodeHarness(t)
	waitForRole(t, h.rc, RoleLeader)

	sessions := h.rc.Sessions.(*recordingSessions)

	resp := <-h.rc.HandleOpenSession(&OpenSessionRequest{ClientID: "client-a", SessionTimeoutMs: 1000})
	require.Equal(t, StatusOK, resp.Status)
	require.NotZero(t, resp.Session)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sessions.opened) == 0 {
		time.Sleep(time.Millisecond)
	}
	require.Len(t, sessions.opened, 1, "apply loop must install exactly one session for one OpenSessionEntry")
	assert.Equal(t, resp.Session, sessions.opened[0], "the id applied on every node must match the id the leader returned to the client")
}

func TestHandleCloseSessionDoesNotMutateBeforeApply(t *testing.T) {
	h := newSingleNodeHarness(t)
	waitForRole(t, h.rc, RoleLeader)
	sessions := h.rc.Sessions.(*recordingSessions)

	resp := <-h.rc.HandleCloseSession(&CloseSessionRequest{Session: 42})
	require.Equal(t, StatusOK, resp.Status)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sessions.closed) == 0 {
		time.Sleep(time.Millisecond)
	}
	require.Len(t, sessions.closed, 1)
	assert.Equal(t, uint64(42), sessions.closed[0])
}

func TestHandleJoinAddsMember(t *testing.T) {
	h := newSingleNodeHarness(t)
	waitForRole(t, h.rc, RoleLeader)

	// n2 joins PASSIVE: a non-responsive fake peer must not enter the
	// ACTIVE quorum, or the test would hang waiting for an ack that will
	// never come (noopTransport always fails).
	resp := <-h.rc.HandleJoin(&JoinRequest{Member: cluster.Member{ID: "n2", Type: cluster.MemberPassive}})
	require.Equal(t, StatusOK, resp.Status)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.rc.Cluster.Current().Member("n2"); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for n2 to appear in the committed configuration")
}

func TestHandleJoinRejectsDuplicateMember(t *testing.T) {
	h := newSingleNodeHarness(t)
	waitForRole(t, h.rc, RoleLeader)

	resp := <-h.rc.HandleJoin(&JoinRequest{Member: cluster.Member{ID: "n1", Type: cluster.MemberActive}})
	require.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ErrConfigurationError, resp.Err.Kind)
}

func TestHandleLeaveRemovesMember(t *testing.T) {
	h := newSingleNodeHarness(t)
	waitForRole(t, h.rc, RoleLeader)

	join := <-h.rc.HandleJoin(&JoinRequest{Member: cluster.Member{ID: "n2", Type: cluster.MemberPassive}})
	require.Equal(t, StatusOK, join.Status)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.rc.Cluster.Current().Member("n2"); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}

	leave := <-h.rc.HandleLeave(&LeaveRequest{Member: cluster.Member{ID: "n2"}})
	require.Equal(t, StatusOK, leave.Status)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.rc.Cluster.Current().Member("n2"); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for n2 to leave the committed configuration")
}

func TestHandleLeaveUnknownMemberFails(t *testing.T) {
	h := newSingleNodeHarness(t)
	waitForRole(t, h.rc, RoleLeader)

	resp := <-h.rc.HandleLeave(&LeaveRequest{Member: cluster.Member{ID: "ghost"}})
	require.Equal(t, StatusError, resp.Status)
}

func TestHandleReconfigureInstallsExactMemberSet(t *testing.T) {
	h := newSingleNodeHarness(t)
	waitForRole(t, h.rc, RoleLeader)

	members := []cluster.Member{
		{ID: "n1", Type: cluster.MemberActive},
		{ID: "n2", Type: cluster.MemberPassive},
	}
	resp := <-h.rc.HandleReconfigure(&ReconfigureRequest{Members: members})
	require.Equal(t, StatusOK, resp.Status)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cfg := h.rc.Cluster.Current()
		if len(cfg.Members) == 2 {
			m, ok := cfg.Member("n2")
			if ok && m.Type == cluster.MemberPassive {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for reconfiguration to commit")
}

func TestUpdateTermAndLeaderOnHigherTermResetsVoteAndDemotes(t *testing.T) {
	dir := t.TempDir()
	log, err := raftlog.Open(raftlog.DefaultOptions(dir + "/log"))
	require.NoError(t, err)
	defer log.Close()
	metaStore, err := meta.Open(dir + "/meta")
	require.NoError(t, err)

	var rc *RaftContext
	cl := cluster.New("n1", metaStore, transitionProxy{&rc})
	cl.Configure(cluster.Configuration{Index: 1, Term: 1, Members: []cluster.Member{{ID: "n1", Type: cluster.MemberActive}}})
	timers := Timers{ElectionTimeout: 15 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond}
	rc = New("n1", log, metaStore, cl, noopTransport{}, &echoSM{}, newRecordingSessions(), timers)
	rc.Start()
	defer rc.Stop()
	waitForRole(t, rc, RoleLeader)

	done := make(chan struct{})
	rc.Submit(func() {
		rc.UpdateTermAndLeader(rc.CurrentTerm()+10, "")
		close(done)
	})
	<-done

	assert.Equal(t, RoleFollower, rc.RoleTag())
	assert.Equal(t, "", rc.VotedFor())
}

func TestUpToDateComparesTermThenIndex(t *testing.T) {
	h := newSingleNodeHarness(t)

	done := make(chan struct{})
	var higherTerm, sameTermHigherIndex, sameTermLowerIndex bool
	h.rc.Submit(func() {
		localIndex := h.rc.LastLogIndex()
		localTerm := h.rc.LastLogTerm()
		higherTerm = h.rc.UpToDate(localIndex, localTerm+1)
		sameTermHigherIndex = h.rc.UpToDate(localIndex+1, localTerm)
		sameTermLowerIndex = h.rc.UpToDate(0, localTerm)
		close(done)
	})
	<-done

	assert.True(t, higherTerm)
	assert.True(t, sameTermHigherIndex)
	if h.rc.LastLogIndex() > 0 {
		assert.False(t, sameTermLowerIndex)
	}
}

func TestIllegalStateOnRoleThatDoesNotHandleRPC(t *testing.T) {
	dir := t.TempDir()
	log, err := raftlog.Open(raftlog.DefaultOptions(dir + "/log"))
	require.NoError(t, err)
	defer log.Close()
	metaStore, err := meta.Open(dir + "/meta")
	require.NoError(t, err)

	var rc *RaftContext
	cl := cluster.New("n1", metaStore, transitionProxy{&rc})
	rc = New("n1", log, metaStore, cl, noopTransport{}, &echoSM{}, newRecordingSessions(), DefaultTimers())
	rc.Start()
	defer rc.Stop()

	// Local member is absent from any configuration, so the role is
	// Inactive and every client-facing RPC must reject with
	// ErrIllegalMemberState.
	resp := <-rc.HandleCommand(&CommandRequest{Session: 1, Sequence: 1, Operation: []byte("x")})
	require.Equal(t, StatusError, resp.Status)
	assert.Equal(t, ErrIllegalMemberState, resp.Err.Kind)
}
