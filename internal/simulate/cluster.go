package simulate

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/raftcore/raftd/internal/cluster"
	"github.com/raftcore/raftd/internal/meta"
	"github.com/raftcore/raftd/internal/raft"
	"github.com/raftcore/raftd/internal/raftlog"
	"github.com/raftcore/raftd/internal/session"
	"github.com/raftcore/raftd/internal/statemachine"
	"github.com/raftcore/raftd/internal/transport"
)

// SimNode bundles the per-replica pieces a SimCluster wires together, kept
// reachable so tests can inspect a node's log, store or state machine
// directly instead of only going through RaftContext's RPC surface.
type SimNode struct {
	ID      string
	Context *raft.RaftContext
	Log     *raftlog.Log
	Meta    *meta.Store
	Cluster *cluster.Cluster
	SM      *statemachine.KVMachine
}

// transitionProxy breaks the Cluster/RaftContext construction cycle: Cluster
// needs a TransitionRequester before RaftContext exists, RaftContext needs
// a *cluster.Cluster to be built. The proxy is handed to Cluster.New and
// patched with the real RaftContext once it's constructed.
type transitionProxy struct {
	rc **raft.RaftContext
}

func (p transitionProxy) RequestTransitionForType(t cluster.MemberType) {
	if *p.rc != nil {
		(*p.rc).RequestTransitionForType(t)
	}
}

// SimCluster runs a fixed-size set of RaftContext replicas in-process over
// a Network-wrapped Local transport, grounded on the teacher's
// pkg/testing.TestCluster. Unlike the teacher's cluster, every node also
// answers client-facing RPCs (Command/Query/OpenSession/...) directly since
// RaftContext, not a separate rpc.Server, owns that surface here.
type SimCluster struct {
	Nodes   []*SimNode
	Network *Network
	local   *transport.Local
}

// NewSimCluster builds size nodes named n0..n(size-1), each with its own
// raftlog.Log and meta.Store rooted under dir, wired into one Network.
// The starting configuration makes every node an ACTIVE voting member.
func NewSimCluster(dir string, size int, dropRate float64, minDelay, maxDelay time.Duration) (*SimCluster, error) {
	ids := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%d", i)
	}

	members := make([]cluster.Member, size)
	for i, id := range ids {
		members[i] = cluster.Member{ID: id, Type: cluster.MemberActive}
	}
	initial := cluster.Configuration{Index: 1, Term: 1, Members: members}

	local := transport.NewLocal()
	network := NewNetwork(local, dropRate, minDelay, maxDelay)

	sc := &SimCluster{Network: network, local: local}

	for _, id := range ids {
		logOpts := raftlog.DefaultOptions(filepath.Join(dir, id, "log"))
		log, err := raftlog.Open(logOpts)
		if err != nil {
			return nil, fmt.Errorf("simulate: open log for %s: %w", id, err)
		}

		ms, err := meta.Open(filepath.Join(dir, id, "meta"))
		if err != nil {
			return nil, fmt.Errorf("simulate: open meta store for %s: %w", id, err)
		}

		var rc *raft.RaftContext
		cl := cluster.New(id, ms, transitionProxy{rc: &rc})
		cl.Configure(initial)

		sm := statemachine.New()
		sessions := session.New()

		rc = raft.New(id, log, ms, cl, network, sm, sessions, raft.Timers{
			ElectionTimeout:   15 * time.Millisecond,
			HeartbeatInterval: 5 * time.Millisecond,
		})

		local.Register(id, rc)
		sc.Nodes = append(sc.Nodes, &SimNode{ID: id, Context: rc, Log: log, Meta: ms, Cluster: cl, SM: sm})
	}

	return sc, nil
}

// Start starts every node's dispatch loop.
func (sc *SimCluster) Start() {
	for _, n := range sc.Nodes {
		n.Context.Start()
	}
}

// Stop stops every node's dispatch loop.
func (sc *SimCluster) Stop() {
	for _, n := range sc.Nodes {
		n.Context.Stop()
	}
}

// Leader returns the first node that currently believes itself the Leader,
// or nil if none does.
func (sc *SimCluster) Leader() *SimNode {
	for _, n := range sc.Nodes {
		if n.Context.RoleTag() == raft.RoleLeader {
			return n
		}
	}
	return nil
}

// WaitForLeader polls until some node becomes Leader or the deadline passes.
func (sc *SimCluster) WaitForLeader(timeout time.Duration) (*SimNode, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n := sc.Leader(); n != nil {
			return n, nil
		}
		time.Sleep(time.Millisecond)
	}
	return nil, fmt.Errorf("simulate: no leader elected within %s", timeout)
}

// PartitionLeader isolates the current leader from the rest of the cluster,
// mirroring the teacher's TestCluster.PartitionLeader for failover tests.
func (sc *SimCluster) PartitionLeader() *SimNode {
	n := sc.Leader()
	if n != nil {
		sc.local.Partition(n.ID)
	}
	return n
}

// HealPartitions reconnects every previously partitioned node.
func (sc *SimCluster) HealPartitions() {
	sc.local.HealAll()
}

// SubmitCommand retries HandleCommand against the current leader until it
// succeeds or ctx is done, mirroring the teacher's SubmitCommand helper's
// retry-around-leader-churn behavior.
func (sc *SimCluster) SubmitCommand(ctx context.Context, session, sequence uint64, op []byte) (*raft.CommandResponse, error) {
	for {
		n := sc.Leader()
		if n == nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Millisecond):
				continue
			}
		}

		select {
		case resp := <-n.Context.HandleCommand(&raft.CommandRequest{Session: session, Sequence: sequence, Operation: op}):
			if resp.Status == raft.StatusError && resp.Err != nil && resp.Err.Kind == raft.ErrNoLeader {
				continue
			}
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
