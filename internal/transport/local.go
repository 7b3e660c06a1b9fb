// Package transport provides the network-transport boundary named out of
// scope in spec.md §1, plus an in-memory implementation for tests and the
// simulator. internal/transport/grpc provides the real socket transport.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/raftcore/raftd/internal/raft"
)

// ErrNodeNotFound mirrors the teacher's sentinel of the same purpose.
var ErrNodeNotFound = errors.New("transport: target node not registered")

// target is the subset of *raft.RaftContext the local transport calls
// into; defined narrowly so tests can register fakes.
type target interface {
	HandleAppend(req *raft.AppendRequest) <-chan *raft.AppendResponse
	HandleVote(req *raft.VoteRequest) <-chan *raft.VoteResponse
	HandlePoll(req *raft.PollRequest) <-chan *raft.PollResponse
	HandleInstall(req *raft.InstallRequest) <-chan *raft.InstallResponse
}

// Local is an in-memory, partition-capable Transport used by tests and
// internal/simulate, grounded on the teacher's pkg/rpc.LocalTransport.
type Local struct {
	mu       sync.RWMutex
	nodes    map[string]target
	disabled map[string]map[string]bool
	latency  time.Duration
}

func NewLocal() *Local {
	return &Local{
		nodes:    make(map[string]target),
		disabled: make(map[string]map[string]bool),
	}
}

// Register makes id reachable as an RPC target.
func (t *Local) Register(id string, node target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
	if t.disabled[id] == nil {
		t.disabled[id] = make(map[string]bool)
	}
}

func (t *Local) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect cuts the one-directional link from -> to.
func (t *Local) Disconnect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[string]bool)
	}
	t.disabled[from][to] = true
}

func (t *Local) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates nodeID from every other registered node in both
// directions, modeling a full network split (spec.md §8's partition
// property tests).
func (t *Local) Partition(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.nodes {
		if id == nodeID {
			continue
		}
		if t.disabled[nodeID] == nil {
			t.disabled[nodeID] = make(map[string]bool)
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[string]bool)
		}
		t.disabled[nodeID][id] = true
		t.disabled[id][nodeID] = true
	}
}

func (t *Local) Heal(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[nodeID] = make(map[string]bool)
	for id := range t.nodes {
		if t.disabled[id] != nil {
			delete(t.disabled[id], nodeID)
		}
	}
}

func (t *Local) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
}

func (t *Local) isConnected(from, to string) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

func (t *Local) Append(ctx context.Context, target string, req *raft.AppendRequest) (*raft.AppendResponse, error) {
	node, latency, err := t.lookup(req.Leader, target)
	if err != nil {
		return nil, err
	}
	if err := sleepOrCancel(ctx, latency); err != nil {
		return nil, err
	}
	return <-node.HandleAppend(req), nil
}

func (t *Local) Vote(ctx context.Context, target string, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	node, latency, err := t.lookup(req.Candidate, target)
	if err != nil {
		return nil, err
	}
	if err := sleepOrCancel(ctx, latency); err != nil {
		return nil, err
	}
	return <-node.HandleVote(req), nil
}

func (t *Local) Poll(ctx context.Context, target string, req *raft.PollRequest) (*raft.PollResponse, error) {
	node, latency, err := t.lookup(req.Candidate, target)
	if err != nil {
		return nil, err
	}
	if err := sleepOrCancel(ctx, latency); err != nil {
		return nil, err
	}
	return <-node.HandlePoll(req), nil
}

func (t *Local) Install(ctx context.Context, target string, req *raft.InstallRequest) (*raft.InstallResponse, error) {
	node, latency, err := t.lookup(req.Leader, target)
	if err != nil {
		return nil, err
	}
	if err := sleepOrCancel(ctx, latency); err != nil {
		return nil, err
	}
	return <-node.HandleInstall(req), nil
}

func (t *Local) lookup(from, to string) (target, time.Duration, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[to]
	if !ok || !t.isConnected(from, to) {
		return nil, 0, ErrNodeNotFound
	}
	return node, t.latency, nil
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ raft.Transport = (*Local)(nil)
