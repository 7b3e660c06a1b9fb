package simulate

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/raftcore/raftd/internal/raft"
	"github.com/raftcore/raftd/internal/transport"
)

// ErrDropped is returned for a message the Network chose to drop,
// standing in for a timed-out RPC the way a real lossy link would.
var ErrDropped = errors.New("simulate: message dropped")

// Network wraps a transport.Local with randomized delay and message loss,
// grounded on the teacher's pkg/simulation.Network (dropRate/minDelay/
// maxDelay) layered on top of the transport boundary instead of owning
// the node registry itself.
type Network struct {
	local    *transport.Local
	dropRate float64
	minDelay time.Duration
	maxDelay time.Duration
	rnd      *rand.Rand
}

func NewNetwork(local *transport.Local, dropRate float64, minDelay, maxDelay time.Duration) *Network {
	return &Network{
		local:    local,
		dropRate: dropRate,
		minDelay: minDelay,
		maxDelay: maxDelay,
		rnd:      rand.New(rand.NewSource(1)),
	}
}

func (n *Network) jitter(ctx context.Context) error {
	if n.dropRate > 0 && n.rnd.Float64() < n.dropRate {
		return ErrDropped
	}
	if n.maxDelay > n.minDelay {
		d := n.minDelay + time.Duration(n.rnd.Int63n(int64(n.maxDelay-n.minDelay)))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (n *Network) Append(ctx context.Context, target string, req *raft.AppendRequest) (*raft.AppendResponse, error) {
	if err := n.jitter(ctx); err != nil {
		return nil, err
	}
	return n.local.Append(ctx, target, req)
}

func (n *Network) Vote(ctx context.Context, target string, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	if err := n.jitter(ctx); err != nil {
		return nil, err
	}
	return n.local.Vote(ctx, target, req)
}

func (n *Network) Poll(ctx context.Context, target string, req *raft.PollRequest) (*raft.PollResponse, error) {
	if err := n.jitter(ctx); err != nil {
		return nil, err
	}
	return n.local.Poll(ctx, target, req)
}

func (n *Network) Install(ctx context.Context, target string, req *raft.InstallRequest) (*raft.InstallResponse, error) {
	if err := n.jitter(ctx); err != nil {
		return nil, err
	}
	return n.local.Install(ctx, target, req)
}

var _ raft.Transport = (*Network)(nil)
