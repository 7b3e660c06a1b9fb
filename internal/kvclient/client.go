// Package kvclient provides a client for the replicated KV store, grounded
// on the teacher's pkg/api.Client: find the current leader by probing each
// known node's Metadata RPC, then retry the write/read against whichever
// node it reports. Unlike the teacher's direct in-process *raft.Node
// handles, this client only ever sees the wire: it dials through
// internal/transport/grpc.
package kvclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raftcore/raftd/internal/raft"
	"github.com/raftcore/raftd/internal/raftlog"
	"github.com/raftcore/raftd/internal/statemachine"
	grpctransport "github.com/raftcore/raftd/internal/transport/grpc"
)

var ErrNoLeader = errors.New("kvclient: no leader found among known nodes")

// Client is a thin KV front end over the replicated log's Command/Query
// RPCs, with an open session providing (session, sequence) dedup per
// spec.md §4.6.
type Client struct {
	transport *grpctransport.Transport
	nodeIDs   []string
	timeout   time.Duration

	mu        sync.Mutex
	leader    string
	sessionID uint64
	sequence  uint64
}

// New dials no connections up front; peerAddrs maps every known node id to
// its gRPC address, the same roster a server process would be started
// with.
func New(peerAddrs map[string]string) *Client {
	ids := make([]string, 0, len(peerAddrs))
	for id := range peerAddrs {
		ids = append(ids, id)
	}
	return &Client{
		transport: grpctransport.New("", peerAddrs),
		nodeIDs:   ids,
		timeout:   5 * time.Second,
	}
}

func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Open negotiates a session with the cluster leader, required before Set/
// Delete can be deduplicated across retries.
func (c *Client) Open(ctx context.Context, clientID string, timeoutMs uint64) error {
	resp, err := withLeader(c, ctx, func(ctx context.Context, leader string) (*raft.OpenSessionResponse, error) {
		return c.transport.OpenSession(ctx, leader, &raft.OpenSessionRequest{ClientID: clientID, SessionTimeoutMs: timeoutMs})
	})
	if err != nil {
		return err
	}
	if resp.Status != raft.StatusOK {
		return resp.Err
	}
	c.mu.Lock()
	c.sessionID = resp.Session
	c.sequence = 0
	c.mu.Unlock()
	return nil
}

// Close releases the session with the leader; safe to call on an unopened
// client.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()
	if session == 0 {
		return nil
	}
	resp, err := withLeader(c, ctx, func(ctx context.Context, leader string) (*raft.CloseSessionResponse, error) {
		return c.transport.CloseSession(ctx, leader, &raft.CloseSessionRequest{Session: session})
	})
	if err != nil {
		return err
	}
	if resp.Status != raft.StatusOK {
		return resp.Err
	}
	return nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	op, err := statemachine.EncodeOp(statemachine.Op{Kind: statemachine.OpSet, Key: key, Value: value})
	if err != nil {
		return err
	}
	_, err = c.submit(ctx, op)
	return err
}

func (c *Client) Delete(ctx context.Context, key string) error {
	op, err := statemachine.EncodeOp(statemachine.Op{Kind: statemachine.OpDelete, Key: key})
	if err != nil {
		return err
	}
	_, err = c.submit(ctx, op)
	return err
}

// Get reads key at the given consistency level (raftlog.ConsistencySequential
// by default). LINEARIZABLE and LINEARIZABLE_LEASE levels are only ever
// answered correctly by the leader, so those queries always route there;
// SEQUENTIAL may be served by whichever node is currently known as leader
// too, since this client does not keep a standing connection to followers.
func (c *Client) Get(ctx context.Context, key string, consistency raftlog.Consistency) ([]byte, error) {
	op, err := statemachine.EncodeOp(statemachine.Op{Kind: statemachine.OpGet, Key: key})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	seq := c.sequence
	session := c.sessionID
	c.mu.Unlock()

	resp, err := withLeader(c, ctx, func(ctx context.Context, leader string) (*raft.QueryResponse, error) {
		return c.transport.Query(ctx, leader, &raft.QueryRequest{
			Session:     session,
			Sequence:    seq,
			Operation:   op,
			Consistency: consistency,
		})
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != raft.StatusOK {
		return nil, resp.Err
	}
	return resp.Result, nil
}

func (c *Client) submit(ctx context.Context, op []byte) ([]byte, error) {
	c.mu.Lock()
	c.sequence++
	seq := c.sequence
	session := c.sessionID
	c.mu.Unlock()

	resp, err := withLeader(c, ctx, func(ctx context.Context, leader string) (*raft.CommandResponse, error) {
		return c.transport.Command(ctx, leader, &raft.CommandRequest{Session: session, Sequence: seq, Operation: op})
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != raft.StatusOK {
		return nil, resp.Err
	}
	return resp.Result, nil
}

// findLeader probes every known node's Metadata RPC until one reports a
// leader id, mirroring the teacher's Client.findLeader loop over in-process
// node handles.
func (c *Client) findLeader(ctx context.Context) (string, error) {
	for _, id := range c.nodeIDs {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.transport.Metadata(reqCtx, id, &raft.MetadataRequest{})
		cancel()
		if err != nil || resp.Leader == "" {
			continue
		}
		return resp.Leader, nil
	}
	return "", ErrNoLeader
}

// withLeader calls fn against the cached leader, re-resolving it once when
// fn returns an error (a transport failure) and retrying exactly once before
// giving up. An error response (Status != StatusOK) is not retried; it is
// returned to the caller as is.
func withLeader[R any](c *Client, ctx context.Context, fn func(ctx context.Context, leader string) (R, error)) (R, error) {
	c.mu.Lock()
	leader := c.leader
	c.mu.Unlock()

	var zero R
	if leader == "" {
		found, err := c.findLeader(ctx)
		if err != nil {
			return zero, err
		}
		leader = found
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	resp, err := fn(reqCtx, leader)
	cancel()
	if err == nil {
		c.mu.Lock()
		c.leader = leader
		c.mu.Unlock()
		return resp, nil
	}

	found, ferr := c.findLeader(ctx)
	if ferr != nil {
		return zero, fmt.Errorf("kvclient: request to %s failed and no leader could be found: %w", leader, err)
	}
	c.mu.Lock()
	c.leader = found
	c.mu.Unlock()

	reqCtx2, cancel2 := context.WithTimeout(ctx, c.timeout)
	defer cancel2()
	return fn(reqCtx2, found)
}
