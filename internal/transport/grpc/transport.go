// Package grpc provides the real socket transport for spec.md §1's
// network-transport boundary, over google.golang.org/grpc with a
// gob-based codec (see codec.go) standing in for the protoc-generated
// message set the teacher's own pkg/grpc/proto package referenced but
// never actually generated.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/raftcore/raftd/internal/raft"
	"github.com/raftcore/raftd/internal/rlog"
)

// Transport implements raft.Transport over gRPC, grounded on the
// teacher's pkg/grpc.GRPCTransport and pkg/rpc.Server.
type Transport struct {
	mu          sync.RWMutex
	localAddr   string
	server      *grpc.Server
	listener    net.Listener
	peerAddrs   map[string]string
	connections map[string]*grpc.ClientConn
	timeout     time.Duration
}

// New creates a Transport that will listen on addr once Start is called,
// dialing peers lazily by address from peerAddrs.
func New(addr string, peerAddrs map[string]string) *Transport {
	return &Transport{
		localAddr:   addr,
		peerAddrs:   peerAddrs,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     5 * time.Second,
	}
}

// Start opens the listener and registers handler as the RPC target.
func (t *Transport) Start(handler Server) error {
	listener, err := net.Listen("tcp", t.localAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.localAddr, err)
	}
	t.listener = listener

	t.server = grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	t.server.RegisterService(&serviceDesc, handler)

	go func() {
		if err := t.server.Serve(listener); err != nil {
			rlog.WithComponent("grpc-transport").Error().Err(err).Msg("serve exited")
		}
	}()
	return nil
}

// Addr returns the listener's bound address, useful when Start was given
// port 0 and the caller needs to know which port the OS actually chose.
func (t *Transport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.connections {
		conn.Close()
	}
	if t.server != nil {
		t.server.GracefulStop()
	}
	if t.listener != nil {
		t.listener.Close()
	}
}

func (t *Transport) getConn(target string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.connections[target]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.connections[target]; ok {
		return conn, nil
	}

	addr, ok := t.peerAddrs[target]
	if !ok {
		return nil, fmt.Errorf("transport: unknown peer %q", target)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	t.connections[target] = conn
	return conn, nil
}

func (t *Transport) Append(ctx context.Context, target string, req *raft.AppendRequest) (*raft.AppendResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.AppendResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Append", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) Vote(ctx context.Context, target string, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.VoteResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Vote", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) Poll(ctx context.Context, target string, req *raft.PollRequest) (*raft.PollResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.PollResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Poll", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) Install(ctx context.Context, target string, req *raft.InstallRequest) (*raft.InstallResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.InstallResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Install", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Client-facing RPCs. These are not part of raft.Transport (inter-replica
// traffic only); internal/kvclient dials a Transport and calls these
// directly to reach whichever node it is pointed at.

func (t *Transport) Configure(ctx context.Context, target string, req *raft.ConfigureRequest) (*raft.ConfigureResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.ConfigureResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Configure", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) Join(ctx context.Context, target string, req *raft.JoinRequest) (*raft.MembershipResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.MembershipResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Join", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) Leave(ctx context.Context, target string, req *raft.LeaveRequest) (*raft.MembershipResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.MembershipResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Leave", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) Reconfigure(ctx context.Context, target string, req *raft.ReconfigureRequest) (*raft.MembershipResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.MembershipResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Reconfigure", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) Command(ctx context.Context, target string, req *raft.CommandRequest) (*raft.CommandResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.CommandResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Command", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) Query(ctx context.Context, target string, req *raft.QueryRequest) (*raft.QueryResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.QueryResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Query", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) KeepAlive(ctx context.Context, target string, req *raft.KeepAliveRequest) (*raft.KeepAliveResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.KeepAliveResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/KeepAlive", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) OpenSession(ctx context.Context, target string, req *raft.OpenSessionRequest) (*raft.OpenSessionResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.OpenSessionResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/OpenSession", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) CloseSession(ctx context.Context, target string, req *raft.CloseSessionRequest) (*raft.CloseSessionResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.CloseSessionResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/CloseSession", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) Metadata(ctx context.Context, target string, req *raft.MetadataRequest) (*raft.MetadataResponse, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	out := new(raft.MetadataResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Metadata", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ raft.Transport = (*Transport)(nil)
