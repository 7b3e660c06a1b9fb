package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/raftcore/raftd/internal/raft"
)

const serviceName = "raftd.RaftService"

// Server is the server-side handler set, satisfied by *raft.RaftContext.
// It covers every RPC spec.md §6 names: the inter-replica core
// (Append/Vote/Poll/Install) plus the client-facing entry points
// (Configure/Join/Leave/Reconfigure/Command/Query/KeepAlive/
// OpenSession/CloseSession/Metadata), all funneled through the same
// completion-channel contract.
type Server interface {
	HandleAppend(req *raft.AppendRequest) <-chan *raft.AppendResponse
	HandleVote(req *raft.VoteRequest) <-chan *raft.VoteResponse
	HandlePoll(req *raft.PollRequest) <-chan *raft.PollResponse
	HandleInstall(req *raft.InstallRequest) <-chan *raft.InstallResponse
	HandleConfigure(req *raft.ConfigureRequest) <-chan *raft.ConfigureResponse
	HandleJoin(req *raft.JoinRequest) <-chan *raft.MembershipResponse
	HandleLeave(req *raft.LeaveRequest) <-chan *raft.MembershipResponse
	HandleReconfigure(req *raft.ReconfigureRequest) <-chan *raft.MembershipResponse
	HandleCommand(req *raft.CommandRequest) <-chan *raft.CommandResponse
	HandleQuery(req *raft.QueryRequest) <-chan *raft.QueryResponse
	HandleKeepAlive(req *raft.KeepAliveRequest) <-chan *raft.KeepAliveResponse
	HandleOpenSession(req *raft.OpenSessionRequest) <-chan *raft.OpenSessionResponse
	HandleCloseSession(req *raft.CloseSessionRequest) <-chan *raft.CloseSessionResponse
	HandleMetadata(req *raft.MetadataRequest) <-chan *raft.MetadataResponse
}

// unaryHandler builds a grpc.MethodDesc.Handler for one RPC. newReq
// allocates the typed request, call invokes the matching Server method
// and drains its completion channel. Every RPC in Server follows this
// same decode -> dispatch -> await shape, so one generic builder replaces
// fourteen near-identical handler functions.
func unaryHandler(method string, newReq func() interface{}, call func(srv Server, req interface{}) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(Server)
		if interceptor == nil {
			return call(s, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(s, req)
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: unaryHandler("Append",
			func() interface{} { return new(raft.AppendRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleAppend(r.(*raft.AppendRequest)), nil })},
		{MethodName: "Vote", Handler: unaryHandler("Vote",
			func() interface{} { return new(raft.VoteRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleVote(r.(*raft.VoteRequest)), nil })},
		{MethodName: "Poll", Handler: unaryHandler("Poll",
			func() interface{} { return new(raft.PollRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandlePoll(r.(*raft.PollRequest)), nil })},
		{MethodName: "Install", Handler: unaryHandler("Install",
			func() interface{} { return new(raft.InstallRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleInstall(r.(*raft.InstallRequest)), nil })},
		{MethodName: "Configure", Handler: unaryHandler("Configure",
			func() interface{} { return new(raft.ConfigureRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleConfigure(r.(*raft.ConfigureRequest)), nil })},
		{MethodName: "Join", Handler: unaryHandler("Join",
			func() interface{} { return new(raft.JoinRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleJoin(r.(*raft.JoinRequest)), nil })},
		{MethodName: "Leave", Handler: unaryHandler("Leave",
			func() interface{} { return new(raft.LeaveRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleLeave(r.(*raft.LeaveRequest)), nil })},
		{MethodName: "Reconfigure", Handler: unaryHandler("Reconfigure",
			func() interface{} { return new(raft.ReconfigureRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleReconfigure(r.(*raft.ReconfigureRequest)), nil })},
		{MethodName: "Command", Handler: unaryHandler("Command",
			func() interface{} { return new(raft.CommandRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleCommand(r.(*raft.CommandRequest)), nil })},
		{MethodName: "Query", Handler: unaryHandler("Query",
			func() interface{} { return new(raft.QueryRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleQuery(r.(*raft.QueryRequest)), nil })},
		{MethodName: "KeepAlive", Handler: unaryHandler("KeepAlive",
			func() interface{} { return new(raft.KeepAliveRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleKeepAlive(r.(*raft.KeepAliveRequest)), nil })},
		{MethodName: "OpenSession", Handler: unaryHandler("OpenSession",
			func() interface{} { return new(raft.OpenSessionRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleOpenSession(r.(*raft.OpenSessionRequest)), nil })},
		{MethodName: "CloseSession", Handler: unaryHandler("CloseSession",
			func() interface{} { return new(raft.CloseSessionRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleCloseSession(r.(*raft.CloseSessionRequest)), nil })},
		{MethodName: "Metadata", Handler: unaryHandler("Metadata",
			func() interface{} { return new(raft.MetadataRequest) },
			func(s Server, r interface{}) (interface{}, error) { return <-s.HandleMetadata(r.(*raft.MetadataRequest)), nil })},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftd.proto",
}
