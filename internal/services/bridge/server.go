// Package bridgeservice serves the bridge commands over gRPC.
package bridgeservice

import (
	"context"
	"log"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/niczy/p4bridge/internal/bridge"
	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/push"
	"github.com/niczy/p4bridge/internal/syncer"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "p4bridge.v1.Bridge"

// BridgeServer is the server API of the Bridge service.
type BridgeServer interface {
	Pending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Identify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Incoming(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Outgoing(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pull(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Push(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Revert(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(BridgeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BridgeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BridgeServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the Bridge service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Pending", Handler: unaryHandler("Pending", BridgeServer.Pending)},
		{MethodName: "Identify", Handler: unaryHandler("Identify", BridgeServer.Identify)},
		{MethodName: "Incoming", Handler: unaryHandler("Incoming", BridgeServer.Incoming)},
		{MethodName: "Outgoing", Handler: unaryHandler("Outgoing", BridgeServer.Outgoing)},
		{MethodName: "ListRuns", Handler: unaryHandler("ListRuns", BridgeServer.ListRuns)},
		{MethodName: "Pull", Handler: unaryHandler("Pull", BridgeServer.Pull)},
		{MethodName: "Push", Handler: unaryHandler("Push", BridgeServer.Push)},
		{MethodName: "Submit", Handler: unaryHandler("Submit", BridgeServer.Submit)},
		{MethodName: "Revert", Handler: unaryHandler("Revert", BridgeServer.Revert)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "p4bridge/v1/bridge.proto",
}

// RegisterBridgeServer registers srv on s.
func RegisterBridgeServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type bridgeServiceServer struct {
	// mu serializes commands; the bridge assumes one mutator per client.
	mu     sync.Mutex
	bridge *bridge.Bridge
}

func newBridgeServiceServer(b *bridge.Bridge) *bridgeServiceServer {
	return &bridgeServiceServer{bridge: b}
}

// NewGRPCServer constructs a gRPC server for the bridge service.
func NewGRPCServer(b *bridge.Bridge, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	RegisterBridgeServer(srv, newBridgeServiceServer(b))
	return srv
}

// NewService constructs the service implementation for use without gRPC.
func NewService(b *bridge.Bridge) BridgeServer {
	return newBridgeServiceServer(b)
}

// toStatus maps bridge failures onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch errs.KindOf(err) {
	case errs.NoChangelistFound:
		code = codes.NotFound
	case errs.AlreadyExported, errs.WorkspaceInconsistency:
		code = codes.FailedPrecondition
	case errs.InvalidArgument, errs.ClientNotFound, errs.ClientInvalid:
		code = codes.InvalidArgument
	}
	return status.Error(code, err.Error())
}

func decode(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func (s *bridgeServiceServer) Pending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PendingRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	log.Printf("Pending called: summary=%v", req.Summary)

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.bridge.Pending(ctx, req.Summary)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := PendingResponse{Changes: []PendingChange{}}
	for _, e := range entries {
		resp.Changes = append(resp.Changes, PendingChange{
			Change:      e.Change,
			Submitted:   e.Submitted,
			Nodes:       nodeStrings(e.Nodes),
			Description: e.Description,
			Client:      e.Client,
			Files:       e.Files,
		})
	}
	return encode(resp)
}

func (s *bridgeServiceServer) Identify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IdentifyRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	log.Printf("Identify called: rev=%s, base=%v, changelist=%d", req.Rev, req.Base, req.Changelist)

	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.bridge.Identify(ctx, bridge.IdentifyOptions{Rev: models.NodeID(req.Rev), Base: req.Base, Changelist: req.Changelist})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(IdentifyResponse{Change: id.Change, Node: string(id.Node)})
}

func (s *bridgeServiceServer) Incoming(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IncomingRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	log.Printf("Incoming called: rev=%d, startrev=%d", req.Rev, req.StartRev)

	s.mu.Lock()
	defer s.mu.Unlock()
	changes, err := s.bridge.Incoming(ctx, syncer.PullOptions{Rev: req.Rev, StartRev: req.StartRev})
	if err != nil {
		return nil, toStatus(err)
	}
	resp := IncomingResponse{Changes: []IncomingChange{}}
	for _, c := range changes {
		resp.Changes = append(resp.Changes, IncomingChange{Change: c.Change, User: c.User, Time: c.Time, Summary: c.Summary, Labels: c.Labels})
	}
	return encode(resp)
}

func (s *bridgeServiceServer) Outgoing(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req OutgoingRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	log.Printf("Outgoing called: from=%s, rev=%s, force=%v", req.From, req.Rev, req.Force)

	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.bridge.Outgoing(ctx, push.PushOptions{From: models.NodeID(req.From), Rev: models.NodeID(req.Rev), Force: req.Force}, req.Patch)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := OutgoingResponse{Description: out.Description, Nodes: nodeStrings(out.Nodes), Files: []OutgoingFile{}, Patch: out.Patch}
	for _, f := range out.Files {
		resp.Files = append(resp.Files, OutgoingFile{Action: string(f.Action), Path: f.Path})
	}
	return encode(resp)
}

func (s *bridgeServiceServer) ListRuns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListRunsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	log.Printf("ListRuns called: limit=%d", req.Limit)

	runs, err := s.bridge.Runs(ctx, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	if runs == nil {
		runs = []*models.SyncRun{}
	}
	return encode(ListRunsResponse{Runs: runs})
}

func (s *bridgeServiceServer) Pull(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PullRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	log.Printf("Pull called: rev=%d, startrev=%d", req.Rev, req.StartRev)

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.bridge.Pull(ctx, syncer.PullOptions{Rev: req.Rev, StartRev: req.StartRev})
	if err != nil {
		return nil, toStatus(err)
	}
	resp := PullResponse{Imported: []ImportedChange{}, Head: string(res.Head)}
	for _, im := range res.Imported {
		resp.Imported = append(resp.Imported, ImportedChange{Change: im.Change, Node: string(im.Node)})
	}
	if len(res.Tags) > 0 {
		resp.Tags = make(map[string]string, len(res.Tags))
		for name, n := range res.Tags {
			resp.Tags[name] = string(n)
		}
	}
	return encode(resp)
}

func (s *bridgeServiceServer) Push(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PushRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	log.Printf("Push called: from=%s, rev=%s, force=%v, submit=%v", req.From, req.Rev, req.Force, req.Submit)

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.bridge.Push(ctx, push.PushOptions{
		From:   models.NodeID(req.From),
		Rev:    models.NodeID(req.Rev),
		Force:  req.Force,
		Submit: req.Submit,
		Jobs:   req.Jobs,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(PushResponse{Change: res.Change, Submitted: res.Submitted, Nodes: nodeStrings(res.Nodes)})
}

func (s *bridgeServiceServer) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ChangesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	log.Printf("Submit called: changes=%v, all=%v", req.Changes, req.All)

	s.mu.Lock()
	defer s.mu.Unlock()
	done, err := s.bridge.Submit(ctx, req.Changes, req.All)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := SubmitResponse{Submitted: []SubmittedChange{}}
	for _, d := range done {
		resp.Submitted = append(resp.Submitted, SubmittedChange{Change: d.Change, Submitted: d.Submitted})
	}
	return encode(resp)
}

func (s *bridgeServiceServer) Revert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ChangesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	log.Printf("Revert called: changes=%v, all=%v", req.Changes, req.All)

	s.mu.Lock()
	defer s.mu.Unlock()
	reverted, err := s.bridge.Revert(ctx, req.Changes, req.All)
	if err != nil {
		return nil, toStatus(err)
	}
	if reverted == nil {
		reverted = []int{}
	}
	return encode(RevertResponse{Reverted: reverted})
}
