package bridgeservice

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/niczy/p4bridge/internal/bridge"
)

// Client calls a remote Bridge service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// NewLocalClient returns a client that dispatches straight to an in-process
// service for b, without a network hop.
func NewLocalClient(b *bridge.Bridge) *Client {
	return &Client{conn: localConn{srv: NewService(b)}}
}

type localConn struct {
	srv BridgeServer
}

func (c localConn) Invoke(ctx context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	name := strings.TrimPrefix(method, "/"+ServiceName+"/")
	for _, m := range ServiceDesc.Methods {
		if m.MethodName != name {
			continue
		}
		dec := func(v any) error {
			proto.Merge(v.(proto.Message), args.(proto.Message))
			return nil
		}
		out, err := m.Handler(c.srv, ctx, dec, nil)
		if err != nil {
			return err
		}
		proto.Merge(reply.(proto.Message), out.(proto.Message))
		return nil
	}
	return status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func (localConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, status.Error(codes.Unimplemented, "streams are not supported")
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

func invoke[T any](ctx context.Context, c *Client, method string, req any) (*T, error) {
	resp := new(T)
	if err := c.call(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Pending(ctx context.Context, req PendingRequest) (*PendingResponse, error) {
	return invoke[PendingResponse](ctx, c, "Pending", req)
}

func (c *Client) Identify(ctx context.Context, req IdentifyRequest) (*IdentifyResponse, error) {
	return invoke[IdentifyResponse](ctx, c, "Identify", req)
}

func (c *Client) Incoming(ctx context.Context, req IncomingRequest) (*IncomingResponse, error) {
	return invoke[IncomingResponse](ctx, c, "Incoming", req)
}

func (c *Client) Outgoing(ctx context.Context, req OutgoingRequest) (*OutgoingResponse, error) {
	return invoke[OutgoingResponse](ctx, c, "Outgoing", req)
}

func (c *Client) ListRuns(ctx context.Context, req ListRunsRequest) (*ListRunsResponse, error) {
	return invoke[ListRunsResponse](ctx, c, "ListRuns", req)
}

func (c *Client) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	return invoke[PullResponse](ctx, c, "Pull", req)
}

func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	return invoke[PushResponse](ctx, c, "Push", req)
}

func (c *Client) Submit(ctx context.Context, req ChangesRequest) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c, "Submit", req)
}

func (c *Client) Revert(ctx context.Context, req ChangesRequest) (*RevertResponse, error) {
	return invoke[RevertResponse](ctx, c, "Revert", req)
}
