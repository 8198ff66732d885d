package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// RelayServiceName is the gRPC service (and health check) name.
const RelayServiceName = "chat.relay.RelayService"

const (
	relayMethod     = "/" + RelayServiceName + "/Relay"
	relayBulkMethod = "/" + RelayServiceName + "/RelayBulk"
)

type RelayRequest struct {
	SenderID    int64  `json:"senderId"`
	ChatID      int64  `json:"chatId"`
	MessageID   int64  `json:"messageId,omitempty"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	RecipientID int64  `json:"recipientId"`
}

type RelayBulkRequest struct {
	SenderID     int64   `json:"senderId"`
	ChatID       int64   `json:"chatId"`
	MessageID    int64   `json:"messageId,omitempty"`
	Content      string  `json:"content"`
	Type         string  `json:"type"`
	Timestamp    int64   `json:"timestamp"`
	RecipientIDs []int64 `json:"recipientIds"`
}

// RelayReply: Success means the call completed on the peer; Delivered counts
// recipients that were written to a local socket there. Undelivered lists the
// recipients the peer had no open session for.
type RelayReply struct {
	Success     bool    `json:"success"`
	Message     string  `json:"message"`
	Delivered   int     `json:"delivered"`
	Undelivered []int64 `json:"undelivered,omitempty"`
}

// RelayServer delivers relayed messages to the peer's own sessions only.
type RelayServer interface {
	Relay(ctx context.Context, req *RelayRequest) (*RelayReply, error)
	RelayBulk(ctx context.Context, req *RelayBulkRequest) (*RelayReply, error)
}

func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&relayServiceDesc, srv)
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: RelayServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Relay", Handler: relayHandler},
		{MethodName: "RelayBulk", Handler: relayBulkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "relay.json",
}

func relayHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RelayRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Relay(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: relayMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).Relay(ctx, req.(*RelayRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func relayBulkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RelayBulkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).RelayBulk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: relayBulkMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).RelayBulk(ctx, req.(*RelayBulkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RelayClient calls a single peer.
type RelayClient struct {
	cc grpc.ClientConnInterface
}

func NewRelayClient(cc grpc.ClientConnInterface) *RelayClient {
	return &RelayClient{cc: cc}
}

func (c *RelayClient) Relay(ctx context.Context, in *RelayRequest, opts ...grpc.CallOption) (*RelayReply, error) {
	out := new(RelayReply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, relayMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RelayClient) RelayBulk(ctx context.Context, in *RelayBulkRequest, opts ...grpc.CallOption) (*RelayReply, error) {
	out := new(RelayReply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, relayBulkMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
