package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"chatfleet/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type recordingRelay struct {
	mu    sync.Mutex
	bulks []*RelayBulkRequest
	fail  error
	panic bool
}

func (r *recordingRelay) Relay(_ context.Context, req *RelayRequest) (*RelayReply, error) {
	if req.RecipientID == 0 {
		return &RelayReply{Success: false, Message: "recipient not connected"}, nil
	}
	return &RelayReply{Success: true, Message: "delivered 1/1", Delivered: 1}, nil
}

func (r *recordingRelay) RelayBulk(_ context.Context, req *RelayBulkRequest) (*RelayReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panic {
		panic("boom")
	}
	if r.fail != nil {
		return nil, r.fail
	}
	r.bulks = append(r.bulks, req)
	return &RelayReply{Success: true, Message: "ok", Delivered: len(req.RecipientIDs)}, nil
}

func startBufServer(t *testing.T, impl RelayServer) (*bufconn.Listener, *Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(impl, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis, srv
}

func bufDialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestPoolRelayBulkRoundTrip(t *testing.T) {
	impl := &recordingRelay{}
	lis, _ := startBufServer(t, impl)
	pool := NewPool(map[string]string{"instance-2": "passthrough:///bufnet"}, 3*time.Second, zap.NewNop(), bufDialer(lis))
	t.Cleanup(pool.Close)

	req := &RelayBulkRequest{SenderID: 1, ChatID: 9, MessageID: 77, Content: "hi", Type: "TALK", Timestamp: 1000, RecipientIDs: []int64{3, 4}}
	reply, err := pool.RelayBulk(context.Background(), "instance-2", req)
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, 2, reply.Delivered)

	_, err = pool.RelayBulk(context.Background(), "instance-2", req)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Len(), "channel reused")

	impl.mu.Lock()
	defer impl.mu.Unlock()
	require.Len(t, impl.bulks, 2)
	assert.Equal(t, *req, *impl.bulks[0])
}

func TestPoolSingleRelay(t *testing.T) {
	lis, _ := startBufServer(t, &recordingRelay{})
	pool := NewPool(map[string]string{"instance-2": "passthrough:///bufnet"}, time.Second, zap.NewNop(), bufDialer(lis))
	t.Cleanup(pool.Close)

	reply, err := pool.Relay(context.Background(), "instance-2", &RelayRequest{RecipientID: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, reply.Delivered)

	reply, err = pool.Relay(context.Background(), "instance-2", &RelayRequest{})
	require.NoError(t, err)
	assert.False(t, reply.Success)
}

func TestPoolEvictsOnFailure(t *testing.T) {
	impl := &recordingRelay{fail: status.Error(codes.Unavailable, "draining")}
	lis, _ := startBufServer(t, impl)
	pool := NewPool(map[string]string{"instance-2": "passthrough:///bufnet"}, time.Second, zap.NewNop(), bufDialer(lis))
	t.Cleanup(pool.Close)

	_, err := pool.RelayBulk(context.Background(), "instance-2", &RelayBulkRequest{RecipientIDs: []int64{1}})
	require.Error(t, err)
	assert.Equal(t, 0, pool.Len())

	impl.mu.Lock()
	impl.fail = nil
	impl.mu.Unlock()
	_, err = pool.RelayBulk(context.Background(), "instance-2", &RelayBulkRequest{RecipientIDs: []int64{1}})
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Len())
}

func TestPoolUnknownPeer(t *testing.T) {
	pool := NewPool(nil, time.Second, zap.NewNop())
	_, err := pool.RelayBulk(context.Background(), "instance-9", &RelayBulkRequest{})
	require.Error(t, err)
	assert.True(t, errs.ErrPeerUnknown.Is(err))
	assert.Equal(t, 0, pool.Len())
}

func TestServerRecoversPanics(t *testing.T) {
	lis, _ := startBufServer(t, &recordingRelay{panic: true})
	cc, err := grpc.NewClient("passthrough:///bufnet", bufDialer(lis), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()

	_, err = NewRelayClient(cc).RelayBulk(context.Background(), &RelayBulkRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestHealthService(t *testing.T) {
	lis, _ := startBufServer(t, &recordingRelay{})
	cc, err := grpc.NewClient("passthrough:///bufnet", bufDialer(lis), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()

	resp, err := grpc_health_v1.NewHealthClient(cc).Check(context.Background(),
		&grpc_health_v1.HealthCheckRequest{Service: RelayServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())
}
