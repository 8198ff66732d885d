package rpc

import (
	"context"
	"sync"
	"time"

	"chatfleet/logger"
	"chatfleet/tools/errs"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Pool keeps one long-lived channel per peer address. Channels are created
// lazily and evicted on any call failure so the next call dials afresh.
type Pool struct {
	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	peers   map[string]string // serverId -> host:port
	timeout time.Duration
	opts    []grpc.DialOption
	log     *zap.Logger
}

// NewPool copies the peer directory. timeout <= 0 disables the per-call deadline.
func NewPool(peers map[string]string, timeout time.Duration, l *zap.Logger, opts ...grpc.DialOption) *Pool {
	dir := make(map[string]string, len(peers))
	for id, addr := range peers {
		dir[id] = addr
	}
	return &Pool{
		conns:   make(map[string]*grpc.ClientConn),
		peers:   dir,
		timeout: timeout,
		opts:    append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
		log:     logger.OrDefault(l).Named("relay-pool"),
	}
}

// Addr resolves a server id through the static directory.
func (p *Pool) Addr(serverID string) (string, error) {
	addr, ok := p.peers[serverID]
	if !ok || addr == "" {
		return "", errs.ErrPeerUnknown.WrapMsg("no address", "serverId", serverID)
	}
	return addr, nil
}

func (p *Pool) get(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cc, ok := p.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, p.opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "relay dial", "addr", addr)
	}
	p.conns[addr] = cc
	return cc, nil
}

// evict removes cc only if it is still the pooled channel for addr.
func (p *Pool) evict(addr string, cc *grpc.ClientConn) {
	p.mu.Lock()
	if cur, ok := p.conns[addr]; ok && cur == cc {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	_ = cc.Close()
}

// Len reports the number of pooled channels.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) call(ctx context.Context, serverID string, fn func(context.Context, *RelayClient) (*RelayReply, error)) (*RelayReply, error) {
	addr, err := p.Addr(serverID)
	if err != nil {
		return nil, err
	}
	cc, err := p.get(addr)
	if err != nil {
		return nil, err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	reply, err := fn(ctx, NewRelayClient(cc))
	if err != nil {
		p.log.Warn("relay call failed, evicting channel",
			zap.String("server_id", serverID), zap.String("addr", addr), zap.Error(err))
		p.evict(addr, cc)
		return nil, errs.WrapMsg(err, "relay", "serverId", serverID)
	}
	return reply, nil
}

func (p *Pool) Relay(ctx context.Context, serverID string, req *RelayRequest) (*RelayReply, error) {
	return p.call(ctx, serverID, func(ctx context.Context, c *RelayClient) (*RelayReply, error) {
		return c.Relay(ctx, req)
	})
}

func (p *Pool) RelayBulk(ctx context.Context, serverID string, req *RelayBulkRequest) (*RelayReply, error) {
	return p.call(ctx, serverID, func(ctx context.Context, c *RelayClient) (*RelayReply, error) {
		return c.RelayBulk(ctx, req)
	})
}

// Close tears down every pooled channel.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*grpc.ClientConn)
	p.mu.Unlock()
	for _, cc := range conns {
		_ = cc.Close()
	}
}
