package rpc

import (
	"context"
	"net"

	"chatfleet/logger"
	"chatfleet/tools/errs"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Server hosts the relay service and the standard health service.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	log    *zap.Logger
}

func NewServer(impl RelayServer, l *zap.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{health: health.NewServer(), log: logger.OrDefault(l).Named("relay")}
	opts = append(opts, grpc.ChainUnaryInterceptor(s.recoverInterceptor))
	s.srv = grpc.NewServer(opts...)

	RegisterRelayServer(s.srv, impl)
	grpc_health_v1.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus(RelayServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return s
}

// Serve blocks until lis fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("relay server listening", zap.String("addr", lis.Addr().String()))
	return s.srv.Serve(lis)
}

// Run listens on addr and stops gracefully when ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	if err := s.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Stop marks the service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}

func (s *Server) recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("relay handler panic", zap.String("method", info.FullMethod), zap.Error(errs.ErrPanic(r)))
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}
