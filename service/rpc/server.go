package rpc

import (
	"context"
	"net"
	"time"

	"FlareIM/logger"
	"FlareIM/tools/errs"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Server 进程内唯一的 gRPC 服务端，各节点按角色往上挂 service
type Server struct {
	srv    *grpc.Server
	health *health.Server
	log    *zap.Logger
}

func NewServer(log *zap.Logger) *Server {
	log = logger.OrDefault(log, "rpc")
	s := &Server{health: health.NewServer(), log: log}
	s.srv = grpc.NewServer(
		grpc.ChainUnaryInterceptor(recoverInterceptor(log), errorInterceptor(log)),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 10 * time.Second, PermitWithoutStream: true}),
	)
	grpc_health_v1.RegisterHealthServer(s.srv, s.health)
	return s
}

// Register 挂载 service 并标记为 SERVING
func (s *Server) Register(desc *grpc.ServiceDesc, impl any) {
	s.srv.RegisterService(desc, impl)
	s.health.SetServingStatus(desc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
}

// Serve 阻塞直到 ctx 结束；结束时先摘健康状态再优雅退出
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.ErrUnavailable.WrapMsg("rpc listen", "addr", addr, "err", err)
	}
	return s.ServeListener(ctx, lis)
}

func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	done := make(chan error, 1)
	go func() { done <- s.srv.Serve(lis) }()
	s.log.Info("rpc server started", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		s.srv.Stop()
	}
	return nil
}

// errorInterceptor CodeError -> grpc status，服务端 5xx 类错误打日志
func errorInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			if code := errs.CodeOf(err); code == errs.CodeInternal || code == errs.CodeUnavailable {
				log.Warn("rpc failed", zap.String("method", info.FullMethod), zap.Error(err))
			}
			return nil, errs.ToStatus(err)
		}
		return resp, nil
	}
}

func recoverInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errs.ToStatus(errs.ErrPanic(r))
				log.Error("rpc panic", zap.String("method", info.FullMethod), zap.Any("panic", r))
			}
		}()
		return handler(ctx, req)
	}
}
