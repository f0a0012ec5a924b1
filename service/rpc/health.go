// Package rpc gRPC 健康检查端口，供负载均衡/编排探活。
package rpc

import (
	"context"
	"net"
	"time"

	"ChatCore/logger"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName 网关在健康检查里的服务名
const ServiceName = "chatcore.Gateway"

type HealthServer struct {
	srv *grpc.Server
	hs  *health.Server
}

func NewHealthServer() *HealthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{srv: srv, hs: hs}
}

// SetServing 存储就绪后置为 SERVING，关停前置回 NOT_SERVING
func (h *HealthServer) SetServing(ok bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ok {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus(ServiceName, st)
	h.hs.SetServingStatus("", st)
}

// Serve 阻塞直到 ctx 结束或监听失败
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		h.SetServing(false)
		h.srv.GracefulStop()
	}()
	logger.Info("[RPC] health listening", zap.String("addr", lis.Addr().String()))
	if err := h.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "grpc serve")
	}
	return nil
}

// Check 探测 target 上网关的健康状态
func Check(ctx context.Context, target string, timeout time.Duration) (bool, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, errors.Wrap(err, "dial")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, errors.Wrap(err, "health check")
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING, nil
}
