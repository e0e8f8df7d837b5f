package grpc

import (
	"context"
	"net"

	pkghealth "kawan-hiking/backend/pkg/health"
	"kawan-hiking/backend/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ChatService is the name reported next to the overall ("") status
const ChatService = "kawan-hiking.chat"

// Server exposes the standard gRPC health protocol for orchestrators that
// probe over gRPC instead of HTTP
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	log        *logger.Logger
}

// NewServer builds the server and mirrors checker results into it
func NewServer(checker *pkghealth.Checker, log *logger.Logger) *Server {
	if log == nil {
		log = logger.GetGlobal()
	}

	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		log:        log,
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.setServing(false)
	if checker != nil {
		checker.OnChange(s.setServing)
	}
	return s
}

func (s *Server) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ChatService, status)
}

// Serve blocks until ctx is done, then stops gracefully
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gRPC health server listening", "addr", lis.Addr().String())
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		return nil
	}
}
