package grpcserver

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name clients query for the sales API.
const ServiceName = "sales.v1.Sales"

// Check reports whether a dependency the process needs is reachable.
type Check func(ctx context.Context) error

type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	check    Check
	interval time.Duration
}

// New builds a gRPC server exposing only the standard health service. check
// may be nil, in which case the server reports SERVING until shutdown.
func New(check Check, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &Server{
		grpc:     grpc.NewServer(grpc.UnaryInterceptor(logUnary)),
		health:   health.NewServer(),
		check:    check,
		interval: interval,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setServing(true)
	return s
}

// Serve blocks until ctx is cancelled or lis fails. Cancellation marks every
// service NOT_SERVING before draining in-flight calls.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()
	log.WithField("addr", lis.Addr().String()).Info("[grpc] health service listening")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.refresh(ctx)

	for {
		select {
		case err := <-errCh:
			if err != nil {
				return errors.Wrap(err, "grpc serve")
			}
			return nil
		case <-ticker.C:
			s.refresh(ctx)
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			return nil
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	if s.check == nil {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, s.interval/2)
	defer cancel()
	if err := s.check(checkCtx); err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Warn("[grpc] dependency check failed")
		}
		s.setServing(false)
		return
	}
	s.setServing(true)
}

func (s *Server) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	entry := log.WithFields(log.Fields{"method": info.FullMethod, "elapsed": time.Since(start).String()})
	if err != nil {
		entry.WithError(err).Debug("[grpc] call failed")
	} else {
		entry.Debug("[grpc] call")
	}
	return resp, err
}
