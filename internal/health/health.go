// Package health exposes the capture session state over the standard gRPC
// health checking protocol.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"OpenHome/Songshark-Go/internal/capture"
	"OpenHome/Songshark-Go/internal/logger"
)

// CaptureService is the health service name that tracks the capture session.
const CaptureService = "songshark.capture"

// StateReporter reports the current capture state.
type StateReporter interface {
	State() capture.State
}

// Server serves grpc.health.v1.Health. The overall status ("") is SERVING
// while the server runs; CaptureService is SERVING only while a capture is
// Running.
type Server struct {
	reporter StateReporter
	interval time.Duration
	grpc     *grpc.Server
	health   *health.Server
	log      *logger.Logger
}

// NewServer returns a server that samples reporter every interval.
func NewServer(reporter StateReporter, interval time.Duration) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Server{
		reporter: reporter,
		interval: interval,
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		log:      logger.GetLogger(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(CaptureService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve answers health checks on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()
	s.log.Info("[health] serving %s on %s", CaptureService, lis.Addr())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	last := capture.State(-1)
	for {
		if st := s.reporter.State(); st != last {
			s.health.SetServingStatus(CaptureService, servingStatus(st))
			s.log.Debug("[health] capture %s", st)
			last = st
		}
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return fmt.Errorf("health server stopped: %w", err)
		case <-ticker.C:
		}
	}
}

func servingStatus(st capture.State) healthpb.HealthCheckResponse_ServingStatus {
	if st == capture.Running {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
