package handler

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger checks the store connection (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks the anomaly response policy (e.g. *anomaly.OPAPolicy).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Server reports readiness through the standard grpc.health.v1 service. The overall status ("")
// and every named service follow the result of the last check.
type Server struct {
	health   *health.Server
	pinger   Pinger
	policy   PolicyChecker
	services []string
}

// NewServer returns a health server for services. pinger and policy may be nil; then that check is skipped.
func NewServer(pinger Pinger, policy PolicyChecker, services ...string) *Server {
	return &Server{health: health.NewServer(), pinger: pinger, policy: policy, services: services}
}

// Register registers grpc.health.v1.Health on s.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(r, s.health)
}

// Check runs the readiness checks once and publishes the result.
func (s *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if s.pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := s.pinger.PingContext(pctx)
		cancel()
		if err != nil {
			log.Printf("health: store ping failed: %v", err)
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if s.policy != nil {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := s.policy.HealthCheck(pctx)
		cancel()
		if err != nil {
			log.Printf("health: policy check failed: %v", err)
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	for _, name := range s.services {
		s.health.SetServingStatus(name, st)
	}
	return st
}

// Run checks every interval until ctx is done, then marks everything NOT_SERVING.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	s.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Shutdown marks everything NOT_SERVING so load balancers drain the instance.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}
