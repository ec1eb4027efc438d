package api

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/VanDung-dev/scatterbrained/logging"
)

// Version is the current version of scatterbrained.
const Version = "0.1.0"

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "scatterbrained.Node"

// DefaultSyncInterval is how often the health status follows the node.
const DefaultSyncInterval = time.Second

// HealthServer serves the gRPC health protocol. The node is SERVING while it
// is listening and NOT_SERVING otherwise.
type HealthServer struct {
	node     interface{ Listening() bool }
	health   *health.Server
	interval time.Duration
	log      *zap.Logger

	mu         sync.Mutex
	grpcServer *grpc.Server
	listener   net.Listener
	stop       chan struct{}
	done       chan struct{}
}

// NewHealthServer creates a health server that follows n. A non-positive
// interval uses DefaultSyncInterval.
func NewHealthServer(n interface{ Listening() bool }, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	s := &HealthServer{
		node:     n,
		health:   health.NewServer(),
		interval: interval,
		log:      logging.Logger("api"),
	}
	s.Sync()
	return s
}

// Sync updates the reported status from the node.
func (s *HealthServer) Sync() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.node.Listening() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// StartAsync listens on address, serves in a goroutine and keeps the status
// in sync with the node until Stop.
func (s *HealthServer) StartAsync(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcServer != nil {
		return ErrServerRunning
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.Resume()
	s.Sync()

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.syncLoop(s.stop, s.done)

	srv := s.grpcServer
	go func() {
		if err := srv.Serve(lis); err != nil {
			s.log.Error("grpc server stopped", zap.Error(err))
		}
	}()

	s.log.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
	return nil
}

func (s *HealthServer) syncLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Sync()
		}
	}
}

// Addr returns the listening address, or "" when stopped.
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop marks every service NOT_SERVING and gracefully stops the server.
func (s *HealthServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcServer == nil {
		return
	}

	close(s.stop)
	<-s.done
	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	s.grpcServer = nil
	s.listener = nil
}
