// Package api exposes a running node over HTTP and gRPC.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/VanDung-dev/scatterbrained/arrow"
	"github.com/VanDung-dev/scatterbrained/logging"
	"github.com/VanDung-dev/scatterbrained/node"
	"github.com/VanDung-dev/scatterbrained/peer"
)

// ArrowStreamContentType is the media type of the /peers response.
const ArrowStreamContentType = "application/vnd.apache.arrow.stream"

// ErrServerRunning is returned when starting a server twice.
var ErrServerRunning = errors.New("server is already running")

// Node is the view of a node the servers need.
type Node interface {
	Listening() bool
	Peers() []*peer.Identity
	LastSeen(key peer.Key) (time.Time, bool)
	Stats() node.NodeStats
}

// Server runs an HTTP server exposing /metrics, /health, /peers and /stats.
type Server struct {
	node     Node
	gatherer prometheus.Gatherer
	log      *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new HTTP server for n. A nil gatherer serves the
// default Prometheus registry.
func NewServer(n Node, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		node:     n,
		gatherer: gatherer,
		log:      logging.Logger("api"),
	}
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.node.Listening() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT LISTENING"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	data, err := arrow.EncodePeers(s.node.Peers(), s.node.LastSeen)
	if err != nil {
		s.log.Error("failed to encode peer table", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ArrowStreamContentType)
	_, _ = w.Write(data)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.node.Stats()); err != nil {
		s.log.Error("failed to encode stats", zap.Error(err))
	}
}

// StartAsync listens on address and serves in a goroutine.
func (s *Server) StartAsync(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return ErrServerRunning
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()

	s.log.Info("http server listening", zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr returns the listening address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
