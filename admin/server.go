package admin

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
)

// Server hosts the admin gRPC service alongside a Prometheus metrics
// handler, so one listener pair covers the whole operator surface.
type Server struct {
	grpcServer *grpc.Server
	gatherer   prometheus.Gatherer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithUnaryInterceptor installs a unary interceptor on the admin server
// (auth in front of operator actions, typically).
func WithUnaryInterceptor(i grpc.UnaryServerInterceptor) ServerOption {
	return func(s *Server) {
		s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(i))
	}
}

// WithGatherer selects the Prometheus gatherer backing MetricsHandler.
// Defaults to the global default gatherer.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates a Server exposing h as the hoard.Admin service.
func NewServer(h Handler, opts ...ServerOption) *Server {
	s := &Server{gatherer: prometheus.DefaultGatherer}
	for _, o := range opts {
		o(s)
	}
	if s.grpcServer == nil {
		s.grpcServer = grpc.NewServer()
	}
	Register(s.grpcServer, h)
	return s
}

// GRPC returns the underlying *grpc.Server so callers can register
// additional services.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

// Serve blocks serving admin RPCs on lis.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the admin server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// MetricsHandler returns an http.Handler serving the Prometheus metrics.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}
