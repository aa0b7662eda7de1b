package control

import (
	"net"

	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer serves the standard health service on the control address.
type GRPCServer struct {
	lis    net.Listener
	s      *grpc.Server
	health *health.Server
	logger logging.Logger
}

// NewGRPCServer listens on address. A nil healthServer gets a fresh one.
func NewGRPCServer(address string, healthServer *health.Server, logger logging.Logger) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewNetworkError("failed to listen", err).WithContext("address", address)
	}

	if healthServer == nil {
		healthServer = health.NewServer()
	}
	s := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)

	return &GRPCServer{
		lis:    lis,
		s:      s,
		health: healthServer,
		logger: logger,
	}, nil
}

func (g *GRPCServer) Health() *health.Server {
	return g.health
}

// Serve blocks until Stop is called.
func (g *GRPCServer) Serve() error {
	g.logger.Infof("Control gRPC server listening on %s", g.lis.Addr())
	if err := g.s.Serve(g.lis); err != nil && err != grpc.ErrServerStopped {
		return errors.NewNetworkError("control gRPC server failed", err)
	}
	return nil
}

// Addr returns the network address the server is bound to.
func (g *GRPCServer) Addr() net.Addr { return g.lis.Addr() }

// Stop marks every service NOT_SERVING and gracefully stops the server.
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.s.GracefulStop()
}
