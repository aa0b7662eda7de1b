package control

import (
	"github.com/core-tools/hsu-appshell/pkg/supervisor"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServerServiceName is the health service reporting the supervised server
const ServerServiceName = "appshell.Server"

// StatusPublisher mirrors supervisor state into a gRPC health server.
// Running is SERVING, every other state is NOT_SERVING.
type StatusPublisher struct {
	server  *health.Server
	service string
}

func NewStatusPublisher(server *health.Server, service string) *StatusPublisher {
	if service == "" {
		service = ServerServiceName
	}
	p := &StatusPublisher{
		server:  server,
		service: service,
	}
	p.publish(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return p
}

// OnStateChange has the supervisor.StateChangeFunc signature
func (p *StatusPublisher) OnStateChange(from, to supervisor.State) {
	if to == supervisor.StateRunning {
		p.publish(grpc_health_v1.HealthCheckResponse_SERVING)
		return
	}
	p.publish(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

func (p *StatusPublisher) publish(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	p.server.SetServingStatus(p.service, status)
}
