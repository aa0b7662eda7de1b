package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/core-tools/hsu-appshell/pkg/domain"
	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCClientGateway queries the control health service
type GRPCClientGateway struct {
	grpcClient grpc_health_v1.HealthClient
	logger     logging.Logger
}

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) *GRPCClientGateway {
	return &GRPCClientGateway{
		grpcClient: grpc_health_v1.NewHealthClient(grpcClientConnection),
		logger:     logger,
	}
}

// Status returns the serving status name of service, e.g. "SERVING"
func (gw *GRPCClientGateway) Status(ctx context.Context, service string) (string, error) {
	response, err := gw.grpcClient.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		return "", errors.NewNetworkError("health check failed", err).WithContext("service", service)
	}
	gw.logger.Debugf("Status client gateway done")
	return response.GetStatus().String(), nil
}

// NewHTTPClientGateway returns a domain.Contract backed by the control HTTP API
func NewHTTPClientGateway(baseURL string, client *http.Client, logger logging.Logger) domain.Contract {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpClientGateway{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

type httpClientGateway struct {
	baseURL string
	client  *http.Client
	logger  logging.Logger
}

func (gw *httpClientGateway) Status(ctx context.Context) (domain.ServerStatus, error) {
	var status domain.ServerStatus
	if err := gw.do(ctx, http.MethodGet, "/api/v1/status", &status); err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		return domain.ServerStatus{}, err
	}
	gw.logger.Debugf("Status client gateway done")
	return status, nil
}

func (gw *httpClientGateway) Restart(ctx context.Context) error {
	var status domain.ServerStatus
	if err := gw.do(ctx, http.MethodPost, "/api/v1/server/restart", &status); err != nil {
		gw.logger.Errorf("Restart client gateway: %v", err)
		return err
	}
	gw.logger.Debugf("Restart client gateway done, state: %s", status.State)
	return nil
}

func (gw *httpClientGateway) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, gw.baseURL+path, nil)
	if err != nil {
		return errors.NewValidationError("invalid control request", err)
	}

	resp, err := gw.client.Do(req)
	if err != nil {
		return errors.NewNetworkError("control request failed", err).WithContext("url", req.URL.String())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewIOError("failed to read control response", err)
	}

	if resp.StatusCode/100 != 2 {
		var apiErr Error
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return responseError(resp.StatusCode, apiErr.Message)
		}
		return responseError(resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.NewValidationError("invalid control response", err)
	}
	return nil
}

func responseError(code int, message string) error {
	var err *errors.DomainError
	switch code {
	case http.StatusConflict:
		err = errors.NewConflictError(message, nil)
	case http.StatusPreconditionFailed:
		err = errors.NewPreconditionError(message, nil)
	case http.StatusGatewayTimeout:
		err = errors.NewTimeoutError(message, nil)
	case http.StatusServiceUnavailable:
		err = errors.NewProcessError(message, nil)
	default:
		err = errors.NewInternalError(message, nil)
	}
	return err.WithContext("status_code", code)
}
