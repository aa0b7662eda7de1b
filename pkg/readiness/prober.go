package readiness

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"
	"github.com/core-tools/hsu-appshell/pkg/retry"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Report is the aggregate outcome of one polling session. Individual attempt
// failures never leave the prober.
type Report struct {
	Ready     bool
	Cancelled bool
	Attempts  int
	Elapsed   time.Duration
	LastErr   error
}

type Prober interface {
	// CheckAvailable polls target until it answers, the attempt bound is
	// reached or ctx is done. It never fails; exhaustion resolves false.
	CheckAvailable(ctx context.Context, target Target) bool

	// Probe is CheckAvailable with the session details.
	Probe(ctx context.Context, target Target) Report

	// Start begins a session without waiting. The caller may cancel it.
	Start(ctx context.Context, target Target) *retry.Session
}

type checkFunc func(ctx context.Context) error

type prober struct {
	logger logging.Logger
}

func NewProber(logger logging.Logger) Prober {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &prober{logger: logger}
}

func (p *prober) CheckAvailable(ctx context.Context, target Target) bool {
	return p.Probe(ctx, target).Ready
}

func (p *prober) Probe(ctx context.Context, target Target) Report {
	result := p.Start(ctx, target).Wait()

	report := Report{
		Ready:     result.Succeeded,
		Cancelled: result.Cancelled,
		Attempts:  result.Attempts,
		Elapsed:   result.Elapsed,
		LastErr:   result.LastErr,
	}

	switch {
	case report.Ready:
		p.logger.Infof("Server is available, target: %s, attempts: %d, elapsed: %v", target, report.Attempts, report.Elapsed)
	case report.Cancelled:
		p.logger.Infof("Readiness probe cancelled, target: %s, attempts: %d", target, report.Attempts)
	default:
		p.logger.Warnf("Server not available after %d attempts, target: %s, last error: %v", report.Attempts, target, report.LastErr)
	}

	return report
}

func (p *prober) Start(ctx context.Context, target Target) *retry.Session {
	check, closeCheck, err := p.newCheck(target)
	if err != nil {
		p.logger.Errorf("Invalid readiness target, target: %s, error: %v", target, err)
		return retry.Start(ctx, retry.Options{MaxAttempts: 1, Interval: time.Millisecond}, func(context.Context) (bool, error) {
			return false, err
		})
	}

	p.logger.Infof("Checking server availability, target: %s, max retries: %d, interval: %v",
		target, target.MaxRetries, target.Interval)

	opts := retry.Options{
		MaxAttempts: target.MaxRetries,
		Interval:    target.Interval,
		Timeout:     target.Timeout,
		OnAttempt: func(attempt int, ok bool, err error) {
			if ok {
				return
			}
			p.logger.Debugf("Attempt %d/%d failed, target: %s, error: %v", attempt, target.MaxRetries, target, err)
		},
	}

	session := retry.Start(ctx, opts, func(ctx context.Context) (bool, error) {
		if err := check(ctx); err != nil {
			return false, err
		}
		return true, nil
	})

	go func() {
		<-session.Done()
		closeCheck()
	}()

	return session
}

func (p *prober) newCheck(target Target) (checkFunc, func(), error) {
	if err := ValidateTarget(target); err != nil {
		return nil, nil, err
	}

	switch target.Type {
	case ProbeTypeTCP:
		return tcpCheck(target), func() {}, nil
	case ProbeTypeGRPC:
		return grpcCheck(target), func() {}, nil
	default:
		client := newHTTPClient()
		return httpCheck(client, target), client.CloseIdleConnections, nil
	}
}

// newHTTPClient never follows redirects so that a 302 from the server is
// observed as such.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             nil,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func httpCheck(client *http.Client, target Target) checkFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
		if err != nil {
			return errors.NewValidationError("failed to create HTTP request", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return errors.NewNetworkError("HTTP request failed", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if !target.accepts(resp.StatusCode) {
			return errors.NewNetworkError(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil).
				WithContext("status", resp.StatusCode)
		}
		return nil
	}
}

func tcpCheck(target Target) checkFunc {
	return func(ctx context.Context) error {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", target.Address)
		if err != nil {
			return errors.NewNetworkError("TCP connection failed", err)
		}
		return conn.Close()
	}
}

func grpcCheck(target Target) checkFunc {
	return func(ctx context.Context) error {
		conn, err := grpc.DialContext(ctx, target.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return errors.NewNetworkError("gRPC dial failed", err)
		}
		defer conn.Close()

		resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
			Service: target.GRPCService,
		})
		if err != nil {
			return errors.NewNetworkError("gRPC health check failed", err)
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			return errors.NewNetworkError("gRPC service not serving: "+resp.GetStatus().String(), nil)
		}
		return nil
	}
}
