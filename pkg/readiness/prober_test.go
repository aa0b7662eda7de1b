package readiness

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// closedAddress returns a loopback address nothing listens on
func closedAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func fastTarget(url string, maxRetries int) Target {
	return Target{
		Type:       ProbeTypeHTTP,
		URL:        url,
		Interval:   50 * time.Millisecond,
		Timeout:    40 * time.Millisecond,
		MaxRetries: maxRetries,
	}
}

func TestCheckAvailable_StatusCodes(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		expected    bool
		description string
	}{
		{
			name:        "ok",
			handler:     func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
			expected:    true,
			description: "200 means ready",
		},
		{
			name: "redirect_not_followed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/my-ledger/" {
					http.Redirect(w, r, "/nowhere", http.StatusFound)
					return
				}
				w.WriteHeader(http.StatusInternalServerError)
			},
			expected:    true,
			description: "302 means ready and the redirect target is never fetched",
		},
		{
			name:        "not_found",
			handler:     func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			expected:    false,
			description: "other codes are failed attempts",
		},
		{
			name:        "moved_permanently",
			handler:     func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/x", http.StatusMovedPermanently) },
			expected:    false,
			description: "only 302 among redirects counts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			prober := NewProber(logging.NewNopLogger())
			ready := prober.CheckAvailable(context.Background(), fastTarget(server.URL+"/my-ledger/", 2))

			assert.Equal(t, tt.expected, ready, tt.description)
		})
	}
}

func TestCheckAvailable_BecomesReady(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	target := fastTarget(server.URL, 10)
	report := NewProber(nil).Probe(context.Background(), target)

	assert.True(t, report.Ready)
	assert.Equal(t, 4, report.Attempts)
	assert.Less(t, report.Elapsed, 4*target.Interval+target.Interval)
}

func TestCheckAvailable_NeverResponds(t *testing.T) {
	target := Target{
		Type:       ProbeTypeHTTP,
		URL:        "http://" + closedAddress(t) + "/my-ledger/",
		Interval:   100 * time.Millisecond,
		Timeout:    50 * time.Millisecond,
		MaxRetries: 3,
	}

	started := time.Now()
	report := NewProber(logging.NewNopLogger()).Probe(context.Background(), target)

	assert.False(t, report.Ready)
	assert.False(t, report.Cancelled)
	assert.Equal(t, 3, report.Attempts)
	assert.GreaterOrEqual(t, time.Since(started), 290*time.Millisecond)
	assert.True(t, errors.IsNetworkError(report.LastErr))
}

func TestCheckAvailable_SlowResponseTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	target := fastTarget(server.URL, 2)
	target.Timeout = 20 * time.Millisecond

	report := NewProber(nil).Probe(context.Background(), target)
	assert.False(t, report.Ready)
	assert.Equal(t, 2, report.Attempts)
}

func TestStart_Cancel(t *testing.T) {
	target := fastTarget("http://"+closedAddress(t), 1000)

	session := NewProber(nil).Start(context.Background(), target)
	time.Sleep(80 * time.Millisecond)
	session.Cancel()

	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatal("probe session did not stop after cancel")
	}
	assert.True(t, session.Result().Cancelled)
}

func TestCheckAvailable_InvalidTargetResolvesFalse(t *testing.T) {
	ready := NewProber(nil).CheckAvailable(context.Background(), Target{Type: ProbeTypeHTTP})
	assert.False(t, ready)
}

func TestCheckAvailable_TCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	prober := NewProber(nil)
	target := Target{Type: ProbeTypeTCP, Address: listener.Addr().String(), Interval: 20 * time.Millisecond, Timeout: 20 * time.Millisecond, MaxRetries: 2}
	assert.True(t, prober.CheckAvailable(context.Background(), target))

	target.Address = closedAddress(t)
	assert.False(t, prober.CheckAvailable(context.Background(), target))
}

func TestCheckAvailable_GRPC(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("appshell", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	go server.Serve(listener)
	defer server.Stop()

	prober := NewProber(nil)
	target := Target{
		Type:        ProbeTypeGRPC,
		Address:     listener.Addr().String(),
		GRPCService: "appshell",
		Interval:    50 * time.Millisecond,
		Timeout:     500 * time.Millisecond,
		MaxRetries:  2,
	}

	assert.False(t, prober.CheckAvailable(context.Background(), target))

	healthServer.SetServingStatus("appshell", grpc_health_v1.HealthCheckResponse_SERVING)
	assert.True(t, prober.CheckAvailable(context.Background(), target))
}

func TestValidateTarget(t *testing.T) {
	valid := HTTPTarget("http://127.0.0.1:5000/my-ledger/")

	tests := []struct {
		name        string
		mutate      func(*Target)
		errContains string
	}{
		{"valid", func(*Target) {}, ""},
		{"no_url", func(t *Target) { t.URL = "" }, "URL is required"},
		{"bad_scheme", func(t *Target) { t.URL = "ftp://127.0.0.1/" }, "http or https"},
		{"no_host", func(t *Target) { t.URL = "http:///path" }, "no host"},
		{"zero_retries", func(t *Target) { t.MaxRetries = 0 }, "max retries"},
		{"zero_interval", func(t *Target) { t.Interval = 0 }, "interval"},
		{"zero_timeout", func(t *Target) { t.Timeout = 0 }, "timeout"},
		{"bad_status", func(t *Target) { t.AcceptStatus = []int{42} }, "status"},
		{"tcp_without_port", func(t *Target) { t.Type = ProbeTypeTCP; t.Address = "localhost" }, "missing port"},
		{"unknown_type", func(t *Target) { t.Type = "exec" }, "unsupported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := valid
			tt.mutate(&target)
			err := ValidateTarget(target)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
			assert.True(t, strings.Contains(err.Error(), tt.errContains), err.Error())
		})
	}
}
