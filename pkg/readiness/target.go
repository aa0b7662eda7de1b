package readiness

import (
	"net/url"
	"strings"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/errors"
)

type ProbeType string

const (
	ProbeTypeHTTP ProbeType = "http"
	ProbeTypeTCP  ProbeType = "tcp"
	ProbeTypeGRPC ProbeType = "grpc"
)

const (
	DefaultMaxRetries = 20
	DefaultInterval   = 500 * time.Millisecond
	DefaultTimeout    = 500 * time.Millisecond
)

// DefaultAcceptStatus are the HTTP codes that mean the server is up. The
// server redirects its root to the ledger page, so 302 counts.
var DefaultAcceptStatus = []int{200, 302}

// Target is read-only for the duration of a polling session.
type Target struct {
	Type ProbeType `yaml:"type"`

	// HTTP
	URL          string `yaml:"url,omitempty"`
	AcceptStatus []int  `yaml:"accept_status,omitempty"`

	// TCP and gRPC
	Address     string `yaml:"address,omitempty"`
	GRPCService string `yaml:"grpc_service,omitempty"`

	Interval   time.Duration `yaml:"interval"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// HTTPTarget builds an HTTP target with the default polling bounds.
func HTTPTarget(rawURL string) Target {
	return Target{
		Type:       ProbeTypeHTTP,
		URL:        rawURL,
		Interval:   DefaultInterval,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

func (t Target) acceptStatus() []int {
	if len(t.AcceptStatus) == 0 {
		return DefaultAcceptStatus
	}
	return t.AcceptStatus
}

func (t Target) accepts(code int) bool {
	for _, c := range t.acceptStatus() {
		if c == code {
			return true
		}
	}
	return false
}

func (t Target) String() string {
	switch t.Type {
	case ProbeTypeTCP:
		return "tcp://" + t.Address
	case ProbeTypeGRPC:
		if t.GRPCService != "" {
			return "grpc://" + t.Address + "/" + t.GRPCService
		}
		return "grpc://" + t.Address
	default:
		return t.URL
	}
}

// ValidateTarget validates the probe endpoint and polling bounds
func ValidateTarget(target Target) error {
	if target.MaxRetries <= 0 {
		return errors.NewValidationError("max retries must be positive", nil)
	}
	if target.Interval <= 0 {
		return errors.NewValidationError("retry interval must be positive", nil)
	}
	if target.Timeout <= 0 {
		return errors.NewValidationError("attempt timeout must be positive", nil)
	}

	switch target.Type {
	case ProbeTypeHTTP, "":
		if target.URL == "" {
			return errors.NewValidationError("URL is required for HTTP readiness probe", nil)
		}
		u, err := url.Parse(target.URL)
		if err != nil {
			return errors.NewValidationError("invalid readiness URL: "+target.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.NewValidationError("readiness URL must be http or https: "+target.URL, nil)
		}
		if u.Host == "" {
			return errors.NewValidationError("readiness URL has no host: "+target.URL, nil)
		}
		for _, code := range target.AcceptStatus {
			if code < 100 || code > 599 {
				return errors.NewValidationError("invalid accepted status code", nil).WithContext("status", code)
			}
		}

	case ProbeTypeTCP, ProbeTypeGRPC:
		if target.Address == "" {
			return errors.NewValidationError("address is required for "+string(target.Type)+" readiness probe", nil)
		}
		if !strings.Contains(target.Address, ":") {
			return errors.NewValidationError("invalid address format (missing port): "+target.Address, nil)
		}

	default:
		return errors.NewValidationError("unsupported readiness probe type: "+string(target.Type), nil)
	}

	return nil
}
