package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/readiness"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the top-level configuration file structure
type AppConfig struct {
	App       AppOptions       `yaml:"app" toml:"app"`
	Server    ServerOptions    `yaml:"server" toml:"server"`
	Readiness ReadinessOptions `yaml:"readiness" toml:"readiness"`
	Paths     PathsOptions     `yaml:"paths" toml:"paths"`
	Restart   RestartOptions   `yaml:"restart" toml:"restart"`
	Logging   LoggingOptions   `yaml:"logging" toml:"logging"`
	Control   ControlOptions   `yaml:"control" toml:"control"`
}

// Mode selects how the server's files are laid out
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModePackaged    Mode = "packaged"
)

type AppOptions struct {
	Name string `yaml:"name" toml:"name"`
	Mode Mode   `yaml:"mode" toml:"mode"`

	// Per-user state (logs, PID file). Empty = OS default.
	DataDir string `yaml:"data_dir,omitempty" toml:"data_dir,omitempty"`
}

type ServerOptions struct {
	Host            string   `yaml:"host" toml:"host"`
	Port            int      `yaml:"port" toml:"port"`
	Endpoint        string   `yaml:"endpoint" toml:"endpoint"`
	ReadyMarker     string   `yaml:"ready_marker" toml:"ready_marker"`
	GracefulTimeout Duration `yaml:"graceful_timeout" toml:"graceful_timeout"`

	// Unset means "on Windows only"
	UseShell *bool `yaml:"use_shell,omitempty" toml:"use_shell,omitempty"`
}

type ReadinessOptions struct {
	Type          readiness.ProbeType `yaml:"type" toml:"type"`
	MaxRetries    int                 `yaml:"max_retries" toml:"max_retries"`
	RetryInterval Duration            `yaml:"retry_interval" toml:"retry_interval"`
	Timeout       Duration            `yaml:"timeout" toml:"timeout"`
	AcceptStatus  []int               `yaml:"accept_status,omitempty" toml:"accept_status,omitempty"`
	GRPCService   string              `yaml:"grpc_service,omitempty" toml:"grpc_service,omitempty"`
}

// PathsOptions overrides the layout derived from the root directory.
// Relative paths are resolved against Root.
type PathsOptions struct {
	Root         string `yaml:"root,omitempty" toml:"root,omitempty"`
	Python       string `yaml:"python,omitempty" toml:"python,omitempty"`
	Launcher     string `yaml:"launcher,omitempty" toml:"launcher,omitempty"`
	Ledger       string `yaml:"ledger,omitempty" toml:"ledger,omitempty"`
	ResourcesDir string `yaml:"resources_dir,omitempty" toml:"resources_dir,omitempty"`
	VenvBin      string `yaml:"venv_bin,omitempty" toml:"venv_bin,omitempty"`
	PythonPath   string `yaml:"python_path,omitempty" toml:"python_path,omitempty"`
	LoadingPage  string `yaml:"loading_page,omitempty" toml:"loading_page,omitempty"`
}

type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
)

type RestartOptions struct {
	Policy      RestartPolicy `yaml:"policy" toml:"policy"`
	MaxRetries  int           `yaml:"max_retries" toml:"max_retries"`
	RetryDelay  Duration      `yaml:"retry_delay" toml:"retry_delay"`
	BackoffRate float64       `yaml:"backoff_rate" toml:"backoff_rate"` // exponential backoff multiplier
}

type LoggingOptions struct {
	Level   string `yaml:"level" toml:"level"`
	Format  string `yaml:"format" toml:"format"`
	Dir     string `yaml:"dir,omitempty" toml:"dir,omitempty"`
	File    string `yaml:"file" toml:"file"`
	Console *bool  `yaml:"console,omitempty" toml:"console,omitempty"`
}

// ControlOptions configures the local control surface. Empty addresses
// disable the corresponding listener.
type ControlOptions struct {
	GRPCAddress string `yaml:"grpc_address,omitempty" toml:"grpc_address,omitempty"`
	HTTPAddress string `yaml:"http_address,omitempty" toml:"http_address,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *AppConfig {
	config := &AppConfig{}
	SetDefaults(config)
	return config
}

// LoadConfigFromFile loads configuration from a YAML (.yaml, .yml) or TOML (.toml) file
func LoadConfigFromFile(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	format, err := formatFromExtension(filename)
	if err != nil {
		return nil, err
	}

	config, err := Parse(data, format)
	if err != nil {
		return nil, errors.NewValidationError("failed to parse configuration", err).WithContext("filename", filename)
	}

	return config, nil
}

// Parse decodes data in the given format ("yaml" or "toml") and applies defaults.
// Unknown keys are rejected.
func Parse(data []byte, format string) (*AppConfig, error) {
	var config AppConfig

	switch format {
	case "yaml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&config); err != nil && err != io.EOF {
			return nil, errors.NewValidationError("failed to parse YAML configuration", err)
		}
	case "toml":
		decoder := toml.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&config); err != nil {
			return nil, errors.NewValidationError("failed to parse TOML configuration", err)
		}
	default:
		return nil, errors.NewValidationError("unsupported configuration format: "+format, nil)
	}

	SetDefaults(&config)
	return &config, nil
}

func formatFromExtension(filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return "yaml", nil
	case ".toml":
		return "toml", nil
	default:
		return "", errors.NewValidationError("unsupported configuration file extension", nil).WithContext("filename", filename)
	}
}

// SetDefaults fills every unset field
func SetDefaults(config *AppConfig) {
	if config.App.Name == "" {
		config.App.Name = "hsu-appshell"
	}
	if config.App.Mode == "" {
		config.App.Mode = ModeDevelopment
	}

	if config.Server.Host == "" {
		config.Server.Host = "127.0.0.1"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 5000
	}
	if config.Server.Endpoint == "" {
		config.Server.Endpoint = "/my-ledger/"
	}
	if config.Server.ReadyMarker == "" {
		config.Server.ReadyMarker = "Running on http://"
	}
	if config.Server.GracefulTimeout == 0 {
		config.Server.GracefulTimeout = Duration(5 * time.Second)
	}

	if config.Readiness.Type == "" {
		config.Readiness.Type = readiness.ProbeTypeHTTP
	}
	if config.Readiness.MaxRetries == 0 {
		config.Readiness.MaxRetries = readiness.DefaultMaxRetries
	}
	if config.Readiness.RetryInterval == 0 {
		config.Readiness.RetryInterval = Duration(readiness.DefaultInterval)
	}
	if config.Readiness.Timeout == 0 {
		config.Readiness.Timeout = Duration(readiness.DefaultTimeout)
	}

	if config.Restart.Policy == "" {
		config.Restart.Policy = RestartNever
	}
	if config.Restart.MaxRetries == 0 {
		config.Restart.MaxRetries = 3
	}
	if config.Restart.RetryDelay == 0 {
		config.Restart.RetryDelay = Duration(time.Second)
	}
	if config.Restart.BackoffRate == 0 {
		config.Restart.BackoffRate = 2.0
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "console"
	}
	if config.Logging.File == "" {
		config.Logging.File = "app.log"
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *AppConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	switch config.App.Mode {
	case ModeDevelopment, ModePackaged:
	default:
		return errors.NewValidationError("invalid app mode: "+string(config.App.Mode), nil)
	}

	if err := validateServerOptions(config.Server); err != nil {
		return errors.NewValidationError("invalid server configuration", err)
	}

	if err := readiness.ValidateTarget(config.ReadinessTarget()); err != nil {
		return errors.NewValidationError("invalid readiness configuration", err)
	}

	if err := validateRestartOptions(config.Restart); err != nil {
		return errors.NewValidationError("invalid restart configuration", err)
	}

	switch strings.ToLower(config.Logging.Format) {
	case "console", "json":
	default:
		return errors.NewValidationError("invalid log format: "+config.Logging.Format, nil)
	}

	for _, address := range []string{config.Control.GRPCAddress, config.Control.HTTPAddress} {
		if address == "" {
			continue
		}
		if err := ValidateNetworkAddress(address); err != nil {
			return errors.NewValidationError("invalid control configuration", err)
		}
	}

	return nil
}

func validateServerOptions(options ServerOptions) error {
	if options.Host == "" {
		return errors.NewValidationError("server host cannot be empty", nil)
	}
	if err := ValidatePort(options.Port); err != nil {
		return err
	}
	if !strings.HasPrefix(options.Endpoint, "/") {
		return errors.NewValidationError("server endpoint must start with '/'", nil)
	}
	return ValidateTimeout(options.GracefulTimeout.Std(), "graceful")
}

func validateRestartOptions(options RestartOptions) error {
	switch options.Policy {
	case RestartNever, RestartOnFailure:
	default:
		return errors.NewValidationError("invalid restart policy: "+string(options.Policy), nil)
	}
	if options.MaxRetries < 0 {
		return errors.NewValidationError("max retries cannot be negative", nil)
	}
	if options.RetryDelay < 0 {
		return errors.NewValidationError("retry delay cannot be negative", nil)
	}
	if options.BackoffRate < 1.0 {
		return errors.NewValidationError("backoff rate must be at least 1.0", nil)
	}
	return nil
}

// ServerAddress is host:port of the supervised server
func (c *AppConfig) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ServerURL is the page shown in the window and probed for readiness
func (c *AppConfig) ServerURL() string {
	return "http://" + c.ServerAddress() + c.Server.Endpoint
}

// ReadinessTarget builds the prober target from the server and readiness sections
func (c *AppConfig) ReadinessTarget() readiness.Target {
	return readiness.Target{
		Type:         c.Readiness.Type,
		URL:          c.ServerURL(),
		AcceptStatus: c.Readiness.AcceptStatus,
		Address:      c.ServerAddress(),
		GRPCService:  c.Readiness.GRPCService,
		Interval:     c.Readiness.RetryInterval.Std(),
		Timeout:      c.Readiness.Timeout.Std(),
		MaxRetries:   c.Readiness.MaxRetries,
	}
}

// UseShell resolves the unset default: wrap in a shell on Windows only
func (c *AppConfig) UseShell() bool {
	if c.Server.UseShell != nil {
		return *c.Server.UseShell
	}
	return runtime.GOOS == "windows"
}

// ConsoleLogging defaults to true
func (c *AppConfig) ConsoleLogging() bool {
	return c.Logging.Console == nil || *c.Logging.Console
}
