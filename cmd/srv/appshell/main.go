package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/applog"
	"github.com/core-tools/hsu-appshell/pkg/config"
	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"
	"github.com/core-tools/hsu-appshell/pkg/paths"
	"github.com/core-tools/hsu-appshell/pkg/pidfile"
	"github.com/core-tools/hsu-appshell/pkg/shell"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" description:"configuration file (.yaml, .yml or .toml)"`
	Mode        string `long:"mode" choice:"development" choice:"packaged" description:"overrides app.mode"`
	Root        string `long:"root" description:"overrides paths.root"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the shell (debug feature)"`
	LogLevel    string `long:"log-level" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"overrides logging.level"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(run(opts))
}

func run(opts flagOptions) int {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	pidConfig := pidfile.Config{
		BaseDirectory:   cfg.App.DataDir,
		AppName:         cfg.App.Name,
		UseSubdirectory: true,
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = pidfile.NewManager(pidConfig, nil).LogDirectoryPath()
	}
	logConfig := applog.Config{
		Dir:      logDir,
		FileName: cfg.Logging.File,
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Console:  cfg.Logging.Console,
	}

	appLog, err := applog.Open(logConfig)
	if err != nil {
		appLog = applog.NewConsole(logConfig)
		appLog.Warnf("Failed to open log file, logging to console only: %v", err)
	}
	// Closed last so that shutdown is recorded in the file
	defer appLog.Close()

	if appLog.Path() != "" {
		appLog.Infof("Logging to %s", appLog.Path())
	}
	appLog.Infof("opts: %+v", opts)

	logger := logging.NewLogger(logPrefix("hsu-appshell"), logging.LogFuncs{
		LogLevelf: appLog.LogLevelf,
	})
	pidFiles := pidfile.NewManager(pidConfig, logging.FromLogger(logPrefix("pidfile"), logger))

	baseDir, err := baseDirectory(cfg.App.Mode)
	if err != nil {
		logger.Errorf("Failed to determine application directory: %v", err)
		return 1
	}
	layout, err := paths.Resolve(cfg.Paths, cfg.App.Mode, baseDir)
	if err != nil {
		logger.Errorf("Failed to resolve paths: %v", err)
		return 1
	}
	logger.Infof("Paths: %+v", layout)

	app, err := shell.NewApp(shell.Options{
		Config:      cfg,
		Server:      paths.ServerConfig(layout, cfg.UseShell()),
		LoadingPage: layout.LoadingPage,
		PIDFile:     pidFiles,
	}, logger)
	if err != nil {
		logger.Errorf("Failed to create application: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %d seconds", opts.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	if err := app.Run(ctx); err != nil {
		logger.Errorf("Application stopped with error: %v", err)
		return 1
	}

	logger.Infof("Application stopped")
	return 0
}

func loadConfig(opts flagOptions) (*config.AppConfig, error) {
	cfg := config.DefaultConfig()
	if opts.Config != "" {
		var err error
		cfg, err = config.LoadConfigFromFile(opts.Config)
		if err != nil {
			return nil, err
		}
	}

	if opts.Mode != "" {
		cfg.App.Mode = config.Mode(opts.Mode)
	}
	if opts.Root != "" {
		cfg.Paths.Root = opts.Root
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", opts.Config)
	}
	return cfg, nil
}

// baseDirectory is the working directory in development and the directory of
// the executable when packaged.
func baseDirectory(mode config.Mode) (string, error) {
	if mode == config.ModeDevelopment {
		return os.Getwd()
	}
	executable, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(executable); err == nil {
		executable = resolved
	}
	return filepath.Dir(executable), nil
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}
