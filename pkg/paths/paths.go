package paths

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/core-tools/hsu-appshell/pkg/config"
	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/process"
)

const (
	DefaultLauncherScript = "fava_launcher.py"
	DefaultLauncherBinary = "fava_launcher"
	DefaultLedgerFile     = "example.beancount"
	DefaultLoadingPage    = "loading.html"
	DefaultResourcesDir   = "resources"
	DefaultVenvDir        = "venv"
)

// Layout holds the absolute paths of everything the server launch depends on.
type Layout struct {
	Mode        config.Mode
	Root        string
	Python      string // empty in packaged mode
	Launcher    string
	Ledger      string
	VenvBin     string // empty in packaged mode
	PythonPath  string
	LoadingPage string
}

// Resolve derives the layout for mode. baseDir is used when options.Root is
// empty: the project directory in development, the directory holding the
// resources folder when packaged. Explicit options win over derived paths.
func Resolve(options config.PathsOptions, mode config.Mode, baseDir string) (Layout, error) {
	root := options.Root
	if root == "" {
		if baseDir == "" {
			return Layout{}, errors.NewValidationError("no root directory to resolve paths from", nil)
		}
		root = baseDir
		if mode == config.ModePackaged {
			resources := options.ResourcesDir
			if resources == "" {
				resources = DefaultResourcesDir
			}
			root = resolveAgainst(baseDir, resources)
		}
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, errors.NewIOError("failed to resolve root directory", err).WithContext("path", root)
	}

	layout := Layout{
		Mode:        mode,
		Root:        root,
		Ledger:      pick(root, options.Ledger, DefaultLedgerFile),
		LoadingPage: pick(root, options.LoadingPage, DefaultLoadingPage),
	}

	switch mode {
	case config.ModeDevelopment:
		layout.VenvBin = pick(root, options.VenvBin, filepath.Join(DefaultVenvDir, venvBinDir()))
		layout.Python = pick(root, options.Python, filepath.Join(layout.VenvBin, pythonExecutable()))
		layout.Launcher = pick(root, options.Launcher, DefaultLauncherScript)
		layout.PythonPath = pick(root, options.PythonPath, "..")
	case config.ModePackaged:
		layout.Launcher = pick(root, options.Launcher, launcherBinary())
		layout.PythonPath = pick(root, options.PythonPath, ".")
	default:
		return Layout{}, errors.NewValidationError("invalid app mode: "+string(mode), nil)
	}

	return layout, nil
}

// ServerConfig turns a layout into the launch configuration of the server.
func ServerConfig(layout Layout, useShell bool) process.ServerProcessConfig {
	env := map[string]string{
		"PYTHONUNBUFFERED": "1",
		"PYTHONPATH":       layout.PythonPath,
	}

	cfg := process.ServerProcessConfig{
		WorkingDirectory: layout.Root,
		Environment:      env,
		UseShell:         useShell,
		RequiredFiles:    []string{layout.Ledger},
	}

	if layout.Mode == config.ModePackaged {
		cfg.ExecutablePath = layout.Launcher
		cfg.Args = []string{layout.Ledger}
		cfg.EnsureExecutable = true
		return cfg
	}

	env["PATH"] = process.PrependPath(layout.VenvBin, os.Getenv("PATH"))
	cfg.ExecutablePath = layout.Python
	cfg.Args = []string{layout.Launcher, layout.Ledger}
	cfg.RequiredFiles = []string{layout.Launcher, layout.Ledger}
	return cfg
}

func pick(root, override, fallback string) string {
	if override != "" {
		return resolveAgainst(root, override)
	}
	return resolveAgainst(root, fallback)
}

func resolveAgainst(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}

func venvBinDir() string {
	if runtime.GOOS == "windows" {
		return "Scripts"
	}
	return "bin"
}

func pythonExecutable() string {
	if runtime.GOOS == "windows" {
		return "python.exe"
	}
	return "python"
}

func launcherBinary() string {
	if runtime.GOOS == "windows" {
		return DefaultLauncherBinary + ".exe"
	}
	return DefaultLauncherBinary
}
