package process

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/core-tools/hsu-appshell/pkg/errors"
)

// ServerProcessConfig is everything needed to launch the server child.
// It is built once by a path-resolution collaborator and never mutated.
type ServerProcessConfig struct {
	ExecutablePath   string            `yaml:"executable_path"`
	Args             []string          `yaml:"args,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty"`
	Environment      map[string]string `yaml:"environment,omitempty"` // merged over os.Environ()

	// Wrap the invocation in the platform shell (cmd /C on Windows)
	UseShell bool `yaml:"use_shell,omitempty"`

	// Auxiliary inputs that must exist before spawning, e.g. the ledger file
	RequiredFiles []string `yaml:"required_files,omitempty"`

	// Add missing execute permission bits before spawning
	EnsureExecutable bool `yaml:"ensure_executable,omitempty"`
}

// Validate checks the launch preconditions. A missing executable or required
// file is a precondition error naming the path; nothing is spawned.
func Validate(config ServerProcessConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	if err := requireFile(config.ExecutablePath, "executable"); err != nil {
		return err
	}

	for _, path := range config.RequiredFiles {
		if err := requireFile(path, "required file"); err != nil {
			return err
		}
	}

	if config.WorkingDirectory != "" {
		info, err := os.Stat(config.WorkingDirectory)
		if err != nil {
			return errors.NewPreconditionError("working directory not accessible: "+config.WorkingDirectory, err).
				WithContext("path", config.WorkingDirectory)
		}
		if !info.IsDir() {
			return errors.NewPreconditionError("working directory is not a directory: "+config.WorkingDirectory, nil).
				WithContext("path", config.WorkingDirectory)
		}
	}

	for name := range config.Environment {
		if name == "" || strings.ContainsAny(name, "=\x00") {
			return errors.NewValidationError("invalid environment variable name: "+name, nil)
		}
	}

	return nil
}

func requireFile(path, what string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewPreconditionError(what+" not found: "+path, err).WithContext("path", path)
	}
	if info.IsDir() {
		return errors.NewPreconditionError(what+" is a directory: "+path, nil).WithContext("path", path)
	}
	return nil
}

// MergeEnvironment applies overrides on top of base (KEY=VALUE entries).
// Base order is kept, replaced keys stay in place and new keys are appended sorted.
func MergeEnvironment(base []string, overrides map[string]string) []string {
	merged := make([]string, 0, len(base)+len(overrides))
	applied := make(map[string]bool, len(overrides))

	for _, entry := range base {
		key := entry
		if i := strings.Index(entry, "="); i >= 0 {
			key = entry[:i]
		}
		if name, ok := lookupOverride(overrides, key); ok {
			if applied[name] {
				continue
			}
			merged = append(merged, key+"="+overrides[name])
			applied[name] = true
			continue
		}
		merged = append(merged, entry)
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		if !applied[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+overrides[key])
	}

	return merged
}

// PrependPath returns dir joined in front of the current PATH value.
func PrependPath(dir, current string) string {
	if current == "" {
		return dir
	}
	return dir + string(filepath.ListSeparator) + current
}
