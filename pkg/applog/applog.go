package applog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultFileName = "app.log"

// Config describes where the application log lives and how it is rendered
type Config struct {
	Dir      string `yaml:"dir,omitempty" toml:"dir,omitempty"`
	FileName string `yaml:"file,omitempty" toml:"file,omitempty"`
	Level    string `yaml:"level,omitempty" toml:"level,omitempty"`   // "debug", "info", "warn", "error"
	Format   string `yaml:"format,omitempty" toml:"format,omitempty"` // "console", "json"
	Console  *bool  `yaml:"console,omitempty" toml:"console,omitempty"`

	// Console mirrors; os.Stdout and os.Stderr when nil
	Stdout io.Writer `yaml:"-" toml:"-"`
	Stderr io.Writer `yaml:"-" toml:"-"`
}

// Log is the process-wide append-only log. Each call writes one line to the
// log file and mirrors it to the console. After Close the file is gone and
// writes continue on the console only.
type Log struct {
	mutex   sync.RWMutex
	current *zap.SugaredLogger
	console *zap.SugaredLogger
	file    *os.File
	path    string
	closed  bool
}

var _ logging.Logger = (*Log)(nil)

// Open creates the log directory if needed and opens the log file in append mode
func Open(config Config) (*Log, error) {
	level, err := getLevelFromString(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	fileName := config.FileName
	if fileName == "" {
		fileName = DefaultFileName
	}
	if config.Dir == "" {
		return nil, errors.NewValidationError("log directory is required", nil)
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, errors.NewIOError("failed to create log directory", err).WithContext("dir", config.Dir)
	}

	path := filepath.Join(config.Dir, fileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.NewIOError("failed to open log file", err).WithContext("path", path)
	}

	encoder := newEncoder(config.Format)
	consoleCore := newConsoleCore(config, encoder, level)
	fileCore := zapcore.NewCore(encoder.Clone(), zapcore.Lock(zapcore.AddSync(file)), level)

	return &Log{
		current: zap.New(zapcore.NewTee(fileCore, consoleCore)).Sugar(),
		console: zap.New(consoleCore).Sugar(),
		file:    file,
		path:    path,
	}, nil
}

// NewConsole returns a Log without a file, for tools that only print
func NewConsole(config Config) *Log {
	level, err := getLevelFromString(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	console := zap.New(newConsoleCore(config, newEncoder(config.Format), level)).Sugar()
	return &Log{current: console, console: console, closed: true}
}

// Path returns the log file path, empty for console-only logs
func (l *Log) Path() string {
	return l.path
}

func (l *Log) LogLevelf(level int, format string, args ...interface{}) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	switch level {
	case logging.LogLevelDebug:
		l.current.Debugf(format, args...)
	case logging.LogLevelWarn:
		l.current.Warnf(format, args...)
	case logging.LogLevelError:
		l.current.Errorf(format, args...)
	default:
		l.current.Infof(format, args...)
	}
}

func (l *Log) Debugf(format string, args ...interface{}) {
	l.LogLevelf(logging.LogLevelDebug, format, args...)
}

func (l *Log) Infof(format string, args ...interface{}) {
	l.LogLevelf(logging.LogLevelInfo, format, args...)
}

func (l *Log) Warnf(format string, args ...interface{}) {
	l.LogLevelf(logging.LogLevelWarn, format, args...)
}

func (l *Log) Errorf(format string, args ...interface{}) {
	l.LogLevelf(logging.LogLevelError, format, args...)
}

// Sync flushes the log file
func (l *Log) Sync() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if l.closed || l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Close flushes and closes the log file. Only the first call has an effect.
func (l *Log) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.current = l.console

	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if closeErr != nil {
		return errors.NewIOError("failed to close log file", closeErr).WithContext("path", l.path)
	}
	if syncErr != nil {
		return errors.NewIOError("failed to flush log file", syncErr).WithContext("path", l.path)
	}
	return nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.LevelKey = "level"

	if format == "json" {
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(encoderConfig)
	}

	// 2024-01-02T15:04:05.000Z0700 [INFO] message
	encoderConfig.ConsoleSeparator = " "
	encoderConfig.EncodeLevel = bracketLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func bracketLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}

func newConsoleCore(config Config, encoder zapcore.Encoder, level zapcore.Level) zapcore.Core {
	if config.Console != nil && !*config.Console {
		return zapcore.NewNopCore()
	}

	stdout := config.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := config.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= level && l < zapcore.WarnLevel
	})
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= level && l >= zapcore.WarnLevel
	})

	return zapcore.NewTee(
		zapcore.NewCore(encoder.Clone(), zapcore.Lock(zapcore.AddSync(stdout)), low),
		zapcore.NewCore(encoder.Clone(), zapcore.Lock(zapcore.AddSync(stderr)), high),
	)
}

// zap v1.20 has no zapcore.ParseLevel
func getLevelFromString(levelStr string) (zapcore.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", levelStr)
	}
}

// DefaultConfig logs at info to dir, mirrored to the console
func DefaultConfig(dir string) Config {
	return Config{
		Dir:      dir,
		FileName: DefaultFileName,
		Level:    "info",
		Format:   "console",
	}
}
