//go:build !windows

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/errors"
	"github.com/core-tools/hsu-appshell/pkg/logging"
	"github.com/core-tools/hsu-appshell/pkg/pidfile"
	"github.com/core-tools/hsu-appshell/pkg/process"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "APPSHELL_TEST_HELPER"

// TestHelperProcess is not a real test: it is the child process spawned by
// the tests below, selected by the helper environment variable.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}

	switch {
	case mode == "marker":
		fmt.Println("Starting Fava on 127.0.0.1:5000")
		fmt.Println(" * Running on http://127.0.0.1:5000")
		time.Sleep(time.Minute)
	case mode == "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println(" * Running on http://127.0.0.1:5000")
		time.Sleep(time.Minute)
	case mode == "silent":
		time.Sleep(time.Minute)
	case mode == "marker-unterminated":
		os.Stdout.WriteString(" * Running on http://127.0.0.1:5000")
		time.Sleep(time.Minute)
	case mode == "long-line":
		os.Stdout.WriteString(strings.Repeat("x", maxLineSize+4096) + "\n")
		fmt.Println(" * Running on http://127.0.0.1:5000")
		time.Sleep(time.Minute)
	case mode == "burst":
		for i := 1; i <= 200; i++ {
			fmt.Printf("line %d\n", i)
		}
		fmt.Fprintln(os.Stderr, "done")
		os.Exit(0)
	case strings.HasPrefix(mode, "exit:"):
		code, _ := strconv.Atoi(strings.TrimPrefix(mode, "exit:"))
		fmt.Fprintln(os.Stderr, "ledger could not be loaded")
		os.Exit(code)
	}
	os.Exit(0)
}

func helperConfig(mode string) process.ServerProcessConfig {
	return process.ServerProcessConfig{
		ExecutablePath: os.Args[0],
		Args:           []string{"-test.run=TestHelperProcess"},
		Environment:    map[string]string{helperEnv: mode},
	}
}

type transitions struct {
	mutex sync.Mutex
	seen  []string
}

func (r *transitions) record(from, to State) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.seen = append(r.seen, string(from)+"->"+string(to))
}

func (r *transitions) list() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.seen...)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func assertNoError(t *testing.T, s *Supervisor, within time.Duration) {
	t.Helper()
	select {
	case err := <-s.Errors():
		t.Fatalf("unexpected error reported: %v", err)
	case <-time.After(within):
	}
}

func TestStart_PreconditionFailures(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name        string
		config      process.ServerProcessConfig
		missingPath string
		description string
	}{
		{
			name:        "missing_executable",
			config:      process.ServerProcessConfig{ExecutablePath: filepath.Join(dir, "fava_launcher")},
			missingPath: filepath.Join(dir, "fava_launcher"),
			description: "executable does not exist",
		},
		{
			name: "missing_ledger",
			config: process.ServerProcessConfig{
				ExecutablePath: os.Args[0],
				RequiredFiles:  []string{filepath.Join(dir, "example.beancount")},
			},
			missingPath: filepath.Join(dir, "example.beancount"),
			description: "auxiliary input file does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &transitions{}
			s := New(Options{OnStateChange: rec.record}, logging.NewNopLogger())

			h, err := s.Start(context.Background(), tt.config)

			require.Error(t, err, tt.description)
			assert.True(t, errors.IsPreconditionError(err))
			assert.Contains(t, err.Error(), tt.missingPath)
			assert.Nil(t, h)
			assert.Nil(t, s.Handle())
			assert.Equal(t, StateIdle, s.State())
			assert.Empty(t, rec.list(), "no transition on precondition failure")
		})
	}
}

func TestStart_MarkerMovesToRunning(t *testing.T) {
	rec := &transitions{}
	s := New(Options{OnStateChange: rec.record}, logging.NewNopLogger())

	h, err := s.Start(context.Background(), helperConfig("marker"))
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.NotEmpty(t, h.ID)
	assert.Greater(t, h.PID, 0)

	waitClosed(t, h.Ready(), "startup marker")
	assert.Eventually(t, s.IsServerStarted, 2*time.Second, 10*time.Millisecond)

	status := s.Status()
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, h.ID, status.RunID)
	assert.Equal(t, h.PID, status.PID)
	assert.NotNil(t, status.ReadyAt)

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	assert.Nil(t, s.Handle())
	assert.False(t, s.IsServerStarted())

	waitClosed(t, h.Done(), "exit after stop")
	assertNoError(t, s, 200*time.Millisecond)
	assert.Equal(t, StateStopped, s.State())

	exit, ok := h.ExitStatus()
	require.True(t, ok)
	assert.Equal(t, "terminated", exit.Signal)

	assert.Equal(t, []string{
		"idle->starting",
		"starting->running",
		"running->stopping",
		"stopping->stopped",
	}, rec.list())
}

func TestStart_MarkerWithoutNewlineOrAfterLongLine(t *testing.T) {
	for _, mode := range []string{"marker-unterminated", "long-line"} {
		t.Run(mode, func(t *testing.T) {
			s := New(Options{}, logging.NewNopLogger())

			h, err := s.Start(context.Background(), helperConfig(mode))
			require.NoError(t, err)
			defer s.StopAndWait(context.Background())

			waitClosed(t, h.Ready(), "startup marker")
			assert.Equal(t, StateRunning, s.State())
		})
	}
}

func TestStart_IdempotentWhileLive(t *testing.T) {
	s := New(Options{}, logging.NewNopLogger())

	first, err := s.Start(context.Background(), helperConfig("silent"))
	require.NoError(t, err)
	defer s.StopAndWait(context.Background())

	second, err := s.Start(context.Background(), helperConfig("marker"))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, StateStarting, s.State())
}

func TestStop_NoOp(t *testing.T) {
	rec := &transitions{}
	s := New(Options{OnStateChange: rec.record}, logging.NewNopLogger())

	s.Stop()
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, rec.list())

	_, err := s.Start(context.Background(), helperConfig("silent"))
	require.NoError(t, err)

	s.Stop()
	after := rec.list()
	s.Stop()

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, after, rec.list(), "second stop changes nothing")
	assertNoError(t, s, 300*time.Millisecond)
}

func TestExit_NonZeroIsFailure(t *testing.T) {
	s := New(Options{}, logging.NewNopLogger())

	h, err := s.Start(context.Background(), helperConfig("exit:1"))
	require.NoError(t, err)

	var reported error
	select {
	case reported = <-s.Errors():
	case <-time.After(10 * time.Second):
		t.Fatal("abnormal exit was not reported")
	}

	assert.True(t, errors.IsAbnormalExitError(reported))
	var domainErr *errors.DomainError
	require.ErrorAs(t, reported, &domainErr)
	code, _ := domainErr.ContextValue("exit_code")
	assert.Equal(t, 1, code)
	runID, _ := domainErr.ContextValue("run_id")
	assert.Equal(t, h.ID, runID)

	waitClosed(t, h.Done(), "exit")
	assert.Equal(t, StateFailed, s.State())
	assert.Nil(t, s.Handle())
	assertNoError(t, s, 200*time.Millisecond)

	status := s.Status()
	require.NotNil(t, status.LastExit)
	assert.Equal(t, 1, status.LastExit.Code)
}

func TestExit_ZeroIsStopped(t *testing.T) {
	s := New(Options{}, logging.NewNopLogger())

	h, err := s.Start(context.Background(), helperConfig("exit:0"))
	require.NoError(t, err)

	waitClosed(t, h.Done(), "exit")
	assert.Equal(t, StateStopped, s.State())
	assertNoError(t, s, 200*time.Millisecond)
}

func TestExit_ExternalSignalIsFailure(t *testing.T) {
	s := New(Options{}, logging.NewNopLogger())

	h, err := s.Start(context.Background(), helperConfig("silent"))
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(h.PID, syscall.SIGKILL))

	select {
	case err := <-s.Errors():
		assert.True(t, errors.IsAbnormalExitError(err))
	case <-time.After(10 * time.Second):
		t.Fatal("external kill was not reported")
	}
	assert.Equal(t, StateFailed, s.State())
}

func TestExit_AfterAllOutputObserved(t *testing.T) {
	var mutex sync.Mutex
	var stdout []string
	var stderr []string

	s := New(Options{
		OnOutput: func(stream Stream, line string) {
			mutex.Lock()
			defer mutex.Unlock()
			if stream == StreamStdout {
				stdout = append(stdout, line)
			} else {
				stderr = append(stderr, line)
			}
		},
	}, logging.NewNopLogger())

	h, err := s.Start(context.Background(), helperConfig("burst"))
	require.NoError(t, err)
	waitClosed(t, h.Done(), "exit")

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, stdout, 200)
	for i, line := range stdout {
		assert.Equal(t, fmt.Sprintf("line %d", i+1), line)
	}
	assert.Equal(t, []string{"done"}, stderr)
}

func TestStart_AgainAfterFailure(t *testing.T) {
	s := New(Options{}, logging.NewNopLogger())

	first, err := s.Start(context.Background(), helperConfig("exit:2"))
	require.NoError(t, err)
	waitClosed(t, first.Done(), "first exit")
	<-s.Errors()
	require.Equal(t, StateFailed, s.State())

	second, err := s.Start(context.Background(), helperConfig("marker"))
	require.NoError(t, err)
	defer s.StopAndWait(context.Background())

	assert.NotEqual(t, first.ID, second.ID)
	waitClosed(t, second.Ready(), "startup marker")
	assert.Eventually(t, s.IsServerStarted, 2*time.Second, 10*time.Millisecond)
}

func TestStopAndWait_KillsAfterGracefulTimeout(t *testing.T) {
	s := New(Options{GracefulTimeout: 200 * time.Millisecond}, logging.NewNopLogger())

	h, err := s.Start(context.Background(), helperConfig("ignore-term"))
	require.NoError(t, err)
	waitClosed(t, h.Ready(), "startup marker")

	started := time.Now()
	require.NoError(t, s.StopAndWait(context.Background()))

	assert.GreaterOrEqual(t, time.Since(started), 200*time.Millisecond)
	exit, ok := h.ExitStatus()
	require.True(t, ok)
	assert.Equal(t, "killed", exit.Signal)
	assert.Equal(t, StateStopped, s.State())
	assertNoError(t, s, 100*time.Millisecond)
}

func TestPIDFile_WrittenAndRemoved(t *testing.T) {
	manager := pidfile.NewManager(pidfile.Config{BaseDirectory: t.TempDir()}, nil)
	s := New(Options{PIDFile: manager}, logging.NewNopLogger())

	h, err := s.Start(context.Background(), helperConfig("marker"))
	require.NoError(t, err)

	pid, err := manager.Read(DefaultPIDFileName)
	require.NoError(t, err)
	assert.Equal(t, h.PID, pid)

	require.NoError(t, s.StopAndWait(context.Background()))
	assert.NoFileExists(t, manager.PIDFilePath(DefaultPIDFileName))
}

func TestStart_SpawnFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "not-executable")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o644))

	rec := &transitions{}
	s := New(Options{OnStateChange: rec.record}, logging.NewNopLogger())

	h, err := s.Start(context.Background(), process.ServerProcessConfig{ExecutablePath: script})
	require.Error(t, err)
	assert.True(t, errors.IsSpawnError(err))
	assert.Nil(t, h)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, []string{"idle->starting", "starting->failed"}, rec.list())

	// recovery step makes the same script launchable
	config := process.ServerProcessConfig{ExecutablePath: script, EnsureExecutable: true}
	h, err = s.Start(context.Background(), config)
	require.NoError(t, err)
	waitClosed(t, h.Done(), "exit")
	assert.Equal(t, StateStopped, s.State())
}
