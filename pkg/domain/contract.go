package domain

import (
	"context"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/process"
)

// ServerStatus is the externally visible state of the supervised server.
type ServerStatus struct {
	State     string              `json:"state"`
	Ready     bool                `json:"ready"`
	URL       string              `json:"url"`
	RunID     string              `json:"run_id,omitempty"`
	PID       int                 `json:"pid,omitempty"`
	StartedAt *time.Time          `json:"started_at,omitempty"`
	ReadyAt   *time.Time          `json:"ready_at,omitempty"`
	LastExit  *process.ExitStatus `json:"last_exit,omitempty"`
	Restarts  int                 `json:"restarts"`
}

type Contract interface {
	Status(ctx context.Context) (ServerStatus, error)
	Restart(ctx context.Context) error
}
