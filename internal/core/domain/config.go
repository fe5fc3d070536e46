package domain

import (
	"fmt"
	"time"
)

// WorkerSettings are the runtime-adjustable limits applied to each worker run.
type WorkerSettings struct {
	Timeout   time.Duration `json:"timeout"`    // hard wall-clock budget from process start
	KillGrace time.Duration `json:"kill_grace"` // SIGTERM -> SIGKILL escalation delay
}

// DefaultWorkerSettings returns safe defaults
func DefaultWorkerSettings() WorkerSettings {
	return WorkerSettings{
		Timeout:   10 * time.Minute,
		KillGrace: 5 * time.Second,
	}
}

func (s WorkerSettings) Validate() error {
	if s.Timeout <= 0 {
		return &ValidationError{Field: "timeout", Reason: "must be positive"}
	}
	if s.KillGrace < 0 {
		return &ValidationError{Field: "kill_grace", Reason: "must not be negative"}
	}
	if s.KillGrace >= s.Timeout {
		return &ValidationError{Field: "kill_grace", Reason: fmt.Sprintf("must be shorter than timeout %s", s.Timeout)}
	}
	return nil
}
