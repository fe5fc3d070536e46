package domain

import (
	"errors"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	// JobStatusReady is "completed but awaiting pickup" on some surfaces.
	// It is terminal and counts as completed.
	JobStatusReady JobStatus = "ready"
)

// IsTerminal reports whether no further transition can leave this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusReady:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether the status is completed or its ready alias.
func (s JobStatus) IsSuccess() bool {
	return s == JobStatusCompleted || s == JobStatusReady
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusReady:
		return true
	default:
		return false
	}
}

// Job is the durable record of one transformation request.
type Job struct {
	ID        JobID             `json:"id"`
	BatchID   *BatchID          `json:"batch_id,omitempty"`
	Source    string            `json:"source"`
	Params    RequestParameters `json:"request_parameters"` // frozen at submission
	Status    JobStatus         `json:"status"`
	Progress  int               `json:"progress"`
	Artifacts []Artifact        `json:"artifacts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Error     *JobError         `json:"error,omitempty"`
	Attempt   int               `json:"attempt"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Artifact describes one produced clip.
type Artifact struct {
	Filename       string  `json:"filename"`
	Title          string  `json:"title,omitempty"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Duration       float64 `json:"duration"`
	Score          float64 `json:"score"`
	DeliveryStatus string  `json:"delivery_status"`
}

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrNotRetryable      = errors.New("job is not retryable")
	ErrJobCancelled      = errors.New("job cancelled")
	ErrShuttingDown      = errors.New("orchestrator shutting down")
)

// NewJob returns a queued record with its parameters frozen.
func NewJob(id JobID, source string, params RequestParameters, now time.Time) Job {
	return Job{
		ID:        id,
		Source:    source,
		Params:    params,
		Status:    JobStatusQueued,
		Artifacts: []Artifact{},
		Attempt:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
