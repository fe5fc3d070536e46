package domain

import "fmt"

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	ErrorKindLaunch          ErrorKind = "LaunchError"
	ErrorKindTimeout         ErrorKind = "Timeout"
	ErrorKindWorker          ErrorKind = "WorkerError"
	ErrorKindMalformedResult ErrorKind = "MalformedResult"
	// ErrorKindInterrupted marks jobs orphaned by an orchestrator stop.
	ErrorKindInterrupted ErrorKind = "Interrupted"
)

// JobError is the structured failure stored on a failed JobRecord.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ValidationError rejects submission input before any record is created.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}
