package domain

import (
	"fmt"
	"time"
)

// Transitions mutate the record in place. Callers own the record exclusively
// while it is non-terminal.

// Start moves a queued job to processing.
func (j *Job) Start(now time.Time) error {
	if j.Status != JobStatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusProcessing)
	}
	j.Status = JobStatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// AdvanceProgress raises progress while processing. Lower values are ignored
// and 100 is reserved for completion.
func (j *Job) AdvanceProgress(p int) bool {
	if j.Status.IsTerminal() {
		return false
	}
	if p > 99 {
		p = 99
	}
	if p <= j.Progress {
		return false
	}
	j.Progress = p
	return true
}

// AppendArtifacts adds clips not already present. Existing order is kept.
func (j *Job) AppendArtifacts(clips ...Artifact) int {
	seen := make(map[string]struct{}, len(j.Artifacts))
	for _, a := range j.Artifacts {
		seen[a.Filename] = struct{}{}
	}
	added := 0
	for _, c := range clips {
		if _, ok := seen[c.Filename]; ok {
			continue
		}
		seen[c.Filename] = struct{}{}
		j.Artifacts = append(j.Artifacts, c)
		added++
	}
	return added
}

// Complete records a successful worker result.
func (j *Job) Complete(result WorkerResult, now time.Time) error {
	if j.Status != JobStatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusCompleted)
	}
	// the result is authoritative for clips announced while streaming
	index := make(map[string]int, len(j.Artifacts))
	for i, a := range j.Artifacts {
		index[a.Filename] = i
	}
	for _, c := range result.Clips {
		if i, ok := index[c.Filename]; ok {
			j.Artifacts[i] = c
			continue
		}
		index[c.Filename] = len(j.Artifacts)
		j.Artifacts = append(j.Artifacts, c)
	}
	if len(result.Metadata) > 0 {
		j.Metadata = result.Metadata
	}
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail records a failure. Progress and artifacts produced so far are kept.
func (j *Job) Fail(jobErr *JobError, now time.Time) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusFailed)
	}
	if jobErr == nil {
		jobErr = &JobError{Kind: ErrorKindWorker, Message: "job failed"}
	}
	j.Status = JobStatusFailed
	j.Error = jobErr
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Cancel marks a non-terminal job cancelled. On a terminal job it is a no-op
// and reports false.
func (j *Job) Cancel(now time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true
}

// Requeue re-arms a failed job for a fresh attempt.
func (j *Job) Requeue(now time.Time) error {
	if j.Status != JobStatusFailed {
		return fmt.Errorf("%w: status is %s", ErrNotRetryable, j.Status)
	}
	j.Status = JobStatusQueued
	j.Progress = 0
	j.Artifacts = []Artifact{}
	j.Metadata = nil
	j.Error = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Attempt++
	j.UpdatedAt = now
	return nil
}
