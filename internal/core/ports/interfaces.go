package ports

import (
	"context"
	"io"

	"github.com/manthysbr/clipforge/internal/core/domain"
)

// WorkerRunner abstracts how the external worker is executed (local process, container).
type WorkerRunner interface {
	// Start launches the worker. An error means the worker never ran.
	Start(ctx context.Context, inv domain.WorkerInvocation) (WorkerProcess, error)
}

// WorkerProcess is one running worker.
type WorkerProcess interface {
	// Stdout is the results channel. It reaches EOF once the process is gone.
	Stdout() io.Reader

	// Wait blocks until the process exits. Safe to call more than once.
	Wait() domain.ProcessExit

	// Terminate asks the process to stop and forces a kill once ctx ends.
	// It returns when the process is gone or the kill has been sent; Wait
	// reports the final exit.
	Terminate(ctx context.Context) error
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status  *domain.JobStatus
	BatchID *domain.BatchID
	Limit   int
}

// Repository abstracts the persistent storage (DuckDB)
type Repository interface {
	// Job Management
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	// GetJobs returns the records that exist among ids, in no particular order.
	GetJobs(ctx context.Context, ids []domain.JobID) ([]domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)

	// Batches
	SaveBatch(ctx context.Context, batch domain.Batch) error
	GetBatch(ctx context.Context, id domain.BatchID) (domain.Batch, error)
	ListBatches(ctx context.Context) ([]domain.Batch, error)

	// Settings. A missing key reads as "".
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}
