package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/manthysbr/clipforge/internal/core/ports"
)

const probeTimeout = 60 * time.Second

// jobTask is the single owner of a non-terminal job.
type jobTask struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// WorkerLifecycle is the orchestrator: it creates job and batch records,
// dispatches one WorkerInvoker per job and serves snapshots.
type WorkerLifecycle struct {
	logger    *slog.Logger
	scheduler *JobScheduler
	runner    ports.WorkerRunner
	repo      ports.Repository
	workspace *WorkspaceManager
	eventBus  *EventBus
	now       func() time.Time

	settingsMu sync.RWMutex
	settings   domain.WorkerSettings

	root     context.Context
	stopRoot context.CancelCauseFunc

	mu    sync.Mutex
	tasks map[domain.JobID]*jobTask
	wg    sync.WaitGroup
}

func NewWorkerLifecycle(
	logger *slog.Logger,
	scheduler *JobScheduler,
	runner ports.WorkerRunner,
	repo ports.Repository,
	ws *WorkspaceManager,
	eventBus *EventBus,
	settings domain.WorkerSettings,
) *WorkerLifecycle {
	root, stop := context.WithCancelCause(context.Background())
	return &WorkerLifecycle{
		logger:    logger,
		scheduler: scheduler,
		runner:    runner,
		repo:      repo,
		workspace: ws,
		eventBus:  eventBus,
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		settings:  settings,
		root:      root,
		stopRoot:  stop,
		tasks:     make(map[domain.JobID]*jobTask),
	}
}

// Run starts the scheduler loop and blocks until ctx ends. On return every
// dispatched job has reached a terminal state and its worker is gone.
func (s *WorkerLifecycle) Run(ctx context.Context) error {
	s.scheduler.Start(s.root, s.executeJob)

	<-ctx.Done()
	s.logger.Info("stopping worker lifecycle")

	s.mu.Lock()
	s.stopRoot(domain.ErrShuttingDown)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// UpdateSettings swaps worker limits for jobs dispatched from now on.
func (s *WorkerLifecycle) UpdateSettings(settings domain.WorkerSettings) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.settings = settings
	s.logger.Info("worker settings updated", "timeout", settings.Timeout, "kill_grace", settings.KillGrace)
}

func (s *WorkerLifecycle) currentSettings() domain.WorkerSettings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// SubmitJob validates the request, creates a queued record and dispatches it.
// It never waits for the worker.
func (s *WorkerLifecycle) SubmitJob(ctx context.Context, source string, params domain.RequestParameters) (domain.Job, error) {
	source = strings.TrimSpace(source)
	params = params.WithDefaults()
	if err := domain.ValidateSource(source); err != nil {
		return domain.Job{}, err
	}
	if err := params.Validate(); err != nil {
		return domain.Job{}, err
	}

	job := domain.NewJob(domain.JobID(uuid.New().String()), source, params, s.now())

	// the record becomes visible on save; a cancel must not slip in before
	// the owning task exists
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.SaveJob(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to save job: %w", err)
	}
	s.publishJob(ctx, job)

	if err := s.dispatchLocked(job); err != nil {
		return s.rejectDispatch(ctx, job, err)
	}
	return job, nil
}

// SubmitBatch queues every valid source as its own job. Invalid sources are
// reported per item and excluded from the batch.
func (s *WorkerLifecycle) SubmitBatch(ctx context.Context, name string, sources []string, params domain.RequestParameters) (domain.Batch, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return domain.Batch{}, err
	}
	if len(sources) == 0 {
		return domain.Batch{}, &domain.ValidationError{Field: "urls", Reason: "at least one source url is required"}
	}

	batch := domain.Batch{
		ID:           domain.BatchID(uuid.New().String()),
		Name:         strings.TrimSpace(name),
		MemberJobIDs: []domain.JobID{},
		Rejected:     []domain.ItemError{},
		CreatedAt:    s.now(),
	}

	var accepted []domain.Job
	for i, raw := range sources {
		source := strings.TrimSpace(raw)
		if err := domain.ValidateSource(source); err != nil {
			batch.Rejected = append(batch.Rejected, itemError(i, raw, err))
			continue
		}
		job := domain.NewJob(domain.JobID(uuid.New().String()), source, params, s.now())
		bid := batch.ID
		job.BatchID = &bid
		accepted = append(accepted, job)
	}
	if len(accepted) == 0 {
		return domain.Batch{}, &domain.ValidationError{Field: "urls", Reason: "no valid source urls in batch"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range accepted {
		batch.MemberJobIDs = append(batch.MemberJobIDs, job.ID)
		if err := s.repo.SaveJob(ctx, job); err != nil {
			return domain.Batch{}, fmt.Errorf("failed to save batch job: %w", err)
		}
	}
	if err := s.repo.SaveBatch(ctx, batch); err != nil {
		return domain.Batch{}, fmt.Errorf("failed to save batch: %w", err)
	}

	for _, job := range accepted {
		if err := s.dispatchLocked(job); err != nil {
			// membership is fixed; the member is driven to failed instead
			_, _ = s.rejectDispatch(ctx, job, err)
		}
	}

	s.logger.Info("batch submitted", "batch_id", batch.ID, "jobs", len(batch.MemberJobIDs), "rejected", len(batch.Rejected))
	return batch, nil
}

func itemError(index int, source string, err error) domain.ItemError {
	ie := domain.ItemError{Index: index, Source: source, Reason: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		ie.Field = verr.Field
		ie.Reason = verr.Reason
	}
	return ie
}

// dispatchLocked hands a queued job to the scheduler under a fresh owning
// task. s.mu must be held.
func (s *WorkerLifecycle) dispatchLocked(job domain.Job) error {
	if s.root.Err() != nil {
		return domain.ErrShuttingDown
	}
	if _, busy := s.tasks[job.ID]; busy {
		return fmt.Errorf("job %s already has a running task", job.ID)
	}

	ctx, cancel := context.WithCancelCause(s.root)
	task := &jobTask{cancel: cancel, done: make(chan struct{})}
	if err := s.scheduler.SubmitJob(ctx, job); err != nil {
		cancel(err)
		return err
	}
	s.tasks[job.ID] = task
	s.wg.Add(1)
	return nil
}

// rejectDispatch fails a record that could not be handed to the scheduler so
// it is never left queued without an owner.
func (s *WorkerLifecycle) rejectDispatch(ctx context.Context, job domain.Job, cause error) (domain.Job, error) {
	s.logger.Error("failed to dispatch job", "job_id", job.ID, "error", cause)
	if err := job.Fail(&domain.JobError{
		Kind:    domain.ErrorKindLaunch,
		Message: fmt.Sprintf("job could not be scheduled: %v", cause),
	}, s.now()); err == nil {
		s.recordJob(context.WithoutCancel(ctx), job)
	}
	return job, fmt.Errorf("failed to schedule job: %w", cause)
}

// executeJob is the callback for the scheduler
func (s *WorkerLifecycle) executeJob(ctx context.Context, job domain.Job) {
	defer s.finishTask(job.ID)

	if current, err := s.repo.GetJob(context.WithoutCancel(ctx), job.ID); err != nil {
		s.logger.Warn("failed to reload job before launch", "job_id", job.ID, "error", err)
	} else if current.Status != domain.JobStatusQueued || current.Attempt != job.Attempt {
		s.logger.Warn("skipping job no longer queued", "job_id", job.ID, "status", current.Status)
		return
	}

	invoker := newWorkerInvoker(
		s.logger,
		s.runner,
		s.currentSettings(),
		job,
		func(id domain.JobID) (string, error) { return s.workspace.PrepareWorkspace(string(id)) },
		s.recordJob,
		s.now,
	)
	final := invoker.Run(ctx)
	s.logger.Info("job finished", "job_id", final.ID, "status", final.Status)
}

func (s *WorkerLifecycle) finishTask(id domain.JobID) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()

	if ok {
		task.cancel(nil)
		close(task.done)
		s.wg.Done()
	}
}

// recordJob persists a snapshot and publishes it to job and batch subscribers.
func (s *WorkerLifecycle) recordJob(ctx context.Context, job domain.Job) {
	if err := s.repo.SaveJob(ctx, job); err != nil {
		s.logger.Error("failed to save job status", "job_id", job.ID, "error", err)
	}
	s.publishJob(ctx, job)
}

func (s *WorkerLifecycle) publishJob(ctx context.Context, job domain.Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		s.logger.Error("failed to marshal job event", "job_id", job.ID, "error", err)
		return
	}
	s.eventBus.Publish(Event{
		Topic:     string(job.ID),
		Type:      EventTypeJob,
		Data:      string(payload),
		Terminal:  job.Status.IsTerminal(),
		Timestamp: time.Now().Unix(),
	})

	if job.BatchID == nil || s.eventBus.Subscribers(string(*job.BatchID)) == 0 {
		return
	}
	status, err := s.GetBatch(ctx, *job.BatchID)
	if err != nil {
		s.logger.Warn("failed to aggregate batch for event", "batch_id", *job.BatchID, "error", err)
		return
	}
	s.publishBatch(status)
}

func (s *WorkerLifecycle) publishBatch(status domain.BatchStatus) {
	payload, err := json.Marshal(status)
	if err != nil {
		s.logger.Error("failed to marshal batch event", "batch_id", status.Batch.ID, "error", err)
		return
	}
	s.eventBus.Publish(Event{
		Topic:     string(status.Batch.ID),
		Type:      EventTypeBatch,
		Data:      string(payload),
		Terminal:  status.Done,
		Timestamp: time.Now().Unix(),
	})
}

// GetJob returns the current snapshot of a job.
func (s *WorkerLifecycle) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return s.repo.GetJob(ctx, id)
}

func (s *WorkerLifecycle) ListJobs(ctx context.Context, filter ports.JobFilter) ([]domain.Job, error) {
	return s.repo.ListJobs(ctx, filter)
}

// GetBatch aggregates a batch from the live state of its members.
func (s *WorkerLifecycle) GetBatch(ctx context.Context, id domain.BatchID) (domain.BatchStatus, error) {
	batch, err := s.repo.GetBatch(ctx, id)
	if err != nil {
		return domain.BatchStatus{}, err
	}
	jobs, err := s.repo.GetJobs(ctx, batch.MemberJobIDs)
	if err != nil {
		return domain.BatchStatus{}, fmt.Errorf("failed to load batch members: %w", err)
	}
	return domain.Aggregate(batch, jobs), nil
}

func (s *WorkerLifecycle) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	return s.repo.ListBatches(ctx)
}

// CancelJob cancels a non-terminal job. The worker process, if any, is
// terminated before the record turns cancelled. Terminal jobs are returned
// unchanged.
func (s *WorkerLifecycle) CancelJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	task := s.tasks[id]
	if task == nil {
		defer s.mu.Unlock()
		job, err := s.repo.GetJob(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}
		// no owning task: the record outlived the kernel that dispatched it
		if job.Cancel(s.now()) {
			s.logger.Info("job cancelled without running task", "job_id", id)
			s.recordJob(context.WithoutCancel(ctx), job)
		}
		return job, nil
	}
	s.mu.Unlock()

	task.cancel(domain.ErrJobCancelled)
	select {
	case <-task.done:
	case <-ctx.Done():
		return domain.Job{}, ctx.Err()
	}
	return s.repo.GetJob(ctx, id)
}

// RetryJob re-arms a failed job and dispatches a fresh invoker for it.
func (s *WorkerLifecycle) RetryJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobStatusFailed {
		return domain.Job{}, fmt.Errorf("%w: status is %s", domain.ErrNotRetryable, job.Status)
	}
	if task, ok := s.tasks[id]; ok {
		// the failed record is saved just before its task lets go
		s.mu.Unlock()
		select {
		case <-task.done:
		case <-ctx.Done():
			s.mu.Lock()
			return domain.Job{}, ctx.Err()
		}
		s.mu.Lock()
		if _, ok := s.tasks[id]; ok {
			return domain.Job{}, fmt.Errorf("%w: job is already re-queued", domain.ErrNotRetryable)
		}
		if job, err = s.repo.GetJob(ctx, id); err != nil {
			return domain.Job{}, err
		}
	}
	if err := job.Requeue(s.now()); err != nil {
		return domain.Job{}, err
	}
	// clips of the failed attempt must not be served for the new one
	if err := s.workspace.CleanupWorkspace(string(id)); err != nil {
		return domain.Job{}, fmt.Errorf("failed to clear previous attempt output: %w", err)
	}
	if err := s.repo.SaveJob(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to save job: %w", err)
	}
	s.publishJob(ctx, job)
	s.logger.Info("job re-queued", "job_id", id, "attempt", job.Attempt)

	if err := s.dispatchLocked(job); err != nil {
		return s.rejectDispatch(ctx, job, err)
	}
	return job, nil
}

// Recover fails records left non-terminal by a previous kernel run. Their
// workers died with that run, so none of them can make progress.
func (s *WorkerLifecycle) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusProcessing} {
		st := status
		jobs, err := s.repo.ListJobs(ctx, ports.JobFilter{Status: &st})
		if err != nil {
			return recovered, fmt.Errorf("failed to list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			s.mu.Lock()
			_, owned := s.tasks[job.ID]
			s.mu.Unlock()
			if owned {
				continue
			}
			err := job.Fail(&domain.JobError{
				Kind:    domain.ErrorKindInterrupted,
				Message: fmt.Sprintf("orchestrator restarted while job was %s", status),
			}, s.now())
			if err != nil {
				continue
			}
			s.recordJob(ctx, job)
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Warn("recovered orphaned jobs", "count", recovered)
	}
	return recovered, nil
}

// ProbeMetadata runs the worker's metadata operation synchronously.
func (s *WorkerLifecycle) ProbeMetadata(ctx context.Context, source string) (map[string]string, error) {
	source = strings.TrimSpace(source)
	if err := domain.ValidateSource(source); err != nil {
		return nil, err
	}

	settings := s.currentSettings()
	if settings.Timeout > probeTimeout {
		settings.Timeout = probeTimeout
	}
	if settings.KillGrace >= settings.Timeout {
		settings.KillGrace = settings.Timeout / 2
	}

	proc, err := s.runner.Start(ctx, domain.WorkerInvocation{
		JobID:     domain.JobID("probe-" + uuid.New().String()),
		Operation: domain.OperationMetadata,
		Source:    source,
		Params:    domain.RequestParameters{}.WithDefaults(),
	})
	if err != nil {
		return nil, &domain.JobError{Kind: domain.ErrorKindLaunch, Message: fmt.Sprintf("failed to launch worker: %v", err)}
	}

	out := superviseWorker(ctx, s.logger.With("operation", domain.OperationMetadata), proc, settings, func(domain.WorkerEvent) {})
	if out.stopped != nil {
		return nil, out.stopped
	}
	result, jobErr := out.classify(settings)
	if jobErr != nil {
		return nil, jobErr
	}
	if result.Metadata == nil {
		return map[string]string{}, nil
	}
	return result.Metadata, nil
}

// JobFilePath resolves an artifact of a job for read-through serving.
func (s *WorkerLifecycle) JobFilePath(ctx context.Context, id domain.JobID, filename string) (string, error) {
	if _, err := s.repo.GetJob(ctx, id); err != nil {
		return "", err
	}
	return s.workspace.FilePath(string(id), filename)
}
