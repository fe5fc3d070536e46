package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/manthysbr/clipforge/internal/core/domain"
	"golang.org/x/sync/semaphore"
)

var ErrQueueFull = errors.New("scheduling queue full")

// SchedulerConfig defines concurrency limits
type SchedulerConfig struct {
	MaxConcurrentJobs int64
	QueueSize         int
}

type scheduledJob struct {
	ctx context.Context // cancelled when the job is cancelled
	job domain.Job
}

// JobScheduler caps how many worker processes run at once.
type JobScheduler struct {
	logger       *slog.Logger
	pendingQueue chan scheduledJob
	semaphore    *semaphore.Weighted
}

func NewJobScheduler(logger *slog.Logger, cfg SchedulerConfig) *JobScheduler {
	// Default to 10 concurrent jobs if not set
	limit := cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = 10
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	return &JobScheduler{
		logger:       logger,
		pendingQueue: make(chan scheduledJob, queueSize),
		semaphore:    semaphore.NewWeighted(limit),
	}
}

// SubmitJob adds a job to the scheduling queue. jobCtx governs the job's
// whole run, including the wait for a free slot.
func (s *JobScheduler) SubmitJob(jobCtx context.Context, job domain.Job) error {
	select {
	case s.pendingQueue <- scheduledJob{ctx: jobCtx, job: job}:
		s.logger.Info("job submitted", "job_id", job.ID)
		return nil
	default:
		return ErrQueueFull
	}
}

// Start consumes jobs and executes them using the provided handler.
// The handler is always called exactly once per job; if the job's context
// ended while it waited for a slot, the handler receives the dead context
// and is expected to record the outcome without launching anything.
func (s *JobScheduler) Start(ctx context.Context, handler func(context.Context, domain.Job)) {
	s.logger.Info("starting job scheduler")

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("stopping scheduler")
				s.drain(handler)
				return
			case sj := <-s.pendingQueue:
				go s.run(sj, handler)
			}
		}
	}()
}

func (s *JobScheduler) run(sj scheduledJob, handler func(context.Context, domain.Job)) {
	if err := s.semaphore.Acquire(sj.ctx, 1); err != nil {
		handler(sj.ctx, sj.job)
		return
	}
	defer s.semaphore.Release(1)
	handler(sj.ctx, sj.job)
}

// drain hands queued jobs to the handler after shutdown so none is left
// without an owner. Their contexts derive from the stopped root and are done.
func (s *JobScheduler) drain(handler func(context.Context, domain.Job)) {
	for {
		select {
		case sj := <-s.pendingQueue:
			go handler(sj.ctx, sj.job)
		default:
			return
		}
	}
}
