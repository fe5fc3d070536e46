package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/manthysbr/clipforge/internal/core/ports"
)

const (
	maxWorkerLine     = 4 << 20
	maxExcerpt        = 512
	maxErrorMessage   = 1024
	stdoutDrainWindow = 5 * time.Second
)

// WorkerInvoker runs exactly one external transformation for one job and is
// the only writer of that job's record until it is terminal.
type WorkerInvoker struct {
	logger        *slog.Logger
	runner        ports.WorkerRunner
	settings      domain.WorkerSettings
	prepareOutput func(domain.JobID) (string, error)
	record        func(context.Context, domain.Job) // persist + publish
	now           func() time.Time

	job domain.Job
}

func newWorkerInvoker(
	logger *slog.Logger,
	runner ports.WorkerRunner,
	settings domain.WorkerSettings,
	job domain.Job,
	prepareOutput func(domain.JobID) (string, error),
	record func(context.Context, domain.Job),
	now func() time.Time,
) *WorkerInvoker {
	return &WorkerInvoker{
		logger:        logger.With("job_id", job.ID),
		runner:        runner,
		settings:      settings,
		prepareOutput: prepareOutput,
		record:        record,
		now:           now,
		job:           job,
	}
}

// Run drives the job from queued to a terminal state and returns the final record.
func (w *WorkerInvoker) Run(ctx context.Context) domain.Job {
	storeCtx := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		w.stop(storeCtx, context.Cause(ctx))
		return w.job
	}

	outputDir, err := w.prepareOutput(w.job.ID)
	if err != nil {
		w.fail(storeCtx, &domain.JobError{
			Kind:    domain.ErrorKindLaunch,
			Message: fmt.Sprintf("workspace prep failed: %v", err),
		})
		return w.job
	}

	if err := w.job.Start(w.now()); err != nil {
		w.logger.Error("cannot start job", "status", w.job.Status, "error", err)
		return w.job
	}
	w.job.AdvanceProgress(5)
	w.record(storeCtx, w.job)
	w.logger.Info("launching worker", "attempt", w.job.Attempt)

	proc, err := w.runner.Start(ctx, domain.WorkerInvocation{
		JobID:     w.job.ID,
		Operation: domain.OperationTransform,
		Source:    w.job.Source,
		Params:    w.job.Params,
		OutputDir: outputDir,
	})
	if err != nil {
		if ctx.Err() != nil {
			w.stop(storeCtx, context.Cause(ctx))
			return w.job
		}
		w.fail(storeCtx, &domain.JobError{
			Kind:    domain.ErrorKindLaunch,
			Message: fmt.Sprintf("failed to launch worker: %v", err),
		})
		return w.job
	}

	out := superviseWorker(ctx, w.logger, proc, w.settings, func(ev domain.WorkerEvent) {
		w.apply(storeCtx, ev)
	})

	switch {
	case out.stopped != nil:
		w.stop(storeCtx, out.stopped)
	default:
		result, jobErr := out.classify(w.settings)
		if jobErr != nil {
			w.fail(storeCtx, jobErr)
			return w.job
		}
		if err := w.job.Complete(*result, w.now()); err != nil {
			w.logger.Error("cannot complete job", "error", err)
			return w.job
		}
		w.record(storeCtx, w.job)
		w.logger.Info("job completed", "clips", len(w.job.Artifacts))
	}
	return w.job
}

// apply folds one streamed worker event into the record.
func (w *WorkerInvoker) apply(ctx context.Context, ev domain.WorkerEvent) {
	changed := false
	switch ev.Type {
	case domain.WorkerEventProgress:
		changed = w.job.AdvanceProgress(*ev.Progress)
	case domain.WorkerEventClip:
		changed = w.job.AppendArtifacts(*ev.Clip) > 0
	}
	if changed {
		w.job.UpdatedAt = w.now()
		w.record(ctx, w.job)
	}
}

func (w *WorkerInvoker) fail(ctx context.Context, jobErr *domain.JobError) {
	w.logger.Error("job failed", "kind", jobErr.Kind, "error", jobErr.Message)
	if err := w.job.Fail(jobErr, w.now()); err != nil {
		w.logger.Error("cannot fail job", "error", err)
		return
	}
	w.record(ctx, w.job)
}

// stop records the outcome of a context that ended: an explicit cancel
// yields cancelled, anything else (shutdown) yields failed/Interrupted.
func (w *WorkerInvoker) stop(ctx context.Context, cause error) {
	if errors.Is(cause, domain.ErrJobCancelled) {
		if w.job.Cancel(w.now()) {
			w.logger.Info("job cancelled")
			w.record(ctx, w.job)
		}
		return
	}
	w.fail(ctx, &domain.JobError{
		Kind:    domain.ErrorKindInterrupted,
		Message: fmt.Sprintf("job interrupted while %s: %v", w.job.Status, cause),
	})
}

// workerOutcome is everything observed from one worker run.
type workerOutcome struct {
	exit      domain.ProcessExit
	exited    bool
	timedOut  bool
	stopped   error // cause of the context ending, if that decided the outcome
	result    *domain.WorkerResult
	malformed string // excerpt of the first unparsable stdout line
	parseErr  error
	lastLine  string
}

// classify maps an outcome that was not stopped by its context to either a
// result or a job error.
func (o workerOutcome) classify(settings domain.WorkerSettings) (*domain.WorkerResult, *domain.JobError) {
	if o.timedOut {
		return nil, &domain.JobError{
			Kind:    domain.ErrorKindTimeout,
			Message: fmt.Sprintf("worker exceeded the %s timeout and was terminated", settings.Timeout),
		}
	}
	if o.exit.Err != nil {
		return nil, &domain.JobError{
			Kind:    domain.ErrorKindWorker,
			Message: fmt.Sprintf("waiting for worker failed: %v", o.exit.Err),
		}
	}
	if o.exit.Code != 0 {
		msg := tail(strings.TrimSpace(o.exit.Diagnostics), maxErrorMessage)
		if msg == "" {
			msg = fmt.Sprintf("worker exited with code %d", o.exit.Code)
		}
		return nil, &domain.JobError{
			Kind:    domain.ErrorKindWorker,
			Message: msg,
			Detail:  fmt.Sprintf("exit code %d", o.exit.Code),
		}
	}
	if o.parseErr != nil {
		return nil, &domain.JobError{
			Kind:    domain.ErrorKindMalformedResult,
			Message: fmt.Sprintf("worker output could not be parsed: %v", o.parseErr),
			Detail:  o.malformed,
		}
	}
	if o.result == nil {
		return nil, &domain.JobError{
			Kind:    domain.ErrorKindMalformedResult,
			Message: "worker exited successfully without a result payload",
			Detail:  excerpt(o.lastLine),
		}
	}
	return o.result, nil
}

type stdoutLine struct {
	text string
	err  error
}

// superviseWorker races process exit, the timeout and ctx. Exactly one of
// them decides the outcome; the other two are then ignored.
func superviseWorker(
	ctx context.Context,
	logger *slog.Logger,
	proc ports.WorkerProcess,
	settings domain.WorkerSettings,
	onEvent func(domain.WorkerEvent),
) workerOutcome {
	timer := time.NewTimer(settings.Timeout)
	defer timer.Stop()

	lines := make(chan stdoutLine, 64)
	go readLines(proc.Stdout(), lines)

	exitCh := make(chan domain.ProcessExit, 1)
	go func() { exitCh <- proc.Wait() }()

	var out workerOutcome
	handle := func(l stdoutLine) {
		if l.err != nil {
			if out.parseErr == nil {
				out.parseErr = l.err
				out.malformed = excerpt(l.text)
			}
			return
		}
		out.lastLine = l.text
		ev, err := domain.ParseWorkerLine([]byte(l.text))
		if err != nil {
			if out.parseErr == nil {
				out.parseErr = err
				out.malformed = excerpt(l.text)
			}
			return
		}
		if ev.Type == domain.WorkerEventResult {
			out.result = ev.Result
			return
		}
		onEvent(ev)
	}

	for {
		select {
		case l, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			handle(l)

		case exit := <-exitCh:
			out.exit = exit
			out.exited = true
			drainLines(lines, handle)
			logger.Info("worker exited", "exit_code", exit.Code)
			return out

		case <-timer.C:
			logger.Warn("worker timed out", "timeout", settings.Timeout)
			out.timedOut = true
			out.exit = terminate(logger, proc, settings, exitCh)
			go discardLines(lines)
			return out

		case <-ctx.Done():
			out.stopped = context.Cause(ctx)
			logger.Info("terminating worker", "cause", out.stopped)
			out.exit = terminate(logger, proc, settings, exitCh)
			go discardLines(lines)
			return out
		}
	}
}

// terminate stops the process, escalating after the kill grace, and waits
// for it to be reaped.
func terminate(logger *slog.Logger, proc ports.WorkerProcess, settings domain.WorkerSettings, exitCh <-chan domain.ProcessExit) domain.ProcessExit {
	graceCtx, cancel := context.WithTimeout(context.Background(), settings.KillGrace)
	defer cancel()

	if err := proc.Terminate(graceCtx); err != nil {
		logger.Error("failed to terminate worker", "error", err)
	}

	reap := time.NewTimer(stdoutDrainWindow)
	defer reap.Stop()
	select {
	case exit := <-exitCh:
		return exit
	case <-reap.C:
		logger.Error("worker did not exit after termination")
		return domain.ProcessExit{Code: -1, Err: errors.New("worker not reaped after kill")}
	}
}

func readLines(r io.Reader, out chan<- stdoutLine) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxWorkerLine)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		out <- stdoutLine{text: text}
	}
	if err := scanner.Err(); err != nil {
		out <- stdoutLine{err: fmt.Errorf("read worker output: %w", err)}
		// keep the pipe flowing so the worker never blocks on a full buffer
		_, _ = io.Copy(io.Discard, r)
	}
}

// drainLines consumes stdout that was still buffered when the process exited.
func drainLines(lines <-chan stdoutLine, handle func(stdoutLine)) {
	if lines == nil {
		return
	}
	deadline := time.NewTimer(stdoutDrainWindow)
	defer deadline.Stop()
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				return
			}
			handle(l)
		case <-deadline.C:
			go discardLines(lines)
			return
		}
	}
}

func discardLines(lines <-chan stdoutLine) {
	if lines == nil {
		return
	}
	for range lines {
	}
}

func excerpt(s string) string {
	if len(s) <= maxExcerpt {
		return s
	}
	return s[:maxExcerpt] + "..."
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
