package services

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/manthysbr/clipforge/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleFixture struct {
	lc     *WorkerLifecycle
	repo   *memRepo
	runner *fakeRunner
	bus    *EventBus
	ws     *WorkspaceManager
	stop   func()
}

func newLifecycle(t *testing.T, script func(p *fakeProcess), start bool) *lifecycleFixture {
	t.Helper()
	logger := testLogger()
	repo := newMemRepo()
	runner := newFakeRunner(script)
	bus := NewEventBus(logger)
	ws := NewWorkspaceManager(t.TempDir())
	scheduler := NewJobScheduler(logger, SchedulerConfig{MaxConcurrentJobs: 4, QueueSize: 16})

	lc := NewWorkerLifecycle(logger, scheduler, runner, repo, ws, bus,
		domain.WorkerSettings{Timeout: 5 * time.Second, KillGrace: 50 * time.Millisecond})

	f := &lifecycleFixture{lc: lc, repo: repo, runner: runner, bus: bus, ws: ws, stop: func() {}}
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = lc.Run(ctx)
			close(done)
		}()
		f.stop = func() {
			cancel()
			<-done
		}
		t.Cleanup(f.stop)
	}
	return f
}

func waitForStatus(t *testing.T, lc *WorkerLifecycle, id domain.JobID, want domain.JobStatus) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = lc.GetJob(context.Background(), id)
		return err == nil && job.Status == want
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestWorkerLifecycle_SubmitJobCompletes(t *testing.T) {
	f := newLifecycle(t, succeedWith(`{"type":"progress","progress":50}`, resultLine), true)
	ctx := context.Background()

	job, err := f.lc.SubmitJob(ctx, " https://example.com/watch?v=1 ", domain.RequestParameters{ClipCount: 3})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, "https://example.com/watch?v=1", job.Source)
	assert.Equal(t, 3, job.Params.ClipCount)
	assert.Equal(t, domain.PlatformYouTube, job.Params.Platform, "defaults applied")

	done := waitForStatus(t, f.lc, job.ID, domain.JobStatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.Len(t, done.Artifacts, 1)

	ids := []domain.JobID{}
	jobs, err := f.lc.ListJobs(ctx, ports.JobFilter{})
	require.NoError(t, err)
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Contains(t, ids, job.ID)
}

func TestWorkerLifecycle_SubmitJobValidation(t *testing.T) {
	f := newLifecycle(t, succeedWith(resultLine), false)
	ctx := context.Background()

	_, err := f.lc.SubmitJob(ctx, "not a url", domain.RequestParameters{})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.lc.SubmitJob(ctx, "https://example.com/v", domain.RequestParameters{ClipCount: 50})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "clip_count", verr.Field)

	jobs, err := f.lc.ListJobs(ctx, ports.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions create no record")
}

func TestWorkerLifecycle_SubmitBatchPartiallyInvalid(t *testing.T) {
	f := newLifecycle(t, succeedWith(resultLine), true)
	ctx := context.Background()

	batch, err := f.lc.SubmitBatch(ctx, "weekly", []string{
		"https://example.com/a",
		"bad",
		"https://example.com/b",
	}, domain.RequestParameters{})
	require.NoError(t, err)

	assert.Len(t, batch.MemberJobIDs, 2)
	require.Len(t, batch.Rejected, 1)
	assert.Equal(t, 1, batch.Rejected[0].Index)
	assert.Equal(t, "bad", batch.Rejected[0].Source)

	require.Eventually(t, func() bool {
		status, err := f.lc.GetBatch(ctx, batch.ID)
		return err == nil && status.Done
	}, 3*time.Second, 10*time.Millisecond)

	status, err := f.lc.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.Completed)
	assert.Equal(t, 0, status.Failed)
	assert.InDelta(t, 100.0, status.OverallProgress, 0.001)

	for _, id := range batch.MemberJobIDs {
		job, err := f.lc.GetJob(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, job.BatchID)
		assert.Equal(t, batch.ID, *job.BatchID)
	}

	batches, err := f.lc.ListBatches(ctx)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

func TestWorkerLifecycle_SubmitBatchAllInvalid(t *testing.T) {
	f := newLifecycle(t, succeedWith(resultLine), false)

	_, err := f.lc.SubmitBatch(context.Background(), "", []string{"bad", "ftp://x"}, domain.RequestParameters{})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.lc.SubmitBatch(context.Background(), "", nil, domain.RequestParameters{})
	require.ErrorAs(t, err, &verr)
}

func TestWorkerLifecycle_CancelRunningJob(t *testing.T) {
	f := newLifecycle(t, hangUntilTerminated, true)
	ctx := context.Background()

	job, err := f.lc.SubmitJob(ctx, "https://example.com/v", domain.RequestParameters{})
	require.NoError(t, err)
	proc := <-f.runner.started

	cancelled, err := f.lc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)
	assert.True(t, proc.terminated.Load(), "worker is gone before cancel returns")

	again, err := f.lc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled.UpdatedAt, again.UpdatedAt, "second cancel is a no-op")
}

func TestWorkerLifecycle_CancelCompletedIsNoop(t *testing.T) {
	f := newLifecycle(t, succeedWith(resultLine), true)
	ctx := context.Background()

	job, err := f.lc.SubmitJob(ctx, "https://example.com/v", domain.RequestParameters{})
	require.NoError(t, err)
	done := waitForStatus(t, f.lc, job.ID, domain.JobStatusCompleted)

	got, err := f.lc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, done.Artifacts, got.Artifacts)
}

func TestWorkerLifecycle_CancelUnknownJob(t *testing.T) {
	f := newLifecycle(t, succeedWith(resultLine), false)

	_, err := f.lc.CancelJob(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestWorkerLifecycle_RetryFailedJob(t *testing.T) {
	attempts := 0
	f := newLifecycle(t, func(p *fakeProcess) {
		attempts++
		if attempts == 1 {
			p.finish(1, "transient network error")
			return
		}
		p.emit(resultLine)
		p.finish(0, "")
	}, true)
	ctx := context.Background()

	job, err := f.lc.SubmitJob(ctx, "https://example.com/v", domain.RequestParameters{})
	require.NoError(t, err)
	failed := waitForStatus(t, f.lc, job.ID, domain.JobStatusFailed)
	assert.Equal(t, domain.ErrorKindWorker, failed.Error.Kind)

	retried, err := f.lc.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, retried.Attempt)
	assert.Nil(t, retried.Error)

	done := waitForStatus(t, f.lc, job.ID, domain.JobStatusCompleted)
	assert.Equal(t, 2, done.Attempt)

	_, err = f.lc.RetryJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotRetryable, "completed jobs are not retryable")
}

func TestWorkerLifecycle_RetryClearsPreviousAttemptOutput(t *testing.T) {
	var attempts atomic.Int32
	f := newLifecycle(t, func(p *fakeProcess) {
		if attempts.Add(1) == 1 {
			_ = os.WriteFile(filepath.Join(p.inv.OutputDir, "partial.mp4"), []byte("half"), 0644)
			p.finish(1, "crashed mid-render")
			return
		}
		p.emit(resultLine)
		p.finish(0, "")
	}, true)
	ctx := context.Background()

	job, err := f.lc.SubmitJob(ctx, "https://example.com/v", domain.RequestParameters{})
	require.NoError(t, err)
	waitForStatus(t, f.lc, job.ID, domain.JobStatusFailed)
	_, err = f.lc.JobFilePath(ctx, job.ID, "partial.mp4")
	require.NoError(t, err)

	_, err = f.lc.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	waitForStatus(t, f.lc, job.ID, domain.JobStatusCompleted)

	_, err = f.lc.JobFilePath(ctx, job.ID, "partial.mp4")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestWorkerLifecycle_CancelDuringBatchSubmitStaysCancelled(t *testing.T) {
	logger := testLogger()
	repo := &hookRepo{memRepo: newMemRepo()}
	runner := newFakeRunner(hangUntilTerminated)
	lc := NewWorkerLifecycle(logger,
		NewJobScheduler(logger, SchedulerConfig{MaxConcurrentJobs: 4, QueueSize: 16}),
		runner, repo, NewWorkspaceManager(t.TempDir()), NewEventBus(logger),
		domain.WorkerSettings{Timeout: 5 * time.Second, KillGrace: 50 * time.Millisecond})

	runCtx, stop := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = lc.Run(runCtx)
		close(stopped)
	}()
	t.Cleanup(func() {
		stop()
		<-stopped
	})

	// member records are visible before the batch call returns; a client
	// cancels one of them in that window
	cancelled := make(chan domain.Job, 1)
	repo.onSaveBatch = func(batch domain.Batch) {
		go func() {
			job, err := lc.CancelJob(context.Background(), batch.MemberJobIDs[0])
			assert.NoError(t, err)
			cancelled <- job
		}()
	}

	batch, err := lc.SubmitBatch(context.Background(), "", []string{"https://example.com/a"}, domain.RequestParameters{})
	require.NoError(t, err)
	id := batch.MemberJobIDs[0]

	var got domain.Job
	select {
	case got = <-cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("cancel never returned")
	}
	assert.Equal(t, domain.JobStatusCancelled, got.Status)

	assert.Never(t, func() bool {
		job, err := lc.GetJob(context.Background(), id)
		return err != nil || job.Status != domain.JobStatusCancelled
	}, 200*time.Millisecond, 10*time.Millisecond, "a cancelled job must stay cancelled")

	history := repo.saved(id)
	seenCancel := false
	for _, snap := range history {
		if snap.Status == domain.JobStatusCancelled {
			seenCancel = true
			continue
		}
		assert.False(t, seenCancel, "status %s recorded after cancellation", snap.Status)
	}
	assert.True(t, seenCancel)
}

func TestWorkerLifecycle_ShutdownInterruptsRunningJobs(t *testing.T) {
	f := newLifecycle(t, hangUntilTerminated, true)
	ctx := context.Background()

	job, err := f.lc.SubmitJob(ctx, "https://example.com/v", domain.RequestParameters{})
	require.NoError(t, err)
	<-f.runner.started

	f.stop()

	got, err := f.lc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, domain.ErrorKindInterrupted, got.Error.Kind)

	_, err = f.lc.SubmitJob(ctx, "https://example.com/other", domain.RequestParameters{})
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
}

func TestWorkerLifecycle_RecoverOrphans(t *testing.T) {
	f := newLifecycle(t, succeedWith(resultLine), false)
	ctx := context.Background()
	now := time.Now()

	queued := domain.NewJob("orphan-q", "https://example.com/1", domain.RequestParameters{}.WithDefaults(), now)
	processing := domain.NewJob("orphan-p", "https://example.com/2", domain.RequestParameters{}.WithDefaults(), now)
	require.NoError(t, processing.Start(now))
	finished := domain.NewJob("done", "https://example.com/3", domain.RequestParameters{}.WithDefaults(), now)
	require.NoError(t, finished.Start(now))
	require.NoError(t, finished.Complete(domain.WorkerResult{}, now))
	for _, j := range []domain.Job{queued, processing, finished} {
		require.NoError(t, f.repo.SaveJob(ctx, j))
	}

	n, err := f.lc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []domain.JobID{"orphan-q", "orphan-p"} {
		j, err := f.lc.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, j.Status)
		assert.Equal(t, domain.ErrorKindInterrupted, j.Error.Kind)
	}
	j, err := f.lc.GetJob(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, j.Status)
}

func TestWorkerLifecycle_CancelOrphanWithoutTask(t *testing.T) {
	f := newLifecycle(t, succeedWith(resultLine), false)
	ctx := context.Background()

	orphan := domain.NewJob("orphan", "https://example.com/1", domain.RequestParameters{}.WithDefaults(), time.Now())
	require.NoError(t, f.repo.SaveJob(ctx, orphan))

	got, err := f.lc.CancelJob(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, got.Status)
}

func TestWorkerLifecycle_EventsEndWithTerminalSnapshot(t *testing.T) {
	f := newLifecycle(t, succeedWith(`{"type":"progress","progress":30}`, resultLine), false)
	ctx := context.Background()

	job, err := f.lc.SubmitJob(ctx, "https://example.com/v", domain.RequestParameters{})
	require.NoError(t, err)

	events, unsubscribe := f.bus.Subscribe(string(job.ID))
	defer unsubscribe()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = f.lc.Run(runCtx) }()

	var last domain.Job
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			require.Equal(t, EventTypeJob, ev.Type)
			require.NoError(t, json.Unmarshal([]byte(ev.Data), &last))
			if ev.Terminal {
				assert.Equal(t, domain.JobStatusCompleted, last.Status)
				return
			}
			assert.False(t, last.Status.IsTerminal())
		case <-timeout:
			t.Fatalf("no terminal event, last status %s", last.Status)
		}
	}
}

func TestWorkerLifecycle_BatchEvents(t *testing.T) {
	f := newLifecycle(t, succeedWith(resultLine), false)
	ctx := context.Background()

	batch, err := f.lc.SubmitBatch(ctx, "b", []string{"https://example.com/a", "https://example.com/b"}, domain.RequestParameters{})
	require.NoError(t, err)

	events, unsubscribe := f.bus.Subscribe(string(batch.ID))
	defer unsubscribe()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = f.lc.Run(runCtx) }()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			require.Equal(t, EventTypeBatch, ev.Type)
			var status domain.BatchStatus
			require.NoError(t, json.Unmarshal([]byte(ev.Data), &status))
			if ev.Terminal {
				assert.True(t, status.Done)
				assert.Equal(t, 2, status.Completed)
				return
			}
		case <-timeout:
			t.Fatal("batch never reported done")
		}
	}
}

func TestWorkerLifecycle_ProbeMetadata(t *testing.T) {
	f := newLifecycle(t, succeedWith(`{"type":"result","result":{"clips":[],"metadata":{"title":"Talk","duration":"600"}}}`), false)

	meta, err := f.lc.ProbeMetadata(context.Background(), "https://example.com/v")
	require.NoError(t, err)
	assert.Equal(t, "Talk", meta["title"])

	p := f.runner.procs[0]
	assert.Equal(t, domain.OperationMetadata, p.inv.Operation)
	assert.Empty(t, p.inv.OutputDir)

	_, err = f.lc.ProbeMetadata(context.Background(), "nope")
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestWorkerLifecycle_ProbeMetadataWorkerFailure(t *testing.T) {
	f := newLifecycle(t, func(p *fakeProcess) { p.finish(3, "unsupported site") }, false)

	_, err := f.lc.ProbeMetadata(context.Background(), "https://example.com/v")
	var jobErr *domain.JobError
	require.True(t, errors.As(err, &jobErr))
	assert.Equal(t, domain.ErrorKindWorker, jobErr.Kind)
	assert.Equal(t, "unsupported site", jobErr.Message)
}

func TestWorkerLifecycle_JobFilePath(t *testing.T) {
	f := newLifecycle(t, func(p *fakeProcess) {
		assert.NoError(t, os.WriteFile(filepath.Join(p.inv.OutputDir, "clip_1.mp4"), []byte("mp4"), 0644))
		p.emit(resultLine)
		p.finish(0, "")
	}, true)
	ctx := context.Background()

	job, err := f.lc.SubmitJob(ctx, "https://example.com/v", domain.RequestParameters{})
	require.NoError(t, err)
	waitForStatus(t, f.lc, job.ID, domain.JobStatusCompleted)

	path, err := f.lc.JobFilePath(ctx, job.ID, "clip_1.mp4")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mp4", string(data))

	_, err = f.lc.JobFilePath(ctx, job.ID, "../../etc/passwd")
	assert.Error(t, err)
	_, err = f.lc.JobFilePath(ctx, "missing", "clip_1.mp4")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestWorkerLifecycle_UpdateSettingsAppliesToNewJobs(t *testing.T) {
	f := newLifecycle(t, hangUntilTerminated, true)
	f.lc.UpdateSettings(domain.WorkerSettings{Timeout: 100 * time.Millisecond, KillGrace: 10 * time.Millisecond})

	job, err := f.lc.SubmitJob(context.Background(), "https://example.com/v", domain.RequestParameters{})
	require.NoError(t, err)

	failed := waitForStatus(t, f.lc, job.ID, domain.JobStatusFailed)
	assert.Equal(t, domain.ErrorKindTimeout, failed.Error.Kind)
}
