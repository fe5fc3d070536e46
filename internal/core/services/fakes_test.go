package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/manthysbr/clipforge/internal/core/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeProcess is a worker whose stdout and exit are driven by the test.
type fakeProcess struct {
	inv        domain.WorkerInvocation
	stdoutR    *io.PipeReader
	stdoutW    *io.PipeWriter
	exited     chan struct{}
	once       sync.Once
	exit       domain.ProcessExit
	terminated atomic.Bool
}

func newFakeProcess(inv domain.WorkerInvocation) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{inv: inv, stdoutR: r, stdoutW: w, exited: make(chan struct{})}
}

func (p *fakeProcess) emit(lines ...string) {
	for _, l := range lines {
		if _, err := io.WriteString(p.stdoutW, l+"\n"); err != nil {
			return
		}
	}
}

func (p *fakeProcess) finish(code int, diagnostics string) {
	p.once.Do(func() {
		p.exit = domain.ProcessExit{Code: code, Diagnostics: diagnostics}
		_ = p.stdoutW.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }

func (p *fakeProcess) Wait() domain.ProcessExit {
	<-p.exited
	return p.exit
}

func (p *fakeProcess) Terminate(ctx context.Context) error {
	p.terminated.Store(true)
	p.finish(-1, "terminated")
	return nil
}

// fakeRunner starts fakeProcesses and plays script against each of them.
type fakeRunner struct {
	mu       sync.Mutex
	startErr error
	script   func(p *fakeProcess)
	procs    []*fakeProcess
	started  chan *fakeProcess
}

func newFakeRunner(script func(p *fakeProcess)) *fakeRunner {
	return &fakeRunner{script: script, started: make(chan *fakeProcess, 64)}
}

func (r *fakeRunner) Start(ctx context.Context, inv domain.WorkerInvocation) (ports.WorkerProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	p := newFakeProcess(inv)
	r.procs = append(r.procs, p)
	r.started <- p
	go r.script(p)
	return p, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// hangUntilTerminated reports progress and then blocks until killed.
func hangUntilTerminated(p *fakeProcess) {
	p.emit(`{"type":"progress","progress":20}`)
	<-p.exited
}

func succeedWith(lines ...string) func(p *fakeProcess) {
	return func(p *fakeProcess) {
		p.emit(lines...)
		p.finish(0, "")
	}
}

// memRepo is an in-memory ports.Repository.
type memRepo struct {
	mu       sync.Mutex
	jobs     map[domain.JobID]domain.Job
	history  map[domain.JobID][]domain.Job
	batches  map[domain.BatchID]domain.Batch
	settings map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{
		jobs:     make(map[domain.JobID]domain.Job),
		history:  make(map[domain.JobID][]domain.Job),
		batches:  make(map[domain.BatchID]domain.Batch),
		settings: make(map[string]string),
	}
}

func (m *memRepo) SaveJob(ctx context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Artifacts = append([]domain.Artifact(nil), job.Artifacts...)
	m.jobs[job.ID] = job
	m.history[job.ID] = append(m.history[job.ID], job)
	return nil
}

func (m *memRepo) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job, nil
}

func (m *memRepo) GetJobs(ctx context.Context, ids []domain.JobID) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, id := range ids {
		if job, ok := m.jobs[id]; ok {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *memRepo) ListJobs(ctx context.Context, filter ports.JobFilter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, job := range m.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.BatchID != nil && (job.BatchID == nil || *job.BatchID != *filter.BatchID) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memRepo) SaveBatch(ctx context.Context, batch domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batch.ID] = batch
	return nil
}

func (m *memRepo) GetBatch(ctx context.Context, id domain.BatchID) (domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return domain.Batch{}, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
	}
	return b, nil
}

func (m *memRepo) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Batch
	for _, b := range m.batches {
		out = append(out, b)
	}
	return out, nil
}

func (m *memRepo) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings[key], nil
}

func (m *memRepo) SaveSetting(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *memRepo) saved(id domain.JobID) []domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Job(nil), m.history[id]...)
}

// hookRepo runs onSaveBatch after a batch is stored, while the caller is
// still inside SubmitBatch.
type hookRepo struct {
	*memRepo
	onSaveBatch func(batch domain.Batch)
}

func (h *hookRepo) SaveBatch(ctx context.Context, batch domain.Batch) error {
	if err := h.memRepo.SaveBatch(ctx, batch); err != nil {
		return err
	}
	if h.onSaveBatch != nil {
		h.onSaveBatch(batch)
	}
	return nil
}
