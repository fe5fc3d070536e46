package client

import (
	"context"
	"sync"
	"time"
)

const (
	JobPollInterval   = 2 * time.Second
	BatchPollInterval = 3 * time.Second
)

// Update is one observation of the watched resource.
type Update[T any] struct {
	ID       string
	Data     T     // last successfully fetched value
	Err      error // set when the latest fetch failed; polling has stopped
	Terminal bool  // Data is terminal; polling has stopped
}

type FetchFunc[T any] func(ctx context.Context, id string) (T, error)

// Poller keeps a caller up to date with one job or batch at a time.
//
// Watch fetches immediately and then on a fixed interval until the resource
// is terminal, a fetch fails or the watch is torn down. The observer runs on
// the polling goroutine and must not call Watch or Stop itself.
type Poller[T any] struct {
	fetch    FetchFunc[T]
	terminal func(T) bool
	interval time.Duration
	observer func(Update[T])

	mu      sync.Mutex // serializes Watch and Stop
	current *pollRun

	lastMu sync.RWMutex
	last   Update[T]
}

// pollRun is one armed loop. Its mutex is held across fetch and notify, so
// once stopped is set under it no further fetch can begin.
type pollRun struct {
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
}

func (r *pollRun) stop() {
	// cancel first so an in-flight fetch releases the lock promptly
	r.cancel()
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func NewPoller[T any](fetch FetchFunc[T], terminal func(T) bool, interval time.Duration, observer func(Update[T])) *Poller[T] {
	if observer == nil {
		observer = func(Update[T]) {}
	}
	return &Poller[T]{
		fetch:    fetch,
		terminal: terminal,
		interval: interval,
		observer: observer,
	}
}

// JobTerminal holds for completed, ready, failed and cancelled jobs.
func JobTerminal(j Job) bool { return j.Status.IsTerminal() }

// BatchTerminal holds once every member of the batch is terminal.
func BatchTerminal(b BatchStatus) bool { return b.Done }

func NewJobPoller(c *Client, observer func(Update[Job])) *Poller[Job] {
	return NewPoller(c.GetJob, JobTerminal, JobPollInterval, observer)
}

func NewBatchPoller(c *Client, observer func(Update[BatchStatus])) *Poller[BatchStatus] {
	return NewPoller(c.GetBatch, BatchTerminal, BatchPollInterval, observer)
}

// Watch tears down any active loop and starts polling id. An empty id only
// tears down. The loop also ends with ctx.
func (p *Poller[T]) Watch(ctx context.Context, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		p.current.stop()
		p.current = nil
	}

	p.lastMu.Lock()
	p.last = Update[T]{ID: id}
	p.lastMu.Unlock()

	if id == "" {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &pollRun{cancel: cancel}
	p.current = run
	go p.loop(runCtx, run, id)
}

// Stop tears down the active loop. No fetch starts after Stop returns.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.stop()
		p.current = nil
	}
}

// Last returns the latest observation, keeping the last good data after an error.
func (p *Poller[T]) Last() Update[T] {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.last
}

func (p *Poller[T]) loop(ctx context.Context, run *pollRun, id string) {
	defer run.cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if !p.poll(ctx, run, id) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll performs one fetch and reports whether the loop should continue.
func (p *Poller[T]) poll(ctx context.Context, run *pollRun, id string) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.stopped || ctx.Err() != nil {
		return false
	}

	data, err := p.fetch(ctx, id)
	if ctx.Err() != nil {
		// torn down mid-fetch; the result belongs to a discarded watch
		return false
	}

	p.lastMu.Lock()
	upd := p.last
	if err != nil {
		upd.Err = err
	} else {
		upd.Data = data
		upd.Err = nil
		upd.Terminal = p.terminal(data)
	}
	p.last = upd
	p.lastMu.Unlock()

	p.observer(upd)
	return err == nil && !upd.Terminal
}
