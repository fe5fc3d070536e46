package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/manthysbr/clipforge/internal/core/ports"
)

const (
	// MaxDiagnostics bounds the stderr tail kept per worker run.
	MaxDiagnostics = 16 << 10
	// how long Wait lingers for stdout/stderr after the worker itself exited
	ioWaitDelay = 2 * time.Second
)

// Config describes how to launch the worker binary.
type Config struct {
	Command []string // executable plus fixed leading args
	Env     []string // extra KEY=VALUE pairs on top of the kernel's environment
}

// Runner launches the worker as a local child process in its own process group.
type Runner struct {
	logger  *slog.Logger
	command []string
	env     []string
}

// Ensure Runner implements WorkerRunner
var _ ports.WorkerRunner = (*Runner)(nil)

func NewRunner(logger *slog.Logger, cfg Config) (*Runner, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("worker command is required")
	}
	return &Runner{
		logger:  logger,
		command: append([]string(nil), cfg.Command...),
		env:     append([]string(nil), cfg.Env...),
	}, nil
}

func (r *Runner) Start(ctx context.Context, inv domain.WorkerInvocation) (ports.WorkerProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args, err := inv.Args(inv.OutputDir)
	if err != nil {
		return nil, err
	}

	logger := r.logger.With("job_id", inv.JobID, "operation", inv.Operation)

	cmd := exec.Command(r.command[0], append(r.command[1:], args...)...)
	// Dir stays unset: relative worker commands resolve against the kernel's
	// working directory, and the job dir is passed as --output-dir
	cmd.Env = append(os.Environ(), r.env...)
	cmd.WaitDelay = ioWaitDelay
	setProcessGroup(cmd)

	stdoutR, stdoutW := io.Pipe()
	stderr := NewTailBuffer(MaxDiagnostics, logger)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stdoutR.Close()
		return nil, fmt.Errorf("start worker %s: %w", r.command[0], err)
	}
	logger.Debug("worker started", "pid", cmd.Process.Pid)

	p := &process{
		logger:  logger,
		cmd:     cmd,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderr:  stderr,
		done:    make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

type process struct {
	logger  *slog.Logger
	cmd     *exec.Cmd
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  *TailBuffer

	done chan struct{}
	exit domain.ProcessExit
}

func (p *process) wait() {
	err := p.cmd.Wait()

	exit := domain.ProcessExit{Diagnostics: p.stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrWaitDelay):
		// the worker exited but a descendant kept its output open
		exit.Code = p.cmd.ProcessState.ExitCode()
		p.logger.Warn("worker output still open after exit")
	case errors.As(err, &exitErr):
		exit.Code = exitErr.ExitCode()
	default:
		exit.Code = -1
		exit.Err = err
	}

	p.exit = exit
	_ = p.stdoutW.Close()
	close(p.done)
}

func (p *process) Stdout() io.Reader { return p.stdoutR }

func (p *process) Wait() domain.ProcessExit {
	<-p.done
	return p.exit
}

func (p *process) Terminate(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := interruptGroup(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("failed to signal worker", "error", err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("worker still running after grace period, killing")
	if err := killGroup(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker: %w", err)
	}
	return nil
}

// TailBuffer keeps the last limit bytes written to it. Writes are logged at
// debug level when a logger is set.
type TailBuffer struct {
	mu     sync.Mutex
	limit  int
	buf    []byte
	logger *slog.Logger
}

func NewTailBuffer(limit int, logger *slog.Logger) *TailBuffer {
	return &TailBuffer{limit: limit, logger: logger}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	if b.logger != nil {
		b.logger.Debug("worker stderr", "output", strings.TrimSpace(string(p)))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
