package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/manthysbr/clipforge/internal/adapters/process"
	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/manthysbr/clipforge/internal/core/ports"
)

const (
	containerOutputDir = "/output"
	managedLabel       = "clipforge.managed"
	jobLabel           = "clipforge.job_id"
	logDrainTimeout    = 5 * time.Second
)

// Config describes the worker image.
type Config struct {
	Image       string
	Command     []string // optional leading args before the operation
	Env         []string
	NetworkMode string // defaults to bridge: the worker downloads its source
}

// Runner launches the worker as a one-shot container.
type Runner struct {
	logger *slog.Logger
	cli    *client.Client
	cfg    Config
}

// Ensure Runner implements WorkerRunner
var _ ports.WorkerRunner = (*Runner)(nil)

// NewRunner creates a Docker-backed worker runner
func NewRunner(logger *slog.Logger, cfg Config) (*Runner, error) {
	if cfg.Image == "" {
		return nil, errors.New("worker image is required")
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runner{logger: logger, cli: cli, cfg: cfg}, nil
}

// containerSpec builds the create request for one invocation. The job's
// output dir is bind-mounted at /output.
func (r *Runner) containerSpec(inv domain.WorkerInvocation) (*container.Config, *container.HostConfig, error) {
	outputDir := ""
	var mounts []mount.Mount
	if inv.OutputDir != "" {
		outputDir = containerOutputDir
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: inv.OutputDir,
			Target: containerOutputDir,
		})
	}
	args, err := inv.Args(outputDir)
	if err != nil {
		return nil, nil, err
	}

	cfg := &container.Config{
		Image:        r.cfg.Image,
		Cmd:          append(append([]string(nil), r.cfg.Command...), args...),
		Env:          r.cfg.Env,
		Tty:          false,
		OpenStdin:    false,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			managedLabel: "true",
			jobLabel:     string(inv.JobID),
		},
	}
	if outputDir != "" {
		cfg.WorkingDir = outputDir
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(r.cfg.NetworkMode),
		Mounts:         mounts,
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=512m", // scratch space for downloads
		},
	}
	return cfg, hostCfg, nil
}

func (r *Runner) Start(ctx context.Context, inv domain.WorkerInvocation) (ports.WorkerProcess, error) {
	cfg, hostCfg, err := r.containerSpec(inv)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("clipforge-worker-%s", uuid.New().String())
	logger := r.logger.With("job_id", inv.JobID, "operation", inv.Operation, "container", name)

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		logger.Info("pulling worker image", "image", r.cfg.Image)
		reader, pullErr := r.cli.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
		if pullErr != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", r.cfg.Image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
		resp, err = r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := r.cli.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.remove(resp.ID)
		return nil, fmt.Errorf("failed to attach to container logs: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	c := &containerProcess{
		runner:  r,
		logger:  logger,
		id:      resp.ID,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderr:  process.NewTailBuffer(process.MaxDiagnostics, logger),
		copied:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.copyLogs(logs)
	go c.wait()
	return c, nil
}

func (r *Runner) remove(id string) {
	err := r.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		r.logger.Warn("failed to remove container", "container_id", id, "error", err)
	}
}

// Cleanup force-removes worker containers left behind by a previous run.
func (r *Runner) Cleanup(ctx context.Context) (int, error) {
	args := filters.NewArgs()
	args.Add("label", managedLabel+"=true")
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return 0, fmt.Errorf("list worker containers: %w", err)
	}
	for _, c := range containers {
		r.logger.Info("removing stale worker container", "container_id", c.ID, "job_id", c.Labels[jobLabel])
		r.remove(c.ID)
	}
	return len(containers), nil
}

func (r *Runner) Close() error {
	return r.cli.Close()
}

type containerProcess struct {
	runner  *Runner
	logger  *slog.Logger
	id      string
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  *process.TailBuffer

	copied chan struct{}
	done   chan struct{}
	exit   domain.ProcessExit

	stopOnce sync.Once
}

// copyLogs demultiplexes the container log stream into stdout and the
// diagnostics tail.
func (c *containerProcess) copyLogs(logs io.ReadCloser) {
	defer close(c.copied)
	defer logs.Close()
	if _, err := stdcopy.StdCopy(c.stdoutW, c.stderr, logs); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Warn("container log stream ended with error", "error", err)
	}
}

func (c *containerProcess) wait() {
	exit := domain.ProcessExit{}
	statusCh, errCh := c.runner.cli.ContainerWait(context.Background(), c.id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		exit.Code = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" {
			exit.Err = errors.New(status.Error.Message)
		}
	case err := <-errCh:
		exit.Code = -1
		exit.Err = fmt.Errorf("wait for container: %w", err)
	}

	select {
	case <-c.copied:
	case <-time.After(logDrainTimeout):
		c.logger.Warn("container logs did not close after exit")
	}
	exit.Diagnostics = c.stderr.String()

	c.exit = exit
	_ = c.stdoutW.Close()
	c.runner.remove(c.id)
	close(c.done)
}

func (c *containerProcess) Stdout() io.Reader { return c.stdoutR }

func (c *containerProcess) Wait() domain.ProcessExit {
	<-c.done
	return c.exit
}

// Terminate stops the container. Docker sends SIGTERM and escalates to
// SIGKILL once the grace derived from ctx runs out.
func (c *containerProcess) Terminate(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	var err error
	c.stopOnce.Do(func() {
		timeout := graceSeconds(ctx)
		err = c.runner.cli.ContainerStop(context.Background(), c.id, container.StopOptions{Timeout: &timeout})
		if client.IsErrNotFound(err) {
			err = nil
		}
	})
	if err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func graceSeconds(ctx context.Context) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 10
	}
	secs := int(math.Ceil(time.Until(deadline).Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}
