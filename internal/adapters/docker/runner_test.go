package docker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunner() *Runner {
	return &Runner{
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		cfg: Config{
			Image:       "ghcr.io/example/clip-worker:latest",
			Command:     []string{"clipper"},
			Env:         []string{"LOG_LEVEL=debug"},
			NetworkMode: "bridge",
		},
	}
}

func TestContainerSpec_MountsOutputDir(t *testing.T) {
	r := testRunner()
	cfg, hostCfg, err := r.containerSpec(domain.WorkerInvocation{
		JobID:     "job-1",
		Operation: domain.OperationTransform,
		Source:    "https://example.com/v",
		Params:    domain.RequestParameters{}.WithDefaults(),
		OutputDir: "/var/lib/clipforge/jobs/job-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "ghcr.io/example/clip-worker:latest", cfg.Image)
	require.GreaterOrEqual(t, len(cfg.Cmd), 2)
	assert.Equal(t, "clipper", cfg.Cmd[0])
	assert.Equal(t, domain.OperationTransform, cfg.Cmd[1])
	assert.Contains(t, []string(cfg.Cmd), containerOutputDir, "worker sees the container path")
	assert.NotContains(t, []string(cfg.Cmd), "/var/lib/clipforge/jobs/job-1")
	assert.Equal(t, "job-1", cfg.Labels[jobLabel])
	assert.Equal(t, containerOutputDir, cfg.WorkingDir)

	require.Len(t, hostCfg.Mounts, 1)
	assert.Equal(t, mount.TypeBind, hostCfg.Mounts[0].Type)
	assert.Equal(t, "/var/lib/clipforge/jobs/job-1", hostCfg.Mounts[0].Source)
	assert.Equal(t, containerOutputDir, hostCfg.Mounts[0].Target)
	assert.True(t, hostCfg.ReadonlyRootfs)
}

func TestContainerSpec_MetadataHasNoMount(t *testing.T) {
	r := testRunner()
	cfg, hostCfg, err := r.containerSpec(domain.WorkerInvocation{
		JobID:     "probe",
		Operation: domain.OperationMetadata,
		Source:    "https://example.com/v",
		Params:    domain.RequestParameters{}.WithDefaults(),
	})
	require.NoError(t, err)

	assert.Empty(t, hostCfg.Mounts)
	assert.NotContains(t, []string(cfg.Cmd), "--output-dir")
	assert.Empty(t, cfg.WorkingDir)
}

func TestGraceSeconds(t *testing.T) {
	assert.Equal(t, 10, graceSeconds(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	assert.Equal(t, 3, graceSeconds(ctx))

	expired, cancel2 := context.WithTimeout(context.Background(), -time.Second)
	defer cancel2()
	assert.Equal(t, 0, graceSeconds(expired))
}

func TestNewRunner_RequiresImage(t *testing.T) {
	_, err := NewRunner(slog.New(slog.NewJSONHandler(io.Discard, nil)), Config{})
	assert.Error(t, err)
}
