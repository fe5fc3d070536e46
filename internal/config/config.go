package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/manthysbr/clipforge/internal/core/domain"
)

const envPrefix = "CLIPFORGE_"

const (
	RuntimeProcess = "process"
	RuntimeDocker  = "docker"
)

// Config is the kernel's static configuration.
type Config struct {
	HTTPAddr          string
	DBPath            string
	WorkspaceDir      string
	PublicBaseURL     string
	CORSOrigins       []string
	WorkerRuntime     string
	WorkerCommand     []string
	WorkerImage       string
	Worker            domain.WorkerSettings // seeds the settings store on first start
	MaxConcurrentJobs int64
}

// Load reads CLIPFORGE_* variables. Files (default ".env") are loaded first
// without overriding the real environment; a missing file is fine.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	defaults := domain.DefaultWorkerSettings()
	cfg := Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DBPath:        getEnv("DB_PATH", "clipforge.db"),
		WorkspaceDir:  getEnv("WORKSPACE_DIR", "./workspace"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		WorkerRuntime: strings.ToLower(getEnv("WORKER_RUNTIME", RuntimeProcess)),
		WorkerCommand: strings.Fields(getEnv("WORKER_COMMAND", "clipforge-worker")),
		WorkerImage:   getEnv("WORKER_IMAGE", ""),
	}

	var err error
	if cfg.Worker.Timeout, err = getDuration("WORKER_TIMEOUT", defaults.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.Worker.KillGrace, err = getDuration("WORKER_KILL_GRACE", defaults.KillGrace); err != nil {
		return Config{}, err
	}
	if err := cfg.Worker.Validate(); err != nil {
		return Config{}, fmt.Errorf("worker settings: %w", err)
	}

	maxJobs, err := strconv.ParseInt(getEnv("MAX_CONCURRENT_JOBS", "10"), 10, 64)
	if err != nil || maxJobs <= 0 {
		return Config{}, fmt.Errorf("%sMAX_CONCURRENT_JOBS must be a positive integer", envPrefix)
	}
	cfg.MaxConcurrentJobs = maxJobs

	switch cfg.WorkerRuntime {
	case RuntimeProcess:
		if len(cfg.WorkerCommand) == 0 {
			return Config{}, fmt.Errorf("%sWORKER_COMMAND is required for the process runtime", envPrefix)
		}
	case RuntimeDocker:
		if cfg.WorkerImage == "" {
			return Config{}, fmt.Errorf("%sWORKER_IMAGE is required for the docker runtime", envPrefix)
		}
	default:
		return Config{}, fmt.Errorf("unknown worker runtime %q", cfg.WorkerRuntime)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
