package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/manthysbr/clipforge/internal/core/domain"
	"github.com/manthysbr/clipforge/pkg/client"
)

const defaultServer = "http://localhost:8080"

// API is the part of the kernel client the commands use.
type API interface {
	SubmitJob(ctx context.Context, source string, params domain.RequestParameters) (client.Job, error)
	SubmitBatch(ctx context.Context, name string, sources []string, params domain.RequestParameters) (client.BatchCreated, error)
	GetJob(ctx context.Context, id string) (client.Job, error)
	ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]client.Job, error)
	GetBatch(ctx context.Context, id string) (client.BatchStatus, error)
	CancelJob(ctx context.Context, id string) (client.Job, error)
	RetryJob(ctx context.Context, id string) (client.Job, error)
	ProbeMetadata(ctx context.Context, source string) (map[string]string, error)
}

type app struct {
	logger        *slog.Logger
	newAPI        func(server string) API
	jobInterval   time.Duration
	batchInterval time.Duration

	server string
	api    API
}

// NewRootCmd builds the clipctl command tree. newAPI is called once the
// --server flag is parsed.
func NewRootCmd(logger *slog.Logger, newAPI func(server string) API) *cobra.Command {
	return newRootCmd(&app{
		logger:        logger,
		newAPI:        newAPI,
		jobInterval:   client.JobPollInterval,
		batchInterval: client.BatchPollInterval,
	})
}

// NewHTTPAPI is the default API factory.
func NewHTTPAPI(server string) API {
	return client.New(server)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "clipctl",
		Short:         "Submit and follow clip-generation jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.api = a.newAPI(a.server)
			return nil
		},
	}

	server := os.Getenv("CLIPFORGE_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&a.server, "server", server, "kernel base URL (env CLIPFORGE_SERVER)")

	root.AddCommand(
		submitCmd(a),
		statusCmd(a),
		listCmd(a),
		cancelCmd(a),
		retryCmd(a),
		batchCmd(a),
		batchStatusCmd(a),
		metadataCmd(a),
	)
	return root
}
