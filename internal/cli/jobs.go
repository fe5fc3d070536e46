package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manthysbr/clipforge/internal/core/domain"
)

// addParamFlags binds the request parameter flags shared by submit and batch.
func addParamFlags(cmd *cobra.Command, p *domain.RequestParameters) {
	cmd.Flags().StringVar((*string)(&p.Platform), "platform", "", "target platform: youtube, tiktok or instagram (server default youtube)")
	cmd.Flags().StringVar((*string)(&p.DetectionMode), "detection", "", "detection mode: smart, quick or even (server default smart)")
	cmd.Flags().IntVar(&p.ClipCount, "clips", 0, fmt.Sprintf("number of clips, %d-%d", domain.MinClipCount, domain.MaxClipCount))
	cmd.Flags().IntVar(&p.ClipDuration, "duration", 0, fmt.Sprintf("clip duration in seconds, %d-%d", domain.MinClipDuration, domain.MaxClipDuration))
	cmd.Flags().BoolVar(&p.Captions, "captions", false, "burn in captions")
	cmd.Flags().BoolVar(&p.EnhanceAudio, "enhance-audio", false, "enhance audio")
	cmd.Flags().BoolVar(&p.AutoReframe, "reframe", false, "reframe to the platform aspect ratio")
}

func submitCmd(a *app) *cobra.Command {
	var (
		params domain.RequestParameters
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "submit <url>",
		Short: "Submit one source video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.api.SubmitJob(cmd.Context(), args[0], params)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", job.ID, job.Status)
			if !watch {
				return nil
			}
			return a.watchJob(cmd.Context(), cmd.OutOrStdout(), string(job.ID))
		},
	}
	addParamFlags(cmd, &params)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the job until it finishes")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				return a.watchJob(cmd.Context(), cmd.OutOrStdout(), args[0])
			}
			job, err := a.api.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the job until it finishes")
	return cmd
}

func listCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !domain.JobStatus(status).Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			jobs, err := a.api.ListJobs(cmd.Context(), domain.JobStatus(status), limit)
			if err != nil {
				return err
			}
			printJobTable(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	return cmd
}

func cancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.api.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func retryCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-queue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.api.RetryJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s (attempt %d)\n", job.ID, job.Status, job.Attempt)
			if !watch {
				return nil
			}
			return a.watchJob(cmd.Context(), cmd.OutOrStdout(), string(job.ID))
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the job until it finishes")
	return cmd
}

func metadataCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metadata <url>",
		Short: "Ask the worker for a source's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := a.api.ProbeMetadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMetadata(cmd.OutOrStdout(), metadata)
			return nil
		},
	}
}
