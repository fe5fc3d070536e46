package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manthysbr/clipforge/internal/core/domain"
)

func batchCmd(a *app) *cobra.Command {
	var (
		params domain.RequestParameters
		name   string
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "batch <url>...",
		Short: "Submit several source videos as one batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			created, err := a.api.SubmitBatch(cmd.Context(), name, args, params)
			if err != nil {
				return fmt.Errorf("batch submit failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Batch %s: %d jobs\n", created.ID, created.TotalJobs)
			for _, item := range created.Errors {
				fmt.Fprintf(out, "  rejected #%d %s: %s\n", item.Index, item.Source, item.Reason)
			}
			if !watch {
				return nil
			}
			return a.watchBatch(cmd.Context(), out, string(created.ID))
		},
	}
	addParamFlags(cmd, &params)
	cmd.Flags().StringVar(&name, "name", "", "batch name")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the batch until every job finishes")
	return cmd
}

func batchStatusCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "batch-status <batch-id>",
		Short: "Show a batch and its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				return a.watchBatch(cmd.Context(), cmd.OutOrStdout(), args[0])
			}
			status, err := a.api.GetBatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printBatch(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the batch until every job finishes")
	return cmd
}
