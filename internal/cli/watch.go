package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/manthysbr/clipforge/pkg/client"
)

// follow polls id until the resource is terminal, printing each new
// observation through show. It returns the final observation.
func follow[T any](
	ctx context.Context,
	fetch client.FetchFunc[T],
	terminal func(T) bool,
	interval time.Duration,
	id string,
	show func(T),
) (T, error) {
	updates := make(chan client.Update[T], 1)
	poller := client.NewPoller(fetch, terminal, interval, func(u client.Update[T]) {
		select {
		case updates <- u:
		case <-ctx.Done():
		}
	})
	poller.Watch(ctx, id)
	defer poller.Stop()

	for {
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case u := <-updates:
			if u.Err != nil {
				return u.Data, u.Err
			}
			show(u.Data)
			if u.Terminal {
				return u.Data, nil
			}
		}
	}
}

func (a *app) watchJob(ctx context.Context, out io.Writer, id string) error {
	lastLine := ""
	job, err := follow(ctx, a.api.GetJob, client.JobTerminal, a.jobInterval, id, func(j client.Job) {
		line := progressLine(j)
		if line != lastLine {
			fmt.Fprintln(out, line)
			lastLine = line
		}
	})
	if err != nil {
		a.logger.Warn("watch stopped", "job_id", id, "error", err)
		return err
	}
	printJob(out, job)
	if job.Error != nil {
		return fmt.Errorf("job %s %s: %s", job.ID, job.Status, job.Error.Message)
	}
	return nil
}

func (a *app) watchBatch(ctx context.Context, out io.Writer, id string) error {
	lastLine := ""
	status, err := follow(ctx, a.api.GetBatch, client.BatchTerminal, a.batchInterval, id, func(b client.BatchStatus) {
		line := batchProgressLine(b)
		if line != lastLine {
			fmt.Fprintln(out, line)
			lastLine = line
		}
	})
	if err != nil {
		a.logger.Warn("watch stopped", "batch_id", id, "error", err)
		return err
	}
	printBatch(out, status)
	if status.Failed > 0 {
		return fmt.Errorf("batch %s: %d of %d jobs did not complete", status.Batch.ID, status.Failed, status.Total)
	}
	return nil
}
