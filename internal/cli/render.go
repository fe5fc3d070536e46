package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/manthysbr/clipforge/pkg/client"
)

func progressLine(j client.Job) string {
	return fmt.Sprintf("[%3d%%] %s %s", j.Progress, j.ID, j.Status)
}

func batchProgressLine(b client.BatchStatus) string {
	return fmt.Sprintf("[%5.1f%%] batch %s: %d/%d completed, %d failed, %d in progress",
		b.OverallProgress, b.Batch.ID, b.Completed, b.Total, b.Failed, b.InProgress)
}

func printJob(out io.Writer, j client.Job) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", j.ID)
	if j.BatchID != nil {
		fmt.Fprintf(w, "Batch:\t%s\n", *j.BatchID)
	}
	fmt.Fprintf(w, "Source:\t%s\n", j.Source)
	fmt.Fprintf(w, "Status:\t%s\n", j.Status)
	fmt.Fprintf(w, "Progress:\t%d%%\n", j.Progress)
	fmt.Fprintf(w, "Attempt:\t%d\n", j.Attempt)
	fmt.Fprintf(w, "Created:\t%s\n", j.CreatedAt.Format(time.RFC3339))
	if j.CompletedAt != nil {
		fmt.Fprintf(w, "Finished:\t%s\n", j.CompletedAt.Format(time.RFC3339))
	}
	if j.Error != nil {
		fmt.Fprintf(w, "Error:\t%s: %s\n", j.Error.Kind, j.Error.Message)
	}
	_ = w.Flush()

	if len(j.Artifacts) == 0 {
		return
	}
	fmt.Fprintln(out, "Clips:")
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, a := range j.Artifacts {
		fmt.Fprintf(w, "  %s\t%.1fs-%.1fs\t%.2f\t%s\t%s\n", a.Filename, a.Start, a.End, a.Score, a.Title, a.URL)
	}
	_ = w.Flush()
}

func printJobTable(out io.Writer, jobs []client.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tCLIPS\tSOURCE")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%d\t%s\n", j.ID, j.Status, j.Progress, len(j.Artifacts), j.Source)
	}
	_ = w.Flush()
}

func printBatch(out io.Writer, b client.BatchStatus) {
	fmt.Fprintln(out, batchProgressLine(b))
	if b.Batch.Name != "" {
		fmt.Fprintf(out, "Name: %s\n", b.Batch.Name)
	}
	printJobTable(out, b.Jobs)
	for _, item := range b.Batch.Rejected {
		fmt.Fprintf(out, "rejected #%d %s: %s\n", item.Index, item.Source, item.Reason)
	}
}

func printMetadata(out io.Writer, metadata map[string]string) {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s:\t%s\n", k, metadata[k])
	}
	_ = w.Flush()
}
