package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/queue"
)

// newQueueCmd creates the queue command group.
func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job queue",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueStatsCmd())
	cmd.AddCommand(newQueueCancelCmd())
	cmd.AddCommand(newQueueRetryCmd())
	return cmd
}

// jobSummary is the JSON shape for one ledger job.
type jobSummary struct {
	JobID     string `json:"job_id"`
	Source    string `json:"source"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Priority  int    `json:"priority"`
	Retries   int    `json:"retries"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt string `json:"created_at"`
}

func newQueueListCmd() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQueueList(cmd, statusFilter)
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (PENDING, PROCESSING, COMPLETED, FAILED, CANCELLED, INTERRUPTED)")
	return cmd
}

func runQueueList(cmd *cobra.Command, statusFilter string) error {
	out := newWriter(cmd)

	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()

	statuses := []queue.JobStatus{
		queue.StatusPending, queue.StatusProcessing,
		queue.StatusFailed, queue.StatusInterrupted,
	}
	if statusFilter != "" {
		statuses = []queue.JobStatus{queue.JobStatus(statusFilter)}
	}

	var jobs []*queue.Job
	for _, s := range statuses {
		list, err := app.Ledger.ListByStatus(ctx, s)
		if err != nil {
			return err
		}
		jobs = append(jobs, list...)
	}

	if out.JSONMode() {
		summaries := make([]jobSummary, 0, len(jobs))
		for _, j := range jobs {
			summaries = append(summaries, jobSummary{
				JobID:     j.JobID,
				Source:    j.Source,
				Type:      string(j.Type),
				Status:    string(j.Status),
				Priority:  j.Priority,
				Retries:   j.RetryCount,
				LastError: j.LastError,
				CreatedAt: j.CreatedAt.Format(time.RFC3339),
			})
		}
		return out.Emit(map[string]any{"jobs": summaries})
	}

	if len(jobs) == 0 {
		out.Status("·", "queue is empty")
		return nil
	}
	for _, j := range jobs {
		out.Statusf("•", "%s  %-10s %-12s p%d r%d  %s",
			j.JobID[:8], j.Type, j.Status, j.Priority, j.RetryCount, j.Source)
		if j.LastError != "" {
			out.Status(" ", j.LastError)
		}
	}
	return nil
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newWriter(cmd)

			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.Ledger.Stats(cmd.Context())
			if err != nil {
				return err
			}

			if out.JSONMode() {
				return out.Emit(stats)
			}

			order := []queue.JobStatus{
				queue.StatusPending, queue.StatusProcessing, queue.StatusCompleted,
				queue.StatusFailed, queue.StatusCancelled, queue.StatusInterrupted,
			}
			rows := make([][2]string, 0, len(order))
			for _, s := range order {
				rows = append(rows, [2]string{string(s), fmt.Sprintf("%d", stats[s])})
			}
			out.Table(rows)
			return nil
		},
	}
}

func newQueueCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newWriter(cmd)

			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			job, err := app.Ledger.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %s not found", args[0])
			}
			if job.Status.Terminal() {
				return fmt.Errorf("job %s is already %s", args[0], job.Status)
			}

			if err := app.Ledger.UpdateStatus(ctx, job.JobID, queue.StatusCancelled, ""); err != nil {
				return err
			}
			if out.JSONMode() {
				return out.Emit(map[string]string{"job_id": job.JobID, "status": string(queue.StatusCancelled)})
			}
			out.Successf("cancelled %s", job.JobID)
			return nil
		},
	}
}

func newQueueRetryCmd() *cobra.Command {
	var resetRetries bool

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed or interrupted job",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newWriter(cmd)

			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			job, err := app.Ledger.Requeue(cmd.Context(), args[0], resetRetries)
			if err != nil {
				return err
			}
			if out.JSONMode() {
				return out.Emit(map[string]string{"job_id": job.JobID, "status": string(job.Status)})
			}
			out.Successf("requeued %s, it will run on the next ingest", job.JobID)
			return nil
		},
	}

	cmd.Args = cobra.ExactArgs(1)
	cmd.Flags().BoolVar(&resetRetries, "reset-retries", false, "Reset the retry counter")
	return cmd
}
