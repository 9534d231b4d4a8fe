package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history <job-id>",
	Short: "Show every execution attempt of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}
	job, err := queue.GetJob(cmd.Context(), router, id)
	if err != nil {
		return err
	}

	w := out(cmd)
	fmt.Fprintf(w, "job_id:       %s\n", job.ID)
	fmt.Fprintf(w, "type:         %s\n", job.Type)
	fmt.Fprintf(w, "alert_id:     %s\n", job.AlertID)
	fmt.Fprintf(w, "priority:     %s\n", job.Priority)
	fmt.Fprintf(w, "state:        %s\n", job.State)
	fmt.Fprintf(w, "attempts:     %d/%d\n", job.Attempts, job.MaxAttempts)
	fmt.Fprintf(w, "scheduled_at: %s\n", job.ScheduledAt.Format(time.RFC3339))
	if job.LockedBy != nil {
		fmt.Fprintf(w, "locked_by:    %s\n", *job.LockedBy)
	}
	if job.LastError != nil {
		fmt.Fprintf(w, "last_error:   %s\n", *job.LastError)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}
	entries, err := queue.History(cmd.Context(), router, id)
	if err != nil {
		return err
	}

	w := out(cmd)
	if len(entries) == 0 {
		fmt.Fprintf(w, "no execution history for job %s\n", id)
		return nil
	}

	fmt.Fprintf(w, "execution history for job %s (%d attempt(s)):\n\n", id, len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "  attempt:      %d\n", e.Attempt)
		fmt.Fprintf(w, "  execution_id: %s\n", e.ID)
		fmt.Fprintf(w, "  worker:       %s\n", e.WorkerHostname)
		fmt.Fprintf(w, "  started_at:   %s\n", e.StartedAt.Format(time.RFC3339))
		if e.FinishedAt != nil {
			fmt.Fprintf(w, "  finished_at:  %s\n", e.FinishedAt.Format(time.RFC3339))
		}
		if e.Outcome != nil {
			fmt.Fprintf(w, "  outcome:      %s\n", *e.Outcome)
		}
		if e.ErrorMessage != nil {
			fmt.Fprintf(w, "  error:        %s\n", *e.ErrorMessage)
		}
		fmt.Fprintln(w)
	}
	return nil
}
