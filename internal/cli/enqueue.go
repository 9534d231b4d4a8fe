package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/queue"
)

var (
	enqueueType        string
	enqueuePriority    string
	enqueueMaxAttempts int
	enqueueDelay       time.Duration
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <alert-id>",
	Short: "Queue a check for an alert",
	Long: `Queue a check for an alert.

Search jobs run the alert's saved search; listing jobs re-check the one
listing a listing alert tracks.

Examples:
  alertctl enqueue 3f1c9a
  alertctl enqueue 3f1c9a --type listing --priority high
  alertctl enqueue 3f1c9a --delay 10m`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueType, "type", "t", string(domain.JobTypeSearch), "job type (search, listing)")
	enqueueCmd.Flags().StringVarP(&enqueuePriority, "priority", "p", string(domain.PriorityNormal), "priority (high, normal, low)")
	enqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "attempts before the job is dead-lettered (default JOB_MAX_ATTEMPTS)")
	enqueueCmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "earliest start, relative to now")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	maxAttempts := enqueueMaxAttempts
	if maxAttempts == 0 {
		maxAttempts = cfg.JobMaxAttempts
	}

	h, err := queue.Enqueue(cmd.Context(), router, queue.EnqueueOptions{
		Type:        domain.JobType(enqueueType),
		AlertID:     args[0],
		Priority:    domain.Priority(enqueuePriority),
		MaxAttempts: maxAttempts,
		Delay:       enqueueDelay,
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	fmt.Fprintf(out(cmd), "job_id:       %s\n", h.JobID)
	fmt.Fprintf(out(cmd), "state:        %s\n", h.State)
	fmt.Fprintf(out(cmd), "scheduled_at: %s\n", h.ScheduledAt.Format(time.RFC3339))
	return nil
}
