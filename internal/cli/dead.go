package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/coord"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/queue"
)

var deadLimit int64

var deadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List recently dead-lettered jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runDead,
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Give a failed job a fresh set of attempts",
	Long: `Give a failed job a fresh set of attempts.

Only jobs in the failed state are touched. The dead-letter ring is a
bounded history and keeps its entry.

Examples:
  alertctl dead
  alertctl requeue 6c1e2f0a-7d0e-4f7b-9d55-3c2a7f1b9e10`,
	Args: cobra.ExactArgs(1),
	RunE: runRequeue,
}

func init() {
	deadCmd.Flags().Int64VarP(&deadLimit, "limit", "n", 20, "maximum entries to show")
}

func runDead(cmd *cobra.Command, args []string) error {
	c, err := redisClient(cmd.Context())
	if err != nil {
		return err
	}
	dead, err := coord.ListDead(cmd.Context(), c, deadLimit)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	w := out(cmd)
	if len(dead) == 0 {
		fmt.Fprintln(w, "no dead-lettered jobs")
		return nil
	}
	for _, d := range dead {
		fmt.Fprintf(w, "%s  %-8s alert=%s attempts=%d failed_at=%s\n    %s\n",
			d.JobID, d.Type, d.AlertID, d.Attempts, d.FailedAt.Format(time.RFC3339), d.Error)
	}
	return nil
}

func runRequeue(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}
	ok, err := queue.Requeue(cmd.Context(), router, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not in the failed state", id)
	}
	fmt.Fprintf(out(cmd), "requeued: %s\n", id)
	return nil
}
