package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/coord"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/queue"
)

var depthCmd = &cobra.Command{
	Use:   "depth",
	Short: "Count due queued jobs per priority and running jobs per type",
	Args:  cobra.NoArgs,
	RunE:  runDepth,
}

func runDepth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	depth, err := queue.Depth(ctx, router)
	if err != nil {
		return err
	}

	w := out(cmd)
	fmt.Fprintln(w, "queued:")
	for _, p := range []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		fmt.Fprintf(w, "  %-7s %d\n", p, depth[p])
	}

	c, err := redisClient(ctx)
	if err != nil {
		logger.Warn("running counts unavailable", "err", err)
		return nil
	}
	fmt.Fprintln(w, "running:")
	for _, t := range []domain.JobType{domain.JobTypeSearch, domain.JobTypeListing} {
		n, err := coord.InflightCount(ctx, c, string(t))
		if err != nil {
			return fmt.Errorf("inflight count: %w", err)
		}
		fmt.Fprintf(w, "  %-7s %d\n", t, n)
	}
	return nil
}
