package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/coord"
)

var watchCmd = &cobra.Command{
	Use:   "watch [job-id]",
	Short: "Stream job transitions as workers publish them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobID := ""
	if len(args) == 1 {
		jobID = args[0]
	}

	c, err := redisClient(ctx)
	if err != nil {
		return err
	}
	sub := c.Subscribe(ctx, coord.JobEventsChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	w := out(cmd)
	if jobID != "" {
		fmt.Fprintf(w, "watching job %s (ctrl-c to stop)\n", jobID)
	} else {
		fmt.Fprintln(w, "watching all job events (ctrl-c to stop)")
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev coord.JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Debug("skipping malformed event", "err", err)
				continue
			}
			if jobID != "" && ev.JobID != jobID {
				continue
			}
			fmt.Fprintf(w, "job_id=%-36s  event=%-9s  type=%-7s  alert=%s  attempts=%d",
				ev.JobID, ev.Event, ev.Type, ev.AlertID, ev.Attempts)
			if ev.Error != "" {
				fmt.Fprintf(w, "  err=%q", ev.Error)
			}
			fmt.Fprintln(w)
		}
	}
}
