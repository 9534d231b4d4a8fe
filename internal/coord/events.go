package coord

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobEvent is published on JobEventsChannel for every terminal or retry
// transition. Delivery is best effort; nothing in the pipeline waits on it.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Type     string    `json:"type"`
	AlertID  string    `json:"alert_id"`
	Event    string    `json:"event"` // completed | retry | failed | reclaimed
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

func PublishJobEvent(ctx context.Context, rc *redis.Client, ev JobEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return rc.Publish(ctx, JobEventsChannel, raw).Err()
}
