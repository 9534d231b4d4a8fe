package coord

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// PushDead records a failed job at the head of the dead-letter list and
// trims the list to size entries, so only the most recent failures are
// retained.
func PushDead(ctx context.Context, rc *redis.Client, job domain.DeadJob, size int64) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal dead job: %w", err)
	}
	pipe := rc.TxPipeline()
	pipe.LPush(ctx, DeadLetterKey(), raw)
	pipe.LTrim(ctx, DeadLetterKey(), 0, size-1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListDead returns up to limit dead jobs, newest first.
func ListDead(ctx context.Context, rc *redis.Client, limit int64) ([]domain.DeadJob, error) {
	raws, err := rc.LRange(ctx, DeadLetterKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.DeadJob, 0, len(raws))
	for _, raw := range raws {
		var j domain.DeadJob
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
