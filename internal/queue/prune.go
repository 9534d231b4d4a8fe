package queue

import (
	"context"
	"fmt"
	"time"
)

// PruneFinished deletes completed and failed jobs that finished before
// cutoff. Their execution_log rows go with them.
func PruneFinished(ctx context.Context, db Execer, cutoff time.Time) (int64, error) {
	tag, err := db.Exec(ctx, `
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed')
		  AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
