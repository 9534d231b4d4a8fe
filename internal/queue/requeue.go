package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the primary-only Exec of *db.Router.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Requeue gives a failed job a fresh set of attempts. Jobs in any other
// state are left alone and Requeue reports false.
func Requeue(ctx context.Context, db Execer, jobID uuid.UUID) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE jobs SET
			state        = 'queued',
			attempts     = 0,
			scheduled_at = NOW(),
			completed_at = NULL,
			updated_at   = NOW()
		WHERE id = $1 AND state = 'failed'`, jobID)
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
