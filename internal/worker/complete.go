package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/registry"
)

// maxBackoff caps the retry delay.
const maxBackoff = time.Hour

type transition string

const (
	transitionComplete transition = "completed"
	transitionRetry    transition = "retry"
	transitionFail     transition = "failed"
)

// decide maps a handler result to the job's next state. Attempts were
// already incremented at claim, so attempts == max means none are left.
func decide(handlerErr error, attempts, maxAttempts int) transition {
	if handlerErr == nil {
		return transitionComplete
	}
	var fatal *registry.FatalError
	if errors.As(handlerErr, &fatal) || attempts >= maxAttempts {
		return transitionFail
	}
	return transitionRetry
}

// computeBackoff returns base * 2^(attempt-1), capped at maxBackoff. There
// is no jitter, so delays never decrease as attempts grow.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	d := base * time.Duration(1<<shift)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

// The mark* updates are fenced on current_execution_id and a live lease: a
// worker whose job was reclaimed can never overwrite the new owner's state.

func markCompleted(ctx context.Context, db DB, jobID, execID uuid.UUID) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	result, err := db.Exec(ctx, `
		UPDATE jobs SET
			state                = 'completed',
			completed_at         = NOW(),
			locked_by            = NULL,
			locked_at            = NULL,
			lock_expires_at      = NULL,
			current_execution_id = NULL,
			updated_at           = NOW()
		WHERE id = $1
		  AND state = 'active'
		  AND current_execution_id = $2
		  AND lock_expires_at > NOW()`, jobID, execID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// markFailed moves a job to the terminal failed state.
func markFailed(
	ctx context.Context, db DB,
	jobID uuid.UUID, execID uuid.UUID, handlerErr error,
) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	result, err := db.Exec(ctx, `
		UPDATE jobs SET
			state                = 'failed',
			last_error           = $1,
			last_error_at        = NOW(),
			completed_at         = NOW(),
			locked_by            = NULL,
			locked_at            = NULL,
			lock_expires_at      = NULL,
			current_execution_id = NULL,
			updated_at           = NOW()
		WHERE id = $2
		  AND state = 'active'
		  AND current_execution_id = $3
		  AND lock_expires_at > NOW()`, handlerErr.Error(), jobID, execID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// markRetry re-queues a failed job behind its backoff window.
func markRetry(
	ctx context.Context, db DB,
	job *domain.Job, execID uuid.UUID, handlerErr error, delay time.Duration,
) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	result, err := db.Exec(ctx, `
		UPDATE jobs SET
			state                = 'queued',
			scheduled_at         = NOW() + ($1 * interval '1 millisecond'),
			last_error           = $2,
			last_error_at        = NOW(),
			locked_by            = NULL,
			locked_at            = NULL,
			lock_expires_at      = NULL,
			current_execution_id = NULL,
			updated_at           = NOW()
		WHERE id = $3
		  AND state = 'active'
		  AND current_execution_id = $4
		  AND lock_expires_at > NOW()`,
		delay.Milliseconds(), handlerErr.Error(), job.ID, execID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}
