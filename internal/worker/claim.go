package worker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// DB is the write side of *db.Router. The queue never reads from a replica:
// claims, transitions and reaping all run on the primary.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WriteRow(ctx context.Context, sql string, args ...any) pgx.Row
	WriteQuery(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// claimSQL atomically selects and locks a single due job.
//
// FOR UPDATE SKIP LOCKED hands each job to exactly one claimer; losers move
// on instead of blocking. Lower priority_rank wins, then age. The attempt
// counter is bumped here so a crash mid-run still uses up an attempt.
const claimSQL = `
WITH candidate AS (
    SELECT id FROM jobs
    WHERE job_type     = ANY($1::text[])
      AND state        = 'queued'
      AND scheduled_at <= NOW()
      AND attempts     < max_attempts
    ORDER BY
        priority_rank ASC,
        created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE jobs
SET
    state                = 'active',
    attempts             = attempts + 1,
    locked_by            = $2,
    locked_at            = NOW(),
    lock_expires_at      = NOW() + ($3 * interval '1 second'),
    current_execution_id = $4,
    updated_at           = NOW()
FROM candidate
WHERE jobs.id = candidate.id
RETURNING
    jobs.id, jobs.job_type, jobs.alert_id, jobs.priority, jobs.state,
    jobs.attempts, jobs.max_attempts, jobs.scheduled_at, jobs.created_at,
    jobs.updated_at, jobs.locked_by, jobs.locked_at, jobs.lock_expires_at,
    jobs.current_execution_id`

// ClaimJob claims one due job of the given types for workerID.
// Returns nil, nil when no job is available (normal idle state).
func ClaimJob(
	ctx context.Context,
	db DB,
	jobTypes []string,
	workerID string,
	execID uuid.UUID,
	leaseSecs int,
) (*domain.Job, error) {
	row := db.WriteRow(ctx, claimSQL, jobTypes, workerID, leaseSecs, execID)
	job := &domain.Job{}
	if err := scanJob(row, job); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// scanJob's column order must match the RETURNING clause exactly.
func scanJob(row pgx.Row, job *domain.Job) error {
	var jobType, priority, state string
	err := row.Scan(
		&job.ID,
		&jobType,
		&job.AlertID,
		&priority,
		&state,
		&job.Attempts,
		&job.MaxAttempts,
		&job.ScheduledAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.LockedBy,
		&job.LockedAt,
		&job.LockExpiresAt,
		&job.CurrentExecutionID,
	)
	if err != nil {
		return err
	}
	job.Type = domain.JobType(jobType)
	job.Priority = domain.Priority(priority)
	job.State = domain.JobState(state)
	return nil
}
