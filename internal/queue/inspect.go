package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// Reader is the read side of *db.Router. Inspection reads may be served by
// the replica and can lag slightly behind the primary.
type Reader interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrJobNotFound is returned when no job row matches the id.
var ErrJobNotFound = errors.New("job not found")

// GetJob loads one job by id.
func GetJob(ctx context.Context, db Reader, jobID uuid.UUID) (*domain.Job, error) {
	var j domain.Job
	var jobType, prio, state string
	err := db.QueryRow(ctx, `
		SELECT id, job_type, alert_id, priority, state, attempts, max_attempts,
		       scheduled_at, created_at, updated_at, completed_at,
		       locked_by, locked_at, lock_expires_at, current_execution_id,
		       last_error, last_error_at
		FROM jobs WHERE id = $1`, jobID,
	).Scan(
		&j.ID, &jobType, &j.AlertID, &prio, &state, &j.Attempts, &j.MaxAttempts,
		&j.ScheduledAt, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
		&j.LockedBy, &j.LockedAt, &j.LockExpiresAt, &j.CurrentExecutionID,
		&j.LastError, &j.LastErrorAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	j.Type = domain.JobType(jobType)
	j.Priority = domain.Priority(prio)
	j.State = domain.JobState(state)
	return &j, nil
}

// History returns every execution attempt of a job in attempt order.
func History(ctx context.Context, db Reader, jobID uuid.UUID) ([]domain.ExecutionLog, error) {
	rows, err := db.Query(ctx, `
		SELECT id, job_id, worker_id, worker_hostname, job_type, attempt,
		       started_at, finished_at, outcome, error_message, trace_id
		FROM execution_log
		WHERE job_id = $1
		ORDER BY attempt ASC, started_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []domain.ExecutionLog
	for rows.Next() {
		var (
			e       domain.ExecutionLog
			jobType string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.WorkerID, &e.WorkerHostname, &jobType,
			&e.Attempt, &e.StartedAt, &e.FinishedAt, &e.Outcome, &e.ErrorMessage, &e.TraceID,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.JobType = domain.JobType(jobType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Depth counts due queued jobs per priority.
func Depth(ctx context.Context, db Reader) (map[domain.Priority]int, error) {
	rows, err := db.Query(ctx, `
		SELECT priority, COUNT(*)
		FROM jobs
		WHERE state = 'queued' AND scheduled_at <= NOW()
		GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("query depth: %w", err)
	}
	defer rows.Close()

	depth := map[domain.Priority]int{}
	for rows.Next() {
		var (
			p string
			n int
		)
		if err := rows.Scan(&p, &n); err != nil {
			return nil, fmt.Errorf("scan depth row: %w", err)
		}
		depth[domain.Priority(p)] = n
	}
	return depth, rows.Err()
}
