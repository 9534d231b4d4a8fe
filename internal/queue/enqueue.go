package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// Writer is the write side of *db.Router.
type Writer interface {
	WriteRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrInvalidJob is returned for submissions the queue refuses outright.
var ErrInvalidJob = errors.New("invalid job")

// DefaultMaxAttempts applies when EnqueueOptions.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// EnqueueOptions configures a single job submission.
type EnqueueOptions struct {
	Type        domain.JobType
	AlertID     string
	Priority    domain.Priority
	MaxAttempts int
	Delay       time.Duration
}

// Handle identifies an enqueued job.
type Handle struct {
	JobID       uuid.UUID
	State       domain.JobState
	ScheduledAt time.Time
}

const insertSQL = `
INSERT INTO jobs
    (job_type, alert_id, priority, priority_rank, max_attempts, scheduled_at, state)
VALUES ($1, $2, $3, $4, $5, NOW() + ($6 * interval '1 millisecond'), 'queued')
RETURNING id, state, scheduled_at`

// Enqueue inserts a queued job. Duplicate (type, alert) submissions are
// accepted: processing is idempotent, so two runs for one alert are
// harmless.
func Enqueue(ctx context.Context, db Writer, opts EnqueueOptions) (Handle, error) {
	if _, err := domain.ParseJobType(string(opts.Type)); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if opts.AlertID == "" {
		return Handle{}, fmt.Errorf("%w: alert id is required", ErrInvalidJob)
	}
	priority, err := domain.ParsePriority(string(opts.Priority))
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	switch {
	case opts.MaxAttempts == 0:
		opts.MaxAttempts = DefaultMaxAttempts
	case opts.MaxAttempts < 0:
		return Handle{}, fmt.Errorf("%w: max attempts must be >= 1", ErrInvalidJob)
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}

	var h Handle
	var state string
	err = db.WriteRow(ctx, insertSQL,
		string(opts.Type), opts.AlertID, string(priority), priority.Rank(),
		opts.MaxAttempts, opts.Delay.Milliseconds(),
	).Scan(&h.JobID, &state, &h.ScheduledAt)
	if err != nil {
		return Handle{}, fmt.Errorf("insert job: %w", err)
	}
	h.State = domain.JobState(state)
	return h, nil
}
