package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/coord"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// ReaperConfig controls stall detection. Holder identifies this process in
// the leader election and must be unique per process.
type ReaperConfig struct {
	Holder         string
	Interval       time.Duration
	DeadLetterSize int64
}

// RunReaper competes for the Redis leader lease on every tick; only the
// holder reaps. The lease TTL is twice the interval, so a crashed leader is
// replaced within two ticks. Blocks until ctx is done.
func RunReaper(ctx context.Context, db DB, rc *redis.Client, cfg ReaperConfig, logger *slog.Logger) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	ttl := 2 * cfg.Interval
	key := coord.ReaperLeaderKey()
	leading := false

	defer func() {
		if leading {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = coord.ReleaseLease(releaseCtx, rc, key, cfg.Holder)
		}
	}()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		won, err := coord.AcquireLease(ctx, rc, key, cfg.Holder, ttl)
		if err != nil {
			logger.Warn("reaper: leader lease check failed", "err", err)
			continue
		}
		if won != leading {
			logger.Info("reaper: leadership changed", "leader", won, "holder", cfg.Holder)
			leading = won
		}
		if !won {
			continue
		}

		if _, err := reapExpiredJobs(ctx, db, rc, cfg.DeadLetterSize, logger); err != nil {
			logger.Error("reaper: expired job reap failed", "err", err)
		}
		reapDeadWorkers(ctx, db, logger)
	}
}

// reapExpiredJobs returns active jobs whose lease has lapsed to queued, or
// fails them when no attempts remain. The CTE captures
// current_execution_id before the UPDATE clears it. SKIP LOCKED keeps the
// reaper off rows a worker is extending right now; LIMIT bounds each pass.
func reapExpiredJobs(ctx context.Context, db DB, rc *redis.Client,
	deadLetterSize int64, logger *slog.Logger) (int, error) {
	rows, err := db.WriteQuery(ctx, `
		WITH expired AS (
			SELECT id, current_execution_id, attempts, max_attempts
			FROM jobs
			WHERE state = 'active' AND lock_expires_at < NOW()
			ORDER BY lock_expires_at ASC
			LIMIT 500
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET
			state                = CASE WHEN expired.attempts >= expired.max_attempts
			                            THEN 'failed' ELSE 'queued' END,
			completed_at         = CASE WHEN expired.attempts >= expired.max_attempts
			                            THEN NOW() END,
			scheduled_at         = clock_timestamp() + interval '1 second',
			last_error           = 'lease expired',
			last_error_at        = NOW(),
			locked_by            = NULL,
			locked_at            = NULL,
			lock_expires_at      = NULL,
			current_execution_id = NULL,
			updated_at           = NOW()
		FROM expired
		WHERE jobs.id = expired.id
		RETURNING jobs.id, expired.current_execution_id, jobs.job_type,
		          jobs.alert_id, jobs.attempts, jobs.state`)
	if err != nil {
		return 0, err
	}

	type stalled struct {
		jobID    uuid.UUID
		execID   *uuid.UUID
		jobType  string
		alertID  string
		attempts int
		state    string
	}
	var reaped []stalled

	for rows.Next() {
		var s stalled
		if err := rows.Scan(&s.jobID, &s.execID, &s.jobType, &s.alertID, &s.attempts, &s.state); err != nil {
			continue
		}
		reaped = append(reaped, s)
	}

	// Close before side effects so the UPDATE commits promptly.
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, s := range reaped {
		if s.execID != nil {
			if err := coord.ReleaseInflight(ctx, rc, s.jobType, s.execID.String()); err != nil {
				logger.Warn("reaper: inflight release failed", "exec_id", s.execID, "err", err)
			}
			_, err := db.Exec(ctx, `
				UPDATE execution_log
				SET finished_at = NOW(), outcome = 'orphaned'
				WHERE id = $1 AND finished_at IS NULL`, s.execID)
			if err != nil {
				logger.Warn("reaper: exec log update failed",
					"exec_id", s.execID, "err", err)
			}
		}

		event := "reclaimed"
		if domain.JobState(s.state) == domain.StateFailed {
			event = "failed"
			dead := domain.DeadJob{
				JobID:    s.jobID,
				Type:     domain.JobType(s.jobType),
				AlertID:  s.alertID,
				Attempts: s.attempts,
				Error:    "lease expired",
				FailedAt: time.Now(),
			}
			if err := coord.PushDead(ctx, rc, dead, deadLetterSize); err != nil {
				logger.Warn("reaper: dead-letter push failed", "job_id", s.jobID, "err", err)
			}
		}

		logger.Warn("reaper: stalled job "+event,
			"job_id", s.jobID,
			"exec_id", s.execID,
			"job_type", s.jobType,
			"alert_id", s.alertID,
			"attempts", s.attempts)
		publish(ctx, rc, logger, coord.JobEvent{
			JobID:    s.jobID.String(),
			Type:     s.jobType,
			AlertID:  s.alertID,
			Event:    event,
			Attempts: s.attempts,
			Error:    "lease expired",
			At:       time.Now(),
		})
	}
	return len(reaped), nil
}

// reapDeadWorkers marks workers silent for 30 seconds as dead. Job recovery
// relies on lease expiry, not on this status.
func reapDeadWorkers(ctx context.Context, db DB, logger *slog.Logger) {
	result, err := db.Exec(ctx, `
		UPDATE workers SET status = 'dead'
		WHERE status = 'active'
		  AND last_heartbeat < NOW() - interval '30 seconds'`)
	if err != nil {
		logger.Error("reaper: dead worker reap failed", "err", err)
		return
	}
	if result.RowsAffected() > 0 {
		logger.Info("reaper: marked workers dead",
			"count", result.RowsAffected())
	}
}
