package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/registry"
)

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeFailed    outcome = "failed"
	// The worker is draining, or the reaper took the job back. Either way
	// the job row is no longer ours to transition.
	outcomeAbandoned outcome = "abandoned"
)

type executeResult struct {
	outcome outcome
	err     error
}

// lease identifies the claim a running execution holds on its job row.
type lease struct {
	jobID   uuid.UUID
	holder  string
	execID  uuid.UUID
	seconds int
}

// executeJob runs handler while the lease is kept alive. If the lease is
// lost mid-run the handler's context is cancelled.
func executeJob(
	ctx context.Context,
	db DB,
	job *domain.Job,
	l lease,
	handler registry.Handler,
	logger *slog.Logger,
) executeResult {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		lost bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !keepLease(execCtx, db, l, logger) {
			lost = true
			cancel()
		}
	}()

	handlerErr := handler(execCtx, job)
	cancel()
	wg.Wait()

	switch {
	case ctx.Err() != nil, lost:
		return executeResult{outcome: outcomeAbandoned}
	case handlerErr != nil:
		return executeResult{outcome: outcomeFailed, err: handlerErr}
	}
	return executeResult{outcome: outcomeCompleted}
}

// keepLease pushes lock_expires_at forward every seconds/3 until ctx ends.
// It returns false when an extension matched no row, meaning the lease
// expired or was reassigned.
func keepLease(ctx context.Context, db DB, l lease, logger *slog.Logger) bool {
	ticker := time.NewTicker(time.Duration(l.seconds) * time.Second / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}

		tag, err := db.Exec(ctx, `
			UPDATE jobs
			SET lock_expires_at = NOW() + ($1 * interval '1 second')
			WHERE id = $2
			  AND state = 'active'
			  AND locked_by = $3
			  AND current_execution_id = $4
			  AND lock_expires_at > NOW()`,
			l.seconds, l.jobID, l.holder, l.execID)
		switch {
		case ctx.Err() != nil:
			return true
		case err != nil:
			// Transient; the next tick tries again before the lease runs out.
			logger.Warn("lease extension failed", "err", err)
		case tag.RowsAffected() == 0:
			logger.Warn("lease lost; cancelling handler")
			return false
		}
	}
}
