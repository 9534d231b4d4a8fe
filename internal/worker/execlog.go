package worker

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// writeExecLogStart inserts the execution_log row before the handler runs,
// so a crash mid-run still leaves an audit trail.
func writeExecLogStart(
	ctx context.Context,
	db DB,
	execID uuid.UUID,
	job *domain.Job,
	workerID uuid.UUID,
	hostname, traceID string,
) error {
	_, err := db.Exec(ctx, `
		INSERT INTO execution_log
			(id, job_id, worker_id, worker_hostname, job_type, attempt, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		execID, job.ID, workerID, hostname, string(job.Type), job.Attempts, traceID)
	return err
}

// writeExecLogFinish records the outcome. Failures are only logged; the job
// row already carries the authoritative state.
func writeExecLogFinish(
	ctx context.Context,
	db DB,
	execID uuid.UUID,
	outcome string,
	handlerErr error,
	logger *slog.Logger,
) {
	var errMsg *string
	if handlerErr != nil {
		s := handlerErr.Error()
		errMsg = &s
	}
	_, err := db.Exec(ctx, `
		UPDATE execution_log
		SET finished_at = NOW(), outcome = $1, error_message = $2
		WHERE id = $3
		  AND finished_at IS NULL`, outcome, errMsg, execID)
	if err != nil {
		logger.Error("failed to write exec log finish",
			"exec_id", execID, "err", err)
	}
}
