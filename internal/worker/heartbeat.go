package worker

import (
	"context"
	"time"
)

// RegisterWorker upserts the worker row that execution_log references.
// Safe on restart: a conflict refreshes the heartbeat and status.
func RegisterWorker(ctx context.Context, db DB, w *Worker) error {
	return db.WriteRow(ctx, `
		INSERT INTO workers (id, hostname, job_types)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
			SET hostname       = EXCLUDED.hostname,
			    job_types      = EXCLUDED.job_types,
			    status         = 'active',
			    last_heartbeat = NOW()
		RETURNING id`, w.ID, w.Hostname, w.Registry.Types()).Scan(&w.ID)
}

// RunHeartbeat updates last_heartbeat every 5 seconds until ctx is done.
func (w *Worker) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := w.DB.Exec(ctx,
				`UPDATE workers SET last_heartbeat = NOW() WHERE id = $1`, w.ID)
			if err != nil {
				w.Logger.Error("heartbeat failed", "err", err)
			}
		}
	}
}

// MarkStopped flags the worker row on clean shutdown.
func (w *Worker) MarkStopped(ctx context.Context) error {
	_, err := w.DB.Exec(ctx,
		`UPDATE workers SET status = 'stopped', last_heartbeat = NOW() WHERE id = $1`, w.ID)
	return err
}
