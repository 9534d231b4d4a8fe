package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/coord"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/registry"
)

type Config struct {
	ID             uuid.UUID
	Hostname       string
	Concurrency    int
	LeaseSeconds   int
	BackoffBase    time.Duration
	DeadLetterSize int64
	PollInterval   time.Duration
}

// Worker runs Concurrency poll loops in one process. Each loop executes
// one job at a time.
type Worker struct {
	ID       uuid.UUID
	Hostname string
	DB       DB
	Redis    *redis.Client
	Registry *registry.Registry
	Logger   *slog.Logger
	cfg      Config

	// runCtx outlives the claim context so in-flight jobs can finish during
	// a drain; DrainAndWait cancels it when the drain deadline passes.
	runCtx    context.Context
	runCancel context.CancelFunc
	loops     sync.WaitGroup
}

func New(cfg Config, db DB, rc *redis.Client, reg *registry.Registry, logger *slog.Logger) *Worker {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 30
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.DeadLetterSize <= 0 {
		cfg.DeadLetterSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Worker{
		ID:        cfg.ID,
		Hostname:  cfg.Hostname,
		DB:        db,
		Redis:     rc,
		Registry:  reg,
		Logger:    logger,
		cfg:       cfg,
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Start launches the poll loops and returns. Loops stop claiming when ctx
// is canceled; jobs already running continue until DrainAndWait gives up.
func (w *Worker) Start(ctx context.Context) {
	w.Logger.Info("worker starting",
		"worker_id", w.ID,
		"concurrency", w.cfg.Concurrency,
		"job_types", w.Registry.Types())

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.loops.Add(1)
		go func(slot int) {
			defer w.loops.Done()
			w.poll(ctx, slot)
		}(i)
	}
}

func (w *Worker) poll(ctx context.Context, slot int) {
	log := w.Logger.With("slot", slot)
	types := w.Registry.Types()
	holder := fmt.Sprintf("%s/%d", w.ID, slot)

	for {
		if ctx.Err() != nil {
			return
		}

		execID := uuid.New()
		job, err := ClaimJob(ctx, w.DB, types, holder, execID, w.cfg.LeaseSeconds)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("claim error", "err", err)
			}
			sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.runJob(w.runCtx, job, execID, holder)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// DrainAndWait blocks until every poll loop has exited. If ctx ends first,
// running handlers are canceled and their jobs are left for the reaper.
func (w *Worker) DrainAndWait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.runCancel()
		return nil
	case <-ctx.Done():
		w.runCancel()
		<-done
		return ctx.Err()
	}
}

func (w *Worker) runJob(ctx context.Context, job *domain.Job, execID uuid.UUID, holder string) {
	traceID := uuid.New().String()
	log := w.Logger.With(
		"job_id", job.ID,
		"job_type", job.Type,
		"alert_id", job.AlertID,
		"priority", job.Priority,
		"attempt", job.Attempts,
		"trace_id", traceID,
		"exec_id", execID,
	)

	if err := coord.ClaimInflight(ctx, w.Redis, string(job.Type), execID.String()); err != nil {
		log.Warn("inflight claim failed", "err", err)
	}
	defer func() {
		if err := coord.ReleaseInflight(context.WithoutCancel(ctx), w.Redis, string(job.Type), execID.String()); err != nil {
			log.Warn("inflight release failed", "err", err)
		}
	}()

	if err := writeExecLogStart(ctx, w.DB, execID, job, w.ID, w.Hostname, traceID); err != nil {
		log.Error("failed to write exec log start", "err", err)
		w.finish(ctx, job, execID, fmt.Errorf("execution log write failed: %w", err), log)
		return
	}

	log.Info("job started")

	handler, err := w.Registry.Lookup(job.Type)
	if err != nil {
		log.Error("unknown job type, failing job", "err", err)
		w.finish(ctx, job, execID, &registry.FatalError{Cause: err}, log)
		return
	}

	result := executeJob(ctx, w.DB, job, lease{
		jobID:   job.ID,
		holder:  holder,
		execID:  execID,
		seconds: w.cfg.LeaseSeconds,
	}, handler, log)
	if result.outcome == outcomeAbandoned {
		log.Info("job abandoned; leaving it for the reaper")
		return
	}
	w.finish(ctx, job, execID, result.err, log)
}

// finish applies the transition decide picks, then records it in the
// execution log, the dead-letter ring and the event channel.
func (w *Worker) finish(ctx context.Context, job *domain.Job, execID uuid.UUID, handlerErr error, log *slog.Logger) {
	var (
		updated bool
		err     error
		delay   time.Duration
	)
	next := decide(handlerErr, job.Attempts, job.MaxAttempts)
	switch next {
	case transitionComplete:
		updated, err = markCompleted(ctx, w.DB, job.ID, execID)
	case transitionRetry:
		delay = computeBackoff(w.cfg.BackoffBase, job.Attempts)
		updated, err = markRetry(ctx, w.DB, job, execID, handlerErr, delay)
	case transitionFail:
		updated, err = markFailed(ctx, w.DB, job.ID, execID, handlerErr)
	}
	if err != nil {
		log.Error("failed to apply transition", "transition", next, "err", err)
		return
	}
	if !updated {
		log.Warn("stale transition ignored", "transition", next)
		return
	}

	ev := coord.JobEvent{
		JobID:    job.ID.String(),
		Type:     string(job.Type),
		AlertID:  job.AlertID,
		Event:    string(next),
		Attempts: job.Attempts,
		At:       time.Now(),
	}
	switch next {
	case transitionComplete:
		log.Info("job completed")
		writeExecLogFinish(ctx, w.DB, execID, "completed", nil, log)
	case transitionRetry:
		log.Warn("job failed, will retry",
			"err", handlerErr,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"retry_in", delay)
		writeExecLogFinish(ctx, w.DB, execID, "failed", handlerErr, log)
		ev.Error = handlerErr.Error()
	case transitionFail:
		log.Warn("job failed permanently",
			"err", handlerErr,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts)
		writeExecLogFinish(ctx, w.DB, execID, "failed", handlerErr, log)
		ev.Error = handlerErr.Error()
		dead := domain.DeadJob{
			JobID:    job.ID,
			Type:     job.Type,
			AlertID:  job.AlertID,
			Attempts: job.Attempts,
			Error:    handlerErr.Error(),
			FailedAt: time.Now(),
		}
		if err := coord.PushDead(ctx, w.Redis, dead, w.cfg.DeadLetterSize); err != nil {
			log.Warn("dead-letter push failed", "err", err)
		}
	}
	publish(ctx, w.Redis, log, ev)
}

// publish is best effort; subscribers are never waited on.
func publish(ctx context.Context, rc *redis.Client, log *slog.Logger, ev coord.JobEvent) {
	if err := coord.PublishJobEvent(ctx, rc, ev); err != nil {
		log.Warn("job event not published", "event", ev.Event, "err", err)
	}
}
