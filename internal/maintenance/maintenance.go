// Package maintenance runs periodic retention sweeps on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/coord"
)

// Task deletes rows older than Retain. Run receives the computed cutoff.
type Task struct {
	Name   string
	Retain time.Duration
	Run    func(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler wraps robfig/cron. When a Redis client is set, a sweep runs only
// on the process holding the maintenance lease.
type Scheduler struct {
	cron   *cron.Cron
	spec   string // cron spec, e.g. "@every 1h"
	tasks  []Task
	rc     *redis.Client
	holder string
	logger *slog.Logger
	now    func() time.Time
}

func New(spec string, tasks []Task, rc *redis.Client, logger *slog.Logger) *Scheduler {
	cronLog := slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cron.PrintfLogger(cronLog))),
		spec:   spec,
		tasks:  tasks,
		rc:     rc,
		holder: uuid.NewString(),
		logger: logger,
		now:    time.Now,
	}
}

// Start registers the sweep and starts the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	s.cron.Start()
	s.logger.Info("maintenance scheduled", "spec", s.spec, "tasks", len(s.tasks))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce runs every task once. It returns false when another process
// holds the maintenance lease.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if s.rc != nil {
		won, err := coord.AcquireLease(ctx, s.rc, coord.MaintenanceLeaderKey(), s.holder, 10*time.Minute)
		if err != nil {
			s.logger.Warn("maintenance lease check failed, running anyway", "err", err)
		} else if !won {
			s.logger.Debug("maintenance skipped, another process holds the lease")
			return false
		} else {
			defer func() {
				_ = coord.ReleaseLease(context.WithoutCancel(ctx), s.rc, coord.MaintenanceLeaderKey(), s.holder)
			}()
		}
	}

	for _, t := range s.tasks {
		if ctx.Err() != nil {
			return true
		}
		cutoff := s.now().Add(-t.Retain)
		n, err := t.Run(ctx, cutoff)
		if err != nil {
			s.logger.Error("maintenance task failed", "task", t.Name, "err", err)
			continue
		}
		s.logger.Info("maintenance task done", "task", t.Name, "deleted", n, "cutoff", cutoff)
	}
	return true
}
