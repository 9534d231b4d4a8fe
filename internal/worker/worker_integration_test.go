//go:build integration

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/coord"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/db"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/migrate"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/queue"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/registry"
)

var testRouter *db.Router

func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "alerts",
				"POSTGRES_PASSWORD": "alerts",
				"POSTGRES_DB":       "alerts",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("container port: %v", err)
	}

	logger := discardLogger()
	testRouter, err = db.Connect(ctx, db.Options{
		PrimaryURL:      fmt.Sprintf("postgres://alerts:alerts@%s:%s/alerts?sslmode=disable", host, port.Port()),
		StartupAttempts: 5,
		StartupBackoff:  500 * time.Millisecond,
	}, logger)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := migrate.Run(ctx, testRouter, logger); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	code := m.Run()

	testRouter.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func resetJobs(t *testing.T) {
	t.Helper()
	_, err := testRouter.Exec(context.Background(), `TRUNCATE jobs, execution_log CASCADE`)
	require.NoError(t, err)
}

func newTestWorker(t *testing.T, reg *registry.Registry) (*Worker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	w := New(Config{
		Hostname:       "test",
		Concurrency:    2,
		LeaseSeconds:   30,
		BackoffBase:    time.Millisecond,
		DeadLetterSize: 10,
		PollInterval:   20 * time.Millisecond,
	}, testRouter, rc, reg, discardLogger())
	require.NoError(t, RegisterWorker(context.Background(), testRouter, w))
	return w, rc
}

func enqueue(t *testing.T, p domain.Priority, alertID string, maxAttempts int) uuid.UUID {
	t.Helper()
	h, err := queue.Enqueue(context.Background(), testRouter, queue.EnqueueOptions{
		Type: domain.JobTypeSearch, AlertID: alertID, Priority: p, MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return h.JobID
}

func waitForState(t *testing.T, id uuid.UUID, want domain.JobState) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := queue.GetJob(context.Background(), testRouter, id)
		if err != nil {
			return false
		}
		job = j
		return j.State == want
	}, 10*time.Second, 20*time.Millisecond)
	return job
}

func TestClaimOrderFollowsPriority(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()
	low := enqueue(t, domain.PriorityLow, "a-low", 3)
	normal := enqueue(t, domain.PriorityNormal, "a-normal", 3)
	high := enqueue(t, domain.PriorityHigh, "a-high", 3)

	var got []uuid.UUID
	for i := 0; i < 3; i++ {
		job, err := ClaimJob(ctx, testRouter, []string{"search"}, "w", uuid.New(), 30)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, 1, job.Attempts, "attempts are counted at claim")
		got = append(got, job.ID)
	}
	assert.Equal(t, []uuid.UUID{high, normal, low}, got)

	job, err := ClaimJob(ctx, testRouter, []string{"search"}, "w", uuid.New(), 30)
	require.NoError(t, err)
	assert.Nil(t, job, "each job is handed out once")
}

func TestRetryThenComplete(t *testing.T) {
	resetJobs(t)
	var calls atomic.Int32
	reg := registry.New()
	reg.Register(domain.JobTypeSearch, func(context.Context, *domain.Job) error {
		if calls.Add(1) < 3 {
			return errors.New("provider timed out")
		}
		return nil
	})
	w, _ := newTestWorker(t, reg)

	id := enqueue(t, domain.PriorityNormal, "a-retry", 3)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	job := waitForState(t, id, domain.StateCompleted)
	cancel()
	require.NoError(t, w.DrainAndWait(context.Background()))

	assert.Equal(t, 3, job.Attempts)
	history, err := queue.History(context.Background(), testRouter, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "completed", *history[2].Outcome)
}

func TestExhaustedJobIsDeadLettered(t *testing.T) {
	resetJobs(t)
	reg := registry.New()
	reg.Register(domain.JobTypeSearch, func(context.Context, *domain.Job) error {
		return errors.New("provider returned garbage")
	})
	w, rc := newTestWorker(t, reg)

	id := enqueue(t, domain.PriorityNormal, "a-dead", 2)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	job := waitForState(t, id, domain.StateFailed)
	cancel()
	require.NoError(t, w.DrainAndWait(context.Background()))

	assert.Equal(t, 2, job.Attempts, "attempts never exceed max")
	require.NotNil(t, job.LastError)

	require.Eventually(t, func() bool {
		dead, err := coord.ListDead(context.Background(), rc, 10)
		return err == nil && len(dead) == 1 && dead[0].JobID == id
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFatalErrorSkipsRetries(t *testing.T) {
	resetJobs(t)
	reg := registry.New()
	reg.Register(domain.JobTypeSearch, func(context.Context, *domain.Job) error {
		return &registry.FatalError{Cause: errors.New("criteria unreadable")}
	})
	w, _ := newTestWorker(t, reg)

	id := enqueue(t, domain.PriorityNormal, "a-fatal", 5)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	job := waitForState(t, id, domain.StateFailed)
	cancel()
	require.NoError(t, w.DrainAndWait(context.Background()))
	assert.Equal(t, 1, job.Attempts)
}

func TestReaperReclaimsAndFailsStalledJobs(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	retryable := enqueue(t, domain.PriorityHigh, "a-stall-1", 3)
	exhausted := enqueue(t, domain.PriorityNormal, "a-stall-2", 1)
	for i := 0; i < 2; i++ {
		job, err := ClaimJob(ctx, testRouter, []string{"search"}, "gone", uuid.New(), 30)
		require.NoError(t, err)
		require.NotNil(t, job)
	}
	_, err := testRouter.Exec(ctx, `UPDATE jobs SET lock_expires_at = NOW() - interval '1 minute'`)
	require.NoError(t, err)

	n, err := reapExpiredJobs(ctx, testRouter, rc, 10, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	j, err := queue.GetJob(ctx, testRouter, retryable)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, j.State)
	assert.Nil(t, j.LockedBy)

	j, err = queue.GetJob(ctx, testRouter, exhausted)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, j.State)

	dead, err := coord.ListDead(ctx, rc, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, exhausted, dead[0].JobID)
}
