package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

type insertRow struct {
	id  uuid.UUID
	now time.Time
}

func (r insertRow) Scan(dest ...any) error {
	*(dest[0].(*uuid.UUID)) = r.id
	*(dest[1].(*string)) = "queued"
	*(dest[2].(*time.Time)) = r.now
	return nil
}

type recordingWriter struct {
	calls int
	args  []any
}

func (w *recordingWriter) WriteRow(_ context.Context, _ string, args ...any) pgx.Row {
	w.calls++
	w.args = args
	return insertRow{id: uuid.New(), now: time.Now()}
}

func TestEnqueueValidation(t *testing.T) {
	cases := map[string]EnqueueOptions{
		"unknown type":      {Type: "scrape", AlertID: "a", MaxAttempts: 3},
		"missing alert":     {Type: domain.JobTypeSearch, MaxAttempts: 3},
		"unknown priority":  {Type: domain.JobTypeSearch, AlertID: "a", Priority: "urgent", MaxAttempts: 3},
		"negative attempts": {Type: domain.JobTypeSearch, AlertID: "a", MaxAttempts: -1},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			w := &recordingWriter{}
			_, err := Enqueue(context.Background(), w, opts)
			assert.ErrorIs(t, err, ErrInvalidJob)
			assert.Zero(t, w.calls, "invalid jobs never reach the database")
		})
	}
}

func TestEnqueueWritesRank(t *testing.T) {
	w := &recordingWriter{}
	h, err := Enqueue(context.Background(), w, EnqueueOptions{
		Type:        domain.JobTypeListing,
		AlertID:     "alert-1",
		Priority:    domain.PriorityHigh,
		MaxAttempts: 3,
		Delay:       2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, h.State)
	assert.NotEqual(t, uuid.Nil, h.JobID)

	require.Len(t, w.args, 6)
	assert.Equal(t, "listing", w.args[0])
	assert.Equal(t, "high", w.args[2])
	assert.Equal(t, 1, w.args[3])
	assert.Equal(t, int64(2000), w.args[5])
}

func TestEnqueueDefaultsToNormal(t *testing.T) {
	w := &recordingWriter{}
	_, err := Enqueue(context.Background(), w, EnqueueOptions{
		Type: domain.JobTypeSearch, AlertID: "a", MaxAttempts: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "normal", w.args[2])
	assert.Equal(t, 2, w.args[3])
}

func TestEnqueueDefaultsMaxAttempts(t *testing.T) {
	w := &recordingWriter{}
	_, err := Enqueue(context.Background(), w, EnqueueOptions{Type: domain.JobTypeSearch, AlertID: "a"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, w.args[4])
	assert.Equal(t, 3, w.args[4])
}
