package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

const secret = "s3cret"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newWebhook(attempts int) *Webhook {
	return NewWebhook(nil, WebhookOptions{
		Secret:      secret,
		MaxAttempts: attempts,
		BackoffBase: time.Millisecond,
		Timeout:     time.Second,
	}, discard())
}

func price(v float64) *float64 { return &v }

func sampleBatch(url string, n int) domain.ChangeBatch {
	b := domain.ChangeBatch{Alert: domain.Alert{
		ID: "A", UserID: "u1", UserEmail: "u1@example.com", Name: "Lisbon", WebhookURL: url,
	}}
	for i := 0; i < n; i++ {
		b.Changes = append(b.Changes, domain.Change{
			Type:       domain.ChangeNew,
			Listing:    domain.Listing{ID: strconv.Itoa(100 + i), Name: fmt.Sprintf("Flat %d", i), Price: price(90), Currency: "EUR"},
			DetectedAt: time.Now(),
		})
	}
	return b
}

func TestWebhookIsSigned(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !Verify(body, secret, r.Header.Get(SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ts, err := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
		if err != nil || time.Since(time.Unix(ts, 0)) > time.Minute {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	b := sampleBatch(srv.URL, 1)
	out := newWebhook(3).Send(context.Background(), srv.URL, payloadFor(b.Alert, b.Changes[0]))

	require.NoError(t, out.Err)
	assert.True(t, out.OK)
	assert.Equal(t, "listing.new", got.Event)
	assert.Equal(t, "A", got.Alert.ID)
	assert.Equal(t, "u1", got.User.ID)
	assert.Equal(t, "100", got.Listing.ID)
}

func TestVerifyRejectsTampering(t *testing.T) {
	body := []byte(`{"event":"listing.new"}`)
	sig := Sign(body, secret)

	assert.True(t, Verify(body, secret, sig))
	assert.False(t, Verify([]byte(`{"event":"listing.price_drop"}`), secret, sig))
	assert.False(t, Verify(body, "other", sig))
}

func TestWebhookRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out := newWebhook(3).Send(context.Background(), srv.URL, Payload{Event: "listing.new"})
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	out := newWebhook(3).Send(context.Background(), srv.URL, Payload{Event: "listing.new"})
	assert.False(t, out.OK)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "status 500")
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookRetryDelaysDoubleAndStayBounded(t *testing.T) {
	policy := retryPolicy(250*time.Millisecond, 4)
	var delays []time.Duration
	for {
		d := policy.NextBackOff()
		if d == backoff.Stop {
			break
		}
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}, delays,
		"three retries after the first attempt, no jitter")

	long := retryPolicy(250*time.Millisecond, 30)
	prev := time.Duration(0)
	for i := 0; i < 29; i++ {
		d := long.NextBackOff()
		require.NotEqual(t, backoff.Stop, d, "retry %d", i+1)
		assert.GreaterOrEqual(t, d, prev, "retry %d", i+1)
		assert.LessOrEqual(t, d, maxWebhookDelay, "retry %d", i+1)
		prev = d
	}
	assert.Equal(t, maxWebhookDelay, prev)
	assert.Equal(t, backoff.Stop, long.NextBackOff())
}

func TestWebhookWaitsBetweenAttempts(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook(nil, WebhookOptions{Secret: secret, MaxAttempts: 3, Timeout: time.Second}, discard())
	out := wh.Send(context.Background(), srv.URL, Payload{Event: "listing.new"})
	require.False(t, out.OK)
	assert.Contains(t, out.Err.Error(), "after 3 attempts")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 3)
	first, second := times[1].Sub(times[0]), times[2].Sub(times[1])
	assert.GreaterOrEqual(t, first, 250*time.Millisecond, "default base")
	assert.GreaterOrEqual(t, second, 500*time.Millisecond)
	assert.GreaterOrEqual(t, second, first)
}

func TestWebhookTimeoutIsAFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	w := NewWebhook(nil, WebhookOptions{Secret: secret, MaxAttempts: 1, Timeout: 50 * time.Millisecond}, discard())
	out := w.Send(context.Background(), srv.URL, Payload{})
	assert.False(t, out.OK)
	assert.Error(t, out.Err)
}

func TestRenderEmailSummarisesFirstFive(t *testing.T) {
	b := sampleBatch("", 7)
	b.Changes[1].Type = domain.ChangePriceDrop
	b.Changes[1].PreviousPrice = price(120)

	subject, body := RenderEmail(b)
	assert.Equal(t, "7 updates for Lisbon", subject)
	assert.Contains(t, body, "Flat 0")
	assert.Contains(t, body, "Flat 4")
	assert.NotContains(t, body, "Flat 5")
	assert.Contains(t, body, "and 2 more")
	assert.Contains(t, body, "[price drop] Flat 1 | 90 EUR (was 120)")
}

type memAudit struct {
	mu   sync.Mutex
	rows []domain.NotificationRecord
}

func (a *memAudit) InsertNotification(_ context.Context, rec domain.NotificationRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, rec)
	return nil
}

type fakeMailer struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (m *fakeMailer) Send(_ context.Context, to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to+": "+subject)
	return nil
}

func TestDispatcherChannelsAreIndependent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	audit := &memAudit{}
	mailer := &fakeMailer{}
	d := NewDispatcher(mailer, newWebhook(2), audit, time.Minute, discard())

	d.Notify(context.Background(), sampleBatch(srv.URL, 2))
	require.NoError(t, d.Wait(context.Background()))

	require.Len(t, mailer.sent, 1, "one email per batch")
	require.Len(t, audit.rows, 2, "one audit row per listing")
	for _, r := range audit.rows {
		assert.True(t, r.EmailSent)
		assert.False(t, r.WebhookSent)
		assert.Contains(t, r.WebhookError, "status 503")
	}
}

func TestDispatcherAuditsEvenWhenEverythingFails(t *testing.T) {
	audit := &memAudit{}
	d := NewDispatcher(&fakeMailer{err: errors.New("relay refused")}, nil, audit, time.Minute, discard())

	d.Notify(context.Background(), sampleBatch("", 3))
	require.NoError(t, d.Wait(context.Background()))

	require.Len(t, audit.rows, 3)
	for _, r := range audit.rows {
		assert.False(t, r.EmailSent)
		assert.False(t, r.WebhookSent)
		assert.Empty(t, r.WebhookError)
	}
}

func TestNotifyDoesNotBlockOnSlowDelivery(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	d := NewDispatcher(nil, newWebhook(1), &memAudit{}, time.Minute, discard())

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	d.Notify(ctx, sampleBatch(srv.URL, 1))
	cancel()
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, d.Wait(waitCtx), context.DeadlineExceeded, "delivery outlives the job context")
}
