package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Hook-Timestamp"
)

// Payload is the JSON body of one webhook delivery.
type Payload struct {
	Event         string         `json:"event"`
	Alert         PayloadAlert   `json:"alert"`
	User          PayloadUser    `json:"user"`
	Listing       domain.Listing `json:"listing"`
	PreviousPrice *float64       `json:"previous_price,omitempty"`
	DetectedAt    time.Time      `json:"detected_at"`
}

type PayloadAlert struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type PayloadUser struct {
	ID string `json:"id"`
}

func payloadFor(a domain.Alert, c domain.Change) Payload {
	return Payload{
		Event:         "listing." + string(c.Type),
		Alert:         PayloadAlert{ID: a.ID, Name: a.Name},
		User:          PayloadUser{ID: a.UserID},
		Listing:       c.Listing,
		PreviousPrice: c.PreviousPrice,
		DetectedAt:    c.DetectedAt,
	}
}

// Sign returns the X-Signature value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header in constant time.
func Verify(body []byte, secret, header string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(header))
}

type WebhookOptions struct {
	Secret      string
	MaxAttempts int
	BackoffBase time.Duration
	Timeout     time.Duration
}

// Webhook posts signed payloads and retries failed deliveries with
// exponential backoff.
type Webhook struct {
	client *http.Client
	opts   WebhookOptions
	logger *slog.Logger
}

func NewWebhook(client *http.Client, opts WebhookOptions, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{}
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 250 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Webhook{client: client, opts: opts, logger: logger}
}

// Send delivers p to url. Any non-2xx response or transport error counts
// as a failed attempt.
func (w *Webhook) Send(ctx context.Context, url string, p Payload) Outcome {
	body, err := json.Marshal(p)
	if err != nil {
		return Outcome{Err: fmt.Errorf("encode payload: %w", err)}
	}

	attempt := 0
	op := func() error {
		attempt++
		return w.post(ctx, url, body)
	}
	notify := func(err error, next time.Duration) {
		w.logger.Warn("webhook attempt failed",
			"url", url,
			"attempt", attempt,
			"retry_in", next,
			"error", err,
		)
	}

	policy := backoff.WithContext(retryPolicy(w.opts.BackoffBase, w.opts.MaxAttempts), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return Outcome{Err: fmt.Errorf("webhook failed after %d attempts: %w", attempt, err)}
	}
	return Outcome{OK: true}
}

// maxWebhookDelay caps the wait between two attempts.
const maxWebhookDelay = 30 * time.Second

// retryPolicy yields base, 2*base, 4*base ... capped at maxWebhookDelay, with
// no jitter, and stops after maxAttempts-1 retries.
func retryPolicy(base time.Duration, maxAttempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxWebhookDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(maxAttempts-1))
}

func (w *Webhook) post(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(body, w.opts.Secret))
	req.Header.Set(TimestampHeader, strconv.FormatInt(time.Now().Unix(), 10))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
