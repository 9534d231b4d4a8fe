// Package notify delivers change batches over email and webhook. Delivery
// never blocks the caller and never fails a job: each channel reports an
// Outcome, and one audit row per listing records what happened.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// Outcome is the result of one channel delivery.
type Outcome struct {
	OK  bool
	Err error
}

func (o Outcome) errString() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Auditor records notification rows. *store.Store satisfies it.
type Auditor interface {
	InsertNotification(ctx context.Context, rec domain.NotificationRecord) error
}

type Dispatcher struct {
	mailer  Mailer
	webhook *Webhook
	audit   Auditor
	logger  *slog.Logger
	// bound caps one batch's total delivery time, independent of the job.
	bound time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(mailer Mailer, webhook *Webhook, audit Auditor, bound time.Duration, logger *slog.Logger) *Dispatcher {
	if bound <= 0 {
		bound = 2 * time.Minute
	}
	return &Dispatcher{
		mailer:  mailer,
		webhook: webhook,
		audit:   audit,
		logger:  logger,
		bound:   bound,
	}
}

// Notify starts delivery and returns at once. The delivery context keeps
// ctx's values but not its cancellation, so finishing the job does not
// abort delivery.
func (d *Dispatcher) Notify(ctx context.Context, batch domain.ChangeBatch) {
	if len(batch.Changes) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.bound)
		defer cancel()
		d.deliver(dctx, batch)
	}()
}

// Wait blocks until every started delivery has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, batch domain.ChangeBatch) {
	a := batch.Alert
	log := d.logger.With("alert_id", a.ID, "user_id", a.UserID)

	email := d.sendEmail(ctx, batch)
	if email.Err != nil {
		log.Warn("email delivery failed", "error", email.Err)
	}

	for _, c := range batch.Changes {
		var hook Outcome
		if a.WebhookURL != "" && d.webhook != nil {
			hook = d.webhook.Send(ctx, a.WebhookURL, payloadFor(a, c))
			if hook.Err != nil {
				log.Warn("webhook delivery failed", "listing_id", c.Listing.ID, "error", hook.Err)
			}
		}

		rec := domain.NotificationRecord{
			UserID:       a.UserID,
			AlertID:      a.ID,
			ListingID:    c.Listing.ID,
			Type:         c.Type,
			EmailSent:    email.OK,
			WebhookSent:  hook.OK,
			WebhookError: hook.errString(),
			CreatedAt:    time.Now(),
		}
		if err := d.audit.InsertNotification(ctx, rec); err != nil {
			log.Warn("notification audit not written", "listing_id", c.Listing.ID, "error", err)
		}
	}

	log.Info("notifications delivered",
		"changes", len(batch.Changes),
		"email_sent", email.OK,
		"webhook", a.WebhookURL != "",
	)
}

var errNoRecipient = errors.New("alert has no user email")

func (d *Dispatcher) sendEmail(ctx context.Context, batch domain.ChangeBatch) Outcome {
	if d.mailer == nil {
		return Outcome{}
	}
	to := batch.Alert.UserEmail
	if to == "" {
		return Outcome{Err: errNoRecipient}
	}
	subject, body := RenderEmail(batch)
	if err := d.mailer.Send(ctx, to, subject, body); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{OK: true}
}
