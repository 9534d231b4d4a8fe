// Package processor runs one alert check: fetch from the provider, diff
// against the alert's seen set, persist idempotently, and hand any changes
// to the notification dispatcher.
//
// Every write is safe to repeat. A listing counts as new only for the run
// whose insert created its seen row, so retries and overlapping runs for
// the same alert never notify twice.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/search"
	"github.com/dannyspk/airbnb-alerts-sub000/internal/store"
)

// Store is the persistence the processor needs. *store.Store satisfies it.
type Store interface {
	LoadAlert(ctx context.Context, alertID string) (*domain.Alert, error)
	LoadSeen(ctx context.Context, alertID string) (map[string]domain.SeenEntry, error)
	UpsertListing(ctx context.Context, l domain.Listing, confirmAvailable bool) (domain.CacheUpsert, error)
	InsertSeen(ctx context.Context, alertID, listingID string, ct domain.ChangeType, price *float64) (bool, error)
	UpdateSeen(ctx context.Context, alertID, listingID string, ct domain.ChangeType, price *float64) (bool, error)
	AppendPriceHistory(ctx context.Context, listingID, alertID string, price float64) error
	MarkUnavailable(ctx context.Context, listingID string) error
	TouchLastChecked(ctx context.Context, alertID string) error
	RecordNotified(ctx context.Context, alertID string) error
}

// Notifier must return without waiting for delivery.
type Notifier interface {
	Notify(ctx context.Context, batch domain.ChangeBatch)
}

// Locker is an optional per-alert mutex. *coord.AlertLocker satisfies it.
type Locker interface {
	Lock(ctx context.Context, alertID string) (unlock func(), acquired bool, err error)
}

type Status string

const (
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
)

// Result summarises one run. Reason is set for skipped runs.
type Result struct {
	Status       Status
	Reason       string
	Found        int
	New          int
	PriceDrops   int
	Availability int
	Malformed    int
	Failed       int
}

// Changes is the number of changes handed to the dispatcher.
func (r Result) Changes() int { return r.New + r.PriceDrops + r.Availability }

type Options struct {
	// Currency fills in for alerts whose criteria name none.
	Currency string
	// DetectPriceDrops enables price-drop detection for search jobs.
	// Listing jobs always detect drops.
	DetectPriceDrops bool
	Locker           Locker
	Now              func() time.Time
}

type Processor struct {
	store    Store
	searcher search.Searcher
	notifier Notifier
	opts     Options
	logger   *slog.Logger
}

func New(st Store, searcher search.Searcher, notifier Notifier, opts Options, logger *slog.Logger) *Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	return &Processor{
		store:    st,
		searcher: searcher,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// Handle runs the job and logs its result. It has the registry handler
// signature.
func (p *Processor) Handle(ctx context.Context, job *domain.Job) error {
	res, err := p.Process(ctx, job)
	if err != nil {
		return err
	}
	p.logger.Info("alert processed",
		"job_id", job.ID,
		"alert_id", job.AlertID,
		"status", res.Status,
		"reason", res.Reason,
		"found", res.Found,
		"new", res.New,
		"price_drops", res.PriceDrops,
		"availability", res.Availability,
		"malformed", res.Malformed,
		"failed", res.Failed,
	)
	return nil
}

func (p *Processor) Process(ctx context.Context, job *domain.Job) (Result, error) {
	switch job.Type {
	case domain.JobTypeSearch:
		return p.HandleSearch(ctx, job.AlertID)
	case domain.JobTypeListing:
		return p.HandleListing(ctx, job.AlertID)
	}
	return Result{}, fmt.Errorf("unknown job type %q", job.Type)
}

// begin loads the alert and takes the optional lock. A nil alert means the
// run is skipped and res says why.
func (p *Processor) begin(ctx context.Context, alertID string) (*domain.Alert, func(), Result, error) {
	noop := func() {}

	alert, err := p.store.LoadAlert(ctx, alertID)
	if errors.Is(err, store.ErrAlertNotFound) {
		return nil, noop, skipped("alert not found"), nil
	}
	if err != nil {
		return nil, noop, Result{}, err
	}
	if !alert.IsActive {
		return nil, noop, skipped("alert inactive"), nil
	}

	if p.opts.Locker == nil {
		return alert, noop, Result{}, nil
	}
	unlock, ok, err := p.opts.Locker.Lock(ctx, alertID)
	if err != nil {
		p.logger.Warn("alert lock unavailable, continuing without it", "alert_id", alertID, "error", err)
		return alert, noop, Result{}, nil
	}
	if !ok {
		return nil, noop, skipped("alert locked by another run"), nil
	}
	return alert, unlock, Result{}, nil
}

func skipped(reason string) Result {
	return Result{Status: StatusSkipped, Reason: reason}
}

// HandleSearch runs the alert's saved search once and reports new
// listings, plus price drops when enabled.
func (p *Processor) HandleSearch(ctx context.Context, alertID string) (Result, error) {
	alert, unlock, res, err := p.begin(ctx, alertID)
	if err != nil || alert == nil {
		return res, err
	}
	defer unlock()

	listings, err := p.searcher.Search(ctx, search.ParamsFor(*alert, p.opts.Currency))
	if err != nil {
		return Result{}, fmt.Errorf("search alert %s: %w", alertID, err)
	}
	seen, err := p.store.LoadSeen(ctx, alertID)
	if err != nil {
		return Result{}, err
	}

	res = Result{Status: StatusProcessed, Found: len(listings)}
	var changes []domain.Change
	for _, l := range listings {
		if l.ID == "" {
			res.Malformed++
			p.logger.Warn("skipping listing without id", "alert_id", alertID, "name", l.Name)
			continue
		}
		ch, err := p.diff(ctx, alert, l, seen, p.opts.DetectPriceDrops, false)
		if err != nil {
			res.Failed++
			p.logger.Warn("listing not persisted", "alert_id", alertID, "listing_id", l.ID, "error", err)
			continue
		}
		if ch != nil {
			res.count(ch.Type)
			changes = append(changes, *ch)
		}
	}

	p.finish(ctx, alert, changes)
	return res, nil
}

// HandleListing re-checks the single listing a tracking alert follows.
func (p *Processor) HandleListing(ctx context.Context, alertID string) (Result, error) {
	alert, unlock, res, err := p.begin(ctx, alertID)
	if err != nil || alert == nil {
		return res, err
	}
	defer unlock()

	if alert.ListingID == "" {
		return skipped("alert tracks no listing"), nil
	}
	currency := alert.Criteria.Currency
	if currency == "" {
		currency = p.opts.Currency
	}

	l, err := p.searcher.Listing(ctx, alert.ListingID, currency)
	if errors.Is(err, search.ErrListingUnavailable) {
		if err := p.store.MarkUnavailable(ctx, alert.ListingID); err != nil {
			p.logger.Warn("mark unavailable failed", "alert_id", alertID, "listing_id", alert.ListingID, "error", err)
		}
		p.finish(ctx, alert, nil)
		return Result{Status: StatusProcessed, Reason: "listing unavailable"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("fetch listing %s: %w", alert.ListingID, err)
	}
	if l.ID == "" {
		l.ID = alert.ListingID
	}

	seen, err := p.store.LoadSeen(ctx, alertID)
	if err != nil {
		return Result{}, err
	}

	res = Result{Status: StatusProcessed, Found: 1}
	ch, err := p.diff(ctx, alert, *l, seen, true, true)
	if err != nil {
		return Result{}, err
	}
	var changes []domain.Change
	if ch != nil {
		res.count(ch.Type)
		changes = append(changes, *ch)
	}

	p.finish(ctx, alert, changes)
	return res, nil
}

func (r *Result) count(ct domain.ChangeType) {
	switch ct {
	case domain.ChangeNew:
		r.New++
	case domain.ChangePriceDrop:
		r.PriceDrops++
	case domain.ChangeAvailability:
		r.Availability++
	}
}

// diff persists one listing and returns the change this run owns, if any.
func (p *Processor) diff(ctx context.Context, alert *domain.Alert, l domain.Listing,
	seen map[string]domain.SeenEntry, drops, availability bool) (*domain.Change, error) {
	up, err := p.store.UpsertListing(ctx, l, availability)
	if err != nil {
		return nil, err
	}

	priceMoved := l.Price != nil && !up.Inserted &&
		(up.PreviousPrice == nil || *up.PreviousPrice != *l.Price)

	entry, known := seen[l.ID]
	if !known {
		inserted, err := p.store.InsertSeen(ctx, alert.ID, l.ID, domain.ChangeNew, l.Price)
		if err != nil {
			return nil, err
		}
		if !inserted {
			// Another run got there first and owns the notification.
			return nil, nil
		}
		p.recordPrice(ctx, alert.ID, l)
		return p.change(domain.ChangeNew, l, nil), nil
	}

	var ch *domain.Change
	switch {
	case availability && !up.Inserted && !up.WasAvailable:
		ok, err := p.store.UpdateSeen(ctx, alert.ID, l.ID, domain.ChangeAvailability, l.Price)
		if err != nil {
			return nil, err
		}
		if ok {
			ch = p.change(domain.ChangeAvailability, l, entry.PriceSnapshot)
		}
	case drops && l.Price != nil && entry.PriceSnapshot != nil && *l.Price < *entry.PriceSnapshot:
		ok, err := p.store.UpdateSeen(ctx, alert.ID, l.ID, domain.ChangePriceDrop, l.Price)
		if err != nil {
			return nil, err
		}
		if ok {
			ch = p.change(domain.ChangePriceDrop, l, entry.PriceSnapshot)
		}
	}

	if priceMoved || (ch != nil && ch.Type == domain.ChangePriceDrop) {
		p.recordPrice(ctx, alert.ID, l)
	}
	return ch, nil
}

func (p *Processor) change(ct domain.ChangeType, l domain.Listing, prev *float64) *domain.Change {
	return &domain.Change{Type: ct, Listing: l, PreviousPrice: prev, DetectedAt: p.opts.Now()}
}

// recordPrice appends history. A lost history row is logged, not retried.
func (p *Processor) recordPrice(ctx context.Context, alertID string, l domain.Listing) {
	if l.Price == nil {
		return
	}
	if err := p.store.AppendPriceHistory(ctx, l.ID, alertID, *l.Price); err != nil {
		p.logger.Warn("price history not recorded", "alert_id", alertID, "listing_id", l.ID, "error", err)
	}
}

// finish touches last_checked on every completed run and hands a non-empty
// change set to the dispatcher.
func (p *Processor) finish(ctx context.Context, alert *domain.Alert, changes []domain.Change) {
	if err := p.store.TouchLastChecked(ctx, alert.ID); err != nil {
		p.logger.Warn("last_checked not updated", "alert_id", alert.ID, "error", err)
	}
	if len(changes) == 0 {
		return
	}
	if err := p.store.RecordNotified(ctx, alert.ID); err != nil {
		p.logger.Warn("notification counters not updated", "alert_id", alert.ID, "error", err)
	}
	p.notifier.Notify(ctx, domain.ChangeBatch{Alert: *alert, Changes: changes})
}
